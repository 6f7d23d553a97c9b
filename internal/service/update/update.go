package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/jgivc/updagent/internal/common"
	"github.com/jgivc/updagent/internal/entity"
	"github.com/jgivc/updagent/internal/service/gate"
	"github.com/jgivc/updagent/internal/util"
	"github.com/spf13/afero"
)

const (
	serviceName = "update"

	subscriberBuffer = 8

	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

type ReleaseRepository interface {
	Latest(ctx context.Context) (*entity.VersionDescriptor, error)
}

type Downloader interface {
	Download(ctx context.Context, url, target string) <-chan entity.DownloadProgress
}

type InstallLauncher interface {
	Install(ctx context.Context, path string) (bool, error)
	SettingsHint() string
}

type NotesRenderer interface {
	Render(src string) (*entity.ReleaseNotes, error)
}

type HistoryRepository interface {
	ArtifactSize(ctx context.Context, id string) (int64, error)
	IncAttempt(ctx context.Context, id string) (int64, error)
	SetOutcome(ctx context.Context, id, outcome string) error
	AppliedBuild(ctx context.Context) (int64, error)
	SetAppliedBuild(ctx context.Context, build int64) error
}

// UpdateService владеет состоянием цикла обновления. Всё состояние меняется
// только здесь; UI получает снимки и шлёт дискретные намерения.
type UpdateService struct {
	repo       ReleaseRepository
	dl         Downloader
	inst       InstallLauncher
	notes      NotesRenderer
	hist       HistoryRepository
	fs         afero.Fs
	localBuild int64
	target     string

	mu       sync.Mutex
	phase    entity.UpdatePhase
	desc     *entity.VersionDescriptor
	rendered *entity.ReleaseNotes
	progress *entity.DownloadProgress
	reason   string
	hint     string
	cancel   context.CancelFunc
	gen      uint64
	subs     map[chan entity.UpdateState]struct{}

	log *slog.Logger
}

func NewUpdateService(repo ReleaseRepository, dl Downloader, inst InstallLauncher, notes NotesRenderer,
	hist HistoryRepository, fs afero.Fs, localBuild int64, target string, log *slog.Logger) *UpdateService {
	return &UpdateService{
		repo:       repo,
		dl:         dl,
		inst:       inst,
		notes:      notes,
		hist:       hist,
		fs:         fs,
		localBuild: localBuild,
		target:     target,
		phase:      entity.PhaseIdle,
		subs:       make(map[chan entity.UpdateState]struct{}),
		log:        log.With(slog.String("service", serviceName)),
	}
}

// State returns the current cycle snapshot.
func (s *UpdateService) State() entity.UpdateState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

// Subscribe registers a state stream consumer. The returned cancel func must
// be called when the consumer goes away. A slow consumer loses intermediate
// snapshots, never the latest one.
func (s *UpdateService) Subscribe() (<-chan entity.UpdateState, func()) {
	ch := make(chan entity.UpdateState, subscriberBuffer)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

// Check starts a new update cycle: asks the release endpoint for the latest
// descriptor and compares builds. No update is not an error, the cycle just
// returns to idle.
func (s *UpdateService) Check(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == entity.PhaseDownloading {
		s.mu.Unlock()

		return common.ErrDownloadInFlight
	}

	s.desc = nil
	s.rendered = nil
	s.progress = nil
	s.reason = ""
	s.hint = ""
	s.phase = entity.PhaseChecking
	s.broadcastLocked()
	s.mu.Unlock()

	local := s.localBuild
	if applied, err := s.hist.AppliedBuild(ctx); err != nil {
		s.log.Error("Cannot get applied build", slog.Any("error", err))
	} else if applied > local {
		local = applied
	}

	desc, err := s.repo.Latest(ctx)
	if err != nil {
		s.log.Error("Check failed", slog.Any("error", err))
		s.fail("cannot check for updates", "")

		return fmt.Errorf("cannot check for updates: %w", err)
	}

	if !gate.NeedsUpdate(local, desc.BuildNumber) {
		s.log.Info("No update needed",
			slog.Int64("local_build", local), slog.String("server_build", desc.BuildNumber))

		s.apply(func() {
			s.phase = entity.PhaseIdle
		})

		return nil
	}

	var rendered *entity.ReleaseNotes
	if desc.ReleaseNotes != "" {
		rendered, err = s.notes.Render(desc.ReleaseNotes)
		if err != nil {
			s.log.Error("Cannot render release notes", slog.Any("error", err))
			rendered = nil
		}
	}

	s.log.Info("Update available", slog.String("version", desc.HumanVersion),
		slog.String("build", desc.BuildNumber), slog.Bool("mandatory", gate.IsMandatory(desc)))

	s.apply(func() {
		s.phase = entity.PhaseAvailable
		s.desc = desc
		s.rendered = rendered
	})

	return nil
}

// Start drives the downloader. Calling it again after a failed download
// resumes from the partial file rather than starting a fresh cycle.
func (s *UpdateService) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.cancel != nil {
		s.mu.Unlock()

		return common.ErrDownloadInFlight
	}

	desc := s.desc
	if desc == nil {
		s.mu.Unlock()

		return common.ErrNoUpdateAvailable
	}

	dctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.phase = entity.PhaseDownloading
	s.progress = &entity.DownloadProgress{BytesTotal: -1}
	s.reason = ""
	s.hint = ""
	s.broadcastLocked()
	s.mu.Unlock()

	slot := util.GetIDFromString(desc.DownloadURL)
	if _, err := s.hist.IncAttempt(ctx, slot); err != nil {
		s.log.Error("Cannot count download attempt", slog.Any("error", err))
	}

	go s.watch(dctx, desc, slot, gen)

	return nil
}

// watch consumes the snapshot stream of one download attempt and re-emits
// every snapshot as cycle state. The attempt carries a generation: once
// Dismiss or Reset supersedes it, its snapshots no longer touch the state.
func (s *UpdateService) watch(ctx context.Context, desc *entity.VersionDescriptor, slot string, gen uint64) {
	defer func() {
		s.mu.Lock()
		if s.gen == gen && s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	for p := range s.dl.Download(ctx, desc.DownloadURL, s.target) {
		snap := p

		switch {
		case snap.Failed:
			outcome := OutcomeFailed
			if snap.ErrorKind == common.DownloadErrorCancelled {
				outcome = OutcomeCancelled
			}
			s.recordOutcome(slot, outcome)

			s.applyAttempt(gen, func() {
				s.phase = entity.PhaseError
				s.progress = &snap
				s.reason = snap.ErrorMessage
			})

		case snap.Completed:
			s.recordOutcome(slot, OutcomeCompleted)

			s.applyAttempt(gen, func() {
				s.phase = entity.PhaseDownloaded
				s.progress = &snap
			})

		default:
			s.applyAttempt(gen, func() {
				s.phase = entity.PhaseDownloading
				s.progress = &snap
			})
		}
	}
}

// Install verifies the artifact is whole and hands it to the launcher.
// Success means the install intent was dispatched, the OS finishes it
// out-of-band, so the cycle returns to idle.
func (s *UpdateService) Install(ctx context.Context) error {
	s.mu.Lock()
	desc := s.desc
	if desc == nil {
		s.mu.Unlock()

		return common.ErrNoUpdateAvailable
	}

	if s.phase != entity.PhaseDownloaded && s.phase != entity.PhaseError {
		phase := s.phase
		s.mu.Unlock()

		return fmt.Errorf("no downloaded artifact in state %s", phase)
	}

	// Claim the install before letting go of the lock, a second concurrent
	// intent must not dispatch twice.
	s.phase = entity.PhaseInstallPending
	s.broadcastLocked()
	s.mu.Unlock()

	if err := s.verifyArtifact(ctx, desc); err != nil {
		s.log.Error("Artifact verification failed", slog.Any("error", err))
		s.fail("downloaded artifact is not complete", "")

		return err
	}

	ok, err := s.inst.Install(ctx, s.target)
	if !ok {
		if errors.Is(err, common.ErrInstallPermissionMissing) {
			s.log.Warn("Install permission missing")
			s.fail("permission required", s.inst.SettingsHint())
		} else {
			s.log.Error("Cannot dispatch install", slog.Any("error", err))
			s.fail("cannot install update", "")
		}

		return err
	}

	if build, perr := strconv.ParseInt(desc.BuildNumber, 10, 64); perr == nil {
		if herr := s.hist.SetAppliedBuild(ctx, build); herr != nil {
			s.log.Error("Cannot record applied build", slog.Any("error", herr))
		}
	}

	s.log.Info("Install dispatched", slog.String("version", desc.HumanVersion))

	s.apply(func() {
		s.resetLocked()
	})

	return nil
}

// Dismiss drops a non-mandatory cycle back to idle, cancelling an in-flight
// download. The partial or complete artifact stays on disk. Whether a
// mandatory update may be dismissed at all is the UI's contract, here it is
// only logged.
func (s *UpdateService) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gate.IsMandatory(s.desc) {
		s.log.Warn("Dismissing a mandatory update")
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.resetLocked()
	s.broadcastLocked()
}

// Reset discards the downloaded artifact to reclaim storage and cancels any
// in-flight download. The only place a partial file is ever deleted.
func (s *UpdateService) Reset(_ context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.resetLocked()
	s.broadcastLocked()
	s.mu.Unlock()

	if err := s.fs.Remove(s.target); err != nil && !os.IsNotExist(err) {
		s.log.Error("Cannot remove artifact", slog.Any("error", err))

		return fmt.Errorf("cannot remove artifact: %w", err)
	}

	return nil
}

// Shutdown cancels an in-flight download, keeping the partial file for a
// resume after restart. Cancellation is not failure.
func (s *UpdateService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *UpdateService) verifyArtifact(ctx context.Context, desc *entity.VersionDescriptor) error {
	fi, err := s.fs.Stat(s.target)
	if err != nil {
		if os.IsNotExist(err) {
			return common.ErrArtifactNotFound
		}

		return fmt.Errorf("cannot stat artifact: %w", err)
	}

	s.mu.Lock()
	progress := s.progress
	s.mu.Unlock()

	total := int64(0)
	if progress != nil && progress.BytesTotal > 0 {
		total = progress.BytesTotal
	} else {
		total, err = s.hist.ArtifactSize(ctx, util.GetIDFromString(desc.DownloadURL))
		if err != nil {
			s.log.Error("Cannot get known artifact size", slog.Any("error", err))
			total = 0
		}
	}

	if total > 0 && fi.Size() != total {
		return fmt.Errorf("%w: %d of %d bytes", common.ErrArtifactIncomplete, fi.Size(), total)
	}

	return nil
}

func (s *UpdateService) recordOutcome(slot, outcome string) {
	if err := s.hist.SetOutcome(context.Background(), slot, outcome); err != nil {
		s.log.Error("Cannot record outcome", slog.String("outcome", outcome), slog.Any("error", err))
	}
}

func (s *UpdateService) fail(reason, hint string) {
	s.apply(func() {
		s.phase = entity.PhaseError
		s.reason = reason
		s.hint = hint
	})
}

func (s *UpdateService) apply(mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate()
	s.broadcastLocked()
}

// applyAttempt applies a mutation from download attempt gen, skipping it when
// the attempt has been superseded.
func (s *UpdateService) applyAttempt(gen uint64, mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}

	mutate()
	s.broadcastLocked()
}

func (s *UpdateService) resetLocked() {
	s.gen++
	s.phase = entity.PhaseIdle
	s.desc = nil
	s.rendered = nil
	s.progress = nil
	s.reason = ""
	s.hint = ""
}

func (s *UpdateService) snapshotLocked() entity.UpdateState {
	return entity.UpdateState{
		Phase:        s.phase,
		Descriptor:   s.desc,
		Notes:        s.rendered,
		Progress:     s.progress,
		Reason:       s.reason,
		SettingsHint: s.hint,
	}
}

// broadcastLocked pushes the current snapshot to every subscriber without
// blocking: when a buffer is full the oldest snapshot is dropped so the
// consumer always ends up with the newest one.
func (s *UpdateService) broadcastLocked() {
	snap := s.snapshotLocked()

	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- snap:
			default:
			}
		}
	}
}
