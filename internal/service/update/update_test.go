package update

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jgivc/updagent/internal/common"
	"github.com/jgivc/updagent/internal/entity"
	"github.com/jgivc/updagent/internal/util"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const targetPath = "/data/update.pkg"

type fakeRelease struct {
	desc *entity.VersionDescriptor
	err  error
}

func (f *fakeRelease) Latest(_ context.Context) (*entity.VersionDescriptor, error) {
	return f.desc, f.err
}

type fakeDownloader struct {
	mu      sync.Mutex
	urls    []string
	targets []string
	script  []entity.DownloadProgress
}

func (f *fakeDownloader) Download(_ context.Context, url, target string) <-chan entity.DownloadProgress {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.targets = append(f.targets, target)
	script := f.script
	f.mu.Unlock()

	ch := make(chan entity.DownloadProgress, len(script))
	for _, p := range script {
		ch <- p
	}
	close(ch)

	return ch
}

func (f *fakeDownloader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.urls)
}

// blockingDownloader never emits until its context is cancelled.
type blockingDownloader struct{}

func (f *blockingDownloader) Download(ctx context.Context, _, _ string) <-chan entity.DownloadProgress {
	ch := make(chan entity.DownloadProgress, 1)
	go func() {
		<-ctx.Done()
		ch <- entity.DownloadProgress{
			Failed:       true,
			ErrorKind:    common.DownloadErrorCancelled,
			ErrorMessage: "download cancelled",
		}
		close(ch)
	}()

	return ch
}

type fakeLauncher struct {
	ok    bool
	err   error
	hint  string
	calls int
}

func (f *fakeLauncher) Install(_ context.Context, _ string) (bool, error) {
	f.calls++

	return f.ok, f.err
}

func (f *fakeLauncher) SettingsHint() string {
	return f.hint
}

type fakeNotes struct{}

func (f *fakeNotes) Render(src string) (*entity.ReleaseNotes, error) {
	return &entity.ReleaseNotes{HTML: "<p>" + src + "</p>"}, nil
}

type fakeHistory struct {
	mu       sync.Mutex
	sizes    map[string]int64
	attempts map[string]int64
	outcomes map[string]string
	applied  int64
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		sizes:    make(map[string]int64),
		attempts: make(map[string]int64),
		outcomes: make(map[string]string),
	}
}

func (f *fakeHistory) ArtifactSize(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sizes[id], nil
}

func (f *fakeHistory) IncAttempt(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[id]++

	return f.attempts[id], nil
}

func (f *fakeHistory) SetOutcome(_ context.Context, id, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.outcomes[id] = outcome

	return nil
}

func (f *fakeHistory) AppliedBuild(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.applied, nil
}

func (f *fakeHistory) SetAppliedBuild(_ context.Context, build int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.applied = build

	return nil
}

func (f *fakeHistory) outcome(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.outcomes[id]
}

func (f *fakeHistory) attemptCount(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts[id]
}

func descriptor() *entity.VersionDescriptor {
	return &entity.VersionDescriptor{
		HumanVersion: "2.1.0",
		BuildNumber:  "42",
		DownloadURL:  "http://updates.example.com/pkg",
		ReleaseNotes: "Fixes",
	}
}

type testEnv struct {
	svc  *UpdateService
	fs   afero.Fs
	rel  *fakeRelease
	dl   Downloader
	inst *fakeLauncher
	hist *fakeHistory
}

func newTestService(t *testing.T, localBuild int64, dl Downloader) *testEnv {
	t.Helper()

	env := &testEnv{
		fs:   afero.NewMemMapFs(),
		rel:  &fakeRelease{desc: descriptor()},
		dl:   dl,
		inst: &fakeLauncher{ok: true, hint: "enable unknown sources"},
		hist: newFakeHistory(),
	}
	if env.dl == nil {
		env.dl = &fakeDownloader{}
	}

	env.svc = NewUpdateService(env.rel, env.dl, env.inst, &fakeNotes{},
		env.hist, env.fs, localBuild, targetPath, slog.Default())

	return env
}

func waitPhase(t *testing.T, svc *UpdateService, phase entity.UpdatePhase) {
	t.Helper()

	require.Eventually(t, func() bool {
		return svc.State().Phase == phase
	}, time.Second, 5*time.Millisecond)
}

func TestCheckNoUpdate(t *testing.T) {
	env := newTestService(t, 42, nil)

	require.NoError(t, env.svc.Check(context.Background()))

	st := env.svc.State()
	require.Equal(t, entity.PhaseIdle, st.Phase)
	require.Nil(t, st.Descriptor)
}

func TestCheckAvailable(t *testing.T) {
	env := newTestService(t, 41, nil)

	require.NoError(t, env.svc.Check(context.Background()))

	st := env.svc.State()
	require.Equal(t, entity.PhaseAvailable, st.Phase)
	require.NotNil(t, st.Descriptor)
	require.Equal(t, "42", st.Descriptor.BuildNumber)
	require.NotNil(t, st.Notes)
	require.Equal(t, "<p>Fixes</p>", st.Notes.HTML)
}

func TestCheckFailed(t *testing.T) {
	env := newTestService(t, 41, nil)
	env.rel.desc = nil
	env.rel.err = common.ErrCheckFailed

	require.Error(t, env.svc.Check(context.Background()))
	require.Equal(t, entity.PhaseError, env.svc.State().Phase)
}

func TestCheckUsesAppliedBuild(t *testing.T) {
	env := newTestService(t, 41, nil)
	env.hist.applied = 42

	require.NoError(t, env.svc.Check(context.Background()))
	require.Equal(t, entity.PhaseIdle, env.svc.State().Phase)
}

func TestCheckNonNumericServerBuild(t *testing.T) {
	env := newTestService(t, 41, nil)
	env.rel.desc.BuildNumber = "latest"

	require.NoError(t, env.svc.Check(context.Background()))
	require.Equal(t, entity.PhaseIdle, env.svc.State().Phase)
}

func TestStartWithoutDescriptor(t *testing.T) {
	env := newTestService(t, 41, nil)

	err := env.svc.Start(context.Background())
	require.ErrorIs(t, err, common.ErrNoUpdateAvailable)
}

func TestStartDownloadCompletes(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 500, BytesTotal: 1000},
		{BytesDownloaded: 1000, BytesTotal: 1000, Completed: true},
	}}
	env := newTestService(t, 41, dl)

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))

	waitPhase(t, env.svc, entity.PhaseDownloaded)

	st := env.svc.State()
	require.NotNil(t, st.Progress)
	require.Equal(t, int64(1000), st.Progress.BytesDownloaded)

	slot := util.GetIDFromString(descriptor().DownloadURL)
	require.Equal(t, OutcomeCompleted, env.hist.outcome(slot))
	require.Equal(t, int64(1), env.hist.attemptCount(slot))
}

func TestStartDownloadFailsThenResumes(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 300, BytesTotal: 1000},
		{
			BytesDownloaded: 300, BytesTotal: 1000,
			Failed:    true,
			ErrorKind: common.DownloadErrorNetworkIO, ErrorMessage: "connection reset",
		},
	}}
	env := newTestService(t, 41, dl)

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))

	waitPhase(t, env.svc, entity.PhaseError)

	st := env.svc.State()
	require.Equal(t, "connection reset", st.Reason)
	require.NotNil(t, st.Descriptor)

	slot := util.GetIDFromString(descriptor().DownloadURL)
	require.Equal(t, OutcomeFailed, env.hist.outcome(slot))

	// The cycle is retryable from the error state.
	require.Eventually(t, func() bool {
		return env.svc.Start(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, dl.calls())
}

func TestStartInFlightRejected(t *testing.T) {
	env := newTestService(t, 41, &blockingDownloader{})

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))

	err := env.svc.Start(context.Background())
	require.ErrorIs(t, err, common.ErrDownloadInFlight)

	env.svc.Shutdown()
}

func TestShutdownKeepsCancelledOutcome(t *testing.T) {
	env := newTestService(t, 41, &blockingDownloader{})

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))

	env.svc.Shutdown()

	slot := util.GetIDFromString(descriptor().DownloadURL)
	require.Eventually(t, func() bool {
		return env.hist.outcome(slot) == OutcomeCancelled
	}, time.Second, 5*time.Millisecond)
}

func TestInstallDispatched(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 1000, BytesTotal: 1000, Completed: true},
	}}
	env := newTestService(t, 41, dl)

	require.NoError(t, afero.WriteFile(env.fs, targetPath, make([]byte, 1000), 0o644))
	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloaded)

	require.NoError(t, env.svc.Install(context.Background()))

	require.Equal(t, 1, env.inst.calls)
	require.Equal(t, int64(42), env.hist.applied)
	require.Equal(t, entity.PhaseIdle, env.svc.State().Phase)
}

// slowLauncher blocks inside Install until released, to hold the cycle in
// the install pending phase.
type slowLauncher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (f *slowLauncher) Install(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	<-f.release

	return true, nil
}

func (f *slowLauncher) SettingsHint() string { return "" }

func (f *slowLauncher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func TestInstallConcurrentSingleDispatch(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 1000, BytesTotal: 1000, Completed: true},
	}}
	env := newTestService(t, 41, dl)

	inst := &slowLauncher{release: make(chan struct{})}
	env.svc = NewUpdateService(env.rel, env.dl, inst, &fakeNotes{},
		env.hist, env.fs, 41, targetPath, slog.Default())

	require.NoError(t, afero.WriteFile(env.fs, targetPath, make([]byte, 1000), 0o644))
	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloaded)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- env.svc.Install(context.Background())
	}()

	require.Eventually(t, func() bool {
		return inst.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The second intent arrives while the first still holds the claim.
	err := env.svc.Install(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, common.ErrInstallPermissionMissing)

	close(inst.release)
	require.NoError(t, <-firstDone)
	require.Equal(t, 1, inst.callCount())
}

func TestInstallPermissionMissing(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 1000, BytesTotal: 1000, Completed: true},
	}}
	env := newTestService(t, 41, dl)
	env.inst.ok = false
	env.inst.err = common.ErrInstallPermissionMissing

	require.NoError(t, afero.WriteFile(env.fs, targetPath, make([]byte, 1000), 0o644))
	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloaded)

	err := env.svc.Install(context.Background())
	require.ErrorIs(t, err, common.ErrInstallPermissionMissing)

	st := env.svc.State()
	require.Equal(t, entity.PhaseError, st.Phase)
	require.Equal(t, "enable unknown sources", st.SettingsHint)
	require.NotNil(t, st.Descriptor)
}

func TestInstallIncompleteArtifact(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 1000, BytesTotal: 1000, Completed: true},
	}}
	env := newTestService(t, 41, dl)

	require.NoError(t, afero.WriteFile(env.fs, targetPath, make([]byte, 400), 0o644))
	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloaded)

	err := env.svc.Install(context.Background())
	require.ErrorIs(t, err, common.ErrArtifactIncomplete)
	require.Equal(t, 0, env.inst.calls)
}

func TestInstallMissingArtifact(t *testing.T) {
	dl := &fakeDownloader{script: []entity.DownloadProgress{
		{BytesDownloaded: 1000, BytesTotal: 1000, Completed: true},
	}}
	env := newTestService(t, 41, dl)

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloaded)

	err := env.svc.Install(context.Background())
	require.ErrorIs(t, err, common.ErrArtifactNotFound)
}

func TestDismissKeepsArtifact(t *testing.T) {
	env := newTestService(t, 41, nil)

	require.NoError(t, afero.WriteFile(env.fs, targetPath, make([]byte, 400), 0o644))
	require.NoError(t, env.svc.Check(context.Background()))

	env.svc.Dismiss()

	st := env.svc.State()
	require.Equal(t, entity.PhaseIdle, st.Phase)
	require.Nil(t, st.Descriptor)

	_, err := env.fs.Stat(targetPath)
	require.NoError(t, err)
}

func TestResetRemovesArtifact(t *testing.T) {
	env := newTestService(t, 41, nil)

	require.NoError(t, afero.WriteFile(env.fs, targetPath, make([]byte, 400), 0o644))
	require.NoError(t, env.svc.Check(context.Background()))

	require.NoError(t, env.svc.Reset(context.Background()))

	require.Equal(t, entity.PhaseIdle, env.svc.State().Phase)

	_, err := env.fs.Stat(targetPath)
	require.Error(t, err)
}

func TestResetDuringDownloadStaysIdle(t *testing.T) {
	env := newTestService(t, 41, &blockingDownloader{})

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloading)

	require.NoError(t, env.svc.Reset(context.Background()))
	require.Equal(t, entity.PhaseIdle, env.svc.State().Phase)

	// The abandoned attempt still records its outcome but its terminal
	// snapshot must not drag the cycle into an error.
	slot := util.GetIDFromString(descriptor().DownloadURL)
	require.Eventually(t, func() bool {
		return env.hist.outcome(slot) == OutcomeCancelled
	}, time.Second, 5*time.Millisecond)

	require.Never(t, func() bool {
		return env.svc.State().Phase != entity.PhaseIdle
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestDismissDuringDownloadStaysIdle(t *testing.T) {
	env := newTestService(t, 41, &blockingDownloader{})

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloading)

	env.svc.Dismiss()
	require.Equal(t, entity.PhaseIdle, env.svc.State().Phase)

	slot := util.GetIDFromString(descriptor().DownloadURL)
	require.Eventually(t, func() bool {
		return env.hist.outcome(slot) == OutcomeCancelled
	}, time.Second, 5*time.Millisecond)

	st := env.svc.State()
	require.Equal(t, entity.PhaseIdle, st.Phase)
	require.Nil(t, st.Descriptor)
	require.Nil(t, st.Progress)

	require.Never(t, func() bool {
		return env.svc.State().Phase != entity.PhaseIdle
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestResetDuringDownloadAllowsNewCycle(t *testing.T) {
	env := newTestService(t, 41, &blockingDownloader{})

	require.NoError(t, env.svc.Check(context.Background()))
	require.NoError(t, env.svc.Start(context.Background()))
	waitPhase(t, env.svc, entity.PhaseDownloading)

	require.NoError(t, env.svc.Reset(context.Background()))

	require.NoError(t, env.svc.Check(context.Background()))
	require.Equal(t, entity.PhaseAvailable, env.svc.State().Phase)

	require.NoError(t, env.svc.Start(context.Background()))
	require.Equal(t, entity.PhaseDownloading, env.svc.State().Phase)

	env.svc.Shutdown()
}

func TestResetWithoutArtifact(t *testing.T) {
	env := newTestService(t, 41, nil)

	require.NoError(t, env.svc.Reset(context.Background()))
}

func TestSubscribe(t *testing.T) {
	env := newTestService(t, 41, nil)

	ch, cancel := env.svc.Subscribe()
	defer cancel()

	first := <-ch
	require.Equal(t, entity.PhaseIdle, first.Phase)

	require.NoError(t, env.svc.Check(context.Background()))

	var last entity.UpdateState
	require.Eventually(t, func() bool {
		for {
			select {
			case st := <-ch:
				last = st
			default:
				return last.Phase == entity.PhaseAvailable
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeSlowConsumerGetsLatest(t *testing.T) {
	env := newTestService(t, 41, nil)

	ch, cancel := env.svc.Subscribe()
	defer cancel()

	// Never read while the buffer overflows.
	for i := 0; i < subscriberBuffer*3; i++ {
		env.svc.Dismiss()
	}
	require.NoError(t, env.svc.Check(context.Background()))

	var last entity.UpdateState
	for {
		select {
		case st := <-ch:
			last = st
			continue
		default:
		}
		break
	}

	require.Equal(t, entity.PhaseAvailable, last.Phase)
}
