package installer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/updagent/internal/common"
	"github.com/jgivc/updagent/internal/config"
	"github.com/jgivc/updagent/internal/entity"
	"github.com/spf13/afero"
)

// Gate answers whether installing binaries from unknown sources is allowed
// and, when it is not, where to send the user to change that.
type Gate interface {
	Allowed(ctx context.Context) bool
	SettingsHint() string
}

// PackageInstaller dispatches a granted artifact to the platform installer.
// Dispatch returns once the install has been handed off; completion is
// outside this component's knowledge.
type PackageInstaller interface {
	Dispatch(ctx context.Context, grant *entity.ContentGrant) error
}

type Launcher struct {
	fs       afero.Fs
	gate     Gate
	inst     PackageInstaller
	grantDir string
	grantTTL time.Duration
	log      *slog.Logger
}

func NewLauncher(fs afero.Fs, gate Gate, inst PackageInstaller, cfg *config.InstallerConfig, log *slog.Logger) *Launcher {
	return &Launcher{
		fs:       fs,
		gate:     gate,
		inst:     inst,
		grantDir: cfg.GrantDir,
		grantTTL: cfg.GrantTTL,
		log:      log.With(slog.String("item", "InstallLauncher")),
	}
}

// Install dispatches the completed artifact at path. It returns false with no
// dispatch when the file is missing, empty or the permission is not granted.
// True means the install intent went out, not that installation finished.
func (l *Launcher) Install(ctx context.Context, path string) (bool, error) {
	fi, err := l.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, common.ErrArtifactNotFound
		}

		return false, fmt.Errorf("cannot stat artifact: %w", err)
	}

	if fi.Size() < 1 {
		return false, fmt.Errorf("%w: artifact is empty", common.ErrArtifactNotFound)
	}

	if !l.gate.Allowed(ctx) {
		l.log.Warn("Install permission is not granted", slog.String("settings_hint", l.gate.SettingsHint()))

		return false, common.ErrInstallPermissionMissing
	}

	grant, err := l.grant(path)
	if err != nil {
		l.log.Error("Cannot grant artifact access", slog.Any("error", err))

		return false, fmt.Errorf("cannot grant artifact access: %w", err)
	}

	if err := l.inst.Dispatch(ctx, grant); err != nil {
		l.revoke(grant)

		return false, fmt.Errorf("%w: %w", common.ErrInstallDispatchFailed, err)
	}

	// The grant is time-limited, reap the staged copy after it expires.
	time.AfterFunc(l.grantTTL, func() {
		l.revoke(grant)
	})

	l.log.Info("Install dispatched", slog.String("token", grant.Token))

	return true, nil
}

func (l *Launcher) SettingsHint() string {
	return l.gate.SettingsHint()
}

// grant stages the artifact into a private directory under a random token so
// the installer never sees the working file's path.
func (l *Launcher) grant(path string) (*entity.ContentGrant, error) {
	if err := l.fs.MkdirAll(l.grantDir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create grant dir: %w", err)
	}

	token := uuid.NewString()
	staged := filepath.Join(l.grantDir, token)

	src, err := l.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open artifact: %w", err)
	}
	defer src.Close()

	dst, err := l.fs.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot stage artifact: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		l.fs.Remove(staged)

		return nil, fmt.Errorf("cannot copy artifact: %w", err)
	}

	if err := dst.Close(); err != nil {
		l.fs.Remove(staged)

		return nil, fmt.Errorf("cannot close staged artifact: %w", err)
	}

	return &entity.ContentGrant{
		Token:     token,
		Path:      staged,
		ExpiresAt: time.Now().Add(l.grantTTL),
	}, nil
}

func (l *Launcher) revoke(grant *entity.ContentGrant) {
	if err := l.fs.Remove(grant.Path); err != nil && !os.IsNotExist(err) {
		l.log.Error("Cannot remove staged artifact", slog.String("token", grant.Token), slog.Any("error", err))
	}
}
