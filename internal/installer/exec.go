package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/jgivc/updagent/internal/entity"
)

// execInstaller starts a configured installer command with the granted path
// appended. The command is started, never awaited: installation finishes
// out-of-band.
type execInstaller struct {
	command []string
	log     *slog.Logger
}

func NewExecInstaller(command []string, log *slog.Logger) PackageInstaller {
	return &execInstaller{
		command: command,
		log:     log.With(slog.String("item", "ExecInstaller")),
	}
}

func (e *execInstaller) Dispatch(_ context.Context, grant *entity.ContentGrant) error {
	if len(e.command) < 1 {
		return fmt.Errorf("no installer command configured")
	}

	args := append(append([]string{}, e.command[1:]...), grant.Path)

	// Deliberately not CommandContext: the installer must outlive the
	// request that dispatched it.
	cmd := exec.Command(e.command[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start installer: %w", err)
	}

	e.log.Info("Installer started", slog.Int("pid", cmd.Process.Pid))

	go func() {
		if err := cmd.Wait(); err != nil {
			e.log.Error("Installer exited with error", slog.Any("error", err))
		}
	}()

	return nil
}
