package installer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jgivc/updagent/internal/entity"
	"github.com/minio/selfupdate"
	"github.com/spf13/afero"
)

// selfApplyInstaller replaces the agent's own binary with the granted
// artifact. Used when the update slot is the agent itself.
type selfApplyInstaller struct {
	fs  afero.Fs
	log *slog.Logger
}

func NewSelfApplyInstaller(fs afero.Fs, log *slog.Logger) PackageInstaller {
	return &selfApplyInstaller{
		fs:  fs,
		log: log.With(slog.String("item", "SelfApplyInstaller")),
	}
}

func (s *selfApplyInstaller) Dispatch(_ context.Context, grant *entity.ContentGrant) error {
	f, err := s.fs.Open(grant.Path)
	if err != nil {
		return fmt.Errorf("cannot open staged artifact: %w", err)
	}
	defer f.Close()

	if err := selfupdate.Apply(f, selfupdate.Options{}); err != nil {
		if rerr := selfupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("apply failed and rollback failed (%v): %w", rerr, err)
		}

		return fmt.Errorf("cannot apply update: %w", err)
	}

	s.log.Info("Binary replaced, restart required")

	return nil
}
