package installer

import (
	"context"

	"github.com/jgivc/updagent/internal/config"
)

// configGate is the agent's stand-in for a platform permission surface: the
// unknown-sources grant lives in the config, the hint tells the UI where it
// is changed.
type configGate struct {
	allowed bool
	hint    string
}

func NewConfigGate(cfg *config.InstallerConfig) Gate {
	return &configGate{
		allowed: cfg.AllowUnknownSources,
		hint:    cfg.SettingsHint,
	}
}

func (g *configGate) Allowed(_ context.Context) bool {
	return g.allowed
}

func (g *configGate) SettingsHint() string {
	return g.hint
}
