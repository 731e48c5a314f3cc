package deploy

import "github.com/peleka/peleka/internal/config"

// Strategy selects how the new generation replaces the old one.
type Strategy string

const (
	// StrategyBlueGreen brings the new generation up alongside the current
	// one and swaps roles after health verification. Zero downtime.
	StrategyBlueGreen Strategy = "blue-green"

	// StrategyRecreate removes the current container before creating the
	// new one. Brief downtime; required for static host-port bindings.
	StrategyRecreate Strategy = "recreate"
)

// SelectStrategy picks the deployment strategy: explicit config wins, then
// static host-port bindings force recreate (with a warning), then blue-green.
func SelectStrategy(cfg *config.Config, diag *Diagnostics) Strategy {
	if cfg.Strategy != "" {
		return Strategy(cfg.Strategy)
	}
	if cfg.HasHostPortBindings() {
		diag.Warnf("auto-selected recreate due to static host port binding")
		return StrategyRecreate
	}
	return StrategyBlueGreen
}
