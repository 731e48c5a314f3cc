package deploy

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Diagnostics accumulates non-fatal warnings raised while deploying to one
// host: stale lock takeovers, runtime feature downgrades, auto-selected
// strategies. Warnings are logged as they arrive and reported with the host
// outcome; they never change the exit code.
type Diagnostics struct {
	logger zerolog.Logger

	mu       sync.Mutex
	warnings []string
}

// NewDiagnostics returns an empty collector logging through logger.
func NewDiagnostics(logger zerolog.Logger) *Diagnostics {
	return &Diagnostics{logger: logger}
}

// Warnf records one warning.
func (d *Diagnostics) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.logger.Warn().Msg(msg)
	d.mu.Lock()
	d.warnings = append(d.warnings, msg)
	d.mu.Unlock()
}

// Warnings returns the collected warnings.
func (d *Diagnostics) Warnings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.warnings))
	copy(out, d.warnings)
	return out
}
