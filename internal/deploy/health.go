package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/peleka/peleka/internal/runtime"
)

// UnhealthyError reports a container that failed its health probe.
type UnhealthyError struct {
	Reason string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("unhealthy deployment: %s", e.Reason)
}

// HealthTimeoutError reports that probing exceeded the global health window.
type HealthTimeoutError struct {
	Timeout time.Duration
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("health check timed out after %s", e.Timeout)
}

// Prober executes a configured probe command inside a container until it is
// healthy, unhealthy, or out of time. It has no side effects beyond exec.
type Prober struct {
	rt     runtime.Runtime
	logger zerolog.Logger
}

// NewProber builds a prober over the given runtime.
func NewProber(rt runtime.Runtime, logger zerolog.Logger) *Prober {
	return &Prober{
		rt:     rt,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Wait probes containerID until one of:
//   - a probe attempt exits 0 → nil
//   - retries consecutive failures → KindUnhealthy
//   - the container exits → KindUnhealthy with the exit code
//   - globalTimeout elapses → KindHealthTimeout
//
// No probe runs before spec.StartPeriod has elapsed.
func (p *Prober) Wait(ctx context.Context, containerID string, spec *ProbeSpec, globalTimeout time.Duration) error {
	deadline := time.Now().Add(globalTimeout)
	probeCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if spec.StartPeriod > 0 {
		if err := sleepCtx(probeCtx, spec.StartPeriod); err != nil {
			return p.timeoutOrCancelled(ctx, globalTimeout)
		}
	}

	failures := 0
	for {
		// A container that died is unhealthy immediately, regardless of
		// probe history.
		state, err := p.rt.Inspect(probeCtx, containerID)
		if err != nil {
			if probeCtx.Err() != nil {
				return p.timeoutOrCancelled(ctx, globalTimeout)
			}
			return E(KindRuntimeAPI, err)
		}
		if !state.Running {
			return E(KindUnhealthy, &UnhealthyError{
				Reason: fmt.Sprintf("container exited with code %d", state.ExitCode),
			})
		}

		result, err := p.rt.Exec(probeCtx, containerID, spec.Cmd, spec.Timeout)
		switch {
		case err == nil && result.ExitCode == 0:
			return nil
		case err == nil:
			failures++
			p.logger.Debug().Int("exit_code", result.ExitCode).Int("failures", failures).Msg("probe attempt failed")
		case errors.Is(err, context.DeadlineExceeded) && probeCtx.Err() == nil:
			// Per-attempt timeout counts as one failed attempt.
			failures++
			p.logger.Debug().Int("failures", failures).Msg("probe attempt timed out")
		default:
			if probeCtx.Err() != nil {
				return p.timeoutOrCancelled(ctx, globalTimeout)
			}
			return E(KindRuntimeAPI, err)
		}

		if failures >= spec.Retries {
			return E(KindUnhealthy, &UnhealthyError{
				Reason: fmt.Sprintf("probe failed %d consecutive times", failures),
			})
		}

		if err := sleepCtx(probeCtx, spec.Interval); err != nil {
			return p.timeoutOrCancelled(ctx, globalTimeout)
		}
	}
}

func (p *Prober) timeoutOrCancelled(parent context.Context, globalTimeout time.Duration) error {
	if parent.Err() != nil {
		return E(KindCancelled, parent.Err())
	}
	return E(KindHealthTimeout, &HealthTimeoutError{Timeout: globalTimeout})
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
