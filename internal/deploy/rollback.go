package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
)

// NoPreviousDeploymentError reports a rollback with no history. Rollback is
// one-level: two consecutive rollbacks without an intervening deploy fail.
type NoPreviousDeploymentError struct {
	Service model.ServiceName
}

func (e *NoPreviousDeploymentError) Error() string {
	return fmt.Sprintf("no previous deployment exists for service %s", e.Service)
}

// RollbackOptions configures one rollback pass.
type RollbackOptions struct {
	// CheckHealth re-probes the restored container before committing.
	CheckHealth   bool
	Probe         *ProbeSpec
	HealthTimeout time.Duration
	StopTimeout   time.Duration
	CleanupGrace  time.Duration
}

// RollbackResult reports the generations swapped by a rollback.
type RollbackResult struct {
	RetiredGeneration  int
	RestoredGeneration int
}

// Rollback swaps the live and previous containers for a service on one
// host. The caller holds the deploy lock. The previous container is started
// and relabeled live; the outgoing live becomes a previous-candidate and is
// removed after the cleanup grace.
func Rollback(ctx context.Context, host string, rt runtime.Runtime, service model.ServiceName, opts RollbackOptions, sink Sink, diag *Diagnostics, logger zerolog.Logger) (*RollbackResult, error) {
	if sink == nil {
		sink = discardSink{}
	}
	log := logger.With().Str("component", "rollback").Str("host", host).Logger()
	emit := func(status Status, detail string) {
		sink.Event(Event{Host: host, Phase: PhaseRollback, Status: status, Detail: detail})
	}

	existing, err := rt.ListByService(ctx, service)
	if err != nil {
		return nil, E(KindRuntimeAPI, err)
	}

	var live, previous *runtime.ContainerSummary
	for i := range existing {
		switch existing[i].Role() {
		case model.RoleLive:
			if live == nil || existing[i].Generation() > live.Generation() {
				live = &existing[i]
			}
		case model.RolePrevious:
			if previous == nil || existing[i].Generation() > previous.Generation() {
				previous = &existing[i]
			}
		}
	}

	if previous == nil {
		return nil, E(KindNoPreviousDeployment, &NoPreviousDeploymentError{Service: service})
	}
	if live == nil {
		return nil, Errorf(KindGeneral, "no live container found for service %s", service)
	}

	emit(StatusStarted, fmt.Sprintf("restoring generation %d", previous.Generation()))

	// Step down the outgoing live first so the restored container never
	// races it for host resources.
	if err := rt.Stop(ctx, live.ID, opts.StopTimeout); err != nil {
		emit(StatusFailed, err.Error())
		return nil, E(KindRuntimeAPI, err)
	}
	if err := rt.UpdateLabels(ctx, live.ID, roleLabel(model.RolePreviousCandidate)); err != nil {
		emit(StatusFailed, err.Error())
		return nil, E(KindRuntimeAPI, err)
	}

	if err := rt.Start(ctx, previous.ID); err != nil {
		emit(StatusFailed, err.Error())
		return nil, revertRollback(ctx, rt, live, previous, opts, log, E(KindRuntimeAPI, err))
	}
	if err := rt.UpdateLabels(ctx, previous.ID, roleLabel(model.RoleLive)); err != nil {
		emit(StatusFailed, err.Error())
		return nil, revertRollback(ctx, rt, live, previous, opts, log, E(KindRuntimeAPI, err))
	}

	if opts.CheckHealth && opts.Probe != nil {
		prober := NewProber(rt, log)
		if err := prober.Wait(ctx, previous.ID, opts.Probe, opts.HealthTimeout); err != nil {
			emit(StatusFailed, fmt.Sprintf("restored container failed health check: %v", err))
			return nil, revertRollback(ctx, rt, live, previous, opts, log, err)
		}
	}

	// Commit: the outgoing live is gone after the cleanup grace.
	if opts.CleanupGrace > 0 {
		if err := sleepCtx(ctx, opts.CleanupGrace); err != nil {
			return nil, E(KindCancelled, err)
		}
	}
	if err := rt.Remove(ctx, live.ID, true); err != nil {
		diag.Warnf("failed to remove retired container %s: %v", live.Name, err)
	}

	emit(StatusOK, fmt.Sprintf("generation %d live", previous.Generation()))
	return &RollbackResult{
		RetiredGeneration:  live.Generation(),
		RestoredGeneration: previous.Generation(),
	}, nil
}

// revertRollback undoes a half-finished swap: the restored container goes
// back to previous (stopped), the candidate back to live (running).
func revertRollback(ctx context.Context, rt runtime.Runtime, live, previous *runtime.ContainerSummary, opts RollbackOptions, log zerolog.Logger, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if err := rt.Stop(ctx, previous.ID, opts.StopTimeout); err != nil {
		log.Warn().Err(err).Msg("revert: failed to stop restored container")
	}
	if err := rt.UpdateLabels(ctx, previous.ID, roleLabel(model.RolePrevious)); err != nil {
		log.Warn().Err(err).Msg("revert: failed to relabel restored container")
	}
	if err := rt.Start(ctx, live.ID); err != nil {
		log.Error().Err(err).Msg("revert: failed to restart original live container")
	}
	if err := rt.UpdateLabels(ctx, live.ID, roleLabel(model.RoleLive)); err != nil {
		log.Warn().Err(err).Msg("revert: failed to relabel original live container")
	}
	return cause
}

func roleLabel(role model.Role) map[string]string {
	return map[string]string{model.LabelRole: string(role)}
}
