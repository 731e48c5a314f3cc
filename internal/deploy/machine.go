package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
)

// Machine drives one host through plan→pull→create→start→health→promote→
// retire. It runs with the deploy lock already held; a failure from the
// create step through promotion takes the abort branch, which cleans up the
// pending container before the error surfaces. Failures before create and
// during retire return directly.
type Machine struct {
	host   string
	rt     runtime.Runtime
	plan   *Plan
	prober *Prober
	sink   Sink
	diag   *Diagnostics
	logger zerolog.Logger

	// reclaimed records that an older previous was removed to free the
	// container name; the retire step then honors the cleanup grace.
	reclaimed bool
}

// NewMachine builds a state machine for one host.
func NewMachine(host string, rt runtime.Runtime, plan *Plan, sink Sink, diag *Diagnostics, logger zerolog.Logger) *Machine {
	if sink == nil {
		sink = discardSink{}
	}
	return &Machine{
		host:   host,
		rt:     rt,
		plan:   plan,
		prober: NewProber(rt, logger),
		sink:   sink,
		diag:   diag,
		logger: logger.With().Str("component", "deploy").Str("host", host).Logger(),
	}
}

func (m *Machine) emit(phase Phase, status Status, detail string) {
	m.sink.Event(Event{Host: m.host, Phase: phase, Status: status, Detail: detail})
}

// Run executes the deployment. On return the host either serves the new
// generation (nil) or is left in a safe state with the error describing why.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.removeGarbage(ctx); err != nil {
		return err
	}

	if err := m.pull(ctx); err != nil {
		return err
	}

	priorRemoved := false
	if m.plan.Strategy == StrategyRecreate && m.plan.Live != nil {
		if err := m.removeLiveForRecreate(ctx); err != nil {
			return err
		}
		priorRemoved = true
	}

	newID, err := m.createPending(ctx)
	if err != nil {
		return m.abort(ctx, "", priorRemoved, err)
	}

	m.emit(PhaseStart, StatusStarted, m.plan.ContainerName)
	if err := m.rt.Start(ctx, newID); err != nil {
		m.emit(PhaseStart, StatusFailed, err.Error())
		return m.abort(ctx, newID, priorRemoved, E(KindRuntimeAPI, err))
	}
	m.emit(PhaseStart, StatusOK, "")

	if err := m.waitHealthy(ctx, newID); err != nil {
		return m.abort(ctx, newID, priorRemoved, err)
	}

	if err := m.promote(ctx, newID); err != nil {
		return m.abort(ctx, newID, priorRemoved, err)
	}

	if err := m.retire(ctx); err != nil {
		return err
	}

	m.emit(PhaseDone, StatusOK, fmt.Sprintf("generation %d (%s) live", m.plan.Generation, m.plan.Color))
	return nil
}

// removeGarbage clears leftovers from interrupted runs: stale pending
// containers and surplus role holders identified at plan time.
func (m *Machine) removeGarbage(ctx context.Context) error {
	for _, c := range m.plan.Garbage {
		m.logger.Info().Str("container", c.Name).Str("role", string(c.Role())).Msg("removing leftover container")
		if c.Running() {
			if err := m.rt.Stop(ctx, c.ID, m.plan.StopTimeout); err != nil {
				m.logger.Warn().Err(err).Str("container", c.Name).Msg("failed to stop leftover container")
			}
		}
		if err := m.rt.Remove(ctx, c.ID, true); err != nil {
			return E(KindRuntimeAPI, fmt.Errorf("remove leftover container %s: %w", c.Name, err))
		}
	}
	return nil
}

func (m *Machine) pull(ctx context.Context) error {
	if m.plan.PullPolicy == "never" {
		return nil
	}
	m.emit(PhasePull, StatusStarted, m.plan.Image)
	err := m.rt.Pull(ctx, m.plan.Image, m.plan.PullTimeout)
	if err != nil {
		m.emit(PhasePull, StatusFailed, err.Error())
		var timeout *runtime.PullTimeoutError
		if errors.As(err, &timeout) {
			return E(KindPullTimeout, err)
		}
		if ctx.Err() != nil {
			return E(KindCancelled, ctx.Err())
		}
		return E(KindGeneral, err)
	}
	m.emit(PhasePull, StatusOK, "")
	return nil
}

// removeLiveForRecreate stops and removes the current live container. This
// is destructive: from here until promotion there is nothing to fall back
// to, which the abort path flags with a prominent diagnostic.
func (m *Machine) removeLiveForRecreate(ctx context.Context) error {
	live := m.plan.Live
	m.emit(PhaseRetire, StatusStarted, fmt.Sprintf("recreate: stopping %s", live.Name))
	if err := m.rt.Stop(ctx, live.ID, m.plan.StopTimeout); err != nil {
		m.emit(PhaseRetire, StatusFailed, err.Error())
		return E(KindRuntimeAPI, err)
	}
	if err := m.rt.Remove(ctx, live.ID, false); err != nil {
		m.emit(PhaseRetire, StatusFailed, err.Error())
		return E(KindRuntimeAPI, err)
	}
	m.emit(PhaseRetire, StatusOK, "")
	return nil
}

func (m *Machine) createPending(ctx context.Context) (string, error) {
	// The new container takes the color, and therefore the name, of the
	// previous retained by the last deploy. Only one previous is kept per
	// host per service; reclaim it now so the name is free.
	if m.plan.OldPrevious != nil {
		if err := m.rt.Remove(ctx, m.plan.OldPrevious.ID, true); err != nil {
			return "", E(KindRuntimeAPI, fmt.Errorf("remove older previous %s: %w", m.plan.OldPrevious.Name, err))
		}
		m.reclaimed = true
	}

	if m.plan.Network != "" {
		if err := m.rt.EnsureNetwork(ctx, m.plan.Network); err != nil {
			return "", E(KindRuntimeAPI, err)
		}
	}

	m.emit(PhaseCreate, StatusStarted, m.plan.ContainerName)
	id, err := m.rt.Create(ctx, m.plan.ContainerSpec())
	if err != nil {
		m.emit(PhaseCreate, StatusFailed, err.Error())
		return "", E(KindRuntimeAPI, err)
	}
	m.emit(PhaseCreate, StatusOK, "")
	return id, nil
}

func (m *Machine) waitHealthy(ctx context.Context, newID string) error {
	if m.plan.Probe == nil {
		return nil
	}
	m.emit(PhaseHealth, StatusStarted, "")
	if err := m.prober.Wait(ctx, newID, m.plan.Probe, m.plan.HealthTimeout); err != nil {
		m.emit(PhaseHealth, StatusFailed, err.Error())
		return err
	}
	m.emit(PhaseHealth, StatusOK, "")
	return nil
}

// promote swaps roles. The old container is relabeled previous before the
// new one becomes live, so any observable intermediate state is safe; a
// reader seeing two live labels treats the higher generation as
// authoritative.
func (m *Machine) promote(ctx context.Context, newID string) error {
	m.emit(PhasePromote, StatusStarted, "")

	if m.plan.Strategy == StrategyBlueGreen && m.plan.Live != nil {
		err := m.rt.UpdateLabels(ctx, m.plan.Live.ID, map[string]string{
			model.LabelRole: string(model.RolePrevious),
		})
		if err != nil {
			m.emit(PhasePromote, StatusFailed, err.Error())
			return E(KindRuntimeAPI, err)
		}
	}

	err := m.rt.UpdateLabels(ctx, newID, map[string]string{
		model.LabelRole: string(model.RoleLive),
	})
	if err != nil {
		m.emit(PhasePromote, StatusFailed, err.Error())
		return E(KindRuntimeAPI, err)
	}

	m.emit(PhasePromote, StatusOK, "")
	return nil
}

// retire stops the outgoing previous container (kept for rollback). The
// cleanup grace only applies when this deploy reclaimed an older previous.
func (m *Machine) retire(ctx context.Context) error {
	m.emit(PhaseRetire, StatusStarted, "")

	if m.plan.Strategy == StrategyBlueGreen && m.plan.Live != nil {
		if err := m.rt.Stop(ctx, m.plan.Live.ID, m.plan.StopTimeout); err != nil {
			m.emit(PhaseRetire, StatusFailed, err.Error())
			return E(KindRuntimeAPI, err)
		}
	}

	if m.reclaimed && m.plan.CleanupGrace > 0 {
		if err := sleepCtx(ctx, m.plan.CleanupGrace); err != nil {
			return E(KindCancelled, err)
		}
	}

	m.emit(PhaseRetire, StatusOK, "")
	return nil
}

// abort cleans up the pending container created by this deploy and surfaces
// err. Cleanup runs even when ctx is already cancelled. For blue-green the
// prior live is untouched and keeps serving; for recreate the prior state is
// already gone, which is flagged prominently.
func (m *Machine) abort(ctx context.Context, newID string, priorRemoved bool, err error) error {
	m.emit(PhaseAbort, StatusStarted, err.Error())

	cleanupCtx := context.WithoutCancel(ctx)
	if newID != "" {
		if stopErr := m.rt.Stop(cleanupCtx, newID, m.plan.StopTimeout); stopErr != nil {
			m.logger.Warn().Err(stopErr).Msg("failed to stop pending container during abort")
		}
		if rmErr := m.rt.Remove(cleanupCtx, newID, true); rmErr != nil {
			m.logger.Warn().Err(rmErr).Msg("failed to remove pending container during abort")
		}
	}

	if priorRemoved {
		m.diag.Warnf("prior state lost: recreate removed the previous live container before the deploy failed; %s has no running container", m.plan.Service)
	}

	if ctx.Err() != nil && KindOf(err) != KindCancelled {
		err = E(KindCancelled, ctx.Err())
	}

	m.emit(PhaseAbort, StatusOK, "")
	return err
}
