package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/peleka/peleka/internal/config"
	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
	"github.com/peleka/peleka/internal/sshx"
)

// HostSession bundles the per-host connections a state machine needs.
type HostSession struct {
	Transport ExecTransport
	Runtime   runtime.Runtime
	close     func()
}

// Close releases the session's resources.
func (h *HostSession) Close() {
	if h.close != nil {
		h.close()
	}
}

// Dialer opens the transport and runtime connection to one server. It is a
// seam for tests; production uses SSHDialer.
type Dialer func(ctx context.Context, server config.Server, logger zerolog.Logger, warn runtime.WarnFunc) (*HostSession, error)

// SSHDialer connects over SSH and tunnels to the detected runtime socket.
func SSHDialer(ctx context.Context, server config.Server, logger zerolog.Logger, warn runtime.WarnFunc) (*HostSession, error) {
	sess, err := sshx.Connect(sshx.Options{
		Host:                 server.Host,
		Port:                 server.Port,
		User:                 server.User,
		KeyPath:              server.KeyPath,
		TrustFirstConnection: server.TrustFirstConnection,
	}, logger)
	if err != nil {
		return nil, E(KindTransport, err)
	}

	conn, err := runtime.Detect(ctx, sess, server.Host, runtime.Override{
		Kind:   server.Runtime,
		Socket: server.Socket,
	}, logger, warn)
	if err != nil {
		_ = sess.Close()
		var noRuntime *runtime.NoRuntimeError
		if errors.As(err, &noRuntime) {
			return nil, E(KindRuntimeUnavailable, err)
		}
		return nil, E(KindRuntimeAPI, err)
	}

	return &HostSession{
		Transport: sess,
		Runtime:   conn.Runtime,
		close: func() {
			conn.Close()
			_ = sess.Close()
		},
	}, nil
}

// Coordinator fans a deployment out across the configured servers. Hosts
// are independent targets: a failure on one never cancels the others.
type Coordinator struct {
	cfg    *config.Config
	sink   Sink
	dial   Dialer
	logger zerolog.Logger

	// LockRefresh overrides the heartbeat interval; zero uses the default.
	LockRefresh time.Duration

	// DeployID fixes the run id; empty generates one. The id tags every
	// container and lock record created by this run.
	DeployID string
}

// NewCoordinator builds a coordinator. A nil dialer uses SSHDialer; a nil
// sink discards events.
func NewCoordinator(cfg *config.Config, sink Sink, dial Dialer, logger zerolog.Logger) *Coordinator {
	if sink == nil {
		sink = discardSink{}
	}
	if dial == nil {
		dial = SSHDialer
	}
	return &Coordinator{cfg: cfg, sink: sink, dial: dial, logger: logger}
}

// Deploy runs one deployment on every server concurrently and returns the
// per-host outcomes in server declaration order.
func (c *Coordinator) Deploy(ctx context.Context) []HostOutcome {
	deployID := c.DeployID
	if deployID == "" {
		deployID = model.NewDeployID()
	}
	c.logger.Info().Str("deploy_id", deployID).Str("service", c.cfg.Service).Str("image", c.cfg.Image).Msg("starting deployment")

	return c.fanOut(ctx, func(ctx context.Context, server config.Server) HostOutcome {
		return c.deployHost(ctx, server, deployID)
	})
}

// RollbackAll restores the previous generation on every server.
func (c *Coordinator) RollbackAll(ctx context.Context, checkHealth bool) []HostOutcome {
	deployID := model.NewDeployID()

	return c.fanOut(ctx, func(ctx context.Context, server config.Server) HostOutcome {
		return c.rollbackHost(ctx, server, deployID, checkHealth)
	})
}

func (c *Coordinator) fanOut(ctx context.Context, run func(context.Context, config.Server) HostOutcome) []HostOutcome {
	outcomes := make([]HostOutcome, len(c.cfg.Servers))

	// The group context is deliberately unused for cross-host cancellation:
	// tasks only return nil, so one host's failure never aborts its peers.
	g := new(errgroup.Group)
	for i, server := range c.cfg.Servers {
		g.Go(func() error {
			start := time.Now()
			outcome := run(ctx, server)
			outcome.Host = server.Host
			outcome.Duration = time.Since(start)
			outcomes[i] = outcome
			c.sink.Outcome(outcome)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) deployHost(ctx context.Context, server config.Server, deployID string) HostOutcome {
	hostLogger := c.logger.With().Str("host", server.Host).Logger()
	diag := NewDiagnostics(hostLogger)

	var plan *Plan
	var runtimeKind string
	err := c.withHost(ctx, server, diag, func(sess *HostSession) error {
		runtimeKind = string(sess.Runtime.Kind())
		existing, err := sess.Runtime.ListByService(ctx, model.ServiceName(c.cfg.Service))
		if err != nil {
			return E(KindRuntimeAPI, err)
		}

		c.sink.Event(Event{Host: server.Host, Phase: PhasePlan, Status: StatusStarted})
		plan, err = BuildPlan(c.cfg, existing, deployID, diag)
		if err != nil {
			c.sink.Event(Event{Host: server.Host, Phase: PhasePlan, Status: StatusFailed, Detail: err.Error()})
			return err
		}
		c.sink.Event(Event{Host: server.Host, Phase: PhasePlan, Status: StatusOK,
			Detail: fmt.Sprintf("generation %d (%s), strategy %s", plan.Generation, plan.Color, plan.Strategy)})

		locker := NewLocker(sess.Transport, plan.Service, deployID, c.LockRefresh, diag, hostLogger)
		c.sink.Event(Event{Host: server.Host, Phase: PhaseLock, Status: StatusStarted})
		return locker.WithLock(func() error {
			c.sink.Event(Event{Host: server.Host, Phase: PhaseLock, Status: StatusOK})
			machine := NewMachine(server.Host, sess.Runtime, plan, c.sink, diag, hostLogger)
			return machine.Run(ctx)
		})
	})

	return c.outcome(err, diag, func(o *HostOutcome) {
		o.Runtime = runtimeKind
		if plan != nil {
			o.PreviousGeneration = plan.PreviousGeneration()
			if err == nil {
				o.NewGeneration = plan.Generation
			}
		}
	})
}

func (c *Coordinator) rollbackHost(ctx context.Context, server config.Server, deployID string, checkHealth bool) HostOutcome {
	hostLogger := c.logger.With().Str("host", server.Host).Logger()
	diag := NewDiagnostics(hostLogger)

	var result *RollbackResult
	var runtimeKind string
	service := model.ServiceName(c.cfg.Service)

	err := c.withHost(ctx, server, diag, func(sess *HostSession) error {
		runtimeKind = string(sess.Runtime.Kind())
		opts := RollbackOptions{
			CheckHealth:   checkHealth,
			HealthTimeout: c.cfg.HealthTimeout.Std(),
			StopTimeout:   c.cfg.StopTimeout(),
			CleanupGrace:  c.cfg.Cleanup.GracePeriod.Std(),
		}
		if hc := c.cfg.Healthcheck; hc != nil {
			opts.Probe = &ProbeSpec{
				Cmd:         hc.Cmd,
				Interval:    hc.Interval.Std(),
				Timeout:     hc.Timeout.Std(),
				Retries:     hc.Retries,
				StartPeriod: hc.StartPeriod.Std(),
			}
		}

		locker := NewLocker(sess.Transport, service, deployID, c.LockRefresh, diag, hostLogger)
		return locker.WithLock(func() error {
			var err error
			result, err = Rollback(ctx, server.Host, sess.Runtime, service, opts, c.sink, diag, hostLogger)
			return err
		})
	})

	return c.outcome(err, diag, func(o *HostOutcome) {
		o.Runtime = runtimeKind
		if result != nil {
			o.PreviousGeneration = result.RetiredGeneration
			o.NewGeneration = result.RestoredGeneration
		}
	})
}

// withHost dials the server, runs fn, and always closes the session.
func (c *Coordinator) withHost(ctx context.Context, server config.Server, diag *Diagnostics, fn func(*HostSession) error) error {
	if err := ctx.Err(); err != nil {
		return E(KindCancelled, err)
	}

	hostLogger := c.logger.With().Str("host", server.Host).Logger()
	sess, err := c.dial(ctx, server, hostLogger, diag.Warnf)
	if err != nil {
		return err
	}
	defer sess.Close()

	return fn(sess)
}

func (c *Coordinator) outcome(err error, diag *Diagnostics, fill func(*HostOutcome)) HostOutcome {
	o := HostOutcome{Result: ResultSuccess, Warnings: diag.Warnings()}
	if err != nil {
		o.Result = ResultFailed
		o.Err = err
		o.Reason = err.Error()
	}
	fill(&o)
	return o
}

// Exec runs argv inside the live container on the first configured server
// and returns its output. The argv goes through the runtime's exec API as a
// list, never a shell.
func (c *Coordinator) Exec(ctx context.Context, argv []string) (*runtime.ExecResult, error) {
	server := c.cfg.Servers[0]
	diag := NewDiagnostics(c.logger)
	service := model.ServiceName(c.cfg.Service)

	var result *runtime.ExecResult
	err := c.withHost(ctx, server, diag, func(sess *HostSession) error {
		existing, err := sess.Runtime.ListByService(ctx, service)
		if err != nil {
			return E(KindRuntimeAPI, err)
		}
		var live *runtime.ContainerSummary
		for i := range existing {
			if existing[i].Role() == model.RoleLive {
				if live == nil || existing[i].Generation() > live.Generation() {
					live = &existing[i]
				}
			}
		}
		if live == nil {
			return Errorf(KindGeneral, "no live container found for service %s", service)
		}

		result, err = sess.Runtime.Exec(ctx, live.ID, argv, 0)
		if err != nil {
			return E(KindRuntimeAPI, err)
		}
		return nil
	})
	return result, err
}

// ExitCode aggregates outcomes: success only when every host succeeded;
// otherwise the code of the first non-success outcome in declaration order.
func ExitCode(outcomes []HostOutcome) int {
	for _, o := range outcomes {
		if o.Result != ResultSuccess {
			return ExitCodeFor(o.Err)
		}
	}
	return ExitSuccess
}
