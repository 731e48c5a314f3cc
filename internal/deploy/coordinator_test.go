package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peleka/peleka/internal/config"
	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
)

// fakeDialer hands each host its own fake runtime and lock transport.
type fakeDialer struct {
	runtimes   map[string]*fakeRuntime
	transports map[string]*fakeTransport
}

func newFakeDialer(hosts ...string) *fakeDialer {
	d := &fakeDialer{
		runtimes:   make(map[string]*fakeRuntime),
		transports: make(map[string]*fakeTransport),
	}
	for _, h := range hosts {
		d.runtimes[h] = newFakeRuntime()
		d.transports[h] = newFakeTransport()
	}
	return d
}

func (d *fakeDialer) dial(ctx context.Context, server config.Server, _ zerolog.Logger, _ runtime.WarnFunc) (*HostSession, error) {
	return &HostSession{
		Transport: d.transports[server.Host],
		Runtime:   d.runtimes[server.Host],
	}, nil
}

const twoHostYAML = `
service: web
image: nginx:1.25
servers: ["h1", "h2"]
healthcheck:
  cmd: ["true"]
  interval: 1ms
  retries: 2
  start_period: 0s
health_timeout: 2s
cleanup:
  grace_period: 1ms
`

func TestCoordinator_DeployAllHosts(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")
	sink := &collectSink{}

	c := NewCoordinator(cfg, sink, dialer.dial, zerolog.Nop())
	outcomes := c.Deploy(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, "h1", outcomes[0].Host)
	assert.Equal(t, "h2", outcomes[1].Host)
	for _, o := range outcomes {
		assert.Equal(t, ResultSuccess, o.Result)
		assert.Equal(t, "docker", o.Runtime)
		assert.Equal(t, 0, o.PreviousGeneration)
		assert.Equal(t, 1, o.NewGeneration)
		assert.Greater(t, o.Duration, time.Duration(0))
	}
	assert.Equal(t, 0, ExitCode(outcomes))

	for _, h := range []string{"h1", "h2"} {
		fr := dialer.runtimes[h]
		assert.Equal(t, 1, fr.countRole("web", model.RoleLive), h)
		_, locked := dialer.transports[h].content("web")
		assert.False(t, locked, "lock must be released on %s", h)
	}

	require.Len(t, sink.outcomes, 2)
}

func TestCoordinator_HostFailureIsIndependent(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")
	dialer.runtimes["h1"].pullErr = &runtime.PullTimeoutError{Image: "nginx:1.25", Timeout: time.Second}

	c := NewCoordinator(cfg, &collectSink{}, dialer.dial, zerolog.Nop())
	outcomes := c.Deploy(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, ResultFailed, outcomes[0].Result)
	assert.Equal(t, ResultSuccess, outcomes[1].Result, "h2 must not be cancelled by h1's failure")

	// Exit code comes from the first non-success in declaration order.
	assert.Equal(t, ExitPullTimeout, ExitCode(outcomes))

	// h2 is fully deployed, h1 has nothing and no lock left behind.
	assert.Equal(t, 1, dialer.runtimes["h2"].countRole("web", model.RoleLive))
	assert.Equal(t, 0, dialer.runtimes["h1"].count())
	_, locked := dialer.transports["h1"].content("web")
	assert.False(t, locked)
}

func TestCoordinator_CancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCoordinator(cfg, &collectSink{}, dialer.dial, zerolog.Nop())
	outcomes := c.Deploy(ctx)

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, ResultFailed, o.Result)
		assert.Equal(t, KindCancelled, KindOf(o.Err))
	}
	assert.Equal(t, ExitGeneral, ExitCode(outcomes))
}

func TestCoordinator_RollbackAll(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")

	c := NewCoordinator(cfg, &collectSink{}, dialer.dial, zerolog.Nop())
	require.Equal(t, 0, ExitCode(c.Deploy(context.Background())))

	cfg.Image = "nginx:1.27"
	require.Equal(t, 0, ExitCode(c.Deploy(context.Background())))

	outcomes := c.RollbackAll(context.Background(), false)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, ResultSuccess, o.Result)
		assert.Equal(t, 2, o.PreviousGeneration)
		assert.Equal(t, 1, o.NewGeneration)
	}

	for _, h := range []string{"h1", "h2"} {
		fr := dialer.runtimes[h]
		blue := fr.byName("web-blue")
		require.NotNil(t, blue, h)
		assert.True(t, blue.running)
		assert.Equal(t, "live", blue.labels[model.LabelRole])
	}
}

func TestCoordinator_RollbackWithoutHistory(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")

	c := NewCoordinator(cfg, &collectSink{}, dialer.dial, zerolog.Nop())
	require.Equal(t, 0, ExitCode(c.Deploy(context.Background())))

	outcomes := c.RollbackAll(context.Background(), false)
	assert.Equal(t, ExitNoPrevious, ExitCode(outcomes))
}

func TestCoordinator_Exec(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")

	c := NewCoordinator(cfg, &collectSink{}, dialer.dial, zerolog.Nop())
	require.Equal(t, 0, ExitCode(c.Deploy(context.Background())))

	dialer.runtimes["h1"].execFn = func(id string, argv []string) (*runtime.ExecResult, error) {
		assert.Equal(t, []string{"cat", "/etc/hostname"}, argv)
		return &runtime.ExecResult{ExitCode: 0, Stdout: "h1\n"}, nil
	}

	result, err := c.Exec(context.Background(), []string{"cat", "/etc/hostname"})
	require.NoError(t, err)
	assert.Equal(t, "h1\n", result.Stdout)
}

func TestCoordinator_ExecWithoutLiveContainer(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	dialer := newFakeDialer("h1", "h2")

	c := NewCoordinator(cfg, &collectSink{}, dialer.dial, zerolog.Nop())
	_, err := c.Exec(context.Background(), []string{"true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no live container")
}

func TestCoordinator_EventsStreamPhases(t *testing.T) {
	cfg := testConfig(t, twoHostYAML)
	cfg.Servers = cfg.Servers[:1]
	dialer := newFakeDialer("h1")
	sink := &collectSink{}

	c := NewCoordinator(cfg, sink, dialer.dial, zerolog.Nop())
	require.Equal(t, 0, ExitCode(c.Deploy(context.Background())))

	phases := sink.phases()
	assert.Contains(t, phases, PhasePlan)
	assert.Contains(t, phases, PhaseLock)
	assert.Contains(t, phases, PhasePull)
	assert.Contains(t, phases, PhaseCreate)
	assert.Contains(t, phases, PhaseStart)
	assert.Contains(t, phases, PhaseHealth)
	assert.Contains(t, phases, PhasePromote)
	assert.Contains(t, phases, PhaseDone)
}
