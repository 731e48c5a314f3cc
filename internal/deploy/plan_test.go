package deploy

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peleka/peleka/internal/config"
	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
)

func buildPlan(t *testing.T, cfg *config.Config, existing []runtime.ContainerSummary) (*Plan, *Diagnostics, error) {
	t.Helper()
	diag := NewDiagnostics(zerolog.Nop())
	plan, err := BuildPlan(cfg, existing, "deploy-test", diag)
	return plan, diag, err
}

func summary(id, name string, state string, gen int, color model.Color, role model.Role, deployID string) runtime.ContainerSummary {
	return runtime.ContainerSummary{
		ID:     id,
		Name:   name,
		State:  state,
		Labels: pelekaLabels("web", gen, color, role, deployID),
	}
}

func TestBuildPlan_FirstDeploy(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)

	plan, _, err := buildPlan(t, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, model.ServiceName("web"), plan.Service)
	assert.Equal(t, 1, plan.Generation)
	assert.Equal(t, model.ColorBlue, plan.Color)
	assert.Equal(t, "web-blue", plan.ContainerName)
	assert.Equal(t, 0, plan.PreviousGeneration())
	assert.Equal(t, StrategyBlueGreen, plan.Strategy)
	assert.Nil(t, plan.Live)

	assert.Equal(t, "web", plan.Labels[model.LabelService])
	assert.Equal(t, "1", plan.Labels[model.LabelGeneration])
	assert.Equal(t, "blue", plan.Labels[model.LabelColor])
	assert.Equal(t, "pending", plan.Labels[model.LabelRole])
	assert.Equal(t, "deploy-test", plan.Labels[model.LabelDeployID])
}

func TestBuildPlan_NextGenerationOppositeColor(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)

	existing := []runtime.ContainerSummary{
		summary("c1", "web-green", "running", 4, model.ColorGreen, model.RoleLive, "d4"),
	}
	plan, _, err := buildPlan(t, cfg, existing)
	require.NoError(t, err)

	assert.Equal(t, 5, plan.Generation)
	assert.Equal(t, model.ColorBlue, plan.Color)
	assert.Equal(t, 4, plan.PreviousGeneration())
	require.NotNil(t, plan.Live)
	assert.Equal(t, "c1", plan.Live.ID)
}

func TestBuildPlan_UserLabelsKept(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)
	cfg.Labels = map[string]string{"team": "platform"}

	plan, _, err := buildPlan(t, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "platform", plan.Labels["team"])
}

func TestBuildPlan_MissingEnvVarFailsBeforeRemoteChanges(t *testing.T) {
	os.Unsetenv("PELEKA_PLAN_TEST_UNSET")
	cfg := testConfig(t, `
service: web
image: nginx:1.25
servers: ["h1"]
env:
  SECRET: { env: PELEKA_PLAN_TEST_UNSET }
`)

	_, _, err := buildPlan(t, cfg, nil)
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))

	var missing *config.MissingEnvVarError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "PELEKA_PLAN_TEST_UNSET", missing.Name)
}

func TestBuildPlan_EnvResolvedAtPlanTime(t *testing.T) {
	t.Setenv("PELEKA_PLAN_TEST_TOKEN", "s3cret")
	cfg := testConfig(t, `
service: web
image: nginx:1.25
servers: ["h1"]
env:
  TOKEN: { env: PELEKA_PLAN_TEST_TOKEN }
  PLAIN: value
`)

	plan, _, err := buildPlan(t, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plan.Env["TOKEN"])
	assert.Equal(t, "value", plan.Env["PLAIN"])
}

func TestBuildPlan_StalePendingIsGarbage(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)

	existing := []runtime.ContainerSummary{
		summary("c1", "web-blue", "running", 1, model.ColorBlue, model.RoleLive, "d1"),
		summary("c2", "web-green", "created", 2, model.ColorGreen, model.RolePending, "crashed"),
	}
	plan, _, err := buildPlan(t, cfg, existing)
	require.NoError(t, err)

	require.Len(t, plan.Garbage, 1)
	assert.Equal(t, "c2", plan.Garbage[0].ID)
}

func TestBuildPlan_OwnPendingIsNotGarbage(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)

	existing := []runtime.ContainerSummary{
		summary("c2", "web-green", "created", 2, model.ColorGreen, model.RolePending, "deploy-test"),
	}
	plan, _, err := buildPlan(t, cfg, existing)
	require.NoError(t, err)
	assert.Empty(t, plan.Garbage)
}

func TestBuildPlan_NetworkAliasesIncludeService(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)
	cfg.Network = &config.Network{Name: "edge", Aliases: []string{"www"}}

	plan, _, err := buildPlan(t, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "edge", plan.Network)
	assert.Equal(t, []string{"web", "www"}, plan.NetworkAliases)
}

func TestBuildPlan_ContainerSpecRoundTrip(t *testing.T) {
	cfg := testConfig(t, blueGreenYAML)
	cfg.Ports = []string{"8080"}
	cfg.Volumes = []string{"/srv/data:/data"}
	cfg.Resources = &config.Resources{Memory: "512m", CPUs: "1.5"}

	plan, _, err := buildPlan(t, cfg, nil)
	require.NoError(t, err)

	spec := plan.ContainerSpec()
	assert.Equal(t, "web-blue", spec.Name)
	assert.Equal(t, "nginx:1.25", spec.Image)
	assert.Equal(t, []string{"8080"}, spec.Ports)
	assert.Equal(t, []string{"/srv/data:/data"}, spec.Volumes)
	assert.Equal(t, "512m", spec.Memory)
	assert.Equal(t, "1.5", spec.CPUs)
	assert.Equal(t, plan.Labels, spec.Labels)
}

func TestSelectStrategy(t *testing.T) {
	diag := NewDiagnostics(zerolog.Nop())

	cfg := testConfig(t, blueGreenYAML)
	assert.Equal(t, StrategyBlueGreen, SelectStrategy(cfg, diag))
	assert.Empty(t, diag.Warnings())

	cfg.Ports = []string{"80:8080"}
	diag = NewDiagnostics(zerolog.Nop())
	assert.Equal(t, StrategyRecreate, SelectStrategy(cfg, diag))
	require.Len(t, diag.Warnings(), 1)
	assert.Contains(t, diag.Warnings()[0], "static host port")

	// Explicit strategy always wins, even with host ports.
	cfg.Strategy = "blue-green"
	diag = NewDiagnostics(zerolog.Nop())
	assert.Equal(t, StrategyBlueGreen, SelectStrategy(cfg, diag))
	assert.Empty(t, diag.Warnings())
}

func TestExitCodes(t *testing.T) {
	cases := map[Kind]int{
		KindGeneral:              1,
		KindConfig:               1,
		KindLockHeld:             2,
		KindHealthTimeout:        3,
		KindUnhealthy:            3,
		KindNoPreviousDeployment: 4,
		KindTransport:            5,
		KindConfigNotFound:       6,
		KindNoServers:            7,
		KindRuntimeUnavailable:   8,
		KindRuntimeAPI:           9,
		KindPullTimeout:          10,
		KindCancelled:            1,
	}
	for kind, code := range cases {
		assert.Equal(t, code, kind.ExitCode(), kind.String())
	}
	assert.Equal(t, 0, ExitCodeFor(nil))
}
