package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHook(t *testing.T, dir string, point Point, script string) {
	t.Helper()
	hooksDir := filepath.Join(dir, ".peleka", "hooks")
	require.NoError(t, os.MkdirAll(hooksDir, 0o755))
	path := filepath.Join(hooksDir, string(point))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
}

func testContext() *Context {
	return &Context{
		Service:  "web",
		Image:    "nginx:1.25",
		Server:   "h1",
		Runtime:  "podman",
		DeployID: "d1",
	}
}

func TestRun_MissingHookIsSkipped(t *testing.T) {
	runner := NewRunner(t.TempDir(), zerolog.Nop())
	result := runner.Run(context.Background(), PreDeploy, testContext())
	assert.False(t, result.Ran)
	assert.True(t, result.Ok())
}

func TestRun_HookReceivesEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, PreDeploy, `printf '%s %s %s %s %s' "$PELEKA_SERVICE" "$PELEKA_IMAGE" "$PELEKA_SERVER" "$PELEKA_RUNTIME" "$PELEKA_DEPLOY_ID"`)

	runner := NewRunner(dir, zerolog.Nop())
	result := runner.Run(context.Background(), PreDeploy, testContext())

	require.True(t, result.Ran)
	assert.True(t, result.Ok())
	assert.Equal(t, "web nginx:1.25 h1 podman d1", result.Stdout)
}

func TestRun_FailingHook(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, PostDeploy, "echo nope >&2\nexit 3")

	runner := NewRunner(dir, zerolog.Nop())
	result := runner.Run(context.Background(), PostDeploy, testContext())

	require.True(t, result.Ran)
	assert.False(t, result.Ok())
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "nope")
}

func TestPointFatality(t *testing.T) {
	assert.True(t, PreDeploy.Fatal())
	assert.False(t, PostDeploy.Fatal())
	assert.False(t, OnError.Fatal())
}
