// Package hooks runs lifecycle scripts around a deployment. Hooks are
// executables under .peleka/hooks/ in the project directory; a missing hook
// is simply skipped.
package hooks

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Point is a lifecycle event that can trigger a hook script.
type Point string

const (
	// PreDeploy runs before any remote change; failure aborts the deploy.
	PreDeploy Point = "pre-deploy"
	// PostDeploy runs after a successful deploy; failure is a warning.
	PostDeploy Point = "post-deploy"
	// OnError runs after a failed deploy; failure is a warning.
	OnError Point = "on-error"
)

// Fatal reports whether a failing hook at this point aborts the deployment.
func (p Point) Fatal() bool { return p == PreDeploy }

// Context is exported to hook scripts as PELEKA_* environment variables.
type Context struct {
	Service  string
	Image    string
	Server   string
	Runtime  string // "docker" or "podman"; "auto" before detection has run
	DeployID string
}

func (c *Context) env() []string {
	return append(os.Environ(),
		"PELEKA_SERVICE="+c.Service,
		"PELEKA_IMAGE="+c.Image,
		"PELEKA_SERVER="+c.Server,
		"PELEKA_RUNTIME="+c.Runtime,
		"PELEKA_DEPLOY_ID="+c.DeployID,
	)
}

// Result of running one hook.
type Result struct {
	Ran      bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the hook either did not exist or exited zero.
func (r *Result) Ok() bool { return !r.Ran || r.ExitCode == 0 }

// Runner discovers and executes hooks for one project directory.
type Runner struct {
	dir    string
	logger zerolog.Logger
}

// NewRunner looks for hooks under projectDir/.peleka/hooks.
func NewRunner(projectDir string, logger zerolog.Logger) *Runner {
	return &Runner{
		dir:    filepath.Join(projectDir, ".peleka", "hooks"),
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// Run executes the hook for the given point, if present.
func (r *Runner) Run(ctx context.Context, point Point, hctx *Context) *Result {
	path := filepath.Join(r.dir, string(point))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return &Result{Ran: false}
	}

	r.logger.Info().Str("hook", string(point)).Str("path", path).Msg("running hook")

	cmd := exec.CommandContext(ctx, path)
	cmd.Env = hctx.env()
	stdout, err := cmd.Output()

	result := &Result{Ran: true, Stdout: string(stdout)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Stderr = string(exitErr.Stderr)
		} else {
			result.ExitCode = -1
			result.Stderr = err.Error()
		}
		r.logger.Warn().Str("hook", string(point)).Int("exit_code", result.ExitCode).Msg("hook failed")
	}
	return result
}
