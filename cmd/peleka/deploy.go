package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/peleka/peleka/internal/deploy"
	"github.com/peleka/peleka/internal/hooks"
	"github.com/peleka/peleka/internal/model"
)

func newDeployCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the service to all configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeploy(cmd.Context(), opts)
		},
	}
}

func runDeploy(parent context.Context, opts *rootOpts) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger := opts.logger()
	sink := opts.sink()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runner := hooks.NewRunner(cwd, logger)
	deployID := model.NewDeployID()

	for _, server := range cfg.Servers {
		// Detection has not run yet; export the configured runtime if any.
		preRuntime := server.Runtime
		if preRuntime == "" {
			preRuntime = "auto"
		}
		hctx := &hooks.Context{Service: cfg.Service, Image: cfg.Image, Server: server.Host, Runtime: preRuntime, DeployID: deployID}
		if result := runner.Run(ctx, hooks.PreDeploy, hctx); !result.Ok() {
			if result.Stderr != "" {
				fmt.Fprint(os.Stderr, result.Stderr)
			}
			return &exitError{code: deploy.ExitGeneral, err: fmt.Errorf("pre-deploy hook failed for %s (exit %d)", server.Host, result.ExitCode)}
		}
	}

	coordinator := deploy.NewCoordinator(cfg, sink, nil, logger)
	coordinator.DeployID = deployID
	outcomes := coordinator.Deploy(ctx)

	for _, o := range outcomes {
		hctx := &hooks.Context{Service: cfg.Service, Image: cfg.Image, Server: o.Host, Runtime: o.Runtime, DeployID: deployID}
		point := hooks.PostDeploy
		if o.Result != deploy.ResultSuccess {
			point = hooks.OnError
		}
		// Post hooks never fail a finished deployment.
		if result := runner.Run(ctx, point, hctx); result.Ran && !result.Ok() {
			logger.Warn().Str("host", o.Host).Str("hook", string(point)).Msg("hook failed")
		}
	}

	if code := deploy.ExitCode(outcomes); code != deploy.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}
