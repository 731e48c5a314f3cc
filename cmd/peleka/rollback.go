package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/peleka/peleka/internal/deploy"
)

func newRollbackCmd(opts *rootOpts) *cobra.Command {
	var skipHealth bool

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the previous deployment on all configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			checkHealth := cfg.Healthcheck != nil && !skipHealth
			coordinator := deploy.NewCoordinator(cfg, opts.sink(), nil, opts.logger())
			outcomes := coordinator.RollbackAll(ctx, checkHealth)

			if code := deploy.ExitCode(outcomes); code != deploy.ExitSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipHealth, "skip-health", false, "do not re-run health checks on the restored container")
	return cmd
}
