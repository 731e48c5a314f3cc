package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/peleka/peleka/internal/config"
	"github.com/peleka/peleka/internal/deploy"
	"github.com/peleka/peleka/internal/output"
)

type rootOpts struct {
	destination string
	verbose     bool
	quiet       bool
	jsonOut     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}

	cmd := &cobra.Command{
		Use:           "peleka",
		Short:         "Zero-downtime container deployment for Docker and Podman",
		Long:          "peleka deploys a containerized service to remote hosts over SSH,\ndriving the host's Docker or Podman runtime with blue-green or\nrecreate strategies, health probing, and one-level rollback.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.destination, "destination", "d", "", "destination overrides to apply (defined in config)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print final results")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "emit newline-delimited JSON events")

	cmd.AddCommand(
		newDeployCmd(opts),
		newRollbackCmd(opts),
		newExecCmd(opts),
		newInitCmd(),
	)
	return cmd
}

func (o *rootOpts) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)
}

func (o *rootOpts) sink() deploy.Sink {
	mode := output.ModeHuman
	switch {
	case o.jsonOut:
		mode = output.ModeJSON
	case o.quiet:
		mode = output.ModeQuiet
	}
	return output.New(mode, os.Stdout)
}

// loadConfig discovers the config in the working directory and applies the
// selected destination. Errors carry their exit codes.
func (o *rootOpts) loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Discover(cwd)
	if err != nil {
		var notFound *config.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &exitError{code: deploy.ExitConfigNotFound, err: err}
		}
		var noServers *config.NoServersError
		if errors.As(err, &noServers) {
			return nil, &exitError{code: deploy.ExitNoServers, err: err}
		}
		return nil, err
	}

	if o.destination != "" {
		cfg, err = cfg.ForDestination(o.destination)
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
