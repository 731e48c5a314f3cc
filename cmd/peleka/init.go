package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/peleka/peleka/internal/config"
)

func newInitCmd() *cobra.Command {
	var (
		service string
		image   string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter peleka.yml in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			path, err := config.Init(cwd, service, image, force)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s — edit the servers list before deploying.\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "service name to pre-fill")
	cmd.Flags().StringVar(&image, "image", "", "image reference to pre-fill")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
