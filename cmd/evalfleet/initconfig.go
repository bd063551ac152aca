package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/evalfleet/internal/appconfig"
)

func newInitConfigCmd() *cobra.Command {
	var path string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := appconfig.WriteDefault(path, overwrite)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", written)
			return err
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to write (defaults to ~/.evalfleet/config.yaml)")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}
