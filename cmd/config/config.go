// Package config implements the config command, which writes the
// effective configuration to a YAML file.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forcedaq/forcedaq/internal/conf"
)

// Command creates the config command and its save sub-command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	save := &cobra.Command{
		Use:   "save <path>",
		Short: "Write the configuration after file, environment and flag overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.SaveYAMLConfig(args[0], settings); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", args[0])
			return err
		},
	}

	cmd.AddCommand(save)
	return cmd
}
