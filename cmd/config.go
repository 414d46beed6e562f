package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateOnly bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate the loaded config and print it as yaml, with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if validateOnly {
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg.Redacted()); err != nil {
			return err
		}
		return enc.Close()
	},
}

//nolint:gochecknoinits
func init() {
	configCmd.Flags().BoolVar(
		&validateOnly,
		"validate",
		false,
		"Only validate the config",
	)
	rootCmd.AddCommand(configCmd)
}
