package main

import (
	"github.com/spf13/cobra"
)

var configFormat string

func init() {
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().StringVar(&configFormat, "format", formatYAML, "output format: yaml or json")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and SWARM_*
environment overrides have been applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if configFormat == formatText {
			configFormat = formatYAML
		}
		if err := checkFormat(configFormat); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return encode(cmd.OutOrStdout(), configFormat, cfg)
	},
}
