// Package main implements the swarm CLI: a local, offline coding agent.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location
	configPath string
	// workspaceRoot overrides workspace.root
	workspaceRoot string
	// offline forces offline mode regardless of config
	offline bool
	// logLevel overrides logging.level
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Local, offline autonomous coding agent",
	Long: `swarm turns a natural-language directive into working code using small
local models. Generated code is vetted by a safety gate, run in a confined
workspace, and every step of a session is recorded.

Examples:
  # Run a directive
  swarm run "create a function that adds two numbers"

  # Use the fixed PLAN/ACT/OBSERVE/REFLECT workflow
  swarm run --mode graph "parse a CSV file and sum the second column"

  # Inspect what happened
  swarm memory list
  swarm memory show <session-id> --format yaml`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/swarm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", "", "workspace root directory")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "refuse any non-local endpoint")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(skillsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "swarm\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

// loadConfig loads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspaceRoot != "" {
		abs, err := filepath.Abs(workspaceRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace %s: %w", workspaceRoot, err)
		}
		cfg.Workspace.Root = abs
	}
	if offline {
		cfg.Offline = true
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, cfg.Validate()
}
