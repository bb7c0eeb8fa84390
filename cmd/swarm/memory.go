package main

import (
	"fmt"
	"strings"

	"github.com/Xzeroone/The-Swarm/internal/memory"
	"github.com/Xzeroone/The-Swarm/internal/secrets"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var memoryFormat string

func init() {
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.PersistentFlags().StringVar(&memoryFormat, "format", formatText, "output format: text, json or yaml")
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect recorded sessions",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store memory.Store) error {
			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if memoryFormat != formatText {
				return encode(cmd.OutOrStdout(), memoryFormat, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Session", "Status", "Iterations", "Directive"})
			for _, s := range list {
				status := string(s.Status)
				if status == "" {
					status = "open"
				}
				tw.AppendRow(table.Row{s.SessionID, statusStyle(s.Status).Render(status), s.Iterations, truncate(s.Directive, 60)})
			}
			tw.Render()
			return nil
		})
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session record",
	Long: `Show one session record: the directive, every iteration with its code,
verdict and output, and the terminal status.

Examples:
  swarm memory show 3f2a...
  swarm memory show 3f2a... --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store memory.Store) error {
			rec, err := store.Load(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if memoryFormat != formatText {
				return encode(cmd.OutOrStdout(), memoryFormat, rec)
			}
			renderRecord(cmd.OutOrStdout(), rec)
			return nil
		})
	},
}

// withStore opens the configured Memory Store for the duration of fn.
func withStore(fn func(memory.Store) error) error {
	if err := checkFormat(memoryFormat); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	scrubber, err := secrets.New(nil, secrets.WithAllowlist(cfg.Memory.ScrubAllowlist...))
	if err != nil {
		return err
	}
	store, err := memory.New(cfg.Memory, cfg.MemoryDir(), scrubber, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
