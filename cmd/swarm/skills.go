package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/skills"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	skillsCapability string
	skillsVersion    int
	skillsLimit      int
	skillsFormat     string
)

func init() {
	skillsCmd.AddCommand(skillsListCmd)
	skillsCmd.AddCommand(skillsShowCmd)
	skillsCmd.AddCommand(skillsHistoryCmd)

	skillsCmd.PersistentFlags().StringVar(&skillsFormat, "format", formatText, "output format: text, json or yaml")
	skillsListCmd.Flags().StringVar(&skillsCapability, "capability", "", "only skills declaring this capability tag")
	skillsShowCmd.Flags().IntVar(&skillsVersion, "version", 0, "version to show (default latest)")
	skillsHistoryCmd.Flags().IntVar(&skillsLimit, "limit", 20, "maximum number of commits")
}

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Inspect the skill registry",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered skills (latest version of each)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		var list []skills.Skill
		if skillsCapability != "" {
			list = reg.ListByCapability(skillsCapability)
		} else {
			list = reg.List()
		}

		if skillsFormat != formatText {
			return encode(cmd.OutOrStdout(), skillsFormat, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No skills registered.")
			return nil
		}
		tw := newTable(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Name", "Version", "Capabilities", "Description", "Created"})
		for _, s := range list {
			tw.AppendRow(table.Row{
				s.Name,
				s.Version,
				strings.Join(s.Capabilities, ", "),
				truncate(s.Description, 48),
				s.CreatedAt.Local().Format(time.DateTime),
			})
		}
		tw.Render()
		return nil
	},
}

var skillsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a skill's metadata and source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		var sk skills.Skill
		if skillsVersion > 0 {
			sk, err = reg.LookupVersion(args[0], skillsVersion)
		} else {
			sk, err = reg.Lookup(args[0])
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if skillsFormat != formatText {
			return encode(out, skillsFormat, sk)
		}
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s v%d", sk.Name, sk.Version)))
		if len(sk.Capabilities) > 0 {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Capabilities:"), strings.Join(sk.Capabilities, ", "))
		}
		if sk.Description != "" {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Description: "), sk.Description)
		}
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Hash:        "), dimStyle.Render(sk.Hash))
		fmt.Fprintf(out, "%s %d\n\n", labelStyle.Render("Versions:    "), len(reg.Versions(sk.Name)))
		fmt.Fprintln(out, codeStyle.Render(strings.TrimRight(sk.Content, "\n")))
		return nil
	},
}

var skillsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the git history of skill registrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		h, err := skills.NewHistory(reg)
		if err != nil {
			return err
		}
		commits, err := h.Log(skillsLimit)
		if err != nil {
			return err
		}

		if skillsFormat != formatText {
			return encode(cmd.OutOrStdout(), skillsFormat, commits)
		}
		if len(commits) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history recorded.")
			return nil
		}
		tw := newTable(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Commit", "When", "Message"})
		for _, c := range commits {
			tw.AppendRow(table.Row{c.Hash[:min(len(c.Hash), 10)], c.When.Local().Format(time.DateTime), strings.TrimSpace(c.Message)})
		}
		tw.Render()
		return nil
	},
}

// openRegistry opens the registry without wiring models or stores.
func openRegistry() (*skills.Registry, error) {
	if err := checkFormat(skillsFormat); err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return skills.Open(cfg.SkillsDir(), logger)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
