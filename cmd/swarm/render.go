package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/model"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	exhaustedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	codeStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("238")).
			PaddingLeft(1)
)

func checkFormat(f string) error {
	switch f {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", f)
}

// encode writes v as JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q cannot encode values", format)
}

func statusStyle(s session.Status) lipgloss.Style {
	switch s {
	case session.StatusDone:
		return doneStyle
	case session.StatusExhausted:
		return exhaustedStyle
	case session.StatusFailed:
		return failedStyle
	}
	return dimStyle
}

// renderRecord prints a session record for people.
func renderRecord(w io.Writer, rec *session.Record) {
	fmt.Fprintln(w, headerStyle.Render("Session "+rec.Directive.SessionID))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Directive:"), rec.Directive.Text)
	if !rec.Directive.CreatedAt.IsZero() {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Started:  "), rec.Directive.CreatedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintln(w)

	for _, it := range rec.Iterations {
		renderIteration(w, it)
	}

	if rec.Status == "" {
		fmt.Fprintln(w, dimStyle.Render("session not finalized"))
		return
	}
	line := statusStyle(rec.Status).Render(strings.ToUpper(string(rec.Status)))
	if rec.Reason != "" {
		line += " " + rec.Reason
	}
	if rec.FinalState != "" {
		line += dimStyle.Render(fmt.Sprintf(" (final state %s)", rec.FinalState))
	}
	fmt.Fprintln(w, line)
}

// renderIteration prints one iteration with its code and output.
func renderIteration(w io.Writer, it session.Iteration) {
	first, rest, _ := strings.Cut(model.SummarizeIteration(it), "\n")
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(first), dimStyle.Render(it.Duration.Round(time.Millisecond).String()))
	if rest != "" {
		fmt.Fprintln(w, rest)
	}

	if it.Action != nil && it.Action.Kind == session.ActionInlineCode {
		fmt.Fprintln(w, indent(codeStyle.Render(strings.TrimRight(it.Action.Code, "\n")), "  "))
	}
	if it.Result != nil && strings.TrimSpace(it.Result.Stderr) != "" && !it.Result.Succeeded() {
		fmt.Fprintln(w, indent(dimStyle.Render(strings.TrimRight(it.Result.Stderr, "\n")), "  "))
	}
	fmt.Fprintln(w)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// newTable returns a table writer with the CLI's default style.
func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}
