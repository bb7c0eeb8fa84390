package model

import (
	"fmt"
	"strings"

	"github.com/Xzeroone/The-Swarm/internal/session"
)

// SkillInfo is the catalog entry shown to the model.
type SkillInfo struct {
	Name         string
	Version      int
	Capabilities []string
	Description  string
}

// ToolInfo describes one tool the model may call.
type ToolInfo struct {
	Name        string
	Args        []string
	Description string
}

// Context is everything the primary model sees when proposing an action.
type Context struct {
	Directive  string
	Mode       session.Mode
	State      session.State // graph mode only
	Iterations []session.Iteration
	Skills     []SkillInfo
	Tools      []ToolInfo
	Feedback   string // corrective note about the previous attempt
	Model      string // overrides the configured primary
	Runtime    string // executor runtime the code will run under
}

const (
	maxSnippet = 400

	codeRules = `Code rules:
- Write plain Python 3 that runs top to bottom and prints its result.
- No input() calls. Use hardcoded test values.
- Only touch files inside the current working directory.
- No network access, no subprocesses, no shell commands.`

	starlarkRules = `Code rules:
- Write Starlark, the Python dialect. There are no imports, classes or exceptions.
- The json and math modules are available. Print the result.
- There is no file, network or process access.`

	responseFormat = `Respond with exactly one JSON object and nothing else. One of:
{"action": "inline_code", "code": "<python source>", "skill_name": "<snake_case name>", "capabilities": ["<tag>"], "rationale": "<why>"}
{"action": "tool_call", "tool": "<tool name>", "args": {"<arg>": "<value>"}, "rationale": "<why>"}
{"action": "complete", "summary": "<what was achieved>"}
{"action": "clarify", "question": "<what you need to know>"}`
)

// proposePrompt renders the primary model prompt.
func proposePrompt(c Context) string {
	var b strings.Builder
	b.WriteString("You are swarm, a coding agent working offline inside a confined workspace.\n")
	b.WriteString("Decide the single next step toward the directive.\n\n")
	fmt.Fprintf(&b, "Directive:\n%s\n", c.Directive)

	if c.Mode == session.ModeGraph && c.State != "" {
		fmt.Fprintf(&b, "\nWorkflow step: %s. %s\n", c.State, stateHint(c.State))
	}

	if len(c.Tools) > 0 {
		b.WriteString("\nTools:\n")
		for _, t := range c.Tools {
			fmt.Fprintf(&b, "- %s(%s): %s\n", t.Name, strings.Join(t.Args, ", "), t.Description)
		}
	}

	if len(c.Skills) > 0 {
		b.WriteString("\nRegistered skills:\n")
		for _, s := range c.Skills {
			fmt.Fprintf(&b, "- %s v%d", s.Name, s.Version)
			if len(s.Capabilities) > 0 {
				fmt.Fprintf(&b, " [%s]", strings.Join(s.Capabilities, ", "))
			}
			if s.Description != "" {
				fmt.Fprintf(&b, ": %s", s.Description)
			}
			b.WriteString("\n")
		}
	}

	if len(c.Iterations) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for _, it := range c.Iterations {
			b.WriteString(SummarizeIteration(it))
			b.WriteString("\n")
		}
	}

	if c.Feedback != "" {
		fmt.Fprintf(&b, "\nFeedback on your last answer:\n%s\n", c.Feedback)
	}

	b.WriteString("\n")
	if c.Runtime == "starlark" {
		b.WriteString(starlarkRules)
	} else {
		b.WriteString(codeRules)
	}
	b.WriteString("\n\n")
	b.WriteString(responseFormat)
	b.WriteString("\n")
	return b.String()
}

func stateHint(s session.State) string {
	switch s {
	case session.StatePlan:
		return "Choose the approach: reuse a registered skill or write new code."
	case session.StateAct:
		return "Produce the code or tool call that carries out the plan."
	case session.StateReflect:
		return "Judge the last result. Complete if the directive is satisfied."
	}
	return ""
}

// SummarizeIteration renders one line per iteration for prompts and logs.
func SummarizeIteration(it session.Iteration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d", it.Seq)
	if it.State != "" {
		fmt.Fprintf(&b, " [%s]", it.State)
	}
	if it.Action != nil {
		fmt.Fprintf(&b, " %s", clip(it.Action.String(), 120))
	}
	switch {
	case it.Verdict != nil && !it.Verdict.Allowed():
		fmt.Fprintf(&b, " -> rejected %s", clip(it.Verdict.String(), maxSnippet))
	case it.Result != nil:
		fmt.Fprintf(&b, " -> %s", it.Result.Class)
		if it.Result.Message != "" {
			fmt.Fprintf(&b, " (%s)", clip(it.Result.Message, 120))
		}
		if out := strings.TrimSpace(it.Result.Stdout); out != "" {
			fmt.Fprintf(&b, "\n   stdout: %s", clip(out, maxSnippet))
		}
		if it.Result.Detail != "" {
			fmt.Fprintf(&b, "\n   detail: %s", clip(it.Result.Detail, maxSnippet))
		}
	case it.Error != nil:
		fmt.Fprintf(&b, " -> error %s: %s", it.Error.Kind, clip(it.Error.Message, maxSnippet))
	}
	if it.Reflection != "" {
		fmt.Fprintf(&b, "\n   note: %s", clip(it.Reflection, maxSnippet))
	}
	return b.String()
}

func choicePrompt(question string, candidates []string) string {
	var b strings.Builder
	b.WriteString(question)
	b.WriteString("\n\nOptions:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, clip(c, 600))
	}
	b.WriteString("\nAnswer with only the number of the best option.\n")
	return b.String()
}

func intentPrompt(text string) string {
	return fmt.Sprintf(`Classify the message. Answer "task" if it asks for code to be written, fixed or run. Answer "chat" for questions, greetings and conversation.

Message: %s

Answer with one word.`, text)
}

func answerPrompt(text string) string {
	return fmt.Sprintf("You are a helpful assistant. Answer briefly.\n\n%s\n", text)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
