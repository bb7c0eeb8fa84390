package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionKind tags the Action variant.
type ActionKind string

const (
	ActionToolCall      ActionKind = "tool-call"
	ActionInlineCode    ActionKind = "inline-code"
	ActionCompletion    ActionKind = "completion"
	ActionClarification ActionKind = "clarification"
)

// Action is the model's proposed next step. Exactly the fields of its Kind
// are meaningful; constructors below keep the variants honest.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// tool-call
	Tool string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`

	// inline-code
	Code         string   `json:"code,omitempty" yaml:"code,omitempty"`
	SkillName    string   `json:"skill_name,omitempty" yaml:"skill_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// completion
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`

	// clarification
	Question string `json:"question,omitempty" yaml:"question,omitempty"`

	Rationale string `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// ToolCall builds a tool-call action.
func ToolCall(tool string, args map[string]string) Action {
	return Action{Kind: ActionToolCall, Tool: tool, Args: args}
}

// InlineCode builds an inline-code action.
func InlineCode(code string) Action {
	return Action{Kind: ActionInlineCode, Code: code}
}

// Completion builds a completion action.
func Completion(summary string) Action {
	return Action{Kind: ActionCompletion, Summary: summary}
}

// Clarification builds a clarification action.
func Clarification(question string) Action {
	return Action{Kind: ActionClarification, Question: question}
}

// ErrInvalidAction is returned by Validate.
var ErrInvalidAction = errors.New("invalid action")

// Validate checks that the fields required by the variant are present.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionToolCall:
		if strings.TrimSpace(a.Tool) == "" {
			return fmt.Errorf("%w: tool-call without tool name", ErrInvalidAction)
		}
	case ActionInlineCode:
		if strings.TrimSpace(a.Code) == "" {
			return fmt.Errorf("%w: inline-code without code", ErrInvalidAction)
		}
	case ActionCompletion, ActionClarification:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// String renders a short one-line description for logs and prompts.
func (a Action) String() string {
	switch a.Kind {
	case ActionToolCall:
		return fmt.Sprintf("tool-call %s %v", a.Tool, a.Args)
	case ActionInlineCode:
		first, _, _ := strings.Cut(strings.TrimSpace(a.Code), "\n")
		return fmt.Sprintf("inline-code (%d bytes) %s", len(a.Code), first)
	case ActionCompletion:
		return "completion: " + a.Summary
	case ActionClarification:
		return "clarification: " + a.Question
	}
	return string(a.Kind)
}

// VerdictKind is the outcome of a safety check.
type VerdictKind string

const (
	VerdictAllowed             VerdictKind = "allowed"
	VerdictBlockedByPattern    VerdictKind = "blocked-by-pattern"
	VerdictBlockedByPathEscape VerdictKind = "blocked-by-path-escape"
	VerdictBlockedByResource   VerdictKind = "blocked-by-resource"
)

// Budget is the resource envelope an allowed run executes under.
type Budget struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	Network        bool          `json:"network" yaml:"network"`
	MaxOutputBytes int           `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// Verdict is the Safety Gate's decision on one candidate.
type Verdict struct {
	Kind   VerdictKind `json:"kind" yaml:"kind"`
	Check  string      `json:"check,omitempty" yaml:"check,omitempty"`
	RuleID string      `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`
	Detail string      `json:"detail,omitempty" yaml:"detail,omitempty"`
	Budget Budget      `json:"budget" yaml:"budget"`
}

// Allowed reports whether the candidate may run.
func (v Verdict) Allowed() bool {
	return v.Kind == VerdictAllowed
}

func (v Verdict) String() string {
	if v.Allowed() {
		return string(v.Kind)
	}
	if v.RuleID != "" {
		return fmt.Sprintf("%s [%s]: %s", v.Kind, v.RuleID, v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// ResultClass classifies an execution.
type ResultClass string

const (
	ClassSuccess        ResultClass = "success"
	ClassRuntimeError   ResultClass = "runtime-error"
	ClassTimeout        ResultClass = "timeout"
	ClassSafetyRejected ResultClass = "safety-rejected"
)

// ExecutionResult is what the Executor observed.
type ExecutionResult struct {
	Stdout    string        `json:"stdout" yaml:"stdout"`
	Stderr    string        `json:"stderr" yaml:"stderr"`
	ExitCode  int           `json:"exit_code" yaml:"exit_code"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
	Class     ResultClass   `json:"class" yaml:"class"`
	Message   string        `json:"message,omitempty" yaml:"message,omitempty"`
	Detail    string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Truncated bool          `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

// Succeeded reports whether the run completed cleanly.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Class == ClassSuccess
}
