// Package session defines the records exchanged between the orchestrator and
// its collaborators: directives, proposed actions, safety verdicts, execution
// results, iterations and the finalized session record.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects the control strategy for a session. It is fixed for the
// lifetime of a session.
type Mode string

const (
	ModeModelCentral Mode = "model-central"
	ModeGraph        Mode = "graph"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeModelCentral, "":
		return ModeModelCentral, nil
	case ModeGraph:
		return ModeGraph, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeModelCentral, ModeGraph)
	}
}

// State is a node of the graph-mode workflow.
type State string

const (
	StatePlan    State = "PLAN"
	StateAct     State = "ACT"
	StateObserve State = "OBSERVE"
	StateReflect State = "REFLECT"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Directive is the user's task. It is immutable once created and persisted
// verbatim as the head of a session record.
type Directive struct {
	SessionID string    `json:"session_id" yaml:"session_id"`
	Text      string    `json:"text" yaml:"text"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ErrEmptyDirective is returned when a directive has no text.
var ErrEmptyDirective = errors.New("directive text is empty")

// NewDirective creates a directive with a fresh session id.
func NewDirective(text string) (Directive, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Directive{}, ErrEmptyDirective
	}
	return Directive{
		SessionID: uuid.NewString(),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Status is the terminal outcome of a session.
type Status string

const (
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusExhausted Status = "exhausted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDone, StatusFailed, StatusExhausted:
		return true
	}
	return false
}

// ErrorKind classifies a per-iteration failure.
type ErrorKind string

const (
	ErrorModelUnavailable  ErrorKind = "model-unavailable"
	ErrorMalformedResponse ErrorKind = "malformed-response"
	ErrorSafetyViolation   ErrorKind = "safety-violation"
	ErrorExecutionTimeout  ErrorKind = "execution-timeout"
	ErrorExecutionError    ErrorKind = "execution-error"
	ErrorSkillNotFound     ErrorKind = "skill-not-found"
	ErrorTool              ErrorKind = "tool-error"
	ErrorCancelled         ErrorKind = "cancelled"
)

// IterationError is the persisted form of a failure folded into an iteration.
type IterationError struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
	Raw     string    `json:"raw,omitempty" yaml:"raw,omitempty"`
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Iteration is one append-only step of a session.
type Iteration struct {
	Seq        int              `json:"seq" yaml:"seq"`
	Mode       Mode             `json:"mode" yaml:"mode"`
	State      State            `json:"state,omitempty" yaml:"state,omitempty"`
	Action     *Action          `json:"action,omitempty" yaml:"action,omitempty"`
	Verdict    *Verdict         `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty" yaml:"result,omitempty"`
	Reflection string           `json:"reflection,omitempty" yaml:"reflection,omitempty"`
	Error      *IterationError  `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at" yaml:"started_at"`
	Duration   time.Duration    `json:"duration" yaml:"duration"`
}

// Failed reports whether the iteration counts against the failure budget.
func (it Iteration) Failed() bool {
	if it.Error != nil {
		return true
	}
	if it.Verdict != nil && !it.Verdict.Allowed() {
		return true
	}
	return it.Result != nil && it.Result.Class != ClassSuccess
}

// Record is the durable history of one session.
type Record struct {
	Directive   Directive   `json:"directive" yaml:"directive"`
	Iterations  []Iteration `json:"iterations" yaml:"iterations"`
	Status      Status      `json:"status,omitempty" yaml:"status,omitempty"`
	Reason      string      `json:"reason,omitempty" yaml:"reason,omitempty"`
	FinalState  State       `json:"final_state,omitempty" yaml:"final_state,omitempty"`
	FinalizedAt *time.Time  `json:"finalized_at,omitempty" yaml:"finalized_at,omitempty"`
}

// Finalized reports whether the record has received its terminal status.
func (r *Record) Finalized() bool {
	return r.FinalizedAt != nil
}

// LastSeq returns the sequence number of the last iteration, or 0.
func (r *Record) LastSeq() int {
	if len(r.Iterations) == 0 {
		return 0
	}
	return r.Iterations[len(r.Iterations)-1].Seq
}

// CheckContiguous verifies iterations are numbered 1..n without gaps.
func (r *Record) CheckContiguous() error {
	for i, it := range r.Iterations {
		if it.Seq != i+1 {
			return fmt.Errorf("iteration %d has seq %d, want %d", i, it.Seq, i+1)
		}
	}
	return nil
}
