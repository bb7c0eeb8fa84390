package orchestrator

import (
	"context"
	"fmt"

	"github.com/Xzeroone/The-Swarm/internal/session"
)

const clarifyReply = "No operator is available to answer. Proceed with reasonable assumptions and state them in your rationale."

// centralStep lets the primary model pick the next action and carries it out.
func (r *run) centralStep(ctx context.Context) stepResult {
	it := r.begin()

	a, note, err := r.propose(ctx, "")
	if err != nil {
		return r.modelFailure(ctx, it, err)
	}
	it.Action = &a

	switch a.Kind {
	case session.ActionToolCall:
		out := r.dispatch(ctx, &it, a)
		it.Reflection = joinNotes(note, out.note)
		if !out.succeeded {
			return r.afterExecution(ctx, it)
		}
		if a.Tool == toolRunSkill && r.o.cfg.CompleteOnSuccess {
			return stepResult{it: it, status: session.StatusDone, reason: "skill ran successfully", productive: true}
		}
		return stepResult{it: it, productive: true}

	case session.ActionInlineCode:
		res := r.runCode(ctx, &it, a.Code, a.SkillName)
		if !res.Succeeded() {
			it.Reflection = note
			return r.afterExecution(ctx, it)
		}
		it.Reflection = joinNotes(note, r.accept(ctx, a))
		if r.o.cfg.CompleteOnSuccess {
			return stepResult{it: it, status: session.StatusDone, reason: "code ran successfully", productive: true}
		}
		return stepResult{it: it, productive: true}

	case session.ActionCompletion:
		it.Reflection = note
		return stepResult{it: it, status: session.StatusDone, reason: completionReason(a), productive: true}

	case session.ActionClarification:
		r.feedback = clarifyReply
		it.Reflection = joinNotes(note, "clarification requested; continuing on assumptions")
		return stepResult{it: it}

	default:
		it.Error = &session.IterationError{
			Kind:    session.ErrorMalformedResponse,
			Message: fmt.Sprintf("unhandled action kind %q", a.Kind),
		}
		return stepResult{it: it}
	}
}

// afterExecution ends the session when execution was cut short by
// cancellation rather than by the code itself.
func (r *run) afterExecution(ctx context.Context, it session.Iteration) stepResult {
	if err := ctx.Err(); err != nil {
		it.Error = &session.IterationError{Kind: session.ErrorCancelled, Message: err.Error()}
		return stepResult{it: it, status: session.StatusFailed, reason: "cancelled", err: err}
	}
	return stepResult{it: it}
}

func completionReason(a session.Action) string {
	if a.Summary == "" {
		return "model signalled completion"
	}
	return clip(a.Summary, 200)
}
