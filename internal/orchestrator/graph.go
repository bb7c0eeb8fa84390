package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/Xzeroone/The-Swarm/internal/skills"
	"go.uber.org/zap"
)

// transitions lists every legal move of the graph workflow.
var transitions = map[session.State][]session.State{
	session.StatePlan:    {session.StateAct, session.StatePlan, session.StateDone, session.StateFailed},
	session.StateAct:     {session.StateObserve, session.StateFailed},
	session.StateObserve: {session.StateReflect, session.StateFailed},
	session.StateReflect: {session.StatePlan, session.StateDone, session.StateFailed},
}

// Legal reports whether the workflow may move from one state to another.
func Legal(from, to session.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is what a state step established.
type Outcome struct {
	Planned   bool // PLAN chose an action to carry out
	Succeeded bool // ACT ran cleanly
	Complete  bool // the directive is satisfied
	Fatal     bool // the session cannot continue
}

// Progression picks the next state after a step. Moves it returns are
// checked against the transition table; an illegal move fails the session.
type Progression interface {
	Next(from session.State, o Outcome) session.State
}

// DefaultProgression walks PLAN, ACT, OBSERVE and REFLECT in order and
// returns to PLAN until the directive is complete.
type DefaultProgression struct{}

// Next implements Progression.
func (DefaultProgression) Next(from session.State, o Outcome) session.State {
	if o.Fatal {
		return session.StateFailed
	}
	switch from {
	case session.StatePlan:
		switch {
		case o.Complete:
			return session.StateDone
		case o.Planned:
			return session.StateAct
		default:
			return session.StatePlan
		}
	case session.StateAct:
		return session.StateObserve
	case session.StateObserve:
		return session.StateReflect
	case session.StateReflect:
		if o.Complete {
			return session.StateDone
		}
		return session.StatePlan
	}
	return session.StateFailed
}

const (
	maxReuseCandidates = 3
	minSearchScore     = 0.6
	optionWriteNew     = "write new code for the directive"
)

// graphStep performs the current state's step and moves the workflow.
func (r *run) graphStep(ctx context.Context) stepResult {
	from := r.state
	var sr stepResult
	var o Outcome

	switch from {
	case session.StatePlan:
		sr, o = r.plan(ctx)
	case session.StateAct:
		sr, o = r.act(ctx)
	case session.StateObserve:
		sr, o = r.observe(ctx)
	case session.StateReflect:
		sr, o = r.reflect(ctx)
	default:
		it := r.begin()
		it.Error = &session.IterationError{Kind: session.ErrorTool, Message: fmt.Sprintf("no step for state %s", from)}
		sr, o = stepResult{it: it, status: session.StatusFailed, reason: "workflow in unknown state"}, Outcome{Fatal: true}
	}
	sr.it.State = from
	if sr.status == session.StatusFailed {
		o.Fatal = true
	}

	next := r.o.policy.Next(from, o)
	if !Legal(from, next) {
		r.o.logger.Error(ctx, "illegal workflow transition",
			zap.String("from", string(from)), zap.String("to", string(next)))
		r.state = session.StateFailed
		return stepResult{it: sr.it, status: session.StatusFailed,
			reason: fmt.Sprintf("illegal transition %s -> %s", from, next), err: sr.err}
	}
	r.state = next

	switch next {
	case session.StateDone:
		sr.status = session.StatusDone
		if sr.reason == "" {
			sr.reason = "directive complete"
		}
	case session.StateFailed:
		if sr.status == "" {
			sr.status, sr.reason = session.StatusFailed, "workflow failed in "+string(from)
		}
	}
	return sr
}

// plan chooses the next action: reuse a registered skill when the router
// prefers it, otherwise ask the primary model.
func (r *run) plan(ctx context.Context) (stepResult, Outcome) {
	it := r.begin()
	r.planned = nil

	if cands := r.reuseCandidates(ctx); len(cands) > 0 {
		options := make([]string, 0, len(cands)+1)
		options = append(options, optionWriteNew)
		for _, sk := range cands {
			options = append(options, fmt.Sprintf("reuse skill %s v%d: %s", sk.Name, sk.Version, sk.Description))
		}
		question := fmt.Sprintf("How should this directive be approached?\n\n%s", r.d.Text)
		choice, err := r.o.models.Route(ctx, question, options)
		switch {
		case err != nil && ctx.Err() != nil:
			sr := r.modelFailure(ctx, it, err)
			return sr, Outcome{Fatal: true}
		case err != nil:
			r.o.logger.Warn(ctx, "router failed; planning new code", zap.Error(err))
		case choice > 0:
			sk := cands[choice-1]
			r.reuseTried[sk.Name] = true
			a := session.ToolCall(toolRunSkill, map[string]string{"name": sk.Name})
			a.Rationale = "router chose to reuse a registered skill"
			r.planned = &a
			it.Action = &a
			it.Reflection = fmt.Sprintf("reusing skill %s v%d", sk.Name, sk.Version)
			return stepResult{it: it}, Outcome{Planned: true}
		}
	}

	a, note, err := r.propose(ctx, session.StatePlan)
	if err != nil {
		sr := r.modelFailure(ctx, it, err)
		return sr, Outcome{Fatal: sr.status != ""}
	}
	it.Action = &a
	it.Reflection = note

	switch a.Kind {
	case session.ActionCompletion:
		return stepResult{it: it, reason: completionReason(a)}, Outcome{Complete: true}
	case session.ActionClarification:
		r.feedback = clarifyReply
		it.Reflection = joinNotes(note, "clarification requested; continuing on assumptions")
		return stepResult{it: it}, Outcome{}
	default:
		r.planned = &a
		return stepResult{it: it}, Outcome{Planned: true}
	}
}

// act carries out the planned action. This is the only state that runs code.
func (r *run) act(ctx context.Context) (stepResult, Outcome) {
	it := r.begin()
	if r.planned == nil {
		it.Error = &session.IterationError{Kind: session.ErrorTool, Message: "nothing was planned"}
		return stepResult{it: it}, Outcome{Fatal: true}
	}
	a := *r.planned
	r.planned = nil
	it.Action = &a

	last := &attempt{action: a}
	switch a.Kind {
	case session.ActionInlineCode:
		res := r.runCode(ctx, &it, a.Code, a.SkillName)
		last.result, last.succeeded = res, res.Succeeded()
	case session.ActionToolCall:
		out := r.dispatch(ctx, &it, a)
		it.Reflection = out.note
		last.result, last.succeeded = it.Result, out.succeeded
	default:
		it.Error = &session.IterationError{Kind: session.ErrorTool, Message: fmt.Sprintf("cannot act on %s", a.Kind)}
	}
	last.verdict = it.Verdict
	r.last = last

	if !last.succeeded {
		if sr := r.afterExecution(ctx, it); sr.status != "" {
			return sr, Outcome{Fatal: true}
		}
		return stepResult{it: it}, Outcome{}
	}
	return stepResult{it: it, productive: true}, Outcome{Succeeded: true}
}

// observe records what the last ACT produced. It makes no model call.
func (r *run) observe(ctx context.Context) (stepResult, Outcome) {
	it := r.begin()
	last := r.last
	if last == nil {
		it.Reflection = "nothing to observe"
		return stepResult{it: it}, Outcome{}
	}

	var notes []string
	switch {
	case last.verdict != nil && !last.verdict.Allowed():
		notes = append(notes, "rejected by the safety gate: "+last.verdict.String())
	case last.result != nil:
		notes = append(notes, fmt.Sprintf("exit %d, %s", last.result.ExitCode, last.result.Class))
		if out := strings.TrimSpace(last.result.Stdout); out != "" {
			notes = append(notes, "stdout: "+clip(out, 300))
		}
		if last.result.Detail != "" {
			notes = append(notes, "detail: "+clip(last.result.Detail, 300))
		}
	default:
		notes = append(notes, last.action.String())
	}
	if last.succeeded && last.action.Kind == session.ActionInlineCode {
		notes = append(notes, r.accept(ctx, last.action))
	}
	it.Reflection = joinNotes(notes...)
	return stepResult{it: it}, Outcome{Succeeded: last.succeeded}
}

// reflect decides whether the directive is satisfied.
func (r *run) reflect(ctx context.Context) (stepResult, Outcome) {
	it := r.begin()
	last := r.last
	r.last = nil

	if last == nil || !last.succeeded {
		it.Reflection = "last attempt did not succeed; replanning"
		return stepResult{it: it}, Outcome{}
	}

	ranCode := last.action.Kind == session.ActionInlineCode ||
		(last.action.Kind == session.ActionToolCall && last.action.Tool == toolRunSkill)
	if !ranCode {
		it.Reflection = "tool call finished; replanning"
		return stepResult{it: it}, Outcome{Succeeded: true}
	}
	if r.o.cfg.CompleteOnSuccess {
		it.Reflection = "code ran successfully"
		return stepResult{it: it, reason: "code ran successfully"}, Outcome{Succeeded: true, Complete: true}
	}

	question := fmt.Sprintf("The last step succeeded. Is this directive now satisfied?\n\n%s\n\nLast output:\n%s",
		r.d.Text, clip(resultStdout(last), 600))
	cons, err := r.o.models.Vote(ctx, question, []string{"complete", "retry_plan"})
	if err != nil {
		if ctx.Err() != nil {
			sr := r.modelFailure(ctx, it, err)
			return sr, Outcome{Fatal: true}
		}
		// A successful run stands when the vote cannot decide.
		it.Reflection = "vote failed; accepting the successful run"
		r.o.logger.Warn(ctx, "reflect vote failed", zap.Error(err))
		return stepResult{it: it, reason: "code ran successfully"}, Outcome{Succeeded: true, Complete: true}
	}
	if cons.Choice == 0 {
		it.Reflection = fmt.Sprintf("voters judged the directive complete %v", cons.Votes)
		return stepResult{it: it, reason: "voters judged the directive complete"}, Outcome{Succeeded: true, Complete: true}
	}
	it.Reflection = fmt.Sprintf("voters asked for another plan %v", cons.Votes)
	return stepResult{it: it}, Outcome{Succeeded: true}
}

// reuseCandidates returns registered skills that look relevant to the
// directive and have not been tried this session.
func (r *run) reuseCandidates(ctx context.Context) []skills.Skill {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(r.d.Text), func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_')
	}) {
		if len(w) >= 4 {
			words[w] = true
		}
	}

	var out []skills.Skill
	seen := map[string]bool{}
	add := func(sk skills.Skill) {
		if len(out) >= maxReuseCandidates || seen[sk.Name] || r.reuseTried[sk.Name] {
			return
		}
		seen[sk.Name] = true
		out = append(out, sk)
	}

	for _, sk := range r.o.skills.List() {
		if words[strings.ToLower(sk.Name)] {
			add(sk)
			continue
		}
		for _, c := range sk.Capabilities {
			if words[strings.ToLower(c)] {
				add(sk)
				break
			}
		}
	}

	if r.o.search != nil && len(out) < maxReuseCandidates {
		matches, err := r.o.search.Search(ctx, r.d.Text, maxReuseCandidates)
		if err != nil {
			r.o.logger.Debug(ctx, "skill search unavailable", zap.Error(err))
		}
		for _, m := range matches {
			if m.Score >= minSearchScore {
				add(m.Skill)
			}
		}
	}
	return out
}

func resultStdout(a *attempt) string {
	if a.result == nil {
		return ""
	}
	return a.result.Stdout
}
