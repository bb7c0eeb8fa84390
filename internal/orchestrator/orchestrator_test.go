package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/executor"
	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/memory"
	"github.com/Xzeroone/The-Swarm/internal/model"
	"github.com/Xzeroone/The-Swarm/internal/safety"
	"github.com/Xzeroone/The-Swarm/internal/secrets"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/Xzeroone/The-Swarm/internal/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// scriptedModels stands in for the Model Client.
type scriptedModels struct {
	intent  model.Intent
	answer  string
	propose func(n int, pc model.Context) (session.Action, error)
	route   func(options []string) (int, error)
	vote    func(candidates []string) (model.Consensus, error)

	mu       sync.Mutex
	contexts []model.Context
	routed   [][]string
	voted    [][]string
}

func (m *scriptedModels) Propose(_ context.Context, pc model.Context) (session.Action, error) {
	m.mu.Lock()
	m.contexts = append(m.contexts, pc)
	n := len(m.contexts)
	m.mu.Unlock()
	if m.propose == nil {
		return session.Completion("nothing to do"), nil
	}
	return m.propose(n, pc)
}

func (m *scriptedModels) Route(_ context.Context, _ string, options []string) (int, error) {
	m.mu.Lock()
	m.routed = append(m.routed, options)
	m.mu.Unlock()
	if m.route == nil {
		return 0, nil
	}
	return m.route(options)
}

func (m *scriptedModels) Vote(_ context.Context, _ string, candidates []string) (model.Consensus, error) {
	m.mu.Lock()
	m.voted = append(m.voted, candidates)
	m.mu.Unlock()
	if m.vote == nil {
		return model.Consensus{}, nil
	}
	return m.vote(candidates)
}

func (m *scriptedModels) Intent(context.Context, string) model.Intent {
	if m.intent == "" {
		return model.IntentTask
	}
	return m.intent
}

func (m *scriptedModels) Answer(context.Context, string) (string, error) {
	return m.answer, nil
}

func (m *scriptedModels) CoderFor(model.Complexity) (string, error) { return "coder", nil }

func (m *scriptedModels) proposeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// sequence returns each action in turn and repeats the last one.
func sequence(actions ...session.Action) func(int, model.Context) (session.Action, error) {
	return func(n int, _ model.Context) (session.Action, error) {
		if n > len(actions) {
			n = len(actions)
		}
		return actions[n-1], nil
	}
}

func code(src string) session.Action {
	a := session.InlineCode(src)
	a.SkillName = "test_skill"
	return a
}

// countingStore counts Finalize calls and can fail appends.
type countingStore struct {
	memory.Store
	finalizes  atomic.Int32
	failAppend error
}

func (s *countingStore) Append(ctx context.Context, h *memory.Handle, it session.Iteration) error {
	if s.failAppend != nil {
		return s.failAppend
	}
	return s.Store.Append(ctx, h, it)
}

func (s *countingStore) Finalize(ctx context.Context, h *memory.Handle, f memory.Final) error {
	s.finalizes.Add(1)
	return s.Store.Finalize(ctx, h, f)
}

type harness struct {
	orch   *Orchestrator
	store  *countingStore
	reg    *skills.Registry
	logger *logging.TestLogger
}

func newHarness(t *testing.T, m Models, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Executor.Runtime = "starlark"
	cfg.Executor.Timeout = config.Duration(2 * time.Second)
	if mutate != nil {
		mutate(cfg)
	}

	p, err := safety.PolicyFromConfig(cfg.Safety, cfg.Executor)
	require.NoError(t, err)
	gate, err := safety.New(p)
	require.NoError(t, err)

	logger := logging.NewTestLogger()
	exec := executor.New(gate, executor.NewStarlarkRunner(cfg.Executor), logger.Logger)

	base, err := memory.New(config.MemoryConfig{Backend: "file"}, t.TempDir(), secrets.MustNew(nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	store := &countingStore{Store: base}

	reg, err := skills.Open(t.TempDir(), nil)
	require.NoError(t, err)

	o, err := New(cfg.Agent, t.TempDir(), Deps{
		Models:   m,
		Gate:     gate,
		Executor: exec,
		Memory:   store,
		Skills:   reg,
		Logger:   logger.Logger,
	})
	require.NoError(t, err)
	return &harness{orch: o, store: store, reg: reg, logger: logger}
}

func directive(t *testing.T, text string) session.Directive {
	t.Helper()
	d, err := session.NewDirective(text)
	require.NoError(t, err)
	return d
}

func graphMode(cfg *config.Config) { cfg.Agent.Mode = "graph" }

func TestRun_CompletesWhenFirstProposalRuns(t *testing.T) {
	reply := `{"action": "inline_code", "code": "def add(a, b):\n    return a + b\nprint(add(2, 3))", "skill_name": "add_numbers", "capabilities": ["math"]}`
	backend := backendFunc(func(_ context.Context, req model.Request) (string, error) {
		if req.Model != "coder" {
			return "", fmt.Errorf("unexpected model %s", req.Model)
		}
		return reply, nil
	})
	client, err := model.NewClient(backend, config.ModelsConfig{
		Primary:        "coder",
		Router:         "router",
		Voters:         []string{"router"},
		RequestTimeout: config.Duration(time.Second),
	}, nil)
	require.NoError(t, err)

	h := newHarness(t, client, nil)
	rec, err := h.orch.Run(context.Background(), directive(t, "create a function that adds two numbers"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	require.Len(t, rec.Iterations, 1)
	it := rec.Iterations[0]
	require.NotNil(t, it.Result)
	assert.Equal(t, session.ClassSuccess, it.Result.Class)
	assert.Equal(t, "5\n", it.Result.Stdout)
	assert.Equal(t, session.VerdictAllowed, it.Verdict.Kind)
	assert.NotNil(t, rec.FinalizedAt)
	assert.Empty(t, rec.FinalState)

	sk, err := h.reg.Lookup("add_numbers")
	require.NoError(t, err)
	assert.Equal(t, 1, sk.Version)
	assert.Equal(t, []string{"math"}, sk.Capabilities)
	assert.Contains(t, it.Reflection, "registered as skill add_numbers v1")

	h.logger.AssertLogged(t, zapcore.InfoLevel, "session finished")
}

type backendFunc func(ctx context.Context, req model.Request) (string, error)

func (f backendFunc) Generate(ctx context.Context, req model.Request) (string, error) {
	return f(ctx, req)
}

func TestRun_BlockedCodeIsNotExecuted(t *testing.T) {
	m := &scriptedModels{propose: sequence(
		code("import subprocess\nsubprocess.run(['ls'])"),
		code("print('listed')"),
	)}
	h := newHarness(t, m, nil)

	rec, err := h.orch.Run(context.Background(), directive(t, "write a skill that lists files"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	require.Len(t, rec.Iterations, 2)

	blocked := rec.Iterations[0]
	require.NotNil(t, blocked.Verdict)
	assert.Equal(t, session.VerdictBlockedByPattern, blocked.Verdict.Kind)
	assert.Equal(t, "process-modules", blocked.Verdict.RuleID)
	assert.Nil(t, blocked.Result)
	require.NotNil(t, blocked.Error)
	assert.Equal(t, session.ErrorSafetyViolation, blocked.Error.Kind)

	require.Len(t, m.contexts, 2)
	assert.Contains(t, m.contexts[1].Feedback, "safety gate rejected")
	assert.Len(t, m.contexts[1].Iterations, 1)

	assert.Equal(t, session.ClassSuccess, rec.Iterations[1].Result.Class)
}

func TestRun_TimeoutContinuesToNextIteration(t *testing.T) {
	m := &scriptedModels{propose: sequence(
		code("while True:\n    pass"),
		code("print('done')"),
	)}
	h := newHarness(t, m, func(cfg *config.Config) {
		cfg.Executor.Timeout = config.Duration(100 * time.Millisecond)
		cfg.Executor.StarlarkMaxSteps = 0
	})

	rec, err := h.orch.Run(context.Background(), directive(t, "write a loop"))
	require.NoError(t, err)

	require.Len(t, rec.Iterations, 2)
	first := rec.Iterations[0]
	require.NotNil(t, first.Result)
	assert.Equal(t, session.ClassTimeout, first.Result.Class)
	require.NotNil(t, first.Error)
	assert.Equal(t, session.ErrorExecutionTimeout, first.Error.Kind)
	assert.Contains(t, m.contexts[1].Feedback, "terminates quickly")
	assert.Equal(t, session.StatusDone, rec.Status)
}

func TestRun_GraphExhaustsIterationCap(t *testing.T) {
	m := &scriptedModels{propose: sequence(code("print('hi')"))}
	h := newHarness(t, m, func(cfg *config.Config) {
		graphMode(cfg)
		cfg.Agent.MaxIterations = 3
	})

	var next []session.State
	h.orch.OnProgress(func(p Progress) { next = append(next, p.Next) })

	rec, err := h.orch.Run(context.Background(), directive(t, "print a greeting forever"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusExhausted, rec.Status)
	require.Len(t, rec.Iterations, 3)
	assert.Equal(t, session.StatePlan, rec.Iterations[0].State)
	assert.Equal(t, session.StateAct, rec.Iterations[1].State)
	assert.Equal(t, session.StateObserve, rec.Iterations[2].State)
	assert.NotEqual(t, session.StateDone, rec.FinalState)
	assert.Equal(t, session.StateReflect, rec.FinalState)
	assert.Equal(t, []session.State{session.StateAct, session.StateObserve, session.StateReflect}, next)
	assert.NoError(t, rec.CheckContiguous())
}

func TestRun_GraphCompletesAfterReflect(t *testing.T) {
	m := &scriptedModels{propose: sequence(code("print(6 * 7)"))}
	h := newHarness(t, m, graphMode)

	rec, err := h.orch.Run(context.Background(), directive(t, "multiply six by seven"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	assert.Equal(t, session.StateDone, rec.FinalState)
	require.Len(t, rec.Iterations, 4)
	states := make([]session.State, len(rec.Iterations))
	for i, it := range rec.Iterations {
		states[i] = it.State
	}
	assert.Equal(t, []session.State{session.StatePlan, session.StateAct, session.StateObserve, session.StateReflect}, states)
	assert.Equal(t, "42\n", rec.Iterations[1].Result.Stdout)
	assert.Nil(t, rec.Iterations[2].Result, "OBSERVE does not execute")
	assert.Equal(t, 1, m.proposeCalls())
}

func TestRun_GraphVotesWhenSuccessDoesNotComplete(t *testing.T) {
	m := &scriptedModels{
		propose: sequence(code("print(1)")),
		vote: func([]string) (model.Consensus, error) {
			return model.Consensus{Choice: 0, Votes: []int{0, 0, 1}, Majority: true}, nil
		},
	}
	h := newHarness(t, m, func(cfg *config.Config) {
		graphMode(cfg)
		cfg.Agent.CompleteOnSuccess = false
	})

	rec, err := h.orch.Run(context.Background(), directive(t, "print one"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	require.Len(t, m.voted, 1)
	assert.Equal(t, []string{"complete", "retry_plan"}, m.voted[0])
	assert.Contains(t, rec.Iterations[3].Reflection, "complete")
}

func TestRun_GraphFailedVoteAcceptsSuccessfulRun(t *testing.T) {
	m := &scriptedModels{
		propose: sequence(code("print(1)"), code("print(2)")),
		vote: func([]string) (model.Consensus, error) {
			return model.Consensus{}, errors.New("all voters unavailable")
		},
	}
	h := newHarness(t, m, func(cfg *config.Config) {
		graphMode(cfg)
		cfg.Agent.CompleteOnSuccess = false
	})

	rec, err := h.orch.Run(context.Background(), directive(t, "print one"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	require.Len(t, rec.Iterations, 4)
	assert.Equal(t, session.StateReflect, rec.Iterations[3].State)
	assert.Contains(t, rec.Iterations[3].Reflection, "vote failed")
	assert.Equal(t, 1, m.proposeCalls(), "no second plan after a failed vote")
}

func TestRun_GraphReusesRegisteredSkill(t *testing.T) {
	m := &scriptedModels{route: func(options []string) (int, error) { return 1, nil }}
	h := newHarness(t, m, graphMode)
	_, err := h.reg.Register(context.Background(), skills.Skill{
		Name:         "adder",
		Content:      "print(2 + 3)",
		Capabilities: []string{"addition"},
		Description:  "adds two numbers",
	})
	require.NoError(t, err)

	rec, err := h.orch.Run(context.Background(), directive(t, "perform addition of two numbers"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	assert.Zero(t, m.proposeCalls(), "reuse needs no new code")
	require.Len(t, m.routed, 1)
	assert.Equal(t, optionWriteNew, m.routed[0][0])
	assert.Contains(t, m.routed[0][1], "adder v1")

	act := rec.Iterations[1]
	require.NotNil(t, act.Action)
	assert.Equal(t, session.ActionToolCall, act.Action.Kind)
	assert.Equal(t, toolRunSkill, act.Action.Tool)
	assert.Equal(t, "5\n", act.Result.Stdout)
}

type skipObserve struct{ DefaultProgression }

func (p skipObserve) Next(from session.State, o Outcome) session.State {
	if from == session.StateAct {
		return session.StateReflect
	}
	return p.DefaultProgression.Next(from, o)
}

func TestRun_GraphRejectsIllegalTransition(t *testing.T) {
	m := &scriptedModels{propose: sequence(code("print(1)"))}
	h := newHarness(t, m, graphMode)
	h.orch.SetProgression(skipObserve{})

	rec, err := h.orch.Run(context.Background(), directive(t, "print one"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, session.StateFailed, rec.FinalState)
	assert.Contains(t, rec.Reason, "illegal transition ACT -> REFLECT")
	assert.Len(t, rec.Iterations, 2)
}

func TestRun_MalformedRetriesExhausted(t *testing.T) {
	m := &scriptedModels{propose: func(int, model.Context) (session.Action, error) {
		return session.Action{}, &model.MalformedError{Reason: "no JSON object", Raw: "sure, here you go"}
	}}
	h := newHarness(t, m, nil)

	rec, err := h.orch.Run(context.Background(), directive(t, "build a parser"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "malformed response retries exhausted", rec.Reason)
	require.Len(t, rec.Iterations, 3)
	for _, it := range rec.Iterations {
		require.NotNil(t, it.Error)
		assert.Equal(t, session.ErrorMalformedResponse, it.Error.Kind)
		assert.Equal(t, "sure, here you go", it.Error.Raw)
	}
	assert.Contains(t, m.contexts[1].Feedback, "exactly one JSON object")
}

func TestRun_ModelUnavailableFails(t *testing.T) {
	m := &scriptedModels{propose: func(int, model.Context) (session.Action, error) {
		return session.Action{}, fmt.Errorf("%w: coder after 4 attempt(s): connection refused", model.ErrModelUnavailable)
	}}
	h := newHarness(t, m, nil)

	rec, err := h.orch.Run(context.Background(), directive(t, "fix the bug"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "model unavailable", rec.Reason)
	require.Len(t, rec.Iterations, 1)
	assert.Equal(t, session.ErrorModelUnavailable, rec.Iterations[0].Error.Kind)
}

func TestRun_ConsecutiveFailureBudget(t *testing.T) {
	m := &scriptedModels{propose: sequence(code(`fail("boom")`))}
	h := newHarness(t, m, func(cfg *config.Config) {
		cfg.Agent.MaxConsecutiveFailures = 2
	})

	rec, err := h.orch.Run(context.Background(), directive(t, "write a failing script"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "2 consecutive failed iterations", rec.Reason)
	require.Len(t, rec.Iterations, 2)
	assert.Equal(t, session.ErrorExecutionError, rec.Iterations[0].Error.Kind)
	assert.Equal(t, session.ClassRuntimeError, rec.Iterations[0].Result.Class)
	assert.Contains(t, m.contexts[1].Feedback, "boom")
}

func TestRun_CancellationFinalizesOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &scriptedModels{propose: func(int, model.Context) (session.Action, error) {
		cancel()
		return session.Action{}, ctx.Err()
	}}
	h := newHarness(t, m, nil)
	d := directive(t, "write a long job")

	rec, err := h.orch.Run(ctx, d)
	require.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, rec)
	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "cancelled", rec.Reason)
	require.Len(t, rec.Iterations, 1)
	assert.Equal(t, session.ErrorCancelled, rec.Iterations[0].Error.Kind)
	assert.Equal(t, int32(1), h.store.finalizes.Load())

	stored, err := h.store.Load(context.Background(), d.SessionID)
	require.NoError(t, err)
	assert.True(t, stored.Finalized())
}

func TestRun_FinalizesExactlyOnce(t *testing.T) {
	for _, mode := range []string{"model-central", "graph"} {
		t.Run(mode, func(t *testing.T) {
			m := &scriptedModels{propose: sequence(code("print(1)"))}
			h := newHarness(t, m, func(cfg *config.Config) { cfg.Agent.Mode = mode })

			_, err := h.orch.Run(context.Background(), directive(t, "print one"))
			require.NoError(t, err)
			assert.Equal(t, int32(1), h.store.finalizes.Load())
		})
	}
}

func TestRun_PersistenceFailureFailsSession(t *testing.T) {
	m := &scriptedModels{propose: sequence(code("print(1)"))}
	h := newHarness(t, m, nil)
	h.store.failAppend = fmt.Errorf("%w: disk full", memory.ErrMemoryPersistence)

	rec, err := h.orch.Run(context.Background(), directive(t, "print one"))
	require.ErrorIs(t, err, memory.ErrMemoryPersistence)
	require.NotNil(t, rec)
	assert.Equal(t, session.StatusFailed, rec.Status)
	assert.Equal(t, "persistence failure", rec.Reason)
	assert.Empty(t, rec.Iterations)
	assert.Equal(t, int32(1), h.store.finalizes.Load())
}

func TestRun_ChatDirectiveIsAnswered(t *testing.T) {
	m := &scriptedModels{intent: model.IntentChat, answer: "Hello! How can I help?"}
	h := newHarness(t, m, nil)

	rec, err := h.orch.Run(context.Background(), directive(t, "hello"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	require.Len(t, rec.Iterations, 1)
	require.NotNil(t, rec.Iterations[0].Action)
	assert.Equal(t, session.ActionCompletion, rec.Iterations[0].Action.Kind)
	assert.Equal(t, "Hello! How can I help?", rec.Iterations[0].Action.Summary)
	assert.Zero(t, m.proposeCalls())
}

func TestRun_ClarificationIsNotTerminal(t *testing.T) {
	m := &scriptedModels{propose: sequence(
		session.Clarification("which language?"),
		session.Completion("assumed python"),
	)}
	h := newHarness(t, m, nil)

	rec, err := h.orch.Run(context.Background(), directive(t, "write a sorter"))
	require.NoError(t, err)

	assert.Equal(t, session.StatusDone, rec.Status)
	assert.Equal(t, "assumed python", rec.Reason)
	require.Len(t, rec.Iterations, 2)
	assert.False(t, rec.Iterations[0].Failed())
	assert.Contains(t, m.contexts[1].Feedback, "No operator")
}

func TestRun_ProposalsResolvedByVote(t *testing.T) {
	m := &scriptedModels{
		propose: sequence(code("print('a')"), code("print('b')"), code("print('b')")),
		vote: func(candidates []string) (model.Consensus, error) {
			return model.Consensus{Choice: 1, Votes: []int{1, 1, 0}, Majority: true}, nil
		},
	}
	h := newHarness(t, m, func(cfg *config.Config) { cfg.Agent.Proposals = 3 })

	rec, err := h.orch.Run(context.Background(), directive(t, "print a letter"))
	require.NoError(t, err)

	require.Len(t, m.voted, 1)
	assert.Len(t, m.voted[0], 2, "duplicate proposals are merged")
	require.Len(t, rec.Iterations, 1)
	assert.Equal(t, "b\n", rec.Iterations[0].Result.Stdout)
	assert.Contains(t, rec.Iterations[0].Reflection, "chosen by vote")
}

func TestRun_NoMajorityKeepsPrimaryProposal(t *testing.T) {
	m := &scriptedModels{
		propose: sequence(code("print('a')"), code("print('b')")),
		vote: func([]string) (model.Consensus, error) {
			return model.Consensus{Choice: 0, Votes: []int{0, 1, -1}}, nil
		},
	}
	h := newHarness(t, m, func(cfg *config.Config) { cfg.Agent.Proposals = 2 })

	rec, err := h.orch.Run(context.Background(), directive(t, "print a letter"))
	require.NoError(t, err)
	assert.Equal(t, "a\n", rec.Iterations[0].Result.Stdout)
	assert.Contains(t, rec.Iterations[0].Reflection, "no majority")
}

func TestRun_ToolDispatch(t *testing.T) {
	m := &scriptedModels{propose: sequence(
		session.ToolCall("rm_rf", nil),
		session.ToolCall(toolRunSkill, map[string]string{"name": "missing"}),
		code("print('x')"),
		session.ToolCall(toolSaveSkill, map[string]string{"name": "printer", "capabilities": "output, demo"}),
		session.ToolCall(toolListSkills, map[string]string{"capability": "demo"}),
		session.ToolCall(toolRunSkill, map[string]string{"name": "printer"}),
	)}
	h := newHarness(t, m, func(cfg *config.Config) {
		cfg.Agent.CompleteOnSuccess = false
		cfg.Agent.RegisterAccepted = false
		cfg.Agent.MaxIterations = 6
	})

	rec, err := h.orch.Run(context.Background(), directive(t, "write a printer"))
	require.NoError(t, err)
	require.Len(t, rec.Iterations, 6)

	assert.Equal(t, session.ErrorTool, rec.Iterations[0].Error.Kind)
	assert.Contains(t, rec.Iterations[0].Error.Message, "unknown tool")
	assert.Equal(t, session.ErrorSkillNotFound, rec.Iterations[1].Error.Kind)
	assert.Nil(t, rec.Iterations[2].Error)
	assert.Contains(t, rec.Iterations[3].Reflection, "saved skill printer v1")
	assert.Contains(t, rec.Iterations[4].Reflection, "printer v1 [demo, output]")
	assert.Equal(t, "x\n", rec.Iterations[5].Result.Stdout)
	assert.Equal(t, session.StatusExhausted, rec.Status)

	sk, err := h.reg.Lookup("printer")
	require.NoError(t, err)
	assert.Equal(t, "print('x')", sk.Content)
}

func TestRun_SaveSkillIsVetted(t *testing.T) {
	m := &scriptedModels{propose: sequence(
		session.ToolCall(toolSaveSkill, map[string]string{"name": "bad", "code": "eval('1')"}),
		session.Completion("gave up"),
	)}
	h := newHarness(t, m, nil)

	rec, err := h.orch.Run(context.Background(), directive(t, "save a skill"))
	require.NoError(t, err)

	assert.Equal(t, session.ErrorSafetyViolation, rec.Iterations[0].Error.Kind)
	assert.Equal(t, "dynamic-eval", rec.Iterations[0].Verdict.RuleID)
	_, err = h.reg.Lookup("bad")
	assert.True(t, errors.Is(err, skills.ErrSkillNotFound))
}

func TestRun_EmptyDirective(t *testing.T) {
	h := newHarness(t, &scriptedModels{}, nil)
	_, err := h.orch.Run(context.Background(), session.Directive{SessionID: "s", Text: "  "})
	assert.ErrorIs(t, err, session.ErrEmptyDirective)
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, &scriptedModels{}, nil)
	deps := Deps{
		Models:   &scriptedModels{},
		Gate:     h.orch.gate,
		Executor: h.orch.exec,
		Memory:   h.store,
		Skills:   h.reg,
	}
	cfg := config.Default().Agent

	_, err := New(cfg, t.TempDir(), deps)
	require.NoError(t, err)

	bad := cfg
	bad.Mode = "swarm"
	_, err = New(bad, t.TempDir(), deps)
	assert.Error(t, err)

	bad = cfg
	bad.MaxIterations = 0
	_, err = New(bad, t.TempDir(), deps)
	assert.Error(t, err)

	noModels := deps
	noModels.Models = nil
	_, err = New(cfg, t.TempDir(), noModels)
	assert.Error(t, err)

	_, err = New(cfg, "", deps)
	assert.Error(t, err)
}

func TestDefaultProgression(t *testing.T) {
	p := DefaultProgression{}
	tests := []struct {
		from session.State
		o    Outcome
		want session.State
	}{
		{session.StatePlan, Outcome{Planned: true}, session.StateAct},
		{session.StatePlan, Outcome{}, session.StatePlan},
		{session.StatePlan, Outcome{Complete: true}, session.StateDone},
		{session.StateAct, Outcome{}, session.StateObserve},
		{session.StateAct, Outcome{Succeeded: true}, session.StateObserve},
		{session.StateObserve, Outcome{}, session.StateReflect},
		{session.StateReflect, Outcome{}, session.StatePlan},
		{session.StateReflect, Outcome{Complete: true}, session.StateDone},
		{session.StateAct, Outcome{Fatal: true}, session.StateFailed},
	}
	for _, tt := range tests {
		got := p.Next(tt.from, tt.o)
		assert.Equal(t, tt.want, got, "%s %+v", tt.from, tt.o)
		assert.True(t, Legal(tt.from, got))
	}

	assert.False(t, Legal(session.StateAct, session.StateDone))
	assert.False(t, Legal(session.StateDone, session.StatePlan))
	assert.False(t, Legal(session.StateObserve, session.StatePlan))
}

func TestSkillNameFor(t *testing.T) {
	assert.Equal(t, "create_a_function_that_adds_two", skillNameFor("create a function that adds two numbers"))
	assert.Equal(t, "sort", skillNameFor("sort"))
}
