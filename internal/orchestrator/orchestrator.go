package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/executor"
	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/memory"
	"github.com/Xzeroone/The-Swarm/internal/model"
	"github.com/Xzeroone/The-Swarm/internal/safety"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/Xzeroone/The-Swarm/internal/skills"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Xzeroone/The-Swarm/internal/orchestrator")

// Models is the part of the Model Client the loop depends on.
type Models interface {
	Propose(ctx context.Context, pc model.Context) (session.Action, error)
	Route(ctx context.Context, question string, candidates []string) (int, error)
	Vote(ctx context.Context, question string, candidates []string) (model.Consensus, error)
	Intent(ctx context.Context, text string) model.Intent
	Answer(ctx context.Context, text string) (string, error)
	CoderFor(cx model.Complexity) (string, error)
}

// Runner executes candidate code after vetting it.
type Runner interface {
	Run(ctx context.Context, req executor.Request) (session.ExecutionResult, session.Verdict)
	Runtime() string
}

var (
	_ Models = (*model.Client)(nil)
	_ Runner = (*executor.Executor)(nil)
)

// Deps are the collaborators of an Orchestrator. Search is optional.
type Deps struct {
	Models   Models
	Gate     safety.Vetter
	Executor Runner
	Memory   memory.Store
	Skills   *skills.Registry
	Search   *skills.Searcher
	Logger   *logging.Logger
}

// Progress is reported after every recorded iteration.
type Progress struct {
	SessionID string
	Iteration session.Iteration
	Next      session.State // graph mode only
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(Progress)

// Orchestrator runs sessions. Sessions share nothing but the skill
// registry, so one Orchestrator may run several concurrently.
type Orchestrator struct {
	cfg  config.AgentConfig
	mode session.Mode
	root string

	models   Models
	gate     safety.Vetter
	exec     Runner
	memory   memory.Store
	skills   *skills.Registry
	search   *skills.Searcher
	logger   *logging.Logger
	tools    map[string]tool
	progress ProgressCallback
	policy   Progression
}

// New validates cfg and wires the collaborators. workspaceRoot holds one
// directory per session.
func New(cfg config.AgentConfig, workspaceRoot string, d Deps) (*Orchestrator, error) {
	mode, err := session.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	switch {
	case d.Models == nil:
		return nil, errors.New("model client is required")
	case d.Gate == nil:
		return nil, errors.New("safety gate is required")
	case d.Executor == nil:
		return nil, errors.New("executor is required")
	case d.Memory == nil:
		return nil, errors.New("memory store is required")
	case d.Skills == nil:
		return nil, errors.New("skill registry is required")
	case workspaceRoot == "":
		return nil, errors.New("workspace root is required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max iterations must be >= 1, got %d", cfg.MaxIterations)
	}
	if cfg.MaxConsecutiveFailures < 1 {
		cfg.MaxConsecutiveFailures = cfg.MaxIterations
	}
	if cfg.Proposals < 1 {
		cfg.Proposals = 1
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Orchestrator{
		cfg:    cfg,
		mode:   mode,
		root:   workspaceRoot,
		models: d.Models,
		gate:   d.Gate,
		exec:   d.Executor,
		memory: d.Memory,
		skills: d.Skills,
		search: d.Search,
		logger: logger.Named("orchestrator"),
		tools:  defaultTools(),
		policy: DefaultProgression{},
	}, nil
}

// Mode returns the mode every session of this orchestrator runs in.
func (o *Orchestrator) Mode() session.Mode { return o.mode }

// OnProgress sets the progress callback. It is called synchronously.
func (o *Orchestrator) OnProgress(cb ProgressCallback) { o.progress = cb }

// SetProgression replaces the graph-mode progression policy.
func (o *Orchestrator) SetProgression(p Progression) {
	if p != nil {
		o.policy = p
	}
}

// Run drives d to a terminal status and returns the finalized record. The
// error is non-nil only when the run was cancelled or the record could not
// be persisted; every other outcome is reported through the record status.
func (o *Orchestrator) Run(ctx context.Context, d session.Directive) (*session.Record, error) {
	if d.SessionID == "" || strings.TrimSpace(d.Text) == "" {
		return nil, session.ErrEmptyDirective
	}
	ctx = logging.WithSessionID(ctx, d.SessionID)
	ctx, span := tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("session.id", d.SessionID),
		attribute.String("mode", string(o.mode))))
	defer span.End()

	activeSessions.Inc()
	defer activeSessions.Dec()

	h, err := o.memory.Open(ctx, d)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	r := &run{
		o:          o,
		d:          d,
		h:          h,
		rec:        &session.Record{Directive: d},
		workspace:  filepath.Join(o.root, d.SessionID),
		state:      session.StatePlan,
		reuseTried: map[string]bool{},
	}
	o.logger.Info(ctx, "session started",
		zap.String("mode", string(o.mode)), logging.Snippet("directive", d.Text, 120))

	status, reason, runErr := r.loop(ctx)

	fin := memory.Final{Status: status, Reason: reason}
	if o.mode == session.ModeGraph {
		fin.FinalState = r.state
	}
	// Finalize even when ctx is cancelled; a session always ends with a record.
	fctx := context.WithoutCancel(ctx)
	ferr := o.memory.Finalize(fctx, h, fin)

	rec := r.rec
	rec.Status, rec.Reason, rec.FinalState = fin.Status, fin.Reason, fin.FinalState
	if ferr != nil {
		runErr = errors.Join(runErr, ferr)
	} else {
		now := time.Now().UTC()
		rec.FinalizedAt = &now
		if loaded, err := o.memory.Load(fctx, d.SessionID); err == nil {
			rec = loaded
		}
	}

	sessionsTotal.WithLabelValues(string(status)).Inc()
	span.SetAttributes(
		attribute.String("status", string(status)),
		attribute.Int("iterations", len(rec.Iterations)))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, reason)
	}
	o.logger.Info(ctx, "session finished",
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("iterations", len(rec.Iterations)))
	return rec, runErr
}

// run is the mutable state of one session. It is confined to the goroutine
// calling Run.
type run struct {
	o         *Orchestrator
	d         session.Directive
	h         *memory.Handle
	rec       *session.Record
	workspace string
	coder     string

	state      session.State   // graph mode
	planned    *session.Action // graph mode: chosen at PLAN, carried out at ACT
	last       *attempt        // graph mode: outcome of the latest ACT
	reuseTried map[string]bool

	feedback     string
	failures     int
	malformed    int
	lastAccepted string
}

// attempt is what an ACT step did.
type attempt struct {
	action    session.Action
	result    *session.ExecutionResult
	verdict   *session.Verdict
	succeeded bool
}

// stepResult is the outcome of one iteration. A non-empty status ends the
// session after the iteration is recorded.
type stepResult struct {
	it         session.Iteration
	status     session.Status
	reason     string
	err        error
	productive bool
}

func (r *run) loop(ctx context.Context) (session.Status, string, error) {
	if err := os.MkdirAll(filepath.Join(r.workspace, "scratch"), 0o700); err != nil {
		return session.StatusFailed, "workspace unavailable", fmt.Errorf("create session workspace: %w", err)
	}

	if r.o.models.Intent(ctx, r.d.Text) == model.IntentChat {
		return r.chat(ctx)
	}

	cx := model.EstimateComplexity(r.d.Text)
	coder, err := r.o.models.CoderFor(cx)
	if err != nil {
		return session.StatusFailed, "no model can take this task: " + err.Error(), nil
	}
	r.coder = coder
	r.o.logger.Debug(ctx, "selected coder",
		zap.String("model", coder), zap.String("complexity", string(cx)))

	for {
		if err := ctx.Err(); err != nil {
			return session.StatusFailed, "cancelled", err
		}
		if len(r.rec.Iterations) >= r.o.cfg.MaxIterations {
			return session.StatusExhausted, fmt.Sprintf("iteration cap of %d reached", r.o.cfg.MaxIterations), nil
		}

		sr := r.step(ctx)
		if err := r.record(ctx, sr.it); err != nil {
			return session.StatusFailed, "persistence failure", err
		}
		if sr.status != "" {
			return sr.status, sr.reason, sr.err
		}

		if sr.it.Failed() {
			r.failures++
		} else if sr.productive {
			r.failures = 0
		}
		if r.failures >= r.o.cfg.MaxConsecutiveFailures {
			if r.o.mode == session.ModeGraph {
				r.state = session.StateFailed
			}
			return session.StatusFailed, fmt.Sprintf("%d consecutive failed iterations", r.failures), nil
		}
	}
}

func (r *run) step(ctx context.Context) stepResult {
	seq := len(r.rec.Iterations) + 1
	ctx = logging.WithIteration(ctx, seq)
	ctx, span := tracer.Start(ctx, "orchestrator.Iteration", trace.WithAttributes(
		attribute.Int("seq", seq),
		attribute.String("state", string(r.state))))
	defer span.End()

	if r.o.mode == session.ModeGraph {
		return r.graphStep(ctx)
	}
	return r.centralStep(ctx)
}

func (r *run) begin() session.Iteration {
	return session.Iteration{
		Seq:       len(r.rec.Iterations) + 1,
		Mode:      r.o.mode,
		StartedAt: time.Now().UTC(),
	}
}

// record persists it and only then makes it part of the in-memory record.
func (r *run) record(ctx context.Context, it session.Iteration) error {
	it.Duration = time.Since(it.StartedAt)
	if err := r.o.memory.Append(context.WithoutCancel(ctx), r.h, it); err != nil {
		r.o.logger.Error(ctx, "could not persist iteration", zap.Int("seq", it.Seq), zap.Error(err))
		return err
	}
	r.rec.Iterations = append(r.rec.Iterations, it)

	iterationsTotal.WithLabelValues(string(r.o.mode), string(it.State)).Inc()
	iterationDuration.WithLabelValues(string(r.o.mode)).Observe(it.Duration.Seconds())
	r.o.logger.Info(ctx, "iteration recorded",
		zap.Int("seq", it.Seq),
		zap.String("state", string(it.State)),
		zap.Bool("failed", it.Failed()),
		zap.Duration("duration", it.Duration))

	if r.o.progress != nil {
		p := Progress{SessionID: r.d.SessionID, Iteration: it}
		if r.o.mode == session.ModeGraph {
			p.Next = r.state
		}
		r.o.progress(p)
	}
	return nil
}

// chat answers a conversational directive in a single iteration.
func (r *run) chat(ctx context.Context) (session.Status, string, error) {
	it := r.begin()
	answer, err := r.o.models.Answer(ctx, r.d.Text)
	if err != nil {
		sr := r.modelFailure(ctx, it, err)
		if sr.status == "" {
			sr.status, sr.reason = session.StatusFailed, "no usable answer"
		}
		if r.o.mode == session.ModeGraph {
			r.state = session.StateFailed
		}
		if perr := r.record(ctx, sr.it); perr != nil {
			return session.StatusFailed, "persistence failure", perr
		}
		return sr.status, sr.reason, sr.err
	}

	a := session.Completion(answer)
	it.Action = &a
	it.Reflection = "conversational directive answered directly"
	if r.o.mode == session.ModeGraph {
		r.state = session.StateDone
	}
	if err := r.record(ctx, it); err != nil {
		return session.StatusFailed, "persistence failure", err
	}
	return session.StatusDone, "answered", nil
}

// modelFailure folds a Model Client error into it and decides whether the
// session can go on.
func (r *run) modelFailure(ctx context.Context, it session.Iteration, err error) stepResult {
	var me *model.MalformedError
	switch {
	case ctx.Err() != nil:
		it.Error = &session.IterationError{Kind: session.ErrorCancelled, Message: err.Error()}
		return stepResult{it: it, status: session.StatusFailed, reason: "cancelled", err: ctx.Err()}

	case errors.As(err, &me):
		r.malformed++
		it.Error = &session.IterationError{
			Kind:    session.ErrorMalformedResponse,
			Message: me.Reason,
			Raw:     me.Raw,
		}
		r.feedback = fmt.Sprintf("Your previous answer could not be used (%s). Reply with exactly one JSON object in the format below.", me.Reason)
		if r.malformed > r.o.cfg.MalformedRetries {
			return stepResult{it: it, status: session.StatusFailed, reason: "malformed response retries exhausted"}
		}
		return stepResult{it: it}

	default:
		it.Error = &session.IterationError{Kind: session.ErrorModelUnavailable, Message: err.Error()}
		return stepResult{it: it, status: session.StatusFailed, reason: "model unavailable"}
	}
}

// propose asks for the next action. With more than one proposal configured
// the primary model is sampled repeatedly and distinct candidates are put
// to a vote; the first valid sample is the primary's own preference.
func (r *run) propose(ctx context.Context, st session.State) (session.Action, string, error) {
	pc := r.modelContext(st)

	var cands []session.Action
	var firstErr error
	for i := 0; i < r.o.cfg.Proposals; i++ {
		a, err := r.o.models.Propose(ctx, pc)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, model.ErrMalformedResponse) {
				return session.Action{}, "", err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !containsAction(cands, a) {
			cands = append(cands, a)
		}
	}
	if len(cands) == 0 {
		return session.Action{}, "", firstErr
	}
	r.malformed = 0
	r.feedback = ""
	if len(cands) == 1 {
		return cands[0], "", nil
	}

	labels := make([]string, len(cands))
	for i, a := range cands {
		labels[i] = describeAction(a)
	}
	question := fmt.Sprintf("Which proposed next step best advances this directive?\n\n%s", r.d.Text)
	cons, err := r.o.models.Vote(ctx, question, labels)
	if err != nil {
		if ctx.Err() != nil {
			return session.Action{}, "", err
		}
		return cands[0], "vote failed; kept the primary proposal", nil
	}
	if !cons.Majority {
		return cands[0], fmt.Sprintf("no majority among %d proposals; kept the primary proposal", len(cands)), nil
	}
	return cands[cons.Choice], fmt.Sprintf("proposal %d of %d chosen by vote %v", cons.Choice+1, len(cands), cons.Votes), nil
}

func (r *run) modelContext(st session.State) model.Context {
	its := r.rec.Iterations
	if n := r.o.cfg.ContextIterations; n > 0 && len(its) > n {
		its = its[len(its)-n:]
	}
	return model.Context{
		Directive:  r.d.Text,
		Mode:       r.o.mode,
		State:      st,
		Iterations: its,
		Skills:     r.catalog(),
		Tools:      toolInfos(r.o.tools),
		Feedback:   r.feedback,
		Model:      r.coder,
		Runtime:    r.o.exec.Runtime(),
	}
}

const maxCatalog = 30

func (r *run) catalog() []model.SkillInfo {
	list := r.o.skills.List()
	if len(list) > maxCatalog {
		list = list[:maxCatalog]
	}
	out := make([]model.SkillInfo, len(list))
	for i, s := range list {
		out[i] = model.SkillInfo{
			Name:         s.Name,
			Version:      s.Version,
			Capabilities: s.Capabilities,
			Description:  s.Description,
		}
	}
	return out
}

// runCode sends code through the Executor, which vets it first. The
// iteration receives the verdict and, when the code ran, the result.
func (r *run) runCode(ctx context.Context, it *session.Iteration, code, skillName string) *session.ExecutionResult {
	res, verdict := r.o.exec.Run(ctx, executor.Request{
		Code:      code,
		SkillName: skillName,
		Workspace: r.workspace,
	})
	it.Verdict = &verdict
	verdictsTotal.WithLabelValues(string(verdict.Kind)).Inc()

	if !verdict.Allowed() {
		it.Error = &session.IterationError{Kind: session.ErrorSafetyViolation, Message: verdict.String()}
		r.feedback = fmt.Sprintf("The safety gate rejected your code: %s. Rewrite it without that construct.", verdict.String())
		return nil
	}

	executionsTotal.WithLabelValues(string(res.Class)).Inc()
	it.Result = &res
	switch res.Class {
	case session.ClassSuccess:
	case session.ClassTimeout:
		it.Error = &session.IterationError{Kind: session.ErrorExecutionTimeout, Message: res.Message}
		r.feedback = fmt.Sprintf("Your code was stopped: %s. Make sure it terminates quickly and never waits for input.", res.Message)
	default:
		it.Error = &session.IterationError{Kind: session.ErrorExecutionError, Message: res.Message}
		r.feedback = fmt.Sprintf("Your code failed: %s. Fix the error and try again.", res.Message)
	}
	return &res
}

// accept remembers code that ran cleanly and registers it as a skill.
func (r *run) accept(ctx context.Context, a session.Action) string {
	r.lastAccepted = a.Code
	if !r.o.cfg.RegisterAccepted {
		return ""
	}
	name := a.SkillName
	if strings.TrimSpace(name) == "" {
		name = skillNameFor(r.d.Text)
	}
	sk, err := r.o.skills.Register(ctx, skills.Skill{
		Name:         name,
		Content:      a.Code,
		Capabilities: a.Capabilities,
		Description:  clip(r.d.Text, 200),
	})
	if err != nil {
		r.o.logger.Warn(ctx, "could not register accepted code", zap.String("skill", name), zap.Error(err))
		return "registration failed: " + err.Error()
	}
	return fmt.Sprintf("registered as skill %s v%d", sk.Name, sk.Version)
}

// skillNameFor derives a skill name from the first words of a directive.
func skillNameFor(text string) string {
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, "_")
}

func containsAction(list []session.Action, a session.Action) bool {
	for _, b := range list {
		if b.Kind == a.Kind && b.Code == a.Code && b.Tool == a.Tool &&
			fmt.Sprint(b.Args) == fmt.Sprint(a.Args) && b.Summary == a.Summary && b.Question == a.Question {
			return true
		}
	}
	return false
}

func describeAction(a session.Action) string {
	switch a.Kind {
	case session.ActionInlineCode:
		return "run this code:\n" + clip(a.Code, 500)
	default:
		return a.String()
	}
}

func joinNotes(notes ...string) string {
	var out []string
	for _, n := range notes {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, "; ")
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
