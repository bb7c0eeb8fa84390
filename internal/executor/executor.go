// Package executor runs vetted candidate code under a hard wall-clock budget
// and reports what happened as a session.ExecutionResult.
//
// Executor never trusts its caller: every request is vetted again by the
// Safety Gate, and a blocked candidate is reported as safety-rejected without
// the runner ever seeing it. Runtime failures are data, not errors; Run never
// returns an error and never panics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/safety"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Xzeroone/The-Swarm/internal/executor")

var (
	// ErrExecutionTimeout marks a run killed at its wall-clock budget.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrExecutionError marks a run that exited abnormally.
	ErrExecutionError = errors.New("execution error")
)

// Request is one candidate to run.
type Request struct {
	Code      string
	SkillName string // empty for inline code
	Workspace string
	Budget    session.Budget // zero fields take the Gate's defaults
}

// Job is what a Runner receives: a vetted request with a resolved budget.
type Job struct {
	Code      string
	Workspace string
	Budget    session.Budget
}

// Runner executes a vetted job. Implementations enforce Budget.Timeout
// themselves and must return when ctx is cancelled.
type Runner interface {
	Name() string
	Run(ctx context.Context, job Job) session.ExecutionResult
}

// Executor wires the Safety Gate in front of a Runner.
type Executor struct {
	gate   safety.Vetter
	runner Runner
	logger *logging.Logger
}

// New creates an Executor.
func New(gate safety.Vetter, runner Runner, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{gate: gate, runner: runner, logger: logger.Named("executor")}
}

// Runtime names the underlying runner.
func (e *Executor) Runtime() string {
	return e.runner.Name()
}

// Run vets and executes req. The returned verdict is the one the run was
// admitted (or rejected) under.
func (e *Executor) Run(ctx context.Context, req Request) (res session.ExecutionResult, verdict session.Verdict) {
	ctx, span := tracer.Start(ctx, "executor.Run")
	defer span.End()

	verdict = e.gate.VetBudget(req.Code, req.Workspace, req.Budget)
	if !verdict.Allowed() {
		e.logger.Warn(ctx, "candidate rejected before execution",
			zap.String("verdict", string(verdict.Kind)),
			zap.String("rule", verdict.RuleID))
		span.SetAttributes(attribute.String("verdict", string(verdict.Kind)))
		return session.ExecutionResult{
			Class:    session.ClassSafetyRejected,
			ExitCode: -1,
			Message:  verdict.String(),
		}, verdict
	}

	if err := ctx.Err(); err != nil {
		return session.ExecutionResult{
			Class:    session.ClassRuntimeError,
			ExitCode: -1,
			Message:  "cancelled before start: " + err.Error(),
		}, verdict
	}

	job := Job{Code: req.Code, Workspace: req.Workspace, Budget: verdict.Budget}

	start := time.Now()
	res = e.safeRun(ctx, job)
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}

	span.SetAttributes(
		attribute.String("runtime", e.runner.Name()),
		attribute.String("class", string(res.Class)),
		attribute.Int("exit_code", res.ExitCode),
	)
	if res.Class != session.ClassSuccess {
		span.SetStatus(codes.Error, string(res.Class))
	}

	e.logger.Debug(ctx, "executed candidate",
		zap.String("runtime", e.runner.Name()),
		zap.String("skill", req.SkillName),
		zap.String("class", string(res.Class)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", res.Elapsed),
		zap.Bool("truncated", res.Truncated))

	return res, verdict
}

func (e *Executor) safeRun(ctx context.Context, job Job) (res session.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = session.ExecutionResult{
				Class:    session.ClassRuntimeError,
				ExitCode: -1,
				Message:  fmt.Sprintf("runner panic: %v", r),
			}
		}
	}()
	return e.runner.Run(ctx, job)
}

// ResultErr maps a result class onto the package sentinels.
func ResultErr(res session.ExecutionResult) error {
	switch res.Class {
	case session.ClassSuccess:
		return nil
	case session.ClassTimeout:
		return fmt.Errorf("%w: %s", ErrExecutionTimeout, res.Message)
	case session.ClassSafetyRejected:
		return fmt.Errorf("%w: %s", safety.ErrSafetyViolation, res.Message)
	default:
		return fmt.Errorf("%w: %s", ErrExecutionError, res.Message)
	}
}

// NewRunner selects the runner named by cfg.Runtime.
func NewRunner(cfg config.ExecutorConfig) (Runner, error) {
	switch cfg.Runtime {
	case "", "subprocess":
		return NewSubprocessRunner(cfg)
	case "starlark":
		return NewStarlarkRunner(cfg), nil
	default:
		return nil, fmt.Errorf("unknown executor runtime %q", cfg.Runtime)
	}
}
