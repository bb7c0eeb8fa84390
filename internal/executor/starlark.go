package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var starlarkFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// StarlarkRunner evaluates candidates in-process with the Starlark
// interpreter. Starlark has no filesystem, network or process access, so
// confinement is structural; the step limit and the deadline bound CPU.
type StarlarkRunner struct {
	maxSteps uint64
}

var _ Runner = (*StarlarkRunner)(nil)

// NewStarlarkRunner builds a runner from executor settings.
func NewStarlarkRunner(cfg config.ExecutorConfig) *StarlarkRunner {
	return &StarlarkRunner{maxSteps: cfg.StarlarkMaxSteps}
}

func (r *StarlarkRunner) Name() string { return "starlark" }

func (r *StarlarkRunner) Run(ctx context.Context, job Job) (res session.ExecutionResult) {
	stdout := newCappedBuffer(job.Budget.MaxOutputBytes)
	stderr := newCappedBuffer(job.Budget.MaxOutputBytes)

	thread := &starlark.Thread{
		Name: "candidate",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteString("\n")
		},
	}
	if r.maxSteps > 0 {
		thread.SetMaxExecutionSteps(r.maxSteps)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Budget.Timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"json": json.Module,
		"math": math.Module,
	}

	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		res.Truncated = stdout.Truncated() || stderr.Truncated()
	}()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("interpreter panic: %v", p)
			}
		}()
		_, err = starlark.ExecFileOptions(starlarkFileOptions, thread, "candidate.star", job.Code, predeclared)
	}()

	switch {
	case err == nil:
		return session.ExecutionResult{Class: session.ClassSuccess}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return session.ExecutionResult{
			Class:    session.ClassTimeout,
			ExitCode: -1,
			Message:  fmt.Sprintf("cancelled after %s", job.Budget.Timeout),
		}
	case ctx.Err() != nil:
		return session.ExecutionResult{
			Class:    session.ClassRuntimeError,
			ExitCode: -1,
			Message:  "cancelled: " + ctx.Err().Error(),
		}
	}

	detail := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		detail = evalErr.Backtrace()
	}
	stderr.WriteString(detail)
	return session.ExecutionResult{
		Class:    session.ClassRuntimeError,
		ExitCode: 1,
		Message:  firstLine(err.Error()),
		Detail:   tail(detail, stderrDetail),
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
