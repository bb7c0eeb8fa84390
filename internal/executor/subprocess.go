package executor

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/google/uuid"
)

// guardSource is installed next to each candidate and loads it under an
// audit hook that refuses process, network and out-of-workspace file
// events at runtime. The static Gate is the first line; this is the second.
//
//go:embed guard.py
var guardSource []byte

const (
	scratchDir   = "scratch"
	guardFile    = ".guard.py"
	stderrDetail = 2048
)

// SubprocessRunner runs candidates in a fresh interpreter process per job.
type SubprocessRunner struct {
	interpreter []string
	killGrace   time.Duration
	isolation   string
	guard       bool
}

var _ Runner = (*SubprocessRunner)(nil)

// NewSubprocessRunner builds a runner from executor settings.
func NewSubprocessRunner(cfg config.ExecutorConfig) (*SubprocessRunner, error) {
	if len(cfg.Interpreter) == 0 {
		return nil, errors.New("executor.interpreter is empty")
	}
	if _, err := exec.LookPath(cfg.Interpreter[0]); err != nil {
		return nil, fmt.Errorf("interpreter %q not found: %w", cfg.Interpreter[0], err)
	}
	switch cfg.Isolation {
	case "", "none":
	case "bwrap":
		if _, err := exec.LookPath("bwrap"); err != nil {
			return nil, fmt.Errorf("isolation bwrap requested but bwrap not found: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown isolation %q", cfg.Isolation)
	}

	interp := append([]string(nil), cfg.Interpreter...)
	return &SubprocessRunner{
		interpreter: interp,
		killGrace:   cfg.KillGrace.Duration(),
		isolation:   cfg.Isolation,
		guard:       cfg.Guard && strings.HasPrefix(filepath.Base(interp[0]), "python"),
	}, nil
}

func (r *SubprocessRunner) Name() string { return "subprocess" }

// Run writes the job to a scratch file inside the workspace and executes it.
func (r *SubprocessRunner) Run(ctx context.Context, job Job) session.ExecutionResult {
	scratch := filepath.Join(job.Workspace, scratchDir)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return startFailure(fmt.Errorf("create scratch dir: %w", err))
	}
	script := filepath.Join(scratch, "run-"+uuid.NewString()+".py")
	if err := os.WriteFile(script, []byte(job.Code), 0o600); err != nil {
		return startFailure(fmt.Errorf("write candidate: %w", err))
	}
	defer os.Remove(script)

	argv := append([]string(nil), r.interpreter...)
	if r.guard {
		guard := filepath.Join(scratch, guardFile)
		if err := os.WriteFile(guard, guardSource, 0o600); err != nil {
			return startFailure(fmt.Errorf("write guard: %w", err))
		}
		argv = append(argv, guard, job.Workspace, script)
	} else {
		argv = append(argv, script)
	}
	if r.isolation == "bwrap" {
		argv = bwrapArgv(job.Workspace, scratch, argv)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Budget.Timeout)
	defer cancel()

	stdout := newCappedBuffer(job.Budget.MaxOutputBytes)
	stderr := newCappedBuffer(job.Budget.MaxOutputBytes)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = job.Workspace
	cmd.Env = childEnv(job.Workspace, scratch)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.killGrace
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := session.ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode(cmd, err),
		Elapsed:   elapsed,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Class = session.ClassTimeout
		res.Message = fmt.Sprintf("killed after %s", job.Budget.Timeout)
	case ctx.Err() != nil:
		res.Class = session.ClassRuntimeError
		res.Message = "cancelled: " + ctx.Err().Error()
	case err == nil:
		res.Class = session.ClassSuccess
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Class = session.ClassRuntimeError
			res.Message = fmt.Sprintf("exit status %d", res.ExitCode)
			res.Detail = tail(res.Stderr, stderrDetail)
		} else {
			failed := startFailure(err)
			failed.Elapsed = elapsed
			return failed
		}
	}
	return res
}

func startFailure(err error) session.ExecutionResult {
	return session.ExecutionResult{
		Class:    session.ClassRuntimeError,
		ExitCode: -1,
		Message:  "failed to start: " + err.Error(),
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// childEnv is the whole environment the candidate sees. Nothing from the
// parent leaks through except PATH.
func childEnv(workspace, scratch string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return []string{
		"PATH=" + path,
		"HOME=" + workspace,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
}
