package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/model"
	"github.com/Xzeroone/The-Swarm/internal/orchestrator"
	"github.com/Xzeroone/The-Swarm/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runMode          string
	runMaxIterations int
	runTimeout       time.Duration
	runMetricsAddr   string
	runFormat        string
	runQuiet         bool
)

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "control mode: model-central or graph")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration cap for the session")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "wall-clock limit for each code execution")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address while running")
	runCmd.Flags().StringVar(&runFormat, "format", formatText, "output format: text, json or yaml")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print progress")
}

var runCmd = &cobra.Command{
	Use:   "run <directive...>",
	Short: "Run a directive to completion",
	Long: `Run a directive through the agent loop and print the finalized session.

The session ends done when the model signals completion or accepted code runs
cleanly, exhausted at the iteration cap, or failed when the failure budget
runs out. Ctrl-C cancels the session; the record is still finalized.

Examples:
  # Model-central mode (default)
  swarm run "write a function that reverses a string and test it"

  # Graph mode with a tighter cap
  swarm run --mode graph --max-iterations 8 "sum the numbers 1 to 100"

  # Machine-readable output
  swarm run --format json "create a function that adds two numbers"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDirective,
}

// applyRunFlags overrides the agent and executor sections from flags.
func applyRunFlags(cfg *config.Config) error {
	if runMode != "" {
		cfg.Agent.Mode = runMode
	}
	if runMaxIterations != 0 {
		cfg.Agent.MaxIterations = runMaxIterations
	}
	if runTimeout != 0 {
		cfg.Executor.Timeout = config.Duration(runTimeout)
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}
	return cfg.Validate()
}

func runDirective(cmd *cobra.Command, args []string) error {
	if err := checkFormat(runFormat); err != nil {
		return err
	}
	d, err := session.NewDirective(strings.Join(args, " "))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Warn(ctx, "received signal, cancelling session", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Metrics.Addr != "" {
		stop, err := startMetricsServer(ctx, cfg.Metrics.Addr, a.logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	orch, err := a.newOrchestrator(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	progress := cmd.ErrOrStderr()
	if !runQuiet && runFormat == formatText {
		fmt.Fprintf(progress, "%s %s\n\n", headerStyle.Render("swarm"), dimStyle.Render(fmt.Sprintf("session %s, %s mode", d.SessionID, orch.Mode())))
		orch.OnProgress(func(p orchestrator.Progress) {
			line := model.SummarizeIteration(p.Iteration)
			if first, _, ok := strings.Cut(line, "\n"); ok {
				line = first
			}
			if p.Next != "" && !p.Next.Terminal() {
				line += dimStyle.Render(" -> " + string(p.Next))
			}
			fmt.Fprintln(progress, line)
		})
	}

	rec, runErr := orch.Run(ctx, d)
	if rec == nil {
		return runErr
	}

	if runFormat == formatText {
		if !runQuiet {
			fmt.Fprintln(progress)
		}
		renderRecord(out, rec)
	} else if err := encode(out, runFormat, rec); err != nil {
		return err
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		return errors.New("session cancelled")
	case runErr != nil:
		return runErr
	case rec.Status != session.StatusDone:
		return fmt.Errorf("session %s", rec.Status)
	}
	return nil
}
