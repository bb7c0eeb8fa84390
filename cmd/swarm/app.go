package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Xzeroone/The-Swarm/internal/config"
	"github.com/Xzeroone/The-Swarm/internal/executor"
	"github.com/Xzeroone/The-Swarm/internal/logging"
	"github.com/Xzeroone/The-Swarm/internal/memory"
	"github.com/Xzeroone/The-Swarm/internal/model"
	"github.com/Xzeroone/The-Swarm/internal/orchestrator"
	"github.com/Xzeroone/The-Swarm/internal/safety"
	"github.com/Xzeroone/The-Swarm/internal/secrets"
	"github.com/Xzeroone/The-Swarm/internal/skills"
	"github.com/Xzeroone/The-Swarm/internal/telemetry"
	"go.uber.org/zap"
)

// app holds the long-lived pieces a command needs. Fields a command does
// not ask for stay nil.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     memory.Store
	registry  *skills.Registry
	searcher  *skills.Searcher
	watcher   *skills.Watcher
	history   *skills.History
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, nil)
}

// openApp opens the workspace stores. Model and executor wiring happen in
// newOrchestrator, so read-only commands never touch the model endpoint.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := cfg.EnsureWorkspace(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	tel, err := telemetry.New(ctx, cfg.Telemetry, cfg.Offline)
	if err != nil {
		return nil, err
	}
	a.telemetry = tel

	scrubber, err := secrets.New(nil, secrets.WithAllowlist(cfg.Memory.ScrubAllowlist...))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.store, err = memory.New(cfg.Memory, cfg.MemoryDir(), scrubber, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.registry, err = skills.Open(cfg.SkillsDir(), logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if cfg.Skills.History {
		a.history, err = skills.NewHistory(a.registry)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

// newOrchestrator wires the model client, safety gate and executor around
// the opened stores and starts the optional skill watcher.
func (a *app) newOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	if cfg.Offline {
		if err := model.CheckOffline(cfg.Models.Endpoint); err != nil {
			return nil, err
		}
	}

	client, err := model.NewClient(model.NewOllamaBackend(cfg.Models.Endpoint), cfg.Models, a.logger)
	if err != nil {
		return nil, err
	}

	policy, err := safety.PolicyFromConfig(cfg.Safety, cfg.Executor)
	if err != nil {
		return nil, err
	}
	gate, err := safety.New(policy)
	if err != nil {
		return nil, err
	}
	runner, err := executor.NewRunner(cfg.Executor)
	if err != nil {
		return nil, err
	}

	if cfg.Skills.SemanticSearch && a.searcher == nil {
		a.searcher, err = skills.NewSearcher(a.registry,
			skills.OllamaEmbeddings(cfg.Models.Endpoint, cfg.Models.Embedding), a.logger)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Skills.Watch && a.watcher == nil {
		w, err := skills.NewWatcher(a.registry, 0, a.logger)
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return nil, err
		}
		a.watcher = w
	}

	a.logger.Debug(ctx, "agent wired",
		zap.String("mode", cfg.Agent.Mode),
		zap.String("runtime", runner.Name()),
		zap.String("endpoint", cfg.Models.Endpoint),
		zap.Bool("offline", cfg.Offline),
		zap.Bool("search", a.searcher != nil),
		zap.Bool("watch", a.watcher != nil),
		zap.Bool("history", a.history != nil))

	return orchestrator.New(cfg.Agent, cfg.Workspace.Root, orchestrator.Deps{
		Models:   client,
		Gate:     gate,
		Executor: executor.New(gate, runner, a.logger),
		Memory:   a.store,
		Skills:   a.registry,
		Search:   a.searcher,
		Logger:   a.logger,
	})
}

// Close releases everything openApp and newOrchestrator acquired.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync on shutdown
	}
	return errors.Join(errs...)
}
