package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/ledgerloop/internal/agent"
	"github.com/pengelbrecht/ledgerloop/internal/config"
	"github.com/pengelbrecht/ledgerloop/internal/engine"
	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/logging"
	"github.com/pengelbrecht/ledgerloop/internal/metrics"
	"github.com/pengelbrecht/ledgerloop/internal/session"
	"github.com/pengelbrecht/ledgerloop/internal/transition"
	"github.com/pengelbrecht/ledgerloop/internal/vcs"
	"github.com/pengelbrecht/ledgerloop/internal/workspace"
)

// app holds what every command needs: the loaded config and, for commands
// that run sessions, the session logger.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openApp loads config and opens the session log. stderr mirrors log
// records to the terminal.
func openApp(cmd *cobra.Command, stderr bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(logging.Options{
		File:   cfg.Path(cfg.Log.File),
		Level:  level,
		Stderr: stderr,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, closers: []io.Closer{closer}}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Debug("close failed", "error", err)
		}
	}
}

// openSinks builds the configured metric sinks.
func (a *app) openSinks() (metrics.Sink, error) {
	var sinks metrics.Multi
	m := a.cfg.Metrics
	if m.File != "" {
		s, err := metrics.NewFileSink(a.cfg.Path(m.File))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if m.SQLite != "" {
		s, err := metrics.OpenSQLite(a.cfg.Path(m.SQLite))
		if err != nil {
			return nil, errors.Join(err, sinks.Close())
		}
		sinks = append(sinks, s)
	}
	if m.URL != "" {
		sinks = append(sinks, metrics.NewHTTPSink(m.URL))
	}
	return sinks, nil
}

// syncer returns the git syncer for the ledger, or nil when sync is off or
// the workspace is not a repository.
func (a *app) syncer(ctx context.Context) transition.Syncer {
	if !a.cfg.Sync.IsEnabled() {
		return nil
	}
	repo, err := vcs.Open(ctx, a.cfg.Workspace.Root)
	if err != nil {
		a.logger.Warn("workspace is not a git repository, ledger sync disabled", "root", a.cfg.Workspace.Root)
		return nil
	}
	s, err := transition.NewGitSyncer(repo, a.cfg.LedgerPath(), a.cfg.Sync.Remote, a.cfg.Sync.Branch)
	if err != nil {
		a.logger.Warn("ledger sync disabled", "error", err)
		return nil
	}
	return s
}

// stateExclusions keeps a state directory inside the workspace out of agent
// commits. Nil falls back to the default exclusions.
func stateExclusions(cfg *config.Config) []string {
	dir := filepath.Clean(cfg.Workspace.StateDir)
	if dir == "." || filepath.IsAbs(dir) || strings.HasPrefix(dir, "..") {
		return nil
	}
	prefix := filepath.ToSlash(dir) + "/"
	if slices.Contains(vcs.DefaultExcludedPaths, prefix) {
		return nil
	}
	return append(slices.Clone(vcs.DefaultExcludedPaths), prefix)
}

// controllerOptions tweak buildController for a command.
type controllerOptions struct {
	stop     session.StopSignal
	onOutput func(string)
}

// buildController wires the ledger, git, agent, engine and metrics into a
// session controller.
func (a *app) buildController(ctx context.Context, opts controllerOptions) (*session.Controller, error) {
	cfg := a.cfg
	store := ledger.NewStore(cfg.LedgerPath())

	transitions := transition.NewManager(store, transition.Options{
		Syncer:            a.syncer(ctx),
		MaxAttempts:       cfg.Session.MaxTaskAttempts,
		ManualReviewLabel: cfg.Session.ManualReviewLabel,
		Logger:            a.logger,
	})

	resolver, err := workspace.NewResolver(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}

	ag := &agent.ClaudeAgent{Command: cfg.Agent.Command, Args: cfg.Agent.Args}
	if !ag.Available() {
		a.logger.Warn("agent command not found on PATH", "command", cfg.Agent.Command)
	}

	executor := engine.NewExecutor(ag, engine.ExecutorOptions{
		Sync:          cfg.Sync.IsEnabled(),
		Remote:        cfg.Sync.Remote,
		Branch:        cfg.Sync.Branch,
		PushCommits:   cfg.Sync.ShouldPushCommits(),
		DirtyPolicy:   engine.DirtyPolicy(cfg.Sync.DirtyPolicy),
		ExcludedPaths: stateExclusions(cfg),
		Timeout:       cfg.Agent.Timeout,
		Logger:        a.logger,
	})
	executor.OnOutput = opts.onOutput

	reviewer := engine.NewReviewer(ag, engine.ReviewerOptions{
		Disabled:     !cfg.Review.IsEnabled(),
		Strict:       cfg.Review.Strict,
		HistoryDepth: cfg.Review.HistoryDepth,
		Timeout:      cfg.Agent.Timeout,
		Logger:       a.logger,
	})
	reviewer.OnOutput = opts.onOutput

	sinks, err := a.openSinks()
	if err != nil {
		return nil, fmt.Errorf("open metric sinks: %w", err)
	}
	emitter := metrics.NewEmitter(cfg.Metrics.Source, sinks, a.logger)
	a.closers = append(a.closers, emitter)

	excluded := ""
	if cfg.Session.MaxTaskAttempts > 0 {
		excluded = cfg.Session.ManualReviewLabel
	}

	return session.New(session.Deps{
		Store:       store,
		Transitions: transitions,
		Resolver:    resolver,
		Executor:    executor,
		Reviewer:    reviewer,
		Metrics:     emitter,
		Snapshots:   session.NewSnapshotStore(cfg.StateDir()),
		Stop:        opts.stop,
		Logger:      a.logger,
	}, session.Config{
		MaxConsecutiveFailures: cfg.Session.MaxConsecutiveFailures,
		FailureDelay:           cfg.Session.Delay(),
		ExcludeLabel:           excluded,
	}), nil
}
