package config

import (
	"time"

	"github.com/pengelbrecht/ledgerloop/internal/agent"
	"github.com/pengelbrecht/ledgerloop/internal/engine"
)

const defaultFailureDelay = 10 * time.Second

func applyDefaults(cfg *Config) {
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Workspace.Ledger == "" {
		cfg.Workspace.Ledger = "TASKS.md"
	}
	if cfg.Workspace.StateDir == "" {
		cfg.Workspace.StateDir = ".ledgerloop"
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Args == nil {
		cfg.Agent.Args = append([]string(nil), agent.DefaultArgs...)
	}

	if cfg.Session.MaxConsecutiveFailures == 0 {
		cfg.Session.MaxConsecutiveFailures = 3
	}
	if cfg.Session.ManualReviewLabel == "" {
		cfg.Session.ManualReviewLabel = "needs-manual-review"
	}

	if cfg.Review.HistoryDepth == 0 {
		cfg.Review.HistoryDepth = engine.DefaultHistoryDepth
	}

	if cfg.Sync.Remote == "" {
		cfg.Sync.Remote = "origin"
	}
	if cfg.Sync.DirtyPolicy == "" {
		cfg.Sync.DirtyPolicy = string(engine.DirtyWarn)
	}

	if cfg.Metrics.Source == "" {
		cfg.Metrics.Source = "ledgerloop"
	}
	if cfg.Metrics.File == "" {
		cfg.Metrics.File = ".ledgerloop/metrics.jsonl"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8750"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File == "" {
		cfg.Log.File = ".ledgerloop/session.log"
	}
}
