package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pengelbrecht/ledgerloop/internal/agent"
	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/vcs"
)

// DefaultHistoryDepth is how many commits the reviewer is shown.
const DefaultHistoryDepth = 5

// ReviewerOptions configures a Reviewer.
type ReviewerOptions struct {
	// Disabled skips the review pass entirely.
	Disabled bool

	// Strict turns a crashed reviewer or a missing verdict token into
	// FAILED instead of PASSED.
	Strict bool

	HistoryDepth int
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Reviewer runs the fresh-eyes verification pass.
type Reviewer struct {
	agent  agent.Agent
	prompt *PromptBuilder
	opts   ReviewerOptions
	logger *slog.Logger

	// OnOutput receives reviewer output as it streams. Optional.
	OnOutput func(chunk string)
}

// NewReviewer creates a Reviewer.
func NewReviewer(a agent.Agent, opts ReviewerOptions) *Reviewer {
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{agent: a, prompt: NewPromptBuilder(), opts: opts, logger: logger}
}

// Review asks the agent to judge the committed work for task in dir. It
// never returns an error: reviewer failures resolve to a lenient PASSED
// unless strict mode is on.
func (r *Reviewer) Review(ctx context.Context, task ledger.Task, dir string) Verdict {
	log := r.logger.With("task", task.ID)
	if r.opts.Disabled {
		return Verdict{Outcome: OutcomePassed, Skipped: true}
	}

	history := ""
	if repo, err := vcs.Open(ctx, dir); err == nil {
		if history, err = repo.Log(ctx, r.opts.HistoryDepth); err != nil {
			log.Debug("could not read commit history for review", "error", err)
		}
	}

	opts := agent.RunOpts{Dir: dir, Timeout: r.opts.Timeout}
	result, err := runAgent(ctx, r.agent, r.prompt.Review(task, dir, history), opts, r.OnOutput)
	if err != nil {
		return r.fallback(log, "reviewer failed: "+exitSummary(err), "error", err)
	}

	v, ok := ParseVerdict(result.Output)
	if !ok {
		return r.fallback(log, "reviewer gave no verdict")
	}
	return v
}

// fallback is the verdict when no explicit one is available.
func (r *Reviewer) fallback(log *slog.Logger, reason string, args ...any) Verdict {
	if r.opts.Strict {
		log.Warn(reason+", failing task (strict review)", args...)
		return Verdict{Outcome: OutcomeFailed, Reason: reason, Lenient: true}
	}
	log.Warn(reason+", passing task (lenient review)", args...)
	return Verdict{Outcome: OutcomePassed, Lenient: true}
}
