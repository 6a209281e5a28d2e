// Package transition moves ledger tasks through their lifecycle and pushes
// every change to the shared remote.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

// ErrInvalidTransition is returned when a task is not in the state a
// transition requires.
var ErrInvalidTransition = errors.New("invalid status transition")

// Options configures a Manager.
type Options struct {
	// Syncer publishes ledger changes. Nil means no remote sync.
	Syncer Syncer

	// MaxAttempts caps reopen attempts across sessions. Zero is unbounded.
	MaxAttempts int

	// ManualReviewLabel is added once MaxAttempts is reached.
	ManualReviewLabel string

	Logger *slog.Logger
}

// Manager applies claim, complete and reopen to the ledger. It is the only
// writer of task status.
type Manager struct {
	store  *ledger.Store
	syncer Syncer
	opts   Options
	logger *slog.Logger
}

// NewManager creates a Manager over store.
func NewManager(store *ledger.Store, opts Options) *Manager {
	m := &Manager{
		store:  store,
		syncer: opts.Syncer,
		opts:   opts,
		logger: opts.Logger,
	}
	if m.syncer == nil {
		m.syncer = NopSyncer{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Claim moves an OPEN task to IN_PROGRESS. The write lands before the caller
// starts any work, so a crash leaves the task visibly stuck in progress.
// task.Version must be current; otherwise ledger.ErrConflict is returned and
// nothing is written.
func (m *Manager) Claim(ctx context.Context, task ledger.Task) (*ledger.Task, error) {
	claimed, err := m.store.Update(task.ID, task.Version, func(t *ledger.Task) error {
		if !t.IsOpen() {
			return fmt.Errorf("claim %s: status is %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		t.Status = ledger.StatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.sync(ctx, fmt.Sprintf("ledgerloop: claim %s", task.ID))
	return claimed, nil
}

// Complete moves an IN_PROGRESS task to CLOSED.
func (m *Manager) Complete(ctx context.Context, task *ledger.Task) (*ledger.Task, error) {
	closed, err := m.update(task, func(t *ledger.Task) error {
		if !t.IsInProgress() {
			return fmt.Errorf("complete %s: status is %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		t.Status = ledger.StatusClosed
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.sync(ctx, fmt.Sprintf("ledgerloop: close %s", task.ID))
	return closed, nil
}

// Reopen moves an IN_PROGRESS task back to OPEN after an execution or review
// failure and counts the attempt. Once the attempt cap is reached the task
// also gets the manual-review label.
func (m *Manager) Reopen(ctx context.Context, task *ledger.Task, reason string) (*ledger.Task, error) {
	reopened, err := m.update(task, func(t *ledger.Task) error {
		if !t.IsInProgress() {
			return fmt.Errorf("reopen %s: status is %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		t.Status = ledger.StatusOpen
		t.Attempts++
		if m.opts.MaxAttempts > 0 && t.Attempts >= m.opts.MaxAttempts {
			t.AddLabel(m.opts.ManualReviewLabel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.NeedsManualReview(reopened) {
		m.logger.Warn("task needs manual review",
			"task", task.ID, "attempts", reopened.Attempts, "label", m.opts.ManualReviewLabel)
	}
	m.sync(ctx, fmt.Sprintf("ledgerloop: reopen %s: %s", task.ID, reason))
	return reopened, nil
}

// NeedsManualReview reports whether t has hit the attempt cap.
func (m *Manager) NeedsManualReview(t *ledger.Task) bool {
	return m.opts.MaxAttempts > 0 && m.opts.ManualReviewLabel != "" && t.HasLabel(m.opts.ManualReviewLabel)
}

// Flush performs the end-of-session sweep to the remote.
func (m *Manager) Flush(ctx context.Context) {
	if err := m.syncer.Flush(ctx); err != nil {
		m.logger.Warn("ledger flush failed", "error", err)
	}
}

// update writes fn against task's version. A concurrent edit of the block
// (someone touched the description while the agent ran) gets one retry
// against the fresh version; fn re-checks the status precondition.
func (m *Manager) update(task *ledger.Task, fn func(*ledger.Task) error) (*ledger.Task, error) {
	updated, err := m.store.Update(task.ID, task.Version, fn)
	if err == nil || !errors.Is(err, ledger.ErrConflict) {
		return updated, err
	}
	m.logger.Warn("ledger changed during task, retrying", "task", task.ID, "error", err)
	return m.store.Update(task.ID, "", fn)
}

func (m *Manager) sync(ctx context.Context, message string) {
	if err := m.syncer.Sync(ctx, message); err != nil {
		m.logger.Warn("ledger sync failed", "error", err)
	}
}
