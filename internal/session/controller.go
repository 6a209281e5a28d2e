// Package session runs the task loop: select the next eligible task, claim
// it, execute, review and record the outcome until the ledger runs dry, a
// cap is hit, a stop is requested or the circuit breaker trips.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pengelbrecht/ledgerloop/internal/engine"
	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/metrics"
	"github.com/pengelbrecht/ledgerloop/internal/transition"
)

// Defaults for Config.
const (
	DefaultMaxConsecutiveFailures = 3
	DefaultFailureDelay           = 10 * time.Second

	// maxClaimConflicts bounds back-to-back claim races before the session
	// gives up on a ledger that keeps changing under it.
	maxClaimConflicts = 5

	// settleTimeout bounds the ledger sync and metric delivery that record
	// an outcome after the session context was cancelled.
	settleTimeout = 30 * time.Second
)

// Executor runs the execution pass for a task.
type Executor interface {
	Execute(ctx context.Context, task ledger.Task, dir string) (*engine.Execution, error)
}

// Reviewer runs the verification pass for a task.
type Reviewer interface {
	Review(ctx context.Context, task ledger.Task, dir string) engine.Verdict
}

// Resolver maps a task to its working directory.
type Resolver interface {
	Resolve(task ledger.Task) (string, error)
}

// Options are the per-session parameters supplied at start.
type Options struct {
	// Label is required.
	Label string

	// Priority restricts selection to one exact priority. Nil means any.
	Priority *int

	// MaxTasks stops the session after this many completed tasks. Zero is
	// unlimited.
	MaxTasks int

	DryRun bool
}

// Config holds the controller's fixed policy.
type Config struct {
	MaxConsecutiveFailures int
	FailureDelay           time.Duration

	// ExcludeLabel hides tasks waiting for manual review from selection.
	ExcludeLabel string
}

// Deps are the collaborators a Controller composes.
type Deps struct {
	Store       *ledger.Store
	Transitions *transition.Manager
	Resolver    Resolver
	Executor    Executor
	Reviewer    Reviewer

	// Metrics may be nil.
	Metrics *metrics.Emitter
	// Snapshots may be nil, in which case snapshots are only delivered to
	// OnSnapshot.
	Snapshots *SnapshotStore
	// Stop may be nil.
	Stop StopSignal

	Logger *slog.Logger
}

// Result is how a session ended.
type Result struct {
	Snapshot   Snapshot
	ExitReason string
	// Err is the session-fatal error, if any.
	Err error
}

// Controller drives one session at a time. Run must not be called
// concurrently.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	// OnSnapshot receives every snapshot as it is produced. Optional.
	OnSnapshot func(Snapshot)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Controller.
func New(deps Deps, cfg Config) *Controller {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.FailureDelay < 0 {
		cfg.FailureDelay = 0
	}
	if deps.Stop == nil {
		deps.Stop = &StopToken{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// runState holds the mutable state of one session.
type runState struct {
	opts      Options
	filter    ledger.Filter
	id        string
	startedAt time.Time
	status    Status

	completed      int
	failed         int
	consecutive    int
	claimConflicts int
	remaining      int

	current *ledger.Task
	message string
}

// snapshot projects the state for pollers.
func (s *runState) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:      s.id,
		Running:        s.status.Active(),
		Status:         s.status,
		Label:          s.opts.Label,
		RemainingTasks: s.remaining,
		CompletedTasks: s.completed,
		FailedTasks:    s.failed,
		StartedAt:      ptr(s.startedAt),
		LastUpdate:     now,
	}
	if s.current != nil {
		snap.CurrentTaskID = ptr(s.current.ID)
		snap.CurrentTaskTitle = ptr(s.current.Title)
	}
	if s.message != "" {
		snap.Message = ptr(s.message)
	}
	return snap
}

// Run executes a fresh session until it reaches COMPLETED or FAILED. ctx is
// a hard cancel: the cooperative stop goes through the StopSignal. A stop
// already requested when Run is called applies before the first task, so
// callers clear stale signals before handing the session out.
func (c *Controller) Run(ctx context.Context, opts Options) Result {
	state := &runState{
		opts: opts,
		filter: ledger.Filter{
			Status:       ledger.StatusOpen,
			Label:        opts.Label,
			Priority:     opts.Priority,
			ExcludeLabel: c.cfg.ExcludeLabel,
		},
		id:        uuid.NewString(),
		startedAt: c.now(),
		status:    StatusRunning,
	}
	log := c.logger.With("session", state.id, "label", opts.Label)

	if opts.Label == "" {
		return c.finish(ctx, log, state, StatusFailed, "label filter is required", errors.New("label filter is required"))
	}

	log.Info("session started", "priority", priorityAttr(opts.Priority), "max_tasks", opts.MaxTasks, "dry_run", opts.DryRun)
	c.emit(ctx, state, metrics.Event{Event: metrics.SessionStarted, Success: true})
	c.publish(state)

	if opts.DryRun {
		return c.dryRun(ctx, log, state)
	}

	for {
		if ctx.Err() != nil {
			return c.finish(ctx, log, state, StatusFailed, "session cancelled", ctx.Err())
		}
		if c.deps.Stop.Requested() {
			state.status = StatusStopping
			c.publish(state)
			return c.finish(ctx, log, state, StatusCompleted, "stopped by request", nil)
		}
		if opts.MaxTasks > 0 && state.completed >= opts.MaxTasks {
			return c.finish(ctx, log, state, StatusCompleted, fmt.Sprintf("max tasks reached (%d)", opts.MaxTasks), nil)
		}

		tasks, err := c.deps.Store.Select(state.filter)
		if err != nil {
			return c.finish(ctx, log, state, StatusFailed, "cannot read ledger", err)
		}
		state.remaining = len(tasks)
		if len(tasks) == 0 {
			return c.finish(ctx, log, state, StatusCompleted, "no remaining tasks", nil)
		}

		if err := c.runTask(ctx, log, state, tasks[0]); err != nil {
			return c.finish(ctx, log, state, StatusFailed, err.Error(), err)
		}
	}
}

// runTask takes one task through claim, execution, review and its terminal
// transition. Task-level failures are absorbed into the counters; the
// returned error is session-fatal.
func (c *Controller) runTask(ctx context.Context, log *slog.Logger, state *runState, task ledger.Task) error {
	log = log.With("task", task.ID)

	// A task whose working context cannot be resolved is a ledger defect.
	// Resolve before claiming so the abort does not strand it in progress.
	dir, err := c.deps.Resolver.Resolve(task)
	if err != nil {
		log.Error("cannot resolve working directory", "error", err)
		return err
	}

	claimed, err := c.deps.Transitions.Claim(ctx, task)
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, transition.ErrInvalidTransition) {
		state.claimConflicts++
		if state.claimConflicts > maxClaimConflicts {
			return fmt.Errorf("ledger keeps changing, gave up claiming %s: %w", task.ID, err)
		}
		log.Warn("task changed before claim, selecting again", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", task.ID, err)
	}
	state.claimConflicts = 0

	state.current = claimed
	c.publish(state)
	c.emit(ctx, state, metrics.Event{Event: metrics.TaskStarted, TaskID: task.ID, TaskTitle: task.Title, Success: true})
	log.Info("task started", "title", task.Title, "dir", dir)

	start := c.now()
	taskErr := c.attempt(ctx, log, *claimed, dir)
	duration := c.now().Sub(start)

	// The outcome is recorded even when ctx was cancelled during the attempt.
	rctx, cancel := settle(ctx)
	defer cancel()

	if taskErr == nil {
		if _, err := c.deps.Transitions.Complete(rctx, claimed); err != nil {
			return fmt.Errorf("complete %s: %w", task.ID, err)
		}
		state.completed++
		state.consecutive = 0
		state.current = nil
		log.Info("task completed", "duration", duration.Round(time.Millisecond))
		c.emit(rctx, state, metrics.Event{Event: metrics.TaskCompleted, TaskID: task.ID, TaskTitle: task.Title,
			DurationMs: duration.Milliseconds(), Success: true})
		c.publish(state)
		return nil
	}

	if _, err := c.deps.Transitions.Reopen(rctx, claimed, taskErr.Error()); err != nil {
		return fmt.Errorf("reopen %s: %w", task.ID, err)
	}
	state.failed++
	state.consecutive++
	state.current = nil
	log.Warn("task failed", "error", taskErr, "consecutive_failures", state.consecutive)
	c.emit(rctx, state, metrics.Event{Event: metrics.TaskFailed, TaskID: task.ID, TaskTitle: task.Title,
		DurationMs: duration.Milliseconds()}.WithError(taskErr))
	c.publish(state)

	if ctx.Err() != nil {
		return nil
	}
	if state.consecutive >= c.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("circuit breaker tripped after %d consecutive failures", state.consecutive)
	}
	if c.cfg.FailureDelay > 0 {
		log.Debug("waiting after failure", "delay", c.cfg.FailureDelay)
		if err := c.sleep(ctx, c.cfg.FailureDelay); err != nil {
			return nil
		}
	}
	return nil
}

// attempt runs execution and, when it succeeds, review. A nil return means
// the task may be closed.
func (c *Controller) attempt(ctx context.Context, log *slog.Logger, task ledger.Task, dir string) error {
	if _, err := c.deps.Executor.Execute(ctx, task, dir); err != nil {
		return err
	}
	verdict := c.deps.Reviewer.Review(ctx, task, dir)
	log.Info("review verdict", "verdict", verdict.String())
	return verdict.Err(task.ID)
}

// dryRun reports what would run without touching the ledger or the agent.
func (c *Controller) dryRun(ctx context.Context, log *slog.Logger, state *runState) Result {
	tasks, err := c.deps.Store.Select(state.filter)
	if err != nil {
		return c.finish(ctx, log, state, StatusFailed, "cannot read ledger", err)
	}
	state.remaining = len(tasks)
	if state.opts.MaxTasks > 0 && len(tasks) > state.opts.MaxTasks {
		tasks = tasks[:state.opts.MaxTasks]
	}
	for _, task := range tasks {
		dir, err := c.deps.Resolver.Resolve(task)
		if err != nil {
			log.Error("cannot resolve working directory", "task", task.ID, "error", err)
			return c.finish(ctx, log, state, StatusFailed, err.Error(), err)
		}
		log.Info("would run task", "task", task.ID, "title", task.Title, "priority", task.Priority, "dir", dir)
	}
	return c.finish(ctx, log, state, StatusCompleted, fmt.Sprintf("dry run: %d task(s) would run", len(tasks)), nil)
}

// finish moves the session to its terminal status, sweeps pending ledger
// syncs and publishes the final snapshot.
func (c *Controller) finish(ctx context.Context, log *slog.Logger, state *runState, status Status, reason string, err error) Result {
	state.status = status
	state.message = reason
	state.current = nil

	ctx, cancel := settle(ctx)
	defer cancel()

	if !state.opts.DryRun && c.deps.Transitions != nil {
		c.deps.Transitions.Flush(ctx)
	}
	c.deps.Stop.Clear()

	if status == StatusFailed {
		log.Error("session failed", "reason", reason, "completed", state.completed, "failed", state.failed)
	} else {
		log.Info("session completed", "reason", reason, "completed", state.completed, "failed", state.failed)
	}

	e := metrics.Event{Event: metrics.SessionCompleted, Success: status == StatusCompleted,
		DurationMs: c.now().Sub(state.startedAt).Milliseconds()}
	if err != nil {
		e = e.WithError(err)
	}
	c.emit(ctx, state, e)

	snap := c.publish(state)
	return Result{Snapshot: snap, ExitReason: reason, Err: err}
}

// publish recomputes remainingTasks from the ledger, then saves and delivers
// a snapshot. A stop requested mid-task shows up as STOPPING.
func (c *Controller) publish(state *runState) Snapshot {
	if state.status == StatusRunning && c.deps.Stop.Requested() {
		state.status = StatusStopping
	}
	if state.opts.Label != "" {
		if n, err := c.deps.Store.Count(state.filter); err == nil {
			state.remaining = n
		}
	}

	snap := state.snapshot(c.now())
	if c.deps.Snapshots != nil {
		if err := c.deps.Snapshots.Save(snap); err != nil {
			c.logger.Warn("could not write status snapshot", "error", err)
		}
	}
	if c.OnSnapshot != nil {
		c.OnSnapshot(snap)
	}
	return snap
}

func (c *Controller) emit(ctx context.Context, state *runState, e metrics.Event) {
	e.Label = state.opts.Label
	e.CompletedTasks = state.completed
	e.FailedTasks = state.failed
	c.deps.Metrics.Emit(ctx, e)
}

// settle detaches ctx from cancellation so the end of a task or session is
// still synced and reported after a hard cancel.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func priorityAttr(p *int) any {
	if p == nil {
		return "any"
	}
	return *p
}
