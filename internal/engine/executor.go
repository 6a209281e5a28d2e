// Package engine runs a single task: the execution pass that lets the agent
// do the work and commits it, and the review pass that judges the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pengelbrecht/ledgerloop/internal/agent"
	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/vcs"
)

// DirtyPolicy decides what happens to files a failed execution leaves behind.
type DirtyPolicy string

const (
	// DirtyWarn logs the leftover paths and keeps them.
	DirtyWarn DirtyPolicy = "warn"
	// DirtyStash moves leftovers into a git stash so the next task's commit
	// cannot pick them up.
	DirtyStash DirtyPolicy = "stash"
	// DirtyIgnore does nothing.
	DirtyIgnore DirtyPolicy = "ignore"
)

// Valid reports whether p is a known policy.
func (p DirtyPolicy) Valid() bool {
	switch p {
	case DirtyWarn, DirtyStash, DirtyIgnore:
		return true
	}
	return false
}

// ExecutionError is a task-level failure of the execution pass.
type ExecutionError struct {
	TaskID string
	// Stage is "agent" or "commit".
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s (%s): %v", e.TaskID, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Sync enables the pre-execution fetch/rebase and post-commit push.
	Sync        bool
	Remote      string
	Branch      string
	PushCommits bool

	DirtyPolicy DirtyPolicy

	// ExcludedPaths are path prefixes, relative to the repository top, that
	// never count as agent output. Nil means vcs.DefaultExcludedPaths.
	ExcludedPaths []string

	// Timeout bounds one agent run. Zero means none.
	Timeout time.Duration

	Logger *slog.Logger
}

// Execution is the outcome of a successful execution pass.
type Execution struct {
	Output   string
	Duration time.Duration

	// Commit is the abbreviated hash of the commit holding the agent's
	// changes, empty when the agent changed nothing.
	Commit string
}

// Executor runs the agent on a task and commits what it produced.
type Executor struct {
	agent  agent.Agent
	prompt *PromptBuilder
	opts   ExecutorOptions
	logger *slog.Logger

	// OnOutput receives agent output as it streams. Optional.
	OnOutput func(chunk string)
}

// NewExecutor creates an Executor.
func NewExecutor(a agent.Agent, opts ExecutorOptions) *Executor {
	if opts.DirtyPolicy == "" {
		opts.DirtyPolicy = DirtyWarn
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{agent: a, prompt: NewPromptBuilder(), opts: opts, logger: logger}
}

// Execute syncs dir with its remote, runs the agent there and commits every
// resulting change. It blocks until the agent exits.
func (e *Executor) Execute(ctx context.Context, task ledger.Task, dir string) (*Execution, error) {
	log := e.logger.With("task", task.ID)

	repo, err := vcs.Open(ctx, dir)
	if err != nil {
		log.Warn("working directory is not a git repository, changes will not be committed", "dir", dir)
		repo = nil
	}
	if repo != nil && e.opts.ExcludedPaths != nil {
		repo.SetExcludedPaths(e.opts.ExcludedPaths)
	}
	if repo != nil && e.opts.Sync {
		e.preSync(ctx, repo, log)
	}

	start := time.Now()
	result, err := e.runAgent(ctx, e.prompt.Execution(task, dir), dir)
	if err != nil {
		if repo != nil {
			e.handleLeftovers(ctx, repo, task, log)
		}
		return nil, &ExecutionError{TaskID: task.ID, Stage: "agent", Err: err}
	}

	res := &Execution{Output: result.Output, Duration: time.Since(start)}
	if repo == nil {
		return res, nil
	}

	committed, err := repo.CommitAll(ctx, commitMessage(task))
	if err != nil {
		return nil, &ExecutionError{TaskID: task.ID, Stage: "commit", Err: err}
	}
	if !committed {
		log.Info("agent made no changes")
		return res, nil
	}
	res.Commit = repo.Head(ctx)
	log.Info("committed agent changes", "commit", res.Commit)

	if e.opts.Sync && e.opts.PushCommits {
		if err := repo.Push(ctx, e.opts.Remote, e.opts.Branch); err != nil {
			log.Warn("push failed", "error", err)
		}
	}
	return res, nil
}

// preSync fetches and rebases. Failures are tolerated.
func (e *Executor) preSync(ctx context.Context, repo *vcs.Repo, log *slog.Logger) {
	if err := repo.Fetch(ctx, e.opts.Remote); err != nil {
		log.Warn("pre-execution fetch failed", "error", err)
		return
	}
	if err := repo.PullRebase(ctx, e.opts.Remote, e.opts.Branch); err != nil {
		log.Warn("pre-execution pull failed", "error", err)
	}
}

func (e *Executor) runAgent(ctx context.Context, prompt, dir string) (*agent.Result, error) {
	opts := agent.RunOpts{Dir: dir, Timeout: e.opts.Timeout}
	return runAgent(ctx, e.agent, prompt, opts, e.OnOutput)
}

// handleLeftovers applies the dirty policy after a failed run.
func (e *Executor) handleLeftovers(ctx context.Context, repo *vcs.Repo, task ledger.Task, log *slog.Logger) {
	if e.opts.DirtyPolicy == DirtyIgnore {
		return
	}
	changes, err := repo.Status(ctx)
	if err != nil {
		log.Warn("could not inspect working tree after failure", "error", err)
		return
	}
	if len(changes) == 0 {
		return
	}

	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.Path)
	}

	switch e.opts.DirtyPolicy {
	case DirtyStash:
		msg := fmt.Sprintf("ledgerloop: leftovers from failed %s", task.ID)
		if _, err := repo.Stash(ctx, msg); err != nil {
			log.Warn("could not stash leftovers", "error", err, "paths", paths)
			return
		}
		log.Info("stashed leftovers from failed execution", "paths", paths)
	default:
		log.Warn("failed execution left uncommitted changes; they may be included in the next commit",
			"paths", paths)
	}
}

func commitMessage(task ledger.Task) string {
	return fmt.Sprintf("%s: %s", task.ID, task.Title)
}

// runAgent runs a and forwards streamed output to onOutput when set.
func runAgent(ctx context.Context, a agent.Agent, prompt string, opts agent.RunOpts, onOutput func(string)) (*agent.Result, error) {
	var streamChan chan string
	done := make(chan struct{})
	if onOutput != nil {
		streamChan = make(chan string, 100)
		opts.Stream = streamChan
		go func() {
			defer close(done)
			for chunk := range streamChan {
				onOutput(chunk)
			}
		}()
	} else {
		close(done)
	}

	result, err := a.Run(ctx, prompt, opts)

	if streamChan != nil {
		close(streamChan)
	}
	<-done
	return result, err
}

// exitSummary shortens an agent error for logs and metrics.
func exitSummary(err error) string {
	var exitErr *agent.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit code %d", exitErr.Code)
	}
	return strings.SplitN(err.Error(), "\n", 2)[0]
}
