// Package vcs wraps the git operations the loop needs: pre-execution sync,
// committing agent output, pushing, reading history and checking for
// leftover changes.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNotGitRepo is returned when the directory is not inside a git work tree.
var ErrNotGitRepo = errors.New("not a git repository")

// DefaultExcludedPaths are ledgerloop's own state files. They change while a
// session runs and never count as agent output.
var DefaultExcludedPaths = []string{
	".ledgerloop/",
}

// SyncError is a failed interaction with a remote. It is only ever logged.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Repo runs git commands in one working directory.
type Repo struct {
	dir      string
	root     string
	excluded []string
}

// Open returns a Repo for dir. dir may be any directory inside a work tree.
func Open(ctx context.Context, dir string) (*Repo, error) {
	r := &Repo{dir: dir, excluded: DefaultExcludedPaths}
	out, err := r.output(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotGitRepo)
	}
	r.root = strings.TrimSpace(out)
	return r, nil
}

// Dir returns the directory commands run in.
func (r *Repo) Dir() string {
	return r.dir
}

// Root returns the top level of the work tree.
func (r *Repo) Root() string {
	return r.root
}

// SetExcludedPaths replaces the path prefixes ignored by Status.
func (r *Repo) SetExcludedPaths(paths []string) {
	r.excluded = paths
}

// Fetch downloads objects and refs from remote.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	if err := r.run(ctx, "fetch", remote); err != nil {
		return &SyncError{Op: "fetch", Err: err}
	}
	return nil
}

// PullRebase rebases local commits onto remote/branch. An empty branch pulls
// the current branch's upstream.
func (r *Repo) PullRebase(ctx context.Context, remote, branch string) error {
	args := []string{"pull", "--rebase", remote}
	if branch != "" {
		args = append(args, branch)
	}
	if err := r.run(ctx, args...); err != nil {
		// Leave the tree usable for the agent if the rebase stopped halfway.
		_ = r.run(ctx, "rebase", "--abort")
		return &SyncError{Op: "pull", Err: err}
	}
	return nil
}

// Push pushes HEAD to remote. An empty branch pushes the current branch.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	args := []string{"push", remote}
	if branch != "" {
		args = append(args, "HEAD:"+branch)
	}
	if err := r.run(ctx, args...); err != nil {
		return &SyncError{Op: "push", Err: err}
	}
	return nil
}

// Add stages the given paths.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	return r.run(ctx, append([]string{"add", "--"}, paths...)...)
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	err := r.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

// Commit records the index with message. It returns false without error when
// nothing is staged.
func (r *Repo) Commit(ctx context.Context, message string) (bool, error) {
	staged, err := r.HasStagedChanges(ctx)
	if err != nil {
		return false, err
	}
	if !staged {
		return false, nil
	}
	if err := r.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// CommitAll stages every change under the working directory, including
// untracked files, and commits it. A clean tree is not an error.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	if err := r.run(ctx, append([]string{"add", "-A", "--"}, r.pathspecs()...)...); err != nil {
		return false, err
	}
	return r.Commit(ctx, message)
}

// pathspecs selects the working directory minus the excluded paths.
func (r *Repo) pathspecs() []string {
	specs := []string{"."}
	for _, p := range r.excluded {
		specs = append(specs, ":(top,exclude)"+strings.TrimSuffix(p, "/"))
	}
	return specs
}

// Head returns the abbreviated HEAD commit, or "" in an empty repository.
func (r *Repo) Head(ctx context.Context) string {
	out, err := r.output(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Log returns the last n commits with file stats.
func (r *Repo) Log(ctx context.Context, n int) (string, error) {
	if n <= 0 {
		n = 1
	}
	out, err := r.output(ctx, "log", "-n", strconv.Itoa(n), "--stat", "--no-color")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Stash moves every uncommitted change, including untracked files, into a
// stash entry labelled message. It returns false when there was nothing to
// stash.
func (r *Repo) Stash(ctx context.Context, message string) (bool, error) {
	changes, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	if len(changes) == 0 {
		return false, nil
	}
	args := append([]string{"stash", "push", "--include-untracked", "-m", message, "--"}, r.pathspecs()...)
	if err := r.run(ctx, args...); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repo) run(ctx context.Context, args ...string) error {
	_, err := r.output(ctx, args...)
	return err
}

// output runs git and returns stdout, folding stderr into the error.
func (r *Repo) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
