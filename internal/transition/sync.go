package transition

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pengelbrecht/ledgerloop/internal/vcs"
)

// Syncer publishes local ledger changes to a shared remote. Errors are
// reported but never stop a session.
type Syncer interface {
	// Sync records the current ledger state with message and publishes it.
	Sync(ctx context.Context, message string) error

	// Flush retries anything that has not reached the remote yet.
	Flush(ctx context.Context) error
}

// NopSyncer keeps the ledger local.
type NopSyncer struct{}

func (NopSyncer) Sync(context.Context, string) error { return nil }
func (NopSyncer) Flush(context.Context) error        { return nil }

// GitSyncer commits the ledger file and pushes it.
type GitSyncer struct {
	repo   *vcs.Repo
	ledger string
	remote string
	branch string

	// pending is set while a commit exists locally that a push has not
	// confirmed.
	pending bool
}

// NewGitSyncer returns a syncer for the ledger at ledgerPath. An empty branch
// pushes the current branch.
func NewGitSyncer(repo *vcs.Repo, ledgerPath, remote, branch string) (*GitSyncer, error) {
	abs, err := filepath.Abs(ledgerPath)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger path: %w", err)
	}
	return &GitSyncer{repo: repo, ledger: abs, remote: remote, branch: branch}, nil
}

// Sync stages the ledger, commits it when it changed and pushes.
func (s *GitSyncer) Sync(ctx context.Context, message string) error {
	if err := s.repo.Add(ctx, s.ledger); err != nil {
		return &vcs.SyncError{Op: "stage ledger", Err: err}
	}
	committed, err := s.repo.Commit(ctx, message)
	if err != nil {
		return &vcs.SyncError{Op: "commit ledger", Err: err}
	}
	if committed {
		s.pending = true
	}
	if !s.pending {
		return nil
	}
	return s.push(ctx)
}

// Flush pushes commits left behind by earlier failed pushes.
func (s *GitSyncer) Flush(ctx context.Context) error {
	if !s.pending {
		return nil
	}
	return s.push(ctx)
}

func (s *GitSyncer) push(ctx context.Context) error {
	if err := s.repo.Push(ctx, s.remote, s.branch); err != nil {
		return err
	}
	s.pending = false
	return nil
}
