package transition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

const testLedger = `## [OPEN] t-1: First task
priority: 1 | labels: infra
Do the first thing.

## [IN_PROGRESS] t-2: Second task
priority: 2 | labels: infra

## [CLOSED] t-3: Done task
`

type recordingSyncer struct {
	messages []string
	flushes  int
	err      error
}

func (s *recordingSyncer) Sync(_ context.Context, message string) error {
	s.messages = append(s.messages, message)
	return s.err
}

func (s *recordingSyncer) Flush(context.Context) error {
	s.flushes++
	return s.err
}

func newTestManager(t *testing.T, opts Options) (*Manager, *ledger.Store, *recordingSyncer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "TASKS.md")
	if err := os.WriteFile(path, []byte(testLedger), 0o644); err != nil {
		t.Fatal(err)
	}
	store := ledger.NewStore(path)
	syncer := &recordingSyncer{}
	opts.Syncer = syncer
	return NewManager(store, opts), store, syncer
}

func mustGet(t *testing.T, store *ledger.Store, id string) *ledger.Task {
	t.Helper()
	task, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return task
}

func TestManager_ClaimCompleteLifecycle(t *testing.T) {
	m, store, syncer := newTestManager(t, Options{})
	ctx := context.Background()

	task := mustGet(t, store, "t-1")
	claimed, err := m.Claim(ctx, *task)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.Status != ledger.StatusInProgress {
		t.Errorf("Status = %s, want IN_PROGRESS", claimed.Status)
	}
	if got := mustGet(t, store, "t-1").Status; got != ledger.StatusInProgress {
		t.Errorf("persisted status = %s, want IN_PROGRESS", got)
	}

	closed, err := m.Complete(ctx, claimed)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if closed.Status != ledger.StatusClosed {
		t.Errorf("Status = %s, want CLOSED", closed.Status)
	}

	want := []string{"ledgerloop: claim t-1", "ledgerloop: close t-1"}
	if strings.Join(syncer.messages, ";") != strings.Join(want, ";") {
		t.Errorf("sync messages = %v, want %v", syncer.messages, want)
	}
}

func TestManager_InvalidTransitions(t *testing.T) {
	m, store, syncer := newTestManager(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"claim in-progress task", func() error {
			_, err := m.Claim(ctx, *mustGet(t, store, "t-2"))
			return err
		}},
		{"claim closed task", func() error {
			_, err := m.Claim(ctx, *mustGet(t, store, "t-3"))
			return err
		}},
		{"complete open task", func() error {
			_, err := m.Complete(ctx, mustGet(t, store, "t-1"))
			return err
		}},
		{"reopen closed task", func() error {
			_, err := m.Reopen(ctx, mustGet(t, store, "t-3"), "nope")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
	if len(syncer.messages) != 0 {
		t.Errorf("rejected transitions must not sync, got %v", syncer.messages)
	}
}

func TestManager_ClaimStaleVersion(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	task := mustGet(t, store, "t-1")

	data, _ := os.ReadFile(store.Path())
	edited := strings.Replace(string(data), "Do the first thing.", "Do the first thing carefully.", 1)
	if err := os.WriteFile(store.Path(), []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Claim(context.Background(), *task); !errors.Is(err, ledger.ErrConflict) {
		t.Errorf("Claim() error = %v, want ErrConflict", err)
	}
	if got := mustGet(t, store, "t-1").Status; got != ledger.StatusOpen {
		t.Errorf("status = %s, stale claim must not write", got)
	}
}

func TestManager_CompleteRetriesAfterConcurrentEdit(t *testing.T) {
	m, store, _ := newTestManager(t, Options{})
	ctx := context.Background()

	claimed, err := m.Claim(ctx, *mustGet(t, store, "t-1"))
	if err != nil {
		t.Fatal(err)
	}

	// A human edits the description while the agent runs.
	data, _ := os.ReadFile(store.Path())
	edited := strings.Replace(string(data), "Do the first thing.", "Do the first thing. Also docs.", 1)
	if err := os.WriteFile(store.Path(), []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	closed, err := m.Complete(ctx, claimed)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if closed.Status != ledger.StatusClosed {
		t.Errorf("Status = %s, want CLOSED", closed.Status)
	}
	if !strings.Contains(closed.Description, "Also docs.") {
		t.Error("concurrent description edit was lost")
	}
}

func TestManager_Reopen(t *testing.T) {
	m, store, syncer := newTestManager(t, Options{})
	ctx := context.Background()

	claimed, err := m.Claim(ctx, *mustGet(t, store, "t-1"))
	if err != nil {
		t.Fatal(err)
	}
	reopened, err := m.Reopen(ctx, claimed, "agent exited 1")
	if err != nil {
		t.Fatalf("Reopen() error = %v", err)
	}
	if reopened.Status != ledger.StatusOpen {
		t.Errorf("Status = %s, want OPEN", reopened.Status)
	}
	if reopened.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", reopened.Attempts)
	}
	if m.NeedsManualReview(reopened) {
		t.Error("unbounded attempts must never need manual review")
	}
	last := syncer.messages[len(syncer.messages)-1]
	if last != "ledgerloop: reopen t-1: agent exited 1" {
		t.Errorf("last sync message = %q", last)
	}
}

func TestManager_ReopenAttemptCap(t *testing.T) {
	m, store, _ := newTestManager(t, Options{MaxAttempts: 2, ManualReviewLabel: "needs-manual-review"})
	ctx := context.Background()

	var task *ledger.Task
	for i := 1; i <= 2; i++ {
		claimed, err := m.Claim(ctx, *mustGet(t, store, "t-1"))
		if err != nil {
			t.Fatalf("attempt %d: Claim() error = %v", i, err)
		}
		task, err = m.Reopen(ctx, claimed, "failed")
		if err != nil {
			t.Fatalf("attempt %d: Reopen() error = %v", i, err)
		}
	}

	if task.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", task.Attempts)
	}
	if !task.HasLabel("needs-manual-review") {
		t.Errorf("Labels = %v, want manual review label", task.Labels)
	}
	if !m.NeedsManualReview(task) {
		t.Error("NeedsManualReview() = false, want true")
	}
	if task.Status != ledger.StatusOpen {
		t.Errorf("Status = %s, capped task stays OPEN", task.Status)
	}
}

func TestManager_SyncFailureIsNotFatal(t *testing.T) {
	m, store, syncer := newTestManager(t, Options{})
	syncer.err = errors.New("remote unreachable")
	ctx := context.Background()

	claimed, err := m.Claim(ctx, *mustGet(t, store, "t-1"))
	if err != nil {
		t.Fatalf("Claim() error = %v, sync failures must be swallowed", err)
	}
	if claimed.Status != ledger.StatusInProgress {
		t.Errorf("Status = %s", claimed.Status)
	}

	m.Flush(ctx)
	if syncer.flushes != 1 {
		t.Errorf("flushes = %d, want 1", syncer.flushes)
	}
}
