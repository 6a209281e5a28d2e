package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pengelbrecht/ledgerloop/internal/agent"
	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

var testTask = ledger.Task{ID: "t-1", Title: "Add feature", Priority: 1, Labels: []string{"infra"}}

func TestExecutor_CommitsAgentChanges(t *testing.T) {
	dir := createTempGitRepo(t)
	a := &mockAgent{responses: []mockResponse{{
		output: "done",
		files:  map[string]string{"feature.go": "package feature", "docs/feature.md": "# Feature"},
	}}}
	e := NewExecutor(a, ExecutorOptions{})

	var streamed strings.Builder
	e.OnOutput = func(chunk string) { streamed.WriteString(chunk) }

	res, err := e.Execute(context.Background(), testTask, dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Output != "done" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Commit == "" {
		t.Error("Commit should be set")
	}
	if streamed.String() != "done" {
		t.Errorf("streamed = %q", streamed.String())
	}

	if subject := gitRun(t, dir, "log", "-1", "--format=%s"); subject != "t-1: Add feature" {
		t.Errorf("commit subject = %q", subject)
	}
	if status := gitRun(t, dir, "status", "--porcelain"); status != "" {
		t.Errorf("tree not clean after execute: %q", status)
	}
	if len(a.dirs) != 1 || a.dirs[0] != dir {
		t.Errorf("agent ran in %v, want %s", a.dirs, dir)
	}
	if !strings.Contains(a.prompts[0], "# Task t-1: Add feature") {
		t.Error("agent did not get the execution prompt")
	}
}

func TestExecutor_NoChangesNoCommit(t *testing.T) {
	dir := createTempGitRepo(t)
	head := gitRun(t, dir, "rev-parse", "HEAD")
	e := NewExecutor(&mockAgent{responses: []mockResponse{{output: "nothing to do"}}}, ExecutorOptions{})

	res, err := e.Execute(context.Background(), testTask, dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Commit != "" {
		t.Errorf("Commit = %q, want empty", res.Commit)
	}
	if gitRun(t, dir, "rev-parse", "HEAD") != head {
		t.Error("HEAD moved without changes")
	}
}

func TestExecutor_ExcludedPathsAreNotCommitted(t *testing.T) {
	dir := createTempGitRepo(t)
	head := gitRun(t, dir, "rev-parse", "HEAD")
	a := &mockAgent{responses: []mockResponse{{
		output: "done",
		files:  map[string]string{"state/snapshot.json": "{}"},
	}}}
	e := NewExecutor(a, ExecutorOptions{ExcludedPaths: []string{"state/"}})

	res, err := e.Execute(context.Background(), testTask, dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Commit != "" || gitRun(t, dir, "rev-parse", "HEAD") != head {
		t.Error("files under an excluded path must not be committed")
	}
}

func TestExecutor_AgentFailure(t *testing.T) {
	tests := []struct {
		name       string
		policy     DirtyPolicy
		wantStatus string
	}{
		{"warn keeps leftovers", DirtyWarn, "?? partial.go"},
		{"ignore keeps leftovers", DirtyIgnore, "?? partial.go"},
		{"stash removes leftovers", DirtyStash, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := createTempGitRepo(t)
			head := gitRun(t, dir, "rev-parse", "HEAD")
			agentErr := &agent.ExitError{Agent: "mock", Code: 2, Err: errors.New("exit status 2")}
			a := &mockAgent{responses: []mockResponse{{
				files: map[string]string{"partial.go": "package half"},
				err:   agentErr,
			}}}
			e := NewExecutor(a, ExecutorOptions{DirtyPolicy: tt.policy})

			_, err := e.Execute(context.Background(), testTask, dir)
			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("Execute() error = %v, want *ExecutionError", err)
			}
			if execErr.Stage != "agent" || execErr.TaskID != "t-1" {
				t.Errorf("ExecutionError = %+v", execErr)
			}
			if !errors.Is(err, agentErr) {
				t.Error("ExecutionError should wrap the agent error")
			}
			if gitRun(t, dir, "rev-parse", "HEAD") != head {
				t.Error("failed execution must not commit")
			}
			if got := gitRun(t, dir, "status", "--porcelain"); got != tt.wantStatus {
				t.Errorf("status = %q, want %q", got, tt.wantStatus)
			}
		})
	}
}

func TestExecutor_CommitFailureIsExecutionError(t *testing.T) {
	dir := createTempGitRepo(t)
	// A failing pre-commit hook makes the commit step fail.
	hooks := filepath.Join(dir, ".git", "hooks")
	if err := os.MkdirAll(hooks, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hooks, "pre-commit"), []byte("#!/bin/sh\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	a := &mockAgent{responses: []mockResponse{{files: map[string]string{"x.go": "package x"}}}}
	e := NewExecutor(a, ExecutorOptions{})

	_, err := e.Execute(context.Background(), testTask, dir)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want *ExecutionError", err)
	}
	if execErr.Stage != "commit" {
		t.Errorf("Stage = %q, want commit", execErr.Stage)
	}
}

func TestExecutor_SyncFailuresTolerated(t *testing.T) {
	dir := createTempGitRepo(t)
	a := &mockAgent{responses: []mockResponse{{files: map[string]string{"x.go": "package x"}}}}
	e := NewExecutor(a, ExecutorOptions{Sync: true, Remote: "nowhere", PushCommits: true})

	res, err := e.Execute(context.Background(), testTask, dir)
	if err != nil {
		t.Fatalf("Execute() error = %v, sync failures must be tolerated", err)
	}
	if res.Commit == "" {
		t.Error("work should still be committed locally")
	}
}

func TestExecutor_PushesToRemote(t *testing.T) {
	remote := t.TempDir()
	gitRun(t, remote, "init", "--bare")
	dir := createTempGitRepo(t)
	gitRun(t, dir, "remote", "add", "origin", remote)
	gitRun(t, dir, "push", "origin", "HEAD:main")

	a := &mockAgent{responses: []mockResponse{{files: map[string]string{"x.go": "package x"}}}}
	e := NewExecutor(a, ExecutorOptions{Sync: true, Remote: "origin", Branch: "main", PushCommits: true})

	if _, err := e.Execute(context.Background(), testTask, dir); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if subject := gitRun(t, remote, "log", "-1", "--format=%s", "main"); subject != "t-1: Add feature" {
		t.Errorf("remote head = %q", subject)
	}
}

func TestExecutor_NonGitDirectory(t *testing.T) {
	dir := t.TempDir()
	a := &mockAgent{responses: []mockResponse{{output: "ok", files: map[string]string{"x.txt": "x"}}}}
	e := NewExecutor(a, ExecutorOptions{Sync: true, Remote: "origin"})

	res, err := e.Execute(context.Background(), testTask, dir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Commit != "" {
		t.Error("nothing can be committed outside a repository")
	}
}

func TestDirtyPolicy_Valid(t *testing.T) {
	for _, p := range []DirtyPolicy{DirtyWarn, DirtyStash, DirtyIgnore} {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if DirtyPolicy("reset").Valid() {
		t.Error("unknown policy should be invalid")
	}
}
