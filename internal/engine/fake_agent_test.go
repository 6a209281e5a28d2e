package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pengelbrecht/ledgerloop/internal/agent"
)

// mockAgent implements agent.Agent for testing. Each call consumes the next
// response; files are written into opts.Dir before returning.
type mockAgent struct {
	responses []mockResponse
	prompts   []string
	dirs      []string
}

type mockResponse struct {
	output string
	files  map[string]string
	err    error
}

func (m *mockAgent) Name() string    { return "mock" }
func (m *mockAgent) Available() bool { return true }

func (m *mockAgent) Run(ctx context.Context, prompt string, opts agent.RunOpts) (*agent.Result, error) {
	m.prompts = append(m.prompts, prompt)
	m.dirs = append(m.dirs, opts.Dir)
	if len(m.responses) == 0 {
		return nil, errors.New("no more mock responses")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]

	for name, content := range resp.files {
		path := filepath.Join(opts.Dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	if opts.Stream != nil && resp.output != "" {
		opts.Stream <- resp.output
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &agent.Result{Output: resp.output, Duration: 10 * time.Millisecond}, nil
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// createTempGitRepo creates a repository with one commit.
func createTempGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("initial content"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "add", "initial.txt")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}
