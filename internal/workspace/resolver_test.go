package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

func setupWorkspace(t *testing.T) *Resolver {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"api", "platform/infra", "web"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewResolver(root)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return r
}

func TestResolver_Resolve(t *testing.T) {
	r := setupWorkspace(t)

	tests := []struct {
		name    string
		task    ledger.Task
		want    string
		wantErr string
	}{
		{
			name: "explicit target",
			task: ledger.Task{ID: "a", Target: "api"},
			want: "api",
		},
		{
			name: "nested target",
			task: ledger.Task{ID: "a", Target: "platform/infra"},
			want: "platform/infra",
		},
		{
			name: "target wins over label",
			task: ledger.Task{ID: "a", Target: "api", Labels: []string{"repo:web"}},
			want: "api",
		},
		{
			name: "missing target falls back to label",
			task: ledger.Task{ID: "a", Target: "gone", Labels: []string{"infra", "repo:web"}},
			want: "web",
		},
		{
			name: "label only",
			task: ledger.Task{ID: "a", Labels: []string{"repo:api"}},
			want: "api",
		},
		{
			name:    "nothing to resolve",
			task:    ledger.Task{ID: "a", Labels: []string{"infra"}},
			wantErr: "no target field",
		},
		{
			name:    "target escapes root",
			task:    ledger.Task{ID: "a", Target: "../outside"},
			wantErr: "escapes",
		},
		{
			name:    "absolute target",
			task:    ledger.Task{ID: "a", Target: "/etc"},
			wantErr: "relative",
		},
		{
			name:    "target is a file",
			task:    ledger.Task{ID: "a", Target: "README.md"},
			wantErr: "not a directory",
		},
		{
			name:    "invalid repo name",
			task:    ledger.Task{ID: "a", Labels: []string{"repo:.."}},
			wantErr: "invalid name",
		},
		{
			name:    "repo label with path separator",
			task:    ledger.Task{ID: "a", Labels: []string{"repo:platform/infra"}},
			wantErr: "invalid name",
		},
		{
			name:    "repo directory missing",
			task:    ledger.Task{ID: "a", Labels: []string{"repo:mobile"}},
			wantErr: "does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.task)
			if tt.wantErr != "" {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("Resolve() error = %v, want *ConfigurationError", err)
				}
				if cfgErr.TaskID != "a" {
					t.Errorf("TaskID = %q", cfgErr.TaskID)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if want := filepath.Join(r.Root(), tt.want); got != want {
				t.Errorf("Resolve() = %q, want %q", got, want)
			}
		})
	}
}

func TestNewResolver_Errors(t *testing.T) {
	if _, err := NewResolver(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("NewResolver() on missing root should fail")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver(file); err == nil {
		t.Error("NewResolver() on a file should fail")
	}
}
