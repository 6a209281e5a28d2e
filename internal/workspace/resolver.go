// Package workspace maps a task to the directory the agent works in.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

// RepoLabelPrefix marks a label naming the working directory, e.g. "repo:api".
const RepoLabelPrefix = "repo"

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ConfigurationError means a task's working context cannot be resolved. It
// points at a ledger authoring defect and ends the session.
type ConfigurationError struct {
	TaskID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("task %s: cannot resolve working directory: %s", e.TaskID, e.Reason)
}

// Resolver resolves tasks against a workspace root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver for root. root is made absolute.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &Resolver{root: abs}, nil
}

// Root returns the absolute workspace root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve returns the absolute working directory for task. The explicit
// target field wins when it names an existing directory under the root;
// otherwise a valid repo:<name> label is used.
func (r *Resolver) Resolve(task ledger.Task) (string, error) {
	var reasons []string

	if task.Target != "" {
		dir, err := r.dirUnderRoot(task.Target)
		if err == nil {
			return dir, nil
		}
		reasons = append(reasons, fmt.Sprintf("target %q: %v", task.Target, err))
	}

	if name, ok := task.LabelValue(RepoLabelPrefix); ok {
		if !validRepoName(name) {
			reasons = append(reasons, fmt.Sprintf("label %s:%s: invalid name", RepoLabelPrefix, name))
		} else {
			dir, err := r.dirUnderRoot(name)
			if err == nil {
				return dir, nil
			}
			reasons = append(reasons, fmt.Sprintf("label %s:%s: %v", RepoLabelPrefix, name, err))
		}
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "no target field and no repo: label")
	}
	return "", &ConfigurationError{TaskID: task.ID, Reason: strings.Join(reasons, "; ")}
}

func validRepoName(name string) bool {
	return repoNamePattern.MatchString(name) && name != "." && name != ".."
}

// dirUnderRoot joins rel onto the root and checks that the result is an
// existing directory that does not escape the root.
func (r *Resolver) dirUnderRoot(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("must be relative to the workspace root")
	}
	dir := filepath.Join(r.root, rel)
	within, err := filepath.Rel(r.root, dir)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("escapes the workspace root")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory does not exist")
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory")
	}
	return dir, nil
}
