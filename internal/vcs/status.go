package vcs

import (
	"context"
	"strings"
)

// Change is one entry of `git status --porcelain`.
type Change struct {
	// Code is the two-letter XY status, e.g. " M" or "??".
	Code string
	Path string
}

func (c Change) String() string {
	return c.Code + " " + c.Path
}

// Status lists uncommitted changes, skipping the excluded paths.
func (r *Repo) Status(ctx context.Context) ([]Change, error) {
	out, err := r.output(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out, r.excluded), nil
}

// IsClean reports whether the work tree has no changes outside the excluded
// paths.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	changes, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(changes) == 0, nil
}

// parsePorcelain parses "XY PATH" lines. Renames ("R  old -> new") keep the
// new path.
func parsePorcelain(output string, excluded []string) []Change {
	var changes []Change
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, after, ok := strings.Cut(path, " -> "); ok {
			path = after
		}
		path = strings.Trim(path, `"`)
		if isExcluded(path, excluded) {
			continue
		}
		changes = append(changes, Change{Code: line[:2], Path: path})
	}
	return changes
}

func isExcluded(path string, excluded []string) bool {
	for _, prefix := range excluded {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
