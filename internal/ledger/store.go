package ledger

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store is the file-backed ledger. Every call re-reads the file so edits made
// by people or other tools are visible immediately. Writes use optimistic
// concurrency: a per-task version token plus a file size/mtime check, so a
// concurrent writer makes the update fail fast instead of being clobbered.
type Store struct {
	path string
}

// NewStore creates a store for the ledger file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the ledger file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the whole ledger.
func (s *Store) Load() (*Document, error) {
	_, doc, err := s.read()
	return doc, err
}

// Select returns the tasks matching f in document order.
func (s *Store) Select(f Filter) ([]Task, error) {
	return Parse(s.path, f)
}

// Count returns the number of tasks matching f.
func (s *Store) Count(f Filter) (int, error) {
	tasks, err := s.Select(f)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// Get returns a single task by id.
func (s *Store) Get(id string) (*Task, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	b := doc.find(id)
	if b == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	t := b.Task.clone()
	return &t, nil
}

// Update applies fn to the task with the given id and writes the result back.
// If version is non-empty it must equal the task's current version, otherwise
// ErrConflict is returned. Only Status, Priority, Target, Labels and Attempts
// are persisted. The returned task carries the new version.
func (s *Store) Update(id, version string, fn func(*Task) error) (*Task, error) {
	before, doc, err := s.read()
	if err != nil {
		return nil, err
	}

	b := doc.find(id)
	if b == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if version != "" && b.Task.Version != version {
		return nil, fmt.Errorf("%s: version %s, expected %s: %w", id, b.Task.Version, version, ErrConflict)
	}

	updated := b.Task.clone()
	if err := fn(&updated); err != nil {
		return nil, err
	}
	doc.apply(b, &updated)
	out := doc.Bytes()

	// Re-check just before writing so a save from an editor in between is
	// not silently overwritten.
	after, err := os.Stat(s.path)
	if err != nil {
		return nil, &ReadError{Path: s.path, Err: err}
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		return nil, fmt.Errorf("%s: file modified during update: %w", s.path, ErrConflict)
	}

	if err := writeAtomic(s.path, out, before.Mode().Perm()); err != nil {
		return nil, err
	}

	fresh := ParseDocument(out).find(id)
	if fresh == nil {
		return nil, fmt.Errorf("%s: task missing after update", id)
	}
	t := fresh.Task.clone()
	return &t, nil
}

func (s *Store) read() (os.FileInfo, *Document, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, nil, &ReadError{Path: s.path, Err: err}
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, &ReadError{Path: s.path, Err: err}
	}
	return info, ParseDocument(data), nil
}

// writeAtomic replaces path via a temp file in the same directory.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
