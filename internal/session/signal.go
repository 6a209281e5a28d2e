package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// StopSignal is the cooperative stop request. The controller polls it only
// between tasks and clears it when the session ends.
type StopSignal interface {
	Requested() bool
	Clear()
}

// StopToken is an in-process stop signal.
type StopToken struct {
	requested atomic.Bool
}

func (t *StopToken) Request()        { t.requested.Store(true) }
func (t *StopToken) Requested() bool { return t.requested.Load() }
func (t *StopToken) Clear()          { t.requested.Store(false) }

// FileSignal is a stop signal carried by a sentinel file, so a separate
// process can stop a running session.
type FileSignal struct {
	path string
}

// NewFileSignal creates a signal backed by the STOP file in stateDir.
func NewFileSignal(stateDir string) *FileSignal {
	return &FileSignal{path: filepath.Join(stateDir, "STOP")}
}

// Path returns the sentinel file path.
func (f *FileSignal) Path() string {
	return f.path
}

// Request creates the sentinel file.
func (f *FileSignal) Request() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(f.path, []byte("stop\n"), 0o644); err != nil {
		return fmt.Errorf("write stop signal: %w", err)
	}
	return nil
}

func (f *FileSignal) Requested() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

func (f *FileSignal) Clear() {
	_ = os.Remove(f.path)
}

// AnySignal is requested when any member is.
type AnySignal []StopSignal

func (a AnySignal) Requested() bool {
	for _, s := range a {
		if s.Requested() {
			return true
		}
	}
	return false
}

func (a AnySignal) Clear() {
	for _, s := range a {
		s.Clear()
	}
}
