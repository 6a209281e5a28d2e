package tui

import (
	"errors"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/logging"
	"github.com/pengelbrecht/ledgerloop/internal/session"
)

// Source is what the dashboard polls.
type Source interface {
	Snapshot() (session.Snapshot, error)
	Logs(n int) ([]string, error)
	Tasks(label string) ([]ledger.Task, error)
	RequestStop() error
}

// FileSource reads the state files a running session writes. It works
// whether the session lives in this process or another one.
type FileSource struct {
	Snapshots *session.SnapshotStore
	Ledger    *ledger.Store
	Stop      *session.FileSignal
	LogFile   string
}

// Snapshot returns the last published snapshot.
func (s *FileSource) Snapshot() (session.Snapshot, error) {
	return s.Snapshots.Load()
}

// Logs returns the last n log lines.
func (s *FileSource) Logs(n int) ([]string, error) {
	if s.LogFile == "" {
		return nil, nil
	}
	return logging.Tail(s.LogFile, n)
}

// Tasks returns every task carrying label, in document order.
func (s *FileSource) Tasks(label string) ([]ledger.Task, error) {
	if s.Ledger == nil || label == "" {
		return nil, nil
	}
	return s.Ledger.Select(ledger.Filter{Label: label})
}

// RequestStop drops the stop file the session polls between tasks.
func (s *FileSource) RequestStop() error {
	if s.Stop == nil {
		return errors.New("no stop signal configured")
	}
	return s.Stop.Request()
}
