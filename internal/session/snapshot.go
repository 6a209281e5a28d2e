package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusStopping  Status = "STOPPING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Active reports whether a session in status s is still processing.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusStopping
}

// Snapshot is a point-in-time view of a session for pollers.
type Snapshot struct {
	SessionID        string     `json:"sessionId,omitempty"`
	Running          bool       `json:"running"`
	Status           Status     `json:"status"`
	Label            string     `json:"label"`
	RemainingTasks   int        `json:"remainingTasks"`
	CompletedTasks   int        `json:"completedTasks"`
	FailedTasks      int        `json:"failedTasks"`
	CurrentTaskID    *string    `json:"currentTaskId"`
	CurrentTaskTitle *string    `json:"currentTaskTitle"`
	StartedAt        *time.Time `json:"startedAt"`
	LastUpdate       time.Time  `json:"lastUpdate"`
	Message          *string    `json:"message"`
}

// IdleSnapshot is what pollers see before any session has run.
func IdleSnapshot(now time.Time) Snapshot {
	return Snapshot{Status: StatusIdle, LastUpdate: now}
}

// SnapshotStore persists snapshots as JSON.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore creates a store writing status.json under stateDir.
func NewSnapshotStore(stateDir string) *SnapshotStore {
	return &SnapshotStore{path: filepath.Join(stateDir, "status.json")}
}

// Path returns the snapshot file path.
func (s *SnapshotStore) Path() string {
	return s.path
}

// Save writes snap atomically so readers never see a partial file.
func (s *SnapshotStore) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "status-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load reads the last saved snapshot. A missing file yields an idle
// snapshot.
func (s *SnapshotStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return IdleSnapshot(time.Now()), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

func ptr[T any](v T) *T {
	return &v
}
