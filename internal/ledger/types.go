package ledger

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Status is the lifecycle state of a task in the ledger.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusClosed     Status = "CLOSED"
)

// DefaultPriority is used when a block has no metadata row or no priority field.
const DefaultPriority = 2

// Priority bounds: 0 is critical, 3 is low.
const (
	MinPriority = 0
	MaxPriority = 3
)

// ParseStatus converts a header token into a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOpen, StatusInProgress, StatusClosed:
		return Status(s), true
	}
	return "", false
}

// ErrNotFound is returned when a task id does not exist in the ledger.
var ErrNotFound = errors.New("task not found")

// ErrConflict is returned when a task or the ledger file changed between
// read and write.
var ErrConflict = errors.New("ledger changed concurrently")

// Task represents a single work item in the ledger.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"`
	Target      string   `json:"target,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Attempts    int      `json:"attempts,omitempty"`
	Description string   `json:"description,omitempty"`

	// Version is a content hash of the task's block. Pass it back to
	// Store.Update to detect concurrent edits.
	Version string `json:"version"`

	// Line is the 1-based line number of the block header.
	Line int `json:"line"`
}

// IsOpen returns true if the task status is OPEN.
func (t *Task) IsOpen() bool {
	return t.Status == StatusOpen
}

// IsInProgress returns true if the task status is IN_PROGRESS.
func (t *Task) IsInProgress() bool {
	return t.Status == StatusInProgress
}

// IsClosed returns true if the task status is CLOSED.
func (t *Task) IsClosed() bool {
	return t.Status == StatusClosed
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	return slices.Contains(t.Labels, label)
}

// AddLabel appends label unless already present.
func (t *Task) AddLabel(label string) {
	if label == "" || t.HasLabel(label) {
		return
	}
	t.Labels = append(t.Labels, label)
}

// LabelValue returns the value of the first "<prefix>:<value>" label.
func (t *Task) LabelValue(prefix string) (string, bool) {
	for _, l := range t.Labels {
		if v, ok := strings.CutPrefix(l, prefix+":"); ok {
			return v, true
		}
	}
	return "", false
}

func (t Task) clone() Task {
	t.Labels = slices.Clone(t.Labels)
	return t
}

// Filter selects tasks from a parsed ledger. Zero values match everything
// except Status, which must match exactly when set.
type Filter struct {
	Status   Status
	Label    string
	Priority *int

	// ExcludeLabel drops tasks carrying this label.
	ExcludeLabel string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Label != "" && !t.HasLabel(f.Label) {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.ExcludeLabel != "" && t.HasLabel(f.ExcludeLabel) {
		return false
	}
	return true
}

// ParseError describes a malformed block. Malformed blocks are skipped, not
// fatal to the parse.
type ParseError struct {
	Line   int
	Column int
	ID     string
	Msg    string
}

func (e *ParseError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("line %d:%d (%s): %s", e.Line, e.Column, e.ID, e.Msg)
	}
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Column, e.Msg)
}

// ReadError is returned when the backing ledger file cannot be read at all.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read ledger %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
