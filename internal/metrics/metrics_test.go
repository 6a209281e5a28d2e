package metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type memorySink struct {
	events []Event
	err    error
	panic  bool
	closed bool
}

func (m *memorySink) Write(_ context.Context, e Event) error {
	if m.panic {
		panic("sink exploded")
	}
	m.events = append(m.events, e)
	return m.err
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func TestEvent_JSONFields(t *testing.T) {
	e := Event{
		Source:     "ledgerloop",
		Event:      TaskFailed,
		Label:      "infra",
		TaskID:     "t-1",
		TaskTitle:  "Fix it",
		DurationMs: 1500,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}.WithError(errors.New("agent exited 1"))

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"source", "event", "label", "taskId", "taskTitle", "durationMs",
		"success", "error", "completedTasks", "failedTasks", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing JSON field %q", key)
		}
	}
	if fields["error"] != "agent exited 1" {
		t.Errorf("error = %v", fields["error"])
	}
	if fields["event"] != "task_failed" {
		t.Errorf("event = %v", fields["event"])
	}

	ok, _ := json.Marshal(Event{Event: TaskCompleted}.WithError(nil))
	if !bytes.Contains(ok, []byte(`"error":null`)) {
		t.Errorf("success event should carry a null error: %s", ok)
	}
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "metrics.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error = %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := sink.Write(ctx, Event{Event: TaskStarted, TaskID: id}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening appends.
	sink, err = NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Write(ctx, Event{Event: TaskStarted, TaskID: "c"}); err != nil {
		t.Fatal(err)
	}
	sink.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %q is not an event: %v", scanner.Text(), err)
		}
		ids = append(ids, e.TaskID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("ids = %v", ids)
	}
}

func TestSQLiteSink_WriteAndRecent(t *testing.T) {
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := sink.Write(ctx, Event{Source: "s", Event: TaskCompleted, Label: "infra", TaskID: "a",
		Success: true, CompletedTasks: 1, Timestamp: ts}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sink.Write(ctx, Event{Source: "s", Event: TaskFailed, Label: "infra", TaskID: "b",
		FailedTasks: 1, Timestamp: ts}.WithError(errors.New("boom"))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	events, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].TaskID != "b" || events[0].Error == nil || *events[0].Error != "boom" {
		t.Errorf("newest event = %+v", events[0])
	}
	if events[1].TaskID != "a" || !events[1].Success || events[1].Error != nil {
		t.Errorf("oldest event = %+v", events[1])
	}
	if !events[1].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", events[1].Timestamp, ts)
	}
}

func TestHTTPSink(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body is not an event: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := NewHTTPSink(srv.URL).Write(context.Background(), Event{Event: SessionStarted, Label: "infra"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got.Event != SessionStarted || got.Label != "infra" {
		t.Errorf("collector got %+v", got)
	}
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collector down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL).Write(context.Background(), Event{Event: SessionStarted})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Write() error = %v, want status 503", err)
	}
}

func TestMulti(t *testing.T) {
	a := &memorySink{}
	b := &memorySink{err: errors.New("b failed")}
	c := &memorySink{}
	m := Multi{a, b, c}

	err := m.Write(context.Background(), Event{Event: TaskStarted})
	if err == nil || !strings.Contains(err.Error(), "b failed") {
		t.Errorf("Write() error = %v", err)
	}
	if len(a.events) != 1 || len(c.events) != 1 {
		t.Error("every sink should receive the event")
	}
	m.Close()
	if !a.closed || !b.closed || !c.closed {
		t.Error("Close() should close every sink")
	}
}

func TestEmitter_StampsEvents(t *testing.T) {
	sink := &memorySink{}
	m := NewEmitter("ledgerloop-test", sink, nil)
	fixed := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	m.Emit(context.Background(), Event{Event: SessionStarted, Label: "infra"})

	if len(sink.events) != 1 {
		t.Fatalf("events = %d", len(sink.events))
	}
	e := sink.events[0]
	if e.Source != "ledgerloop-test" || !e.Timestamp.Equal(fixed) {
		t.Errorf("event = %+v", e)
	}
}

func TestEmitter_SwallowsFailures(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tests := []struct {
		name string
		sink *memorySink
		want string
	}{
		{"error", &memorySink{err: errors.New("disk full")}, "metric delivery failed"},
		{"panic", &memorySink{panic: true}, "metric sink panicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs.Reset()
			NewEmitter("s", tt.sink, logger).Emit(context.Background(), Event{Event: TaskStarted})
			if !strings.Contains(logs.String(), tt.want) {
				t.Errorf("logs = %q, want %q", logs.String(), tt.want)
			}
		})
	}
}

func TestEmitter_Nil(t *testing.T) {
	var m *Emitter
	m.Emit(context.Background(), Event{})
	if err := m.Close(); err != nil {
		t.Errorf("Close() on nil emitter = %v", err)
	}
}
