package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleLedger = `# Team tasks

Anything above the first header is ignored.

## [OPEN] infra-1: Set up CI pipeline
priority: 0 | target: platform | labels: infra, ci
Create a workflow that runs the tests.

Acceptance: green build on main.

## [OPEN] media-1: Transcode uploads
priority: 0 | labels: media
Use ffmpeg.

## [IN_PROGRESS] infra-2: Rotate credentials
priority: 1 | labels: infra, repo:vault
Rotate the staging keys.

## [OPEN] infra-3: Clean up DNS
Nothing fancy.

## [DONE] bad-1: Unknown status
priority: 1

## [OPEN] bad-2: Priority out of range
priority: 9 | labels: infra

## [CLOSED] infra-4: Old work
priority: 3 | labels: infra
`

func TestParseDocument_Blocks(t *testing.T) {
	doc := ParseDocument([]byte(sampleLedger))

	if got := len(doc.Blocks); got != 7 {
		t.Fatalf("len(Blocks) = %d, want 7", got)
	}

	tasks := doc.Tasks()
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	want := []string{"infra-1", "media-1", "infra-2", "infra-3", "infra-4"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("task ids = %v, want %v", ids, want)
	}

	errs := doc.Errors()
	if len(errs) != 2 {
		t.Fatalf("len(Errors) = %d, want 2: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0].Msg, "unknown status") {
		t.Errorf("errs[0] = %q, want unknown status", errs[0].Msg)
	}
	if errs[1].ID != "bad-2" || !strings.Contains(errs[1].Msg, "priority") {
		t.Errorf("errs[1] = %+v, want priority error for bad-2", errs[1])
	}
}

func TestParseDocument_Fields(t *testing.T) {
	doc := ParseDocument([]byte(sampleLedger))
	tasks := doc.Tasks()

	first := tasks[0]
	if first.Title != "Set up CI pipeline" {
		t.Errorf("Title = %q", first.Title)
	}
	if first.Status != StatusOpen {
		t.Errorf("Status = %q, want OPEN", first.Status)
	}
	if first.Priority != 0 {
		t.Errorf("Priority = %d, want 0", first.Priority)
	}
	if first.Target != "platform" {
		t.Errorf("Target = %q, want platform", first.Target)
	}
	if !reflect.DeepEqual(first.Labels, []string{"infra", "ci"}) {
		t.Errorf("Labels = %v", first.Labels)
	}
	wantDesc := "Create a workflow that runs the tests.\n\nAcceptance: green build on main."
	if first.Description != wantDesc {
		t.Errorf("Description = %q, want %q", first.Description, wantDesc)
	}
	if first.Line != 5 {
		t.Errorf("Line = %d, want 5", first.Line)
	}
	if first.Version == "" {
		t.Error("Version should be set")
	}
}

func TestParseDocument_MissingMetadataDefaults(t *testing.T) {
	doc := ParseDocument([]byte(sampleLedger))
	var task *Task
	for _, tk := range doc.Tasks() {
		if tk.ID == "infra-3" {
			tk := tk
			task = &tk
		}
	}
	if task == nil {
		t.Fatal("infra-3 not parsed")
	}
	if task.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", task.Priority, DefaultPriority)
	}
	if task.Target != "" || len(task.Labels) != 0 {
		t.Errorf("expected empty target and labels, got %q %v", task.Target, task.Labels)
	}
	if task.Description != "Nothing fancy." {
		t.Errorf("Description = %q", task.Description)
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantID  string
		wantErr string
	}{
		{name: "valid", line: "## [OPEN] abc-1: Title here", wantID: "abc-1"},
		{name: "space before colon", line: "## [CLOSED] x.y : Done", wantID: "x.y"},
		{name: "slash in id", line: "##  [IN_PROGRESS] team/42: Work", wantID: "team/42"},
		{name: "bad status", line: "## [DONE] a: t", wantErr: "unknown status"},
		{name: "lowercase status", line: "## [open] a: t", wantErr: "after status"},
		{name: "missing bracket", line: "## [OPEN a: t", wantErr: "expected \"]\""},
		{name: "missing id", line: "## [OPEN] : t", wantErr: "expected task id"},
		{name: "missing colon", line: "## [OPEN] a title", wantErr: "expected \":\""},
		{name: "missing title", line: "## [OPEN] a:", wantErr: "missing title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := parseHeader(tt.line)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("parseHeader(%q) succeeded, want error %q", tt.line, tt.wantErr)
				}
				if !strings.Contains(err.msg, tt.wantErr) {
					t.Errorf("error = %q, want to contain %q", err.msg, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHeader(%q) error = %v", tt.line, err)
			}
			if h.id != tt.wantID {
				t.Errorf("id = %q, want %q", h.id, tt.wantID)
			}
		})
	}
}

func TestParseMetadata(t *testing.T) {
	m, err := parseMetadata("priority: 1 | target: api | labels: infra, repo:api | attempts: 2")
	if err != nil {
		t.Fatalf("parseMetadata error = %v", err)
	}
	if m.priority != 1 || m.target != "api" || m.attempts != 2 {
		t.Errorf("metadata = %+v", m)
	}
	if !reflect.DeepEqual(m.labels, []string{"infra", "repo:api"}) {
		t.Errorf("labels = %v", m.labels)
	}

	bad := []string{
		"priority: high",
		"priority: 1 | owner: bob",
		"priority: 1 | priority: 2",
		"attempts: -1",
		"target: two words",
		"priority: 1 | Target: api",
	}
	for _, line := range bad {
		if _, err := parseMetadata(line); err == nil {
			t.Errorf("parseMetadata(%q) should fail", line)
		}
	}
}

func TestParseDocument_MetadataKeysAreCaseSensitive(t *testing.T) {
	data := "## [OPEN] perf-1: Speed up search\nTarget: cut p99 latency\n\n" +
		"## [OPEN] perf-2: Tune cache\nPriority: high for Q3\n\n" +
		"## [OPEN] perf-3: Index rebuild\ntarget: cut p99 latency\n"
	doc := ParseDocument([]byte(data))

	tasks := doc.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("parsed %d tasks, want 2", len(tasks))
	}
	if tasks[0].Target != "" || tasks[0].Description != "Target: cut p99 latency" {
		t.Errorf("perf-1 = target %q, description %q", tasks[0].Target, tasks[0].Description)
	}
	if tasks[1].Priority != DefaultPriority || tasks[1].Description != "Priority: high for Q3" {
		t.Errorf("perf-2 = priority %d, description %q", tasks[1].Priority, tasks[1].Description)
	}

	errs := doc.Errors()
	if len(errs) != 1 || errs[0].ID != "perf-3" || !strings.Contains(errs[0].Msg, "single path") {
		t.Errorf("errors = %v, want perf-3 target error", errs)
	}
}

func TestParseDocument_DuplicateID(t *testing.T) {
	data := "## [OPEN] a: first\n\n## [OPEN] a: second\n"
	doc := ParseDocument([]byte(data))
	if n := len(doc.Tasks()); n != 1 {
		t.Fatalf("len(Tasks) = %d, want 1", n)
	}
	if doc.Tasks()[0].Title != "first" {
		t.Errorf("first block should win")
	}
	errs := doc.Errors()
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "duplicate") {
		t.Errorf("Errors = %v, want one duplicate error", errs)
	}
}

func TestDocumentSelect_DocumentOrder(t *testing.T) {
	data := `## [OPEN] i-2: low
priority: 2 | labels: infra

## [OPEN] m-0: media
priority: 0 | labels: media

## [OPEN] i-0: critical
priority: 0 | labels: infra

## [OPEN] i-1: high
priority: 1 | labels: infra
`
	doc := ParseDocument([]byte(data))
	got := doc.Select(Filter{Status: StatusOpen, Label: "infra"})
	var ids []string
	for _, task := range got {
		ids = append(ids, task.ID)
	}
	want := []string{"i-2", "i-0", "i-1"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Select order = %v, want %v (document order)", ids, want)
	}

	p := 0
	got = doc.Select(Filter{Status: StatusOpen, Label: "infra", Priority: &p})
	if len(got) != 1 || got[0].ID != "i-0" {
		t.Errorf("priority filter = %v, want [i-0]", got)
	}

	got = doc.Select(Filter{Status: StatusOpen, ExcludeLabel: "media"})
	if len(got) != 3 {
		t.Errorf("ExcludeLabel kept %d tasks, want 3", len(got))
	}
}

func TestParse_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TASKS.md")
	if err := os.WriteFile(path, []byte(sampleLedger), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := Parse(path, Filter{Status: StatusOpen})
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	second, err := Parse(path, Filter{Status: StatusOpen})
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-parse differs:\n%v\n%v", first, second)
	}
}

func TestParse_UnreadableFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.md"), Filter{Status: StatusOpen})
	var readErr *ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("error = %v, want *ReadError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadError should unwrap to os.ErrNotExist")
	}
}

func TestDocumentBytes_RoundTrip(t *testing.T) {
	for _, data := range []string{
		sampleLedger,
		strings.ReplaceAll(sampleLedger, "\n", "\r\n"),
		"## [OPEN] a: no trailing newline",
		"",
	} {
		doc := ParseDocument([]byte(data))
		if got := string(doc.Bytes()); got != data {
			t.Errorf("round trip changed document:\n%q\n%q", data, got)
		}
	}
}

func TestTask_LabelValue(t *testing.T) {
	task := &Task{Labels: []string{"infra", "repo:api"}}
	v, ok := task.LabelValue("repo")
	if !ok || v != "api" {
		t.Errorf("LabelValue(repo) = %q, %v", v, ok)
	}
	if _, ok := task.LabelValue("team"); ok {
		t.Error("LabelValue(team) should be false")
	}

	task.AddLabel("infra")
	task.AddLabel("review")
	if !reflect.DeepEqual(task.Labels, []string{"infra", "repo:api", "review"}) {
		t.Errorf("Labels = %v", task.Labels)
	}
}
