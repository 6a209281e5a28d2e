package engine

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

// PromptBuilder renders the instructions handed to the agent.
type PromptBuilder struct {
	execution *template.Template
	review    *template.Template
}

// NewPromptBuilder creates a PromptBuilder with the default templates.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		execution: template.Must(template.New("execution").Parse(executionTemplate)),
		review:    template.Must(template.New("review").Parse(reviewTemplate)),
	}
}

// templateData holds the data passed to both templates. Body is the
// description without its acceptance criteria section.
type templateData struct {
	TaskID             string
	TaskTitle          string
	Priority           int
	PriorityName       string
	Labels             string
	Target             string
	Dir                string
	Description        string
	Body               string
	AcceptanceCriteria string
	History            string
}

func newTemplateData(task ledger.Task, dir string) templateData {
	body, criteria := splitAcceptanceCriteria(task.Description)
	return templateData{
		TaskID:             task.ID,
		TaskTitle:          task.Title,
		Priority:           task.Priority,
		PriorityName:       priorityName(task.Priority),
		Labels:             strings.Join(task.Labels, ", "),
		Target:             task.Target,
		Dir:                dir,
		Description:        task.Description,
		Body:               body,
		AcceptanceCriteria: criteria,
	}
}

// Execution builds the work instruction for task in dir.
func (pb *PromptBuilder) Execution(task ledger.Task, dir string) string {
	return pb.render(pb.execution, newTemplateData(task, dir))
}

// Review builds the fresh-eyes review instruction. history is recent
// commit log output and may be empty.
func (pb *PromptBuilder) Review(task ledger.Task, dir, history string) string {
	data := newTemplateData(task, dir)
	data.History = history
	return pb.render(pb.review, data)
}

func (pb *PromptBuilder) render(tmpl *template.Template, data templateData) string {
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		// This should never happen with a valid template
		return fmt.Sprintf("Error generating prompt: %v", err)
	}
	return buf.String()
}

func priorityName(p int) string {
	switch p {
	case 0:
		return "critical"
	case 1:
		return "high"
	case 2:
		return "medium"
	default:
		return "low"
	}
}

// splitAcceptanceCriteria cuts a task description at its acceptance
// criteria section, marked by "Acceptance Criteria:", "Acceptance:" or an
// "## Acceptance Criteria" heading. The marker itself is dropped. Without a
// marker the whole description is the body.
func splitAcceptanceCriteria(description string) (body, criteria string) {
	markers := []string{
		"### acceptance criteria",
		"## acceptance criteria",
		"acceptance criteria:",
		"acceptance:",
	}

	lower := strings.ToLower(description)
	for _, marker := range markers {
		if idx := strings.Index(lower, marker); idx >= 0 {
			rest := strings.TrimPrefix(description[idx+len(marker):], ":")
			return strings.TrimSpace(description[:idx]), strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(description), ""
}

const executionTemplate = `# Task {{.TaskID}}: {{.TaskTitle}}

- Priority: {{.Priority}} ({{.PriorityName}})
{{- if .Labels}}
- Labels: {{.Labels}}
{{- end}}
{{- if .Target}}
- Target: {{.Target}}
{{- end}}
- Working directory: {{.Dir}}

## Description

{{if .Body}}{{.Body}}{{else}}(no description){{end}}
{{if .AcceptanceCriteria}}
## Acceptance Criteria

{{.AcceptanceCriteria}}
{{end}}
## Instructions

1. Work only inside the working directory above and only on this task.
2. Make the change completely: code, tests and docs the task implies.
3. Run the relevant tests and fix what you broke.
4. Do not commit and do not edit the task ledger. Your changes are committed for you when you exit successfully.
5. You are unattended. Make reasonable decisions instead of asking questions.
6. If the task cannot be done, explain why and exit with a non-zero status.

Begin working on the task now.
`

const reviewTemplate = `# Review: {{.TaskID}}: {{.TaskTitle}}

You are reviewing work another engineer just committed. Look at it with fresh
eyes: read the diff, run the tests, and judge whether the task below is really
done.

## Task

- Priority: {{.Priority}} ({{.PriorityName}})
{{- if .Labels}}
- Labels: {{.Labels}}
{{- end}}
- Working directory: {{.Dir}}

{{if .Description}}{{.Description}}{{else}}(no description){{end}}
{{if .History}}
## Recent commits

` + "```" + `
{{.History}}
` + "```" + `
{{end}}
## Verdict

Do not change any files. End your answer with exactly one of these lines:

PASSED
PASSED_WITH_NOTES: <what should be improved later>
FAILED: <why the task is not done>
`
