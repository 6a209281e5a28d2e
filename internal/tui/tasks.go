package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
)

// Task status icons
const (
	iconOpen       = "○"
	iconInProgress = "●"
	iconClosed     = "✓"
	iconCurrent    = "▶"
)

var (
	taskOpenStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	taskInProgressStyle = lipgloss.NewStyle().Foreground(warningColor)
	taskClosedStyle     = lipgloss.NewStyle().Foreground(mutedColor).Strikethrough(true)
	taskCurrentStyle    = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	taskAttemptsStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

func taskIcon(t ledger.Task, current bool) string {
	switch {
	case current:
		return iconCurrent
	case t.IsClosed():
		return iconClosed
	case t.IsInProgress():
		return iconInProgress
	default:
		return iconOpen
	}
}

func taskStyle(t ledger.Task, current bool) lipgloss.Style {
	switch {
	case current:
		return taskCurrentStyle
	case t.IsClosed():
		return taskClosedStyle
	case t.IsInProgress():
		return taskInProgressStyle
	default:
		return taskOpenStyle
	}
}

// renderTask renders one row: icon, priority, id, title and, when the task
// has failed before, its attempt count.
func renderTask(t ledger.Task, current bool, width int) string {
	row := fmt.Sprintf("%s P%d %s %s", taskIcon(t, current), t.Priority, t.ID, t.Title)
	suffix := ""
	if t.Attempts > 0 {
		suffix = fmt.Sprintf(" ×%d", t.Attempts)
	}
	row = truncate(row, max(width-lipgloss.Width(suffix), 1))
	return taskStyle(t, current).Render(row) + taskAttemptsStyle.Render(suffix)
}

// renderTaskList renders the open and in-progress tasks first, then the
// closed ones, clipped to height rows.
func (m Model) renderTaskList(width, height int) string {
	if len(m.tasks) == 0 {
		return statusLabelStyle.Render("no tasks")
	}

	currentID := ""
	if m.snap.CurrentTaskID != nil {
		currentID = *m.snap.CurrentTaskID
	}

	var active, closed []string
	for _, t := range m.tasks {
		row := renderTask(t, t.ID == currentID, width)
		if t.IsClosed() {
			closed = append(closed, row)
		} else {
			active = append(active, row)
		}
	}
	rows := append(active, closed...)
	if height > 0 && len(rows) > height {
		hidden := len(rows) - height + 1
		rows = append(rows[:height-1], statusLabelStyle.Render(fmt.Sprintf("… %d more", hidden)))
	}
	return strings.Join(rows, "\n")
}
