package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/lipgloss"

	"github.com/pengelbrecht/ledgerloop/internal/session"
)

// Color palette
var (
	primaryColor   = lipgloss.Color("205")
	secondaryColor = lipgloss.Color("86")
	mutedColor     = lipgloss.Color("241")
	successColor   = lipgloss.Color("78")
	warningColor   = lipgloss.Color("214")
	errorColor     = lipgloss.Color("196")
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	statusLabelStyle = lipgloss.NewStyle().
				Foreground(mutedColor)

	statusItemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

var statusStyles = map[session.Status]lipgloss.Style{
	session.StatusIdle:      lipgloss.NewStyle().Foreground(mutedColor),
	session.StatusRunning:   lipgloss.NewStyle().Foreground(successColor).Bold(true),
	session.StatusStopping:  lipgloss.NewStyle().Foreground(warningColor).Bold(true),
	session.StatusCompleted: lipgloss.NewStyle().Foreground(secondaryColor),
	session.StatusFailed:    lipgloss.NewStyle().Foreground(errorColor).Bold(true),
}

const (
	headerHeight = 1
	statusHeight = 2
	footerHeight = 2
	// taskPanelRatio is the share of the width given to the task list.
	taskPanelRatio = 0.4
)

func (m Model) renderHeader() string {
	title := titleStyle.Render("ledgerloop")
	label := m.snap.Label
	if m.label != "" {
		label = m.label
	}
	if label != "" {
		title += statusLabelStyle.Render(" · ") + statusItemStyle.Render(label)
	}

	style, ok := statusStyles[m.snap.Status]
	if !ok {
		style = statusStyles[session.StatusIdle]
	}
	indicator := style.Render("● " + string(m.snap.Status))

	gap := m.width - lipgloss.Width(title) - lipgloss.Width(indicator) - 2
	if gap < 1 {
		gap = 1
	}
	return headerStyle.Render(title + strings.Repeat(" ", gap) + indicator)
}

func (m Model) renderStatusBar() string {
	items := []string{
		statusLabelStyle.Render("Done ") + statusItemStyle.Render(fmt.Sprint(m.snap.CompletedTasks)),
		statusLabelStyle.Render("Failed ") + statusItemStyle.Render(fmt.Sprint(m.snap.FailedTasks)),
		statusLabelStyle.Render("Left ") + statusItemStyle.Render(fmt.Sprint(m.snap.RemainingTasks)),
		statusLabelStyle.Render("Time ") + statusItemStyle.Render(formatDuration(m.elapsed())),
		m.progress.ViewAs(m.percent()),
	}
	first := statusBarStyle.Render(strings.Join(items, "  "))

	current := statusLabelStyle.Render("Task ") + statusItemStyle.Render(truncate(m.currentTask(), max(m.width-8, 10)))
	if m.snap.Message != nil && !m.snap.Status.Active() {
		current = statusLabelStyle.Render("Result ") + statusItemStyle.Render(truncate(*m.snap.Message, max(m.width-10, 10)))
	}
	return first + "\n" + statusBarStyle.Render(current)
}

// formatDuration renders d as "1h02m", "3m05s" or "42s".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, mins)
	case mins > 0:
		return fmt.Sprintf("%dm%02ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// panelWidths splits the terminal width between the two panels, borders
// included.
func (m Model) panelWidths() (tasks, logs int) {
	tasks = int(float64(m.width) * taskPanelRatio)
	if tasks < 20 {
		tasks = min(20, m.width)
	}
	logs = m.width - tasks
	return tasks, logs
}

func (m Model) panelHeight() int {
	h := m.height - headerHeight - statusHeight - footerHeight
	if h < 3 {
		h = 3
	}
	return h
}

// logPanelSize is the viewport size inside the log panel border and title.
func (m Model) logPanelSize() (int, int) {
	_, logs := m.panelWidths()
	return max(logs-2, 1), max(m.panelHeight()-3, 1)
}

func (m Model) renderMainContent() string {
	tasksW, logsW := m.panelWidths()
	h := m.panelHeight()

	taskBody := m.renderTaskList(tasksW-2, h-3)
	taskPanel := panelStyle.
		Width(tasksW - 2).
		Height(h - 2).
		Render(panelTitleStyle.Render("Tasks") + "\n" + taskBody)

	logBody := m.viewport.View()
	if len(m.logs) == 0 {
		logBody = statusLabelStyle.Render("no log output yet")
	}
	logPanel := panelStyle.
		Width(logsW - 2).
		Height(h - 2).
		Render(panelTitleStyle.Render("Log") + "\n" + logBody)

	return lipgloss.JoinHorizontal(lipgloss.Top, taskPanel, logPanel)
}

func (m Model) renderFooter() string {
	line := m.help.View(m.keys)
	switch {
	case m.err != nil:
		line = errorStyle.Render("refresh failed: "+m.err.Error()) + "  " + line
	case m.notice != "":
		line = noticeStyle.Render(m.notice) + "  " + line
	}
	return footerStyle.Render(truncate(line, max(m.width-2, 10)))
}

// truncate shortens s to at most width cells, marking the cut with "...".
func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	if width <= 3 {
		return truncateWidth(s, width)
	}
	return truncateWidth(s, width-3) + "..."
}

// Help overlay styles
var (
	helpOverlayStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(1, 2).
				Background(lipgloss.Color("235"))

	helpTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)
)

func (m Model) renderHelpOverlay(background string) string {
	h := help.New()
	h.ShowAll = true
	content := lipgloss.JoinVertical(lipgloss.Left,
		helpTitleStyle.Render("Keyboard Shortcuts"),
		h.View(m.keys),
	)
	overlay := helpOverlayStyle.Render(content)

	x := max((m.width-lipgloss.Width(overlay))/2, 0)
	y := max((m.height-lipgloss.Height(overlay))/2, 0)
	return placeOverlay(x, y, overlay, background)
}

// placeOverlay draws fg over bg with its top-left corner at (x, y).
func placeOverlay(x, y int, fg, bg string) string {
	bgLines := strings.Split(bg, "\n")
	fgLines := strings.Split(fg, "\n")

	for len(bgLines) < y+len(fgLines) {
		bgLines = append(bgLines, "")
	}

	for i, fgLine := range fgLines {
		bgLine := bgLines[y+i]
		if pad := x - lipgloss.Width(bgLine); pad > 0 {
			bgLine += strings.Repeat(" ", pad)
		}
		after := ""
		if lipgloss.Width(bgLine) > x+lipgloss.Width(fgLine) {
			after = substringFromWidth(bgLine, x+lipgloss.Width(fgLine))
		}
		bgLines[y+i] = truncateWidth(bgLine, x) + fgLine + after
	}
	return strings.Join(bgLines, "\n")
}

func truncateWidth(s string, w int) string {
	if w <= 0 {
		return ""
	}
	var b strings.Builder
	width := 0
	for _, r := range s {
		rw := lipgloss.Width(string(r))
		if width+rw > w {
			break
		}
		b.WriteRune(r)
		width += rw
	}
	return b.String()
}

func substringFromWidth(s string, w int) string {
	width := 0
	for i, r := range s {
		if width >= w {
			return s[i:]
		}
		width += lipgloss.Width(string(r))
	}
	return ""
}
