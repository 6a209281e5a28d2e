// Package tui implements the watch dashboard: a bubbletea program that polls
// a session's snapshot, its task list and the log tail.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pengelbrecht/ledgerloop/internal/ledger"
	"github.com/pengelbrecht/ledgerloop/internal/session"
)

// DefaultInterval is how often the dashboard polls.
const DefaultInterval = time.Second

const defaultLogLines = 200

// Config configures the dashboard.
type Config struct {
	Source Source

	// Label pins the task list. Empty means follow the session's label.
	Label string

	Interval time.Duration
	LogLines int
}

// Messages
type (
	tickMsg    time.Time
	refreshMsg struct {
		snap  session.Snapshot
		tasks []ledger.Task
		logs  []string
		err   error
	}
	stopMsg struct{ err error }
)

// Model is the dashboard state.
type Model struct {
	source   Source
	label    string
	interval time.Duration
	logLines int

	keys     KeyMap
	help     help.Model
	viewport viewport.Model
	progress progress.Model

	width  int
	height int
	ready  bool

	snap   session.Snapshot
	tasks  []ledger.Task
	logs   []string
	err    error
	notice string

	showHelp bool
	quitting bool

	now func() time.Time
}

// New creates a dashboard model.
func New(cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = defaultLogLines
	}
	return Model{
		source:   cfg.Source,
		label:    cfg.Label,
		interval: cfg.Interval,
		logLines: cfg.LogLines,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		snap:     session.IdleSnapshot(time.Now()),
		now:      time.Now,
	}
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh reads everything the view needs in one command so a frame never
// mixes a new snapshot with an old task list.
func (m Model) refresh() tea.Cmd {
	source, label, lines := m.source, m.label, m.logLines
	return func() tea.Msg {
		snap, err := source.Snapshot()
		if err != nil {
			return refreshMsg{err: err}
		}
		if label == "" {
			label = snap.Label
		}
		tasks, err := source.Tasks(label)
		if err != nil {
			return refreshMsg{snap: snap, err: err}
		}
		logs, err := source.Logs(lines)
		return refreshMsg{snap: snap, tasks: tasks, logs: logs, err: err}
	}
}

func (m Model) requestStop() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		return stopMsg{err: source.RequestStop()}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.progress.Width = max(msg.Width/4, 10)
		w, h := m.logPanelSize()
		if !m.ready {
			m.viewport = viewport.New(w, h)
			m.ready = true
		} else {
			m.viewport.Width = w
			m.viewport.Height = h
		}
		m.syncLogs()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case refreshMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.snap = msg.snap
		m.tasks = msg.tasks
		m.logs = msg.logs
		m.syncLogs()
		return m, nil

	case stopMsg:
		if msg.err != nil {
			m.notice = "stop failed: " + msg.err.Error()
		} else {
			m.notice = "stop requested, the session ends after the current task"
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		// Any key closes the overlay; quit still quits.
		m.showHelp = false
		if key.Matches(msg, m.keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
		return m, nil
	case key.Matches(msg, m.keys.Stop):
		if !m.snap.Status.Active() {
			m.notice = "no session is running"
			return m, nil
		}
		return m, m.requestStop()
	case key.Matches(msg, m.keys.Refresh):
		return m, m.refresh()
	case key.Matches(msg, m.keys.Top):
		m.viewport.GotoTop()
		return m, nil
	case key.Matches(msg, m.keys.Bottom):
		m.viewport.GotoBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// syncLogs replaces the log panel content, staying pinned to the bottom if
// the user was already there.
func (m *Model) syncLogs() {
	if !m.ready {
		return
	}
	follow := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.logs, "\n"))
	if follow {
		m.viewport.GotoBottom()
	}
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Loading..."
	}

	view := strings.Join([]string{
		m.renderHeader(),
		m.renderStatusBar(),
		m.renderMainContent(),
		m.renderFooter(),
	}, "\n")

	if m.showHelp {
		return m.renderHelpOverlay(view)
	}
	return view
}

// elapsed is the session's run time so far, or its total once finished.
func (m Model) elapsed() time.Duration {
	if m.snap.StartedAt == nil {
		return 0
	}
	end := m.now()
	if !m.snap.Status.Active() {
		end = m.snap.LastUpdate
	}
	d := end.Sub(*m.snap.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// percent is completed work over all work the session has seen.
func (m Model) percent() float64 {
	total := m.snap.CompletedTasks + m.snap.RemainingTasks
	if total == 0 {
		return 0
	}
	return float64(m.snap.CompletedTasks) / float64(total)
}

func (m Model) currentTask() string {
	if m.snap.CurrentTaskID == nil {
		return "-"
	}
	s := *m.snap.CurrentTaskID
	if m.snap.CurrentTaskTitle != nil {
		s = fmt.Sprintf("%s %s", s, *m.snap.CurrentTaskTitle)
	}
	return s
}

// Run starts the dashboard on the terminal and blocks until the user quits.
func Run(cfg Config) error {
	p := tea.NewProgram(New(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
