// Package tui renders live progress of a pipeline run from the events hub.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/docbridge/internal/events"
)

const barWidth = 30

type eventMsg events.Event

type closedMsg struct{}

type sessionKey struct {
	step string
	dup  int
}

type sessionRow struct {
	state    string
	executed int
	lastDoc  string
	err      string
}

// Model is the bubbletea model of the progress view. It quits when the run
// completes or the event channel closes.
type Model struct {
	pipeline  string
	documents int
	lastStep  string

	events  <-chan events.Event
	spinner spinner.Model
	theme   Theme

	runID      string
	done       int
	sessions   map[sessionKey]*sessionRow
	finished   bool
	runErr     string
	quitByUser bool
}

// New creates a progress model for a run of documents through steps. Only
// documents executed by the last step count as done.
func New(pipeline string, documents int, steps []string, ch <-chan events.Event) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	theme := NewDefaultTheme()
	sp.Style = theme.Bar
	last := ""
	if len(steps) > 0 {
		last = steps[len(steps)-1]
	}
	return Model{
		pipeline:  pipeline,
		documents: documents,
		lastStep:  last,
		events:    ch,
		spinner:   sp,
		theme:     theme,
		sessions:  make(map[sessionKey]*sessionRow),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitByUser = true
			return m, tea.Quit
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case closedMsg:
		m.finished = true
		return m, tea.Quit
	case eventMsg:
		m.apply(events.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *Model) apply(ev events.Event) {
	switch ev.Type {
	case events.RunStarted, events.RunCompleted:
		var re events.RunEvent
		if err := ev.Decode(&re); err != nil || (m.pipeline != "" && re.Pipeline != m.pipeline) {
			return
		}
		if ev.Type == events.RunStarted && re.RunID != m.runID {
			m.adopt(re)
		}
		m.runID = re.RunID
		if ev.Type == events.RunCompleted {
			m.finished = true
			m.runErr = re.Error
		}
	default:
		var se events.SessionEvent
		if err := ev.Decode(&se); err != nil || se.Step == "" {
			return
		}
		if m.runID != "" && se.RunID != "" && se.RunID != m.runID {
			return
		}
		row := m.row(se.Step, se.DuplicateID)
		row.state = se.State
		if se.Error != "" {
			row.err = se.Error
		}
		if ev.Type == events.DocumentExecuted {
			row.executed++
			row.lastDoc = se.Document
			if se.Step == m.lastStep {
				m.done++
			}
		}
	}
}

// adopt takes the run's shape from its start event. A watcher created without
// a pipeline learns it here.
func (m *Model) adopt(re events.RunEvent) {
	if m.pipeline == "" {
		m.pipeline = re.Pipeline
	}
	if re.Documents > 0 {
		m.documents = re.Documents
	}
	if len(re.Steps) > 0 {
		m.lastStep = re.Steps[len(re.Steps)-1]
	}
	m.done = 0
	m.sessions = make(map[sessionKey]*sessionRow)
}

func (m *Model) row(step string, dup int) *sessionRow {
	k := sessionKey{step, dup}
	r, ok := m.sessions[k]
	if !ok {
		r = &sessionRow{state: "idle"}
		m.sessions[k] = r
	}
	return r
}

// Done returns the number of documents that went through every step.
func (m Model) Done() int { return m.done }

// Finished reports whether the run completed.
func (m Model) Finished() bool { return m.finished }

// Interrupted reports whether the user quit before the run completed.
func (m Model) Interrupted() bool { return m.quitByUser && !m.finished }

func (m Model) View() string {
	var b strings.Builder

	status := m.spinner.View()
	switch {
	case m.finished && m.runErr != "":
		status = m.theme.StatusFailed.Render("✗")
	case m.finished:
		status = m.theme.StatusOK.Render("✓")
	}
	fmt.Fprintf(&b, "%s %s  %s\n", status, m.theme.Title.Render(m.pipeline), m.theme.Dim.Render(m.runID))
	fmt.Fprintf(&b, "%s %d/%d documents\n", m.bar(), m.done, m.documents)

	keys := make([]sessionKey, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].step != keys[j].step {
			return keys[i].step < keys[j].step
		}
		return keys[i].dup < keys[j].dup
	})
	for _, k := range keys {
		r := m.sessions[k]
		line := fmt.Sprintf("  %-16s #%-2d %s %4d docs", k.step, k.dup,
			m.theme.stateStyle(r.state).Render(fmt.Sprintf("%-9s", r.state)), r.executed)
		if r.err != "" {
			line += "  " + m.theme.StatusFailed.Render(truncate(r.err, 60))
		} else if r.lastDoc != "" {
			line += "  " + m.theme.Dim.Render(r.lastDoc)
		}
		b.WriteString(line + "\n")
	}
	if m.runErr != "" {
		b.WriteString(m.theme.StatusFailed.Render("run failed: "+m.runErr) + "\n")
	}
	if !m.finished {
		b.WriteString(m.theme.Dim.Render("[q] quit") + "\n")
	}
	return m.theme.Border.Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) bar() string {
	filled := 0
	if m.documents > 0 {
		filled = m.done * barWidth / m.documents
	}
	if filled > barWidth {
		filled = barWidth
	}
	return m.theme.Bar.Render(strings.Repeat("█", filled)) +
		m.theme.Dim.Render(strings.Repeat("░", barWidth-filled))
}

func truncate(s string, n int) string {
	if lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r) + "…"
}
