package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"buildd/internal/compile"
	"buildd/internal/diag"
)

type progressModel struct {
	title   string
	events  <-chan compile.Event
	spinner spinner.Model
	prog    progress.Model
	items   []projectItem
	index   map[string]int
	width   int
	done    bool
	stopped bool
}

type projectItem struct {
	name     string
	status   string
	detail   string
	errors   int
	warnings int
	finished bool
	running  bool
}

type eventMsg compile.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders compile progress
// of projects. Projects that show up in events but not in projects are
// appended. The model quits when events is closed.
func NewProgressModel(title string, projects []string, events <-chan compile.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76 // Default width

	m := &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		index:   make(map[string]int, len(projects)),
		width:   80,
	}
	for _, name := range projects {
		m.item(name)
	}
	return m
}

// Interrupted reports whether the user quit the model before events were
// closed.
func Interrupted(model tea.Model) bool {
	m, ok := model.(*progressModel)
	return ok && m.stopped
}

func (m *progressModel) item(name string) *projectItem {
	idx, ok := m.index[name]
	if !ok {
		idx = len(m.items)
		m.items = append(m.items, projectItem{name: name, status: "queued"})
		m.index[name] = idx
	}
	return &m.items[idx]
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(compile.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.stopped = true
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	if m.done {
		header = fmt.Sprintf("done: %s", header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 12
	nameWidth := m.width - statusWidth - 4
	if nameWidth < 20 {
		nameWidth = 20
	}

	for _, item := range m.items {
		text := item.name
		if item.detail != "" {
			text = fmt.Sprintf("%s  %s", item.name, item.detail)
		}
		statusStyled := styleStatus(item.status).Render(fmt.Sprintf("%12s", item.status))
		b.WriteString(fmt.Sprintf("  %s %s\n", statusStyled, truncate(text, nameWidth)))
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")

	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev compile.Event) tea.Cmd {
	item := m.item(ev.Project)
	switch ev.Kind {
	case compile.EventStart:
		item.status = "compiling"
		item.detail = ev.Description
		item.running = true
		item.finished = false
		item.errors, item.warnings = 0, 0
	case compile.EventDiagnostic:
		switch ev.Diagnostic.Severity {
		case diag.SevError:
			item.errors++
		case diag.SevWarning:
			item.warnings++
		}
		item.detail = countsLabel(item.errors, item.warnings)
	case compile.EventFinish:
		item.running = false
		item.finished = true
		item.status = finishLabel(ev)
		item.detail = ev.String()
	}
	return m.prog.SetPercent(m.percent())
}

func (m *progressModel) percent() float64 {
	if len(m.items) == 0 {
		return 0
	}
	total := 0.0
	for _, item := range m.items {
		switch {
		case item.finished:
			total += 1.0
		case item.running:
			total += 0.5
		}
	}
	return total / float64(len(m.items))
}

func finishLabel(ev compile.Event) string {
	switch ev.Status {
	case compile.StatusSucceeded:
		if ev.Message == compile.MessageNoOp {
			return "up to date"
		}
		return "done"
	case compile.StatusFailed:
		return "failed"
	case compile.StatusCancelled:
		return "cancelled"
	}
	return ev.Status.String()
}

func countsLabel(errors, warnings int) string {
	parts := make([]string, 0, 2)
	if errors > 0 {
		parts = append(parts, plural(errors, "error"))
	}
	if warnings > 0 {
		parts = append(parts, plural(warnings, "warning"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done", "up to date":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "failed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "cancelled":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "compiling":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
