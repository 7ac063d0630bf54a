package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/paperforge/internal/events"
)

// PhaseState tracks one task of the run for display: its latest status and
// a transcript of everything the engine reported about it.
type PhaseState struct {
	ID         string
	Phase      string
	Status     string
	Attempt    int
	Percent    int
	Transcript []string
	FirstSeen  time.Time
}

// PhasePaneModel renders the task list and the selected task's transcript.
type PhasePaneModel struct {
	phases      map[string]*PhaseState
	order       []string // first-event order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewPhasePaneModel creates an empty phase pane.
func NewPhasePaneModel() PhasePaneModel {
	return PhasePaneModel{
		phases:   make(map[string]*PhaseState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg coalesces bursts of progress events into one viewport refresh.
type tickMsg struct {
	tag int
}

// Update handles messages for the phase pane.
func (m PhasePaneModel) Update(msg tea.Msg) (PhasePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.refreshViewport()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.refreshViewport()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStatusEvent:
		p := m.upsert(msg.ID, msg.Phase, msg.Timestamp)
		p.Status = msg.Status
		p.Attempt = msg.Attempt
		line := fmt.Sprintf("%s %s", msg.Timestamp.Format("15:04:05"), msg.Status)
		if msg.Attempt > 1 {
			line += fmt.Sprintf(" (attempt %d)", msg.Attempt)
		}
		if msg.Summary != "" {
			line += ": " + msg.Summary
		}
		p.Transcript = append(p.Transcript, line)
		if m.selectedID() == msg.ID {
			m.refreshViewport()
		}

	case events.TaskProgressEvent:
		p := m.upsert(msg.ID, msg.Phase, msg.Timestamp)
		p.Percent = msg.Percent
		line := fmt.Sprintf("%s %3d%%", msg.Timestamp.Format("15:04:05"), msg.Percent)
		if msg.Summary != "" {
			line += " " + msg.Summary
		}
		p.Transcript = append(p.Transcript, line)
		// Generation streams these; refresh at most every 50ms.
		if m.selectedID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskRetryEvent:
		p := m.upsert(msg.ID, msg.Phase, msg.Timestamp)
		p.Transcript = append(p.Transcript, fmt.Sprintf("%s retry in %s: %s",
			msg.Timestamp.Format("15:04:05"), msg.Delay.Round(time.Millisecond), msg.Reason))
		if m.selectedID() == msg.ID {
			m.refreshViewport()
		}

	case events.ReplanEvent:
		p := m.upsert(msg.ID, "", msg.Timestamp)
		p.Transcript = append(p.Transcript, fmt.Sprintf("%s replan: +%s",
			msg.Timestamp.Format("15:04:05"), strings.Join(msg.Inserted, " +")))
		if m.selectedID() == msg.ID {
			m.refreshViewport()
		}

	case events.ClarificationRequestedEvent:
		p := m.upsert(msg.ID, "", msg.Timestamp)
		p.Transcript = append(p.Transcript, fmt.Sprintf("%s ? %s",
			msg.Timestamp.Format("15:04:05"), msg.Question))
		if m.selectedID() == msg.ID {
			m.refreshViewport()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.refreshViewport()
		}
	}

	return m, cmd
}

// upsert returns the state for a task, creating it on first sight.
func (m *PhasePaneModel) upsert(id, phase string, at time.Time) *PhaseState {
	if p, ok := m.phases[id]; ok {
		if p.Phase == "" && phase != "" {
			p.Phase = phase
		}
		return p
	}
	p := &PhaseState{ID: id, Phase: phase, Status: "pending", FirstSeen: at}
	m.phases[id] = p
	m.order = append(m.order, id)
	if len(m.order) == 1 {
		m.selectedIdx = 0
		m.refreshViewport()
	}
	return p
}

// View renders the phase pane.
func (m PhasePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 30
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m PhasePaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Phases")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.order {
			p := m.phases[id]
			name := id
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}
			line := fmt.Sprintf("%s %s", statusIcon(p.Status), name)
			if i == m.selectedIdx {
				line = lipgloss.NewStyle().
					Background(lipgloss.Color("62")).
					Foreground(lipgloss.Color("0")).
					Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// statusIcon returns a styled indicator for a task status name.
func statusIcon(status string) string {
	switch status {
	case "executing":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "retrying", "awaiting-replan":
		return StyleStatusRetry.Render("↻")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m PhasePaneModel) selectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// refreshViewport loads the selected task's transcript into the viewport.
func (m *PhasePaneModel) refreshViewport() {
	id := m.selectedID()
	p, ok := m.phases[id]
	if id == "" || !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s [%s]", p.ID, p.Status)
	m.viewport.SetContent(header + "\n\n" + strings.Join(p.Transcript, "\n"))
	m.viewport.GotoBottom()
}

func (m *PhasePaneModel) resizeViewport() {
	listWidth := 30
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *PhasePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *PhasePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
