package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/paperforge/internal/events"
)

// ProgressPaneModel shows run-level totals: per-status counts, a progress
// bar, and memory pressure, fed by the run topic of the event bus.
type ProgressPaneModel struct {
	runID   string
	title   string
	total   int
	counts  events.RunProgressEvent
	spinner spinner.Model

	finished    bool
	finalStatus string
	duration    time.Duration

	evictions  int
	freedBytes int

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates a new progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StyleStatusRunning
	return ProgressPaneModel{spinner: sp}
}

// Init starts the spinner.
func (m ProgressPaneModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case events.RunStartedEvent:
		m.runID = msg.RunID
		m.title = msg.Title
		m.total = msg.Total

	case events.RunProgressEvent:
		m.counts = msg
		m.total = msg.Total

	case events.RunFinishedEvent:
		m.finished = true
		m.finalStatus = msg.Status
		m.duration = msg.Duration

	case events.MemoryPressureEvent:
		m.evictions += msg.Evicted
		m.freedBytes += msg.FreedBytes
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.runID == "" {
		b.WriteString(StyleStatusPending.Render("Waiting for a run..."))
	} else {
		b.WriteString(fmt.Sprintf("%s\n", m.title))
		b.WriteString(StyleStatusPending.Render(m.runID))
		b.WriteString("\n\n")

		c := m.counts
		b.WriteString(fmt.Sprintf("Total:      %d\n", m.total))
		b.WriteString(fmt.Sprintf("Completed:  %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", c.Completed))))
		b.WriteString(fmt.Sprintf("Executing:  %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", c.Executing))))
		b.WriteString(fmt.Sprintf("Retrying:   %s\n", StyleStatusRetry.Render(fmt.Sprintf("%d", c.Retrying+c.AwaitingReplan))))
		b.WriteString(fmt.Sprintf("Failed:     %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", c.Failed))))
		b.WriteString(fmt.Sprintf("Waiting:    %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", c.Pending+c.Ready))))
		b.WriteString("\n")

		b.WriteString(m.renderBar())
		b.WriteString("\n")

		if m.evictions > 0 {
			b.WriteString(fmt.Sprintf("\nMemory: evicted %d records, freed %s\n",
				m.evictions, humanize.Bytes(uint64(m.freedBytes))))
		}

		b.WriteString("\n")
		if m.finished {
			b.WriteString(m.finishLine())
		} else {
			b.WriteString(fmt.Sprintf("%s running", m.spinner.View()))
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) renderBar() string {
	if m.total == 0 {
		return ""
	}
	barWidth := min(m.width-8, 40)
	c := m.counts
	completedWidth := (c.Completed * barWidth) / m.total
	failedWidth := (c.Failed * barWidth) / m.total
	runningWidth := (c.Executing * barWidth) / m.total
	restWidth := barWidth - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, c.Completed, m.total)
}

func (m ProgressPaneModel) finishLine() string {
	line := fmt.Sprintf("run %s in %s", m.finalStatus, m.duration.Round(time.Millisecond))
	switch m.finalStatus {
	case "completed":
		return StyleStatusComplete.Render(line)
	case "failed":
		return StyleStatusFailed.Render(line)
	default:
		return StyleStatusPending.Render(line)
	}
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
