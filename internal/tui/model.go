// Package tui is the terminal observer for a run: a phase list with
// per-task transcripts, run-level progress, and a modal form for answering
// the planner's clarification questions. It consumes the event bus and
// never touches engine state directly, except through the Clarifier.
package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/paperforge/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PanePhaseList PaneID = iota
	PanePhaseOutput
	PaneProgress
)

// Model is the root Bubble Tea model for the observer.
type Model struct {
	phasePane    PhasePaneModel
	progressPane ProgressPaneModel
	answerPane   AnswerPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showAnswers  bool
}

// New creates the observer model, subscribed to every topic of the bus.
func New(bus *events.Bus, clarifier Clarifier) Model {
	return Model{
		phasePane:    NewPhasePaneModel(),
		progressPane: NewProgressPaneModel(),
		answerPane:   NewAnswerPaneModel(clarifier),
		focusedPane:  PanePhaseList,
		eventSub:     bus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.progressPane.Init())
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// While the answer form is open it owns the keyboard.
		if m.showAnswers {
			switch msg.String() {
			case KeyAnswer, "esc":
				m.showAnswers = false
			default:
				var cmd tea.Cmd
				m.answerPane, cmd = m.answerPane.Update(msg)
				cmds = append(cmds, cmd)
				if !m.answerPane.IsVisible() {
					m.showAnswers = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyAnswer:
			m.showAnswers = true
			cmds = append(cmds, m.answerPane.Open())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PanePhaseList
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PanePhaseOutput
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PanePhaseList, PanePhaseOutput:
				var cmd tea.Cmd
				m.phasePane, cmd = m.phasePane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneProgress:
				var cmd tea.Cmd
				m.progressPane, cmd = m.progressPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.answerPane.SetSize(msg.Width, msg.Height)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		var cmd tea.Cmd
		m.phasePane, cmd = m.phasePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskStatusEvent, events.TaskProgressEvent, events.TaskRetryEvent, events.ReplanEvent:
		var cmd tea.Cmd
		m.phasePane, cmd = m.phasePane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RunStartedEvent, events.RunProgressEvent, events.RunFinishedEvent, events.MemoryPressureEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ClarificationRequestedEvent:
		var cmd tea.Cmd
		m.phasePane, cmd = m.phasePane.Update(msg)
		cmds = append(cmds, cmd)
		m.answerPane = m.answerPane.Note(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ClarificationReceivedEvent:
		m.answerPane = m.answerPane.Note(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the observer.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showAnswers {
		return m.answerPane.View()
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top,
		m.phasePane.View(),
		m.progressPane.View(),
	)

	help := HelpView()
	if n := m.answerPane.PendingCount(); n > 0 {
		help += StyleQuestion.Render("  ? open questions: press 'a'")
	}

	return lipgloss.JoinVertical(lipgloss.Left, main, help)
}

// computeLayout calculates pane dimensions and updates the child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 62) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.phasePane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.phasePane.SetFocused(m.focusedPane == PanePhaseList || m.focusedPane == PanePhaseOutput)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
