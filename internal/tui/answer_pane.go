package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/paperforge/internal/events"
	"github.com/aristath/paperforge/internal/plan"
)

// Clarifier receives answers submitted through the form. Satisfied by the
// orchestrator.
type Clarifier interface {
	Clarify(id, answer string) bool
}

// AnswerPaneModel is the modal form for answering clarification questions
// the planner raised mid-run. Questions arrive as events; submitting an
// answer merges it into the planner's live state through the Clarifier.
type AnswerPaneModel struct {
	clarifier Clarifier
	form      *huh.Form

	pending  map[string]string // question id -> question text
	order    []string          // arrival order
	answered map[string]string

	visible bool
	width   int
	height  int

	// Form field bindings.
	selectedID string
	answerText string
}

// NewAnswerPaneModel creates a new answer pane.
func NewAnswerPaneModel(c Clarifier) AnswerPaneModel {
	return AnswerPaneModel{
		clarifier: c,
		pending:   make(map[string]string),
		answered:  make(map[string]string),
	}
}

// Note records clarification events so the pane knows what is open. Called
// for every clarification event, visible or not.
func (m AnswerPaneModel) Note(msg tea.Msg) AnswerPaneModel {
	switch msg := msg.(type) {
	case events.ClarificationRequestedEvent:
		id := plan.ClarificationID(msg.Question)
		if _, done := m.answered[id]; done {
			break
		}
		if _, open := m.pending[id]; !open {
			m.pending[id] = msg.Question
			m.order = append(m.order, id)
		}
	case events.ClarificationReceivedEvent:
		m.drop(msg.ID)
		m.answered[msg.ID] = msg.Answer
	}
	return m
}

func (m *AnswerPaneModel) drop(id string) {
	if _, open := m.pending[id]; !open {
		return
	}
	delete(m.pending, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// buildForm constructs the question select + answer input form.
func (m *AnswerPaneModel) buildForm() {
	options := make([]huh.Option[string], 0, len(m.order))
	for _, id := range m.order {
		question := m.pending[id]
		if len(question) > 70 {
			question = question[:67] + "..."
		}
		options = append(options, huh.NewOption(question, id))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("question").
				Title("Question").
				Options(options...).
				Value(&m.selectedID),

			huh.NewInput().
				Key("answer").
				Title("Answer").
				Value(&m.answerText).
				Placeholder("type your answer"),
		).Title("Answer a planning question"),
	)
	m.form = m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
}

// Open shows the pane, rebuilding the form over the current questions.
func (m *AnswerPaneModel) Open() tea.Cmd {
	m.visible = true
	m.answerText = ""
	if len(m.order) == 0 {
		m.form = nil
		return nil
	}
	m.selectedID = m.order[0]
	m.buildForm()
	return m.form.Init()
}

// Update handles messages while the pane is visible.
func (m AnswerPaneModel) Update(msg tea.Msg) (AnswerPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		return m, nil
	}

	if m.form == nil {
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.submit()
		m.visible = false
	}

	return m, cmd
}

// submit forwards the chosen answer and retires the question locally; the
// received event confirms it for every other observer.
func (m *AnswerPaneModel) submit() {
	answer := strings.TrimSpace(m.answerText)
	if m.selectedID == "" || answer == "" {
		return
	}
	m.clarifier.Clarify(m.selectedID, answer)
	m.drop(m.selectedID)
	m.answered[m.selectedID] = answer
}

// View renders the modal.
func (m AnswerPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.form == nil {
		content = StyleStatusPending.Render("No open questions.")
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render(fmt.Sprintf("? Open Questions (%d)", len(m.order)))

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// PendingCount returns how many questions await an answer.
func (m AnswerPaneModel) PendingCount() int {
	return len(m.order)
}

// SetSize updates the dimensions of the answer pane.
func (m *AnswerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form = m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// IsVisible returns whether the pane is currently shown.
func (m AnswerPaneModel) IsVisible() bool {
	return m.visible
}
