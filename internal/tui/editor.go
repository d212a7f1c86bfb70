package tui

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/review"
)

const editorFieldCount = 3 // Text, Hours, Save button

// Editor is the inline modal for editing a candidate before accepting it.
type Editor struct {
	open        bool
	focusIndex  int
	candidateID string
	textField   string
	hoursField  string
	err         string
}

func NewEditor() Editor {
	return Editor{}
}

func (e *Editor) Open(candidateID, text string, hours float64) {
	e.open = true
	e.focusIndex = 0
	e.candidateID = candidateID
	e.textField = text
	e.hoursField = strconv.FormatFloat(hours, 'f', -1, 64)
	e.err = ""
}

func (e *Editor) Close()       { e.open = false }
func (e Editor) IsOpen() bool  { return e.open }
func (e Editor) Err() string   { return e.err }
func (e Editor) Text() string  { return e.textField }
func (e Editor) Hours() string { return e.hoursField }

// Update consumes a key. It reports done=true when the modal closed;
// the decision is nil on cancel.
func (e *Editor) Update(msg tea.KeyMsg) (bool, *review.Decision) {
	switch msg.String() {
	case "esc":
		e.Close()
		return true, nil
	case "tab", "down":
		e.focusIndex = (e.focusIndex + 1) % editorFieldCount
	case "shift+tab", "up":
		e.focusIndex = (e.focusIndex + editorFieldCount - 1) % editorFieldCount
	case "enter":
		if e.focusIndex == editorFieldCount-1 {
			return e.submit()
		}
		e.focusIndex = (e.focusIndex + 1) % editorFieldCount
	case "backspace":
		switch e.focusIndex {
		case 0:
			if len(e.textField) > 0 {
				e.textField = e.textField[:len(e.textField)-1]
			}
		case 1:
			if len(e.hoursField) > 0 {
				e.hoursField = e.hoursField[:len(e.hoursField)-1]
			}
		}
	case "space":
		if e.focusIndex == 0 {
			e.textField += " "
		}
	default:
		s := msg.String()
		if len(s) != 1 {
			return false, nil
		}
		switch e.focusIndex {
		case 0:
			e.textField += s
		case 1:
			r := s[0]
			if (r >= '0' && r <= '9') || r == '.' {
				e.hoursField += s
			}
		}
	}
	return false, nil
}

func (e *Editor) submit() (bool, *review.Decision) {
	text := strings.TrimSpace(e.textField)
	if len(text) < pipeline.MinTextLen || len(text) > pipeline.MaxTextLen {
		e.err = fmt.Sprintf("Text must be %d-%d characters", pipeline.MinTextLen, pipeline.MaxTextLen)
		return false, nil
	}
	hours, err := strconv.ParseFloat(strings.TrimSpace(e.hoursField), 64)
	if err != nil {
		e.err = "Hours must be a number"
		return false, nil
	}
	if hours < pipeline.MinBridgeEffort || hours > pipeline.MaxBridgeEffort {
		e.err = fmt.Sprintf("Hours must be in [%d,%d]", pipeline.MinBridgeEffort, pipeline.MaxBridgeEffort)
		return false, nil
	}
	id := e.candidateID
	e.Close()
	return true, &review.Decision{
		CandidateID: id,
		Action:      review.ActionEdit,
		EditedText:  text,
		EditedHours: hours,
	}
}

func (e Editor) View() string {
	if !e.open {
		return ""
	}

	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(60)
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	focus := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	mk := func(idx int) string {
		if e.focusIndex == idx {
			return focus.Render("▸ ")
		}
		return "  "
	}

	var b strings.Builder
	b.WriteString(title.Render("Edit Candidate") + "\n\n")
	textPreview := e.textField
	if len(textPreview) > 44 {
		textPreview = textPreview[:44] + "..."
	}
	b.WriteString(mk(0) + "Text:  [ " + textPreview + " ]\n")
	b.WriteString(mk(1) + "Hours: [ " + e.hoursField + " ]\n\n")
	btn := "[ Save ]"
	if e.focusIndex == 2 {
		btn = focus.Render("[ Save ]")
	}
	b.WriteString("  " + btn + dim.Render("  (Esc to cancel)") + "\n")
	if e.err != "" {
		b.WriteString("\n" + errS.Render("  ⚠ "+e.err))
	}
	return border.Render(b.String())
}
