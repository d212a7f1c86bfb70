// Package tui is the interactive review screen: it runs a gap analysis
// for one plan, lists the proposed bridging tasks grouped by gap, and
// lets the user accept, reject, or edit them before committing.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/review"
)

type phase int

const (
	phaseAnalyzing phase = iota
	phaseReview
	phaseCommitting
	phaseDone
)

// row is one selectable line: either a gap header or a candidate.
type row struct {
	gapID     string
	candidate *pipeline.Candidate
	failure   *persistence.GapFailure
}

type analysisDoneMsg struct {
	res *review.AnalysisResult
	err error
}

type commitDoneMsg struct {
	res *review.CommitResult
	err error
}

type Model struct {
	svc    *review.Service
	planID string

	phase     phase
	sessionID string
	rows      []row
	cursor    int
	decisions map[string]string // candidate ID -> accept/reject
	edits     map[string]review.Decision
	editor    Editor

	result *review.CommitResult
	err    error
	status string
}

func NewModel(svc *review.Service, planID string) Model {
	return Model{
		svc:       svc,
		planID:    planID,
		phase:     phaseAnalyzing,
		decisions: map[string]string{},
		edits:     map[string]review.Decision{},
		editor:    NewEditor(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.startAnalysis()
}

func (m Model) startAnalysis() tea.Cmd {
	svc, planID := m.svc, m.planID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		res, err := svc.StartGapAnalysis(ctx, planID)
		return analysisDoneMsg{res: res, err: err}
	}
}

func (m Model) commit() tea.Cmd {
	svc, sessionID := m.svc, m.sessionID
	decisions := m.collectDecisions()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := svc.CommitSession(ctx, sessionID, decisions)
		return commitDoneMsg{res: res, err: err}
	}
}

// collectDecisions flattens the local decision state into the commit
// payload: edits first, then the accept/reject verdicts.
func (m Model) collectDecisions() []review.Decision {
	var out []review.Decision
	for _, r := range m.rows {
		if r.candidate == nil {
			continue
		}
		id := r.candidate.ID
		if edit, ok := m.edits[id]; ok {
			out = append(out, edit)
		}
		if verdict, ok := m.decisions[id]; ok {
			out = append(out, review.Decision{CandidateID: id, Action: verdict})
		}
	}
	return out
}

func (m Model) acceptedCount() int {
	n := 0
	for _, v := range m.decisions {
		if v == review.ActionAccept {
			n++
		}
	}
	return n
}

func (m *Model) buildRows(res *review.AnalysisResult) {
	m.rows = m.rows[:0]
	for i := range res.Gaps {
		gapID := res.Gaps[i].ID()
		m.rows = append(m.rows, row{gapID: gapID})
		for j := range res.CandidatesByGap[gapID] {
			m.rows = append(m.rows, row{gapID: gapID, candidate: &res.CandidatesByGap[gapID][j]})
		}
		for j := range res.FailedGaps {
			if res.FailedGaps[j].GapID == gapID {
				m.rows = append(m.rows, row{gapID: gapID, failure: &res.FailedGaps[j]})
			}
		}
	}
	m.cursor = 0
	m.moveCursor(0)
}

// moveCursor advances by delta, skipping non-candidate rows.
func (m *Model) moveCursor(delta int) {
	if len(m.rows) == 0 {
		return
	}
	i := m.cursor + delta
	for i >= 0 && i < len(m.rows) && m.rows[i].candidate == nil {
		if delta >= 0 {
			i++
		} else {
			i--
		}
	}
	if i >= 0 && i < len(m.rows) && m.rows[i].candidate != nil {
		m.cursor = i
	} else if delta == 0 {
		// Initial placement: find the first candidate from the top.
		for j := range m.rows {
			if m.rows[j].candidate != nil {
				m.cursor = j
				return
			}
		}
	}
}

func (m *Model) current() *pipeline.Candidate {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return nil
	}
	return m.rows[m.cursor].candidate
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case analysisDoneMsg:
		if msg.err != nil {
			m.phase = phaseDone
			m.err = msg.err
			return m, tea.Quit
		}
		m.sessionID = msg.res.SessionID
		if len(msg.res.Gaps) == 0 {
			m.phase = phaseDone
			m.status = "No gaps detected. Plan looks complete."
			return m, tea.Quit
		}
		m.phase = phaseReview
		m.buildRows(msg.res)
		return m, nil

	case commitDoneMsg:
		m.phase = phaseDone
		m.result = msg.res
		m.err = msg.err
		return m, tea.Quit

	case tea.KeyMsg:
		if m.editor.IsOpen() {
			if done, dec := m.editor.Update(msg); done {
				if dec != nil {
					m.edits[dec.CandidateID] = *dec
					m.decisions[dec.CandidateID] = review.ActionAccept
				}
			}
			return m, nil
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.phase != phaseReview {
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	}
	switch msg.String() {
	case "q", "ctrl+c":
		// Leaving without committing abandons the session.
		svc, sessionID := m.svc, m.sessionID
		m.phase = phaseDone
		m.status = "Review abandoned; session aborted."
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = svc.Abort(ctx, sessionID)
			return tea.Quit()
		}
	case "j", "down":
		m.moveCursor(1)
	case "k", "up":
		m.moveCursor(-1)
	case "a":
		if c := m.current(); c != nil {
			m.decisions[c.ID] = review.ActionAccept
		}
	case "r":
		if c := m.current(); c != nil {
			m.decisions[c.ID] = review.ActionReject
			delete(m.edits, c.ID)
		}
	case "e":
		if c := m.current(); c != nil {
			text := c.Text
			hours := c.EstimatedEffortHours
			if prev, ok := m.edits[c.ID]; ok {
				text, hours = prev.EditedText, prev.EditedHours
			}
			m.editor.Open(c.ID, text, hours)
		}
	case "c":
		if m.acceptedCount() == 0 {
			m.status = "Nothing accepted yet. Accept at least one candidate or press q to abort."
			return m, nil
		}
		m.phase = phaseCommitting
		return m, m.commit()
	}
	return m, nil
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	gapStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("172"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	acceptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	rejectStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	metadataStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TaskBridge Review — plan "+m.planID) + "\n\n")

	switch m.phase {
	case phaseAnalyzing:
		b.WriteString("Analyzing plan for gaps...\n")
	case phaseCommitting:
		b.WriteString("Committing accepted tasks...\n")
	case phaseDone:
		if m.err != nil {
			b.WriteString(failureStyle.Render("Error: "+m.err.Error()) + "\n")
		} else if m.result != nil {
			b.WriteString(fmt.Sprintf("Committed. Inserted %d tasks: %v\n", len(m.result.InsertedTaskIDs), m.result.InsertedTaskIDs))
		} else if m.status != "" {
			b.WriteString(m.status + "\n")
		}
	case phaseReview:
		m.renderRows(&b)
		b.WriteString("\n" + dimStyle.Render("j/k move · a accept · r reject · e edit · c commit · q abort"))
		if m.status != "" {
			b.WriteString("\n" + failureStyle.Render(m.status))
		}
		if m.editor.IsOpen() {
			b.WriteString("\n\n" + m.editor.View())
		}
	}
	return b.String()
}

func (m Model) renderRows(b *strings.Builder) {
	for i, r := range m.rows {
		switch {
		case r.candidate == nil && r.failure == nil:
			b.WriteString(gapStyle.Render("Gap "+r.gapID) + "\n")
		case r.failure != nil:
			b.WriteString("   " + failureStyle.Render("generation failed: "+r.failure.Error) + "\n")
		default:
			c := r.candidate
			marker := "  "
			if i == m.cursor {
				marker = cursorStyle.Render("▸ ")
			}
			verdict := dimStyle.Render("[ ]")
			switch m.decisions[c.ID] {
			case review.ActionAccept:
				verdict = acceptStyle.Render("[a]")
			case review.ActionReject:
				verdict = rejectStyle.Render("[r]")
			}
			text := c.Text
			if edit, ok := m.edits[c.ID]; ok {
				text = edit.EditedText + dimStyle.Render(" (edited)")
			}
			b.WriteString(fmt.Sprintf(" %s%s %s\n", marker, verdict, text))
			b.WriteString("      " + metadataStyle.Render(fmt.Sprintf("%.0fh · %s · confidence %.2f",
				c.EstimatedEffortHours, c.RequiredCognition, c.Confidence)) + "\n")
		}
	}
}

// Run starts the review screen and blocks until it exits.
func Run(ctx context.Context, svc *review.Service, planID string) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(NewModel(svc, planID))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
