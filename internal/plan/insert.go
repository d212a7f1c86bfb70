package plan

import (
	"fmt"
)

// CycleError reports a dependency cycle. From depends on To; the edge is
// one lying inside the cycle region so the caller can point at it.
type CycleError struct {
	From TaskID
	To   TaskID
}

func (e *CycleError) Error() string {
	if e.From == "" && e.To == "" {
		return "dependency cycle detected"
	}
	return fmt.Sprintf("dependency cycle detected: task %s depends on %s", e.From, e.To)
}

// ValidationError reports malformed insertion input, as opposed to a
// structural cycle.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Bridge is one accepted bridging task awaiting insertion. Text and hours
// carry any user edits; provider confidence and reasoning carry the
// original generator output for provenance.
type Bridge struct {
	Text                 string
	EstimatedEffortHours float64
	RequiredCognition    Cognition
	ProviderConfidence   float64
	Reasoning            string
}

// InsertAccepted inserts the accepted bridging tasks between predecessor
// and successor. IDs are minted to sort between the two endpoints, the new
// tasks are chained (first depends on predecessor, each next on the
// previous), and the successor's dependency on the predecessor is replaced
// by one on the last new task (or added when no such dependency existed).
//
// The whole updated graph is revalidated with Kahn's algorithm before
// anything is committed; on any failure the graph is left untouched.
// On success the swap is atomic relative to concurrent readers and the
// version counter increments once.
func (g *Graph) InsertAccepted(predecessorID, successorID TaskID, accepted []Bridge) ([]TaskID, error) {
	if len(accepted) == 0 {
		return nil, &ValidationError{Msg: "no accepted tasks to insert"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	pred, ok := g.tasks[predecessorID]
	if !ok {
		return nil, &ValidationError{Msg: fmt.Sprintf("predecessor %s not in graph", predecessorID)}
	}
	succ, ok := g.tasks[successorID]
	if !ok {
		return nil, &ValidationError{Msg: fmt.Sprintf("successor %s not in graph", successorID)}
	}

	taken := make(map[TaskID]struct{}, len(g.tasks))
	for id := range g.tasks {
		taken[id] = struct{}{}
	}
	ids, err := allocateIDs(pred.ID, succ.ID, len(accepted), taken)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	// Build the candidate task set on copies; nothing below touches
	// g.tasks until validation passes.
	next := make(map[TaskID]*Task, len(g.tasks)+len(accepted))
	for id, t := range g.tasks {
		next[id] = t.Clone()
	}

	prev := pred.ID
	for i, br := range accepted {
		t := &Task{
			ID:                   ids[i],
			Text:                 br.Text,
			EstimatedEffortHours: br.EstimatedEffortHours,
			RequiredCognition:    br.RequiredCognition,
			DependsOn:            []TaskID{prev},
			Source:               SourceAIGenerated,
			Provenance: &Provenance{
				PredecessorID:      pred.ID,
				SuccessorID:        succ.ID,
				ProviderConfidence: br.ProviderConfidence,
				Reasoning:          br.Reasoning,
			},
			RequiresReview: true,
		}
		if err := validateTask(t); err != nil {
			return nil, &ValidationError{Msg: err.Error()}
		}
		next[t.ID] = t
		prev = t.ID
	}

	// Rewire the successor: the last new task stands in for the
	// predecessor edge when one existed, and is appended otherwise.
	ns := next[succ.ID]
	replaced := false
	for i, dep := range ns.DependsOn {
		if dep == pred.ID {
			ns.DependsOn[i] = prev
			replaced = true
			break
		}
	}
	if !replaced {
		ns.DependsOn = append(ns.DependsOn, prev)
	}

	if cyc := findCycle(next); cyc != nil {
		return nil, cyc
	}

	g.tasks = next
	g.version++
	return ids, nil
}
