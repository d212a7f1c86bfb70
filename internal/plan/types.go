// Package plan holds the task graph for a single plan: the task model,
// ordinal task IDs, the in-memory graph store with invariant enforcement,
// and the insertion validator that commits accepted bridging tasks.
package plan

import (
	"fmt"
	"strings"
)

// Cognition is the level of thinking a task demands.
type Cognition string

const (
	CognitionLow    Cognition = "low"
	CognitionMedium Cognition = "medium"
	CognitionHigh   Cognition = "high"
)

// ValidCognition reports whether c is one of the known levels.
func ValidCognition(c Cognition) bool {
	switch c {
	case CognitionLow, CognitionMedium, CognitionHigh:
		return true
	}
	return false
}

// Source records where a task came from.
type Source string

const (
	SourceUserExtracted Source = "user_extracted"
	SourceAIGenerated   Source = "ai_generated"
)

// Effort bounds for committed tasks (hours).
const (
	MinEffortHours = 1
	MaxEffortHours = 200
)

// Provenance records how an AI-generated task entered the graph.
// Provider confidence and reasoning are kept for audit even when the
// user edited the candidate before accepting it.
type Provenance struct {
	PredecessorID      TaskID  `json:"predecessor_id"`
	SuccessorID        TaskID  `json:"successor_id"`
	ProviderConfidence float64 `json:"provider_confidence"`
	Reasoning          string  `json:"reasoning,omitempty"`
}

// Task is one node in a plan's dependency graph.
type Task struct {
	ID                   TaskID      `json:"id"`
	Text                 string      `json:"text"`
	EstimatedEffortHours float64     `json:"estimated_effort_hours"`
	RequiredCognition    Cognition   `json:"required_cognition"`
	DependsOn            []TaskID    `json:"depends_on,omitempty"`
	Source               Source      `json:"source"`
	Provenance           *Provenance `json:"provenance,omitempty"`
	RequiresReview       bool        `json:"requires_review"`
}

// DependsOnSet returns the dependency set as a map for membership checks.
func (t *Task) DependsOnSet() map[TaskID]struct{} {
	set := make(map[TaskID]struct{}, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		set[dep] = struct{}{}
	}
	return set
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.DependsOn = append([]TaskID(nil), t.DependsOn...)
	if t.Provenance != nil {
		prov := *t.Provenance
		cp.Provenance = &prov
	}
	return &cp
}

// validateTask checks domain bounds for a single task in isolation.
func validateTask(t *Task) error {
	if t.ID == "" {
		return fmt.Errorf("task has empty ID")
	}
	if _, err := parseID(t.ID); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("task %s has empty text", t.ID)
	}
	if t.EstimatedEffortHours < MinEffortHours || t.EstimatedEffortHours > MaxEffortHours {
		return fmt.Errorf("task %s effort %.1fh outside [%d,%d]", t.ID, t.EstimatedEffortHours, MinEffortHours, MaxEffortHours)
	}
	if !ValidCognition(t.RequiredCognition) {
		return fmt.Errorf("task %s has unknown cognition %q", t.ID, t.RequiredCognition)
	}
	switch t.Source {
	case SourceUserExtracted, SourceAIGenerated:
	default:
		return fmt.Errorf("task %s has unknown source %q", t.ID, t.Source)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
	}
	return nil
}
