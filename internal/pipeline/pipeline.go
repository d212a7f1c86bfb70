// Package pipeline turns one detected gap into reviewed bridging
// candidates: it assembles the generation request, invokes the external
// generation collaborator, drops duplicates of existing work, and blends
// the composite confidence score.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/basket/taskbridge/internal/semantic"
)

// Candidate text and effort bounds (pre-insertion).
const (
	MinTextLen      = 10
	MaxTextLen      = 200
	MinBridgeEffort = 8
	MaxBridgeEffort = 160
)

// ErrNoCandidates reports that generation produced nothing usable for a
// gap: every returned candidate was invalid or judged a duplicate.
var ErrNoCandidates = errors.New("no usable candidates after filtering")

// Request is the generation request assembled for one gap.
type Request struct {
	PredecessorText string            `json:"predecessor_text"`
	SuccessorText   string            `json:"successor_text"`
	DocumentContext string            `json:"document_context,omitempty"`
	Outcome         string            `json:"outcome,omitempty"`
	SimilarTasks    []semantic.Scored `json:"similar_tasks,omitempty"`
}

// RawCandidate is one schema-conformant candidate as returned by the
// generation collaborator.
type RawCandidate struct {
	Text                 string  `json:"text"`
	EstimatedEffortHours float64 `json:"estimated_effort_hours"`
	RequiredCognition    string  `json:"required_cognition"`
	Confidence           float64 `json:"confidence"`
	Reasoning            string  `json:"reasoning"`
}

// Generator is the external generation collaborator contract. It must
// return schema-conformant candidates or an explicit error.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]RawCandidate, error)
}

// Candidate is a scored bridging candidate ready for review.
type Candidate struct {
	ID                   string         `json:"id"`
	GapID                string         `json:"gap_id"`
	Text                 string         `json:"text"`
	EstimatedEffortHours float64        `json:"estimated_effort_hours"`
	RequiredCognition    plan.Cognition `json:"required_cognition"`
	ProviderConfidence   float64        `json:"provider_confidence"`
	Reasoning            string         `json:"reasoning"`
	SimilarityToExisting float64        `json:"similarity_to_existing"`
	PatternSimilarity    float64        `json:"pattern_similarity"`
	Confidence           float64        `json:"confidence"`
}

// Weights blends the composite confidence inputs.
type Weights struct {
	PatternSimilarity  float64 `yaml:"pattern_similarity"`
	GapConfidence      float64 `yaml:"gap_confidence"`
	ProviderConfidence float64 `yaml:"provider_confidence"`
}

// Config carries the pipeline tunables.
type Config struct {
	Weights       Weights `yaml:"weights"`
	DedupCutoff   float64 `yaml:"dedup_cutoff"`
	MaxCandidates int     `yaml:"max_candidates"`
	MaxSimilar    int     `yaml:"max_similar"`
	// GapTimeoutSeconds bounds one gap's external generation call.
	GapTimeoutSeconds int `yaml:"gap_timeout_seconds"`
	// Parallelism caps concurrent gap analyses within a session.
	Parallelism int `yaml:"parallelism"`
}

// DefaultConfig returns the production defaults: 0.4/0.3/0.3 weights,
// 0.90 dedup cutoff, 3 candidates per gap, 10 similarity anchors, 5s
// per-gap timeout, 3-way parallelism.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			PatternSimilarity:  0.4,
			GapConfidence:      0.3,
			ProviderConfidence: 0.3,
		},
		DedupCutoff:       0.90,
		MaxCandidates:     3,
		MaxSimilar:        10,
		GapTimeoutSeconds: 5,
		Parallelism:       3,
	}
}

// Pipeline drives candidate generation for single gaps.
type Pipeline struct {
	gen     Generator
	scorer  semantic.Scorer
	cfg     Config
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otel.Metrics
}

// New builds a pipeline. Zero config fields fall back to defaults.
// events and metrics may be nil.
func New(gen Generator, scorer semantic.Scorer, cfg Config, logger *slog.Logger, events *bus.Bus, metrics *otel.Metrics) *Pipeline {
	def := DefaultConfig()
	if cfg.DedupCutoff <= 0 || cfg.DedupCutoff > 1 {
		cfg.DedupCutoff = def.DedupCutoff
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.MaxSimilar <= 0 {
		cfg.MaxSimilar = def.MaxSimilar
	}
	if sum := cfg.Weights.PatternSimilarity + cfg.Weights.GapConfidence + cfg.Weights.ProviderConfidence; sum <= 0 {
		cfg.Weights = def.Weights
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{gen: gen, scorer: scorer, cfg: cfg, logger: logger, events: events, metrics: metrics}
}

// Generate runs the candidate pipeline for one gap against a graph
// snapshot. The returned candidates are capped and ordered by composite
// confidence descending. ErrNoCandidates means the generator answered
// but nothing survived validation and dedup.
func (p *Pipeline) Generate(ctx context.Context, sessionID string, g gap.Gap, tasks []plan.Task, outcome, docContext string) ([]Candidate, error) {
	var predText, succText string
	corpus := make([]string, 0, len(tasks))
	for _, t := range tasks {
		corpus = append(corpus, t.Text)
		switch t.ID {
		case g.PredecessorID:
			predText = t.Text
		case g.SuccessorID:
			succText = t.Text
		}
	}
	if predText == "" || succText == "" {
		return nil, fmt.Errorf("gap %s references tasks missing from snapshot", g.ID())
	}

	// Anchor granularity and tone on how similar work was broken down
	// before.
	anchors, err := p.scorer.TopK(ctx, predText+" "+succText, corpus, p.cfg.MaxSimilar)
	if err != nil {
		return nil, fmt.Errorf("similar task lookup: %w", err)
	}

	raw, err := p.gen.Generate(ctx, Request{
		PredecessorText: predText,
		SuccessorText:   succText,
		DocumentContext: docContext,
		Outcome:         outcome,
		SimilarTasks:    anchors,
	})
	if err != nil {
		return nil, fmt.Errorf("generate candidates: %w", err)
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, rc := range raw {
		if err := validateRaw(rc); err != nil {
			p.logger.Warn("dropping invalid candidate", "session_id", sessionID, "gap_id", g.ID(), "error", err)
			continue
		}

		maxExisting, err := p.maxSimilarity(ctx, rc.Text, corpus)
		if err != nil {
			return nil, fmt.Errorf("dedup similarity: %w", err)
		}
		c := Candidate{
			ID:                   uuid.NewString(),
			GapID:                g.ID(),
			Text:                 strings.TrimSpace(rc.Text),
			EstimatedEffortHours: rc.EstimatedEffortHours,
			RequiredCognition:    plan.Cognition(rc.RequiredCognition),
			ProviderConfidence:   clamp01(rc.Confidence),
			Reasoning:            rc.Reasoning,
			SimilarityToExisting: maxExisting,
		}

		if maxExisting > p.cfg.DedupCutoff {
			// Intentional, logged no-op: the work already exists.
			p.logger.Info("candidate filtered as duplicate",
				"session_id", sessionID, "gap_id", g.ID(), "similarity", maxExisting)
			if p.metrics != nil {
				p.metrics.CandidatesDeduped.Add(ctx, 1)
			}
			if p.events != nil {
				p.events.Publish(bus.TopicCandidateDeduped, bus.CandidateEvent{
					SessionID:   sessionID,
					GapID:       g.ID(),
					CandidateID: c.ID,
					Similarity:  maxExisting,
				})
			}
			continue
		}

		anchorTexts := make([]string, 0, len(anchors))
		for _, a := range anchors {
			anchorTexts = append(anchorTexts, a.Text)
		}
		pattern, err := p.maxSimilarity(ctx, c.Text, anchorTexts)
		if err != nil {
			return nil, fmt.Errorf("pattern similarity: %w", err)
		}
		c.PatternSimilarity = pattern
		c.Confidence = clamp01(
			p.cfg.Weights.PatternSimilarity*pattern +
				p.cfg.Weights.GapConfidence*g.Confidence +
				p.cfg.Weights.ProviderConfidence*c.ProviderConfidence,
		)

		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > p.cfg.MaxCandidates {
		candidates = candidates[:p.cfg.MaxCandidates]
	}

	if p.metrics != nil {
		p.metrics.CandidatesProposed.Add(ctx, int64(len(candidates)))
	}
	if p.events != nil {
		for _, c := range candidates {
			p.events.Publish(bus.TopicCandidateProposed, bus.CandidateEvent{
				SessionID:   sessionID,
				GapID:       g.ID(),
				CandidateID: c.ID,
				Confidence:  c.Confidence,
				Similarity:  c.SimilarityToExisting,
			})
		}
	}
	return candidates, nil
}

func (p *Pipeline) maxSimilarity(ctx context.Context, text string, corpus []string) (float64, error) {
	var max float64
	for _, other := range corpus {
		sim, err := p.scorer.Similarity(ctx, text, other)
		if err != nil {
			return 0, err
		}
		if sim > max {
			max = sim
		}
	}
	return max, nil
}

func validateRaw(rc RawCandidate) error {
	text := strings.TrimSpace(rc.Text)
	if len(text) < MinTextLen || len(text) > MaxTextLen {
		return fmt.Errorf("text length %d outside [%d,%d]", len(text), MinTextLen, MaxTextLen)
	}
	if rc.EstimatedEffortHours < MinBridgeEffort || rc.EstimatedEffortHours > MaxBridgeEffort {
		return fmt.Errorf("effort %.1fh outside [%d,%d]", rc.EstimatedEffortHours, MinBridgeEffort, MaxBridgeEffort)
	}
	if !plan.ValidCognition(plan.Cognition(rc.RequiredCognition)) {
		return fmt.Errorf("unknown cognition %q", rc.RequiredCognition)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
