// Package review orchestrates one gap-analysis invocation end to end:
// detection, bounded-parallel candidate generation, the decision phase,
// and the atomic commit of accepted candidates into the plan graph.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/basket/taskbridge/internal/shared"
)

// Decision actions accepted by ApplyDecisions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
	ActionEdit   = "edit"
)

// Decision is one reviewer action on a candidate.
type Decision struct {
	CandidateID string  `json:"candidate_id"`
	Action      string  `json:"action"`
	EditedText  string  `json:"edited_text,omitempty"`
	EditedHours float64 `json:"edited_hours,omitempty"`
}

// AnalysisResult is the StartGapAnalysis response.
type AnalysisResult struct {
	SessionID       string                            `json:"session_id"`
	State           persistence.SessionState          `json:"state"`
	Gaps            []gap.Gap                         `json:"gaps"`
	CandidatesByGap map[string][]pipeline.Candidate   `json:"candidates_by_gap,omitempty"`
	FailedGaps      []persistence.GapFailure          `json:"failed_gaps,omitempty"`
}

// CommitResult is the CommitSession response.
type CommitResult struct {
	Status          string        `json:"status"`
	InsertedTaskIDs []plan.TaskID `json:"inserted_task_ids,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Service drives review sessions against the store.
type Service struct {
	store    *persistence.Store
	detector *gap.Detector
	pipe     *pipeline.Pipeline
	events   *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics

	gapTimeout  time.Duration
	parallelism int
}

// NewService wires the session orchestrator. metrics and events may be
// nil in tests.
func NewService(store *persistence.Store, detector *gap.Detector, pipe *pipeline.Pipeline,
	events *bus.Bus, logger *slog.Logger, metrics *otel.Metrics,
	gapTimeout time.Duration, parallelism int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if gapTimeout <= 0 {
		gapTimeout = 5 * time.Second
	}
	if parallelism <= 0 {
		parallelism = 3
	}
	return &Service{
		store:       store,
		detector:    detector,
		pipe:        pipe,
		events:      events,
		logger:      logger,
		metrics:     metrics,
		gapTimeout:  gapTimeout,
		parallelism: parallelism,
	}
}

// StartGapAnalysis runs detection and candidate generation for a plan.
// Exactly one live session may exist per plan; a second call while one
// is open returns persistence.ErrPlanBusy. Zero detected gaps is a
// valid outcome: the session terminates as aborted and the result
// carries an empty gap list.
func (s *Service) StartGapAnalysis(ctx context.Context, planID string) (*AnalysisResult, error) {
	rec, tasks, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	graph, err := plan.NewGraph(planID, tasks)
	if err != nil {
		return nil, fmt.Errorf("plan graph invalid: %w", err)
	}
	ordered, err := graph.TopoOrder()
	if err != nil {
		return nil, fmt.Errorf("order plan tasks: %w", err)
	}

	sessionID := uuid.NewString()
	if err := s.store.CreateSession(ctx, sessionID, planID, rec.GraphVersion); err != nil {
		return nil, err
	}
	s.addActive(ctx, 1)
	if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionCreated, persistence.SessionAnalyzing); err != nil {
		return nil, err
	}

	detectStart := time.Now()
	gaps := s.detector.Detect(ordered, time.Now().UTC())
	detectionMS := time.Since(detectStart).Milliseconds()
	s.recordDetection(ctx, detectStart, len(gaps))
	s.logger.Info("gap detection finished",
		"trace_id", shared.TraceID(ctx),
		"session_id", sessionID, "plan_id", planID, "gaps", len(gaps), "detection_ms", detectionMS)
	for _, g := range gaps {
		if s.events != nil {
			s.events.Publish(bus.TopicGapDetected, bus.GapDetectedEvent{
				SessionID:     sessionID,
				GapID:         g.ID(),
				PredecessorID: string(g.PredecessorID),
				SuccessorID:   string(g.SuccessorID),
				Confidence:    g.Confidence,
			})
		}
	}

	if len(gaps) == 0 {
		if err := s.store.SaveAnalysis(ctx, sessionID, nil, nil, detectionMS, 0); err != nil {
			return nil, err
		}
		if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionAnalyzing, persistence.SessionAborted); err != nil {
			return nil, err
		}
		s.finishSession(ctx, "aborted")
		return &AnalysisResult{SessionID: sessionID, State: persistence.SessionAborted, Gaps: []gap.Gap{}}, nil
	}

	genStart := time.Now()
	byGap, failed := s.generateAll(ctx, sessionID, gaps, tasks, rec.Outcome, rec.DocContext)
	generationMS := time.Since(genStart).Milliseconds()

	var records []persistence.CandidateRecord
	for _, cands := range byGap {
		for _, c := range cands {
			records = append(records, toRecord(c))
		}
	}
	if len(records) > 0 {
		if err := s.store.SaveCandidates(ctx, sessionID, records); err != nil {
			return nil, s.failSession(ctx, sessionID, persistence.SessionAnalyzing, err)
		}
	}
	if err := s.store.SaveAnalysis(ctx, sessionID, gaps, failed, detectionMS, generationMS); err != nil {
		return nil, s.failSession(ctx, sessionID, persistence.SessionAnalyzing, err)
	}
	if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionAnalyzing, persistence.SessionAwaitingReview); err != nil {
		return nil, err
	}

	return &AnalysisResult{
		SessionID:       sessionID,
		State:           persistence.SessionAwaitingReview,
		Gaps:            gaps,
		CandidatesByGap: byGap,
		FailedGaps:      failed,
	}, nil
}

// generateAll fans candidate generation out across gaps with bounded
// parallelism. Each gap carries its own deadline; a failure or timeout
// is isolated to that gap.
func (s *Service) generateAll(ctx context.Context, sessionID string, gaps []gap.Gap,
	tasks []plan.Task, outcome, docContext string) (map[string][]pipeline.Candidate, []persistence.GapFailure) {

	type gapResult struct {
		gapID      string
		candidates []pipeline.Candidate
		err        error
	}

	sem := make(chan struct{}, s.parallelism)
	results := make([]gapResult, len(gaps))
	var wg sync.WaitGroup
	for i, g := range gaps {
		wg.Add(1)
		go func(i int, g gap.Gap) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			gctx, cancel := context.WithTimeout(ctx, s.gapTimeout)
			defer cancel()

			start := time.Now()
			cands, err := s.pipe.Generate(gctx, sessionID, g, tasks, outcome, docContext)
			s.recordGeneration(ctx, start, err)
			results[i] = gapResult{gapID: g.ID(), candidates: cands, err: err}
		}(i, g)
	}
	wg.Wait()

	byGap := make(map[string][]pipeline.Candidate)
	var failed []persistence.GapFailure
	for _, r := range results {
		if r.err != nil {
			msg := r.err.Error()
			if errors.Is(r.err, context.DeadlineExceeded) {
				msg = "generation timed out"
			}
			s.logger.Warn("gap generation failed", "session_id", sessionID, "gap_id", r.gapID, "error", r.err)
			if s.events != nil {
				s.events.Publish(bus.TopicGapGenerationFailed, bus.GapDetectedEvent{
					SessionID: sessionID,
					GapID:     r.gapID,
				})
			}
			failed = append(failed, persistence.GapFailure{GapID: r.gapID, Error: msg})
			continue
		}
		byGap[r.gapID] = r.candidates
	}
	return byGap, failed
}

// RetryGap re-runs candidate generation for a single failed gap in an
// awaiting_review session. Other gaps and their decisions are left
// alone.
func (s *Service) RetryGap(ctx context.Context, sessionID, gapID string) (*AnalysisResult, error) {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var target *gap.Gap
	for i := range rec.Gaps {
		if rec.Gaps[i].ID() == gapID {
			target = &rec.Gaps[i]
			break
		}
	}
	if target == nil {
		return nil, &plan.ValidationError{Msg: fmt.Sprintf("session %s has no gap %s", sessionID, gapID)}
	}

	planRec, tasks, err := s.store.GetPlan(ctx, rec.PlanID)
	if err != nil {
		return nil, err
	}

	if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionAwaitingReview, persistence.SessionAnalyzing); err != nil {
		return nil, err
	}
	if err := s.store.DeleteCandidatesForGap(ctx, sessionID, gapID); err != nil {
		return nil, s.failSession(ctx, sessionID, persistence.SessionAnalyzing, err)
	}

	genStart := time.Now()
	byGap, failures := s.generateAll(ctx, sessionID, []gap.Gap{*target}, tasks, planRec.Outcome, planRec.DocContext)
	generationMS := rec.GenerationMS + time.Since(genStart).Milliseconds()

	// Carry forward other gaps' failures; replace this gap's entry.
	var failed []persistence.GapFailure
	for _, f := range rec.FailedGaps {
		if f.GapID != gapID {
			failed = append(failed, f)
		}
	}
	failed = append(failed, failures...)

	if cands := byGap[gapID]; len(cands) > 0 {
		records := make([]persistence.CandidateRecord, 0, len(cands))
		for _, c := range cands {
			records = append(records, toRecord(c))
		}
		if err := s.store.SaveCandidates(ctx, sessionID, records); err != nil {
			return nil, s.failSession(ctx, sessionID, persistence.SessionAnalyzing, err)
		}
	}
	if err := s.store.SaveAnalysis(ctx, sessionID, rec.Gaps, failed, rec.DetectionMS, generationMS); err != nil {
		return nil, s.failSession(ctx, sessionID, persistence.SessionAnalyzing, err)
	}
	if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionAnalyzing, persistence.SessionAwaitingReview); err != nil {
		return nil, err
	}

	return &AnalysisResult{
		SessionID:       sessionID,
		State:           persistence.SessionAwaitingReview,
		Gaps:            rec.Gaps,
		CandidatesByGap: byGap,
		FailedGaps:      failed,
	}, nil
}

// ApplyDecisions records reviewer actions on candidates in an
// awaiting_review session. A reference to an unknown candidate or an
// unknown action is a ValidationError; nothing touches the graph here.
func (s *Service) ApplyDecisions(ctx context.Context, sessionID string, decisions []Decision) error {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.State != persistence.SessionAwaitingReview {
		return &plan.ValidationError{Msg: fmt.Sprintf("session %s is %s, not awaiting_review", sessionID, rec.State)}
	}

	for _, d := range decisions {
		var state persistence.CandidateState
		switch d.Action {
		case ActionAccept:
			state = persistence.CandidateAccepted
			// Edits may ride an accept. Persist them before the
			// verdict so the committed task carries the reviewer's
			// values, not the generator's.
			if d.EditedText != "" || d.EditedHours != 0 {
				if err := s.applyEdit(ctx, sessionID, d); err != nil {
					return err
				}
			}
		case ActionReject:
			state = persistence.CandidateRejected
		case ActionEdit:
			state = persistence.CandidateEdited
			if err := validateEdit(d.EditedText, d.EditedHours); err != nil {
				return err
			}
		default:
			return &plan.ValidationError{Msg: fmt.Sprintf("unknown decision action %q", d.Action)}
		}

		err := s.store.DecideCandidate(ctx, sessionID, d.CandidateID, state, d.EditedText, d.EditedHours)
		if errors.Is(err, persistence.ErrCandidateNotFound) {
			return &plan.ValidationError{Msg: fmt.Sprintf("unknown candidate %s", d.CandidateID)}
		}
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return &plan.ValidationError{Msg: err.Error()}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func validateEdit(text string, hours float64) error {
	if len(text) < pipeline.MinTextLen || len(text) > pipeline.MaxTextLen {
		return &plan.ValidationError{Msg: fmt.Sprintf("edited text length %d outside [%d,%d]", len(text), pipeline.MinTextLen, pipeline.MaxTextLen)}
	}
	if hours < pipeline.MinBridgeEffort || hours > pipeline.MaxBridgeEffort {
		return &plan.ValidationError{Msg: fmt.Sprintf("edited effort %.1fh outside [%d,%d]", hours, pipeline.MinBridgeEffort, pipeline.MaxBridgeEffort)}
	}
	return nil
}

// applyEdit records edit values carried on an accept decision. A
// partial edit keeps the candidate's stored value for the omitted
// field.
func (s *Service) applyEdit(ctx context.Context, sessionID string, d Decision) error {
	text := d.EditedText
	hours := d.EditedHours
	if text == "" || hours == 0 {
		all, err := s.store.ListCandidates(ctx, sessionID)
		if err != nil {
			return err
		}
		found := false
		for _, c := range all {
			if c.ID == d.CandidateID {
				if text == "" {
					text = c.Text
				}
				if hours == 0 {
					hours = c.EstimatedEffortHours
				}
				found = true
				break
			}
		}
		if !found {
			return &plan.ValidationError{Msg: fmt.Sprintf("unknown candidate %s", d.CandidateID)}
		}
	}
	if err := validateEdit(text, hours); err != nil {
		return err
	}
	err := s.store.DecideCandidate(ctx, sessionID, d.CandidateID, persistence.CandidateEdited, text, hours)
	if errors.Is(err, persistence.ErrCandidateNotFound) {
		return &plan.ValidationError{Msg: fmt.Sprintf("unknown candidate %s", d.CandidateID)}
	}
	if errors.Is(err, persistence.ErrInvalidTransition) {
		return &plan.ValidationError{Msg: err.Error()}
	}
	return err
}

// CommitSession applies any inline decisions, then inserts all accepted
// candidates across all gaps in one atomic graph mutation. A cycle or
// validation failure rejects the whole commit and leaves the plan
// untouched. Committing a session that already committed is rejected,
// so a retried commit cannot duplicate tasks.
func (s *Service) CommitSession(ctx context.Context, sessionID string, decisions []Decision) (*CommitResult, error) {
	if len(decisions) > 0 {
		if err := s.ApplyDecisions(ctx, sessionID, decisions); err != nil {
			return nil, err
		}
	}

	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionAwaitingReview, persistence.SessionCommitting); err != nil {
		return nil, err
	}

	insertStart := time.Now()
	result, commitErr := s.commit(ctx, &rec)
	insertionMS := time.Since(insertStart).Milliseconds()
	_ = s.store.SetInsertionTiming(ctx, sessionID, insertionMS)
	s.recordInsertion(ctx, insertStart)

	if commitErr != nil {
		if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionCommitting, persistence.SessionFailed); err != nil {
			s.logger.Error("session failed and could not transition", "session_id", sessionID, "error", err)
		}
		_ = s.store.SetSessionError(ctx, sessionID, commitErr.Error())
		s.finishSession(ctx, "failed")
		if s.events != nil {
			s.events.Publish(bus.TopicSessionFailed, bus.SessionStateChangedEvent{
				SessionID: sessionID, PlanID: rec.PlanID, NewState: string(persistence.SessionFailed),
			})
		}
		var cycleErr *plan.CycleError
		var valErr *plan.ValidationError
		if errors.As(commitErr, &cycleErr) || errors.As(commitErr, &valErr) {
			return &CommitResult{Status: "failed", Error: commitErr.Error()}, commitErr
		}
		return nil, commitErr
	}

	if err := s.store.TransitionSession(ctx, sessionID, persistence.SessionCommitting, persistence.SessionCommitted); err != nil {
		return nil, err
	}
	s.finishSession(ctx, "committed")
	if s.events != nil {
		s.events.Publish(bus.TopicSessionCommitted, bus.SessionCommittedEvent{
			SessionID:       sessionID,
			PlanID:          rec.PlanID,
			InsertedTaskIDs: taskIDStrings(result.InsertedTaskIDs),
		})
	}
	s.logger.Info("session committed",
		"trace_id", shared.TraceID(ctx),
		"session_id", sessionID, "plan_id", rec.PlanID,
		"inserted", len(result.InsertedTaskIDs), "insertion_ms", insertionMS)
	return result, nil
}

// commit performs the all-or-nothing insertion for one session.
func (s *Service) commit(ctx context.Context, rec *persistence.SessionRecord) (*CommitResult, error) {
	planRec, tasks, err := s.store.GetPlan(ctx, rec.PlanID)
	if err != nil {
		return nil, err
	}
	if planRec.GraphVersion != rec.GraphVersion {
		return nil, &plan.ValidationError{Msg: fmt.Sprintf(
			"plan %s changed since analysis (version %d, session saw %d)",
			rec.PlanID, planRec.GraphVersion, rec.GraphVersion)}
	}
	graph, err := plan.NewGraph(rec.PlanID, tasks)
	if err != nil {
		return nil, fmt.Errorf("plan graph invalid: %w", err)
	}

	accepted, err := s.store.AcceptedCandidates(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	var inserted []plan.TaskID
	for _, g := range rec.Gaps {
		group := accepted[g.ID()]
		if len(group) == 0 {
			continue
		}
		bridges := make([]plan.Bridge, 0, len(group))
		for _, c := range group {
			bridges = append(bridges, plan.Bridge{
				Text:                 c.Text,
				EstimatedEffortHours: c.EstimatedEffortHours,
				RequiredCognition:    plan.Cognition(c.RequiredCognition),
				ProviderConfidence:   c.ProviderConfidence,
				Reasoning:            c.Reasoning,
			})
		}
		ids, err := graph.InsertAccepted(g.PredecessorID, g.SuccessorID, bridges)
		if err != nil {
			return nil, err
		}
		inserted = append(inserted, ids...)
	}

	if _, err := s.store.ReplacePlanTasks(ctx, rec.PlanID, rec.GraphVersion, graph.Snapshot()); err != nil {
		return nil, err
	}
	return &CommitResult{Status: "committed", InsertedTaskIDs: inserted}, nil
}

// Abort cancels a live session. In-flight generation results for the
// session are discarded by the callers observing the state change.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return &plan.ValidationError{Msg: fmt.Sprintf("session %s already %s", sessionID, rec.State)}
	}
	if err := s.store.TransitionSession(ctx, sessionID, rec.State, persistence.SessionAborted); err != nil {
		return err
	}
	s.finishSession(ctx, "aborted")
	if s.events != nil {
		s.events.Publish(bus.TopicSessionAborted, bus.SessionStateChangedEvent{
			SessionID: sessionID, PlanID: rec.PlanID,
			OldState: string(rec.State), NewState: string(persistence.SessionAborted),
		})
	}
	return nil
}

// Session exposes a stored session with its candidates for read access.
func (s *Service) Session(ctx context.Context, sessionID string) (persistence.SessionRecord, []persistence.CandidateRecord, error) {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.SessionRecord{}, nil, err
	}
	cands, err := s.store.ListCandidates(ctx, sessionID)
	if err != nil {
		return persistence.SessionRecord{}, nil, err
	}
	return rec, cands, nil
}

func (s *Service) failSession(ctx context.Context, sessionID string, from persistence.SessionState, cause error) error {
	if err := s.store.TransitionSession(ctx, sessionID, from, persistence.SessionFailed); err != nil {
		s.logger.Error("could not mark session failed", "session_id", sessionID, "error", err)
	}
	_ = s.store.SetSessionError(ctx, sessionID, cause.Error())
	s.finishSession(ctx, "failed")
	return cause
}

func toRecord(c pipeline.Candidate) persistence.CandidateRecord {
	return persistence.CandidateRecord{
		ID:                   c.ID,
		GapID:                c.GapID,
		Text:                 c.Text,
		EstimatedEffortHours: c.EstimatedEffortHours,
		RequiredCognition:    string(c.RequiredCognition),
		ProviderConfidence:   c.ProviderConfidence,
		Reasoning:            c.Reasoning,
		SimilarityToExisting: c.SimilarityToExisting,
		PatternSimilarity:    c.PatternSimilarity,
		Confidence:           c.Confidence,
	}
}

func taskIDStrings(ids []plan.TaskID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func (s *Service) addActive(ctx context.Context, delta int64) {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, delta)
	}
}

func (s *Service) finishSession(ctx context.Context, outcome string) {
	s.addActive(ctx, -1)
	if s.metrics == nil {
		return
	}
	switch outcome {
	case "committed":
		s.metrics.SessionsCommitted.Add(ctx, 1)
	case "aborted":
		s.metrics.SessionsAborted.Add(ctx, 1)
	case "failed":
		s.metrics.SessionsFailed.Add(ctx, 1)
	}
}

func (s *Service) recordDetection(ctx context.Context, start time.Time, gaps int) {
	if s.metrics == nil {
		return
	}
	s.metrics.DetectionDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.GapsDetected.Add(ctx, int64(gaps))
}

func (s *Service) recordGeneration(ctx context.Context, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.GenerationFailures.Add(ctx, 1)
	}
}

func (s *Service) recordInsertion(ctx context.Context, start time.Time) {
	if s.metrics != nil {
		s.metrics.InsertionDuration.Record(ctx, time.Since(start).Seconds())
	}
}
