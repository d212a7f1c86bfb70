package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/gap"
)

type SessionState string

const (
	SessionCreated        SessionState = "created"
	SessionAnalyzing      SessionState = "analyzing"
	SessionAwaitingReview SessionState = "awaiting_review"
	SessionCommitting     SessionState = "committing"
	SessionCommitted      SessionState = "committed"
	SessionAborted        SessionState = "aborted"
	SessionFailed         SessionState = "failed"
)

// IsTerminal reports whether the state accepts no further transitions.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCommitted, SessionAborted, SessionFailed:
		return true
	}
	return false
}

var allowedTransitions = map[SessionState]map[SessionState]struct{}{
	SessionCreated: {
		SessionAnalyzing: {},
		SessionAborted:   {},
	},
	SessionAnalyzing: {
		SessionAwaitingReview: {},
		SessionFailed:         {},
		SessionAborted:        {},
	},
	SessionAwaitingReview: {
		SessionAnalyzing:  {}, // Per-gap retry re-enters analysis.
		SessionCommitting: {},
		SessionAborted:    {},
	},
	SessionCommitting: {
		SessionCommitted: {},
		SessionFailed:    {},
	},
}

type CandidateState string

const (
	CandidateProposed CandidateState = "proposed"
	CandidateEdited   CandidateState = "edited"
	CandidateAccepted CandidateState = "accepted"
	CandidateRejected CandidateState = "rejected"
)

var allowedCandidateTransitions = map[CandidateState]map[CandidateState]struct{}{
	CandidateProposed: {
		CandidateEdited:   {},
		CandidateAccepted: {},
		CandidateRejected: {},
	},
	CandidateEdited: {
		CandidateEdited:   {}, // Repeated edits before a decision.
		CandidateAccepted: {},
		CandidateRejected: {},
	},
}

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrCandidateNotFound = errors.New("candidate not found")

	// ErrPlanBusy reports that another live session already holds the
	// plan's writer lease.
	ErrPlanBusy = errors.New("plan already has an active review session")

	ErrInvalidTransition = errors.New("invalid state transition")
)

// GapFailure records a generation failure isolated to one gap.
type GapFailure struct {
	GapID string `json:"gap_id"`
	Error string `json:"error"`
}

// SessionRecord is one review session row.
type SessionRecord struct {
	ID           string       `json:"id"`
	PlanID       string       `json:"plan_id"`
	State        SessionState `json:"state"`
	GraphVersion int64        `json:"graph_version"`
	Gaps         []gap.Gap    `json:"gaps"`
	FailedGaps   []GapFailure `json:"failed_gaps,omitempty"`
	Error        string       `json:"error,omitempty"`
	DetectionMS  int64        `json:"detection_ms"`
	GenerationMS int64        `json:"generation_ms"`
	InsertionMS  int64        `json:"insertion_ms"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// CandidateRecord is one stored bridging candidate with its review
// state.
type CandidateRecord struct {
	ID                   string         `json:"id"`
	SessionID            string         `json:"session_id"`
	GapID                string         `json:"gap_id"`
	Text                 string         `json:"text"`
	EstimatedEffortHours float64        `json:"estimated_effort_hours"`
	RequiredCognition    string         `json:"required_cognition"`
	ProviderConfidence   float64        `json:"provider_confidence"`
	Reasoning            string         `json:"reasoning,omitempty"`
	SimilarityToExisting float64        `json:"similarity_to_existing"`
	PatternSimilarity    float64        `json:"pattern_similarity"`
	Confidence           float64        `json:"confidence"`
	State                CandidateState `json:"state"`
	DecidedAt            *time.Time     `json:"decided_at,omitempty"`
}

// CreateSession inserts a session in the created state and acquires the
// plan's writer lease in the same transaction. A plan with a live
// session yields ErrPlanBusy.
func (s *Store) CreateSession(ctx context.Context, sessionID, planID string, graphVersion int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// The session row must exist before the lease row that
		// references it; foreign keys are enforced immediately.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, plan_id, state, graph_version) VALUES (?, ?, ?, ?);`,
			sessionID, planID, string(SessionCreated), graphVersion,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_leases (plan_id, session_id) VALUES (?, ?);`,
			planID, sessionID,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrPlanBusy
			}
			return fmt.Errorf("acquire plan lease: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSessionStarted, bus.SessionStateChangedEvent{
			SessionID: sessionID,
			PlanID:    planID,
			NewState:  string(SessionCreated),
		})
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") || // SQLITE_CONSTRAINT_PRIMARYKEY
		strings.Contains(msg, "(2067)") // SQLITE_CONSTRAINT_UNIQUE
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		rec        SessionRecord
		gapsJSON   string
		failedJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, state, graph_version, gaps, failed_gaps, error,
		       detection_ms, generation_ms, insertion_ms, created_at, updated_at
		FROM sessions WHERE id = ?;`, sessionID,
	).Scan(&rec.ID, &rec.PlanID, &rec.State, &rec.GraphVersion, &gapsJSON, &failedJSON,
		&rec.Error, &rec.DetectionMS, &rec.GenerationMS, &rec.InsertionMS, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal([]byte(gapsJSON), &rec.Gaps); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal session gaps: %w", err)
	}
	if err := json.Unmarshal([]byte(failedJSON), &rec.FailedGaps); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal failed gaps: %w", err)
	}
	return rec, nil
}

// TransitionSession moves a session between states, enforcing the
// transition table. Terminal transitions drop the plan lease in the
// same transaction.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, from, to SessionState) error {
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var planID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		if err := tx.QueryRowContext(ctx,
			`SELECT plan_id, state FROM sessions WHERE id = ?;`, sessionID,
		).Scan(&planID, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("read session state: %w", err)
		}
		if SessionState(current) != from {
			return fmt.Errorf("%w: session is %s, not %s", ErrInvalidTransition, current, from)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
			string(to), sessionID,
		); err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		if to.IsTerminal() {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM session_leases WHERE session_id = ?;`, sessionID,
			); err != nil {
				return fmt.Errorf("release plan lease: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicSessionStateChanged, bus.SessionStateChangedEvent{
			SessionID: sessionID,
			PlanID:    planID,
			OldState:  string(from),
			NewState:  string(to),
		})
	}
	return nil
}

// SaveAnalysis records the detection output and phase timings gathered
// while the session was analyzing.
func (s *Store) SaveAnalysis(ctx context.Context, sessionID string, gaps []gap.Gap, failedGaps []GapFailure, detectionMS, generationMS int64) error {
	gapsJSON, err := json.Marshal(gaps)
	if err != nil {
		return fmt.Errorf("marshal gaps: %w", err)
	}
	if failedGaps == nil {
		failedGaps = []GapFailure{}
	}
	failedJSON, err := json.Marshal(failedGaps)
	if err != nil {
		return fmt.Errorf("marshal failed gaps: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET gaps = ?, failed_gaps = ?, detection_ms = ?, generation_ms = ?,
			       updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;`,
			string(gapsJSON), string(failedJSON), detectionMS, generationMS, sessionID)
		if err != nil {
			return fmt.Errorf("save analysis: %w", err)
		}
		return mustAffect(res, ErrSessionNotFound)
	})
}

// SetSessionError records a terminal error message.
func (s *Store) SetSessionError(ctx context.Context, sessionID, msg string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
			msg, sessionID)
		if err != nil {
			return fmt.Errorf("set session error: %w", err)
		}
		return mustAffect(res, ErrSessionNotFound)
	})
}

// SetInsertionTiming records the commit phase duration.
func (s *Store) SetInsertionTiming(ctx context.Context, sessionID string, insertionMS int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET insertion_ms = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
			insertionMS, sessionID)
		if err != nil {
			return fmt.Errorf("set insertion timing: %w", err)
		}
		return mustAffect(res, ErrSessionNotFound)
	})
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// SaveCandidates inserts candidate rows in the proposed state.
func (s *Store) SaveCandidates(ctx context.Context, sessionID string, candidates []CandidateRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save candidates tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candidates (id, session_id, gap_id, text, estimated_effort_hours,
			                        required_cognition, provider_confidence, reasoning,
			                        similarity_to_existing, pattern_similarity, confidence, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
		if err != nil {
			return fmt.Errorf("prepare candidate insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range candidates {
			if _, err := stmt.ExecContext(ctx,
				c.ID, sessionID, c.GapID, c.Text, c.EstimatedEffortHours,
				c.RequiredCognition, c.ProviderConfidence, c.Reasoning,
				c.SimilarityToExisting, c.PatternSimilarity, c.Confidence,
				string(CandidateProposed),
			); err != nil {
				return fmt.Errorf("insert candidate %s: %w", c.ID, err)
			}
		}
		return tx.Commit()
	})
}

// DeleteCandidatesForGap clears a gap's candidates ahead of a retry.
func (s *Store) DeleteCandidatesForGap(ctx context.Context, sessionID, gapID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM candidates WHERE session_id = ? AND gap_id = ?;`, sessionID, gapID)
		if err != nil {
			return fmt.Errorf("delete gap candidates: %w", err)
		}
		return nil
	})
}

// ListCandidates returns a session's candidates ordered by gap then
// composite confidence descending.
func (s *Store) ListCandidates(ctx context.Context, sessionID string) ([]CandidateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, gap_id, text, estimated_effort_hours, required_cognition,
		       provider_confidence, reasoning, similarity_to_existing, pattern_similarity,
		       confidence, state, decided_at
		FROM candidates WHERE session_id = ?
		ORDER BY gap_id, confidence DESC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []CandidateRecord
	for rows.Next() {
		var (
			c       CandidateRecord
			decided sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.GapID, &c.Text, &c.EstimatedEffortHours,
			&c.RequiredCognition, &c.ProviderConfidence, &c.Reasoning, &c.SimilarityToExisting,
			&c.PatternSimilarity, &c.Confidence, &c.State, &decided); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		if decided.Valid {
			t := decided.Time
			c.DecidedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DecideCandidate applies a review decision. Edits carry replacement
// text and effort; accept and reject freeze the row.
func (s *Store) DecideCandidate(ctx context.Context, sessionID, candidateID string, to CandidateState, editedText string, editedEffort float64) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin decide tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		if err := tx.QueryRowContext(ctx,
			`SELECT state FROM candidates WHERE id = ? AND session_id = ?;`,
			candidateID, sessionID,
		).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCandidateNotFound
			}
			return fmt.Errorf("read candidate state: %w", err)
		}
		if _, ok := allowedCandidateTransitions[CandidateState(current)][to]; !ok {
			return fmt.Errorf("%w: candidate %s -> %s", ErrInvalidTransition, current, to)
		}

		switch to {
		case CandidateEdited:
			if _, err := tx.ExecContext(ctx, `
				UPDATE candidates SET state = ?, text = ?, estimated_effort_hours = ?,
				       updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;`,
				string(to), editedText, editedEffort, candidateID); err != nil {
				return fmt.Errorf("apply candidate edit: %w", err)
			}
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE candidates SET state = ?, decided_at = CURRENT_TIMESTAMP,
				       updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;`,
				string(to), candidateID); err != nil {
				return fmt.Errorf("apply candidate decision: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicCandidateDecided, bus.CandidateEvent{
			SessionID:   sessionID,
			CandidateID: candidateID,
			Decision:    string(to),
		})
	}
	return nil
}

// AcceptedCandidates returns a session's accepted candidates grouped by
// gap, each group ordered by composite confidence descending.
func (s *Store) AcceptedCandidates(ctx context.Context, sessionID string) (map[string][]CandidateRecord, error) {
	all, err := s.ListCandidates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]CandidateRecord)
	for _, c := range all {
		if c.State == CandidateAccepted {
			grouped[c.GapID] = append(grouped[c.GapID], c)
		}
	}
	return grouped, nil
}

// StaleSessions returns non-terminal sessions idle since before cutoff.
func (s *Store) StaleSessions(ctx context.Context, cutoff time.Time) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, state FROM sessions
		WHERE state IN ('created', 'analyzing', 'awaiting_review') AND updated_at < ?;`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.PlanID, &rec.State); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MetricsCounts aggregates row counts for the gateway /metrics snapshot.
type MetricsCounts struct {
	Plans             int64 `json:"plans"`
	OpenSessions      int64 `json:"open_sessions"`
	CommittedSessions int64 `json:"committed_sessions"`
	AbortedSessions   int64 `json:"aborted_sessions"`
	FailedSessions    int64 `json:"failed_sessions"`
	Candidates        int64 `json:"candidates"`
}

func (s *Store) MetricsCounts(ctx context.Context) (MetricsCounts, error) {
	var mc MetricsCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM plans),
			(SELECT COUNT(*) FROM sessions WHERE state IN ('created', 'analyzing', 'awaiting_review', 'committing')),
			(SELECT COUNT(*) FROM sessions WHERE state = 'committed'),
			(SELECT COUNT(*) FROM sessions WHERE state = 'aborted'),
			(SELECT COUNT(*) FROM sessions WHERE state = 'failed'),
			(SELECT COUNT(*) FROM candidates);`,
	).Scan(&mc.Plans, &mc.OpenSessions, &mc.CommittedSessions,
		&mc.AbortedSessions, &mc.FailedSessions, &mc.Candidates)
	if err != nil {
		return MetricsCounts{}, fmt.Errorf("metrics counts: %w", err)
	}
	return mc, nil
}

// PurgeSessions deletes terminal session rows (and their candidates,
// via cascade) older than cutoff. Returns the number of sessions
// removed.
func (s *Store) PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM sessions
			WHERE state IN ('committed', 'aborted', 'failed') AND updated_at < ?;`,
			cutoff.UTC())
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		purged, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	return purged, err
}
