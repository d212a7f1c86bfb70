package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskbridge/internal/plan"
)

var (
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanExists reports an insert under an ID that is already
	// taken. Imported plans are immutable records; replacing one
	// means deleting it first.
	ErrPlanExists = errors.New("plan already exists")

	// ErrVersionConflict reports that the graph changed since the caller
	// read it; the commit must be retried against the current version.
	ErrVersionConflict = errors.New("plan graph version conflict")
)

// PlanRecord is the plans table row without its tasks.
type PlanRecord struct {
	ID           string    `json:"id"`
	Outcome      string    `json:"outcome"`
	DocContext   string    `json:"doc_context,omitempty"`
	GraphVersion int64     `json:"graph_version"`
	TaskCount    int       `json:"task_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SavePlan inserts a plan and its task rows in one transaction. The
// tasks must already form a valid graph; validation happens in the plan
// package before persistence sees them.
func (s *Store) SavePlan(ctx context.Context, id, outcome, docContext string, tasks []plan.Task) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plans (id, outcome, doc_context) VALUES (?, ?, ?);`,
			id, outcome, docContext,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrPlanExists
			}
			return fmt.Errorf("insert plan: %w", err)
		}
		if err := insertTasksTx(ctx, tx, id, tasks); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetPlan loads a plan row and its tasks.
func (s *Store) GetPlan(ctx context.Context, id string) (PlanRecord, []plan.Task, error) {
	var rec PlanRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, outcome, doc_context, graph_version, created_at, updated_at FROM plans WHERE id = ?;`, id,
	).Scan(&rec.ID, &rec.Outcome, &rec.DocContext, &rec.GraphVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, nil, ErrPlanNotFound
	}
	if err != nil {
		return PlanRecord{}, nil, fmt.Errorf("read plan: %w", err)
	}

	tasks, err := s.loadTasks(ctx, id)
	if err != nil {
		return PlanRecord{}, nil, err
	}
	rec.TaskCount = len(tasks)
	return rec, tasks, nil
}

// ListPlans returns all plan rows, newest first.
func (s *Store) ListPlans(ctx context.Context) ([]PlanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.outcome, p.doc_context, p.graph_version, p.created_at, p.updated_at,
		       (SELECT COUNT(*) FROM tasks t WHERE t.plan_id = p.id)
		FROM plans p ORDER BY p.created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		var rec PlanRecord
		if err := rows.Scan(&rec.ID, &rec.Outcome, &rec.DocContext, &rec.GraphVersion,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.TaskCount); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ReplacePlanTasks atomically swaps a plan's task rows for the given
// graph and bumps graph_version. fromVersion is an optimistic check:
// if the stored version moved, nothing is written and
// ErrVersionConflict is returned.
func (s *Store) ReplacePlanTasks(ctx context.Context, planID string, fromVersion int64, tasks []plan.Task) (int64, error) {
	newVersion := fromVersion + 1
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace tasks tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE plans SET graph_version = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND graph_version = ?;`,
			newVersion, planID, fromVersion,
		)
		if err != nil {
			return fmt.Errorf("bump graph version: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE id = ?;`, planID).Scan(&exists); err != nil {
				return fmt.Errorf("check plan exists: %w", err)
			}
			if exists == 0 {
				return ErrPlanNotFound
			}
			return ErrVersionConflict
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE plan_id = ?;`, planID); err != nil {
			return fmt.Errorf("clear plan tasks: %w", err)
		}
		if err := insertTasksTx(ctx, tx, planID, tasks); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func insertTasksTx(ctx context.Context, tx *sql.Tx, planID string, tasks []plan.Task) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (plan_id, id, text, estimated_effort_hours, required_cognition,
		                   source, requires_review, depends_on, provenance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare task insert: %w", err)
	}
	defer stmt.Close()

	for i := range tasks {
		t := &tasks[i]
		deps, err := json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal depends_on for %s: %w", t.ID, err)
		}
		var prov any
		if t.Provenance != nil {
			data, err := json.Marshal(t.Provenance)
			if err != nil {
				return fmt.Errorf("marshal provenance for %s: %w", t.ID, err)
			}
			prov = string(data)
		}
		if _, err := stmt.ExecContext(ctx,
			planID, string(t.ID), t.Text, t.EstimatedEffortHours, string(t.RequiredCognition),
			string(t.Source), t.RequiresReview, string(deps), prov,
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return nil
}

func (s *Store) loadTasks(ctx context.Context, planID string) ([]plan.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, estimated_effort_hours, required_cognition, source,
		       requires_review, depends_on, provenance
		FROM tasks WHERE plan_id = ?;`, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan tasks: %w", err)
	}
	defer rows.Close()

	var out []plan.Task
	for rows.Next() {
		var (
			t    plan.Task
			deps string
			prov sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Text, &t.EstimatedEffortHours, &t.RequiredCognition,
			&t.Source, &t.RequiresReview, &deps, &prov); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on for %s: %w", t.ID, err)
		}
		if prov.Valid && prov.String != "" {
			var p plan.Provenance
			if err := json.Unmarshal([]byte(prov.String), &p); err != nil {
				return nil, fmt.Errorf("unmarshal provenance for %s: %w", t.ID, err)
			}
			t.Provenance = &p
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
