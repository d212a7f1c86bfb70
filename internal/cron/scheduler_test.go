package cron

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/basket/taskbridge/internal/review"
	"github.com/basket/taskbridge/internal/semantic"
)

type cannedGenerator struct{}

func (cannedGenerator) Generate(_ context.Context, _ pipeline.Request) ([]pipeline.RawCandidate, error) {
	return []pipeline.RawCandidate{
		{Text: "Build the storefront frontend pages", EstimatedEffortHours: 40, RequiredCognition: "high", Confidence: 0.8, Reasoning: "construction was skipped"},
	}, nil
}

func newTestSweeper(t *testing.T) (*Sweeper, *persistence.Store, *review.Service) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pipe := pipeline.New(cannedGenerator{}, semantic.NewLexicalScorer(), pipeline.DefaultConfig(), nil, nil, nil)
	svc := review.NewService(store, gap.NewDetector(gap.DefaultConfig()), pipe, nil, nil, nil, 5*time.Second, 3)

	sw := NewSweeper(Config{
		Store:      store,
		Service:    svc,
		StaleAfter: 24 * time.Hour,
		PurgeAfter: 30 * 24 * time.Hour,
	})
	return sw, store, svc
}

func seedOpenSession(t *testing.T, store *persistence.Store, svc *review.Service, planID string) string {
	t.Helper()
	ctx := context.Background()
	tasks := []plan.Task{
		{ID: "1", Text: "Define goals", EstimatedEffortHours: 8, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
		{ID: "2", Text: "Design mockups", EstimatedEffortHours: 40, RequiredCognition: plan.CognitionMedium, Source: plan.SourceUserExtracted, DependsOn: []plan.TaskID{"1"}},
		{ID: "5", Text: "Launch", EstimatedEffortHours: 16, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
	}
	if err := store.SavePlan(ctx, planID, "", "", tasks); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	res, err := svc.StartGapAnalysis(ctx, planID)
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	return res.SessionID
}

func backdateSession(t *testing.T, store *persistence.Store, sessionID, modifier string) {
	t.Helper()
	if _, err := store.DB().Exec(
		`UPDATE sessions SET updated_at = datetime('now', ?) WHERE id = ?;`, modifier, sessionID,
	); err != nil {
		t.Fatalf("backdate session: %v", err)
	}
}

func TestSweep_AbortsStaleSessions(t *testing.T) {
	sw, store, svc := newTestSweeper(t)
	ctx := context.Background()
	sessionID := seedOpenSession(t, store, svc, "p1")
	backdateSession(t, store, sessionID, "-2 days")

	sw.sweep(ctx, time.Now())

	rec, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.State != persistence.SessionAborted {
		t.Fatalf("want aborted, got %s", rec.State)
	}

	// The abort released the plan lease.
	if _, err := svc.StartGapAnalysis(ctx, "p1"); err != nil {
		t.Fatalf("analysis after sweep: %v", err)
	}
}

func TestSweep_LeavesFreshSessionsAlone(t *testing.T) {
	sw, store, svc := newTestSweeper(t)
	ctx := context.Background()
	sessionID := seedOpenSession(t, store, svc, "p1")

	sw.sweep(ctx, time.Now())

	rec, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.State != persistence.SessionAwaitingReview {
		t.Fatalf("fresh session was touched: %s", rec.State)
	}
}

func TestSweep_PurgesOldTerminalRows(t *testing.T) {
	sw, store, svc := newTestSweeper(t)
	ctx := context.Background()
	sessionID := seedOpenSession(t, store, svc, "p1")
	if err := svc.Abort(ctx, sessionID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	backdateSession(t, store, sessionID, "-40 days")

	// Force the purge schedule due.
	sw.nextPurge = time.Now().Add(-time.Minute)
	sw.sweep(ctx, time.Now())

	if _, err := store.GetSession(ctx, sessionID); !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after purge, got %v", err)
	}
	if sw.nextPurge.IsZero() || !sw.nextPurge.After(time.Now()) {
		t.Fatalf("next purge not rescheduled: %v", sw.nextPurge)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.After(after) || next.Sub(after) > 25*time.Hour {
		t.Fatalf("next run %v not within a day of %v", next, after)
	}
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("next run %v not at 03:00", next)
	}
	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Fatal("want error for malformed expression")
	}
}
