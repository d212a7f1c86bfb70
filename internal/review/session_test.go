package review

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/basket/taskbridge/internal/semantic"
)

// scriptedGenerator returns canned candidates, optionally blocking
// until the context expires for gaps whose successor text matches
// hangOn.
type scriptedGenerator struct {
	candidates []pipeline.RawCandidate
	hangOn     string
}

func (g *scriptedGenerator) Generate(ctx context.Context, req pipeline.Request) ([]pipeline.RawCandidate, error) {
	if g.hangOn != "" && strings.Contains(req.SuccessorText, g.hangOn) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.candidates, nil
}

func threeCandidates() []pipeline.RawCandidate {
	return []pipeline.RawCandidate{
		{Text: "Build the storefront frontend against the mockups", EstimatedEffortHours: 40, RequiredCognition: "high", Confidence: 0.9, Reasoning: "construction was skipped"},
		{Text: "Write acceptance tests covering the checkout flow", EstimatedEffortHours: 24, RequiredCognition: "medium", Confidence: 0.7, Reasoning: "no verification step"},
		{Text: "Prepare the production deployment runbook", EstimatedEffortHours: 16, RequiredCognition: "medium", Confidence: 0.5, Reasoning: "launch needs a runbook"},
	}
}

// Scenario A plan: #2 -> #5 with no connecting edge and a design-to-
// launch jump.
func gapPlanTasks() []plan.Task {
	return []plan.Task{
		{ID: "1", Text: "Define goals", EstimatedEffortHours: 8, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
		{ID: "2", Text: "Design mockups", EstimatedEffortHours: 40, RequiredCognition: plan.CognitionMedium, Source: plan.SourceUserExtracted, DependsOn: []plan.TaskID{"1"}},
		{ID: "5", Text: "Launch", EstimatedEffortHours: 16, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
	}
}

func newTestService(t *testing.T, gen pipeline.Generator, timeout time.Duration) (*Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pipe := pipeline.New(gen, semantic.NewLexicalScorer(), pipeline.DefaultConfig(), nil, nil, nil)
	svc := NewService(store, gap.NewDetector(gap.DefaultConfig()), pipe, nil, nil, nil, timeout, 3)
	return svc, store
}

func TestStartGapAnalysis_HappyPath(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "Ship the storefront", "", gapPlanTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	if res.State != persistence.SessionAwaitingReview {
		t.Fatalf("want awaiting_review, got %s", res.State)
	}
	if len(res.Gaps) != 1 || res.Gaps[0].ID() != "2->5" {
		t.Fatalf("unexpected gaps: %+v", res.Gaps)
	}
	if res.Gaps[0].Confidence < 0.75 {
		t.Fatalf("gap confidence %f below 0.75", res.Gaps[0].Confidence)
	}
	cands := res.CandidatesByGap["2->5"]
	if len(cands) != 3 {
		t.Fatalf("want 3 candidates, got %d", len(cands))
	}
	if len(res.FailedGaps) != 0 {
		t.Fatalf("unexpected failed gaps: %+v", res.FailedGaps)
	}

	// Second analysis while the session is open is rejected.
	if _, err := svc.StartGapAnalysis(ctx, "p1"); !errors.Is(err, persistence.ErrPlanBusy) {
		t.Fatalf("want ErrPlanBusy, got %v", err)
	}
}

func TestStartGapAnalysis_NoGapsAborts(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	tasks := []plan.Task{
		{ID: "1", Text: "Define goals", EstimatedEffortHours: 8, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
		{ID: "2", Text: "Define budget scope", EstimatedEffortHours: 9, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted, DependsOn: []plan.TaskID{"1"}},
	}
	if err := store.SavePlan(ctx, "p1", "", "", tasks); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	if res.State != persistence.SessionAborted || len(res.Gaps) != 0 {
		t.Fatalf("want terminal aborted with no gaps, got %+v", res)
	}

	// The lease is released, so a fresh analysis may start.
	if _, err := svc.StartGapAnalysis(ctx, "p1"); err != nil {
		t.Fatalf("analysis after aborted session: %v", err)
	}
}

func TestCommitSession_InsertsEditedAndSkipsRejected(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", gapPlanTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	cands := res.CandidatesByGap["2->5"]
	if len(cands) != 3 {
		t.Fatalf("want 3 candidates, got %d", len(cands))
	}

	edited := "Build and review the storefront frontend pages"
	decisions := []Decision{
		{CandidateID: cands[0].ID, Action: ActionEdit, EditedText: edited, EditedHours: 48},
		{CandidateID: cands[0].ID, Action: ActionAccept},
		{CandidateID: cands[1].ID, Action: ActionAccept},
		{CandidateID: cands[2].ID, Action: ActionReject},
	}
	commit, err := svc.CommitSession(ctx, res.SessionID, decisions)
	if err != nil {
		t.Fatalf("CommitSession: %v", err)
	}
	if commit.Status != "committed" || len(commit.InsertedTaskIDs) != 2 {
		t.Fatalf("unexpected commit result: %+v", commit)
	}
	for _, id := range commit.InsertedTaskIDs {
		if id != "3" && id != "4" {
			t.Fatalf("inserted ID %s not in the 2..5 hole", id)
		}
	}

	rec, tasks, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if rec.GraphVersion != 1 || len(tasks) != 5 {
		t.Fatalf("plan not updated: version=%d tasks=%d", rec.GraphVersion, len(tasks))
	}

	graph, err := plan.NewGraph("p1", tasks)
	if err != nil {
		t.Fatalf("committed graph invalid: %v", err)
	}
	if _, err := graph.TopoOrder(); err != nil {
		t.Fatalf("committed graph has a cycle: %v", err)
	}

	var sawEdited, sawRejected bool
	var successor plan.Task
	for _, task := range tasks {
		if task.Text == edited {
			sawEdited = true
			if task.EstimatedEffortHours != 48 {
				t.Fatalf("edited effort not persisted: %+v", task)
			}
			if task.Source != plan.SourceAIGenerated || task.Provenance == nil {
				t.Fatalf("inserted task missing provenance: %+v", task)
			}
			if task.Provenance.PredecessorID != "2" || task.Provenance.SuccessorID != "5" {
				t.Fatalf("wrong provenance endpoints: %+v", task.Provenance)
			}
		}
		if strings.Contains(task.Text, "deployment runbook") {
			sawRejected = true
		}
		if task.ID == "5" {
			successor = task
		}
	}
	if !sawEdited {
		t.Fatal("edited candidate text not found in committed plan")
	}
	if sawRejected {
		t.Fatal("rejected candidate appeared in committed plan")
	}

	deps := successor.DependsOnSet()
	if _, ok := deps["4"]; !ok {
		t.Fatalf("successor not rewired to last inserted task: %+v", successor.DependsOn)
	}
	if _, ok := deps["2"]; ok {
		t.Fatalf("successor still carries the bridged predecessor edge: %+v", successor.DependsOn)
	}

	// Idempotence: committing again must be rejected, not duplicated.
	if _, err := svc.CommitSession(ctx, res.SessionID, nil); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition on double commit, got %v", err)
	}
	_, tasksAfter, _ := store.GetPlan(ctx, "p1")
	if len(tasksAfter) != 5 {
		t.Fatalf("double commit duplicated tasks: %d", len(tasksAfter))
	}
}

func TestCommitSession_AcceptCarriesEdits(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", gapPlanTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	cands := res.CandidatesByGap["2->5"]
	if len(cands) != 3 {
		t.Fatalf("want 3 candidates, got %d", len(cands))
	}
	byText := make(map[string]string, len(cands))
	for _, c := range cands {
		byText[c.Text] = c.ID
	}

	// An accept may carry edits inline instead of a separate edit
	// decision. The second accept edits hours only and must keep the
	// stored candidate text.
	edited := "Build the storefront pages against approved mockups"
	decisions := []Decision{
		{CandidateID: byText["Build the storefront frontend against the mockups"], Action: ActionAccept, EditedText: edited, EditedHours: 48},
		{CandidateID: byText["Write acceptance tests covering the checkout flow"], Action: ActionAccept, EditedHours: 32},
		{CandidateID: byText["Prepare the production deployment runbook"], Action: ActionReject},
	}
	commit, err := svc.CommitSession(ctx, res.SessionID, decisions)
	if err != nil {
		t.Fatalf("CommitSession: %v", err)
	}
	if commit.Status != "committed" || len(commit.InsertedTaskIDs) != 2 {
		t.Fatalf("unexpected commit result: %+v", commit)
	}

	_, tasks, err := store.GetPlan(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	var sawEdited, sawHoursOnly bool
	for _, task := range tasks {
		if strings.Contains(task.Text, "storefront frontend against the mockups") {
			t.Fatalf("generator text survived an accept with edits: %+v", task)
		}
		if task.Text == edited {
			sawEdited = true
			if task.EstimatedEffortHours != 48 {
				t.Fatalf("edited effort not persisted: %+v", task)
			}
		}
		if strings.Contains(task.Text, "acceptance tests covering the checkout flow") {
			sawHoursOnly = true
			if task.EstimatedEffortHours != 32 {
				t.Fatalf("hours-only edit not persisted: %+v", task)
			}
		}
	}
	if !sawEdited {
		t.Fatal("edited text not found in committed plan")
	}
	if !sawHoursOnly {
		t.Fatal("hours-only edited candidate not found in committed plan")
	}
}

func TestApplyDecisions_AcceptWithBadEditIsValidationError(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", gapPlanTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	cands := res.CandidatesByGap["2->5"]

	err = svc.ApplyDecisions(ctx, res.SessionID, []Decision{
		{CandidateID: cands[0].ID, Action: ActionAccept, EditedText: "short", EditedHours: 48},
	})
	var verr *plan.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError for an undersized edit, got %v", err)
	}
}

func TestApplyDecisions_UnknownCandidateIsValidationError(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", gapPlanTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}

	var valErr *plan.ValidationError
	err = svc.ApplyDecisions(ctx, res.SessionID, []Decision{{CandidateID: "nope", Action: ActionAccept}})
	if !errors.As(err, &valErr) {
		t.Fatalf("want ValidationError for unknown candidate, got %v", err)
	}
	err = svc.ApplyDecisions(ctx, res.SessionID, []Decision{{CandidateID: "nope", Action: "approve"}})
	if !errors.As(err, &valErr) {
		t.Fatalf("want ValidationError for unknown action, got %v", err)
	}
}

// Two-gap plan: (1,2) fires on effort+phase+dependency, (3,4) the same;
// the middle pair (2,3) is causally linked and quiet.
func twoGapTasks() []plan.Task {
	return []plan.Task{
		{ID: "1", Text: "Define goals", EstimatedEffortHours: 8, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
		{ID: "2", Text: "Launch the site", EstimatedEffortHours: 60, RequiredCognition: plan.CognitionHigh, Source: plan.SourceUserExtracted},
		{ID: "3", Text: "Observe error rates after cutover", EstimatedEffortHours: 55, RequiredCognition: plan.CognitionMedium, Source: plan.SourceUserExtracted, DependsOn: []plan.TaskID{"2"}},
		{ID: "4", Text: "Design mockups for the mobile app", EstimatedEffortHours: 10, RequiredCognition: plan.CognitionMedium, Source: plan.SourceUserExtracted},
	}
}

func TestStartGapAnalysis_TimeoutIsolatedToOneGap(t *testing.T) {
	gen := &scriptedGenerator{candidates: threeCandidates(), hangOn: "Launch"}
	svc, store := newTestService(t, gen, 100*time.Millisecond)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", twoGapTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	if len(res.Gaps) != 2 {
		t.Fatalf("want 2 gaps, got %+v", res.Gaps)
	}
	if res.State != persistence.SessionAwaitingReview {
		t.Fatalf("want awaiting_review despite one failure, got %s", res.State)
	}

	// The gap bridging into "Launch the site" timed out; the other gap
	// still has usable candidates.
	if len(res.FailedGaps) != 1 || res.FailedGaps[0].GapID != "1->2" {
		t.Fatalf("unexpected failed gaps: %+v", res.FailedGaps)
	}
	if res.FailedGaps[0].Error != "generation timed out" {
		t.Fatalf("timeout not reported as such: %+v", res.FailedGaps[0])
	}
	if len(res.CandidatesByGap["3->4"]) == 0 {
		t.Fatal("surviving gap has no candidates")
	}
}

func TestRetryGap_RecoversFailedGap(t *testing.T) {
	gen := &scriptedGenerator{candidates: threeCandidates(), hangOn: "Launch"}
	svc, store := newTestService(t, gen, 100*time.Millisecond)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", twoGapTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}
	if len(res.FailedGaps) != 1 {
		t.Fatalf("expected one failed gap: %+v", res.FailedGaps)
	}

	// Provider recovers; the retry targets only the failed gap.
	gen.hangOn = ""
	retry, err := svc.RetryGap(ctx, res.SessionID, "1->2")
	if err != nil {
		t.Fatalf("RetryGap: %v", err)
	}
	if len(retry.FailedGaps) != 0 {
		t.Fatalf("failed gap not cleared after retry: %+v", retry.FailedGaps)
	}
	if len(retry.CandidatesByGap["1->2"]) == 0 {
		t.Fatal("retried gap has no candidates")
	}

	rec, cands, err := svc.Session(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec.State != persistence.SessionAwaitingReview {
		t.Fatalf("session not back in awaiting_review: %s", rec.State)
	}
	gapsSeen := map[string]bool{}
	for _, c := range cands {
		gapsSeen[c.GapID] = true
	}
	if !gapsSeen["1->2"] || !gapsSeen["3->4"] {
		t.Fatalf("candidates missing for a gap: %+v", gapsSeen)
	}

	// Unknown gap is a ValidationError.
	var valErr *plan.ValidationError
	if _, err := svc.RetryGap(ctx, res.SessionID, "9->10"); !errors.As(err, &valErr) {
		t.Fatalf("want ValidationError for unknown gap, got %v", err)
	}
}

func TestAbort_ReleasesPlan(t *testing.T) {
	svc, store := newTestService(t, &scriptedGenerator{candidates: threeCandidates()}, 5*time.Second)
	ctx := context.Background()
	if err := store.SavePlan(ctx, "p1", "", "", gapPlanTasks()); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	res, err := svc.StartGapAnalysis(ctx, "p1")
	if err != nil {
		t.Fatalf("StartGapAnalysis: %v", err)
	}

	if err := svc.Abort(ctx, res.SessionID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	rec, _, err := svc.Session(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec.State != persistence.SessionAborted {
		t.Fatalf("want aborted, got %s", rec.State)
	}

	// Aborting twice is a ValidationError, and the plan is free again.
	var valErr *plan.ValidationError
	if err := svc.Abort(ctx, res.SessionID); !errors.As(err, &valErr) {
		t.Fatalf("want ValidationError on double abort, got %v", err)
	}
	if _, err := svc.StartGapAnalysis(ctx, "p1"); err != nil {
		t.Fatalf("analysis after abort: %v", err)
	}
}
