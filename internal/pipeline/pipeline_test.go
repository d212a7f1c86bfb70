package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/plan"
	"github.com/basket/taskbridge/internal/semantic"
)

type stubGenerator struct {
	raw  []RawCandidate
	err  error
	last Request
}

func (s *stubGenerator) Generate(_ context.Context, req Request) ([]RawCandidate, error) {
	s.last = req
	return s.raw, s.err
}

// fixedScorer returns a fixed similarity for specific pairs and zero
// otherwise, so dedup behavior can be pinned exactly.
type fixedScorer struct {
	pairs map[[2]string]float64
}

func (f *fixedScorer) Similarity(_ context.Context, a, b string) (float64, error) {
	if v, ok := f.pairs[[2]string{a, b}]; ok {
		return v, nil
	}
	if v, ok := f.pairs[[2]string{b, a}]; ok {
		return v, nil
	}
	return 0, nil
}

func (f *fixedScorer) TopK(_ context.Context, _ string, corpus []string, k int) ([]semantic.Scored, error) {
	out := make([]semantic.Scored, 0, k)
	for _, text := range corpus {
		if len(out) == k {
			break
		}
		out = append(out, semantic.Scored{Text: text})
	}
	return out, nil
}

func snapshot() ([]plan.Task, gap.Gap) {
	tasks := []plan.Task{
		{ID: "1", Text: "Design mockups and review them with stakeholders"},
		{ID: "2", Text: "Launch the storefront to production"},
	}
	g := gap.Gap{
		PredecessorID: "1",
		SuccessorID:   "2",
		Confidence:    0.75,
		DetectedAt:    time.Now(),
	}
	return tasks, g
}

func rawCandidate(text string, confidence float64) RawCandidate {
	return RawCandidate{
		Text:                 text,
		EstimatedEffortHours: 24,
		RequiredCognition:    "high",
		Confidence:           confidence,
		Reasoning:            "skipped work",
	}
}

func TestGenerate_ScoresAndOrdersCandidates(t *testing.T) {
	tasks, g := snapshot()
	gen := &stubGenerator{raw: []RawCandidate{
		rawCandidate("Build the storefront frontend against the mockups", 0.2),
		rawCandidate("Write acceptance tests covering the checkout flow", 0.9),
	}}
	p := New(gen, semantic.NewLexicalScorer(), DefaultConfig(), nil, nil, nil)

	got, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 candidates, got %d", len(got))
	}
	if got[0].Confidence < got[1].Confidence {
		t.Fatalf("candidates not ordered by confidence: %f then %f", got[0].Confidence, got[1].Confidence)
	}
	for _, c := range got {
		if c.ID == "" || c.GapID != g.ID() {
			t.Fatalf("candidate missing identity: %+v", c)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			t.Fatalf("composite confidence out of range: %f", c.Confidence)
		}
	}
	if gen.last.PredecessorText == "" || gen.last.SuccessorText == "" {
		t.Fatalf("request missing endpoint texts: %+v", gen.last)
	}
}

func TestGenerate_CompositeWeights(t *testing.T) {
	tasks, g := snapshot()
	text := "Write acceptance tests covering the checkout flow"
	gen := &stubGenerator{raw: []RawCandidate{rawCandidate(text, 0.6)}}
	scorer := &fixedScorer{pairs: map[[2]string]float64{
		{text, tasks[0].Text}: 0.5,
		{text, tasks[1].Text}: 0.3,
	}}
	p := New(gen, scorer, DefaultConfig(), nil, nil, nil)

	got, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// 0.4*patternSim(0.5) + 0.3*gap(0.75) + 0.3*provider(0.6)
	want := 0.4*0.5 + 0.3*0.75 + 0.3*0.6
	if diff := got[0].Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("composite confidence %f, want %f", got[0].Confidence, want)
	}
	if got[0].SimilarityToExisting != 0.5 {
		t.Fatalf("similarity to existing %f, want 0.5", got[0].SimilarityToExisting)
	}
}

func TestGenerate_FiltersDuplicates(t *testing.T) {
	tasks, g := snapshot()
	dup := "Launch the storefront to production today"
	keep := "Write acceptance tests covering the checkout flow"
	gen := &stubGenerator{raw: []RawCandidate{rawCandidate(dup, 0.9), rawCandidate(keep, 0.5)}}
	scorer := &fixedScorer{pairs: map[[2]string]float64{
		{dup, tasks[1].Text}: 0.95,
	}}
	events := bus.New()
	deduped := events.Subscribe(bus.TopicCandidateDeduped)
	p := New(gen, scorer, DefaultConfig(), nil, events, nil)

	got, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 1 || got[0].Text != keep {
		t.Fatalf("duplicate not filtered: %+v", got)
	}

	select {
	case msg := <-deduped.Ch():
		ev, ok := msg.Payload.(bus.CandidateEvent)
		if !ok || ev.Similarity != 0.95 {
			t.Fatalf("unexpected dedup event: %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no candidate.deduped event published")
	}
}

func TestGenerate_RecordsCandidateCounters(t *testing.T) {
	tasks, g := snapshot()
	dup := "Launch the storefront to production today"
	keep := "Write acceptance tests covering the checkout flow"
	gen := &stubGenerator{raw: []RawCandidate{rawCandidate(dup, 0.9), rawCandidate(keep, 0.5)}}
	scorer := &fixedScorer{pairs: map[[2]string]float64{
		{dup, tasks[1].Text}: 0.95,
	}}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := otel.NewMetrics(mp.Meter("pipeline-test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	p := New(gen, scorer, DefaultConfig(), nil, nil, metrics)

	if _, err := p.Generate(context.Background(), "s1", g, tasks, "", ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sc := range rm.ScopeMetrics {
		for _, m := range sc.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	if sums["taskbridge.candidates.proposed"] != 1 {
		t.Fatalf("proposed counter = %d, want 1", sums["taskbridge.candidates.proposed"])
	}
	if sums["taskbridge.candidates.deduped"] != 1 {
		t.Fatalf("deduped counter = %d, want 1", sums["taskbridge.candidates.deduped"])
	}
}

func TestGenerate_AllFilteredReturnsErrNoCandidates(t *testing.T) {
	tasks, g := snapshot()
	dup := "Launch the storefront to production today"
	gen := &stubGenerator{raw: []RawCandidate{rawCandidate(dup, 0.9)}}
	scorer := &fixedScorer{pairs: map[[2]string]float64{
		{dup, tasks[1].Text}: 0.99,
	}}
	p := New(gen, scorer, DefaultConfig(), nil, nil, nil)

	_, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("want ErrNoCandidates, got %v", err)
	}
}

func TestGenerate_CapsAtMaxCandidates(t *testing.T) {
	tasks, g := snapshot()
	gen := &stubGenerator{raw: []RawCandidate{
		rawCandidate("Build the storefront frontend against the mockups", 0.9),
		rawCandidate("Write acceptance tests covering the checkout flow", 0.8),
		rawCandidate("Prepare the production deployment runbook in detail", 0.7),
		rawCandidate("Run a load test against the staging environment", 0.6),
	}}
	p := New(gen, semantic.NewLexicalScorer(), DefaultConfig(), nil, nil, nil)

	got, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 candidates after cap, got %d", len(got))
	}
}

func TestGenerate_DropsOutOfBoundsCandidates(t *testing.T) {
	tasks, g := snapshot()
	bad := rawCandidate("Run a load test against the staging environment", 0.6)
	bad.EstimatedEffortHours = 400
	gen := &stubGenerator{raw: []RawCandidate{
		bad,
		rawCandidate("Write acceptance tests covering the checkout flow", 0.5),
	}}
	p := New(gen, semantic.NewLexicalScorer(), DefaultConfig(), nil, nil, nil)

	got, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 1 || !strings.Contains(got[0].Text, "acceptance tests") {
		t.Fatalf("out-of-bounds candidate not dropped: %+v", got)
	}
}

func TestGenerate_PropagatesGeneratorError(t *testing.T) {
	tasks, g := snapshot()
	gen := &stubGenerator{err: errors.New("provider unavailable")}
	p := New(gen, semantic.NewLexicalScorer(), DefaultConfig(), nil, nil, nil)

	_, err := p.Generate(context.Background(), "s1", g, tasks, "", "")
	if err == nil || !strings.Contains(err.Error(), "provider unavailable") {
		t.Fatalf("generator error not propagated: %v", err)
	}
}
