package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.DetectionDuration == nil {
		t.Error("DetectionDuration is nil")
	}
	if m.GenerationDuration == nil {
		t.Error("GenerationDuration is nil")
	}
	if m.InsertionDuration == nil {
		t.Error("InsertionDuration is nil")
	}
	if m.GapsDetected == nil {
		t.Error("GapsDetected is nil")
	}
	if m.CandidatesProposed == nil {
		t.Error("CandidatesProposed is nil")
	}
	if m.CandidatesDeduped == nil {
		t.Error("CandidatesDeduped is nil")
	}
	if m.GenerationFailures == nil {
		t.Error("GenerationFailures is nil")
	}
	if m.SessionsCommitted == nil {
		t.Error("SessionsCommitted is nil")
	}
	if m.SessionsAborted == nil {
		t.Error("SessionsAborted is nil")
	}
	if m.SessionsFailed == nil {
		t.Error("SessionsFailed is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
