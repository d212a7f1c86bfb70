package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all TaskBridge metric instruments. Detection, generation,
// and insertion durations are the session performance metrics surfaced to
// callers; the counters track outcomes.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	DetectionDuration  metric.Float64Histogram
	GenerationDuration metric.Float64Histogram
	InsertionDuration  metric.Float64Histogram
	GapsDetected       metric.Int64Counter
	CandidatesProposed metric.Int64Counter
	CandidatesDeduped  metric.Int64Counter
	GenerationFailures metric.Int64Counter
	SessionsCommitted  metric.Int64Counter
	SessionsAborted    metric.Int64Counter
	SessionsFailed     metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskbridge.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DetectionDuration, err = meter.Float64Histogram("taskbridge.detection.duration",
		metric.WithDescription("Gap detection duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram("taskbridge.generation.duration",
		metric.WithDescription("Per-gap candidate generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InsertionDuration, err = meter.Float64Histogram("taskbridge.insertion.duration",
		metric.WithDescription("Commit-time insertion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GapsDetected, err = meter.Int64Counter("taskbridge.gaps.detected",
		metric.WithDescription("Gaps promoted past the indicator threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.CandidatesProposed, err = meter.Int64Counter("taskbridge.candidates.proposed",
		metric.WithDescription("Bridging candidates surfaced for review"),
	)
	if err != nil {
		return nil, err
	}

	m.CandidatesDeduped, err = meter.Int64Counter("taskbridge.candidates.deduped",
		metric.WithDescription("Candidates dropped as duplicates of existing tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationFailures, err = meter.Int64Counter("taskbridge.generation.failures",
		metric.WithDescription("Per-gap generation failures"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCommitted, err = meter.Int64Counter("taskbridge.sessions.committed",
		metric.WithDescription("Review sessions committed"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsAborted, err = meter.Int64Counter("taskbridge.sessions.aborted",
		metric.WithDescription("Review sessions aborted (including no-gap outcomes)"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsFailed, err = meter.Int64Counter("taskbridge.sessions.failed",
		metric.WithDescription("Review sessions failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("taskbridge.sessions.active",
		metric.WithDescription("Review sessions currently holding proposals"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
