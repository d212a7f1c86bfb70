// Package gap implements the structural gap detection heuristics. The
// detector is a pure function over a topologically ordered task sequence:
// identical input yields an identical gap list.
package gap

import (
	"sort"
	"sync"
	"time"

	"github.com/basket/taskbridge/internal/plan"
)

// Indicators are the four independent signals evaluated per adjacent pair.
type Indicators struct {
	TimeGap           bool `json:"time_gap"`
	ActionTypeJump    bool `json:"action_type_jump"`
	MissingDependency bool `json:"missing_dependency"`
	SkillJump         bool `json:"skill_jump"`
}

// Count returns how many indicators fired.
func (in Indicators) Count() int {
	n := 0
	for _, b := range []bool{in.TimeGap, in.ActionTypeJump, in.MissingDependency, in.SkillJump} {
		if b {
			n++
		}
	}
	return n
}

// Gap is a detected discontinuity between two adjacent tasks. Immutable
// once created.
type Gap struct {
	PredecessorID plan.TaskID `json:"predecessor_id"`
	SuccessorID   plan.TaskID `json:"successor_id"`
	Indicators    Indicators  `json:"indicators"`
	Confidence    float64     `json:"confidence"`
	DetectedAt    time.Time   `json:"detected_at"`
}

// ID identifies a gap within a session by its endpoints; endpoints are
// disjoint across gaps by construction (adjacent pairs never overlap in
// the truncated result).
func (g Gap) ID() string {
	return string(g.PredecessorID) + "->" + string(g.SuccessorID)
}

// Config carries the detector tunables. The defaults mirror the
// conservative production settings; they are tunables, not invariants.
type Config struct {
	// EffortJumpHours flags an effort delta above roughly one work-week.
	EffortJumpHours float64 `yaml:"effort_jump_hours"`
	// PhaseDistance is the minimum ordinal phase jump to flag.
	PhaseDistance int `yaml:"phase_distance"`
	// MinIndicators is the promotion threshold (of 4).
	MinIndicators int `yaml:"min_indicators"`
	// MaxGaps bounds how many gaps one analysis surfaces.
	MaxGaps int `yaml:"max_gaps"`
}

// DefaultConfig returns the production defaults: effort jump 40h, phase
// distance 2, threshold 3 of 4, top 3 gaps.
func DefaultConfig() Config {
	return Config{
		EffortJumpHours: 40,
		PhaseDistance:   2,
		MinIndicators:   3,
		MaxGaps:         3,
	}
}

// Detector scores adjacent task pairs against the four indicators.
type Detector struct {
	mu  sync.RWMutex
	cfg Config
}

// NewDetector builds a detector, filling zero config fields with defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.EffortJumpHours <= 0 {
		cfg.EffortJumpHours = def.EffortJumpHours
	}
	if cfg.PhaseDistance <= 0 {
		cfg.PhaseDistance = def.PhaseDistance
	}
	if cfg.MinIndicators <= 0 {
		cfg.MinIndicators = def.MinIndicators
	}
	if cfg.MaxGaps <= 0 {
		cfg.MaxGaps = def.MaxGaps
	}
	return &Detector{cfg: cfg}
}

// Reconfigure swaps the tunables at runtime, filling zero fields with
// defaults the same way NewDetector does. In-flight detections keep the
// snapshot they started with.
func (d *Detector) Reconfigure(cfg Config) {
	fresh := NewDetector(cfg)
	d.mu.Lock()
	d.cfg = fresh.cfg
	d.mu.Unlock()
}

// Detect evaluates every adjacent pair of the topologically ordered
// sequence and returns the gaps whose indicator count meets the
// threshold, strongest first, truncated to the configured maximum.
// An empty result is a valid outcome, not an error.
func (d *Detector) Detect(ordered []plan.Task, now time.Time) []Gap {
	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	var gaps []Gap
	for i := 0; i+1 < len(ordered); i++ {
		pred, succ := &ordered[i], &ordered[i+1]
		in := evaluate(&cfg, pred, succ)
		count := in.Count()
		if count < cfg.MinIndicators {
			continue
		}
		gaps = append(gaps, Gap{
			PredecessorID: pred.ID,
			SuccessorID:   succ.ID,
			Indicators:    in,
			Confidence:    float64(count) / 4,
			DetectedAt:    now,
		})
	}

	// Strongest first; sequence position breaks ties so the order is
	// stable for a given snapshot.
	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].Confidence > gaps[j].Confidence
	})
	if len(gaps) > cfg.MaxGaps {
		gaps = gaps[:cfg.MaxGaps]
	}
	return gaps
}

func evaluate(cfg *Config, pred, succ *plan.Task) Indicators {
	var in Indicators

	delta := succ.EstimatedEffortHours - pred.EstimatedEffortHours
	if delta < 0 {
		delta = -delta
	}
	in.TimeGap = delta > cfg.EffortJumpHours

	pp, sp := classifyPhase(pred.Text), classifyPhase(succ.Text)
	if pp != PhaseUnknown && sp != PhaseUnknown {
		dist := int(sp) - int(pp)
		if dist < 0 {
			dist = -dist
		}
		in.ActionTypeJump = dist >= cfg.PhaseDistance
	}

	deps := succ.DependsOnSet()
	_, linked := deps[pred.ID]
	in.MissingDependency = !linked

	pd, sd := classifyDomain(pred.Text), classifyDomain(succ.Text)
	if pd != DomainUnknown && sd != DomainUnknown {
		in.SkillJump = pd != sd
	}

	return in
}
