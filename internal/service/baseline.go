package service

import (
	"context"
	"math"
	"sync"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Baseline comparison directions.
const (
	CompareAbove = "above"
	CompareBelow = "below"
	CompareBoth  = "both"
)

// Verdict severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DefaultSensitivity is the z-score threshold used when a condition leaves
// sensitivity unset.
const DefaultSensitivity = 3.0

// Verdict is a baseline anomaly decision.
type Verdict struct {
	IsAnomaly bool    `json:"isAnomaly"`
	ZScore    float64 `json:"zScore"`
	Severity  string  `json:"severity,omitempty"`
}

// BaselineStore answers whether an observed value deviates from the learned
// behavior of a metric.
type BaselineStore interface {
	CheckAnomaly(ctx context.Context, metric string, value float64, comparison string, sensitivity float64) (Verdict, error)
}

const (
	defaultBaselineWindow = 100
	// minBaselineSamples is the warmup floor: verdicts stay negative
	// until a metric has this many observations.
	minBaselineSamples = 5
)

// RollingBaseline is an in-process BaselineStore tracking a bounded window
// of observations per metric and judging new values by z-score.
type RollingBaseline struct {
	window int

	mu      sync.Mutex
	metrics map[string]*series
}

type series struct {
	values []float64
	next   int
	full   bool
}

func (s *series) add(v float64) {
	if !s.full {
		s.values = append(s.values, v)
		if len(s.values) == cap(s.values) {
			s.full = true
		}
		return
	}
	s.values[s.next] = v
	s.next = (s.next + 1) % len(s.values)
}

func (s *series) stats() (mean, stddev float64, n int) {
	n = len(s.values)
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range s.values {
		sum += v
	}
	mean = sum / float64(n)
	var sq float64
	for _, v := range s.values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(n))
	return mean, stddev, n
}

// NewRollingBaseline returns a baseline keeping up to window observations
// per metric. window <= 0 uses the default of 100.
func NewRollingBaseline(window int) *RollingBaseline {
	if window <= 0 {
		window = defaultBaselineWindow
	}
	return &RollingBaseline{window: window, metrics: make(map[string]*series)}
}

// Observe records a value for metric without judging it.
func (b *RollingBaseline) Observe(metric string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.series(metric).add(value)
}

func (b *RollingBaseline) series(metric string) *series {
	s, ok := b.metrics[metric]
	if !ok {
		s = &series{values: make([]float64, 0, b.window)}
		b.metrics[metric] = s
	}
	return s
}

// CheckAnomaly judges value against the metric's window, then records it.
// During warmup (fewer than 5 observations) the verdict is always
// negative.
func (b *RollingBaseline) CheckAnomaly(_ context.Context, metric string, value float64, comparison string, sensitivity float64) (Verdict, error) {
	switch comparison {
	case CompareAbove, CompareBelow, CompareBoth:
	default:
		return Verdict{}, rule.NewInvalidArgument("baseline comparison must be above, below or both, got %q", comparison)
	}
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.series(metric)
	mean, stddev, n := s.stats()
	s.add(value)

	if n < minBaselineSamples {
		return Verdict{}, nil
	}

	var z float64
	if stddev > 0 {
		z = (value - mean) / stddev
	} else if value != mean {
		// A flat baseline makes any deviation infinite in z terms; report
		// it as just past critical.
		z = math.Copysign(2*sensitivity, value-mean)
	}

	anomaly := false
	switch comparison {
	case CompareAbove:
		anomaly = z >= sensitivity
	case CompareBelow:
		anomaly = z <= -sensitivity
	case CompareBoth:
		anomaly = math.Abs(z) >= sensitivity
	}

	v := Verdict{IsAnomaly: anomaly, ZScore: z}
	if anomaly {
		if math.Abs(z) >= 1.5*sensitivity {
			v.Severity = SeverityCritical
		} else {
			v.Severity = SeverityWarning
		}
	}
	return v, nil
}

// Size returns the number of tracked metrics.
func (b *RollingBaseline) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.metrics)
}

var _ BaselineStore = (*RollingBaseline)(nil)
