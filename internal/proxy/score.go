package proxy

import (
	"time"

	"corvid/internal/domain"
)

// Metrics is a point-in-time snapshot of the counters a quality score
// is derived from. Scoring is a pure function of this snapshot; no
// cached score may diverge from what Score would return for it.
type Metrics struct {
	SuccessCount  uint64
	FailureCount  uint64
	TotalRequests uint64
	AvgLatency    time.Duration
	LastSuccess   *time.Time
}

type Weights struct {
	SuccessRate float64
	Latency     float64
	Recency     float64
	Stability   float64
}

type ScorerOptions struct {
	Weights             Weights
	LatencyCeiling      time.Duration
	RecencyHalfLife     time.Duration
	StabilityPenalty    float64 // score deduction per recorded failure
}

var defaultWeights = Weights{
	SuccessRate: 0.4,
	Latency:     0.3,
	Recency:     0.2,
	Stability:   0.1,
}

func DefaultScorerOptions() ScorerOptions {
	return ScorerOptions{
		Weights:          defaultWeights,
		LatencyCeiling:   3 * time.Second,
		RecencyHalfLife:  time.Hour,
		StabilityPenalty: 0.05,
	}
}

// Score computes the composite quality score in [0,100] for a metrics
// snapshot at the given instant.
func Score(m Metrics, now time.Time, opts ScorerOptions) float64 {
	w := opts.Weights
	normaliseWeights(&w)

	successScore := successRateScore(m)
	latencyScore := latencyScore(m, opts.LatencyCeiling)
	recencyScore := recencyScore(m, now, opts.RecencyHalfLife)
	stabilityScore := stabilityScore(m, opts.StabilityPenalty)

	return clamp01(
		w.SuccessRate*successScore+
			w.Latency*latencyScore+
			w.Recency*recencyScore+
			w.Stability*stabilityScore,
	) * 100
}

// ScoreCandidate snapshots the candidate's counters and scores them.
func ScoreCandidate(c *domain.Candidate, now time.Time, opts ScorerOptions) float64 {
	return Score(Metrics{
		SuccessCount:  c.SuccessCount,
		FailureCount:  c.FailureCount,
		TotalRequests: c.TotalRequests,
		AvgLatency:    c.AvgLatency,
		LastSuccess:   c.LastSuccess,
	}, now, opts)
}

func normaliseWeights(w *Weights) {
	total := w.SuccessRate + w.Latency + w.Recency + w.Stability
	if total <= 0 {
		*w = defaultWeights
		return
	}
	w.SuccessRate /= total
	w.Latency /= total
	w.Recency /= total
	w.Stability /= total
}

func successRateScore(m Metrics) float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return clamp01(float64(m.SuccessCount) / float64(m.TotalRequests))
}

// latencyScore decays linearly from 1 at zero latency to 0 at the
// configured ceiling.
func latencyScore(m Metrics, ceiling time.Duration) float64 {
	if m.AvgLatency <= 0 {
		return 0
	}
	if ceiling <= 0 {
		ceiling = 3 * time.Second
	}
	if m.AvgLatency >= ceiling {
		return 0
	}
	return clamp01(1 - m.AvgLatency.Seconds()/ceiling.Seconds())
}

// recencyScore decays linearly since the last success, halving at the
// configured half-life and reaching 0 at twice that.
func recencyScore(m Metrics, now time.Time, halfLife time.Duration) float64 {
	if m.LastSuccess == nil {
		return 0
	}
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	age := now.Sub(*m.LastSuccess)
	if age <= 0 {
		return 1
	}
	window := 2 * halfLife
	if age >= window {
		return 0
	}
	return clamp01(1 - age.Seconds()/window.Seconds())
}

// stabilityScore penalises the absolute failure count.
func stabilityScore(m Metrics, penalty float64) float64 {
	if penalty <= 0 {
		penalty = 0.05
	}
	return clamp01(1 - float64(m.FailureCount)*penalty)
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
