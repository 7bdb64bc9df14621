package proxy

import (
	"math"
	"testing"
	"time"
)

func TestScoreIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	success := now.Add(-10 * time.Minute)

	m := Metrics{
		SuccessCount:  90,
		FailureCount:  10,
		TotalRequests: 100,
		AvgLatency:    800 * time.Millisecond,
		LastSuccess:   &success,
	}

	opts := DefaultScorerOptions()
	first := Score(m, now, opts)
	for i := 0; i < 10; i++ {
		if got := Score(m, now, opts); got != first {
			t.Fatalf("score not deterministic: %f vs %f", got, first)
		}
	}

	if first <= 0 || first > 100 {
		t.Fatalf("score %f outside (0,100]", first)
	}
}

func TestScoreLatencyCeiling(t *testing.T) {
	now := time.Now()
	success := now.Add(-time.Minute)
	opts := DefaultScorerOptions()

	fast := Metrics{SuccessCount: 10, TotalRequests: 10, AvgLatency: 100 * time.Millisecond, LastSuccess: &success}
	slow := fast
	slow.AvgLatency = 5 * time.Second

	fastScore := Score(fast, now, opts)
	slowScore := Score(slow, now, opts)

	if fastScore <= slowScore {
		t.Fatalf("fast candidate should outscore slow one: %f vs %f", fastScore, slowScore)
	}

	// At or past the ceiling the latency component contributes nothing.
	atCeiling := fast
	atCeiling.AvgLatency = opts.LatencyCeiling
	past := fast
	past.AvgLatency = opts.LatencyCeiling * 3
	if Score(atCeiling, now, opts) != Score(past, now, opts) {
		t.Fatal("latency contribution should be zero at and past the ceiling")
	}
}

func TestScoreRecencyDecay(t *testing.T) {
	now := time.Now()
	opts := DefaultScorerOptions()

	recent := now.Add(-time.Minute)
	stale := now.Add(-3 * opts.RecencyHalfLife)

	base := Metrics{SuccessCount: 5, TotalRequests: 5, AvgLatency: 500 * time.Millisecond}

	withRecent := base
	withRecent.LastSuccess = &recent
	withStale := base
	withStale.LastSuccess = &stale

	if Score(withRecent, now, opts) <= Score(withStale, now, opts) {
		t.Fatal("recent success should outscore stale success")
	}

	// No success at all scores the recency component at zero, same as
	// fully decayed.
	if Score(withStale, now, opts) != Score(base, now, opts) {
		t.Fatal("fully decayed recency should equal missing recency")
	}
}

func TestScoreStabilityPenalty(t *testing.T) {
	now := time.Now()
	success := now.Add(-time.Minute)
	opts := DefaultScorerOptions()

	clean := Metrics{SuccessCount: 20, TotalRequests: 20, AvgLatency: 500 * time.Millisecond, LastSuccess: &success}
	flaky := clean
	flaky.FailureCount = 10
	flaky.TotalRequests = 30

	if Score(clean, now, opts) <= Score(flaky, now, opts) {
		t.Fatal("failure history should lower the score")
	}
}

func TestScoreWeightNormalisation(t *testing.T) {
	now := time.Now()
	success := now.Add(-time.Minute)
	m := Metrics{SuccessCount: 10, TotalRequests: 10, AvgLatency: 300 * time.Millisecond, LastSuccess: &success}

	scaled := DefaultScorerOptions()
	scaled.Weights = Weights{SuccessRate: 4, Latency: 3, Recency: 2, Stability: 1}

	if got, want := Score(m, now, scaled), Score(m, now, DefaultScorerOptions()); math.Abs(got-want) > 1e-9 {
		t.Fatalf("scaled weights should normalise to defaults: %f vs %f", got, want)
	}

	zero := DefaultScorerOptions()
	zero.Weights = Weights{}
	if got, want := Score(m, now, zero), Score(m, now, DefaultScorerOptions()); math.Abs(got-want) > 1e-9 {
		t.Fatalf("zero weights should fall back to defaults: %f vs %f", got, want)
	}
}

func TestScoreEmptyMetrics(t *testing.T) {
	if got := Score(Metrics{}, time.Now(), DefaultScorerOptions()); got != 0 {
		t.Fatalf("empty metrics should score 0, got %f", got)
	}
}
