package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"corvid/internal/config"
	"corvid/internal/proxy"
)

func TestLimiterOptionsFromConfig(t *testing.T) {
	var cfg config.Config
	cfg.RateLimit.DefaultRatePerSecond = 2
	cfg.RateLimit.DefaultBurst = 10
	cfg.RateLimit.AcquireCeilingMs = 30000
	cfg.RateLimit.Scopes = map[string]config.ScopeLimit{
		"slow.example": {RatePerSecond: 0.5, Burst: 1},
	}

	opts := limiterOptions(cfg)
	if opts.Default.RatePerSecond != 2 || opts.Default.Burst != 10 {
		t.Fatalf("default scope %+v", opts.Default)
	}
	if opts.AcquireCeiling.Seconds() != 30 {
		t.Fatalf("acquire ceiling %v", opts.AcquireCeiling)
	}
	override, ok := opts.Overrides["slow.example"]
	if !ok || override.RatePerSecond != 0.5 || override.Burst != 1 {
		t.Fatalf("override %+v", override)
	}
}

func TestScorerOptionsFromConfig(t *testing.T) {
	var cfg config.Config
	cfg.Scoring.SuccessRate = 0.4
	cfg.Scoring.Latency = 0.3
	cfg.Scoring.Recency = 0.2
	cfg.Scoring.Stability = 0.1
	cfg.Scoring.LatencyCeilingMs = 3000
	cfg.Scoring.RecencyHalfLifeMinutes = 60
	cfg.Scoring.StabilityPenaltyPerFailure = 0.05

	opts := scorerOptions(cfg)
	if opts.Weights.SuccessRate != 0.4 || opts.Weights.Stability != 0.1 {
		t.Fatalf("weights %+v", opts.Weights)
	}
	if opts.LatencyCeiling.Seconds() != 3 {
		t.Fatalf("latency ceiling %v", opts.LatencyCeiling)
	}
	if opts.RecencyHalfLife.Minutes() != 60 {
		t.Fatalf("half life %v", opts.RecencyHalfLife)
	}
}

func TestCandidateSourceFromEnvironment(t *testing.T) {
	listPath := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(listPath, []byte("10.0.0.1:8080\n10.0.0.2:3128\n"), 0o600); err != nil {
		t.Fatalf("write list: %v", err)
	}

	t.Setenv("PROXY_SOURCE_URLS", "")
	t.Setenv("PROXY_SOURCE_FILE", listPath)

	source := candidateSource()
	candidates, err := source.FetchCandidates(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("%d candidates, want 2", len(candidates))
	}
}

func TestCandidateSourceCombinesFeeds(t *testing.T) {
	listPath := filepath.Join(t.TempDir(), "proxies.txt")
	if err := os.WriteFile(listPath, []byte("10.0.0.1:8080\n"), 0o600); err != nil {
		t.Fatalf("write list: %v", err)
	}

	t.Setenv("PROXY_SOURCE_URLS", "http://lists.example/a.txt, http://lists.example/b.txt")
	t.Setenv("PROXY_SOURCE_FILE", listPath)

	source := candidateSource()
	if _, ok := source.(proxy.MultiSource); !ok {
		t.Fatalf("expected combined source, got %T", source)
	}
}
