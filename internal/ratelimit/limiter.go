package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalScope is the bucket key shared by requests with no
// per-domain scope.
const GlobalScope = "global"

// ErrStarved reports that a token could not be obtained within the
// configured wait ceiling. Callers map it to a resource-exhaustion
// outcome so higher layers can back off.
var ErrStarved = errors.New("rate limiter starved past wait ceiling")

type ScopeConfig struct {
	RatePerSecond float64
	Burst         int
}

type Options struct {
	// Default applies to scopes without an explicit override.
	Default ScopeConfig

	// Overrides configures individual scopes (target domains).
	Overrides map[string]ScopeConfig

	// AcquireCeiling bounds how long Acquire may suspend before
	// giving up with ErrStarved. Zero means wait as long as the
	// caller's context allows.
	AcquireCeiling time.Duration
}

func DefaultOptions() Options {
	return Options{
		Default:        ScopeConfig{RatePerSecond: 2, Burst: 10},
		AcquireCeiling: 30 * time.Second,
	}
}

// Limiter gates outbound fetches per scope with independent token
// buckets. Buckets refill lazily and are created on first use, so one
// domain's backpressure never starves another.
type Limiter struct {
	opts Options

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func New(opts Options) *Limiter {
	if opts.Default.RatePerSecond <= 0 {
		opts.Default.RatePerSecond = 2
	}
	if opts.Default.Burst <= 0 {
		opts.Default.Burst = 10
	}

	return &Limiter{
		opts:    opts,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until a token is available for the scope, the wait
// ceiling passes, or ctx is cancelled. A cancelled wait returns the
// reserved token to the bucket; nothing leaks.
func (l *Limiter) Acquire(ctx context.Context, scope string) error {
	bucket := l.bucket(scope)

	parent := ctx
	if l.opts.AcquireCeiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.AcquireCeiling)
		defer cancel()
	}

	if err := bucket.Wait(ctx); err != nil {
		// The caller's own cancellation is theirs to see; anything
		// else under an active ceiling is starvation. Wait reports
		// a deadline it cannot meet with its own error value, so we
		// cannot match on context.DeadlineExceeded here.
		if parentErr := parent.Err(); parentErr != nil {
			return parentErr
		}
		if l.opts.AcquireCeiling > 0 {
			return ErrStarved
		}
		return err
	}
	return nil
}

// TryAcquire takes a token if one is immediately available.
func (l *Limiter) TryAcquire(scope string) bool {
	return l.bucket(scope).Allow()
}

// Tokens reports the current token count of a scope's bucket,
// bounded by [0, burst].
func (l *Limiter) Tokens(scope string) float64 {
	tokens := l.bucket(scope).Tokens()
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Configure installs or replaces a per-scope override. Existing
// buckets for the scope are rebuilt on next use.
func (l *Limiter) Configure(scope string, cfg ScopeConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opts.Overrides == nil {
		l.opts.Overrides = make(map[string]ScopeConfig)
	}
	l.opts.Overrides[scope] = cfg
	delete(l.buckets, scope)
}

func (l *Limiter) bucket(scope string) *rate.Limiter {
	if scope == "" {
		scope = GlobalScope
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if bucket, ok := l.buckets[scope]; ok {
		return bucket
	}

	cfg := l.opts.Default
	if override, ok := l.opts.Overrides[scope]; ok {
		if override.RatePerSecond > 0 {
			cfg.RatePerSecond = override.RatePerSecond
		}
		if override.Burst > 0 {
			cfg.Burst = override.Burst
		}
	}

	bucket := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	l.buckets[scope] = bucket
	return bucket
}
