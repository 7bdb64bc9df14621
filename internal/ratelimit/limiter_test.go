package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireSpacedByRefillRate(t *testing.T) {
	opts := Options{
		Default:        ScopeConfig{RatePerSecond: 1, Burst: 1},
		AcquireCeiling: 10 * time.Second,
	}
	limiter := New(opts)

	// Two concurrent acquires against capacity=1, refill=1/s must
	// complete at least roughly one second apart.
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		times []time.Time
	)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background(), "example.com"); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(times) != 2 {
		t.Fatalf("recorded %d acquisitions, want 2", len(times))
	}

	gap := times[1].Sub(times[0])
	if gap < 0 {
		gap = -gap
	}
	if gap < 800*time.Millisecond {
		t.Fatalf("acquisitions %s apart, want at least ~1s", gap)
	}
}

func TestTryAcquireExhaustsBurst(t *testing.T) {
	limiter := New(Options{Default: ScopeConfig{RatePerSecond: 0.001, Burst: 3}})

	for i := 0; i < 3; i++ {
		if !limiter.TryAcquire("scope") {
			t.Fatalf("try-acquire %d within burst should succeed", i)
		}
	}
	if limiter.TryAcquire("scope") {
		t.Fatal("try-acquire past burst should fail")
	}

	if tokens := limiter.Tokens("scope"); tokens < 0 || tokens > 3 {
		t.Fatalf("token count %f outside [0, burst]", tokens)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	limiter := New(Options{Default: ScopeConfig{RatePerSecond: 0.001, Burst: 1}})

	if !limiter.TryAcquire("a.com") {
		t.Fatal("first scope should have its own bucket")
	}
	if !limiter.TryAcquire("b.com") {
		t.Fatal("draining one scope must not starve another")
	}
	if limiter.TryAcquire("a.com") {
		t.Fatal("drained scope should stay drained")
	}
}

func TestAcquireCancellation(t *testing.T) {
	limiter := New(Options{
		Default:        ScopeConfig{RatePerSecond: 0.1, Burst: 1},
		AcquireCeiling: time.Minute,
	})

	// Drain the bucket so the next acquire must wait.
	if !limiter.TryAcquire("scope") {
		t.Fatal("setup: initial token missing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- limiter.Acquire(ctx, "scope")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled acquire should return an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not unwind")
	}

	// The cancelled wait must not have leaked its reserved token: the
	// bucket refills at 0.1/s, so if the reservation were leaked the
	// token arriving ~10s from now would already be spoken for. The
	// token count must still be bounded and non-negative.
	if tokens := limiter.Tokens("scope"); tokens < 0 || tokens > 1 {
		t.Fatalf("token count %f outside [0, burst] after cancellation", tokens)
	}
}

func TestAcquireCeilingStarvation(t *testing.T) {
	limiter := New(Options{
		Default:        ScopeConfig{RatePerSecond: 0.01, Burst: 1},
		AcquireCeiling: 100 * time.Millisecond,
	})

	if !limiter.TryAcquire("scope") {
		t.Fatal("setup: initial token missing")
	}

	err := limiter.Acquire(context.Background(), "scope")
	if err != ErrStarved {
		t.Fatalf("starved acquire returned %v, want ErrStarved", err)
	}
}

func TestScopeOverrides(t *testing.T) {
	limiter := New(Options{
		Default: ScopeConfig{RatePerSecond: 0.001, Burst: 1},
		Overrides: map[string]ScopeConfig{
			"fast.com": {RatePerSecond: 100, Burst: 5},
		},
	})

	for i := 0; i < 5; i++ {
		if !limiter.TryAcquire("fast.com") {
			t.Fatalf("override burst should allow %d immediate tokens", 5)
		}
	}

	if !limiter.TryAcquire("slow.com") {
		t.Fatal("default scope should allow one token")
	}
	if limiter.TryAcquire("slow.com") {
		t.Fatal("default burst is 1, second token should be denied")
	}
}

func TestEmptyScopeMapsToGlobal(t *testing.T) {
	limiter := New(Options{Default: ScopeConfig{RatePerSecond: 0.001, Burst: 1}})

	if !limiter.TryAcquire("") {
		t.Fatal("empty scope should acquire from the global bucket")
	}
	if limiter.TryAcquire(GlobalScope) {
		t.Fatal("empty scope and global scope should share one bucket")
	}
}
