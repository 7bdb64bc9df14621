package revalidate

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

// CandidatePool is the pool surface the revalidation jobs need.
type CandidatePool interface {
	Revalidate(ctx context.Context, key string) error
	RevalidateAll(ctx context.Context) error
	RevalidateActive(ctx context.Context) error
	NeedsReplenishment() bool
	Replenish(ctx context.Context) (int, error)
}

type Options struct {
	// Interval between sweeps.
	Interval time.Duration

	// ActiveOnly limits sweeps to candidates that have carried
	// traffic; failed candidates then only return through a full
	// sweep or an operator-triggered revalidation.
	ActiveOnly bool
}

// Runner is the background revalidation sweep. It runs until its
// context is cancelled; cancellation between sweeps stops it without
// leaking the goroutine, cancellation mid-sweep unwinds through the
// pool's own context handling.
type Runner struct {
	pool CandidatePool
	opts Options
}

func NewRunner(pool CandidatePool, opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Runner{pool: pool, opts: opts}
}

// Start blocks running the sweep loop. Callers run it in a goroutine
// and cancel the context to stop.
func (r *Runner) Start(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("revalidation runner stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	start := time.Now()

	if r.pool.NeedsReplenishment() {
		added, err := r.pool.Replenish(ctx)
		if err != nil {
			log.Error("pool replenishment failed", "error", err)
		} else if added > 0 {
			log.Info("pool replenished", "added", added)
		}
	}

	var err error
	if r.opts.ActiveOnly {
		err = r.pool.RevalidateActive(ctx)
	} else {
		err = r.pool.RevalidateAll(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("revalidation sweep failed", "error", err)
		return
	}

	log.Debug("revalidation sweep finished", "duration", time.Since(start))
}

// Schedule is the queue surface the worker needs; satisfied by
// queue.RevalidationQueue.
type Schedule interface {
	PopDue(ctx context.Context) (string, time.Time, error)
	Requeue(ctx context.Context, key string, lastCheck time.Time, interval time.Duration) error
}

// Worker consumes a shared redis revalidation schedule instead of
// sweeping on a local ticker; several instances can split the work.
type Worker struct {
	pool     CandidatePool
	queue    Schedule
	interval time.Duration

	// errorBackoff spaces out retries when the queue itself fails,
	// so an unreachable redis is not hammered in a tight loop.
	errorBackoff time.Duration
}

func NewWorker(pool CandidatePool, schedule Schedule, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Worker{pool: pool, queue: schedule, interval: interval, errorBackoff: 5 * time.Second}
}

// Start blocks popping due candidates until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for {
		key, _, err := w.queue.PopDue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("revalidation worker stopped")
				return
			}
			log.Error("revalidation queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				log.Info("revalidation worker stopped")
				return
			case <-time.After(w.errorBackoff):
			}
			continue
		}

		if err := w.pool.Revalidate(ctx, key); err != nil {
			// Unknown keys are normal after retirement; drop them
			// from the schedule silently.
			log.Debug("scheduled revalidation skipped", "proxy", key, "error", err)
			continue
		}

		if err := w.queue.Requeue(ctx, key, time.Now(), w.interval); err != nil {
			log.Error("revalidation requeue failed", "proxy", key, "error", err)
		}
	}
}
