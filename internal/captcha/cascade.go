package captcha

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"corvid/internal/domain"
)

type CascadeOptions struct {
	// AttemptTimeout bounds every individual strategy attempt. A
	// strategy that overruns is recorded as a timed-out attempt and
	// the cascade moves on; one slow strategy never aborts the rest.
	AttemptTimeout time.Duration
}

// Cascade tries solver strategies in strict priority order (cheapest
// first) and stops at the first success.
type Cascade struct {
	strategies []Strategy
	opts       CascadeOptions
}

func NewCascade(opts CascadeOptions, strategies ...Strategy) *Cascade {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	return &Cascade{strategies: strategies, opts: opts}
}

// Solve runs the cascade. The outcome carries the winning attempt, or
// every failed attempt when nothing succeeded.
func (c *Cascade) Solve(ctx context.Context, challenge *domain.Challenge) *domain.CaptchaOutcome {
	outcome := &domain.CaptchaOutcome{}

	for _, strategy := range c.strategies {
		if err := ctx.Err(); err != nil {
			outcome.Attempts = append(outcome.Attempts, failedAttempt(strategy.Name(), err.Error()))
			continue
		}

		attempt := c.runBounded(ctx, strategy, challenge)
		outcome.Attempts = append(outcome.Attempts, attempt)

		if attempt.Success {
			outcome.Solved = true
			outcome.Solution = attempt
			log.Debug("challenge solved",
				"solver", attempt.Solver,
				"confidence", attempt.Confidence,
				"latency", attempt.Latency,
			)
			return outcome
		}

		log.Debug("solver attempt failed", "solver", attempt.Solver, "error", attempt.Err)
	}

	log.Warn("challenge unsolved after full cascade", "attempts", len(outcome.Attempts))
	return outcome
}

// runBounded executes one strategy under the attempt timeout. The
// strategy runs in its own goroutine so a misbehaving implementation
// that ignores its context still cannot stall the cascade.
func (c *Cascade) runBounded(ctx context.Context, strategy Strategy, challenge *domain.Challenge) domain.Attempt {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	done := make(chan domain.Attempt, 1)
	go func() {
		done <- strategy.Attempt(attemptCtx, challenge)
	}()

	select {
	case attempt := <-done:
		return attempt
	case <-attemptCtx.Done():
		return domain.Attempt{
			Solver:  strategy.Name(),
			Latency: c.opts.AttemptTimeout,
			Err:     "timeout",
		}
	}
}

// Strategies exposes the configured priority order for diagnostics.
func (c *Cascade) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}
