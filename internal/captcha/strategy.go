package captcha

import (
	"context"

	"corvid/internal/domain"
)

// Strategy is one way of solving a challenge. Implementations must
// honour ctx and report their own failures inside the returned
// attempt rather than panicking or hanging; the cascade additionally
// hard-bounds each attempt.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, challenge *domain.Challenge) domain.Attempt
}

func failedAttempt(solver, errMsg string) domain.Attempt {
	return domain.Attempt{
		Solver: solver,
		Err:    errMsg,
	}
}
