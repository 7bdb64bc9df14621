package domain

import "time"

// FailureKind classifies why a fetch ultimately failed. Proxy- and
// solver-level failures never surface directly; they are absorbed as
// pool state and only the orchestrator's own budget exhaustion
// produces one of these.
type FailureKind string

const (
	FailureNone                FailureKind = ""
	FailureTransient           FailureKind = "transient"
	FailureChallengeUnresolved FailureKind = "challenge_unresolved"
	FailureResourceExhausted   FailureKind = "resource_exhausted"
	FailurePermanentTarget     FailureKind = "permanent_target"
)

// RequestContext carries the fingerprint/session data supplied by the
// outer collaborator. This core only consumes it; it never generates
// fingerprints itself.
type RequestContext struct {
	Headers  map[string]string
	Viewport string
	Timezone string
}

type FetchRequest struct {
	ID     string
	URL    string
	Method string
	Body   []byte

	Context RequestContext

	// MinProxyQuality filters pool selection; zero means any Working
	// candidate qualifies.
	MinProxyQuality float64

	// MaxRetries bounds transport retries and challenge re-fetches.
	// Zero means the orchestrator default applies.
	MaxRetries int
}

// FetchPhase is the orchestrator state machine position of a request.
type FetchPhase string

const (
	PhaseQueued            FetchPhase = "queued"
	PhaseRateLimited       FetchPhase = "rate_limited"
	PhaseProxySelected     FetchPhase = "proxy_selected"
	PhaseFetching          FetchPhase = "fetching"
	PhaseChallengeDetected FetchPhase = "challenge_detected"
	PhaseSolving           FetchPhase = "solving"
	PhaseRetrying          FetchPhase = "retrying"
	PhaseSucceeded         FetchPhase = "succeeded"
	PhaseFailed            FetchPhase = "failed"
)

type FetchResult struct {
	ID         string
	Success    bool
	StatusCode int
	Payload    []byte

	// ProxyUsed references the pool candidate by key; the pool keeps
	// ownership of the candidate itself.
	ProxyUsed string

	Captcha *CaptchaOutcome

	Kind  FailureKind
	Error string

	Elapsed    time.Duration
	RetryCount int
}

// Diagnostics is the audit record emitted alongside every result for
// the persistence collaborator.
type Diagnostics struct {
	RequestID    string
	URL          string
	ProxiesTried []string
	Phases       []FetchPhase
	Captcha      *CaptchaOutcome
	StartedAt    time.Time
	FinishedAt   time.Time
}
