package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"corvid/internal/domain"
	"corvid/internal/proxy"
	"corvid/internal/ratelimit"
)

const (
	// SolutionHeader carries a solved challenge token on the retry
	// fetch. The outer collaborator translates it into whatever the
	// target's submission mechanism is.
	SolutionHeader = "X-Captcha-Solution"

	maxResponseBytes = 8 << 20
)

// ProxyDirectory is the pool surface the orchestrator needs: pick a
// candidate, report how it behaved. The pool keeps ownership of every
// candidate; the orchestrator only ever holds keys.
type ProxyDirectory interface {
	Select(minQuality float64) (domain.Candidate, error)
	RecordSuccess(key string, latency time.Duration) error
	RecordFailure(key string, reason string) error
}

// TokenSource gates outbound traffic per scope.
type TokenSource interface {
	Acquire(ctx context.Context, scope string) error
}

// ChallengeSolver resolves a detected challenge, usually the captcha
// cascade.
type ChallengeSolver interface {
	Solve(ctx context.Context, challenge *domain.Challenge) *domain.CaptchaOutcome
}

// ResultSink receives every finished fetch with its diagnostics. The
// persistence collaborator implements this; a nil sink discards.
type ResultSink interface {
	Record(result domain.FetchResult, diag domain.Diagnostics)
}

type OrchestratorOptions struct {
	// MaxRetries bounds transport retries and challenge re-fetches
	// per request, unless the request carries its own bound.
	MaxRetries int

	// FetchTimeout bounds one network attempt through a proxy.
	FetchTimeout time.Duration

	// BackoffBase is the first transient-retry delay; it doubles per
	// retry.
	BackoffBase time.Duration

	// RespectRobots turns the robots.txt pre-flight on.
	RespectRobots bool

	UserAgent string
}

// Orchestrator drives one fetch request through rate limiting, proxy
// selection, the network, and challenge solving. Many requests run
// concurrently against the same pool and limiter; the orchestrator
// itself holds no mutable state.
type Orchestrator struct {
	pool    ProxyDirectory
	limiter TokenSource
	solver  ChallengeSolver
	robots  *RobotsGuard
	sink    ResultSink
	opts    OrchestratorOptions
}

func NewOrchestrator(pool ProxyDirectory, limiter TokenSource, solver ChallengeSolver, opts OrchestratorOptions) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	return &Orchestrator{pool: pool, limiter: limiter, solver: solver, opts: opts}
}

// SetRobotsGuard enables the robots.txt pre-flight when the options
// ask for it.
func (o *Orchestrator) SetRobotsGuard(guard *RobotsGuard) { o.robots = guard }

// SetResultSink wires the diagnostics consumer.
func (o *Orchestrator) SetResultSink(sink ResultSink) { o.sink = sink }

// Fetch runs one request to completion. The returned result always
// explains itself: failure kind, error text, proxy identity, captcha
// attempts, retry count.
func (o *Orchestrator) Fetch(ctx context.Context, req domain.FetchRequest) domain.FetchResult {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.opts.MaxRetries
	}

	start := time.Now()
	diag := domain.Diagnostics{
		RequestID: req.ID,
		URL:       req.URL,
		StartedAt: start,
	}
	diag.Phases = append(diag.Phases, domain.PhaseQueued)

	result := o.run(ctx, req, maxRetries, &diag)
	result.ID = req.ID
	result.Elapsed = time.Since(start)

	if result.Success {
		diag.Phases = append(diag.Phases, domain.PhaseSucceeded)
	} else {
		diag.Phases = append(diag.Phases, domain.PhaseFailed)
	}
	diag.Captcha = result.Captcha
	diag.FinishedAt = time.Now()

	if o.sink != nil {
		o.sink.Record(result, diag)
	}

	log.Debug("fetch finished",
		"request", req.ID,
		"url", req.URL,
		"success", result.Success,
		"kind", result.Kind,
		"retries", result.RetryCount,
	)
	return result
}

func (o *Orchestrator) run(ctx context.Context, req domain.FetchRequest, maxRetries int, diag *domain.Diagnostics) domain.FetchResult {
	if o.opts.RespectRobots && o.robots != nil {
		check, err := o.robots.Check(ctx, req.URL)
		if err != nil {
			log.Debug("robots check inconclusive", "url", req.URL, "error", err)
		}
		if !check.Allowed {
			return domain.FetchResult{
				Kind:  domain.FailurePermanentTarget,
				Error: "disallowed by robots.txt",
			}
		}
	}

	scope := scopeFor(req.URL)

	var (
		solution *domain.CaptchaOutcome
		lastKind domain.FailureKind
		lastErr  string
	)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			diag.Phases = append(diag.Phases, domain.PhaseRetrying)
			if err := sleepBackoff(ctx, o.opts.BackoffBase, attempt); err != nil {
				return failure(domain.FailureTransient, err.Error(), attempt, solution)
			}
		}

		diag.Phases = append(diag.Phases, domain.PhaseRateLimited)
		if err := o.limiter.Acquire(ctx, scope); err != nil {
			if errors.Is(err, ratelimit.ErrStarved) {
				return failure(domain.FailureResourceExhausted, err.Error(), attempt, solution)
			}
			return failure(domain.FailureTransient, err.Error(), attempt, solution)
		}

		candidate, err := o.pool.Select(req.MinProxyQuality)
		if err != nil {
			if errors.Is(err, proxy.ErrNoCandidates) {
				return failure(domain.FailureResourceExhausted, err.Error(), attempt, solution)
			}
			return failure(domain.FailureTransient, err.Error(), attempt, solution)
		}
		key := candidate.Key()
		diag.Phases = append(diag.Phases, domain.PhaseProxySelected)
		diag.ProxiesTried = append(diag.ProxiesTried, key)

		diag.Phases = append(diag.Phases, domain.PhaseFetching)
		status, body, header, latency, fetchErr := o.doFetch(ctx, req, &candidate, solution)

		if fetchErr != nil {
			lastKind = classifyTransportError(fetchErr)
			lastErr = fetchErr.Error()
			if recordErr := o.pool.RecordFailure(key, lastErr); recordErr != nil {
				log.Debug("record failure", "proxy", key, "error", recordErr)
			}
			if retryable(lastKind) {
				continue
			}
			return failure(lastKind, lastErr, attempt, solution)
		}

		resp := &http.Response{StatusCode: status, Header: header}
		resp.Request = &http.Request{URL: mustParse(req.URL)}
		if challenge := DetectChallenge(resp, body); challenge != nil {
			diag.Phases = append(diag.Phases, domain.PhaseChallengeDetected)
			if recordErr := o.pool.RecordFailure(key, "challenge:"+string(challenge.Type)); recordErr != nil {
				log.Debug("record failure", "proxy", key, "error", recordErr)
			}

			if o.solver == nil {
				return failure(domain.FailureChallengeUnresolved, "no solver configured", attempt, solution)
			}

			diag.Phases = append(diag.Phases, domain.PhaseSolving)
			outcome := o.solver.Solve(ctx, challenge)
			solution = outcome
			if !outcome.Solved {
				return domain.FetchResult{
					ProxyUsed:  key,
					Captcha:    outcome,
					Kind:       domain.FailureChallengeUnresolved,
					Error:      "challenge cascade exhausted",
					RetryCount: attempt,
				}
			}
			lastKind = domain.FailureChallengeUnresolved
			lastErr = "challenge re-fetch budget exhausted"
			continue
		}

		kind := classifyStatus(status)
		switch kind {
		case domain.FailureNone:
			if recordErr := o.pool.RecordSuccess(key, latency); recordErr != nil {
				log.Debug("record success", "proxy", key, "error", recordErr)
			}
			return domain.FetchResult{
				Success:    true,
				StatusCode: status,
				Payload:    body,
				ProxyUsed:  key,
				Captcha:    solution,
				RetryCount: attempt,
			}
		case domain.FailurePermanentTarget:
			if recordErr := o.pool.RecordFailure(key, fmt.Sprintf("http %d", status)); recordErr != nil {
				log.Debug("record failure", "proxy", key, "error", recordErr)
			}
			return domain.FetchResult{
				StatusCode: status,
				ProxyUsed:  key,
				Captcha:    solution,
				Kind:       domain.FailurePermanentTarget,
				Error:      fmt.Sprintf("target returned HTTP %d", status),
				RetryCount: attempt,
			}
		default:
			lastKind = kind
			lastErr = fmt.Sprintf("target returned HTTP %d", status)
			if recordErr := o.pool.RecordFailure(key, lastErr); recordErr != nil {
				log.Debug("record failure", "proxy", key, "error", recordErr)
			}
			continue
		}
	}

	if lastKind == domain.FailureNone {
		lastKind = domain.FailureTransient
	}
	if lastErr == "" {
		lastErr = "retry budget exhausted"
	}
	return failure(lastKind, lastErr, maxRetries, solution)
}

// doFetch performs one network attempt through the candidate.
func (o *Orchestrator) doFetch(ctx context.Context, req domain.FetchRequest, candidate *domain.Candidate, solution *domain.CaptchaOutcome) (int, []byte, http.Header, time.Duration, error) {
	transport, err := proxy.Transport(candidate, o.opts.FetchTimeout)
	if err != nil {
		return 0, nil, nil, 0, err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: o.opts.FetchTimeout}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return 0, nil, nil, 0, err
	}

	if o.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", o.opts.UserAgent)
	}
	for name, value := range req.Context.Headers {
		httpReq.Header.Set(name, value)
	}
	if solution != nil && solution.Solved {
		httpReq.Header.Set(SolutionHeader, solution.Solution.Result)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, 0, err
	}

	return resp.StatusCode, body, resp.Header, time.Since(start), nil
}

func failure(kind domain.FailureKind, errMsg string, retries int, solution *domain.CaptchaOutcome) domain.FetchResult {
	return domain.FetchResult{
		Kind:       kind,
		Error:      errMsg,
		RetryCount: retries,
		Captcha:    solution,
	}
}

// scopeFor buckets rate limiting per target host.
func scopeFor(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ratelimit.GlobalScope
	}
	return parsed.Host
}

func mustParse(rawURL string) *url.URL {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
