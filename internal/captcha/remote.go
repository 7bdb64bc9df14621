package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"corvid/internal/domain"
)

const (
	remoteConfidence = 0.95

	// The provider's sentinel for "keep polling". Not an error.
	remoteNotReady = "CAPCHA_NOT_READY"
)

type RemoteOptions struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	MaxWait      time.Duration
	HTTPClient   *http.Client
}

// RemoteSolver submits challenges to a human-labor solving API and
// polls for the answer. Submit-then-poll: upload yields a handle,
// then the result endpoint is asked at a fixed (jittered) interval
// until the answer arrives, the provider errors, or the wait ceiling
// passes.
type RemoteSolver struct {
	name string
	opts RemoteOptions
}

func NewRemoteSolver(opts RemoteOptions) *RemoteSolver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 90 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteSolver{name: "remote", opts: opts}
}

func (s *RemoteSolver) Name() string { return s.name }

func (s *RemoteSolver) Attempt(ctx context.Context, challenge *domain.Challenge) domain.Attempt {
	start := time.Now()

	if s.opts.APIKey == "" {
		return failedAttempt(s.name, "no api key configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.MaxWait)
	defer cancel()

	handle, err := s.submit(ctx, challenge)
	if err != nil {
		return domain.Attempt{
			Solver:  s.name,
			Latency: time.Since(start),
			Err:     err.Error(),
		}
	}

	result, err := s.poll(ctx, handle)
	attempt := domain.Attempt{
		Solver:  s.name,
		Latency: time.Since(start),
	}
	if err != nil {
		attempt.Err = err.Error()
		return attempt
	}

	attempt.Success = true
	attempt.Result = result
	attempt.Confidence = remoteConfidence
	return attempt
}

type remoteResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

func (s *RemoteSolver) submit(ctx context.Context, challenge *domain.Challenge) (string, error) {
	form := url.Values{}
	form.Set("key", s.opts.APIKey)
	form.Set("json", "1")

	switch challenge.Type {
	case domain.ChallengeRecaptchaV2, domain.ChallengeRecaptchaV3:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", challenge.SiteKey)
		form.Set("pageurl", challenge.PageURL)
	case domain.ChallengeHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", challenge.SiteKey)
		form.Set("pageurl", challenge.PageURL)
	default:
		if len(challenge.Payload) == 0 {
			return "", fmt.Errorf("challenge type %s carries no payload to submit", challenge.Type)
		}
		form.Set("method", "base64")
		form.Set("body", base64.StdEncoding.EncodeToString(challenge.Payload))
	}

	resp, err := s.postForm(ctx, s.opts.BaseURL+"/in.php", form)
	if err != nil {
		return "", fmt.Errorf("submit challenge: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("provider rejected challenge: %s", resp.Request)
	}
	return resp.Request, nil
}

func (s *RemoteSolver) poll(ctx context.Context, handle string) (string, error) {
	query := url.Values{}
	query.Set("key", s.opts.APIKey)
	query.Set("action", "get")
	query.Set("id", handle)
	query.Set("json", "1")
	pollURL := s.opts.BaseURL + "/res.php?" + query.Encode()

	for {
		if err := sleepContext(ctx, jitter(s.opts.PollInterval)); err != nil {
			return "", fmt.Errorf("wait ceiling reached before answer: %w", err)
		}

		resp, err := s.getJSON(ctx, pollURL)
		if err != nil {
			return "", fmt.Errorf("poll result: %w", err)
		}

		switch {
		case resp.Status == 1:
			return resp.Request, nil
		case resp.Request == remoteNotReady:
			// Normal intermediate state; keep waiting.
		default:
			return "", fmt.Errorf("provider error: %s", resp.Request)
		}
	}
}

func (s *RemoteSolver) postForm(ctx context.Context, endpoint string, form url.Values) (*remoteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

func (s *RemoteSolver) getJSON(ctx context.Context, endpoint string) (*remoteResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *RemoteSolver) do(req *http.Request) (*remoteResponse, error) {
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}

	var parsed remoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &parsed, nil
}

// jitter spreads polls by ±20% so many concurrent solves do not
// hammer the provider in lockstep.
func jitter(interval time.Duration) time.Duration {
	delta := float64(interval) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return interval + time.Duration(offset)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
