package scrape

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"corvid/internal/domain"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   domain.FailureKind
	}{
		{200, domain.FailureNone},
		{204, domain.FailureNone},
		{404, domain.FailurePermanentTarget},
		{410, domain.FailurePermanentTarget},
		{401, domain.FailurePermanentTarget},
		{429, domain.FailureTransient},
		{500, domain.FailureTransient},
		{502, domain.FailureTransient},
		{503, domain.FailureTransient},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("status %d classified %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClassifyTransportError(t *testing.T) {
	timeout := &net.OpError{Op: "dial", Err: &timeoutError{}}

	cases := []struct {
		name string
		err  error
		want domain.FailureKind
	}{
		{"nil", nil, domain.FailureNone},
		{"deadline", context.DeadlineExceeded, domain.FailureTransient},
		{"refused", syscall.ECONNREFUSED, domain.FailureTransient},
		{"reset", syscall.ECONNRESET, domain.FailureTransient},
		{"net timeout", timeout, domain.FailureTransient},
		{"dns not found", &net.DNSError{IsNotFound: true}, domain.FailurePermanentTarget},
		{"dns flaky", &net.DNSError{IsTimeout: true}, domain.FailureTransient},
		{"unknown", errors.New("weird"), domain.FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyTransportError(tc.err); got != tc.want {
				t.Fatalf("classified %s, want %s", got, tc.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	if !retryable(domain.FailureTransient) {
		t.Fatal("transient must be retryable")
	}
	for _, kind := range []domain.FailureKind{
		domain.FailurePermanentTarget,
		domain.FailureChallengeUnresolved,
		domain.FailureResourceExhausted,
	} {
		if retryable(kind) {
			t.Fatalf("%s must not be retryable", kind)
		}
	}
}
