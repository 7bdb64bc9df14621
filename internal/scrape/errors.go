package scrape

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"corvid/internal/domain"
)

// classifyTransportError maps a low-level fetch error to a failure
// kind. Everything network-shaped is transient: the next attempt may
// well go through a different proxy.
func classifyTransportError(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureNone
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTransient
	}
	if errors.Is(err, context.Canceled) {
		return domain.FailureTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return domain.FailureTransient
	}

	// DNS before the generic net.Error case: a host that does not
	// exist will not start existing on the next proxy.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return domain.FailurePermanentTarget
		}
		return domain.FailureTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.FailureTransient
	}

	return domain.FailureTransient
}

// classifyStatus maps a non-challenge HTTP status to a failure kind.
// Challenge-shaped statuses are handled by detection before this runs.
func classifyStatus(status int) domain.FailureKind {
	switch {
	case status >= 200 && status < 300:
		return domain.FailureNone
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return domain.FailureTransient
	case status >= 500:
		return domain.FailureTransient
	default:
		// 3xx after the client's redirect budget, 404, 410, 451 and
		// friends: the target itself says no.
		return domain.FailurePermanentTarget
	}
}

func retryable(kind domain.FailureKind) bool {
	return kind == domain.FailureTransient
}
