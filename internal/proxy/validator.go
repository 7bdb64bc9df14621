package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"

	"corvid/internal/domain"
)

// Validator performs liveness probes through proxy candidates. It is
// stateless and safe to run concurrently across any number of
// candidates.
type Validator struct {
	// ProbeURL is the known-good target requested through the proxy.
	ProbeURL string
}

func NewValidator(probeURL string) *Validator {
	return &Validator{ProbeURL: probeURL}
}

// CheckResult carries the outcome of a single liveness probe.
type CheckResult struct {
	Reachable bool
	Latency   time.Duration
	Err       error
}

// Check probes the candidate within the given timeout. The timeout is
// honoured exactly and the underlying connection is released on every
// exit path. Probe failures come back inside the result, not as a
// Go error; only a malformed candidate produces one.
func (v *Validator) Check(ctx context.Context, candidate *domain.Candidate, timeout time.Duration) CheckResult {
	transport, err := Transport(candidate, timeout)
	if err != nil {
		return CheckResult{Err: err}
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.ProbeURL, nil)
	if err != nil {
		return CheckResult{Err: fmt.Errorf("create probe request: %w", err)}
	}
	req.Header.Set("Connection", "close")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{Latency: latency, Err: err}
	}
	defer resp.Body.Close()

	// Drain so the transport can reuse or cleanly close the socket.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Latency: latency,
			Err:     fmt.Errorf("probe returned HTTP %d", resp.StatusCode),
		}
	}

	return CheckResult{Reachable: true, Latency: latency}
}

// Transport builds an http.Transport that routes through the
// candidate, with keep-alives disabled so sockets never outlive the
// request that opened them.
func Transport(candidate *domain.Candidate, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 0,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch candidate.Protocol {
	case domain.ProtocolHTTP, domain.ProtocolHTTPS:
		transport.Proxy = http.ProxyURL(candidate.URL())

	case domain.ProtocolSOCKS5:
		var auth *xproxy.Auth
		if candidate.HasAuth() {
			auth = &xproxy.Auth{User: candidate.Username, Password: candidate.Password}
		}
		socksDialer, err := xproxy.SOCKS5("tcp", candidate.Key(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := socksDialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socksDialer.Dial(network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", candidate.Protocol)
	}

	return transport, nil
}
