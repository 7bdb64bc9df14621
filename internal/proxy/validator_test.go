package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"corvid/internal/domain"
)

func candidateForServer(t *testing.T, server *httptest.Server) domain.Candidate {
	t.Helper()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}

	return domain.Candidate{
		Address:  u.Hostname(),
		Port:     uint16(port),
		Protocol: domain.ProtocolHTTP,
	}
}

func TestValidatorCheckReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	candidate := candidateForServer(t, server)
	validator := NewValidator("http://probe.test/")

	result := validator.Check(context.Background(), &candidate, 2*time.Second)
	if result.Err != nil {
		t.Fatalf("check error: %v", result.Err)
	}
	if !result.Reachable {
		t.Fatal("candidate should be reachable")
	}
	if result.Latency <= 0 {
		t.Fatal("latency should be measured")
	}
}

func TestValidatorCheckNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	candidate := candidateForServer(t, server)
	validator := NewValidator("http://probe.test/")

	result := validator.Check(context.Background(), &candidate, 2*time.Second)
	if result.Reachable {
		t.Fatal("non-200 probe should not count as reachable")
	}
	if result.Err == nil {
		t.Fatal("non-200 probe should carry an error")
	}
}

func TestValidatorCheckHonoursTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	candidate := candidateForServer(t, server)
	validator := NewValidator("http://probe.test/")

	start := time.Now()
	result := validator.Check(context.Background(), &candidate, 300*time.Millisecond)
	elapsed := time.Since(start)

	if result.Reachable {
		t.Fatal("timeout probe should not be reachable")
	}
	if elapsed > 1500*time.Millisecond {
		t.Fatalf("check took %s, timeout not honoured", elapsed)
	}
}

func TestValidatorUnreachableCandidate(t *testing.T) {
	candidate := domain.Candidate{
		Address:  "127.0.0.1",
		Port:     1, // nothing listens here
		Protocol: domain.ProtocolHTTP,
	}
	validator := NewValidator("http://probe.test/")

	result := validator.Check(context.Background(), &candidate, 500*time.Millisecond)
	if result.Reachable {
		t.Fatal("candidate with closed port should be unreachable")
	}
}

func TestTransportRejectsUnknownProtocol(t *testing.T) {
	candidate := domain.Candidate{Address: "10.0.0.1", Port: 8080, Protocol: "gopher"}

	if _, err := Transport(&candidate, time.Second); err == nil {
		t.Fatal("unknown protocol should be rejected")
	}
}

func TestTransportSOCKS5Construction(t *testing.T) {
	candidate := domain.Candidate{
		Address:  "10.0.0.1",
		Port:     1080,
		Protocol: domain.ProtocolSOCKS5,
		Username: "user",
		Password: "pass",
	}

	transport, err := Transport(&candidate, time.Second)
	if err != nil {
		t.Fatalf("socks5 transport: %v", err)
	}
	if transport.Proxy != nil {
		t.Fatal("socks5 transport should dial directly, not via Proxy func")
	}
	if !transport.DisableKeepAlives {
		t.Fatal("keep-alives must stay disabled")
	}
}
