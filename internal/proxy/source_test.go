package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"corvid/internal/domain"
)

func TestParseCandidateList(t *testing.T) {
	input := "1.1.1.1:80\r\n# comment\ninvalid\n2.2.2.2:8080:user:pass\n3.3.3.3:badport\nsocks5://4.4.4.4:1080\n"

	parsed := ParseCandidateList(input, domain.ProtocolHTTP, "feed")
	if len(parsed) != 3 {
		t.Fatalf("parsed %d candidates, want 3", len(parsed))
	}

	if got := parsed[0].Key(); got != "1.1.1.1:80" {
		t.Fatalf("first candidate %s, want 1.1.1.1:80", got)
	}
	if parsed[0].HasAuth() {
		t.Fatal("first candidate should have no auth")
	}
	if parsed[0].Source != "feed" {
		t.Fatalf("source tag = %q, want feed", parsed[0].Source)
	}

	if !parsed[1].HasAuth() || parsed[1].Username != "user" || parsed[1].Password != "pass" {
		t.Fatalf("second candidate credentials wrong: %+v", parsed[1])
	}

	if parsed[2].Protocol != domain.ProtocolSOCKS5 {
		t.Fatalf("scheme-prefixed line should override protocol, got %s", parsed[2].Protocol)
	}
}

func TestParseCandidateListRejectsBadPorts(t *testing.T) {
	input := "1.1.1.1:0\n1.1.1.1:65536\n1.1.1.1:-1\n"

	if parsed := ParseCandidateList(input, domain.ProtocolHTTP, "feed"); len(parsed) != 0 {
		t.Fatalf("invalid ports should be skipped, got %d candidates", len(parsed))
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("5.5.5.5:3128\n6.6.6.6:3128\n"))
	}))
	defer server.Close()

	source := &HTTPSource{URL: server.URL, Protocol: domain.ProtocolHTTP}

	candidates, err := source.FetchCandidates(context.Background())
	if err != nil {
		t.Fatalf("fetch candidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("fetched %d candidates, want 2", len(candidates))
	}
}

func TestHTTPSourceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	source := &HTTPSource{URL: server.URL}

	if _, err := source.FetchCandidates(context.Background()); err == nil {
		t.Fatal("non-200 source response should be an error")
	}
}
