package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestRobotsGuardHonoursDisallow(t *testing.T) {
	var fetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer server.Close()

	guard := NewRobotsGuard(server.Client())
	ctx := context.Background()

	allowed, err := guard.Check(ctx, server.URL+"/catalog/items")
	if err != nil {
		t.Fatalf("check allowed path: %v", err)
	}
	if !allowed.Allowed || !allowed.RobotsFound {
		t.Fatalf("public path should be allowed, got %+v", allowed)
	}

	denied, err := guard.Check(ctx, server.URL+"/private/report")
	if err != nil {
		t.Fatalf("check disallowed path: %v", err)
	}
	if denied.Allowed {
		t.Fatal("disallowed path should be denied")
	}

	// Both checks hit the same host; the policy must be fetched once.
	if got := fetches.Load(); got != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", got)
	}
}

func TestRobotsGuardFailsOpenWithoutPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	guard := NewRobotsGuard(server.Client())
	result, err := guard.Check(context.Background(), server.URL+"/anything")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.Allowed {
		t.Fatal("missing robots.txt must allow the fetch")
	}
	if result.RobotsFound {
		t.Fatal("404 policy should report RobotsFound=false")
	}
}

func TestRobotsGuardFailsOpenOnBadTarget(t *testing.T) {
	guard := NewRobotsGuard(nil)
	result, err := guard.Check(context.Background(), "not a url at all")
	if err == nil {
		t.Fatal("unparseable target should report an error")
	}
	if !result.Allowed {
		t.Fatal("unparseable target still fails open")
	}
}
