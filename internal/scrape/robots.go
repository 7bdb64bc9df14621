package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const (
	robotsCacheTTL   = time.Hour
	robotsUserAgent  = "corvid"
	robotsFetchLimit = 10 * time.Second
)

type robotsCacheEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// RobotsGuard answers "may we fetch this path" from cached robots.txt
// files, one entry per scheme://host. Fetch failures fail open: a
// target we cannot read a policy from is treated as allowed.
type RobotsGuard struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]robotsCacheEntry
}

func NewRobotsGuard(client *http.Client) *RobotsGuard {
	if client == nil {
		client = http.DefaultClient
	}
	return &RobotsGuard{
		client:  client,
		entries: make(map[string]robotsCacheEntry),
	}
}

type RobotsCheckResult struct {
	Allowed     bool
	RobotsFound bool
}

func (g *RobotsGuard) Check(ctx context.Context, targetURL string) (RobotsCheckResult, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return RobotsCheckResult{Allowed: true}, fmt.Errorf("parse robots target: %w", err)
	}
	if parsed.Host == "" {
		return RobotsCheckResult{Allowed: true}, fmt.Errorf("parse robots target: missing host in %q", targetURL)
	}

	entry, err := g.load(ctx, parsed)
	if err != nil {
		return RobotsCheckResult{Allowed: true}, err
	}
	if entry.data == nil {
		return RobotsCheckResult{Allowed: true, RobotsFound: false}, nil
	}

	group := entry.data.FindGroup(robotsUserAgent)
	if group == nil {
		group = entry.data.FindGroup("*")
	}
	if group == nil {
		return RobotsCheckResult{Allowed: true, RobotsFound: true}, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	return RobotsCheckResult{
		Allowed:     group.Test(path),
		RobotsFound: true,
	}, nil
}

func (g *RobotsGuard) load(ctx context.Context, parsed *url.URL) (robotsCacheEntry, error) {
	key := robotsCacheKey(parsed)

	if entry, ok := g.cached(key); ok {
		return entry, nil
	}

	entry, err := g.fetch(ctx, parsed)
	if err != nil {
		return entry, err
	}
	entry.fetched = time.Now()

	g.mu.Lock()
	g.entries[key] = entry
	g.mu.Unlock()

	return entry, nil
}

func (g *RobotsGuard) cached(key string) (robotsCacheEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok {
		return robotsCacheEntry{}, false
	}
	if time.Since(entry.fetched) > robotsCacheTTL {
		delete(g.entries, key)
		return robotsCacheEntry{}, false
	}
	return entry, true
}

func (g *RobotsGuard) fetch(ctx context.Context, parsed *url.URL) (robotsCacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, robotsFetchLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURLFor(parsed), nil)
	if err != nil {
		return robotsCacheEntry{}, err
	}
	req.Header.Set("User-Agent", robotsUserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return robotsCacheEntry{}, err
	}
	defer resp.Body.Close()

	// 4xx/5xx means no retrievable policy, not a denial.
	if resp.StatusCode >= http.StatusBadRequest {
		return robotsCacheEntry{}, nil
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return robotsCacheEntry{}, err
	}
	return robotsCacheEntry{data: data}, nil
}

func robotsCacheKey(parsed *url.URL) string {
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, parsed.Host)
}

func robotsURLFor(parsed *url.URL) string {
	return robotsCacheKey(parsed) + "/robots.txt"
}
