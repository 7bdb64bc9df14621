package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"corvid/internal/domain"
)

// CandidateSource supplies fresh proxy candidates for pool
// replenishment. Concrete feeds (static lists, remote APIs) live
// behind this interface.
type CandidateSource interface {
	FetchCandidates(ctx context.Context) ([]domain.Candidate, error)
	Name() string
}

// StaticSource serves a fixed candidate list, useful for manually
// curated proxies and in tests.
type StaticSource struct {
	Candidates []domain.Candidate
	SourceName string
}

func (s *StaticSource) FetchCandidates(_ context.Context) ([]domain.Candidate, error) {
	candidates := make([]domain.Candidate, len(s.Candidates))
	copy(candidates, s.Candidates)
	return candidates, nil
}

func (s *StaticSource) Name() string {
	if s.SourceName == "" {
		return "static"
	}
	return s.SourceName
}

// HTTPSource fetches a plaintext proxy list (one ip:port per line)
// from a remote endpoint.
type HTTPSource struct {
	URL      string
	Protocol domain.Protocol
	Client   *http.Client
}

func (s *HTTPSource) FetchCandidates(ctx context.Context) ([]domain.Candidate, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create source request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy source returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}

	protocol := s.Protocol
	if protocol == "" {
		protocol = domain.ProtocolHTTP
	}

	return ParseCandidateList(string(body), protocol, s.Name()), nil
}

func (s *HTTPSource) Name() string {
	return "http:" + s.URL
}

// MultiSource fans replenishment out to several feeds. One failing
// feed does not block the others; its error is folded into the
// result only when every feed failed.
type MultiSource []CandidateSource

func (m MultiSource) FetchCandidates(ctx context.Context) ([]domain.Candidate, error) {
	var (
		candidates []domain.Candidate
		lastErr    error
	)
	for _, source := range m {
		fetched, err := source.FetchCandidates(ctx)
		if err != nil {
			lastErr = fmt.Errorf("source %s: %w", source.Name(), err)
			continue
		}
		candidates = append(candidates, fetched...)
	}
	if len(candidates) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return candidates, nil
}

func (m MultiSource) Name() string {
	names := make([]string, len(m))
	for i, source := range m {
		names[i] = source.Name()
	}
	return strings.Join(names, ",")
}

// ParseCandidateList parses a newline-separated proxy list. Supported
// line shapes: ip:port and ip:port:user:pass. Lines that fail
// validation are skipped, comments ignored.
func ParseCandidateList(text string, protocol domain.Protocol, source string) []domain.Candidate {
	text = strings.ReplaceAll(text, "\r", "")
	lines := strings.Split(text, "\n")

	candidates := make([]domain.Candidate, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// scheme://host:port lines carry their own protocol.
		lineProtocol := protocol
		if idx := strings.Index(line, "://"); idx > 0 {
			lineProtocol = domain.ParseProtocol(line[:idx])
			line = line[idx+3:]
		}

		split := strings.Split(line, ":")
		if len(split) != 2 && len(split) != 4 {
			continue
		}

		ip := split[0]
		if net.ParseIP(ip) == nil {
			continue
		}

		port, err := strconv.Atoi(split[1])
		if err != nil || port < 1 || port > 65535 {
			continue
		}

		candidate := domain.Candidate{
			Address:  ip,
			Port:     uint16(port),
			Protocol: lineProtocol,
			Source:   source,
			Status:   domain.StatusUnknown,
		}

		if len(split) == 4 {
			candidate.Username = split[2]
			candidate.Password = split[3]
		}

		candidates = append(candidates, candidate)
	}

	return candidates
}
