package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS5 Protocol = "socks5"
)

// CandidateStatus is the lifecycle state of a proxy candidate.
// Failed candidates only return to Testing through an explicit
// revalidation, never silently.
type CandidateStatus string

const (
	StatusUnknown CandidateStatus = "unknown"
	StatusTesting CandidateStatus = "testing"
	StatusWorking CandidateStatus = "working"
	StatusFailed  CandidateStatus = "failed"
)

const recentErrorLimit = 5

// Candidate is one network egress identity available to fetches.
// The pool owns all mutation; everything handed out of the pool is a
// copy of the state at selection time.
type Candidate struct {
	Address  string   `json:"address"`
	Port     uint16   `json:"port"`
	Protocol Protocol `json:"protocol"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`

	Source        string `json:"source"`
	Country       string `json:"country,omitempty"`
	EstimatedType string `json:"estimated_type,omitempty"` // isp, datacenter, residential

	Status CandidateStatus `json:"status"`

	SuccessCount  uint64 `json:"success_count"`
	FailureCount  uint64 `json:"failure_count"`
	TotalRequests uint64 `json:"total_requests"`

	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// Exponentially weighted moving average of observed latency.
	AvgLatency time.Duration `json:"avg_latency"`

	LastCheck   *time.Time `json:"last_check,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`

	RecentErrors []string `json:"recent_errors,omitempty"`

	QualityScore float64 `json:"quality_score"`

	AddedAt time.Time `json:"added_at"`
}

// Key identifies a candidate inside the pool.
func (c *Candidate) Key() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(int(c.Port)))
}

func (c *Candidate) HasAuth() bool {
	return c.Username != "" && c.Password != ""
}

// URL renders the candidate as a proxy URL usable in a transport.
func (c *Candidate) URL() *url.URL {
	u := &url.URL{
		Scheme: string(c.Protocol),
		Host:   c.Key(),
	}
	if c.Protocol == ProtocolHTTPS {
		// HTTPS proxies still speak plain CONNECT on the client side.
		u.Scheme = "http"
	}
	if c.HasAuth() {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u
}

func (c *Candidate) SuccessRate() float64 {
	if c.TotalRequests == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.TotalRequests)
}

// Selectable reports whether the candidate may be handed to a fetch.
func (c *Candidate) Selectable() bool {
	return c.Status != StatusFailed
}

// PushError appends to the bounded recent-error ring.
func (c *Candidate) PushError(msg string) {
	if msg == "" {
		return
	}
	c.RecentErrors = append(c.RecentErrors, msg)
	if len(c.RecentErrors) > recentErrorLimit {
		c.RecentErrors = c.RecentErrors[len(c.RecentErrors)-recentErrorLimit:]
	}
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s://%s", c.Protocol, c.Key())
}

// ParseProtocol normalises a protocol string, defaulting to HTTP.
func ParseProtocol(raw string) Protocol {
	switch raw {
	case "https":
		return ProtocolHTTPS
	case "socks5", "socks":
		return ProtocolSOCKS5
	default:
		return ProtocolHTTP
	}
}
