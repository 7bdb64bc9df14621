package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"corvid/internal/domain"
)

// ErrNoCandidates signals that no candidate qualified for selection.
// It is a normal, reportable outcome, not a fault; callers typically
// react by triggering replenishment.
var ErrNoCandidates = errors.New("no proxy candidates available")

var ErrPoolFull = errors.New("proxy pool at capacity")

var ErrUnknownCandidate = errors.New("unknown proxy candidate")

type PoolOptions struct {
	MaxSize int
	MinSize int

	// ConsecutiveFailureThreshold degrades Working candidates to
	// Failed once reached (with more failures than successes).
	ConsecutiveFailureThreshold uint32

	// RetireFailureCeiling removes a candidate from the pool entirely
	// once its failure count passes it and exceeds its success count.
	RetireFailureCeiling uint64

	ValidationTimeout   time.Duration
	ValidationBatchSize int64

	Scorer ScorerOptions

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxSize:                     500,
		MinSize:                     50,
		ConsecutiveFailureThreshold: 3,
		RetireFailureCeiling:        10,
		ValidationTimeout:           10 * time.Second,
		ValidationBatchSize:         50,
		Scorer:                      DefaultScorerOptions(),
	}
}

type entry struct {
	mu        sync.Mutex
	candidate domain.Candidate
}

// Pool owns the set of proxy candidates. All candidate mutation is
// serialized per candidate; the pool-level lock only guards the
// membership maps so unrelated traffic never contends.
type Pool struct {
	opts      PoolOptions
	validator *Validator
	source    CandidateSource
	geo       *GeoEnricher

	mu      sync.RWMutex
	entries map[string]*entry

	// retired keeps removed candidates for diagnostics and manual
	// revalidation. Not selectable.
	retiredMu sync.Mutex
	retired   map[string]domain.Candidate

	retireHook func(key string)
}

func NewPool(opts PoolOptions, validator *Validator, source CandidateSource) *Pool {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultPoolOptions().MaxSize
	}
	if opts.ConsecutiveFailureThreshold == 0 {
		opts.ConsecutiveFailureThreshold = 3
	}
	if opts.RetireFailureCeiling == 0 {
		opts.RetireFailureCeiling = 10
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = 10 * time.Second
	}
	if opts.ValidationBatchSize <= 0 {
		opts.ValidationBatchSize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pool{
		opts:      opts,
		validator: validator,
		source:    source,
		entries:   make(map[string]*entry),
		retired:   make(map[string]domain.Candidate),
	}
}

// Add registers a new candidate. Duplicates (by address:port) and
// additions past capacity are rejected.
func (p *Pool) Add(candidate domain.Candidate, source string) bool {
	key := candidate.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; exists {
		return false
	}
	if len(p.entries) >= p.opts.MaxSize {
		return false
	}

	if source != "" {
		candidate.Source = source
	}
	if candidate.Country == "" && candidate.EstimatedType == "" {
		candidate.Country, candidate.EstimatedType = p.geo.Lookup(candidate.Address)
	}
	candidate.Status = domain.StatusUnknown
	candidate.AddedAt = p.opts.Now()

	p.entries[key] = &entry{candidate: candidate}
	log.Debug("candidate added", "proxy", candidate.String(), "source", candidate.Source)
	return true
}

// SetGeoEnricher wires optional geo annotation of new candidates.
func (p *Pool) SetGeoEnricher(geo *GeoEnricher) {
	p.geo = geo
}

// SetRetireHook registers a callback invoked with the key of every
// candidate that moves to the retired ledger, e.g. to drop it from an
// external revalidation schedule. Set once during wiring, before the
// pool carries traffic.
func (p *Pool) SetRetireHook(hook func(key string)) {
	p.retireHook = hook
}

// Remove retires a candidate administratively. The candidate moves to
// the retired ledger.
func (p *Pool) Remove(key string) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	e.mu.Lock()
	snapshot := e.candidate
	e.mu.Unlock()

	p.retiredMu.Lock()
	p.retired[key] = snapshot
	p.retiredMu.Unlock()

	log.Info("candidate retired", "proxy", snapshot.String(), "failures", snapshot.FailureCount)
	if p.retireHook != nil {
		p.retireHook(key)
	}
	return true
}

// Select picks a candidate with status Working and quality at or above
// minQuality, weighted-random proportional to quality so load spreads
// across the pool instead of starving everything below the best
// scorer. When nothing qualifies it falls back to any non-Failed
// candidate; when even that fails it returns ErrNoCandidates.
// Select never mutates candidate state.
func (p *Pool) Select(minQuality float64) (domain.Candidate, error) {
	snapshots := p.snapshotAll()

	qualified := make([]domain.Candidate, 0, len(snapshots))
	for _, c := range snapshots {
		if c.Status == domain.StatusWorking && c.QualityScore >= minQuality {
			qualified = append(qualified, c)
		}
	}

	if len(qualified) == 0 {
		for _, c := range snapshots {
			if c.Selectable() {
				qualified = append(qualified, c)
			}
		}
	}

	if len(qualified) == 0 {
		return domain.Candidate{}, ErrNoCandidates
	}

	return weightedPick(qualified), nil
}

func weightedPick(candidates []domain.Candidate) domain.Candidate {
	var total float64
	for _, c := range candidates {
		total += c.QualityScore
	}

	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}

	target := rand.Float64() * total
	var cursor float64
	for _, c := range candidates {
		cursor += c.QualityScore
		if target <= cursor {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// RecordSuccess feeds a successful use of the candidate back into the
// pool: counters, EWMA latency, recency, status promotion, score.
func (p *Pool) RecordSuccess(key string, latency time.Duration) error {
	e, ok := p.lookup(key)
	if !ok {
		return ErrUnknownCandidate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c := &e.candidate
	now := p.opts.Now()

	c.SuccessCount++
	c.TotalRequests++
	c.ConsecutiveFailures = 0
	c.LastCheck = &now
	c.LastSuccess = &now

	if c.AvgLatency == 0 {
		c.AvgLatency = latency
	} else {
		c.AvgLatency = time.Duration(float64(c.AvgLatency)*0.8 + float64(latency)*0.2)
	}

	// A Failed candidate only climbs back through explicit
	// revalidation, which parks it in Testing first.
	if c.Status != domain.StatusFailed {
		c.Status = domain.StatusWorking
	}

	c.RecentErrors = nil
	c.QualityScore = ScoreCandidate(c, now, p.opts.Scorer)
	return nil
}

// RecordFailure feeds a failed use back into the pool. Reaching the
// consecutive-failure threshold with more failures than successes
// degrades the candidate to Failed; passing the retirement ceiling
// removes it to the retired ledger.
func (p *Pool) RecordFailure(key string, reason string) error {
	e, ok := p.lookup(key)
	if !ok {
		return ErrUnknownCandidate
	}

	retire := false

	e.mu.Lock()
	c := &e.candidate
	now := p.opts.Now()

	c.FailureCount++
	c.TotalRequests++
	c.ConsecutiveFailures++
	c.LastCheck = &now
	c.PushError(reason)

	if c.ConsecutiveFailures >= p.opts.ConsecutiveFailureThreshold && c.FailureCount > c.SuccessCount {
		c.Status = domain.StatusFailed
	}

	if c.FailureCount >= p.opts.RetireFailureCeiling && c.FailureCount > c.SuccessCount {
		retire = true
	}

	c.QualityScore = ScoreCandidate(c, now, p.opts.Scorer)
	key = c.Key()
	e.mu.Unlock()

	if retire {
		p.Remove(key)
	}
	return nil
}

// Revalidate probes a single candidate and feeds the result back. The
// candidate passes through Testing, which is the only road out of
// Failed.
func (p *Pool) Revalidate(ctx context.Context, key string) error {
	e, ok := p.lookup(key)
	if !ok {
		return ErrUnknownCandidate
	}

	e.mu.Lock()
	prior := e.candidate.Status
	e.candidate.Status = domain.StatusTesting
	snapshot := e.candidate
	e.mu.Unlock()

	result := p.validator.Check(ctx, &snapshot, p.opts.ValidationTimeout)

	if result.Reachable {
		return p.RecordSuccess(key, result.Latency)
	}

	reason := "unreachable"
	if result.Err != nil {
		reason = result.Err.Error()
	}

	// RecordFailure alone decides degradation. When the threshold is
	// not reached the candidate keeps its prior standing instead of
	// staying parked in Testing.
	if err := p.RecordFailure(key, reason); err != nil {
		return err
	}
	if e, ok := p.lookup(key); ok {
		e.mu.Lock()
		if e.candidate.Status == domain.StatusTesting {
			e.candidate.Status = prior
		}
		e.mu.Unlock()
	}
	return nil
}

// RevalidateAll probes every candidate, including Failed ones; this
// is the explicit revalidation that can reinstate them. Concurrency
// is bounded by ValidationBatchSize.
func (p *Pool) RevalidateAll(ctx context.Context) error {
	return p.revalidate(ctx, func(c domain.Candidate) bool { return true })
}

// RevalidateActive probes only candidates that have seen traffic and
// are not Failed. This is the cheap recurring sweep.
func (p *Pool) RevalidateActive(ctx context.Context) error {
	return p.revalidate(ctx, func(c domain.Candidate) bool {
		return c.TotalRequests > 0 && c.Status != domain.StatusFailed
	})
}

func (p *Pool) revalidate(ctx context.Context, include func(domain.Candidate) bool) error {
	keys := make([]string, 0)
	for _, c := range p.snapshotAll() {
		if include(c) {
			keys = append(keys, c.Key())
		}
	}

	sem := semaphore.NewWeighted(p.opts.ValidationBatchSize)
	var wg sync.WaitGroup

	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer sem.Release(1)

			if err := p.Revalidate(ctx, key); err != nil && !errors.Is(err, ErrUnknownCandidate) {
				log.Debug("revalidation error", "proxy", key, "error", err)
			}
		}(key)
	}

	wg.Wait()

	stats := p.Stats()
	log.Info("revalidation sweep complete",
		"checked", len(keys),
		"working", stats.Working,
		"failed", stats.Failed,
		"total", stats.Total,
	)
	return ctx.Err()
}

// Replenish pulls fresh candidates from the configured source. Safe to
// call when no source is wired; it is then a no-op.
func (p *Pool) Replenish(ctx context.Context) (int, error) {
	if p.source == nil {
		return 0, nil
	}

	candidates, err := p.source.FetchCandidates(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, candidate := range candidates {
		if p.Add(candidate, p.source.Name()) {
			added++
		}
	}

	if added > 0 {
		log.Info("pool replenished", "added", added, "source", p.source.Name())
	}
	return added, nil
}

// NeedsReplenishment reports whether the pool dropped below its
// configured minimum of selectable candidates.
func (p *Pool) NeedsReplenishment() bool {
	selectable := 0
	for _, c := range p.snapshotAll() {
		if c.Selectable() {
			selectable++
		}
	}
	return selectable < p.opts.MinSize
}

// Get returns a copy of one candidate's current state.
func (p *Pool) Get(key string) (domain.Candidate, bool) {
	e, ok := p.lookup(key)
	if !ok {
		return domain.Candidate{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candidate, true
}

// Snapshot returns copies of every pooled candidate, sorted by key so
// ledger writes stay stable.
func (p *Pool) Snapshot() []domain.Candidate {
	snapshots := p.snapshotAll()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Key() < snapshots[j].Key()
	})
	return snapshots
}

// Restore loads persisted candidates, preserving their counters and
// status. Used at startup before any traffic flows.
func (p *Pool) Restore(candidates []domain.Candidate) int {
	restored := 0

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, candidate := range candidates {
		key := candidate.Key()
		if _, exists := p.entries[key]; exists {
			continue
		}
		if len(p.entries) >= p.opts.MaxSize {
			break
		}
		candidate.QualityScore = ScoreCandidate(&candidate, p.opts.Now(), p.opts.Scorer)
		p.entries[key] = &entry{candidate: candidate}
		restored++
	}

	return restored
}

// Retired returns the retired ledger for diagnostics.
func (p *Pool) Retired() []domain.Candidate {
	p.retiredMu.Lock()
	defer p.retiredMu.Unlock()

	out := make([]domain.Candidate, 0, len(p.retired))
	for _, c := range p.retired {
		out = append(out, c)
	}
	return out
}

type PoolStats struct {
	Total      int
	Working    int
	Failed     int
	Testing    int
	Unknown    int
	Retired    int
	AvgQuality float64
}

func (p *Pool) Stats() PoolStats {
	snapshots := p.snapshotAll()

	stats := PoolStats{Total: len(snapshots)}
	var qualitySum float64

	for _, c := range snapshots {
		qualitySum += c.QualityScore
		switch c.Status {
		case domain.StatusWorking:
			stats.Working++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusTesting:
			stats.Testing++
		default:
			stats.Unknown++
		}
	}

	if stats.Total > 0 {
		stats.AvgQuality = qualitySum / float64(stats.Total)
	}

	p.retiredMu.Lock()
	stats.Retired = len(p.retired)
	p.retiredMu.Unlock()

	return stats
}

func (p *Pool) lookup(key string) (*entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	return e, ok
}

func (p *Pool) snapshotAll() []domain.Candidate {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	snapshots := make([]domain.Candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snapshots = append(snapshots, e.candidate)
		e.mu.Unlock()
	}
	return snapshots
}
