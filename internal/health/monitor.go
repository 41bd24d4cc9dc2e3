// Package health maintains rolling health scores and load gauges per
// (model, account) pair.
//
// Samples live in explicit per-minute buckets keyed in memory, pruned on
// read, so scoring is reproducible under test. Scores are advisory inputs
// to candidate selection and failover triggers; a degraded pair is
// deprioritized, not removed, unless it has fast-tripped.
package health

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Scoring constants.
const (
	// NeutralScore is assigned to pairs with no samples in the window, so
	// untested candidates are not starved.
	NeutralScore = 100
	// latencyFactorFloor is the lowest multiplier latency can impose.
	latencyFactorFloor = 0.5
	// bucketSize is the granularity of sample buckets.
	bucketSize = time.Minute
	// maxLatencySamplesPerBucket caps the latencies kept for p95 estimation.
	maxLatencySamplesPerBucket = 64
)

// Defaults applied when Config fields are zero.
const (
	// DefaultWindow is the default scoring window.
	DefaultWindow = 5 * time.Minute
	// DefaultLatencyCeilingMs is the p95 latency at which the factor floors.
	DefaultLatencyCeilingMs = 10_000
	// DefaultFastTripFailures is the consecutive-failure count that forces a
	// pair unhealthy regardless of its windowed average.
	DefaultFastTripFailures = 3
)

// Config tunes the monitor.
type Config struct {
	Window           time.Duration // Scoring window; buckets older than this are pruned.
	LatencyCeilingMs int64         // p95 ceiling for the latency factor.
	FastTripFailures int           // Consecutive failures that force score zero.
}

type pairKey struct {
	model     string
	accountID uint64
}

type sampleBucket struct {
	start     time.Time
	successes int64
	failures  int64
	latencies []int64
}

type pairState struct {
	buckets             []sampleBucket
	consecutiveFailures int
}

// Monitor records dispatch outcomes and computes health scores.
type Monitor struct {
	mu    sync.Mutex
	pairs map[pairKey]*pairState

	connMu sync.Mutex
	active map[uint64]int64

	cfg Config
	now func() time.Time
}

// NewMonitor constructs a Monitor with defaults filled in.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.LatencyCeilingMs <= 0 {
		cfg.LatencyCeilingMs = DefaultLatencyCeilingMs
	}
	if cfg.FastTripFailures <= 0 {
		cfg.FastTripFailures = DefaultFastTripFailures
	}
	return &Monitor{
		pairs:  make(map[pairKey]*pairState),
		active: make(map[uint64]int64),
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock; used by tests to slide the window.
func (m *Monitor) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

// RecordOutcome appends one dispatch outcome to the current window bucket.
// It never blocks on I/O.
func (m *Monitor) RecordOutcome(model string, accountID uint64, success bool, latencyMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{model: model, accountID: accountID}
	state, ok := m.pairs[key]
	if !ok {
		state = &pairState{}
		m.pairs[key] = state
	}

	now := m.now()
	bucketStart := now.Truncate(bucketSize)
	var current *sampleBucket
	if n := len(state.buckets); n > 0 && state.buckets[n-1].start.Equal(bucketStart) {
		current = &state.buckets[n-1]
	} else {
		state.buckets = append(state.buckets, sampleBucket{start: bucketStart})
		current = &state.buckets[len(state.buckets)-1]
	}

	if success {
		current.successes++
		state.consecutiveFailures = 0
	} else {
		current.failures++
		state.consecutiveFailures++
	}
	if latencyMs > 0 && len(current.latencies) < maxLatencySamplesPerBucket {
		current.latencies = append(current.latencies, latencyMs)
	}

	m.pruneLocked(state, now)
}

// Score returns the 0-100 health score for a (model, account) pair.
//
// A pair with no in-window samples scores neutral; a pair whose consecutive
// failures reached the fast-trip count scores zero regardless of history.
func (m *Monitor) Score(model string, accountID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.pairs[pairKey{model: model, accountID: accountID}]
	if !ok {
		return NeutralScore
	}
	if state.consecutiveFailures >= m.cfg.FastTripFailures {
		return 0
	}

	m.pruneLocked(state, m.now())

	var successes, failures int64
	var latencies []int64
	for i := range state.buckets {
		successes += state.buckets[i].successes
		failures += state.buckets[i].failures
		latencies = append(latencies, state.buckets[i].latencies...)
	}
	total := successes + failures
	if total == 0 {
		return NeutralScore
	}

	successRate := float64(successes) / float64(total)
	factor := latencyFactor(percentile95(latencies), m.cfg.LatencyCeilingMs)
	score := int(math.Round(100 * successRate * factor))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// AccountErrorRate returns the recent error rate across all models on the
// account, used as a tie-break by least_used selection.
func (m *Monitor) AccountErrorRate(accountID uint64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var successes, failures int64
	for key, state := range m.pairs {
		if key.accountID != accountID {
			continue
		}
		m.pruneLocked(state, now)
		for i := range state.buckets {
			successes += state.buckets[i].successes
			failures += state.buckets[i].failures
		}
	}
	total := successes + failures
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}

// Acquire increments the account's active connection gauge.
func (m *Monitor) Acquire(accountID uint64) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.active[accountID]++
}

// Release decrements the account's active connection gauge.
func (m *Monitor) Release(accountID uint64) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.active[accountID] > 0 {
		m.active[accountID]--
	}
}

// ActiveConnections returns the account's active connection gauge.
func (m *Monitor) ActiveConnections(accountID uint64) int64 {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.active[accountID]
}

// pruneLocked drops buckets that slid out of the window. Callers hold mu.
func (m *Monitor) pruneLocked(state *pairState, now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	keep := state.buckets[:0]
	for i := range state.buckets {
		if state.buckets[i].start.Add(bucketSize).After(cutoff) {
			keep = append(keep, state.buckets[i])
		}
	}
	state.buckets = keep
}

// latencyFactor decays from 1.0 toward the floor as p95 approaches ceiling.
func latencyFactor(p95, ceilingMs int64) float64 {
	if p95 <= 0 || ceilingMs <= 0 {
		return 1.0
	}
	ratio := float64(p95) / float64(ceilingMs)
	if ratio > 1 {
		ratio = 1
	}
	return 1.0 - (1.0-latencyFactorFloor)*ratio
}

// percentile95 estimates the 95th percentile of the samples.
func percentile95(latencies []int64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
