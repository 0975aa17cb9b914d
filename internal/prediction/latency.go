package prediction

import (
	"sort"
	"sync"
)

// LatencyStats summarizes recent prediction latencies in milliseconds.
type LatencyStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
}

// latencyTracker keeps a bounded sliding window of latency samples and
// recomputes percentiles on every new sample. The resort is O(n log n) at
// window size; correctness over micro-optimization.
type latencyTracker struct {
	mu      sync.Mutex
	samples []float64
	idx     int
	filled  int
	current LatencyStats
}

func newLatencyTracker(window int) *latencyTracker {
	if window <= 0 {
		window = 1000
	}
	return &latencyTracker{samples: make([]float64, window)}
}

func (t *latencyTracker) record(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.idx] = ms
	t.idx = (t.idx + 1) % len(t.samples)
	if t.filled < len(t.samples) {
		t.filled++
	}

	sorted := make([]float64, t.filled)
	copy(sorted, t.samples[:t.filled])
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}

	t.current = LatencyStats{
		Count:   t.filled,
		Average: sum / float64(t.filled),
		P95:     percentile(sorted, 0.95),
		P99:     percentile(sorted, 0.99),
	}
}

func (t *latencyTracker) stats() LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
