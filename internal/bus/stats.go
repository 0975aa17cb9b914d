package bus

import (
	"sync"
	"time"
)

// StatsSnapshot is a point-in-time view of bus statistics.
type StatsSnapshot struct {
	Published           uint64  `json:"published"`
	Consumed            uint64  `json:"consumed"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	ThroughputPerSec    float64 `json:"throughput_per_sec"`
}

// stats tracks publish/consume totals, a sliding latency window, and
// throughput over a fixed wall-clock window reset each period.
type stats struct {
	mu sync.Mutex

	published uint64
	consumed  uint64

	latencies  []float64 // ring buffer, milliseconds
	latencyIdx int
	latencyLen int

	window         time.Duration
	windowStart    time.Time
	windowCount    uint64
	lastThroughput float64
}

func newStats(latencyWindow int, throughputWindow time.Duration) *stats {
	return &stats{
		latencies:   make([]float64, latencyWindow),
		window:      throughputWindow,
		windowStart: time.Now(),
	}
}

func (s *stats) recordPublished() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published++

	now := time.Now()
	if elapsed := now.Sub(s.windowStart); elapsed >= s.window {
		s.lastThroughput = float64(s.windowCount) / elapsed.Seconds()
		s.windowCount = 0
		s.windowStart = now
	}
	s.windowCount++
}

func (s *stats) recordConsumed(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consumed++
	s.latencies[s.latencyIdx] = float64(latency.Microseconds()) / 1000.0
	s.latencyIdx = (s.latencyIdx + 1) % len(s.latencies)
	if s.latencyLen < len(s.latencies) {
		s.latencyLen++
	}
}

func (s *stats) snapshot(activeSubscriptions int) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg float64
	if s.latencyLen > 0 {
		var sum float64
		for i := 0; i < s.latencyLen; i++ {
			sum += s.latencies[i]
		}
		avg = sum / float64(s.latencyLen)
	}

	return StatsSnapshot{
		Published:           s.published,
		Consumed:            s.consumed,
		ActiveSubscriptions: activeSubscriptions,
		AvgLatencyMs:        avg,
		ThroughputPerSec:    s.lastThroughput,
	}
}
