package simulation

import (
	"sync"
	"time"
)

// TickStats summarises how long simulation steps took against their budget.
type TickStats struct {
	Samples  int
	Average  time.Duration
	Max      time.Duration
	Last     time.Duration
	Budget   time.Duration
	Overruns uint64
	// Skipped counts steps discarded when the loop gave up catching up.
	Skipped uint64
}

// Utilisation is the average step time as a fraction of the budget.
func (s TickStats) Utilisation() float64 {
	if s.Budget <= 0 {
		return 0
	}
	return float64(s.Average) / float64(s.Budget)
}

// TickMonitor collects step timings from a Loop.
type TickMonitor struct {
	mu    sync.Mutex
	stats TickStats
	total time.Duration
}

func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// SetBudget records the fixed step duration overruns are measured against.
func (m *TickMonitor) SetBudget(step time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stats.Budget = step
	m.mu.Unlock()
}

// Observe records the wall time of one completed step.
func (m *TickMonitor) Observe(elapsed time.Duration) {
	if m == nil || elapsed <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Samples++
	m.total += elapsed
	m.stats.Last = elapsed
	if elapsed > m.stats.Max {
		m.stats.Max = elapsed
	}
	if m.stats.Budget > 0 && elapsed > m.stats.Budget {
		m.stats.Overruns++
	}
}

// ObserveSkipped records steps the loop dropped from its backlog.
func (m *TickMonitor) ObserveSkipped(steps int) {
	if m == nil || steps <= 0 {
		return
	}
	m.mu.Lock()
	m.stats.Skipped += uint64(steps)
	m.mu.Unlock()
}

// Snapshot returns the current aggregate.
func (m *TickMonitor) Snapshot() TickStats {
	if m == nil {
		return TickStats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	if out.Samples > 0 {
		out.Average = m.total / time.Duration(out.Samples)
	}
	return out
}

// Reset clears every counter but keeps the budget.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stats = TickStats{Budget: m.stats.Budget}
	m.total = 0
	m.mu.Unlock()
}
