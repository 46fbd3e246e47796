package cache

import (
	"sync/atomic"
	"time"
)

// Metrics holds the cache counters. All fields are updated atomically.
type Metrics struct {
	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	deletes       atomic.Int64
	invalidations atomic.Int64
	errors        atomic.Int64

	// response time running average
	observations atomic.Int64
	totalNanos   atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Hits            int64
	Misses          int64
	Sets            int64
	Deletes         int64
	Invalidations   int64
	Errors          int64
	HitRate         float64
	AvgResponseTime time.Duration
}

func (m *Metrics) observe(start time.Time) {
	m.observations.Add(1)
	m.totalNanos.Add(time.Since(start).Nanoseconds())
}

func (m *Metrics) snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Sets:          m.sets.Load(),
		Deletes:       m.deletes.Load(),
		Invalidations: m.invalidations.Load(),
		Errors:        m.errors.Load(),
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	if n := m.observations.Load(); n > 0 {
		snap.AvgResponseTime = time.Duration(m.totalNanos.Load() / n)
	}
	return snap
}
