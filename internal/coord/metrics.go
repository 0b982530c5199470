package coord

import (
	"sync/atomic"
	"time"
)

// Metrics holds the coordinator's rolling throughput counters. All fields
// are atomics; snapshots are cheap enough for every GetStatus call. The
// coordinator mirrors the counters into the store periodically so they
// survive restart.
type Metrics struct {
	startedAt time.Time

	Scheduled         atomic.Int64
	Admitted          atomic.Int64
	Completed         atomic.Int64
	Aborted           atomic.Int64
	ConflictsDetected atomic.Int64
	ConflictsResolved atomic.Int64
	LockWaits         atomic.Int64
	LeaseReclaims     atomic.Int64
	TokensSpent       atomic.Int64
}

// NewMetrics starts the throughput clock.
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// MetricsSnapshot is a point-in-time copy for status reporting.
type MetricsSnapshot struct {
	Uptime            time.Duration `json:"uptime"`
	Scheduled         int64         `json:"scheduled"`
	Admitted          int64         `json:"admitted"`
	Completed         int64         `json:"completed"`
	Aborted           int64         `json:"aborted"`
	ConflictsDetected int64         `json:"conflicts_detected"`
	ConflictsResolved int64         `json:"conflicts_resolved"`
	LockWaits         int64         `json:"lock_waits"`
	LeaseReclaims     int64         `json:"lease_reclaims"`
	TokensSpent       int64         `json:"tokens_spent"`
	// CyclesPerHour is completed throughput normalized to an hour.
	CyclesPerHour float64 `json:"cycles_per_hour"`
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startedAt)
	completed := m.Completed.Load()

	perHour := 0.0
	if uptime > 0 {
		perHour = float64(completed) / uptime.Hours()
	}

	return MetricsSnapshot{
		Uptime:            uptime,
		Scheduled:         m.Scheduled.Load(),
		Admitted:          m.Admitted.Load(),
		Completed:         completed,
		Aborted:           m.Aborted.Load(),
		ConflictsDetected: m.ConflictsDetected.Load(),
		ConflictsResolved: m.ConflictsResolved.Load(),
		LockWaits:         m.LockWaits.Load(),
		LeaseReclaims:     m.LeaseReclaims.Load(),
		TokensSpent:       m.TokensSpent.Load(),
		CyclesPerHour:     perHour,
	}
}

// counters returns the store-persisted counter set.
func (m *Metrics) counters() map[string]int64 {
	return map[string]int64{
		"cycles_scheduled":   m.Scheduled.Load(),
		"cycles_admitted":    m.Admitted.Load(),
		"cycles_completed":   m.Completed.Load(),
		"cycles_aborted":     m.Aborted.Load(),
		"conflicts_detected": m.ConflictsDetected.Load(),
		"conflicts_resolved": m.ConflictsResolved.Load(),
		"lock_waits":         m.LockWaits.Load(),
		"lease_reclaims":     m.LeaseReclaims.Load(),
		"tokens_spent":       m.TokensSpent.Load(),
	}
}
