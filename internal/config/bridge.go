package config

import (
	"time"

	"github.com/cyclecoord/cyclecoord/internal/coord"
)

// Engine converts a validated Config into the engine's runtime config.
// All duration strings were checked by Validate, so parse errors here
// would indicate a bug; they are swallowed into zero values the engine
// replaces with its own floor defaults.
func (c *Config) Engine() coord.Config {
	out := coord.Config{
		MaxConcurrentCycles: c.Coordinator.MaxConcurrentCycles,
		TickInterval:        duration(c.Coordinator.TickInterval),
		LockTimeout:         duration(c.Locks.AcquireTimeout),
		LeaseTTL:            duration(c.Locks.LeaseTTL),
		WatchdogInterval:    duration(c.Locks.WatchdogInterval),
		LockRetries:         c.Locks.Retries,
		TotalTokenBudget:    c.Budget.TotalTokens,
		HistoryWindow:       c.Budget.HistoryWindow,
		ApprovalMode:        coord.ApprovalMode(c.Approval.Mode),
		ApprovalTimeout:     duration(c.Approval.Timeout),
		FailureThreshold:    c.Coordinator.FailureThreshold,
		FailureCooldown:     duration(c.Coordinator.FailureCooldown),
		Pools:               make(map[string]coord.PoolBounds, len(c.Pools)),
		Strategies:          make(map[coord.ConflictType]coord.Strategy, len(c.Conflicts.Strategies)),
	}

	var maxAcquire time.Duration
	for name, pool := range c.Pools {
		acquire := duration(pool.AcquireTimeout)
		if acquire > maxAcquire {
			maxAcquire = acquire
		}
		out.Pools[name] = coord.PoolBounds{
			Min:            pool.Min,
			Max:            pool.Max,
			HighWatermark:  pool.HighWatermark,
			LowWatermark:   pool.LowWatermark,
			IdleTimeout:    duration(pool.IdleTimeout),
			AcquireTimeout: acquire,
		}
	}
	out.AgentAcquireTimeout = maxAcquire

	for typ, strategy := range c.Conflicts.Strategies {
		out.Strategies[coord.ConflictType(typ)] = coord.Strategy(strategy)
	}
	return out
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
