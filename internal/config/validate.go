package config

import (
	"fmt"
	"time"
)

// Validate checks ranges and duration syntax. It is called by Load after
// decoding and may be called again after CLI overrides are applied.
func (c *Config) Validate() error {
	if c.Coordinator.MaxConcurrentCycles < 1 {
		return fmt.Errorf("config: coordinator.max_concurrent_cycles must be at least 1")
	}
	if c.Coordinator.FailureThreshold < 1 {
		return fmt.Errorf("config: coordinator.failure_threshold must be at least 1")
	}
	durations := map[string]string{
		"coordinator.tick_interval":    c.Coordinator.TickInterval,
		"coordinator.failure_cooldown": c.Coordinator.FailureCooldown,
		"locks.acquire_timeout":        c.Locks.AcquireTimeout,
		"locks.lease_ttl":              c.Locks.LeaseTTL,
		"locks.watchdog_interval":      c.Locks.WatchdogInterval,
		"approval.timeout":             c.Approval.Timeout,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}

	if c.Locks.Retries < 0 {
		return fmt.Errorf("config: locks.retries must not be negative")
	}
	if c.Budget.TotalTokens < 1 {
		return fmt.Errorf("config: budget.total_tokens must be positive")
	}
	if c.Budget.HistoryWindow < 1 {
		return fmt.Errorf("config: budget.history_window must be at least 1")
	}

	for name, pool := range c.Pools {
		if pool.Min < 0 || pool.Max < 1 || pool.Min > pool.Max {
			return fmt.Errorf("config: pools.%s: need 0 <= min <= max and max >= 1", name)
		}
		if pool.HighWatermark <= pool.LowWatermark {
			return fmt.Errorf("config: pools.%s: high_watermark must exceed low_watermark", name)
		}
		if pool.HighWatermark > 1 || pool.LowWatermark < 0 {
			return fmt.Errorf("config: pools.%s: watermarks must be within [0,1]", name)
		}
		for key, value := range map[string]string{"idle_timeout": pool.IdleTimeout, "acquire_timeout": pool.AcquireTimeout} {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("config: pools.%s.%s: %w", name, key, err)
			}
		}
	}

	switch c.Approval.Mode {
	case "pause", "auto_approve":
	default:
		return fmt.Errorf("config: approval.mode must be pause or auto_approve, got %q", c.Approval.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be auto, text, or json, got %q", c.Logging.Format)
	}

	for typ := range c.Conflicts.Strategies {
		switch typ {
		case "resource-overlap", "resource-contention", "test-collision", "dependency-unmet", "semantic":
		default:
			return fmt.Errorf("config: conflicts.strategies: unknown conflict type %q", typ)
		}
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("config: events.buffer_size must be at least 1")
	}
	return nil
}
