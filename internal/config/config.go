// Package config implements TOML configuration loading, defaulting, and
// validation for cyclecoord. Layering is defaults -> config file -> CLI
// flags; unknown keys in the file produce warnings rather than errors so
// configs stay forward-compatible.
package config

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Coordinator CoordinatorConfig     `toml:"coordinator"`
	Locks       LocksConfig           `toml:"locks"`
	Pools       map[string]PoolConfig `toml:"pools"`
	Budget      BudgetConfig          `toml:"budget"`
	Conflicts   ConflictsConfig       `toml:"conflicts"`
	Approval    ApprovalConfig        `toml:"approval"`
	Events      EventsConfig          `toml:"events"`
	Store       StoreConfig           `toml:"store"`
	Logging     LoggingConfig         `toml:"logging"`
}

// CoordinatorConfig bounds the scheduling loop.
type CoordinatorConfig struct {
	MaxConcurrentCycles int    `toml:"max_concurrent_cycles"`
	TickInterval        string `toml:"tick_interval"`
	FailureThreshold    int    `toml:"failure_threshold"`
	FailureCooldown     string `toml:"failure_cooldown"`
	WorkspaceRoot       string `toml:"workspace_root"` // empty disables the workspace observer
}

// LocksConfig tunes the lock manager. The acquisition timeout should stay
// in the low seconds so a blocked batch never stalls the scheduling tick.
type LocksConfig struct {
	AcquireTimeout   string `toml:"acquire_timeout"`
	LeaseTTL         string `toml:"lease_ttl"`
	WatchdogInterval string `toml:"watchdog_interval"`
	Retries          int    `toml:"retries"`
}

// PoolConfig bounds one typed agent pool. Watermarks are utilization
// fractions in [0,1].
type PoolConfig struct {
	Min            int     `toml:"min"`
	Max            int     `toml:"max"`
	HighWatermark  float64 `toml:"high_watermark"`
	LowWatermark   float64 `toml:"low_watermark"`
	IdleTimeout    string  `toml:"idle_timeout"`
	AcquireTimeout string  `toml:"acquire_timeout"`
}

// BudgetConfig sizes the shared token budget.
type BudgetConfig struct {
	TotalTokens   int64 `toml:"total_tokens"`
	HistoryWindow int   `toml:"history_window"`
}

// ConflictsConfig overrides resolution strategy per conflict type, e.g.
// dependency-unmet = "manual".
type ConflictsConfig struct {
	Strategies map[string]string `toml:"strategies"`
}

// ApprovalConfig controls the human commit gate. Mode is the fallback
// applied when the approver times out: "pause" or "auto_approve".
type ApprovalConfig struct {
	Mode    string `toml:"mode"`
	Timeout string `toml:"timeout"`
}

// EventsConfig controls the websocket event feed.
type EventsConfig struct {
	FeedAddr   string `toml:"feed_addr"` // empty disables the feed
	BufferSize int    `toml:"buffer_size"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls log output: level is debug/info/warn/error,
// format is auto/text/json ("auto" picks text on a TTY, json otherwise).
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}
