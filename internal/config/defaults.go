package config

// DefaultConfig returns the configuration used when no file is present.
// Every loaded config starts from here; file values overwrite fields they
// name and leave the rest alone.
func DefaultConfig() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			MaxConcurrentCycles: 4,
			TickInterval:        "1s",
			FailureThreshold:    3,
			FailureCooldown:     "10m",
		},
		Locks: LocksConfig{
			AcquireTimeout:   "5s",
			LeaseTTL:         "2m",
			WatchdogInterval: "1s",
			Retries:          4,
		},
		Pools: map[string]PoolConfig{
			"coder": {
				Min:            1,
				Max:            4,
				HighWatermark:  0.8,
				LowWatermark:   0.3,
				IdleTimeout:    "2m",
				AcquireTimeout: "30s",
			},
			"tester": {
				Min:            1,
				Max:            4,
				HighWatermark:  0.8,
				LowWatermark:   0.3,
				IdleTimeout:    "2m",
				AcquireTimeout: "30s",
			},
		},
		Budget: BudgetConfig{
			TotalTokens:   1_000_000,
			HistoryWindow: 32,
		},
		Conflicts: ConflictsConfig{
			Strategies: map[string]string{},
		},
		Approval: ApprovalConfig{
			Mode:    "pause",
			Timeout: "10m",
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Store: StoreConfig{
			Path: "cyclecoord.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
