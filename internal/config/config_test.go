package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclecoord/cyclecoord/internal/coord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cyclecoord.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- load tests ---

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[coordinator]
max_concurrent_cycles = 8

[budget]
total_tokens = 250000

[approval]
mode = "auto_approve"
`)

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Coordinator.MaxConcurrentCycles)
	assert.Equal(t, int64(250_000), cfg.Budget.TotalTokens)
	assert.Equal(t, "auto_approve", cfg.Approval.Mode)

	// Fields the file does not name keep their defaults.
	assert.Equal(t, "1s", cfg.Coordinator.TickInterval)
	assert.Equal(t, 32, cfg.Budget.HistoryWindow)
	assert.Equal(t, "5s", cfg.Locks.AcquireTimeout)
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[coordinator\nmax = nope")
	_, err := Load(path, testLogger())
	require.Error(t, err)
}

func TestLoad_InvalidValueRejected(t *testing.T) {
	path := writeConfig(t, `
[coordinator]
tick_interval = "not-a-duration"
`)
	_, err := Load(path, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
}

func TestMustStat_MissingAndDirectory(t *testing.T) {
	require.Error(t, MustStat(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, MustStat(t.TempDir()))

	path := writeConfig(t, "")
	require.NoError(t, MustStat(path))
}

// --- validation tests ---

func TestValidate_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Coordinator.MaxConcurrentCycles = 0 }},
		{"bad cooldown", func(c *Config) { c.Coordinator.FailureCooldown = "soon" }},
		{"negative retries", func(c *Config) { c.Locks.Retries = -1 }},
		{"zero budget", func(c *Config) { c.Budget.TotalTokens = 0 }},
		{"inverted watermarks", func(c *Config) {
			p := c.Pools["coder"]
			p.HighWatermark, p.LowWatermark = 0.2, 0.8
			c.Pools["coder"] = p
		}},
		{"min above max", func(c *Config) {
			p := c.Pools["coder"]
			p.Min, p.Max = 5, 2
			c.Pools["coder"] = p
		}},
		{"unknown approval mode", func(c *Config) { c.Approval.Mode = "ask-twice" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"unknown conflict type", func(c *Config) { c.Conflicts.Strategies = map[string]string{"cosmic": "merge"} }},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

// --- engine bridge tests ---

func TestEngine_ConvertsDurationsAndPools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coordinator.TickInterval = "250ms"
	cfg.Locks.LeaseTTL = "90s"
	cfg.Conflicts.Strategies = map[string]string{"resource-overlap": "merge"}

	ec := cfg.Engine()

	assert.Equal(t, 250*time.Millisecond, ec.TickInterval)
	assert.Equal(t, 90*time.Second, ec.LeaseTTL)
	assert.Equal(t, int64(1_000_000), ec.TotalTokenBudget)
	assert.Equal(t, coord.ApprovalPause, ec.ApprovalMode)
	assert.Equal(t, coord.StrategyMerge, ec.Strategies[coord.ConflictResourceOverlap])

	coder, ok := ec.Pools["coder"]
	require.True(t, ok)
	assert.Equal(t, 1, coder.Min)
	assert.Equal(t, 4, coder.Max)
	assert.Equal(t, 2*time.Minute, coder.IdleTimeout)
	assert.Equal(t, 30*time.Second, coder.AcquireTimeout)
}

func TestEngine_AgentAcquireTimeoutIsPoolMaximum(t *testing.T) {
	cfg := DefaultConfig()
	slow := cfg.Pools["tester"]
	slow.AcquireTimeout = "2m"
	cfg.Pools["tester"] = slow

	ec := cfg.Engine()
	assert.Equal(t, 2*time.Minute, ec.AgentAcquireTimeout)
}
