// Package testutil provides shared test environment helpers for E2E
// tests. It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigOpts parameterizes WriteConfig.
type ConfigOpts struct {
	StorePath      string
	MaxConcurrent  int
	TickInterval   string
	TotalTokens    int64
	ApprovalMode   string
	FeedAddr       string // empty disables the websocket feed
	WorkspaceRoot  string // empty disables the workspace observer
	LogLevel       string
	AgentPools     []string
	PoolMin        int
	PoolMax        int
	AcquireTimeout string
}

// WriteConfig writes a cyclecoord config file to dir and returns its path.
// Zero-value fields fall back to settings that keep E2E runs fast and
// non-interactive.
func WriteConfig(dir string, opts ConfigOpts) (string, error) {
	if opts.StorePath == "" {
		opts.StorePath = filepath.Join(dir, "cyclecoord.db")
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 4
	}
	if opts.TickInterval == "" {
		opts.TickInterval = "20ms"
	}
	if opts.TotalTokens == 0 {
		opts.TotalTokens = 1_000_000
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = "auto_approve"
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "warn"
	}
	if len(opts.AgentPools) == 0 {
		opts.AgentPools = []string{"coder", "tester"}
	}
	if opts.PoolMin == 0 {
		opts.PoolMin = 1
	}
	if opts.PoolMax == 0 {
		opts.PoolMax = 4
	}
	if opts.AcquireTimeout == "" {
		opts.AcquireTimeout = "5s"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[coordinator]\n")
	fmt.Fprintf(&b, "max_concurrent_cycles = %d\n", opts.MaxConcurrent)
	fmt.Fprintf(&b, "tick_interval = %q\n", opts.TickInterval)
	if opts.WorkspaceRoot != "" {
		fmt.Fprintf(&b, "workspace_root = %q\n", opts.WorkspaceRoot)
	}
	fmt.Fprintf(&b, "\n[budget]\ntotal_tokens = %d\n", opts.TotalTokens)
	fmt.Fprintf(&b, "\n[approval]\nmode = %q\ntimeout = \"1s\"\n", opts.ApprovalMode)
	fmt.Fprintf(&b, "\n[store]\npath = %q\n", opts.StorePath)
	fmt.Fprintf(&b, "\n[logging]\nlevel = %q\nformat = \"json\"\n", opts.LogLevel)
	if opts.FeedAddr != "" {
		fmt.Fprintf(&b, "\n[events]\nfeed_addr = %q\n", opts.FeedAddr)
	}
	for _, pool := range opts.AgentPools {
		fmt.Fprintf(&b, "\n[pools.%s]\n", pool)
		fmt.Fprintf(&b, "min = %d\nmax = %d\n", opts.PoolMin, opts.PoolMax)
		fmt.Fprintf(&b, "high_watermark = 0.8\nlow_watermark = 0.3\n")
		fmt.Fprintf(&b, "idle_timeout = \"2m\"\n")
		fmt.Fprintf(&b, "acquire_timeout = %q\n", opts.AcquireTimeout)
	}

	path := filepath.Join(dir, "cyclecoord.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Story describes one backlog entry for WriteStories.
type Story struct {
	ID          string
	Title       string
	Priority    int
	DependsOn   []string
	Mutates     []string
	Reads       []string
	Tests       []string
	AgentTypes  []string
	PhaseMs     int
	PhaseTokens int64
	FailAt      string
}

// WriteStories writes a story backlog file to dir and returns its path.
func WriteStories(dir string, stories []Story) (string, error) {
	var b strings.Builder
	for _, s := range stories {
		fmt.Fprintf(&b, "[[story]]\n")
		fmt.Fprintf(&b, "id = %q\n", s.ID)
		if s.Title != "" {
			fmt.Fprintf(&b, "title = %q\n", s.Title)
		}
		if s.Priority != 0 {
			fmt.Fprintf(&b, "priority = %d\n", s.Priority)
		}
		writeList(&b, "depends_on", s.DependsOn)
		writeList(&b, "mutates", s.Mutates)
		writeList(&b, "reads", s.Reads)
		writeList(&b, "tests", s.Tests)
		writeList(&b, "agent_types", s.AgentTypes)
		if s.PhaseMs != 0 {
			fmt.Fprintf(&b, "phase_ms = %d\n", s.PhaseMs)
		}
		if s.PhaseTokens != 0 {
			fmt.Fprintf(&b, "phase_tokens = %d\n", s.PhaseTokens)
		}
		if s.FailAt != "" {
			fmt.Fprintf(&b, "fail_at = %q\n", s.FailAt)
		}
		fmt.Fprintf(&b, "\n")
	}

	path := filepath.Join(dir, "stories.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func writeList(b *strings.Builder, key string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s = [%s]\n", key, quotedSlice(items))
}

func quotedSlice(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}
	return strings.Join(quoted, ", ")
}
