package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cyclecoord/cyclecoord/internal/coord"
)

// storyFile is the TOML document accepted by `run --stories`.
type storyFile struct {
	Stories []storyEntry `toml:"story"`
}

// storyEntry is one [[story]] block. Phase timing and token cost drive the
// scripted work unit standing in for a real agent-driven cycle.
type storyEntry struct {
	ID         string   `toml:"id"`
	Title      string   `toml:"title"`
	Priority   int      `toml:"priority"`
	DependsOn  []string `toml:"depends_on"`
	Mutates    []string `toml:"mutates"`
	Reads      []string `toml:"reads"`
	Tests      []string `toml:"tests"`
	AgentTypes []string `toml:"agent_types"`

	PhaseMs     int    `toml:"phase_ms"`
	PhaseTokens int64  `toml:"phase_tokens"`
	FailAt      string `toml:"fail_at"`
}

func newRunCmd() *cobra.Command {
	var storiesPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an execution over a story backlog",
		Long:  "Schedules every story in the backlog file as a TDD cycle and runs them to completion under the configured concurrency, lock, and budget limits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExecution(cmd.Context(), storiesPath)
		},
	}

	cmd.Flags().StringVar(&storiesPath, "stories", "", "story backlog file (TOML)")
	_ = cmd.MarkFlagRequired("stories")

	return cmd
}

func runExecution(parent context.Context, storiesPath string) error {
	logger := effectiveLogger()

	stories, err := loadStories(storiesPath)
	if err != nil {
		return err
	}
	if len(stories.Stories) == 0 {
		return fmt.Errorf("no stories in %s", storiesPath)
	}

	store, err := coord.NewStore(resolvedCfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	units := make(map[string]*coord.ScriptedWorkUnit, len(stories.Stories))
	factory := func(story coord.Story) (coord.WorkUnit, error) {
		unit, ok := units[story.ID]
		if !ok {
			return nil, fmt.Errorf("no backlog entry for story %s", story.ID)
		}
		return unit, nil
	}

	c, err := coord.NewCoordinator(resolvedCfg.Engine(), coord.Deps{
		Approver:  newConsoleApprover(logger),
		Agents:    func(agentType string) (coord.Agent, error) { return nopAgent{}, nil },
		WorkUnits: factory,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}

	srv := startFeed(c, logger)
	if srv != nil {
		defer func() { _ = srv.Close() }()
	}
	startObserver(ctx, c, logger)

	// Subscribe before scheduling so no terminal event is missed.
	sub := c.Subscribe("cycle.*", 256)
	defer sub.Close()

	for _, entry := range stories.Stories {
		story, unit := entry.build()
		units[story.ID] = unit
		if _, err := c.ScheduleCycle(story); err != nil {
			logger.Error("scheduling failed",
				slog.String("story", story.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	waitDone(ctx, c, sub)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return printStatus(shutdownCtx, c)
}

// waitDone blocks until every cycle is terminal or ctx is cancelled.
// Terminal events trigger the check; the ticker covers cycles that pause
// without emitting one.
func waitDone(ctx context.Context, c *coord.Coordinator, sub *coord.Subscription) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if c.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		}
	}
}

func loadStories(path string) (*storyFile, error) {
	var stories storyFile
	if _, err := toml.DecodeFile(path, &stories); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &stories, nil
}

func (e storyEntry) build() (coord.Story, *coord.ScriptedWorkUnit) {
	resources := coord.ResourceSet{
		Mutates: e.Mutates,
		Reads:   e.Reads,
		Tests:   e.Tests,
	}
	agentTypes := e.AgentTypes
	if len(agentTypes) == 0 {
		agentTypes = []string{"coder"}
	}

	unit := coord.NewScriptedWorkUnit(resources)
	unit.PhaseDelay = time.Duration(e.PhaseMs) * time.Millisecond
	unit.PhaseTokens = e.PhaseTokens
	unit.FailAt = coord.Phase(e.FailAt)

	return coord.Story{
		ID:         e.ID,
		Title:      e.Title,
		Priority:   e.Priority,
		DependsOn:  e.DependsOn,
		Resources:  resources,
		AgentTypes: agentTypes,
	}, unit
}

// startFeed serves the websocket event feed when events.feed_addr is set.
func startFeed(c *coord.Coordinator, logger *slog.Logger) *http.Server {
	addr := resolvedCfg.Events.FeedAddr
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/events", coord.NewFeed(c.Bus(), logger))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("event feed listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("event feed stopped", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// startObserver watches the workspace for out-of-band edits when
// coordinator.workspace_root is set.
func startObserver(ctx context.Context, c *coord.Coordinator, logger *slog.Logger) {
	root := resolvedCfg.Coordinator.WorkspaceRoot
	if root == "" {
		return
	}

	obs := coord.NewWorkspaceObserver(root, c.Locks(), func(conflict coord.Conflict) {
		c.ReportConflict(conflict)
	}, logger)
	go func() {
		if err := obs.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("workspace observer stopped", slog.String("error", err.Error()))
		}
	}()
}

// nopAgent satisfies the pool's worker interface for scripted runs, where
// the work units themselves produce phase results.
type nopAgent struct{}

func (nopAgent) Invoke(ctx context.Context, task string) (string, error) { return "", nil }

// consoleApprover prompts on the terminal for commit approval. When stdin
// is not a terminal it approves immediately, so piped runs never hang.
type consoleApprover struct {
	logger      *slog.Logger
	interactive bool
}

func newConsoleApprover(logger *slog.Logger) *consoleApprover {
	return &consoleApprover{
		logger:      logger,
		interactive: isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
	}
}

func (a *consoleApprover) RequestApproval(ctx context.Context, cycleID string, phase coord.Phase, priority int, timeout time.Duration) (coord.Decision, error) {
	if !a.interactive {
		a.logger.Info("auto-approving commit (non-interactive)", slog.String("cycle", cycleID))
		return coord.DecisionApproved, nil
	}

	fmt.Fprintf(os.Stderr, "Cycle %s (priority %d) is ready to %s. Approve? [y/N] ", cycleID, priority, phase)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answer <- strings.TrimSpace(strings.ToLower(line))
	}()

	select {
	case <-ctx.Done():
		return coord.DecisionTimeout, ctx.Err()
	case <-time.After(timeout):
		return coord.DecisionTimeout, nil
	case line := <-answer:
		if line == "y" || line == "yes" {
			return coord.DecisionApproved, nil
		}
		return coord.DecisionRejected, nil
	}
}
