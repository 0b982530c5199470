package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Config is the coordinator's runtime configuration, assembled by the
// config package from file, environment, and flags.
type Config struct {
	MaxConcurrentCycles int
	TickInterval        time.Duration

	LockTimeout      time.Duration
	LeaseTTL         time.Duration
	WatchdogInterval time.Duration
	LockRetries      int

	AgentAcquireTimeout time.Duration
	Pools               map[string]PoolBounds

	TotalTokenBudget int64
	HistoryWindow    int

	Strategies map[ConflictType]Strategy

	ApprovalMode    ApprovalMode
	ApprovalTimeout time.Duration

	FailureThreshold int
	FailureCooldown  time.Duration
}

// WorkUnitFactory builds the opaque work unit for a story. The coordinator
// keeps only the returned handle.
type WorkUnitFactory func(story Story) (WorkUnit, error)

// Deps are the external collaborators injected into a Coordinator.
type Deps struct {
	Approver  Approver
	Agents    AgentFactory
	WorkUnits WorkUnitFactory
	Store     *Store
	Logger    *slog.Logger
}

// pauseGate blocks a cycle's executor at phase boundaries. Paused means a
// non-nil blocked channel; resume closes it, waking every waiter at once.
type pauseGate struct {
	mu      sync.Mutex
	blocked chan struct{}
	reason  string
}

func (g *pauseGate) pause(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked == nil {
		g.blocked = make(chan struct{})
		g.reason = reason
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked != nil {
		close(g.blocked)
		g.blocked = nil
		g.reason = ""
	}
}

func (g *pauseGate) pausedReason() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason, g.blocked != nil
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.blocked
	g.mu.Unlock()

	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator composes the managers, owns canonical per-cycle state, runs
// the scheduling loop, and exposes the external API. One Coordinator per
// execution.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	locks     *LockManager
	pools     *PoolManager
	budget    *BudgetAllocator
	detector  *Detector
	resolver  *Resolver
	scheduler *Scheduler
	sync      *Synchronizer
	bus       *Bus
	metrics   *Metrics

	executionID string

	mu          sync.Mutex
	cycles      map[string]*Cycle
	units       map[string]WorkUnit
	gates       map[string]*pauseGate
	cancels     map[string]context.CancelFunc
	abortReason map[string]string
	resumeAfter map[string][]string // completed cycle id → cycles to resume
	closed      bool

	failures *failureTracker

	wake    chan struct{}
	runCtx  context.Context
	stopRun context.CancelFunc
	g       *errgroup.Group
	loopWG  sync.WaitGroup
}

// NewCoordinator builds an unstarted coordinator. Call Start to create the
// execution record and launch the scheduling loop.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("coord: coordinator needs a store")
	}
	if deps.WorkUnits == nil {
		return nil, errors.New("coord: coordinator needs a work-unit factory")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConcurrentCycles < 1 {
		cfg.MaxConcurrentCycles = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}

	c := &Coordinator{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		executionID: uuid.NewString(),
		cycles:      make(map[string]*Cycle),
		units:       make(map[string]WorkUnit),
		gates:       make(map[string]*pauseGate),
		cancels:     make(map[string]context.CancelFunc),
		abortReason: make(map[string]string),
		resumeAfter: make(map[string][]string),
		wake:        make(chan struct{}, 1),
		failures:    newFailureTracker(cfg.FailureThreshold, cfg.FailureCooldown, deps.Logger),
		metrics:     NewMetrics(),
		bus:         NewBus(deps.Logger),
		scheduler:   NewScheduler(),
	}

	c.locks = NewLockManager(cfg.LeaseTTL, cfg.WatchdogInterval, deps.Logger)
	c.budget = NewBudgetAllocator(cfg.TotalTokenBudget, cfg.HistoryWindow, deps.Logger)
	c.detector = NewDetector(c.isCompleted, deps.Logger)
	c.resolver = NewResolver(cfg.Strategies, c, deps.Logger)

	pools, err := NewPoolManager(cfg.Pools, deps.Agents, deps.Logger)
	if err != nil {
		return nil, err
	}
	c.pools = pools
	c.pools.OnEvent(c.onPoolEvent)

	c.locks.OnContention(c.onContention)
	c.locks.OnReclaim(c.onReclaim)

	c.sync = NewSynchronizer(
		c.locks, c.budget, c, deps.Approver,
		cfg.ApprovalMode, cfg.ApprovalTimeout,
		cfg.LockTimeout, cfg.LockRetries, deps.Logger,
	)

	return c, nil
}

// StartExecution builds a coordinator, schedules the given stories, and
// starts the scheduling loop. The returned Coordinator is the execution
// handle.
func StartExecution(ctx context.Context, stories []Story, cfg Config, deps Deps) (*Coordinator, error) {
	c, err := NewCoordinator(cfg, deps)
	if err != nil {
		return nil, err
	}

	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	for _, story := range stories {
		if _, err := c.ScheduleCycle(story); err != nil {
			c.logger.Error("scheduling story failed",
				slog.String("story", story.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return c, nil
}

// Start creates the execution record, launches the lock watchdog and the
// scheduling loop.
func (c *Coordinator) Start(ctx context.Context) error {
	cfgJSON, err := json.Marshal(map[string]any{
		"max_concurrent_cycles": c.cfg.MaxConcurrentCycles,
		"total_token_budget":    c.cfg.TotalTokenBudget,
	})
	if err != nil {
		return fmt.Errorf("coord: encoding execution config: %w", err)
	}

	if err := c.deps.Store.CreateExecution(ctx, c.executionID, time.Now(), string(cfgJSON)); err != nil {
		return err
	}

	c.runCtx, c.stopRun = context.WithCancel(ctx)
	c.g, _ = errgroup.WithContext(c.runCtx)

	c.locks.Start(c.runCtx)

	c.loopWG.Add(1)
	go c.runLoop()

	c.logger.Info("coordinator started",
		slog.String("execution", c.executionID),
		slog.Int("max_concurrent", c.cfg.MaxConcurrentCycles),
	)
	return nil
}

// ExecutionID returns the persistent execution identity.
func (c *Coordinator) ExecutionID() string { return c.executionID }

// Bus exposes the event bus, e.g. for wiring the websocket feed.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Locks exposes the lock manager for collaborators that only read holder
// state, such as the workspace observer.
func (c *Coordinator) Locks() *LockManager { return c.locks }

// ReportConflict routes an externally observed conflict into the engine.
// The involved cycles are paused and the conflict is escalated; observer
// conflicts carry no static resolution signal, so a human decides.
func (c *Coordinator) ReportConflict(conflict Conflict) {
	c.metrics.ConflictsDetected.Add(1)

	if err := c.deps.Store.RecordConflict(context.Background(), c.executionID, conflict); err != nil {
		c.logger.Error("recording observed conflict failed",
			slog.String("conflict", conflict.ID),
			slog.String("error", err.Error()),
		)
	}

	for _, cycleID := range conflict.Cycles {
		c.setConflictStatus(cycleID, ConflictActive)
		if err := c.PauseCycle(cycleID, "observed conflict "+conflict.ID); err != nil {
			c.logger.Warn("pausing cycle for observed conflict failed",
				slog.String("cycle", cycleID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.Escalate(conflict)
}

// Subscribe attaches an event consumer matching the given glob pattern.
func (c *Coordinator) Subscribe(pattern string, buffer int) *Subscription {
	return c.bus.Subscribe(pattern, buffer)
}

// ScheduleCycle admits a story into the dependency graph and creates its
// PENDING cycle. Returns ErrSchedulingConflict for duplicate or suppressed
// stories and ErrDependencyCycle when a dependency edge would close a
// cycle (the graph is left unchanged).
func (c *Coordinator) ScheduleCycle(story Story) (*Cycle, error) {
	if story.Priority < 1 {
		story.Priority = 1
	}
	if story.Priority > 10 {
		story.Priority = 10
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrExecutionClosed
	}

	for _, existing := range c.cycles {
		if existing.Story.ID == story.ID && !existing.State.Terminal() {
			c.mu.Unlock()
			return nil, fmt.Errorf("coord: story %s already active as cycle %s: %w",
				story.ID, existing.ID, ErrSchedulingConflict)
		}
	}
	c.mu.Unlock()

	if c.failures.shouldSuppress(story.ID) {
		return nil, fmt.Errorf("coord: story %s suppressed after repeated aborts: %w",
			story.ID, ErrSchedulingConflict)
	}

	wu, err := c.deps.WorkUnits(story)
	if err != nil {
		return nil, fmt.Errorf("coord: building work unit for story %s: %w", story.ID, err)
	}

	cycle := &Cycle{
		ID:          uuid.NewString(),
		Story:       story,
		State:       StatePending,
		Phase:       wu.CurrentPhase(),
		Conflict:    ConflictNone,
		TxID:        uuid.NewString(),
		ScheduledAt: time.Now(),
	}

	c.scheduler.Add(cycle.ID)
	for _, dep := range story.DependsOn {
		depCycle, ok := c.activeCycleForStory(dep)
		if !ok {
			c.scheduler.Remove(cycle.ID)
			return nil, fmt.Errorf("coord: story %s depends on unknown story %s: %w",
				story.ID, dep, ErrCycleNotFound)
		}
		if err := c.scheduler.AddDependency(cycle.ID, depCycle.ID); err != nil {
			c.scheduler.Remove(cycle.ID)
			return nil, err
		}
	}

	c.mu.Lock()
	c.cycles[cycle.ID] = cycle
	c.units[cycle.ID] = wu
	c.gates[cycle.ID] = &pauseGate{}
	c.mu.Unlock()

	c.metrics.Scheduled.Add(1)
	c.bus.Publish(Event{
		Type:    EventCycleScheduled,
		CycleID: cycle.ID,
		Data:    map[string]any{"story": story.ID, "priority": story.Priority},
	})

	c.kick()
	return cycle, nil
}

// activeCycleForStory finds the non-terminal (or completed) cycle for a
// story id; dependencies may point at completed prerequisites.
func (c *Coordinator) activeCycleForStory(storyID string) (*Cycle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cycle := range c.cycles {
		if cycle.Story.ID == storyID && cycle.State != StateAborted {
			return cycle, true
		}
	}
	return nil, false
}

// AbortCycle cancels a cycle with full rollback of locks, agents, and
// budget headroom. Idempotent for already-terminal cycles.
func (c *Coordinator) AbortCycle(cycleID, reason string) error {
	c.mu.Lock()
	cycle, ok := c.cycles[cycleID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("coord: abort %s: %w", cycleID, ErrCycleNotFound)
	}

	if cycle.State.Terminal() {
		c.mu.Unlock()
		return nil
	}

	c.abortReason[cycleID] = reason
	cancel := c.cancels[cycleID]
	c.mu.Unlock()

	if cancel != nil {
		// A live executor observes cancellation at its next suspension
		// point and finalizes the rollback itself.
		cancel()
		c.gateFor(cycleID).resume()
		return nil
	}

	// No executor behind the cycle (never admitted, or parked after an
	// escalation): finalize directly.
	c.finalizeAbort(cycleID, reason)
	return nil
}

// ResumeCycle reopens a paused cycle's gate, e.g. after a manual conflict
// decision or an approval arriving late. A parked cycle with no executor
// behind it is returned to the admission queue instead.
func (c *Coordinator) ResumeCycle(cycleID string) error {
	c.mu.Lock()
	_, ok := c.cycles[cycleID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coord: resume %s: %w", cycleID, ErrCycleNotFound)
	}

	c.requeueParked(cycleID)
	c.gateFor(cycleID).resume()
	c.kick()
	return nil
}

// detachExecutor drops a finished executor's cancel entry and returns its
// agents and locks. Park paths use it when the cycle stays non-terminal
// with no goroutine behind it; AbortCycle and ResumeCycle then act on the
// parked cycle directly.
func (c *Coordinator) detachExecutor(cycleID string) {
	c.mu.Lock()
	delete(c.cancels, cycleID)
	var agents map[string]*AgentHandle
	if cycle, ok := c.cycles[cycleID]; ok {
		agents = cycle.Agents
		cycle.Agents = nil
	}
	c.mu.Unlock()

	c.locks.ReleaseAll(cycleID)
	c.releaseAgents(cycleID, agents)
}

// requeueParked returns a non-terminal cycle with no live executor to the
// admission queue so the next tick can re-admit it. Cycles with a live
// executor are left alone; their gate wakes them instead.
func (c *Coordinator) requeueParked(cycleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle, ok := c.cycles[cycleID]
	if !ok || cycle.State.Terminal() {
		return
	}
	if _, live := c.cancels[cycleID]; live {
		return
	}
	cycle.State = StateScheduled
	if cycle.Conflict == ConflictActive || cycle.Conflict == ConflictResolving {
		cycle.Conflict = ConflictResolved
	}
}

// Status is the coordinator's externally visible state summary.
type Status struct {
	ExecutionID   string               `json:"execution_id"`
	Active        []CycleStatus        `json:"active_cycles"`
	Completed     int                  `json:"completed"`
	Aborted       int                  `json:"aborted"`
	OpenConflicts int                  `json:"open_conflicts"`
	Pools         map[string]PoolStats `json:"pools"`
	Metrics       MetricsSnapshot      `json:"metrics"`
}

// CycleStatus is one cycle's row in Status.
type CycleStatus struct {
	ID       string         `json:"id"`
	StoryID  string         `json:"story_id"`
	State    CycleState     `json:"state"`
	Phase    Phase          `json:"phase"`
	Priority int            `json:"priority"`
	Conflict ConflictStatus `json:"conflict"`
}

// GetStatus reports active cycles, terminal counts, open conflicts, and
// throughput metrics.
func (c *Coordinator) GetStatus(ctx context.Context) (*Status, error) {
	open, err := c.deps.Store.OpenConflictCount(ctx, c.executionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	st := &Status{
		ExecutionID:   c.executionID,
		OpenConflicts: open,
		Pools:         nil,
		Metrics:       c.metrics.Snapshot(),
	}
	for _, cycle := range c.cycles {
		switch {
		case cycle.State == StateCompleted:
			st.Completed++
		case cycle.State == StateAborted:
			st.Aborted++
		default:
			st.Active = append(st.Active, CycleStatus{
				ID:       cycle.ID,
				StoryID:  cycle.Story.ID,
				State:    cycle.State,
				Phase:    cycle.Phase,
				Priority: cycle.Story.Priority,
				Conflict: cycle.Conflict,
			})
		}
	}
	c.mu.Unlock()

	sort.Slice(st.Active, func(i, j int) bool { return st.Active[i].ID < st.Active[j].ID })
	st.Pools = c.pools.Stats()
	return st, nil
}

// Shutdown stops the scheduling loop, waits for executors to finish their
// rollbacks, mirrors metrics into the store, and closes the execution
// record. The store itself stays open; the caller owns it.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopRun()
	c.loopWG.Wait()
	_ = c.g.Wait()
	c.locks.Stop()

	for name, value := range c.metrics.counters() {
		if err := c.deps.Store.IncrMetric(ctx, name, value); err != nil {
			c.logger.Error("persisting metric failed",
				slog.String("metric", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := c.deps.Store.FinishExecution(ctx, c.executionID, "finished", time.Now()); err != nil {
		return err
	}

	c.logger.Info("coordinator stopped", slog.String("execution", c.executionID))
	return nil
}

// Done reports whether every scheduled cycle reached a terminal state.
func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cycle := range c.cycles {
		if !cycle.State.Terminal() {
			return false
		}
	}
	return len(c.cycles) > 0
}

// --- scheduling loop ---

// kick nudges the loop without waiting for the next tick.
func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) runLoop() {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case conflict := <-c.detector.Runtime():
			c.recordRuntimeConflict(conflict)
		case <-ticker.C:
			c.pools.Tick()
			c.admitReady()
		case <-c.wake:
			c.admitReady()
		}
	}
}

// admitReady fetches the ready set and attempts admission for each cycle,
// highest priority first, up to the concurrency bound.
func (c *Coordinator) admitReady() {
	ready := c.scheduler.Schedulable()

	c.mu.Lock()
	var candidates []*Cycle
	for _, id := range ready {
		cycle, ok := c.cycles[id]
		if !ok {
			continue
		}
		if cycle.State == StatePending || cycle.State == StateScheduled {
			candidates = append(candidates, cycle)
		}
	}
	// Only cycles with a live executor occupy a concurrency slot; parked
	// escalations awaiting an operator do not.
	running := len(c.cancels)
	c.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Story.Priority > candidates[j].Story.Priority
	})

	for _, cycle := range candidates {
		if running >= c.cfg.MaxConcurrentCycles {
			return
		}
		if c.admit(cycle) {
			running++
		}
	}
}

// admit attempts one cycle's admission: agents, tokens, then a static
// conflict screen against every running cycle, resolving what it can.
// Returns true when the cycle's executor was started.
func (c *Coordinator) admit(cycle *Cycle) bool {
	c.setState(cycle.ID, StateScheduled)

	agents, err := c.acquireAgents(cycle)
	if err != nil {
		// Recoverable resource pressure: leave the cycle SCHEDULED and let
		// the next tick retry.
		c.logger.Debug("admission deferred, agents unavailable",
			slog.String("cycle", cycle.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	c.allocateBudget()

	if !c.screenConflicts(cycle) {
		c.releaseAgents(cycle.ID, agents)
		return false
	}

	c.mu.Lock()
	if cycle.State.Terminal() {
		// Aborted between scheduling and admission.
		c.mu.Unlock()
		c.releaseAgents(cycle.ID, agents)
		return false
	}
	cycle.Agents = agents
	cycle.State = StateRunning
	cycle.StartedAt = time.Now()
	cycleCtx, cancel := context.WithCancel(c.runCtx)
	c.cancels[cycle.ID] = cancel
	c.mu.Unlock()

	c.metrics.Admitted.Add(1)
	c.bus.Publish(Event{
		Type:    EventCycleStarted,
		CycleID: cycle.ID,
		Data:    map[string]any{"story": cycle.Story.ID},
	})

	c.g.Go(func() error {
		c.runCycle(cycleCtx, cycle.ID)
		return nil
	})
	return true
}

func (c *Coordinator) acquireAgents(cycle *Cycle) (map[string]*AgentHandle, error) {
	agents := make(map[string]*AgentHandle, len(cycle.Story.AgentTypes))

	for _, agentType := range cycle.Story.AgentTypes {
		h, err := c.pools.Acquire(c.runCtx, agentType, cycle.ID, c.cfg.AgentAcquireTimeout)
		if err != nil {
			for _, held := range agents {
				c.pools.Release(held)
			}
			return nil, err
		}
		agents[agentType] = h
	}

	return agents, nil
}

func (c *Coordinator) releaseAgents(cycleID string, agents map[string]*AgentHandle) {
	for _, h := range agents {
		c.pools.Release(h)
	}

	c.mu.Lock()
	if cycle, ok := c.cycles[cycleID]; ok && len(cycle.Agents) > 0 {
		cycle.Agents = nil
	}
	c.mu.Unlock()
}

// allocateBudget recomputes quotas across every non-terminal cycle.
// Runs whenever the active set changes.
func (c *Coordinator) allocateBudget() {
	c.mu.Lock()
	var active []string
	for id, cycle := range c.cycles {
		if !cycle.State.Terminal() {
			active = append(active, id)
		}
	}
	c.mu.Unlock()

	sort.Strings(active)
	quotas := c.budget.Allocate(active, c.classOf)

	c.mu.Lock()
	for id, alloc := range quotas {
		if cycle, ok := c.cycles[id]; ok {
			cycle.Quota = alloc
		}
	}
	c.mu.Unlock()

}

// classOf buckets cycles by their agent-type mix for budget history.
func (c *Coordinator) classOf(cycleID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle, ok := c.cycles[cycleID]
	if !ok || len(cycle.Story.AgentTypes) == 0 {
		return "default"
	}

	types := append([]string(nil), cycle.Story.AgentTypes...)
	sort.Strings(types)
	return strings.Join(types, "+")
}

// screenConflicts runs static detection between the candidate and every
// running cycle, resolving what policy allows. Returns false when the
// candidate must stay unadmitted (manual escalation or failed resolution).
func (c *Coordinator) screenConflicts(cycle *Cycle) bool {
	c.mu.Lock()
	candidate := c.viewLocked(cycle.ID)
	var others []cycleView
	for id, other := range c.cycles {
		if id == cycle.ID {
			continue
		}
		if other.State == StateRunning || other.State == StatePaused ||
			other.State == StateResolving || other.State == StateConflicted {
			others = append(others, c.viewLocked(id))
		}
	}
	c.mu.Unlock()

	admit := true
	for _, other := range others {
		for _, conflict := range c.detector.DetectStatic(candidate, other) {
			if !c.handleConflict(cycle, conflict) {
				admit = false
			}
		}
	}

	if admit {
		c.setConflictStatus(cycle.ID, ConflictNone)
	}
	return admit
}

// handleConflict records and resolves one detected conflict. Returns false
// when the candidate may not be admitted this tick.
func (c *Coordinator) handleConflict(cycle *Cycle, conflict Conflict) bool {
	c.metrics.ConflictsDetected.Add(1)
	c.setConflictStatus(cycle.ID, ConflictActive)
	c.setState(cycle.ID, StateConflicted)

	if err := c.deps.Store.RecordConflict(context.Background(), c.executionID, conflict); err != nil {
		c.logger.Error("recording conflict failed",
			slog.String("conflict", conflict.ID),
			slog.String("error", err.Error()),
		)
	}

	c.bus.Publish(Event{
		Type:    EventConflictDetected,
		CycleID: cycle.ID,
		Data: map[string]any{
			"conflict":  conflict.ID,
			"type":      string(conflict.Type),
			"severity":  conflict.Severity.String(),
			"cycles":    conflict.Cycles,
			"resources": conflict.Resources,
		},
	})

	strategy := c.resolver.StrategyFor(conflict)
	if strategy == StrategyManual {
		// Escalated: the cycle stays out of the running set until a human
		// decides. The audit row stays open.
		c.Escalate(conflict)
		return false
	}

	if strategy == StrategyWait && conflict.Type == ConflictDependencyUnmet {
		// The scheduler withholds the dependent; nothing to execute here.
		c.closeConflict(conflict, strategy, "deferred to dependency scheduler")
		return false
	}

	c.setState(cycle.ID, StateResolving)
	c.setConflictStatus(cycle.ID, ConflictResolving)

	res, err := c.resolver.Resolve(context.Background(), conflict, strategy)
	if err != nil {
		c.logger.Error("conflict resolution failed",
			slog.String("conflict", conflict.ID),
			slog.String("error", err.Error()),
		)
		c.Escalate(conflict)
		return false
	}

	c.closeConflict(conflict, res.Strategy, res.Outcome)
	c.setConflictStatus(cycle.ID, ConflictResolved)
	return true
}

func (c *Coordinator) closeConflict(conflict Conflict, strategy Strategy, outcome string) {
	c.metrics.ConflictsResolved.Add(1)

	if err := c.deps.Store.ResolveConflict(context.Background(), conflict.ID, strategy, outcome, time.Now()); err != nil {
		c.logger.Error("closing conflict audit row failed",
			slog.String("conflict", conflict.ID),
			slog.String("error", err.Error()),
		)
	}

	c.bus.Publish(Event{
		Type: EventConflictResolved,
		Data: map[string]any{
			"conflict": conflict.ID,
			"strategy": string(strategy),
			"outcome":  outcome,
		},
	})
}

// recordRuntimeConflict handles contention conflicts from the detector's
// runtime stream. The lock queue already serializes the contenders, so the
// record is closed as sequential with that outcome.
func (c *Coordinator) recordRuntimeConflict(conflict Conflict) {
	c.metrics.ConflictsDetected.Add(1)
	c.metrics.LockWaits.Add(1)

	if err := c.deps.Store.RecordConflict(context.Background(), c.executionID, conflict); err != nil {
		c.logger.Error("recording runtime conflict failed",
			slog.String("conflict", conflict.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	c.bus.Publish(Event{
		Type: EventConflictDetected,
		Data: map[string]any{
			"conflict":  conflict.ID,
			"type":      string(conflict.Type),
			"severity":  conflict.Severity.String(),
			"resources": conflict.Resources,
		},
	})

	c.closeConflict(conflict, StrategySequential, "lock queue serialized access")
}

// runCycle is one cycle's executor goroutine. Failure isolation is strict:
// everything that goes wrong here finalizes only this cycle.
func (c *Coordinator) runCycle(ctx context.Context, cycleID string) {
	c.mu.Lock()
	cycle := c.cycles[cycleID]
	wu := c.units[cycleID]
	c.mu.Unlock()

	err := c.sync.RunCycle(ctx, cycleID, cycle.Story.Priority, wu)

	switch {
	case err == nil:
		c.finalizeComplete(cycleID)
	case errors.Is(err, errLockEscalation):
		c.escalateLockFailure(cycleID, err)
	case errors.Is(err, ErrStateCorrupted):
		c.haltCorrupted(cycleID, err)
	case ctx.Err() != nil:
		c.mu.Lock()
		reason := c.abortReason[cycleID]
		c.mu.Unlock()
		if reason == "" {
			reason = "execution canceled"
		}
		c.finalizeAbort(cycleID, reason)
	default:
		c.finalizeAbort(cycleID, err.Error())
	}
}

// finalizeComplete transitions a committed cycle to COMPLETED, releases
// every resource, checkpoints, and wakes the loop so dependents re-rank.
func (c *Coordinator) finalizeComplete(cycleID string) {
	c.mu.Lock()
	cycle, ok := c.cycles[cycleID]
	if !ok || cycle.State.Terminal() {
		c.mu.Unlock()
		return
	}
	agents := cycle.Agents
	cycle.Agents = nil
	cycle.State = StateCompleted
	cycle.Phase = PhaseDone
	cycle.FinishedAt = time.Now()
	var used int64
	if cycle.Quota != nil {
		used = cycle.Quota.Used
	}
	resumees := c.resumeAfter[cycleID]
	delete(c.resumeAfter, cycleID)
	delete(c.cancels, cycleID)
	c.mu.Unlock()

	c.locks.ReleaseAll(cycleID)
	c.releaseAgents(cycleID, agents)
	c.budget.RecordUsage(c.classOf(cycleID), used)
	c.metrics.Completed.Add(1)
	c.metrics.TokensSpent.Add(used)
	c.failures.recordSuccess(cycle.Story.ID)
	c.scheduler.MarkCompleted(cycleID)
	c.allocateBudget()

	c.checkpoint(cycleID, PhaseDone, StateCompleted)

	c.bus.Publish(Event{
		Type:    EventCycleCompleted,
		CycleID: cycleID,
		Data:    map[string]any{"story": cycle.Story.ID, "tokens_used": used},
	})

	for _, id := range resumees {
		c.requeueParked(id)
		c.gateFor(id).resume()
	}

	c.kick()
}

// finalizeAbort rolls back locks, agents, and budget headroom for one
// cycle and surfaces a structured report. Unrelated cycles are untouched.
func (c *Coordinator) finalizeAbort(cycleID, reason string) {
	c.mu.Lock()
	cycle, ok := c.cycles[cycleID]
	if !ok || cycle.State.Terminal() {
		c.mu.Unlock()
		return
	}
	agents := cycle.Agents
	cycle.Agents = nil
	cycle.State = StateAborted
	cycle.FailureCause = reason
	cycle.FinishedAt = time.Now()
	resumees := c.resumeAfter[cycleID]
	delete(c.resumeAfter, cycleID)
	delete(c.cancels, cycleID)
	holdings := c.locks.Holdings(cycleID)
	c.mu.Unlock()

	resources := make([]string, 0, len(holdings))
	for _, lk := range holdings {
		resources = append(resources, lk.Resource)
	}

	c.locks.ReleaseAll(cycleID)
	c.releaseAgents(cycleID, agents)
	c.metrics.Aborted.Add(1)
	c.failures.recordAbort(cycle.Story.ID, reason)
	c.scheduler.MarkAborted(cycleID)
	c.allocateBudget()

	c.checkpoint(cycleID, cycle.Phase, StateAborted)

	// Structured abort report: cause, affected resources, suggested action.
	c.bus.Publish(Event{
		Type:    EventCycleAborted,
		CycleID: cycleID,
		Data: map[string]any{
			"story":            cycle.Story.ID,
			"cause":            reason,
			"resources":        resources,
			"suggested_action": "review the cause and re-submit the story explicitly",
		},
	})

	for _, id := range resumees {
		c.requeueParked(id)
		c.gateFor(id).resume()
	}

	c.kick()
}

// escalateLockFailure turns an exhausted lock retry budget into a manual
// conflict: the cycle parks until an operator aborts it or resumes it for
// another attempt. The executor is gone, so the cancel entry is dropped;
// AbortCycle and ResumeCycle act on the parked cycle directly.
func (c *Coordinator) escalateLockFailure(cycleID string, cause error) {
	c.detachExecutor(cycleID)

	conflict := c.detector.newConflict(ConflictResourceContention, SeverityCritical,
		[]string{cycleID}, nil)

	if err := c.deps.Store.RecordConflict(context.Background(), c.executionID, conflict); err != nil {
		c.logger.Error("recording lock escalation failed",
			slog.String("cycle", cycleID),
			slog.String("error", err.Error()),
		)
	}

	c.setState(cycleID, StateConflicted)
	c.setConflictStatus(cycleID, ConflictActive)
	c.Escalate(conflict)

	c.logger.Error("lock acquisition escalated to manual conflict",
		slog.String("cycle", cycleID),
		slog.String("cause", cause.Error()),
	)

	// Fail safe: hold the cycle rather than abort it, the operator may
	// resume (retry) or abort explicitly.
	c.gateFor(cycleID).pause("lock escalation: " + cause.Error())
}

// haltCorrupted freezes a cycle whose checkpoint continuity broke. No
// guessing: scheduling halts for this cycle until manual intervention.
func (c *Coordinator) haltCorrupted(cycleID string, cause error) {
	c.detachExecutor(cycleID)
	c.setState(cycleID, StateConflicted)
	c.gateFor(cycleID).pause("state corrupted: " + cause.Error())

	c.bus.Publish(Event{
		Type:    EventStoreAlert,
		CycleID: cycleID,
		Data: map[string]any{
			"cause":            cause.Error(),
			"suggested_action": "inspect checkpoint records before resuming or aborting the cycle",
		},
	})
}

// --- synchronizerHost ---

// WaitIfPaused blocks a cycle executor at a phase boundary while its gate
// is closed. Pausing surrenders agents and locks; resuming re-acquires the
// agents before the executor proceeds.
func (c *Coordinator) WaitIfPaused(ctx context.Context, cycleID string) error {
	gate := c.gateFor(cycleID)
	reason, paused := gate.pausedReason()
	if !paused {
		return nil
	}

	c.mu.Lock()
	cycle := c.cycles[cycleID]
	agents := cycle.Agents
	cycle.Agents = nil
	cycle.State = StatePaused
	c.mu.Unlock()

	c.locks.ReleaseAll(cycleID)
	c.releaseAgents(cycleID, agents)

	c.bus.Publish(Event{
		Type:    EventCyclePaused,
		CycleID: cycleID,
		Data:    map[string]any{"reason": reason},
	})

	if err := gate.wait(ctx); err != nil {
		return err
	}

	// Pool pressure on resume is recoverable: keep retrying with backoff
	// until agents free up or the executor's context is canceled.
	var reacquired map[string]*AgentHandle
	backoff := retry.WithCappedDuration(2*time.Second, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		agents, err := c.acquireAgents(cycle)
		if err != nil {
			c.logger.Debug("agent re-acquisition after pause deferred",
				slog.String("cycle", cycleID),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		reacquired = agents
		return nil
	})
	if err != nil {
		return fmt.Errorf("coord: re-acquiring agents after pause for cycle %s: %w", cycleID, err)
	}

	c.mu.Lock()
	cycle.Agents = reacquired
	cycle.State = StateRunning
	c.mu.Unlock()

	c.bus.Publish(Event{Type: EventCycleResumed, CycleID: cycleID})
	return nil
}

// PauseForApproval closes the gate (approval timeout fallback) and waits.
func (c *Coordinator) PauseForApproval(ctx context.Context, cycleID string) error {
	c.gateFor(cycleID).pause("awaiting approval decision")
	return c.WaitIfPaused(ctx, cycleID)
}

// CheckpointPhase persists a phase-transition checkpoint with retry; on
// retry exhaustion it raises an operator alert, since lost checkpoint
// continuity risks unrecoverable state.
func (c *Coordinator) CheckpointPhase(ctx context.Context, cycleID string, phase Phase) error {
	c.mu.Lock()
	if cycle, ok := c.cycles[cycleID]; ok {
		cycle.Phase = phase
	}
	state := StateRunning
	c.mu.Unlock()

	return c.checkpointWith(ctx, cycleID, phase, state)
}

// PublishEvent implements synchronizerHost.
func (c *Coordinator) PublishEvent(ev Event) { c.bus.Publish(ev) }

// checkpoint is the non-propagating variant used on terminal transitions.
func (c *Coordinator) checkpoint(cycleID string, phase Phase, state CycleState) {
	if err := c.checkpointWith(context.Background(), cycleID, phase, state); err != nil {
		c.logger.Error("terminal checkpoint failed",
			slog.String("cycle", cycleID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) checkpointWith(ctx context.Context, cycleID string, phase Phase, state CycleState) error {
	c.mu.Lock()
	cycle, ok := c.cycles[cycleID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("coord: checkpoint %s: %w", cycleID, ErrCycleNotFound)
	}
	cycle.Seq++
	cp := Checkpoint{
		CycleID: cycleID,
		Phase:   phase,
		State:   state,
		Seq:     cycle.Seq,
		At:      time.Now(),
	}
	c.mu.Unlock()

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.deps.Store.SaveCheckpoint(ctx, c.executionID, cp)
		if err == nil || errors.Is(err, ErrStateCorrupted) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		// Keep the in-memory sequence consistent with what was durably
		// written, so a later retry does not trip the monotonicity check.
		c.mu.Lock()
		if cycle, ok := c.cycles[cycleID]; ok && cycle.Seq == cp.Seq {
			cycle.Seq--
		}
		c.mu.Unlock()
	}
	if err != nil && !errors.Is(err, ErrStateCorrupted) {
		// Retries exhausted on an I/O class failure: operator alert.
		c.bus.Publish(Event{
			Type:    EventStoreAlert,
			CycleID: cycleID,
			Data: map[string]any{
				"cause":            err.Error(),
				"suggested_action": "check state database health; cycle halted",
			},
		})
	}
	return err
}

// --- resolverOps ---

// PauseCycle implements resolverOps: the cycle the resolver sequentializes
// holds at its next phase boundary.
func (c *Coordinator) PauseCycle(cycleID, reason string) error {
	c.mu.Lock()
	_, ok := c.cycles[cycleID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coord: pause %s: %w", cycleID, ErrCycleNotFound)
	}

	c.gateFor(cycleID).pause(reason)
	return nil
}

// ResumeAfter implements resolverOps.
func (c *Coordinator) ResumeAfter(pausedID, afterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if after, ok := c.cycles[afterID]; ok && after.State.Terminal() {
		// The prerequisite already finished; nothing to wait for.
		go func() {
			c.requeueParked(pausedID)
			c.gateFor(pausedID).resume()
			c.kick()
		}()
		return
	}
	c.resumeAfter[afterID] = append(c.resumeAfter[afterID], pausedID)
}

// Escalate implements resolverOps: surfaces a conflict for the human front
// end with a structured report.
func (c *Coordinator) Escalate(conflict Conflict) {
	c.bus.Publish(Event{
		Type: EventConflictDetected,
		Data: map[string]any{
			"conflict":         conflict.ID,
			"type":             string(conflict.Type),
			"severity":         conflict.Severity.String(),
			"cycles":           conflict.Cycles,
			"resources":        conflict.Resources,
			"manual":           true,
			"suggested_action": "resolve via ResolveManual or abort one involved cycle",
		},
	})
}

// WorkUnitOf implements resolverOps.
func (c *Coordinator) WorkUnitOf(cycleID string) (WorkUnit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wu, ok := c.units[cycleID]
	return wu, ok
}

// PriorityOf implements resolverOps.
func (c *Coordinator) PriorityOf(cycleID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cycle, ok := c.cycles[cycleID]; ok {
		return cycle.Story.Priority
	}
	return 0
}

// ResolveManual applies a human decision to an escalated conflict and
// resumes any involved paused cycles.
func (c *Coordinator) ResolveManual(ctx context.Context, conflict Conflict, strategy Strategy) error {
	res, err := c.resolver.Resolve(ctx, conflict, strategy)
	if err != nil {
		return err
	}

	c.closeConflict(conflict, res.Strategy, "manual: "+res.Outcome)

	for _, id := range conflict.Cycles {
		if id == res.PausedCycle {
			// Sequentialized by the decision; it resumes when its winner
			// finishes.
			continue
		}
		c.requeueParked(id)
		c.gateFor(id).resume()
	}
	c.kick()
	return nil
}

// --- hooks & helpers ---

func (c *Coordinator) onContention(waiter, holder, resource string) {
	c.detector.ObserveContention(waiter, holder, resource)
}

func (c *Coordinator) onReclaim(resource, owner string) {
	c.metrics.LeaseReclaims.Add(1)
	c.bus.Publish(Event{
		Type:    EventLockReclaimed,
		CycleID: owner,
		Data:    map[string]any{"resource": resource},
	})
}

func (c *Coordinator) onPoolEvent(eventType, agentType, handleID, cycleID string) {
	c.bus.Publish(Event{
		Type:    eventType,
		CycleID: cycleID,
		Data:    map[string]any{"agent_type": agentType, "handle": handleID},
	})
}

func (c *Coordinator) gateFor(cycleID string) *pauseGate {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.gates[cycleID]
	if !ok {
		g = &pauseGate{}
		c.gates[cycleID] = g
	}
	return g
}

func (c *Coordinator) isCompleted(cycleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle, ok := c.cycles[cycleID]
	return ok && cycle.State == StateCompleted
}

func (c *Coordinator) setState(cycleID string, state CycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cycle, ok := c.cycles[cycleID]; ok && !cycle.State.Terminal() {
		cycle.State = state
	}
}

func (c *Coordinator) setConflictStatus(cycleID string, cs ConflictStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cycle, ok := c.cycles[cycleID]; ok {
		cycle.Conflict = cs
	}
}

// viewLocked builds a detector snapshot; caller holds c.mu.
func (c *Coordinator) viewLocked(cycleID string) cycleView {
	cycle := c.cycles[cycleID]
	view := cycleView{
		ID:        cycleID,
		Resources: cycle.Story.Resources,
		Started:   !cycle.StartedAt.IsZero(),
	}

	// Dependency edges are expressed in cycle ids for the detector.
	for _, storyID := range cycle.Story.DependsOn {
		for id, other := range c.cycles {
			if other.Story.ID == storyID {
				view.DependsOn = append(view.DependsOn, id)
			}
		}
	}
	return view
}
