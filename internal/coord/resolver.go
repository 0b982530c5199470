package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Strategy names a conflict-resolution approach.
type Strategy string

// Resolution strategies. StrategyManual parks the conflict for a human;
// StrategyWait defers to the dependency scheduler, which withholds the
// dependent cycle until its prerequisite completes.
const (
	StrategyMerge      Strategy = "merge"
	StrategySequential Strategy = "sequential"
	StrategyAbort      Strategy = "abort"
	StrategyManual     Strategy = "manual"
	StrategyWait       Strategy = "wait"
)

// defaultStrategies is the built-in conflict-type → strategy table.
// Config may override per type; critical severity escalates to manual
// regardless of the table.
var defaultStrategies = map[ConflictType]Strategy{
	ConflictResourceOverlap:    StrategyMerge,
	ConflictTestCollision:      StrategySequential,
	ConflictDependencyUnmet:    StrategyWait,
	ConflictResourceContention: StrategySequential,
	ConflictSemantic:           StrategyManual,
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Conflict Conflict
	Strategy Strategy
	Outcome  string
	// PausedCycle is set when the strategy sequentialized a cycle.
	PausedCycle string
}

// resolverOps is the slice of coordinator behavior the resolver drives.
// Kept narrow so resolution policy is testable without a live scheduling
// loop.
type resolverOps interface {
	// PauseCycle holds a cycle at its next phase boundary, returns its
	// agents to the pool, and releases locks it no longer needs.
	PauseCycle(cycleID, reason string) error

	// ResumeAfter resumes a paused cycle once another reaches commit.
	ResumeAfter(pausedID, afterID string)

	// AbortCycle rolls back locks, checkpoint, and agent assignments.
	AbortCycle(cycleID, reason string) error

	// Escalate surfaces a conflict for manual handling on the event stream.
	Escalate(c Conflict)

	// WorkUnitOf returns the opaque work unit for edited-range queries.
	WorkUnitOf(cycleID string) (WorkUnit, bool)

	// PriorityOf returns a cycle's priority (1-10); unknown cycles get 0.
	PriorityOf(cycleID string) int
}

// Resolver maps conflicts to strategies and executes them. The strategy
// table is data: policy changes are config, not code.
type Resolver struct {
	strategies map[ConflictType]Strategy
	ops        resolverOps
	logger     *slog.Logger
	now        func() time.Time
}

// NewResolver builds a resolver with the default table overlaid by the
// per-type overrides from config (unknown override types are ignored with
// a warning).
func NewResolver(overrides map[ConflictType]Strategy, ops resolverOps, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	table := make(map[ConflictType]Strategy, len(defaultStrategies))
	for ct, s := range defaultStrategies {
		table[ct] = s
	}
	for ct, s := range overrides {
		if _, known := table[ct]; !known {
			logger.Warn("ignoring strategy override for unknown conflict type",
				slog.String("type", string(ct)))
			continue
		}
		table[ct] = s
	}

	return &Resolver{
		strategies: table,
		ops:        ops,
		logger:     logger,
		now:        time.Now,
	}
}

// StrategyFor picks the strategy for a conflict: critical always escalates
// to manual; otherwise the table decides, and conflicts the detector marked
// non-auto-resolvable are lifted to manual too.
func (r *Resolver) StrategyFor(c Conflict) Strategy {
	if c.Severity == SeverityCritical {
		return StrategyManual
	}

	s, ok := r.strategies[c.Type]
	if !ok {
		return StrategyManual
	}

	// High-severity conflicts may still sequentialize or wait, but never
	// auto-merge.
	if s == StrategyMerge && !c.CanAutoResolve() {
		return StrategySequential
	}

	return s
}

// Resolve executes the given strategy for a conflict and returns the
// resolution record. A merge that cannot be proven safe falls back to
// sequential rather than discarding edits; sequential pauses the
// lower-priority cycle. Abort is the last resort.
func (r *Resolver) Resolve(ctx context.Context, c Conflict, strategy Strategy) (*Resolution, error) {
	if strategy == "" {
		strategy = r.StrategyFor(c)
	}

	r.logger.Info("resolving conflict",
		slog.String("conflict", c.ID),
		slog.String("type", string(c.Type)),
		slog.String("severity", c.Severity.String()),
		slog.String("strategy", string(strategy)),
	)

	switch strategy {
	case StrategyMerge:
		return r.resolveMerge(ctx, c)
	case StrategySequential:
		return r.resolveSequential(c)
	case StrategyWait:
		return &Resolution{Conflict: c, Strategy: StrategyWait, Outcome: "deferred to dependency scheduler"}, nil
	case StrategyManual:
		r.ops.Escalate(c)
		return &Resolution{Conflict: c, Strategy: StrategyManual, Outcome: "escalated for manual resolution"}, nil
	case StrategyAbort:
		return r.resolveAbort(c)
	default:
		return nil, fmt.Errorf("coord: unknown strategy %q for conflict %s: %w", strategy, c.ID, ErrResolutionFailed)
	}
}

// resolveMerge succeeds when both cycles report edited ranges and no range
// overlaps on any shared resource; the cycles then proceed concurrently.
// Anything short of that proof falls back to sequential.
func (r *Resolver) resolveMerge(_ context.Context, c Conflict) (*Resolution, error) {
	if len(c.Cycles) < 2 {
		return nil, fmt.Errorf("coord: merge needs two cycles, got %d: %w", len(c.Cycles), ErrResolutionFailed)
	}

	a, aOK := r.rangeReporter(c.Cycles[0])
	b, bOK := r.rangeReporter(c.Cycles[1])
	if !aOK || !bOK {
		return r.resolveSequential(c)
	}

	for _, res := range c.Resources {
		if rangesOverlap(a.EditedRanges(res), b.EditedRanges(res)) {
			r.logger.Info("merge rejected, edited ranges overlap",
				slog.String("conflict", c.ID),
				slog.String("resource", res),
			)
			return r.resolveSequential(c)
		}
	}

	return &Resolution{Conflict: c, Strategy: StrategyMerge, Outcome: "edited ranges disjoint, cycles proceed concurrently"}, nil
}

// resolveSequential pauses the lower-priority cycle until the other reaches
// commit. On a priority tie the later-listed (more recently admitted) cycle
// yields.
func (r *Resolver) resolveSequential(c Conflict) (*Resolution, error) {
	if len(c.Cycles) < 2 {
		return nil, fmt.Errorf("coord: sequential needs two cycles, got %d: %w", len(c.Cycles), ErrResolutionFailed)
	}

	winner, loser := c.Cycles[0], c.Cycles[1]
	if r.ops.PriorityOf(loser) > r.ops.PriorityOf(winner) {
		winner, loser = loser, winner
	}

	if err := r.ops.PauseCycle(loser, fmt.Sprintf("sequentialized behind %s (%s)", winner, c.Type)); err != nil {
		return nil, fmt.Errorf("coord: pausing cycle %s: %w", loser, err)
	}
	r.ops.ResumeAfter(loser, winner)

	return &Resolution{
		Conflict:    c,
		Strategy:    StrategySequential,
		Outcome:     fmt.Sprintf("cycle %s paused until %s commits", loser, winner),
		PausedCycle: loser,
	}, nil
}

// resolveAbort aborts the lower-priority cycle with full rollback.
func (r *Resolver) resolveAbort(c Conflict) (*Resolution, error) {
	if len(c.Cycles) < 2 {
		return nil, fmt.Errorf("coord: abort needs two cycles, got %d: %w", len(c.Cycles), ErrResolutionFailed)
	}

	victim := c.Cycles[1]
	if r.ops.PriorityOf(c.Cycles[0]) < r.ops.PriorityOf(c.Cycles[1]) {
		victim = c.Cycles[0]
	}

	if err := r.ops.AbortCycle(victim, fmt.Sprintf("aborted resolving %s conflict %s", c.Type, c.ID)); err != nil {
		return nil, fmt.Errorf("coord: aborting cycle %s: %w", victim, err)
	}

	return &Resolution{Conflict: c, Strategy: StrategyAbort, Outcome: fmt.Sprintf("cycle %s aborted", victim)}, nil
}

func (r *Resolver) rangeReporter(cycleID string) (RangeReporter, bool) {
	wu, ok := r.ops.WorkUnitOf(cycleID)
	if !ok {
		return nil, false
	}
	rr, ok := wu.(RangeReporter)
	return rr, ok
}

// rangesOverlap reports whether any pair of ranges across the two sets
// intersects. Empty range sets mean the cycle cannot prove disjointness, so
// they count as overlapping.
func rangesOverlap(a, b []LineRange) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}

	for _, ra := range a {
		for _, rb := range b {
			if ra.Overlaps(rb) {
				return true
			}
		}
	}
	return false
}
