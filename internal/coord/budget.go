package coord

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Budget tuning constants. The spend ceiling keeps one reserve share of
// slack on top of the per-cycle base quota.
const (
	budgetCeilingFraction = 0.90 // summed quotas never exceed this share of total
	historyLiftCap        = 1.5  // history lift is capped at this multiple of base
	p95Quantile           = 0.95
)

// BudgetAllocation is one cycle's token grant and running usage. Headroom
// may go negative after a shrink; the cycle is then throttled on its next
// Consume rather than aborted.
type BudgetAllocation struct {
	CycleID string
	Quota   int64
	Used    int64
}

// Headroom is the remaining spend before the quota is exhausted.
func (a *BudgetAllocation) Headroom() int64 { return a.Quota - a.Used }

// Throttled reports whether the cycle has overspent its (possibly shrunk)
// quota and must be refused further tokens until reallocation.
func (a *BudgetAllocation) Throttled() bool { return a.Headroom() < 0 }

// usageRing is a fixed-size ring of historical per-cycle-class token usage.
// Bounded so long executions never grow history without limit.
type usageRing struct {
	samples []int64
	next    int
	full    bool
}

func newUsageRing(size int) *usageRing {
	return &usageRing{samples: make([]int64, size)}
}

func (r *usageRing) add(v int64) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

// p95 returns the 95th-percentile sample, or 0 when the ring is empty.
func (r *usageRing) p95() int64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}

	sorted := make([]int64, n)
	copy(sorted, r.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n-1) * p95Quantile)
	return sorted[idx]
}

// BudgetAllocator partitions a shared token budget across active cycles.
// The base quota reserves one share of slack (total/(n+1)); quotas are
// lifted toward each class's historical p95 usage, then scaled down
// proportionally if the sum would cross the ceiling. Safe for concurrent
// use.
type BudgetAllocator struct {
	mu sync.Mutex

	total       int64
	allocations map[string]*BudgetAllocation
	history     map[string]*usageRing // keyed by cycle class (story id prefix or agent mix)
	historySize int

	logger *slog.Logger
}

// NewBudgetAllocator creates an allocator over a total token budget.
// historySize bounds the per-class usage ring.
func NewBudgetAllocator(total int64, historySize int, logger *slog.Logger) *BudgetAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize < 1 {
		historySize = 1
	}

	return &BudgetAllocator{
		total:       total,
		allocations: make(map[string]*BudgetAllocation),
		history:     make(map[string]*usageRing),
		historySize: historySize,
		logger:      logger,
	}
}

// Allocate recomputes quotas for the given active set, preserving each
// surviving cycle's Used counter. Shrinking never revokes consumed tokens;
// a cycle left with negative headroom is simply throttled on its next
// Consume. Invariant on return: sum(quotas) <= total * ceiling fraction.
func (ba *BudgetAllocator) Allocate(cycleIDs []string, classOf func(cycleID string) string) map[string]*BudgetAllocation {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	n := int64(len(cycleIDs))
	if n == 0 {
		ba.allocations = make(map[string]*BudgetAllocation)
		return nil
	}

	base := ba.total / (n + 1)
	quotas := make(map[string]int64, n)
	var sum int64

	for _, id := range cycleIDs {
		q := base

		if classOf != nil {
			if ring, ok := ba.history[classOf(id)]; ok {
				if p95 := ring.p95(); p95 > q {
					q = min(p95, int64(float64(base)*historyLiftCap))
				}
			}
		}

		quotas[id] = q
		sum += q
	}

	// Proportional scale-down restores the ceiling invariant when history
	// lifts overshoot.
	ceiling := int64(float64(ba.total) * budgetCeilingFraction)
	if sum > ceiling {
		scale := float64(ceiling) / float64(sum)
		sum = 0
		for id := range quotas {
			quotas[id] = int64(float64(quotas[id]) * scale)
			sum += quotas[id]
		}
	}

	next := make(map[string]*BudgetAllocation, n)
	for _, id := range cycleIDs {
		alloc := &BudgetAllocation{CycleID: id, Quota: quotas[id]}
		if prev, ok := ba.allocations[id]; ok {
			alloc.Used = prev.Used
		}
		next[id] = alloc
	}
	ba.allocations = next

	ba.logger.Debug("budget reallocated",
		slog.Int("cycles", len(cycleIDs)),
		slog.Int64("base", base),
		slog.Int64("allocated", sum),
		slog.Int64("total", ba.total),
	)

	return next
}

// Consume spends tokens from a cycle's quota. A throttled cycle (negative
// headroom after a shrink, or spend beyond quota) gets ErrBudgetExceeded;
// the caller backs off until the next reallocation.
func (ba *BudgetAllocator) Consume(cycleID string, tokens int64) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	alloc, ok := ba.allocations[cycleID]
	if !ok {
		return fmt.Errorf("coord: consume for cycle %s: %w", cycleID, ErrCycleNotFound)
	}

	if alloc.Throttled() || alloc.Used+tokens > alloc.Quota {
		return fmt.Errorf("coord: cycle %s over quota (%d/%d): %w",
			cycleID, alloc.Used+tokens, alloc.Quota, ErrBudgetExceeded)
	}

	alloc.Used += tokens
	return nil
}

// RecordUsage folds a finished cycle's total spend into its class history
// ring, informing future allocations.
func (ba *BudgetAllocator) RecordUsage(class string, used int64) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	ring, ok := ba.history[class]
	if !ok {
		ring = newUsageRing(ba.historySize)
		ba.history[class] = ring
	}
	ring.add(used)
}

// AllocationFor returns a copy of the cycle's current allocation.
func (ba *BudgetAllocator) AllocationFor(cycleID string) (BudgetAllocation, bool) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	alloc, ok := ba.allocations[cycleID]
	if !ok {
		return BudgetAllocation{}, false
	}
	return *alloc, true
}

// Outstanding returns the sum of all active quotas. Never exceeds the
// ceiling after an Allocate.
func (ba *BudgetAllocator) Outstanding() int64 {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	var sum int64
	for _, a := range ba.allocations {
		sum += a.Quota
	}
	return sum
}
