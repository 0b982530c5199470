package coord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// LockMode selects shared (read) or exclusive (write) ownership.
type LockMode string

// Lock modes. Shared locks coexist with other shared locks; an exclusive
// lock excludes everything.
const (
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

// FileLock describes one held lock, returned by Acquire and Holdings.
type FileLock struct {
	Resource   string
	Owner      string
	Mode       LockMode
	AcquiredAt time.Time
	ExpiresAt  time.Time
	// Version is the resource's write-version counter at grant time. It
	// increments on every exclusive grant and backs optimistic validation
	// in the resolver's merge path.
	Version uint64
}

// lockWaiter is one blocked acquisition parked on a resource's FIFO queue.
// ready is buffered so the granter never blocks on a departed waiter.
type lockWaiter struct {
	cycleID    string
	resource   string
	mode       LockMode
	ready      chan error
	enqueuedAt time.Time
}

// resourceLock is the per-resource lock state. All fields are guarded by
// the manager's table mutex; blocking happens outside it on waiter channels,
// so contention is resource-scoped in practice.
type resourceLock struct {
	exclusive string              // owner cycle id, empty if none
	shared    map[string]struct{} // shared holder cycle ids
	expiry    map[string]time.Time
	acquired  map[string]time.Time
	version   uint64
	waiters   []*lockWaiter // FIFO
}

func (rl *resourceLock) unheld() bool {
	return rl.exclusive == "" && len(rl.shared) == 0
}

func (rl *resourceLock) holders() []string {
	var out []string
	if rl.exclusive != "" {
		out = append(out, rl.exclusive)
	}
	for id := range rl.shared {
		out = append(out, id)
	}
	return out
}

// ContentionFunc is invoked (outside the table lock) whenever an acquisition
// has to wait behind existing holders. The runtime conflict detector hooks
// in here.
type ContentionFunc func(waiterCycle, holderCycle, resource string)

// LockManager is the file-scoped lock table. Deadlock prevention is
// two-layered: Acquire sorts its batch into the global total order, which
// alone rules out circular wait across well-behaved batches, and a watchdog
// additionally scans the wait-for graph of blocked requesters, failing the
// newest request in any cycle it finds. Every grant carries a renewable
// lease; lapsed leases are reclaimed by the watchdog with a notify event
// rather than silently reassigned.
type LockManager struct {
	mu    sync.Mutex
	table map[string]*resourceLock

	leaseTTL      time.Duration
	sweepInterval time.Duration

	onContention ContentionFunc
	onReclaim    func(resource, owner string)

	logger *slog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLockManager creates a lock manager. leaseTTL bounds how long a grant
// stays valid without renewal; sweepInterval is the watchdog period for
// lease reclaim and deadlock scans.
func NewLockManager(leaseTTL, sweepInterval time.Duration, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &LockManager{
		table:         make(map[string]*resourceLock),
		leaseTTL:      leaseTTL,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// OnContention registers the lock-wait observation hook. Must be called
// before any Acquire.
func (lm *LockManager) OnContention(fn ContentionFunc) { lm.onContention = fn }

// OnReclaim registers the lease-expiry notification hook.
func (lm *LockManager) OnReclaim(fn func(resource, owner string)) { lm.onReclaim = fn }

// Start launches the watchdog goroutine. It exits when ctx is canceled or
// Stop is called.
func (lm *LockManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(lm.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-lm.stop:
				return
			case <-ticker.C:
				lm.Sweep()
			}
		}
	}()
}

// Stop terminates the watchdog. Held locks are unaffected.
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

// Acquire takes every resource in the batch, in the global sorted order,
// all-or-nothing. On timeout or deadlock every lock granted so far is rolled
// back, since partial ownership of a multi-file set is meaningless.
// Re-acquisition by the current holder is a no-op grant (idempotent), and a
// shared holder requesting exclusive is upgraded when no other holder
// remains.
func (lm *LockManager) Acquire(ctx context.Context, cycleID string, resources []string, mode LockMode, timeout time.Duration) ([]FileLock, error) {
	batch := normalizeResources(resources)
	if len(batch) == 0 {
		return nil, nil
	}

	deadline := lm.now().Add(timeout)
	granted := make([]FileLock, 0, len(batch))

	for _, res := range batch {
		lk, err := lm.acquireOne(ctx, cycleID, res, mode, deadline)
		if err != nil {
			lm.rollback(cycleID, granted)
			return nil, fmt.Errorf("coord: acquiring %q for cycle %s: %w", res, cycleID, err)
		}

		granted = append(granted, lk)
	}

	return granted, nil
}

// acquireOne grants or enqueues a single-resource request. Blocking happens
// on the waiter channel with the table mutex released.
func (lm *LockManager) acquireOne(ctx context.Context, cycleID, resource string, mode LockMode, deadline time.Time) (FileLock, error) {
	lm.mu.Lock()

	rl := lm.resourceFor(resource)
	if lk, ok := lm.tryGrant(rl, cycleID, resource, mode); ok {
		lm.mu.Unlock()
		return lk, nil
	}

	w := &lockWaiter{
		cycleID:    cycleID,
		resource:   resource,
		mode:       mode,
		ready:      make(chan error, 1),
		enqueuedAt: lm.now(),
	}
	rl.waiters = append(rl.waiters, w)
	holders := rl.holders()
	lm.mu.Unlock()

	if lm.onContention != nil {
		for _, h := range holders {
			if h != cycleID {
				lm.onContention(cycleID, h, resource)
			}
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case err := <-w.ready:
		if err != nil {
			return FileLock{}, err
		}

		lm.mu.Lock()
		defer lm.mu.Unlock()
		return lm.lockView(resource, cycleID), nil
	case <-timer.C:
		lm.abandonWaiter(w)
		return FileLock{}, ErrLockTimeout
	case <-ctx.Done():
		lm.abandonWaiter(w)
		return FileLock{}, ctx.Err()
	}
}

// tryGrant attempts an immediate grant under lm.mu. Shared requests queue
// behind a pending exclusive waiter so writers are not starved.
func (lm *LockManager) tryGrant(rl *resourceLock, cycleID, resource string, mode LockMode) (FileLock, bool) {
	switch mode {
	case LockShared:
		if _, held := rl.shared[cycleID]; held || rl.exclusive == cycleID {
			rl.expiry[cycleID] = lm.now().Add(lm.leaseTTL)
			return lm.lockView(resource, cycleID), true
		}

		if rl.exclusive == "" && !rl.hasExclusiveWaiter() {
			rl.shared[cycleID] = struct{}{}
			rl.acquired[cycleID] = lm.now()
			rl.expiry[cycleID] = lm.now().Add(lm.leaseTTL)
			return lm.lockView(resource, cycleID), true
		}
	case LockExclusive:
		if rl.exclusive == cycleID {
			rl.expiry[cycleID] = lm.now().Add(lm.leaseTTL)
			return lm.lockView(resource, cycleID), true
		}

		soleSharedHolder := len(rl.shared) == 1 && func() bool { _, ok := rl.shared[cycleID]; return ok }()
		if rl.unheld() || (rl.exclusive == "" && soleSharedHolder) {
			delete(rl.shared, cycleID)
			rl.exclusive = cycleID
			rl.version++
			rl.acquired[cycleID] = lm.now()
			rl.expiry[cycleID] = lm.now().Add(lm.leaseTTL)
			return lm.lockView(resource, cycleID), true
		}
	}

	return FileLock{}, false
}

func (rl *resourceLock) hasExclusiveWaiter() bool {
	for _, w := range rl.waiters {
		if w.mode == LockExclusive {
			return true
		}
	}
	return false
}

// Release drops the given resources for a cycle. Unheld resources are
// ignored, making release idempotent. Waiters eligible after each drop are
// granted in FIFO order.
func (lm *LockManager) Release(cycleID string, resources ...string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, res := range normalizeResources(resources) {
		lm.releaseLocked(cycleID, res)
	}
}

// ReleaseAll drops every lock held by the cycle. Used on abort, commit, and
// sequential pause.
func (lm *LockManager) ReleaseAll(cycleID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for res := range lm.table {
		lm.releaseLocked(cycleID, res)
	}
}

func (lm *LockManager) releaseLocked(cycleID, resource string) {
	rl, ok := lm.table[resource]
	if !ok {
		return
	}

	if rl.exclusive == cycleID {
		rl.exclusive = ""
	}
	delete(rl.shared, cycleID)
	delete(rl.expiry, cycleID)
	delete(rl.acquired, cycleID)

	lm.promoteWaiters(rl, resource)
	lm.pruneLocked(resource, rl)
}

// promoteWaiters grants eligible queued waiters in FIFO order: either the
// head exclusive waiter alone, or every leading shared waiter up to the
// first exclusive one.
func (lm *LockManager) promoteWaiters(rl *resourceLock, resource string) {
	for len(rl.waiters) > 0 {
		w := rl.waiters[0]

		if _, ok := lm.tryGrantQueued(rl, w, resource); !ok {
			return
		}

		rl.waiters = rl.waiters[1:]
		w.ready <- nil

		if w.mode == LockExclusive {
			return
		}
	}
}

// tryGrantQueued is tryGrant without the writer-starvation check, which must
// not apply to the queue head itself.
func (lm *LockManager) tryGrantQueued(rl *resourceLock, w *lockWaiter, resource string) (FileLock, bool) {
	switch w.mode {
	case LockShared:
		if rl.exclusive != "" {
			return FileLock{}, false
		}
		rl.shared[w.cycleID] = struct{}{}
	case LockExclusive:
		if !rl.unheld() {
			return FileLock{}, false
		}
		rl.exclusive = w.cycleID
		rl.version++
	}

	rl.acquired[w.cycleID] = lm.now()
	rl.expiry[w.cycleID] = lm.now().Add(lm.leaseTTL)
	return lm.lockView(resource, w.cycleID), true
}

// Renew extends the lease on a held lock. Returns ErrLeaseExpired if the
// lock has already been reclaimed.
func (lm *LockManager) Renew(cycleID, resource string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rl, ok := lm.table[resource]
	if !ok {
		return fmt.Errorf("coord: renew %q for cycle %s: %w", resource, cycleID, ErrLeaseExpired)
	}

	if _, held := rl.expiry[cycleID]; !held {
		return fmt.Errorf("coord: renew %q for cycle %s: %w", resource, cycleID, ErrLeaseExpired)
	}

	rl.expiry[cycleID] = lm.now().Add(lm.leaseTTL)
	return nil
}

// Holdings returns the locks currently held by a cycle, sorted by resource.
func (lm *LockManager) Holdings(cycleID string) []FileLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []FileLock
	for res, rl := range lm.table {
		if rl.exclusive == cycleID {
			out = append(out, lm.lockView(res, cycleID))
			continue
		}
		if _, ok := rl.shared[cycleID]; ok {
			out = append(out, lm.lockView(res, cycleID))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// HolderOf returns the exclusive holder of a resource, or false if the
// resource is unheld or only shared. Used by the workspace observer to
// attribute out-of-band writes.
func (lm *LockManager) HolderOf(resource string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rl, ok := lm.table[resource]
	if !ok || rl.exclusive == "" {
		return "", false
	}
	return rl.exclusive, true
}

// Locked reports whether any lock (shared or exclusive) is outstanding on
// the resource.
func (lm *LockManager) Locked(resource string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rl, ok := lm.table[resource]
	return ok && !rl.unheld()
}

// Sweep runs one watchdog pass: reclaim lapsed leases, then fail the newest
// waiter of any cycle in the wait-for graph with ErrDeadlock. Exported so
// tests can drive it without the timer.
func (lm *LockManager) Sweep() {
	reclaimed := lm.reclaimExpired()
	for _, rc := range reclaimed {
		lm.logger.Warn("lock lease expired, reclaimed",
			slog.String("resource", rc.resource),
			slog.String("owner", rc.owner),
		)
		if lm.onReclaim != nil {
			lm.onReclaim(rc.resource, rc.owner)
		}
	}

	lm.breakDeadlock()
}

type reclaim struct{ resource, owner string }

func (lm *LockManager) reclaimExpired() []reclaim {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	var out []reclaim

	for res, rl := range lm.table {
		for owner, exp := range rl.expiry {
			if exp.Before(now) {
				out = append(out, reclaim{resource: res, owner: owner})
			}
		}
	}

	for _, rc := range out {
		rl := lm.table[rc.resource]
		if rl == nil {
			continue
		}
		if rl.exclusive == rc.owner {
			rl.exclusive = ""
		}
		delete(rl.shared, rc.owner)
		delete(rl.expiry, rc.owner)
		delete(rl.acquired, rc.owner)
		lm.promoteWaiters(rl, rc.resource)
		lm.pruneLocked(rc.resource, rl)
	}

	return out
}

// breakDeadlock builds the wait-for graph (waiting cycle → holding cycle)
// and, for each cycle found, fails the most recently enqueued waiter on it.
// Sorted batch acquisition makes this a safety net rather than the primary
// mechanism; it fires only when callers acquire piecemeal across batches.
func (lm *LockManager) breakDeadlock() {
	lm.mu.Lock()

	edges := make(map[string]map[string]struct{})
	waiterByCycle := make(map[string]*lockWaiter)

	for _, rl := range lm.table {
		for _, w := range rl.waiters {
			prev, ok := waiterByCycle[w.cycleID]
			if !ok || w.enqueuedAt.After(prev.enqueuedAt) {
				waiterByCycle[w.cycleID] = w
			}
			for _, h := range rl.holders() {
				if h == w.cycleID {
					continue
				}
				if edges[w.cycleID] == nil {
					edges[w.cycleID] = make(map[string]struct{})
				}
				edges[w.cycleID][h] = struct{}{}
			}
		}
	}

	victim := newestInCycle(edges, waiterByCycle)
	if victim == nil {
		lm.mu.Unlock()
		return
	}

	lm.removeWaiterLocked(victim)
	lm.mu.Unlock()

	lm.logger.Warn("deadlock detected, failing newest request",
		slog.String("cycle", victim.cycleID),
		slog.String("resource", victim.resource),
	)
	victim.ready <- ErrDeadlock
}

// newestInCycle finds any cycle in the wait-for graph and returns the
// waiter with the latest enqueue time among its members, or nil.
func newestInCycle(edges map[string]map[string]struct{}, waiters map[string]*lockWaiter) *lockWaiter {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[string]int)

	var cycleMembers []string
	var dfs func(node string, stack []string) bool
	dfs = func(node string, stack []string) bool {
		state[node] = inStack
		stack = append(stack, node)

		for next := range edges[node] {
			switch state[next] {
			case inStack:
				// Slice the stack from the first occurrence of next.
				idx := slices.Index(stack, next)
				cycleMembers = append(cycleMembers, stack[idx:]...)
				return true
			case unvisited:
				if dfs(next, stack) {
					return true
				}
			}
		}

		state[node] = done
		return false
	}

	for node := range edges {
		if state[node] == unvisited && dfs(node, nil) {
			break
		}
	}

	var victim *lockWaiter
	for _, id := range cycleMembers {
		w := waiters[id]
		if w == nil {
			continue
		}
		if victim == nil || w.enqueuedAt.After(victim.enqueuedAt) {
			victim = w
		}
	}
	return victim
}

func (lm *LockManager) abandonWaiter(w *lockWaiter) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	// The grant may have raced the timeout; if so, give the lock back.
	select {
	case err := <-w.ready:
		if err == nil {
			lm.releaseLocked(w.cycleID, w.resource)
		}
		return
	default:
	}

	lm.removeWaiterLocked(w)
}

func (lm *LockManager) removeWaiterLocked(w *lockWaiter) {
	rl, ok := lm.table[w.resource]
	if !ok {
		return
	}

	for i, cand := range rl.waiters {
		if cand == w {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			break
		}
	}
	lm.pruneLocked(w.resource, rl)
}

func (lm *LockManager) rollback(cycleID string, granted []FileLock) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, lk := range granted {
		lm.releaseLocked(cycleID, lk.Resource)
	}
}

func (lm *LockManager) resourceFor(resource string) *resourceLock {
	rl, ok := lm.table[resource]
	if !ok {
		rl = &resourceLock{
			shared:   make(map[string]struct{}),
			expiry:   make(map[string]time.Time),
			acquired: make(map[string]time.Time),
		}
		lm.table[resource] = rl
	}
	return rl
}

// pruneLocked drops empty table entries but keeps entries with a non-zero
// version so optimistic validation survives release/re-acquire.
func (lm *LockManager) pruneLocked(resource string, rl *resourceLock) {
	if rl.unheld() && len(rl.waiters) == 0 && rl.version == 0 {
		delete(lm.table, resource)
	}
}

func (lm *LockManager) lockView(resource, cycleID string) FileLock {
	rl := lm.table[resource]
	mode := LockShared
	if rl.exclusive == cycleID {
		mode = LockExclusive
	}

	return FileLock{
		Resource:   resource,
		Owner:      cycleID,
		Mode:       mode,
		AcquiredAt: rl.acquired[cycleID],
		ExpiresAt:  rl.expiry[cycleID],
		Version:    rl.version,
	}
}

// normalizeResources dedupes and sorts a resource batch into the global
// total order shared by all callers.
func normalizeResources(resources []string) []string {
	seen := make(map[string]struct{}, len(resources))
	out := make([]string, 0, len(resources))

	for _, r := range resources {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	sort.Strings(out)
	return out
}
