package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost satisfies synchronizerHost with no-op gates and an in-memory
// event/checkpoint log.
type fakeHost struct {
	mu          sync.Mutex
	checkpoints []Phase
	events      []Event
	pausedFor   []string
}

func (h *fakeHost) WaitIfPaused(ctx context.Context, cycleID string) error { return nil }

func (h *fakeHost) PauseForApproval(ctx context.Context, cycleID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pausedFor = append(h.pausedFor, cycleID)
	return nil
}

func (h *fakeHost) CheckpointPhase(ctx context.Context, cycleID string, phase Phase) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkpoints = append(h.checkpoints, phase)
	return nil
}

func (h *fakeHost) PublishEvent(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *fakeHost) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

// decisionApprover returns a fixed decision.
type decisionApprover struct{ decision Decision }

func (a decisionApprover) RequestApproval(ctx context.Context, cycleID string, phase Phase, priority int, timeout time.Duration) (Decision, error) {
	return a.decision, nil
}

func newTestSynchronizer(host synchronizerHost, approver Approver, mode ApprovalMode) (*Synchronizer, *LockManager, *BudgetAllocator) {
	locks := newTestLockManager()
	budget := NewBudgetAllocator(1_000_000, 16, testLogger())
	sy := NewSynchronizer(locks, budget, host, approver, mode, 50*time.Millisecond,
		100*time.Millisecond, 2, testLogger())
	return sy, locks, budget
}

// --- phase progression tests ---

func TestRunCycle_FullProgression(t *testing.T) {
	host := &fakeHost{}
	sy, locks, budget := newTestSynchronizer(host, decisionApprover{DecisionApproved}, ApprovalPause)

	budget.Allocate([]string{"c1"}, nil)
	wu := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}, Tests: []string{"a_test.go"}})
	wu.PhaseTokens = 100

	require.NoError(t, sy.RunCycle(context.Background(), "c1", 5, wu))

	assert.Equal(t, PhaseDone, wu.CurrentPhase())
	assert.Equal(t, []Phase{PhaseTest, PhaseCode, PhaseRefactor, PhaseCommit, PhaseDone}, host.checkpoints)

	// Every phase exit released its locks.
	assert.Empty(t, locks.Holdings("c1"))

	// Five phases, one hundred tokens each.
	alloc, ok := budget.AllocationFor("c1")
	require.True(t, ok)
	assert.Equal(t, int64(500), alloc.Used)

	// Approval was requested exactly once, before commit.
	types := host.eventTypes()
	approvals := 0
	for _, typ := range types {
		if typ == EventApprovalRequested {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestRunCycle_LocksHeldDuringMutatingPhase(t *testing.T) {
	host := &fakeHost{}
	sy, locks, budget := newTestSynchronizer(host, nil, ApprovalAutoApprove)
	budget.Allocate([]string{"c1"}, nil)

	wu := &observingWorkUnit{
		ScriptedWorkUnit: NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}, Reads: []string{"lib.go"}}),
		locks:            locks,
	}

	require.NoError(t, sy.RunCycle(context.Background(), "c1", 5, wu))

	// During the code phase the mutated file was exclusively held and the
	// read was at least shared.
	require.NotEmpty(t, wu.observed)
	assert.Contains(t, wu.observed, "a.go:exclusive")
	assert.Contains(t, wu.observed, "lib.go:locked")
	assert.Empty(t, locks.Holdings("c1"))
}

// observingWorkUnit snapshots lock state from inside mutating phases.
type observingWorkUnit struct {
	*ScriptedWorkUnit
	locks    *LockManager
	observed []string
}

func (u *observingWorkUnit) AdvancePhase(ctx context.Context, cycleID string) (Phase, error) {
	if u.CurrentPhase().MutatesResources() {
		if holder, ok := u.locks.HolderOf("a.go"); ok && holder == cycleID {
			u.observed = append(u.observed, "a.go:exclusive")
		}
		if u.locks.Locked("lib.go") {
			u.observed = append(u.observed, "lib.go:locked")
		}
	}
	return u.ScriptedWorkUnit.AdvancePhase(ctx, cycleID)
}

func TestRunCycle_PhaseFailurePropagates(t *testing.T) {
	host := &fakeHost{}
	sy, _, budget := newTestSynchronizer(host, nil, ApprovalAutoApprove)
	budget.Allocate([]string{"c1"}, nil)

	wu := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}})
	wu.FailAt = PhaseCode

	err := sy.RunCycle(context.Background(), "c1", 5, wu)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code")
}

// --- lock escalation tests ---

func TestRunCycle_LockEscalationAfterRetries(t *testing.T) {
	host := &fakeHost{}
	sy, locks, budget := newTestSynchronizer(host, nil, ApprovalAutoApprove)
	budget.Allocate([]string{"c1"}, nil)

	// Another cycle permanently holds the resource.
	_, err := locks.Acquire(context.Background(), "blocker", []string{"a.go"}, LockExclusive, time.Second)
	require.NoError(t, err)

	wu := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}})

	err = sy.RunCycle(context.Background(), "c1", 5, wu)
	require.ErrorIs(t, err, errLockEscalation)
	require.ErrorIs(t, err, ErrLockTimeout)
}

// --- approval tests ---

func TestApproveCommit_RejectionAborts(t *testing.T) {
	host := &fakeHost{}
	sy, _, budget := newTestSynchronizer(host, decisionApprover{DecisionRejected}, ApprovalPause)
	budget.Allocate([]string{"c1"}, nil)

	wu := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}})

	err := sy.RunCycle(context.Background(), "c1", 5, wu)
	require.ErrorIs(t, err, errApprovalRejected)
	assert.Equal(t, PhaseCommit, wu.CurrentPhase(), "the commit phase must not run after rejection")
}

func TestApproveCommit_TimeoutAutoApprove(t *testing.T) {
	host := &fakeHost{}
	sy, _, budget := newTestSynchronizer(host, decisionApprover{DecisionTimeout}, ApprovalAutoApprove)
	budget.Allocate([]string{"c1"}, nil)

	wu := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}})

	require.NoError(t, sy.RunCycle(context.Background(), "c1", 5, wu))
	assert.Equal(t, PhaseDone, wu.CurrentPhase())
	assert.Empty(t, host.pausedFor)
}

func TestApproveCommit_TimeoutPauses(t *testing.T) {
	host := &fakeHost{}
	sy, _, budget := newTestSynchronizer(host, decisionApprover{DecisionTimeout}, ApprovalPause)
	budget.Allocate([]string{"c1"}, nil)

	wu := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"a.go"}})

	require.NoError(t, sy.RunCycle(context.Background(), "c1", 5, wu))
	assert.Contains(t, host.pausedFor, "c1")
}

// --- budget interaction tests ---

func TestChargeTokens_NoMeterNoCharge(t *testing.T) {
	host := &fakeHost{}
	sy, _, budget := newTestSynchronizer(host, nil, ApprovalAutoApprove)
	budget.Allocate([]string{"c1"}, nil)

	// plainUnit does not implement TokenMeter.
	wu := &plainUnit{inner: NewScriptedWorkUnit(ResourceSet{})}
	require.NoError(t, sy.RunCycle(context.Background(), "c1", 5, wu))

	alloc, _ := budget.AllocationFor("c1")
	assert.Zero(t, alloc.Used)
}

// plainUnit hides the scripted unit's TokenMeter and RangeReporter.
type plainUnit struct{ inner *ScriptedWorkUnit }

func (p *plainUnit) CurrentPhase() Phase { return p.inner.CurrentPhase() }
func (p *plainUnit) AdvancePhase(ctx context.Context, cycleID string) (Phase, error) {
	return p.inner.AdvancePhase(ctx, cycleID)
}
func (p *plainUnit) ResourceSet() ResourceSet { return p.inner.ResourceSet() }
