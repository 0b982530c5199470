package coord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOps records the coordinator calls a resolution makes.
type fakeOps struct {
	paused     []string
	pauseErr   error
	resumedBy  map[string]string // paused id → after id
	aborted    []string
	escalated  []Conflict
	units      map[string]WorkUnit
	priorities map[string]int
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		resumedBy:  make(map[string]string),
		units:      make(map[string]WorkUnit),
		priorities: make(map[string]int),
	}
}

func (f *fakeOps) PauseCycle(cycleID, reason string) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = append(f.paused, cycleID)
	return nil
}

func (f *fakeOps) ResumeAfter(pausedID, afterID string) { f.resumedBy[pausedID] = afterID }

func (f *fakeOps) AbortCycle(cycleID, reason string) error {
	f.aborted = append(f.aborted, cycleID)
	return nil
}

func (f *fakeOps) Escalate(c Conflict) { f.escalated = append(f.escalated, c) }

func (f *fakeOps) WorkUnitOf(cycleID string) (WorkUnit, bool) {
	wu, ok := f.units[cycleID]
	return wu, ok
}

func (f *fakeOps) PriorityOf(cycleID string) int { return f.priorities[cycleID] }

func testConflict(ct ConflictType, sev Severity, cycles ...string) Conflict {
	return Conflict{
		ID:        newConflictID(),
		Type:      ct,
		Severity:  sev,
		Cycles:    cycles,
		Resources: []string{"shared.go"},
	}
}

// --- strategy table tests ---

func TestStrategyFor_DefaultTable(t *testing.T) {
	r := NewResolver(nil, newFakeOps(), testLogger())

	cases := map[ConflictType]Strategy{
		ConflictResourceOverlap:    StrategyMerge,
		ConflictTestCollision:      StrategySequential,
		ConflictDependencyUnmet:    StrategyWait,
		ConflictResourceContention: StrategySequential,
		ConflictSemantic:           StrategyManual,
	}
	for ct, want := range cases {
		sev := SeverityLow
		if ct == ConflictTestCollision {
			sev = SeverityHigh
		}
		assert.Equal(t, want, r.StrategyFor(testConflict(ct, sev, "c1", "c2")), "type %s", ct)
	}
}

func TestStrategyFor_CriticalAlwaysManual(t *testing.T) {
	r := NewResolver(nil, newFakeOps(), testLogger())

	for _, ct := range []ConflictType{
		ConflictResourceOverlap,
		ConflictTestCollision,
		ConflictDependencyUnmet,
		ConflictResourceContention,
		ConflictSemantic,
	} {
		assert.Equal(t, StrategyManual, r.StrategyFor(testConflict(ct, SeverityCritical, "c1", "c2")))
	}
}

func TestStrategyFor_HighSeverityNeverAutoMerges(t *testing.T) {
	r := NewResolver(nil, newFakeOps(), testLogger())

	got := r.StrategyFor(testConflict(ConflictResourceOverlap, SeverityHigh, "c1", "c2"))
	assert.Equal(t, StrategySequential, got)
}

func TestStrategyFor_ConfigOverride(t *testing.T) {
	overrides := map[ConflictType]Strategy{ConflictResourceOverlap: StrategyAbort}
	r := NewResolver(overrides, newFakeOps(), testLogger())

	assert.Equal(t, StrategyAbort, r.StrategyFor(testConflict(ConflictResourceOverlap, SeverityLow, "c1", "c2")))
	// Non-overridden types keep the defaults.
	assert.Equal(t, StrategyWait, r.StrategyFor(testConflict(ConflictDependencyUnmet, SeverityHigh, "c1", "c2")))
}

// --- merge tests ---

func TestResolveMerge_DisjointRanges(t *testing.T) {
	ops := newFakeOps()

	uA := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"shared.go"}})
	uA.Ranges = map[string][]LineRange{"shared.go": {{Start: 1, End: 40}}}
	uB := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"shared.go"}})
	uB.Ranges = map[string][]LineRange{"shared.go": {{Start: 80, End: 120}}}
	ops.units["c1"], ops.units["c2"] = uA, uB

	r := NewResolver(nil, ops, testLogger())
	res, err := r.Resolve(context.Background(), testConflict(ConflictResourceOverlap, SeverityLow, "c1", "c2"), StrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, StrategyMerge, res.Strategy)
	assert.Empty(t, res.PausedCycle, "a clean merge pauses nobody")
	assert.Empty(t, ops.paused)
}

func TestResolveMerge_OverlappingRangesFallBackToSequential(t *testing.T) {
	ops := newFakeOps()
	ops.priorities["c1"], ops.priorities["c2"] = 5, 3

	uA := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"shared.go"}})
	uA.Ranges = map[string][]LineRange{"shared.go": {{Start: 10, End: 50}}}
	uB := NewScriptedWorkUnit(ResourceSet{Mutates: []string{"shared.go"}})
	uB.Ranges = map[string][]LineRange{"shared.go": {{Start: 40, End: 90}}}
	ops.units["c1"], ops.units["c2"] = uA, uB

	r := NewResolver(nil, ops, testLogger())
	res, err := r.Resolve(context.Background(), testConflict(ConflictResourceOverlap, SeverityLow, "c1", "c2"), StrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, StrategySequential, res.Strategy)
	assert.Equal(t, "c2", res.PausedCycle, "lower priority yields")
	assert.Equal(t, "c1", ops.resumedBy["c2"])
}

func TestResolveMerge_MissingRangesFallBackToSequential(t *testing.T) {
	ops := newFakeOps()
	ops.priorities["c1"], ops.priorities["c2"] = 5, 5

	// Units report no ranges at all: disjointness cannot be proven.
	ops.units["c1"] = NewScriptedWorkUnit(ResourceSet{Mutates: []string{"shared.go"}})
	ops.units["c2"] = NewScriptedWorkUnit(ResourceSet{Mutates: []string{"shared.go"}})

	r := NewResolver(nil, ops, testLogger())
	res, err := r.Resolve(context.Background(), testConflict(ConflictResourceOverlap, SeverityLow, "c1", "c2"), StrategyMerge)
	require.NoError(t, err)

	assert.Equal(t, StrategySequential, res.Strategy)
	// Priority tie: the later-listed cycle yields.
	assert.Equal(t, "c2", res.PausedCycle)
}

func TestResolveMerge_OneCycleIsError(t *testing.T) {
	r := NewResolver(nil, newFakeOps(), testLogger())

	_, err := r.Resolve(context.Background(), testConflict(ConflictResourceOverlap, SeverityLow, "c1"), StrategyMerge)
	require.ErrorIs(t, err, ErrResolutionFailed)
}

// --- sequential / abort / manual tests ---

func TestResolveSequential_HigherPriorityWins(t *testing.T) {
	ops := newFakeOps()
	ops.priorities["c1"], ops.priorities["c2"] = 2, 9

	r := NewResolver(nil, ops, testLogger())
	res, err := r.Resolve(context.Background(), testConflict(ConflictTestCollision, SeverityHigh, "c1", "c2"), StrategySequential)
	require.NoError(t, err)

	assert.Equal(t, "c1", res.PausedCycle)
	assert.Equal(t, []string{"c1"}, ops.paused)
	assert.Equal(t, "c2", ops.resumedBy["c1"])
}

func TestResolveSequential_PauseFailure(t *testing.T) {
	ops := newFakeOps()
	ops.pauseErr = ErrCycleNotFound

	r := NewResolver(nil, ops, testLogger())
	_, err := r.Resolve(context.Background(), testConflict(ConflictTestCollision, SeverityHigh, "c1", "c2"), StrategySequential)
	require.ErrorIs(t, err, ErrCycleNotFound)
}

func TestResolveAbort_LowerPriorityAborted(t *testing.T) {
	ops := newFakeOps()
	ops.priorities["c1"], ops.priorities["c2"] = 1, 8

	r := NewResolver(nil, ops, testLogger())
	res, err := r.Resolve(context.Background(), testConflict(ConflictResourceOverlap, SeverityMedium, "c1", "c2"), StrategyAbort)
	require.NoError(t, err)

	assert.Equal(t, StrategyAbort, res.Strategy)
	assert.Equal(t, []string{"c1"}, ops.aborted)
}

func TestResolveManualStrategy_Escalates(t *testing.T) {
	ops := newFakeOps()

	r := NewResolver(nil, ops, testLogger())
	c := testConflict(ConflictSemantic, SeverityCritical, "c1", "c2")
	res, err := r.Resolve(context.Background(), c, StrategyManual)
	require.NoError(t, err)

	assert.Equal(t, StrategyManual, res.Strategy)
	require.Len(t, ops.escalated, 1)
	assert.Equal(t, c.ID, ops.escalated[0].ID)
}

func TestResolve_UnknownStrategy(t *testing.T) {
	r := NewResolver(nil, newFakeOps(), testLogger())

	_, err := r.Resolve(context.Background(), testConflict(ConflictResourceOverlap, SeverityLow, "c1", "c2"), Strategy("rebase"))
	require.ErrorIs(t, err, ErrResolutionFailed)
}

// --- range helpers ---

func TestLineRangeOverlaps(t *testing.T) {
	// Ranges are half-open [Start, End).
	assert.False(t, LineRange{Start: 1, End: 10}.Overlaps(LineRange{Start: 10, End: 20}))
	assert.True(t, LineRange{Start: 5, End: 15}.Overlaps(LineRange{Start: 1, End: 30}))
	assert.True(t, LineRange{Start: 5, End: 11}.Overlaps(LineRange{Start: 10, End: 20}))
}
