package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- graph construction tests ---

func TestAddDependency_SelfEdge(t *testing.T) {
	s := NewScheduler()
	require.ErrorIs(t, s.AddDependency("a", "a"), ErrDependencyCycle)
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	s := NewScheduler()

	require.NoError(t, s.AddDependency("b", "a"))
	require.NoError(t, s.AddDependency("c", "b"))

	// a -> c would close a cycle a <- b <- c.
	require.ErrorIs(t, s.AddDependency("a", "c"), ErrDependencyCycle)
}

// A rejected edge must leave the graph exactly as it was.
func TestAddDependency_RejectionLeavesGraphUnchanged(t *testing.T) {
	s := NewScheduler()

	require.NoError(t, s.AddDependency("b", "a"))
	before := s.Schedulable()

	require.ErrorIs(t, s.AddDependency("a", "b"), ErrDependencyCycle)

	assert.Equal(t, before, s.Schedulable())
	blocked, waiting := s.Blocked("b")
	assert.True(t, blocked)
	assert.Equal(t, []string{"a"}, waiting)
	blocked, _ = s.Blocked("a")
	assert.False(t, blocked, "the rejected reverse edge must not block a")
}

func TestAdd_Idempotent(t *testing.T) {
	s := NewScheduler()
	s.Add("a")
	s.Add("a")
	assert.Equal(t, []string{"a"}, s.Schedulable())
}

// --- ready set tests ---

func TestSchedulable_DiamondOrder(t *testing.T) {
	s := NewScheduler()

	// d depends on b and c, which both depend on a.
	require.NoError(t, s.AddDependency("b", "a"))
	require.NoError(t, s.AddDependency("c", "a"))
	require.NoError(t, s.AddDependency("d", "b"))
	require.NoError(t, s.AddDependency("d", "c"))

	assert.Equal(t, []string{"a"}, s.Schedulable())

	s.MarkCompleted("a")
	assert.Equal(t, []string{"b", "c"}, s.Schedulable())

	s.MarkCompleted("b")
	assert.Equal(t, []string{"c"}, s.Schedulable())

	s.MarkCompleted("c")
	assert.Equal(t, []string{"d"}, s.Schedulable())
}

func TestSchedulable_AbortDoesNotSatisfyDependents(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddDependency("b", "a"))

	s.MarkAborted("a")

	// a is terminal but b stays blocked: an aborted prerequisite is not a
	// completed one.
	assert.Empty(t, s.Schedulable())
	blocked, waiting := s.Blocked("b")
	assert.True(t, blocked)
	assert.Equal(t, []string{"a"}, waiting)
}

func TestRemove_UnblocksAfterResubmission(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddDependency("b", "a"))

	s.MarkAborted("a")
	s.Remove("a")

	// Re-submitted story gets a fresh node; completing it unblocks b.
	require.NoError(t, s.AddDependency("b", "a2"))
	s.Add("a2")
	s.MarkCompleted("a2")

	// The stale edge to the removed node is gone.
	assert.Equal(t, []string{"b"}, s.Schedulable())
}

func TestDependents_ReverseAdjacency(t *testing.T) {
	s := NewScheduler()
	require.NoError(t, s.AddDependency("b", "a"))
	require.NoError(t, s.AddDependency("c", "a"))

	assert.Equal(t, []string{"b", "c"}, s.Dependents("a"))
	assert.Empty(t, s.Dependents("b"))
}
