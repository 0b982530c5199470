package coord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(completed func(string) bool) *Detector {
	return NewDetector(completed, testLogger())
}

// --- static detection tests ---

func TestDetectStatic_SingleSharedWrite(t *testing.T) {
	d := newTestDetector(nil)

	a := cycleView{ID: "c1", Resources: ResourceSet{Mutates: []string{"a.go", "b.go"}}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Mutates: []string{"b.go", "c.go"}}}

	conflicts := d.DetectStatic(a, b)
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.Equal(t, ConflictResourceOverlap, c.Type)
	assert.Equal(t, []string{"b.go"}, c.Resources, "only the shared file is reported")
	assert.Equal(t, []string{"c1", "c2"}, c.Cycles)
	assert.Equal(t, SeverityMedium, c.Severity, "both sides write the shared file")
}

func TestDetectStatic_OneWriterIsLow(t *testing.T) {
	d := newTestDetector(nil)

	a := cycleView{ID: "c1", Resources: ResourceSet{Mutates: []string{"b.go"}}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Reads: []string{"b.go"}}}

	conflicts := d.DetectStatic(a, b)
	require.Len(t, conflicts, 1)
	assert.Equal(t, SeverityLow, conflicts[0].Severity)
	assert.True(t, conflicts[0].CanAutoResolve())
}

func TestDetectStatic_ReadReadIsClean(t *testing.T) {
	d := newTestDetector(nil)

	a := cycleView{ID: "c1", Resources: ResourceSet{Reads: []string{"shared.go"}}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Reads: []string{"shared.go"}}}

	assert.Empty(t, d.DetectStatic(a, b))
}

func TestDetectStatic_DisjointFootprints(t *testing.T) {
	d := newTestDetector(nil)

	a := cycleView{ID: "c1", Resources: ResourceSet{Mutates: []string{"a.go"}, Tests: []string{"a_test.go"}}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Mutates: []string{"b.go"}, Tests: []string{"b_test.go"}}}

	assert.Empty(t, d.DetectStatic(a, b))
}

func TestDetectStatic_TestCollision(t *testing.T) {
	d := newTestDetector(nil)

	a := cycleView{ID: "c1", Resources: ResourceSet{Mutates: []string{"a.go"}, Tests: []string{"shared_test.go"}}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Mutates: []string{"b.go"}, Tests: []string{"shared_test.go"}}}

	conflicts := d.DetectStatic(a, b)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictTestCollision, conflicts[0].Type)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
	assert.False(t, conflicts[0].CanAutoResolve())
}

func TestDetectStatic_UnmetDependencyNotStarted(t *testing.T) {
	d := newTestDetector(func(string) bool { return false })

	a := cycleView{ID: "c2", DependsOn: []string{"c1"}}
	b := cycleView{ID: "c1", Started: false}

	conflicts := d.DetectStatic(a, b)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictDependencyUnmet, conflicts[0].Type)
	assert.Equal(t, SeverityCritical, conflicts[0].Severity)
	assert.Equal(t, []string{"c2", "c1"}, conflicts[0].Cycles)
}

func TestDetectStatic_UnmetDependencyStarted(t *testing.T) {
	d := newTestDetector(func(string) bool { return false })

	a := cycleView{ID: "c2", DependsOn: []string{"c1"}}
	b := cycleView{ID: "c1", Started: true}

	conflicts := d.DetectStatic(a, b)
	require.Len(t, conflicts, 1)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
}

func TestDetectStatic_CompletedDependencySatisfied(t *testing.T) {
	d := newTestDetector(func(id string) bool { return id == "c1" })

	a := cycleView{ID: "c2", DependsOn: []string{"c1"}}
	b := cycleView{ID: "c1", Started: true}

	assert.Empty(t, d.DetectStatic(a, b))
}

func TestDetectStatic_MultipleConflictTypes(t *testing.T) {
	d := newTestDetector(func(string) bool { return false })

	a := cycleView{
		ID:        "c2",
		DependsOn: []string{"c1"},
		Resources: ResourceSet{Mutates: []string{"x.go"}, Tests: []string{"x_test.go"}},
	}
	b := cycleView{
		ID:        "c1",
		Started:   true,
		Resources: ResourceSet{Mutates: []string{"x.go"}, Tests: []string{"x_test.go"}},
	}

	conflicts := d.DetectStatic(a, b)
	require.Len(t, conflicts, 3)
	assert.Equal(t, ConflictResourceOverlap, conflicts[0].Type)
	assert.Equal(t, ConflictTestCollision, conflicts[1].Type)
	assert.Equal(t, ConflictDependencyUnmet, conflicts[2].Type)
}

// Identical inputs must classify identically every run.
func TestDetectStatic_Deterministic(t *testing.T) {
	d := newTestDetector(nil)

	a := cycleView{ID: "c1", Resources: ResourceSet{Mutates: []string{"m.go", "n.go"}, Reads: []string{"r.go"}}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Mutates: []string{"n.go"}, Reads: []string{"m.go"}}}

	first := d.DetectStatic(a, b)
	require.NotEmpty(t, first)

	for i := 0; i < 20; i++ {
		again := d.DetectStatic(a, b)
		require.Len(t, again, len(first))
		for j := range again {
			assert.Equal(t, first[j].Type, again[j].Type)
			assert.Equal(t, first[j].Severity, again[j].Severity)
			assert.Equal(t, first[j].Resources, again[j].Resources)
			assert.Equal(t, first[j].Cycles, again[j].Cycles)
		}
	}
}

// Detection must not mutate the declared footprints it reads.
func TestDetectStatic_InputsUntouched(t *testing.T) {
	d := newTestDetector(nil)

	aMutates := []string{"b.go", "a.go"}
	bMutates := []string{"b.go"}
	a := cycleView{ID: "c1", Resources: ResourceSet{Mutates: aMutates}}
	b := cycleView{ID: "c2", Resources: ResourceSet{Mutates: bMutates}}

	_ = d.DetectStatic(a, b)

	assert.Equal(t, []string{"b.go", "a.go"}, aMutates)
	assert.Equal(t, []string{"b.go"}, bMutates)
}

// --- runtime stream tests ---

func TestObserveContention_StreamsConflict(t *testing.T) {
	d := newTestDetector(nil)

	d.ObserveContention("waiter", "holder", "a.go")

	select {
	case c := <-d.Runtime():
		assert.Equal(t, ConflictResourceContention, c.Type)
		assert.Equal(t, SeverityLow, c.Severity)
		assert.Equal(t, []string{"waiter", "holder"}, c.Cycles)
		assert.Equal(t, []string{"a.go"}, c.Resources)
	default:
		t.Fatal("expected a runtime conflict on the stream")
	}
}

func TestObserveContention_OverflowDropsNotBlocks(t *testing.T) {
	d := newTestDetector(nil)

	// Overfill the stream; the extra observations must return immediately.
	for i := 0; i < runtimeBuffer+10; i++ {
		d.ObserveContention("w", "h", "a.go")
	}

	drained := 0
	for {
		select {
		case <-d.Runtime():
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, runtimeBuffer, drained)
}

func TestRestartRuntime_DiscardsBacklog(t *testing.T) {
	d := newTestDetector(nil)

	d.ObserveContention("w", "h", "a.go")
	d.RestartRuntime()

	select {
	case <-d.Runtime():
		t.Fatal("restarted stream should start empty")
	default:
	}
}
