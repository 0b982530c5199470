package coord

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- subscription tests ---

func TestBus_PatternFiltering(t *testing.T) {
	b := NewBus(testLogger())

	all := b.Subscribe("*", 16)
	conflicts := b.Subscribe("conflict.*", 16)
	phases := b.Subscribe("cycle.phase", 16)
	defer all.Close()
	defer conflicts.Close()
	defer phases.Close()

	b.Publish(Event{Type: EventConflictDetected, CycleID: "c1"})
	b.Publish(Event{Type: EventPhaseAdvanced, CycleID: "c1"})
	b.Publish(Event{Type: EventCycleCompleted, CycleID: "c1"})

	assert.Len(t, all.C(), 3)
	require.Len(t, conflicts.C(), 1)
	assert.Equal(t, EventConflictDetected, (<-conflicts.C()).Type)
	require.Len(t, phases.C(), 1)
	assert.Equal(t, EventPhaseAdvanced, (<-phases.C()).Type)
}

func TestBus_MalformedPatternMatchesNothing(t *testing.T) {
	b := NewBus(testLogger())

	sub := b.Subscribe("[", 4)
	defer sub.Close()

	b.Publish(Event{Type: EventCycleStarted})
	assert.Empty(t, sub.C())
}

func TestBus_PerSubscriberOrdering(t *testing.T) {
	b := NewBus(testLogger())

	sub := b.Subscribe("cycle.*", 64)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		b.Publish(Event{Type: EventPhaseAdvanced, CycleID: fmt.Sprintf("c%d", i)})
	}

	for i := 0; i < 20; i++ {
		ev := <-sub.C()
		assert.Equal(t, fmt.Sprintf("c%d", i), ev.CycleID, "delivery order must match publish order")
	}
}

func TestBus_PublishStampsTime(t *testing.T) {
	b := NewBus(testLogger())

	sub := b.Subscribe("*", 4)
	defer sub.Close()

	b.Publish(Event{Type: EventCycleStarted})
	ev := <-sub.C()
	assert.False(t, ev.Time.IsZero())
}

// --- overflow tests ---

// A stalled consumer loses oldest events, never blocks the publisher, and
// keeps an accurate drop count.
func TestBus_OverflowDropsOldest(t *testing.T) {
	b := NewBus(testLogger())

	sub := b.Subscribe("*", 4)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventPhaseAdvanced, CycleID: fmt.Sprintf("c%d", i)})
	}

	assert.Equal(t, int64(6), sub.Dropped())

	// Survivors are the newest four, still in order.
	for _, want := range []string{"c6", "c7", "c8", "c9"} {
		assert.Equal(t, want, (<-sub.C()).CycleID)
	}
}

func TestBus_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := NewBus(testLogger())

	slow := b.Subscribe("*", 1)
	fast := b.Subscribe("*", 64)
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventCycleStarted, CycleID: fmt.Sprintf("c%d", i)})
	}

	assert.Len(t, fast.C(), 10)
	assert.Zero(t, fast.Dropped())
	assert.Equal(t, int64(9), slow.Dropped())
}

func TestSubscription_CloseDetaches(t *testing.T) {
	b := NewBus(testLogger())

	sub := b.Subscribe("*", 4)
	sub.Close()
	sub.Close() // idempotent

	// Publishing after close must not panic on the closed channel.
	b.Publish(Event{Type: EventCycleStarted})

	_, open := <-sub.C()
	assert.False(t, open)
}
