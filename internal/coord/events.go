package coord

import (
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// Event type constants published on the bus. Consumers subscribe by glob
// pattern ("cycle.*", "*") and must be idempotent: delivery is at-least-once
// from the coordinator's perspective (a replayed tick may re-publish).
const (
	EventCycleScheduled    = "cycle.scheduled"
	EventCycleStarted      = "cycle.started"
	EventCycleCompleted    = "cycle.completed"
	EventCycleAborted      = "cycle.aborted"
	EventCyclePaused       = "cycle.paused"
	EventCycleResumed      = "cycle.resumed"
	EventPhaseAdvanced     = "cycle.phase"
	EventConflictDetected  = "conflict.detected"
	EventConflictResolved  = "conflict.resolved"
	EventAgentAcquired     = "agent.acquired"
	EventAgentReleased     = "agent.released"
	EventLockReclaimed     = "lock.reclaimed"
	EventResourceExhausted = "resource.exhausted"
	EventApprovalRequested = "approval.requested"
	EventStoreAlert        = "store.alert"
)

// Event is one typed occurrence on the coordinator's stream.
type Event struct {
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	CycleID string         `json:"cycle_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Subscription is one consumer's buffered queue. Events matching the
// pattern are delivered in publish order per subscriber; global ordering
// across subscribers is not guaranteed. When the buffer is full the oldest
// event is dropped and counted, so a stalled consumer never blocks the
// publisher.
type Subscription struct {
	pattern string
	ch      chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	bus       *Bus
}

// C is the receive channel. Closed after Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded due to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

// Bus is the coordinator's publish/subscribe fabric. Pattern filtering
// happens at publish time against each subscriber's glob.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a consumer for events matching pattern (path.Match
// syntax over the dotted type, so "conflict.*" and "*" work as expected).
// buffer bounds the queue; values below 1 get a default of 64.
func (b *Bus) Subscribe(pattern string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 64
	}

	s := &Subscription{
		pattern: pattern,
		ch:      make(chan Event, buffer),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers the event to every matching subscriber. Never blocks:
// full queues drop their oldest event to make room.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		if !matches(s.pattern, ev.Type) {
			continue
		}

		for {
			select {
			case s.ch <- ev:
			default:
				// Queue full: evict the oldest to keep the newest.
				select {
				case <-s.ch:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// matches applies the subscriber glob to an event type. A malformed
// pattern matches nothing.
func matches(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}
