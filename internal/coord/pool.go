package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// utilizationWindow is the number of tick samples in the sliding window
// used for scaling decisions.
const utilizationWindow = 8

// AgentHandle is a pool-assigned worker identity leased to one cycle at a
// time. The wrapped Agent is opaque; the handle only tracks assignment.
type AgentHandle struct {
	ID    string
	Type  string
	Agent Agent

	// OwnerCycle is the cycle currently holding the handle, empty when
	// idle. Written only by the owning pool.
	OwnerCycle string

	createdAt time.Time
	idleSince time.Time
}

// PoolBounds configures one typed pool.
type PoolBounds struct {
	Min            int
	Max            int
	HighWatermark  float64 // utilization above which the pool grows
	LowWatermark   float64 // utilization below which the pool shrinks
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

// agentPool is a single typed pool. Idle handles circulate through a
// buffered channel sized at Max; acquire blocks on that channel so waiting
// is cooperative and FIFO-ish without a global lock.
type agentPool struct {
	agentType string
	bounds    PoolBounds
	factory   AgentFactory
	logger    *slog.Logger

	mu      sync.Mutex
	size    int
	busy    int
	samples []float64 // sliding utilization window, newest last

	idle    chan *AgentHandle
	pending atomic.Int32
}

// PoolManager owns one pool per worker type. Scaling is strictly
// incremental: at most one instance added or retired per Tick, which is the
// hysteresis that keeps the pools from oscillating under bursty load.
type PoolManager struct {
	pools   map[string]*agentPool
	factory AgentFactory
	logger  *slog.Logger

	onEvent func(eventType, agentType, handleID, cycleID string)
}

// NewPoolManager creates pools for every configured type, pre-populated to
// each pool's Min.
func NewPoolManager(bounds map[string]PoolBounds, factory AgentFactory, logger *slog.Logger) (*PoolManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pm := &PoolManager{
		pools:   make(map[string]*agentPool, len(bounds)),
		factory: factory,
		logger:  logger,
	}

	for agentType, b := range bounds {
		p := &agentPool{
			agentType: agentType,
			bounds:    b,
			factory:   factory,
			logger:    logger,
			idle:      make(chan *AgentHandle, b.Max),
		}

		for range b.Min {
			if err := p.grow(); err != nil {
				return nil, fmt.Errorf("coord: seeding pool %q: %w", agentType, err)
			}
		}

		pm.pools[agentType] = p
	}

	return pm, nil
}

// OnEvent registers the pool event hook (agent.acquired, agent.released,
// resource.exhausted). May be nil.
func (pm *PoolManager) OnEvent(fn func(eventType, agentType, handleID, cycleID string)) {
	pm.onEvent = fn
}

// Acquire leases an idle handle of the given type for a cycle, blocking
// cooperatively until one is available or the timeout elapses. A timeout
// with the pool at max reports ErrPoolExhausted; callers own retry/backoff.
func (pm *PoolManager) Acquire(ctx context.Context, agentType, cycleID string, timeout time.Duration) (*AgentHandle, error) {
	p, ok := pm.pools[agentType]
	if !ok {
		return nil, fmt.Errorf("coord: acquire %q: %w", agentType, ErrUnknownAgentType)
	}

	if timeout <= 0 {
		timeout = p.bounds.AcquireTimeout
	}

	p.pending.Add(1)
	defer p.pending.Add(-1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-p.idle:
		p.mu.Lock()
		p.busy++
		p.mu.Unlock()

		h.OwnerCycle = cycleID
		pm.emit("agent.acquired", agentType, h.ID, cycleID)
		return h, nil
	case <-timer.C:
		pm.emit("resource.exhausted", agentType, "", cycleID)
		return nil, fmt.Errorf("coord: acquire %q for cycle %s: %w", agentType, cycleID, ErrPoolExhausted)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a handle to its pool. Releasing an already-idle handle is
// a no-op.
func (pm *PoolManager) Release(h *AgentHandle) {
	if h == nil || h.OwnerCycle == "" {
		return
	}

	p, ok := pm.pools[h.Type]
	if !ok {
		return
	}

	cycleID := h.OwnerCycle
	h.OwnerCycle = ""
	h.idleSince = time.Now()

	p.mu.Lock()
	p.busy--
	p.mu.Unlock()

	p.idle <- h
	pm.emit("agent.released", h.Type, h.ID, cycleID)
}

// Tick runs one scaling pass over every pool: sample utilization, grow by
// one when the high watermark and pending demand both indicate pressure,
// shrink by one (or retire one long-idle instance) when the low watermark
// holds. Called from the coordinator's scheduling tick.
func (pm *PoolManager) Tick() {
	for _, p := range pm.pools {
		p.tick()
	}
}

// Scale sets a pool's target size directly, clamped to [Min, Max]. Used by
// operators; automatic scaling still applies afterwards.
func (pm *PoolManager) Scale(agentType string, target int) error {
	p, ok := pm.pools[agentType]
	if !ok {
		return fmt.Errorf("coord: scale %q: %w", agentType, ErrUnknownAgentType)
	}

	return p.scaleTo(target)
}

// Stats reports current size, busy count, and pending acquirers per type.
func (pm *PoolManager) Stats() map[string]PoolStats {
	out := make(map[string]PoolStats, len(pm.pools))
	for agentType, p := range pm.pools {
		p.mu.Lock()
		out[agentType] = PoolStats{
			Size:    p.size,
			Busy:    p.busy,
			Pending: int(p.pending.Load()),
		}
		p.mu.Unlock()
	}
	return out
}

// PoolStats is a point-in-time snapshot of one pool.
type PoolStats struct {
	Size    int
	Busy    int
	Pending int
}

func (pm *PoolManager) emit(eventType, agentType, handleID, cycleID string) {
	if pm.onEvent != nil {
		pm.onEvent(eventType, agentType, handleID, cycleID)
	}
}

func (p *agentPool) tick() {
	p.mu.Lock()

	util := 0.0
	if p.size > 0 {
		util = float64(p.busy) / float64(p.size)
	}

	p.samples = append(p.samples, util)
	if len(p.samples) > utilizationWindow {
		p.samples = p.samples[len(p.samples)-utilizationWindow:]
	}

	avg := 0.0
	for _, s := range p.samples {
		avg += s
	}
	avg /= float64(len(p.samples))

	pending := int(p.pending.Load())
	size := p.size
	p.mu.Unlock()

	switch {
	case avg > p.bounds.HighWatermark && pending > size && size < p.bounds.Max:
		if err := p.grow(); err != nil {
			p.logger.Error("pool grow failed",
				slog.String("type", p.agentType),
				slog.String("error", err.Error()),
			)
			return
		}
		p.logger.Info("pool scaled up",
			slog.String("type", p.agentType),
			slog.Int("size", size+1),
			slog.Float64("utilization", avg),
		)
	case avg < p.bounds.LowWatermark && size > p.bounds.Min:
		if p.shrink() {
			p.logger.Info("pool scaled down",
				slog.String("type", p.agentType),
				slog.Int("size", size-1),
				slog.Float64("utilization", avg),
			)
		}
	default:
		p.retireIdle()
	}
}

// grow adds exactly one instance.
func (p *agentPool) grow() error {
	agent, err := p.factory(p.agentType)
	if err != nil {
		return fmt.Errorf("coord: creating %q agent: %w", p.agentType, err)
	}

	h := &AgentHandle{
		ID:        uuid.NewString(),
		Type:      p.agentType,
		Agent:     agent,
		createdAt: time.Now(),
		idleSince: time.Now(),
	}

	p.mu.Lock()
	p.size++
	p.mu.Unlock()

	p.idle <- h
	return nil
}

// shrink retires exactly one idle instance, if any is immediately
// available. Busy instances are never interrupted.
func (p *agentPool) shrink() bool {
	select {
	case <-p.idle:
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return true
	default:
		return false
	}
}

// retireIdle removes one instance above Min whose idle time exceeds the
// idle timeout.
func (p *agentPool) retireIdle() {
	if p.bounds.IdleTimeout <= 0 {
		return
	}

	p.mu.Lock()
	size := p.size
	p.mu.Unlock()

	if size <= p.bounds.Min {
		return
	}

	select {
	case h := <-p.idle:
		if time.Since(h.idleSince) >= p.bounds.IdleTimeout {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			return
		}
		// Not idle long enough, put it back.
		p.idle <- h
	default:
	}
}

func (p *agentPool) scaleTo(target int) error {
	if target < p.bounds.Min {
		target = p.bounds.Min
	}
	if target > p.bounds.Max {
		target = p.bounds.Max
	}

	for {
		p.mu.Lock()
		size := p.size
		p.mu.Unlock()

		switch {
		case size < target:
			if err := p.grow(); err != nil {
				return err
			}
		case size > target:
			if !p.shrink() {
				return nil // remaining instances are busy
			}
		default:
			return nil
		}
	}
}
