package coord

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// phaseOrder is the canonical TDD progression a scripted work unit walks.
var phaseOrder = []Phase{PhaseDesign, PhaseTest, PhaseCode, PhaseRefactor, PhaseCommit, PhaseDone}

// ScriptedWorkUnit is a deterministic WorkUnit for exercising the
// coordinator without real AI workers: each phase sleeps for a configured
// duration, spends a fixed token cost, and optionally fails at a chosen
// phase. The CLI's run command and the package tests both drive it.
type ScriptedWorkUnit struct {
	mu        sync.Mutex
	phase     Phase
	resources ResourceSet

	// PhaseDelay is how long each AdvancePhase blocks.
	PhaseDelay time.Duration
	// PhaseTokens is the token cost reported per completed phase.
	PhaseTokens int64
	// FailAt makes AdvancePhase error when leaving the named phase.
	FailAt Phase
	// Ranges are the edited line ranges reported per resource, for the
	// resolver's merge check.
	Ranges map[string][]LineRange
}

// NewScriptedWorkUnit starts a scripted unit in the design phase.
func NewScriptedWorkUnit(resources ResourceSet) *ScriptedWorkUnit {
	return &ScriptedWorkUnit{
		phase:     PhaseDesign,
		resources: resources,
	}
}

// CurrentPhase implements WorkUnit.
func (u *ScriptedWorkUnit) CurrentPhase() Phase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase
}

// AdvancePhase implements WorkUnit: sleep, then step to the next phase in
// TDD order.
func (u *ScriptedWorkUnit) AdvancePhase(ctx context.Context, cycleID string) (Phase, error) {
	u.mu.Lock()
	current := u.phase
	u.mu.Unlock()

	if current == PhaseDone {
		return PhaseDone, nil
	}

	if u.FailAt != "" && current == u.FailAt {
		return "", fmt.Errorf("scripted failure in %s phase of cycle %s", current, cycleID)
	}

	if u.PhaseDelay > 0 {
		select {
		case <-time.After(u.PhaseDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for i, p := range phaseOrder {
		if p == u.phase && i+1 < len(phaseOrder) {
			u.phase = phaseOrder[i+1]
			break
		}
	}
	return u.phase, nil
}

// ResourceSet implements WorkUnit.
func (u *ScriptedWorkUnit) ResourceSet() ResourceSet {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.resources
}

// LastPhaseTokens implements TokenMeter.
func (u *ScriptedWorkUnit) LastPhaseTokens() int64 { return u.PhaseTokens }

// EditedRanges implements RangeReporter.
func (u *ScriptedWorkUnit) EditedRanges(resource string) []LineRange {
	return u.Ranges[resource]
}
