// Package coord implements the parallel coordination engine: it schedules
// independent build-test-refactor cycles over a shared codebase, guarding
// them with file-scoped locks, typed agent pools, a token budget, and
// conflict detection/resolution, so that tests always precede code and every
// commit lands on a green tree.
//
// The package is organized around one manager per concern (LockManager,
// PoolManager, BudgetAllocator, Detector, Resolver, Scheduler) composed by
// the Coordinator, which owns canonical per-cycle state and the run loop.
// All inter-cycle coordination goes through the managers' public operations;
// cycle executors never share memory directly.
package coord

import (
	"context"
	"time"
)

// Phase is a named stage of a cycle's opaque work unit. The coordinator
// never drives phase internals; it only observes the current phase and asks
// the work unit to advance.
type Phase string

// Work unit phases in TDD order. PhaseDone is reported by the work unit
// after a successful commit.
const (
	PhaseDesign   Phase = "design"
	PhaseTest     Phase = "test"
	PhaseCode     Phase = "code"
	PhaseRefactor Phase = "refactor"
	PhaseCommit   Phase = "commit"
	PhaseDone     Phase = "done"
)

// MutatesResources reports whether a phase writes to the shared codebase
// and therefore must run under locks. Design and test authoring mutate only
// the cycle's own test files; code, refactor, and commit touch the declared
// resource set.
func (p Phase) MutatesResources() bool {
	switch p {
	case PhaseCode, PhaseRefactor, PhaseCommit:
		return true
	default:
		return false
	}
}

// CycleState is the coordinator-owned lifecycle state of a cycle.
type CycleState string

// Cycle lifecycle states. Transitions are driven exclusively by the
// Coordinator: PENDING → SCHEDULED → RUNNING → {CONFLICTED → RESOLVING →
// RUNNING | ABORTED} → COMPLETED.
const (
	StatePending    CycleState = "PENDING"
	StateScheduled  CycleState = "SCHEDULED"
	StateRunning    CycleState = "RUNNING"
	StateConflicted CycleState = "CONFLICTED"
	StateResolving  CycleState = "RESOLVING"
	StatePaused     CycleState = "PAUSED"
	StateAborted    CycleState = "ABORTED"
	StateCompleted  CycleState = "COMPLETED"
)

// Terminal reports whether the state is final. Terminal cycles are
// tombstoned: they remain queryable for audit but never run again.
func (s CycleState) Terminal() bool {
	return s == StateAborted || s == StateCompleted
}

// ConflictStatus summarizes a cycle's current conflict involvement.
type ConflictStatus string

// Conflict status values carried on each cycle.
const (
	ConflictNone      ConflictStatus = "none"
	ConflictPotential ConflictStatus = "potential"
	ConflictActive    ConflictStatus = "active"
	ConflictResolving ConflictStatus = "resolving"
	ConflictResolved  ConflictStatus = "resolved"
)

// ResourceSet is a cycle's declared footprint on the shared codebase.
// Resource keys are workspace-relative paths, treated as opaque strings by
// every manager except the workspace observer.
type ResourceSet struct {
	// Mutates lists resources the cycle writes during code/refactor/commit.
	Mutates []string
	// Reads lists resources the cycle only consults.
	Reads []string
	// Tests lists the test files the cycle creates or edits.
	Tests []string
}

// All returns the union of mutated and read resources (tests excluded),
// which is the set the synchronizer locks around mutating phases.
func (rs ResourceSet) All() []string {
	out := make([]string, 0, len(rs.Mutates)+len(rs.Reads))
	out = append(out, rs.Mutates...)
	out = append(out, rs.Reads...)
	return out
}

// Story is the external description of one schedulable unit of work. The
// caller provides stories; the coordinator wraps each admitted story in a
// Cycle.
type Story struct {
	ID         string
	Title      string
	Priority   int // 1 (lowest) to 10 (highest)
	DependsOn  []string
	Resources  ResourceSet
	AgentTypes []string // worker types required for execution, e.g. "coder", "tester"
}

// Cycle is the coordinator's canonical record for one in-flight story. All
// fields are owned by the Coordinator and mutated only under its registry
// lock; executors receive snapshots or act through coordinator methods.
type Cycle struct {
	ID       string
	Story    Story
	State    CycleState
	Phase    Phase
	Conflict ConflictStatus

	// Agents maps worker type to the pool handle assigned at admission.
	Agents map[string]*AgentHandle
	// Quota is the token allocation granted at admission, nil before.
	Quota *BudgetAllocation
	// TxID is the transaction id covering this cycle's checkpoints.
	TxID string
	// Seq is the last checkpoint sequence number written for this cycle.
	Seq int64

	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	// FailureCause is set when the cycle aborts.
	FailureCause string
}

// Checkpoint is one recovery-boundary record for a cycle. Sequence numbers
// are strictly monotonic per cycle; the store rejects out-of-order writes.
type Checkpoint struct {
	CycleID  string
	Phase    Phase
	State    CycleState
	Seq      int64
	Snapshot string // opaque work-unit snapshot, JSON in practice
	At       time.Time
}

// WorkUnit is the capability interface over the external single-cycle phase
// state machine. The coordinator stores only the handle; it never inspects
// the work unit's internal suspension or task representation.
type WorkUnit interface {
	// CurrentPhase returns the phase the work unit is in.
	CurrentPhase() Phase

	// AdvancePhase runs the current phase to completion and moves to the
	// next, returning the new phase. Blocking; honors ctx cancellation.
	AdvancePhase(ctx context.Context, cycleID string) (Phase, error)

	// ResourceSet returns the declared resource footprint. It may grow as
	// the work unit learns more, but never shrinks mid-phase.
	ResourceSet() ResourceSet
}

// RangeReporter is optionally implemented by work units that can report
// which line ranges they edited per resource. The resolver's auto-merge
// succeeds only when both sides report non-overlapping ranges.
type RangeReporter interface {
	EditedRanges(resource string) []LineRange
}

// LineRange is a half-open [Start, End) line interval within a resource.
type LineRange struct {
	Start int
	End   int
}

// Overlaps reports whether two ranges share any line.
func (r LineRange) Overlaps(o LineRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Decision is a human-approval verdict for a phase gate.
type Decision string

// Approval decisions. DecisionTimeout is synthesized by the synchronizer
// when the approver does not answer within the configured window; the
// configured fallback (pause or auto-approve) is then applied.
const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimeout  Decision = "timeout"
)

// Approver is the external human command/approval front end.
type Approver interface {
	RequestApproval(ctx context.Context, cycleID string, phase Phase, priority int, timeout time.Duration) (Decision, error)
}

// Agent is an opaque AI code-generation worker. Pool instances wrap one
// Agent each; the coordinator never interprets task or result contents.
type Agent interface {
	Invoke(ctx context.Context, task string) (string, error)
}

// AgentFactory creates a worker of the given type. Called by pools when
// scaling up; the returned Agent is owned by the pool until retirement.
type AgentFactory func(agentType string) (Agent, error)
