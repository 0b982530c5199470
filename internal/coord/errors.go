package coord

import "errors"

// Sentinel errors for the coordination engine. Callers match these with
// errors.Is; managers wrap them with cycle/resource context via fmt.Errorf.
var (
	// ErrDeadlock is returned to the newest requester when the lock
	// watchdog finds a cycle in the wait-for graph.
	ErrDeadlock = errors.New("coord: deadlock detected in lock wait-for graph")

	// ErrLockTimeout is returned when a batch acquisition does not complete
	// within its timeout. Any partial grants have been rolled back.
	ErrLockTimeout = errors.New("coord: lock acquisition timed out")

	// ErrLeaseExpired is returned by Renew when the lease already lapsed
	// and the lock was reclaimed.
	ErrLeaseExpired = errors.New("coord: lock lease expired")

	// ErrPoolExhausted is returned by a blocking pool acquire that timed
	// out with the pool at max capacity. Recoverable: back off and retry.
	ErrPoolExhausted = errors.New("coord: agent pool exhausted")

	// ErrUnknownAgentType is returned for acquire/scale on a type no pool
	// was configured for.
	ErrUnknownAgentType = errors.New("coord: unknown agent type")

	// ErrBudgetExceeded is returned by Consume when a throttled cycle asks
	// for tokens beyond its remaining headroom.
	ErrBudgetExceeded = errors.New("coord: token budget exceeded")

	// ErrDependencyCycle is returned by AddDependency when the edge would
	// close a cycle in the dependency graph. The graph is unchanged.
	ErrDependencyCycle = errors.New("coord: dependency would create a cycle")

	// ErrCycleNotFound is returned for operations naming an unknown cycle.
	ErrCycleNotFound = errors.New("coord: cycle not found")

	// ErrResolutionFailed is returned when no strategy (including
	// fallbacks) could resolve a conflict.
	ErrResolutionFailed = errors.New("coord: conflict resolution failed")

	// ErrSchedulingConflict is returned by ScheduleCycle when the story is
	// suppressed (repeated aborts within cooldown) or duplicates an active
	// cycle.
	ErrSchedulingConflict = errors.New("coord: scheduling conflict")

	// ErrStateCorrupted is returned by the store on a checkpoint sequence
	// or version mismatch. Scheduling halts for the affected cycle; manual
	// intervention is required.
	ErrStateCorrupted = errors.New("coord: checkpoint state corrupted")

	// ErrExecutionClosed is returned by API calls after Shutdown.
	ErrExecutionClosed = errors.New("coord: execution closed")
)
