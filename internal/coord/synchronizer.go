package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ApprovalMode selects the fallback applied when the human approver times
// out on a commit gate.
type ApprovalMode string

// Approval fallback modes.
const (
	ApprovalPause       ApprovalMode = "pause"
	ApprovalAutoApprove ApprovalMode = "auto_approve"
)

// errLockEscalation marks a lock failure that survived bounded retry; the
// coordinator turns it into a manual conflict instead of a plain abort.
var errLockEscalation = errors.New("coord: lock acquisition escalated after retries")

// errApprovalRejected aborts a cycle whose commit the approver refused.
var errApprovalRejected = errors.New("coord: commit rejected by approver")

// TokenMeter is optionally implemented by work units that report the token
// spend of their most recent phase, charged against the cycle's quota.
type TokenMeter interface {
	LastPhaseTokens() int64
}

// synchronizerHost is what the Synchronizer needs from the coordinator:
// pause-gate blocking, checkpointing, and event publication.
type synchronizerHost interface {
	// WaitIfPaused blocks until the cycle's gate is open or ctx ends.
	WaitIfPaused(ctx context.Context, cycleID string) error

	// PauseForApproval closes the cycle's gate and blocks until an
	// external decision resumes it.
	PauseForApproval(ctx context.Context, cycleID string) error

	// CheckpointPhase persists a phase-transition checkpoint.
	CheckpointPhase(ctx context.Context, cycleID string, phase Phase) error

	// PublishEvent puts an event on the bus.
	PublishEvent(ev Event)
}

// Synchronizer drives one cycle's phase progression, acquiring locks before
// resource-mutating phases and releasing them on phase exit. It owns no
// cycle state: the coordinator passes the cycle id and work unit, and all
// shared state flows through the managers.
type Synchronizer struct {
	locks  *LockManager
	budget *BudgetAllocator
	host   synchronizerHost

	approver        Approver
	approvalMode    ApprovalMode
	approvalTimeout time.Duration

	lockTimeout time.Duration
	lockRetries uint64

	logger *slog.Logger
}

// NewSynchronizer wires a synchronizer to the shared managers.
func NewSynchronizer(
	locks *LockManager,
	budget *BudgetAllocator,
	host synchronizerHost,
	approver Approver,
	approvalMode ApprovalMode,
	approvalTimeout time.Duration,
	lockTimeout time.Duration,
	lockRetries int,
	logger *slog.Logger,
) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if lockRetries < 1 {
		lockRetries = 1
	}

	return &Synchronizer{
		locks:           locks,
		budget:          budget,
		host:            host,
		approver:        approver,
		approvalMode:    approvalMode,
		approvalTimeout: approvalTimeout,
		lockTimeout:     lockTimeout,
		lockRetries:     uint64(lockRetries),
		logger:          logger,
	}
}

// RunCycle advances the work unit phase by phase until PhaseDone. Each
// boundary honors the pause gate; the commit phase additionally passes the
// human-approval gate. Returns nil on commit, errLockEscalation when a lock
// could not be acquired within the retry budget, or the underlying phase
// error otherwise.
func (sy *Synchronizer) RunCycle(ctx context.Context, cycleID string, priority int, wu WorkUnit) error {
	for {
		phase := wu.CurrentPhase()
		if phase == PhaseDone {
			return nil
		}

		if err := sy.host.WaitIfPaused(ctx, cycleID); err != nil {
			return err
		}

		if phase == PhaseCommit {
			if err := sy.approveCommit(ctx, cycleID, priority); err != nil {
				return err
			}
		}

		next, err := sy.runPhase(ctx, cycleID, phase, wu)
		if err != nil {
			return err
		}

		if err := sy.chargeTokens(ctx, cycleID, wu); err != nil {
			return err
		}

		if err := sy.host.CheckpointPhase(ctx, cycleID, next); err != nil {
			return err
		}

		sy.host.PublishEvent(Event{
			Type:    EventPhaseAdvanced,
			CycleID: cycleID,
			Data:    map[string]any{"from": string(phase), "to": string(next)},
		})
	}
}

// runPhase executes one AdvancePhase call, holding locks for the duration
// when the phase mutates shared resources. Locks are released on phase
// exit regardless of outcome.
func (sy *Synchronizer) runPhase(ctx context.Context, cycleID string, phase Phase, wu WorkUnit) (Phase, error) {
	if !phase.MutatesResources() {
		next, err := wu.AdvancePhase(ctx, cycleID)
		if err != nil {
			return "", fmt.Errorf("coord: advancing cycle %s from %s: %w", cycleID, phase, err)
		}
		return next, nil
	}

	rs := wu.ResourceSet()
	if err := sy.acquireWithRetry(ctx, cycleID, rs); err != nil {
		return "", err
	}
	defer func() {
		sy.locks.Release(cycleID, rs.Mutates...)
		sy.locks.Release(cycleID, rs.Tests...)
		sy.locks.Release(cycleID, rs.Reads...)
	}()

	next, err := wu.AdvancePhase(ctx, cycleID)
	if err != nil {
		return "", fmt.Errorf("coord: advancing cycle %s from %s: %w", cycleID, phase, err)
	}
	return next, nil
}

// acquireWithRetry takes exclusive locks on mutated resources and test
// files, shared locks on reads, with bounded fibonacci backoff. Exhausting
// the retry budget escalates rather than quietly aborting.
func (sy *Synchronizer) acquireWithRetry(ctx context.Context, cycleID string, rs ResourceSet) error {
	exclusive := normalizeResources(append(append([]string(nil), rs.Mutates...), rs.Tests...))

	backoff := retry.WithMaxRetries(sy.lockRetries, retry.NewFibonacci(200*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := sy.locks.Acquire(ctx, cycleID, exclusive, LockExclusive, sy.lockTimeout); err != nil {
			if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrDeadlock) {
				return retry.RetryableError(err)
			}
			return err
		}

		if _, err := sy.locks.Acquire(ctx, cycleID, rs.Reads, LockShared, sy.lockTimeout); err != nil {
			sy.locks.Release(cycleID, exclusive...)
			if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrDeadlock) {
				return retry.RetryableError(err)
			}
			return err
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrDeadlock) {
			return fmt.Errorf("%w: cycle %s: %w", errLockEscalation, cycleID, err)
		}
		return err
	}

	return nil
}

// chargeTokens debits the phase's reported spend. A throttled quota is a
// recoverable resource error: back off until the next reallocation grants
// headroom, not an abort.
func (sy *Synchronizer) chargeTokens(ctx context.Context, cycleID string, wu WorkUnit) error {
	meter, ok := wu.(TokenMeter)
	if !ok {
		return nil
	}

	tokens := meter.LastPhaseTokens()
	if tokens <= 0 {
		return nil
	}

	backoff := retry.WithMaxDuration(30*time.Second, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := sy.budget.Consume(cycleID, tokens)
		if errors.Is(err, ErrBudgetExceeded) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// approveCommit runs the human-approval gate before the commit phase. On
// timeout the configured fallback applies: auto-approve proceeds, pause
// waits at the gate until the coordinator resumes the cycle.
func (sy *Synchronizer) approveCommit(ctx context.Context, cycleID string, priority int) error {
	if sy.approver == nil {
		return nil
	}

	sy.host.PublishEvent(Event{
		Type:    EventApprovalRequested,
		CycleID: cycleID,
		Data:    map[string]any{"phase": string(PhaseCommit), "priority": priority},
	})

	decision, err := sy.approver.RequestApproval(ctx, cycleID, PhaseCommit, priority, sy.approvalTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			decision = DecisionTimeout
		} else {
			return fmt.Errorf("coord: requesting approval for cycle %s: %w", cycleID, err)
		}
	}

	switch decision {
	case DecisionApproved:
		return nil
	case DecisionRejected:
		return fmt.Errorf("%w: cycle %s", errApprovalRejected, cycleID)
	case DecisionTimeout:
		if sy.approvalMode == ApprovalAutoApprove {
			sy.logger.Warn("approval timed out, auto-approving",
				slog.String("cycle", cycleID))
			return nil
		}

		sy.logger.Info("approval timed out, pausing at commit gate",
			slog.String("cycle", cycleID))
		return sy.host.PauseForApproval(ctx, cycleID)
	default:
		return fmt.Errorf("coord: unknown approval decision %q for cycle %s", decision, cycleID)
	}
}
