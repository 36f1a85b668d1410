package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowAborted matches every *AbortError. The runner that returned
	// it must not be used again; start the workflow over to resolve its state
	// through replay.
	ErrWorkflowAborted = errors.New("workflow aborted")

	// ErrOutcomeUnknown matches an *AbortError raised when the lease window
	// closed before a checkpoint write was acknowledged and no rollback hook
	// was supplied. The result may or may not have been persisted.
	ErrOutcomeUnknown = errors.New("checkpoint outcome unknown")

	// ErrRollbackFailed matches an *AbortError whose rollback hook kept
	// failing after every attempt.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrLeaseWaitExceeded is returned when another worker kept the lease on
	// a step for longer than Options.LeaseWaitLimit.
	ErrLeaseWaitExceeded = errors.New("lease wait limit exceeded")

	// ErrLeaseWindowClosed is wrapped by an *AbortError whose checkpoint
	// write was not acknowledged before the step's lease timed out.
	ErrLeaseWindowClosed = errors.New("lease window closed before the checkpoint was acknowledged")

	// ErrIdempotencyConflict matches every *ConflictError.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	// ErrNoRPCAdapter is returned by coordinated operations on a Transformer
	// built without WithRPCAdapter.
	ErrNoRPCAdapter = errors.New("no rpc adapter configured")

	// ErrNoStateStore is returned by Idempotent on a Transformer built
	// without WithStateStore.
	ErrNoStateStore = errors.New("no state store configured")

	// ErrEmptyWorkflowID is returned when a workflow id is empty.
	ErrEmptyWorkflowID = errors.New("workflow id cannot be empty")

	// ErrEmptyStepKey is returned when a step key or task name is empty.
	ErrEmptyStepKey = errors.New("step key cannot be empty")

	// ErrInvalidRetryPolicy indicates a RetryPolicy that fails Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy: MaxAttempts must be >= 1 and MaxDelay >= BaseDelay")
)

// AbortReason says why a step aborted its workflow.
type AbortReason string

const (
	// AbortSuperseded means the coordinator issued a newer fencing token
	// while this runner was writing. The value may have been stored.
	AbortSuperseded AbortReason = "superseded"

	// AbortRolledBack means the write was not acknowledged in time and the
	// rollback hook undid the step's effect.
	AbortRolledBack AbortReason = "rolled_back"

	// AbortRollbackFailed means the write was not acknowledged in time and
	// the rollback hook failed on every attempt.
	AbortRollbackFailed AbortReason = "rollback_failed"

	// AbortOutcomeUnknown means the write was not acknowledged in time and
	// there was no rollback hook to run.
	AbortOutcomeUnknown AbortReason = "outcome_unknown"
)

// AbortError reports a step that ran but whose checkpoint cannot be trusted.
//
// Use errors.Is with ErrWorkflowAborted to detect any abort, or with
// ErrOutcomeUnknown and ErrRollbackFailed for the specific cases. Err holds
// the last checkpoint or rollback error, if there was one.
type AbortError struct {
	WorkflowID string
	StepKey    string
	Position   int
	Reason     AbortReason
	Err        error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	msg := fmt.Sprintf("workflow %q aborted at step %q (position %d): %s", e.WorkflowID, e.StepKey, e.Position, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrWorkflowAborted, plus the sentinel for the reason.
func (e *AbortError) Is(target error) bool {
	switch target {
	case ErrWorkflowAborted:
		return true
	case ErrOutcomeUnknown:
		return e.Reason == AbortOutcomeUnknown
	case ErrRollbackFailed:
		return e.Reason == AbortRollbackFailed
	}
	return false
}

// Unwrap returns the underlying checkpoint or rollback error.
func (e *AbortError) Unwrap() error {
	return e.Err
}

// ConflictError reports an idempotent task invoked again under the same
// task id with a different input. This is a caller bug and is never retried.
type ConflictError struct {
	WorkflowID string
	TaskName   string
	TaskID     string
	StoredHash int64
	InputHash  int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict: task %q of workflow %q was called with a different input (stored hash %d, input hash %d)",
		e.TaskName, e.WorkflowID, e.StoredHash, e.InputHash)
}

// Is matches ErrIdempotencyConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrIdempotencyConflict
}
