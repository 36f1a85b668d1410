// Package emit provides event emission for workflow step execution.
package emit

// Emitter receives events from runners and idempotent-call wrappers.
//
// Implementations must be safe for concurrent use: several runners may share
// one emitter, and two runners racing on the same workflow id emit
// interleaved events. Emit must not block step execution for long and must
// not panic.
type Emitter interface {
	// Emit records a single event.
	Emit(event Event)
}

// Event names emitted by the workflow package.
const (
	MsgWorkflowStart    = "workflow_start"
	MsgWorkflowComplete = "workflow_complete"
	MsgStepReplay       = "step_replay"
	MsgStepLeaseWait    = "step_lease_wait"
	MsgStepStart        = "step_start"
	MsgStepError        = "step_error"
	MsgStepCheckpoint   = "step_checkpoint"
	MsgStepAbort        = "step_abort"
	MsgStepRollback     = "step_rollback"
	MsgTaskHit          = "task_hit"
	MsgTaskExecute      = "task_execute"
	MsgTaskConflict     = "task_conflict"
)
