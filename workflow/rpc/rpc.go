// Package rpc defines the contract between a workflow runner and the
// coordination service that stores fencing tokens, leases and checkpoints.
//
// The runner only ever talks to an Adapter. Package memory provides an
// in-process coordinator and package grpcrpc a network client and server.
package rpc

import (
	"context"
	"time"
)

// Adapter is the coordinator as seen by a runner. All methods may be called
// concurrently.
type Adapter interface {
	// StartWorkflow creates or resumes a workflow and issues a new fencing
	// token that supersedes every token issued before it.
	StartWorkflow(ctx context.Context, req StartWorkflowRequest) (StartWorkflowResponse, error)

	// LeaseCheckpoint returns the stored value for a checkpoint, reports the
	// remaining time on another worker's lease, or grants the lease to the
	// caller when neither applies.
	LeaseCheckpoint(ctx context.Context, req LeaseCheckpointRequest) (LeaseCheckpointResponse, error)

	// Checkpoint stores a step result. Abort is set when a newer fencing
	// token has been issued for the workflow.
	Checkpoint(ctx context.Context, req CheckpointRequest) (CheckpointResponse, error)

	// ReleaseLeasedCheckpoint drops the lease on a checkpoint so another
	// attempt need not wait for it to expire.
	ReleaseLeasedCheckpoint(ctx context.Context, req ReleaseLeasedCheckpointRequest) error

	// CompleteWorkflow marks a workflow finished; its state may be discarded
	// once ExpireAfter has elapsed.
	CompleteWorkflow(ctx context.Context, req CompleteWorkflowRequest) error

	// GetWorkflowStatus reads a workflow record. It fails with
	// ErrWorkflowNotFound once the record has expired.
	GetWorkflowStatus(ctx context.Context, req WorkflowStatusRequest) (WorkflowStatus, error)
}

// StartWorkflowRequest starts or resumes WorkflowID.
type StartWorkflowRequest struct {
	WorkflowID string
	Name       string

	// ContextName is recorded with the workflow when the runner uses
	// context-qualified addressing.
	ContextName string

	// PrefetchCheckpoints asks for every stored checkpoint value to be
	// returned, keyed by position checksum.
	PrefetchCheckpoints bool
}

// StartWorkflowResponse carries the fencing token for the new attempt.
type StartWorkflowResponse struct {
	FencingToken int64
	Checkpoints  map[int64][]byte
}

// LeaseCheckpointRequest asks for the lease on one checkpoint slot.
type LeaseCheckpointRequest struct {
	WorkflowID          string
	FencingToken        int64
	LeaseTimeout        time.Duration
	PositionChecksum    int64
	IdempotencyChecksum int64
}

// LeaseCheckpointResponse has at most one of Value and
// RemainingLeaseTimeout set. When neither is set the caller holds the lease.
type LeaseCheckpointResponse struct {
	Value                 []byte
	RemainingLeaseTimeout time.Duration
}

// Completed reports whether the checkpoint already holds a value.
func (r LeaseCheckpointResponse) Completed() bool { return r.Value != nil }

// Leased reports whether another worker holds the lease.
func (r LeaseCheckpointResponse) Leased() bool { return r.RemainingLeaseTimeout > 0 }

// CheckpointRequest writes the value of one checkpoint slot.
type CheckpointRequest struct {
	WorkflowID          string
	FencingToken        int64
	PositionChecksum    int64
	IdempotencyChecksum int64
	Value               []byte
}

// CheckpointResponse reports whether the writer has been superseded.
type CheckpointResponse struct {
	Abort bool
}

// ReleaseLeasedCheckpointRequest identifies the lease to drop.
type ReleaseLeasedCheckpointRequest struct {
	WorkflowID       string
	PositionChecksum int64
}

// CompleteWorkflowRequest finishes a workflow.
type CompleteWorkflowRequest struct {
	WorkflowID   string
	FencingToken int64
	ExpireAfter  time.Duration
}

// WorkflowStatusRequest identifies the workflow to read.
type WorkflowStatusRequest struct {
	WorkflowID string
}

// Status is the lifecycle state of a workflow record.
type Status int

const (
	StatusRunning   Status = 0
	StatusCompleted Status = 1
)

// String returns "running" or "completed".
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// WorkflowStatus is the coordinator's view of one workflow.
type WorkflowStatus struct {
	ID          string
	Status      Status
	ExpireAt    *time.Time
	CompletedAt *time.Time
}
