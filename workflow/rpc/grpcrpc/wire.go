package grpcrpc

import (
	"encoding/json"
	"time"

	"github.com/dshills/idempotent-go/workflow/rpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "idempotent.v1.Coordinator"

const (
	methodStartWorkflow           = "StartWorkflow"
	methodLeaseCheckpoint         = "LeaseCheckpoint"
	methodCheckpoint              = "Checkpoint"
	methodReleaseLeasedCheckpoint = "ReleaseLeasedCheckpoint"
	methodCompleteWorkflow        = "CompleteWorkflow"
	methodGetWorkflowStatus       = "GetWorkflowStatus"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// jsonCodec carries messages as JSON instead of protobuf, so the service
// needs no generated code. Both ends must force it.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// Durations travel as integer milliseconds and times as Unix milliseconds.

type startWorkflowMsg struct {
	WorkflowID          string `json:"workflow_id"`
	Name                string `json:"name,omitempty"`
	ContextName         string `json:"context_name,omitempty"`
	PrefetchCheckpoints bool   `json:"prefetch_checkpoints,omitempty"`
}

type startWorkflowReply struct {
	FencingToken int64            `json:"fencing_token"`
	Checkpoints  map[int64][]byte `json:"checkpoints,omitempty"`
}

type leaseCheckpointMsg struct {
	WorkflowID          string `json:"workflow_id"`
	FencingToken        int64  `json:"fencing_token"`
	LeaseTimeout        int64  `json:"lease_timeout"`
	PositionChecksum    int64  `json:"position_checksum"`
	IdempotencyChecksum int64  `json:"idempotency_checksum"`
}

type leaseCheckpointReply struct {
	HasValue              bool   `json:"has_value,omitempty"`
	Value                 []byte `json:"value,omitempty"`
	RemainingLeaseTimeout int64  `json:"remaining_lease_timeout,omitempty"`
}

type checkpointMsg struct {
	WorkflowID          string `json:"workflow_id"`
	FencingToken        int64  `json:"fencing_token"`
	PositionChecksum    int64  `json:"position_checksum"`
	IdempotencyChecksum int64  `json:"idempotency_checksum"`
	Value               []byte `json:"value"`
}

type checkpointReply struct {
	Abort bool `json:"abort"`
}

type releaseLeasedCheckpointMsg struct {
	WorkflowID       string `json:"workflow_id"`
	PositionChecksum int64  `json:"position_checksum"`
}

type completeWorkflowMsg struct {
	WorkflowID   string `json:"workflow_id"`
	FencingToken int64  `json:"fencing_token"`
	ExpireAfter  int64  `json:"expire_after"`
}

type workflowStatusMsg struct {
	WorkflowID string `json:"workflow_id"`
}

type workflowStatusReply struct {
	ID          string `json:"id"`
	Status      int    `json:"status"`
	ExpireAt    *int64 `json:"expire_at,omitempty"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

type emptyReply struct{}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func (r leaseCheckpointReply) toResponse() rpc.LeaseCheckpointResponse {
	resp := rpc.LeaseCheckpointResponse{
		RemainingLeaseTimeout: time.Duration(r.RemainingLeaseTimeout) * time.Millisecond,
	}
	if r.HasValue {
		resp.Value = r.Value
		if resp.Value == nil {
			resp.Value = []byte{}
		}
	}
	return resp
}
