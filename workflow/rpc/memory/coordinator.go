// Package memory implements the coordinator contract in process memory.
//
// A Coordinator is suitable for tests, local development and deployments
// where every worker lives in one process. Serve it over the network with
// grpcrpc.NewServer to share it between processes.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/dshills/idempotent-go/workflow/rpc"
)

type checkpoint struct {
	value               []byte
	idempotencyChecksum int64
}

// lease is owned by the fencing token that was granted it.
type lease struct {
	token     int64
	grantedAt time.Time
	timeout   time.Duration
}

func (l lease) remaining(now time.Time) time.Duration {
	return l.grantedAt.Add(l.timeout).Sub(now)
}

type workflowRecord struct {
	name         string
	contextName  string
	status       rpc.Status
	fencingToken int64
	createdAt    time.Time
	expireAt     *time.Time
	completedAt  *time.Time
	checkpoints  map[int64]checkpoint
	leases       map[int64]lease
}

// Coordinator is an in-memory rpc.Adapter. It is safe for concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	workflows map[string]*workflowRecord
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		workflows: make(map[string]*workflowRecord),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lookup returns the live record for id, dropping it first if it expired.
// Caller holds c.mu.
func (c *Coordinator) lookup(id string, now time.Time) *workflowRecord {
	w, ok := c.workflows[id]
	if !ok {
		return nil
	}
	if w.status == rpc.StatusCompleted && w.expireAt != nil && !now.Before(*w.expireAt) {
		delete(c.workflows, id)
		return nil
	}
	return w
}

// StartWorkflow creates the workflow if needed and issues the next fencing
// token.
func (c *Coordinator) StartWorkflow(ctx context.Context, req rpc.StartWorkflowRequest) (rpc.StartWorkflowResponse, error) {
	if err := ctx.Err(); err != nil {
		return rpc.StartWorkflowResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w := c.lookup(req.WorkflowID, now)
	if w == nil {
		w = &workflowRecord{
			name:        req.Name,
			contextName: req.ContextName,
			status:      rpc.StatusRunning,
			createdAt:   now,
			checkpoints: make(map[int64]checkpoint),
			leases:      make(map[int64]lease),
		}
		c.workflows[req.WorkflowID] = w
	}
	w.fencingToken++

	resp := rpc.StartWorkflowResponse{FencingToken: w.fencingToken}
	if req.PrefetchCheckpoints {
		resp.Checkpoints = make(map[int64][]byte, len(w.checkpoints))
		for pos, cp := range w.checkpoints {
			resp.Checkpoints[pos] = cloneBytes(cp.value)
		}
	}
	return resp, nil
}

// LeaseCheckpoint returns the stored value, the remaining time on a live
// lease, or grants the lease.
func (c *Coordinator) LeaseCheckpoint(ctx context.Context, req rpc.LeaseCheckpointRequest) (rpc.LeaseCheckpointResponse, error) {
	if err := ctx.Err(); err != nil {
		return rpc.LeaseCheckpointResponse{}, err
	}
	if req.LeaseTimeout <= 0 {
		return rpc.LeaseCheckpointResponse{}, rpc.NewError(rpc.CodeLeaseTimeoutNotFound, "workflow %q", req.WorkflowID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w := c.lookup(req.WorkflowID, now)
	if w == nil {
		return rpc.LeaseCheckpointResponse{}, rpc.NewError(rpc.CodeFencingTokenNotFound, "workflow %q", req.WorkflowID)
	}

	if cp, ok := w.checkpoints[req.PositionChecksum]; ok {
		if cp.idempotencyChecksum != req.IdempotencyChecksum {
			return rpc.LeaseCheckpointResponse{}, rpc.NewError(rpc.CodeNonDeterministicCheckpoint,
				"workflow %q position %d holds a different step", req.WorkflowID, req.PositionChecksum)
		}
		return rpc.LeaseCheckpointResponse{Value: cloneBytes(cp.value)}, nil
	}

	if l, ok := w.leases[req.PositionChecksum]; ok {
		if remaining := l.remaining(now); remaining > 0 {
			return rpc.LeaseCheckpointResponse{RemainingLeaseTimeout: remaining}, nil
		}
	}

	switch {
	case w.fencingToken > req.FencingToken:
		return rpc.LeaseCheckpointResponse{}, rpc.NewError(rpc.CodeFencingTokenExpired,
			"workflow %q token %d superseded by %d", req.WorkflowID, req.FencingToken, w.fencingToken)
	case w.fencingToken < req.FencingToken:
		return rpc.LeaseCheckpointResponse{}, rpc.NewError(rpc.CodeFencingTokenNotFound,
			"workflow %q never issued token %d", req.WorkflowID, req.FencingToken)
	}

	w.leases[req.PositionChecksum] = lease{token: req.FencingToken, grantedAt: now, timeout: req.LeaseTimeout}
	return rpc.LeaseCheckpointResponse{}, nil
}

// Checkpoint drops the caller's own lease and stores the value unless the
// slot already holds one. A superseded writer may only write under a live
// lease of its own, and is told to abort when it does. A write that finds
// the slot filled by a different value is told to abort as well, since its
// result is not the one replays will see.
func (c *Coordinator) Checkpoint(ctx context.Context, req rpc.CheckpointRequest) (rpc.CheckpointResponse, error) {
	if err := ctx.Err(); err != nil {
		return rpc.CheckpointResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w := c.lookup(req.WorkflowID, now)
	if w == nil {
		return rpc.CheckpointResponse{}, rpc.NewError(rpc.CodeFencingTokenNotFound, "workflow %q", req.WorkflowID)
	}

	l, leased := w.leases[req.PositionChecksum]
	owned := leased && l.token == req.FencingToken

	superseded := w.fencingToken > req.FencingToken
	if superseded && (!owned || l.remaining(now) <= 0) {
		return rpc.CheckpointResponse{}, rpc.NewError(rpc.CodeFencingTokenExpired,
			"workflow %q token %d superseded by %d without a live lease", req.WorkflowID, req.FencingToken, w.fencingToken)
	}
	if owned {
		delete(w.leases, req.PositionChecksum)
	}

	if cp, exists := w.checkpoints[req.PositionChecksum]; exists {
		same := cp.idempotencyChecksum == req.IdempotencyChecksum && bytes.Equal(cp.value, req.Value)
		return rpc.CheckpointResponse{Abort: superseded || !same}, nil
	}
	w.checkpoints[req.PositionChecksum] = checkpoint{
		value:               cloneBytes(req.Value),
		idempotencyChecksum: req.IdempotencyChecksum,
	}
	return rpc.CheckpointResponse{Abort: superseded}, nil
}

// ReleaseLeasedCheckpoint drops a lease. Releasing an unknown lease is not
// an error.
func (c *Coordinator) ReleaseLeasedCheckpoint(ctx context.Context, req rpc.ReleaseLeasedCheckpointRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if w := c.lookup(req.WorkflowID, c.now()); w != nil {
		delete(w.leases, req.PositionChecksum)
	}
	return nil
}

// CompleteWorkflow marks the workflow completed and schedules its expiry.
func (c *Coordinator) CompleteWorkflow(ctx context.Context, req rpc.CompleteWorkflowRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w := c.lookup(req.WorkflowID, now)
	if w == nil {
		return rpc.NewError(rpc.CodeFencingTokenNotFound, "workflow %q", req.WorkflowID)
	}
	if w.fencingToken > req.FencingToken {
		return rpc.NewError(rpc.CodeFencingTokenExpired,
			"workflow %q token %d superseded by %d", req.WorkflowID, req.FencingToken, w.fencingToken)
	}

	expireAt := now.Add(req.ExpireAfter)
	completedAt := now
	w.status = rpc.StatusCompleted
	w.expireAt = &expireAt
	w.completedAt = &completedAt
	return nil
}

// GetWorkflowStatus returns the workflow record, or rpc.ErrWorkflowNotFound
// once it has expired.
func (c *Coordinator) GetWorkflowStatus(ctx context.Context, req rpc.WorkflowStatusRequest) (rpc.WorkflowStatus, error) {
	if err := ctx.Err(); err != nil {
		return rpc.WorkflowStatus{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.lookup(req.WorkflowID, c.now())
	if w == nil {
		return rpc.WorkflowStatus{}, rpc.NewError(rpc.CodeWorkflowNotFound, "workflow %q", req.WorkflowID)
	}
	return rpc.WorkflowStatus{
		ID:          req.WorkflowID,
		Status:      w.status,
		ExpireAt:    cloneTime(w.expireAt),
		CompletedAt: cloneTime(w.completedAt),
	}, nil
}

// CleanExpired removes every completed workflow whose retention has
// elapsed and returns how many were removed.
func (c *Coordinator) CleanExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	before := len(c.workflows)
	for id := range c.workflows {
		c.lookup(id, now)
	}
	return int64(before - len(c.workflows)), nil
}

// Len returns the number of workflow records held, including expired ones
// that have not been cleaned yet.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workflows)
}

// cloneBytes never returns nil, so a stored empty value still reads as
// completed.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ rpc.Adapter = (*Coordinator)(nil)
