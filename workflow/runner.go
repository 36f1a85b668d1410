package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/idempotent-go/workflow/emit"
	"github.com/dshills/idempotent-go/workflow/rpc"
)

// releaseTimeout bounds lease release and rollback calls made after the
// caller's context may already be cancelled.
const releaseTimeout = 10 * time.Second

// WorkflowOptions configures one StartWorkflow call.
type WorkflowOptions struct {
	// Name is a human-readable label stored with the workflow.
	Name string

	// RetentionTime is how long the workflow survives after Complete.
	// Zero uses Options.DefaultRetentionTime.
	RetentionTime time.Duration

	// ContextName qualifies step addresses, so the same workflow id can
	// hold independent step sequences.
	ContextName string

	// PrefetchCheckpoints loads every stored checkpoint at start so
	// replayed steps skip the lease round trip.
	PrefetchCheckpoints bool
}

// Runner drives one attempt of a workflow. It owns the fencing token issued
// at start and the step position, and must be used by one goroutine at a
// time. Steps must be executed in the same order on every attempt.
type Runner struct {
	t            *Transformer
	workflowID   string
	runID        string
	opts         WorkflowOptions
	fencingToken int64
	position     int
	prefetched   map[int64][]byte

	// err is set once the runner can no longer make progress.
	err error
}

// StartWorkflow asks the coordinator for a fresh fencing token for
// workflowID, creating the workflow on first use. Any earlier runner of the
// same workflow is superseded. Coordinator errors are returned unchanged.
func (t *Transformer) StartWorkflow(ctx context.Context, workflowID string, opts WorkflowOptions) (*Runner, error) {
	if t.adapter == nil {
		return nil, ErrNoRPCAdapter
	}
	if workflowID == "" {
		return nil, ErrEmptyWorkflowID
	}

	resp, err := t.adapter.StartWorkflow(ctx, rpc.StartWorkflowRequest{
		WorkflowID:          workflowID,
		Name:                opts.Name,
		ContextName:         opts.ContextName,
		PrefetchCheckpoints: opts.PrefetchCheckpoints,
	})
	if err != nil {
		return nil, err
	}

	r := &Runner{
		t:            t,
		workflowID:   workflowID,
		runID:        uuid.NewString(),
		opts:         opts,
		fencingToken: resp.FencingToken,
		prefetched:   resp.Checkpoints,
	}
	t.emit(workflowID, 0, "", emit.MsgWorkflowStart, map[string]interface{}{
		"run_id":        r.runID,
		"fencing_token": resp.FencingToken,
		"name":          opts.Name,
		"prefetched":    len(resp.Checkpoints),
	})
	return r, nil
}

// ID returns the workflow id.
func (r *Runner) ID() string { return r.workflowID }

// RunID returns a random id that tells this attempt apart in events.
func (r *Runner) RunID() string { return r.runID }

// FencingToken returns the token issued at start.
func (r *Runner) FencingToken() int64 { return r.fencingToken }

// Position returns the position of the next step.
func (r *Runner) Position() int { return r.position }

// Err returns the error that stopped the runner, or nil.
func (r *Runner) Err() error { return r.err }

// Execute runs fn as the next step of the workflow, at most once across all
// attempts.
//
// If an earlier attempt already checkpointed this step, the stored result
// is returned and fn is not called. Otherwise Execute leases the step, runs
// fn and writes its result under the runner's fencing token. An error from
// fn releases the lease and is returned unchanged; the step can be retried.
// Coordinator errors are returned as *rpc.Error, and a write that cannot be
// trusted yields an *AbortError. After either, the runner is stopped and
// the workflow must be started again.
func Execute[T any](ctx context.Context, r *Runner, stepKey string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var result T
	err := r.execute(ctx, stepKey, r.t.stepConfig(opts),
		func(ctx context.Context) (any, error) {
			v, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			result = v
			return v, nil
		},
		func(data []byte) error {
			return r.t.decode(data, &result)
		})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Run is Execute for steps without a result.
func (r *Runner) Run(ctx context.Context, stepKey string, fn func(ctx context.Context) error, opts ...StepOption) error {
	_, err := Execute(ctx, r, stepKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// StartNested starts a child workflow for the step currently running. The
// child id is derived by NestedWorkflowID from this runner's id, stepKey
// and position, so it is the same on every attempt. The child is fenced and
// positioned independently; completing it does not affect this workflow.
func (r *Runner) StartNested(ctx context.Context, stepKey string, opts WorkflowOptions) (*Runner, error) {
	if stepKey == "" {
		return nil, ErrEmptyStepKey
	}
	id, err := r.t.NestedWorkflowID(r.workflowID, stepKey, r.position)
	if err != nil {
		return nil, err
	}
	return r.t.StartWorkflow(ctx, id, opts)
}

// Complete tells the coordinator the workflow is finished. Its state may be
// discarded once the retention time has passed.
func (r *Runner) Complete(ctx context.Context) error {
	expireAfter := r.opts.RetentionTime
	if expireAfter <= 0 {
		expireAfter = r.t.opts.DefaultRetentionTime
	}

	err := r.t.adapter.CompleteWorkflow(ctx, rpc.CompleteWorkflowRequest{
		WorkflowID:   r.workflowID,
		FencingToken: r.fencingToken,
		ExpireAfter:  expireAfter,
	})
	if err != nil {
		return err
	}
	r.t.emit(r.workflowID, r.position, "", emit.MsgWorkflowComplete, map[string]interface{}{
		"run_id":       r.runID,
		"expire_after": expireAfter.String(),
		"steps":        r.position,
	})
	return nil
}

// GetWorkflowStatus reads this workflow's record from the coordinator.
func (r *Runner) GetWorkflowStatus(ctx context.Context) (rpc.WorkflowStatus, error) {
	return r.t.GetWorkflowStatus(ctx, r.workflowID)
}

func (r *Runner) emit(stepKey, msg string, meta map[string]interface{}) {
	if meta == nil {
		meta = make(map[string]interface{}, 2)
	}
	meta["run_id"] = r.runID
	meta["fencing_token"] = r.fencingToken
	r.t.emit(r.workflowID, r.position, stepKey, msg, meta)
}

// stop records a terminal error.
func (r *Runner) stop(err error) error {
	r.err = err
	return err
}

func (r *Runner) execute(ctx context.Context, stepKey string, sc stepConfig,
	run func(ctx context.Context) (any, error), decode func([]byte) error) error {
	if r.err != nil {
		return r.err
	}
	if stepKey == "" {
		return ErrEmptyStepKey
	}

	positionSum, err := r.t.positionChecksum(r.workflowID, r.opts.ContextName, r.position)
	if err != nil {
		return err
	}
	idempotencySum, err := r.t.Checksum(stepKey)
	if err != nil {
		return err
	}

	if data, ok := r.prefetched[positionSum]; ok {
		delete(r.prefetched, positionSum)
		return r.replay(stepKey, data, decode, true)
	}

	resp, grantedAt, err := r.lease(ctx, stepKey, rpc.LeaseCheckpointRequest{
		WorkflowID:          r.workflowID,
		FencingToken:        r.fencingToken,
		LeaseTimeout:        sc.leaseTimeout,
		PositionChecksum:    positionSum,
		IdempotencyChecksum: idempotencySum,
	})
	if err != nil {
		// Coordinator refusals are final for this runner. Transport errors,
		// cancellation and lease waits leave it usable.
		var rerr *rpc.Error
		if errors.As(err, &rerr) {
			return r.stop(err)
		}
		return err
	}
	if resp.Completed() {
		return r.replay(stepKey, resp.Value, decode, false)
	}

	r.emit(stepKey, emit.MsgStepStart, nil)
	start := time.Now()
	value, err := run(ctx)
	latency := time.Since(start)
	if err != nil {
		r.release(ctx, stepKey, positionSum)
		r.emit(stepKey, emit.MsgStepError, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": latency.Milliseconds(),
		})
		r.t.metrics.RecordStep(stepKey, OutcomeError, latency)
		return err
	}

	data, err := r.t.encode(value, sc.compress)
	if err != nil {
		r.release(ctx, stepKey, positionSum)
		return fmt.Errorf("failed to serialize result of step %q: %w", stepKey, err)
	}

	return r.checkpoint(ctx, stepKey, sc, value, latency, grantedAt, rpc.CheckpointRequest{
		WorkflowID:          r.workflowID,
		FencingToken:        r.fencingToken,
		PositionChecksum:    positionSum,
		IdempotencyChecksum: idempotencySum,
		Value:               data,
	})
}

// replay returns a checkpointed result without running the step.
func (r *Runner) replay(stepKey string, data []byte, decode func([]byte) error, prefetched bool) error {
	if err := decode(data); err != nil {
		return fmt.Errorf("failed to decode checkpoint of step %q: %w", stepKey, err)
	}
	r.emit(stepKey, emit.MsgStepReplay, map[string]interface{}{
		"prefetched": prefetched,
	})
	r.t.metrics.RecordStep(stepKey, OutcomeReplayed, 0)
	r.position++
	return nil
}

// lease polls the coordinator until the step is completed or leased to this
// runner. It returns when the granting call was sent, which is where the
// lease window starts.
func (r *Runner) lease(ctx context.Context, stepKey string, req rpc.LeaseCheckpointRequest) (rpc.LeaseCheckpointResponse, time.Time, error) {
	var (
		waited     time.Duration
		lagRetried bool
		busy       int
	)
	for {
		sentAt := r.t.now()
		resp, err := r.t.adapter.LeaseCheckpoint(ctx, req)

		var delay time.Duration
		switch {
		case err == nil && resp.Completed():
			return resp, sentAt, nil

		case err == nil && resp.Leased():
			delay = r.leasePollDelay(resp.RemainingLeaseTimeout)

		case err == nil:
			return resp, sentAt, nil

		case errors.Is(err, rpc.ErrFencingTokenNotFound) && r.position == 0 && !lagRetried:
			// The token may not have reached the replica serving this call.
			lagRetried = true
			r.t.logger.V(1).Info("fencing token not found on first step, retrying once",
				"workflowID", r.workflowID, "stepKey", stepKey)
			if err := sleep(ctx, r.t.opts.StartLagDelay); err != nil {
				return rpc.LeaseCheckpointResponse{}, time.Time{}, err
			}
			continue

		case errors.Is(err, rpc.ErrCheckpointLeasedByOtherWorker):
			delay = computeBackoff(busy, r.t.opts.MinLeasePoll, req.LeaseTimeout, nil)
			busy++

		default:
			return rpc.LeaseCheckpointResponse{}, time.Time{}, err
		}
		if delay <= 0 {
			delay = time.Millisecond
		}

		if waited+delay > r.t.opts.LeaseWaitLimit {
			return rpc.LeaseCheckpointResponse{}, time.Time{},
				fmt.Errorf("%w: step %q of workflow %q waited %s", ErrLeaseWaitExceeded, stepKey, r.workflowID, waited)
		}
		r.emit(stepKey, emit.MsgStepLeaseWait, map[string]interface{}{
			"wait_ms": delay.Milliseconds(),
		})
		r.t.metrics.IncrementLeaseWaits(stepKey)
		if err := sleep(ctx, delay); err != nil {
			return rpc.LeaseCheckpointResponse{}, time.Time{}, err
		}
		waited += delay
	}
}

// leasePollDelay sleeps a fraction of another worker's remaining lease, at
// least MinLeasePoll and at most the remaining time.
func (r *Runner) leasePollDelay(remaining time.Duration) time.Duration {
	d := time.Duration(float64(remaining) * r.t.opts.LeasePollFraction)
	if d < r.t.opts.MinLeasePoll {
		d = r.t.opts.MinLeasePoll
	}
	if remaining > 0 && d > remaining {
		d = remaining
	}
	return d
}

// release drops the lease after a failed step so another attempt does not
// wait for it to expire. Failures are logged; the lease expires anyway.
func (r *Runner) release(ctx context.Context, stepKey string, positionSum int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := r.t.adapter.ReleaseLeasedCheckpoint(rctx, rpc.ReleaseLeasedCheckpointRequest{
		WorkflowID:       r.workflowID,
		PositionChecksum: positionSum,
	})
	if err != nil {
		r.t.logger.Error(err, "failed to release lease", "workflowID", r.workflowID, "stepKey", stepKey)
	}
}

// checkpoint writes the step result, retrying until the write is answered
// or the lease window closes.
func (r *Runner) checkpoint(ctx context.Context, stepKey string, sc stepConfig, value any,
	latency time.Duration, grantedAt time.Time, req rpc.CheckpointRequest) error {
	deadline := grantedAt.Add(sc.leaseTimeout)
	policy := r.t.opts.CheckpointRetry

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		remaining := deadline.Sub(r.t.now())
		if remaining <= 0 {
			break
		}
		if attempt > 0 {
			r.t.metrics.IncrementCheckpointRetries(stepKey)
			delay := policy.backoff(attempt - 1)
			if delay > remaining {
				delay = remaining
			}
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			if remaining = deadline.Sub(r.t.now()); remaining <= 0 {
				break
			}
		}

		wctx, cancel := context.WithTimeout(ctx, remaining)
		resp, err := r.t.adapter.Checkpoint(wctx, req)
		cancel()

		if err == nil {
			if resp.Abort {
				r.emit(stepKey, emit.MsgStepAbort, map[string]interface{}{
					"reason": string(AbortSuperseded),
				})
				r.t.metrics.RecordStep(stepKey, OutcomeAborted, latency)
				return r.stop(&AbortError{
					WorkflowID: r.workflowID,
					StepKey:    stepKey,
					Position:   r.position,
					Reason:     AbortSuperseded,
				})
			}
			r.emit(stepKey, emit.MsgStepCheckpoint, map[string]interface{}{
				"duration_ms": latency.Milliseconds(),
				"attempt":     attempt + 1,
				"bytes":       len(req.Value),
			})
			r.t.metrics.RecordStep(stepKey, OutcomeExecuted, latency)
			r.position++
			return nil
		}

		var rerr *rpc.Error
		if errors.As(err, &rerr) && !rerr.Code.Retryable() {
			// The coordinator refused the write; nothing was stored.
			r.emit(stepKey, emit.MsgStepAbort, map[string]interface{}{
				"reason": string(rerr.Code),
				"error":  err.Error(),
			})
			r.t.metrics.RecordStep(stepKey, OutcomeAborted, latency)
			return r.stop(err)
		}
		lastErr = err
		r.t.logger.V(1).Info("checkpoint write failed, retrying",
			"workflowID", r.workflowID, "stepKey", stepKey, "attempt", attempt+1, "error", err.Error())
		if ctx.Err() != nil {
			break
		}
	}

	r.t.metrics.RecordStep(stepKey, OutcomeAborted, latency)
	return r.stop(r.resolveUnacknowledged(ctx, stepKey, sc, value, lastErr))
}

// resolveUnacknowledged handles a write that may or may not have been
// stored. With a rollback hook the step's effect is undone; without one the
// caller gets AbortOutcomeUnknown and must rerun the workflow to find out
// through replay.
func (r *Runner) resolveUnacknowledged(ctx context.Context, stepKey string, sc stepConfig, value any, cause error) error {
	if cause != nil {
		cause = fmt.Errorf("%w: %w", ErrLeaseWindowClosed, cause)
	} else {
		cause = ErrLeaseWindowClosed
	}
	abort := &AbortError{
		WorkflowID: r.workflowID,
		StepKey:    stepKey,
		Position:   r.position,
		Reason:     AbortOutcomeUnknown,
		Err:        cause,
	}
	if sc.rollback == nil {
		r.emit(stepKey, emit.MsgStepAbort, map[string]interface{}{
			"reason": string(abort.Reason),
		})
		return abort
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	policy := r.t.opts.RollbackRetry
	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(rctx, policy.backoff(attempt-1)); serr != nil {
				err = errors.Join(err, serr)
				break
			}
		}
		if err = sc.rollback(rctx, value); err == nil {
			break
		}
		r.t.logger.Error(err, "rollback failed", "workflowID", r.workflowID, "stepKey", stepKey, "attempt", attempt+1)
	}

	r.t.metrics.RecordRollback(stepKey, err == nil)
	if err != nil {
		abort.Reason = AbortRollbackFailed
		abort.Err = errors.Join(err, cause)
	} else {
		abort.Reason = AbortRolledBack
	}
	r.emit(stepKey, emit.MsgStepRollback, map[string]interface{}{
		"reason": string(abort.Reason),
	})
	return abort
}
