package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/idempotent-go/workflow/checksum"
	"github.com/dshills/idempotent-go/workflow/emit"
	"github.com/dshills/idempotent-go/workflow/store"
)

// IdempotentOptions configures an IdempotentWorkflow.
type IdempotentOptions struct {
	// RetentionTime is how long results survive after Complete. Zero uses
	// Options.DefaultRetentionTime.
	RetentionTime time.Duration

	// Prefetch loads every stored result of the workflow up front, saving a
	// store round trip per task.
	Prefetch bool
}

// CallOptions is the explicit per-call options parameter of an
// IdempotentTask. The zero value is valid.
type CallOptions struct {
	// Compress compresses the stored result. Reads detect compression from
	// the data.
	Compress bool

	// TTL is the lifetime of the stored result. Zero means it never
	// expires (until Complete sets the workflow's expiry).
	TTL time.Duration
}

// Task is a unit of work that an IdempotentWorkflow can wrap.
type Task[In, Out any] func(ctx context.Context, in In) (Out, error)

// IdempotentTask is a wrapped Task. The first call stores the result; later
// calls with an equal input return it without running the task, and calls
// with a different input fail with a *ConflictError.
type IdempotentTask[In, Out any] func(ctx context.Context, in In, opts CallOptions) (Out, error)

// idempotencyResult is the stored form of a task result.
type idempotencyResult struct {
	WorkflowID string `msgpack:"workflowId" json:"workflowId"`
	TaskID     string `msgpack:"taskId" json:"taskId"`
	InputHash  int64  `msgpack:"inputHash" json:"inputHash"`
	Value      []byte `msgpack:"value" json:"value"`
}

// taskKey is hashed into a task id.
type taskKey struct {
	WorkflowID  string `msgpack:"workflowId" json:"workflowId"`
	ContextName string `msgpack:"contextName" json:"contextName"`
}

// IdempotentWorkflow caches task results in a store.Store without a
// coordinator. It assumes one writer per task at a time; concurrent first
// calls of the same task may both run it.
type IdempotentWorkflow struct {
	t    *Transformer
	id   string
	opts IdempotentOptions

	mu         sync.RWMutex
	prefetched map[string]store.Record
}

// Idempotent opens the idempotent-call workflow workflowID on the
// configured state store.
func (t *Transformer) Idempotent(ctx context.Context, workflowID string, opts IdempotentOptions) (*IdempotentWorkflow, error) {
	if t.store == nil {
		return nil, ErrNoStateStore
	}
	if workflowID == "" {
		return nil, ErrEmptyWorkflowID
	}

	w := &IdempotentWorkflow{t: t, id: workflowID, opts: opts}
	if opts.Prefetch {
		recs, err := t.store.FindAll(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to prefetch workflow %q: %w", workflowID, err)
		}
		w.prefetched = make(map[string]store.Record, len(recs))
		for _, rec := range recs {
			w.prefetched[rec.TaskID] = rec
		}
	}
	return w, nil
}

// ID returns the workflow id.
func (w *IdempotentWorkflow) ID() string { return w.id }

// TaskID returns the store key of the task registered under name.
func (w *IdempotentWorkflow) TaskID(name string) (string, error) {
	sum, err := w.t.Checksum(taskKey{WorkflowID: w.id, ContextName: name})
	if err != nil {
		return "", err
	}
	return checksum.String(sum), nil
}

// Complete sets every stored result of the workflow to expire after the
// retention time.
func (w *IdempotentWorkflow) Complete(ctx context.Context) error {
	retention := w.opts.RetentionTime
	if retention <= 0 {
		retention = w.t.opts.DefaultRetentionTime
	}
	if err := w.t.store.Complete(ctx, w.id, w.t.now().Add(retention)); err != nil {
		return fmt.Errorf("failed to complete workflow %q: %w", w.id, err)
	}
	w.t.emit(w.id, 0, "", emit.MsgWorkflowComplete, map[string]interface{}{
		"expire_after": retention.String(),
	})
	return nil
}

// find returns the stored record of a task, consulting the prefetched
// records first.
func (w *IdempotentWorkflow) find(ctx context.Context, taskID string) (store.Record, bool, error) {
	w.mu.RLock()
	rec, ok := w.prefetched[taskID]
	w.mu.RUnlock()
	if ok {
		if rec.ExpireAt == nil || w.t.now().Before(*rec.ExpireAt) {
			return rec, true, nil
		}
		w.mu.Lock()
		delete(w.prefetched, taskID)
		w.mu.Unlock()
	}

	rec, err := w.t.store.Find(ctx, w.id, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	return rec, true, nil
}

// Wrap makes fn idempotent under name within w.
func Wrap[In, Out any](w *IdempotentWorkflow, name string, fn Task[In, Out]) IdempotentTask[In, Out] {
	return func(ctx context.Context, in In, opts CallOptions) (Out, error) {
		var zero Out
		if name == "" {
			return zero, ErrEmptyStepKey
		}

		taskID, err := w.TaskID(name)
		if err != nil {
			return zero, err
		}
		inputHash, err := w.t.Checksum(in)
		if err != nil {
			return zero, fmt.Errorf("failed to hash input of task %q: %w", name, err)
		}

		rec, found, err := w.find(ctx, taskID)
		if err != nil {
			return zero, fmt.Errorf("failed to read task %q: %w", name, err)
		}
		if found {
			return cachedResult[Out](w, name, taskID, inputHash, rec)
		}

		out, err := fn(ctx, in)
		if err != nil {
			return zero, err
		}

		value, err := w.t.serializer.Marshal(out)
		if err != nil {
			return zero, fmt.Errorf("failed to serialize result of task %q: %w", name, err)
		}
		data, err := w.t.encode(idempotencyResult{
			WorkflowID: w.id,
			TaskID:     taskID,
			InputHash:  inputHash,
			Value:      value,
		}, opts.Compress || w.t.opts.Compress)
		if err != nil {
			return zero, fmt.Errorf("failed to encode result of task %q: %w", name, err)
		}

		err = w.t.store.Save(ctx, store.Record{
			WorkflowID: w.id,
			TaskID:     taskID,
			Value:      data,
		}, store.SaveOptions{TTL: opts.TTL, TaskName: name})
		if err != nil {
			return zero, fmt.Errorf("failed to save result of task %q: %w", name, err)
		}

		w.t.emit(w.id, 0, name, emit.MsgTaskExecute, map[string]interface{}{
			"task_id": taskID,
			"bytes":   len(data),
		})
		w.t.metrics.RecordCall(name, CallMiss)
		return out, nil
	}
}

func cachedResult[Out any](w *IdempotentWorkflow, name, taskID string, inputHash int64, rec store.Record) (Out, error) {
	var (
		zero   Out
		stored idempotencyResult
	)
	if err := w.t.decode(rec.Value, &stored); err != nil {
		return zero, fmt.Errorf("failed to decode stored result of task %q: %w", name, err)
	}

	if stored.InputHash != inputHash {
		w.t.emit(w.id, 0, name, emit.MsgTaskConflict, map[string]interface{}{
			"task_id":     taskID,
			"stored_hash": stored.InputHash,
			"input_hash":  inputHash,
		})
		w.t.metrics.RecordCall(name, CallConflict)
		return zero, &ConflictError{
			WorkflowID: w.id,
			TaskName:   name,
			TaskID:     taskID,
			StoredHash: stored.InputHash,
			InputHash:  inputHash,
		}
	}

	var out Out
	if err := w.t.serializer.Unmarshal(stored.Value, &out); err != nil {
		return zero, fmt.Errorf("failed to decode result of task %q: %w", name, err)
	}
	w.t.emit(w.id, 0, name, emit.MsgTaskHit, map[string]interface{}{
		"task_id": taskID,
	})
	w.t.metrics.RecordCall(name, CallHit)
	return out, nil
}

// MakeIdempotent wraps every task of tasks under its map key.
//
//	calls := workflow.MakeIdempotent(w, map[string]workflow.Task[Order, Receipt]{
//		"charge": chargeCard,
//		"ship":   shipOrder,
//	})
//	receipt, err := calls["charge"](ctx, order, workflow.CallOptions{})
func MakeIdempotent[In, Out any](w *IdempotentWorkflow, tasks map[string]Task[In, Out]) map[string]IdempotentTask[In, Out] {
	out := make(map[string]IdempotentTask[In, Out], len(tasks))
	for name, fn := range tasks {
		out[name] = Wrap(w, name, fn)
	}
	return out
}
