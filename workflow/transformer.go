// Package workflow makes multi-step operations safe to retry.
//
// A Transformer is the explicit context object that holds the serializer,
// compressor, checksum generator, coordinator adapter and state store. Two
// modes share it:
//
//   - Coordinated: StartWorkflow returns a Runner. Each Execute call leases a
//     checkpoint slot from the coordinator, runs the step body at most once
//     and writes the result under the runner's fencing token. Re-running the
//     workflow replays completed steps from their checkpoints.
//   - Idempotent calls: Idempotent returns an IdempotentWorkflow whose
//     wrapped tasks cache results in a store.Store, keyed by task name and
//     checked against a hash of the input.
//
// Example:
//
//	t, err := workflow.New(workflow.WithRPCAdapter(memory.NewCoordinator()))
//	if err != nil {
//		return err
//	}
//	r, err := t.StartWorkflow(ctx, "order-42", workflow.WorkflowOptions{})
//	if err != nil {
//		return err
//	}
//	charge, err := workflow.Execute(ctx, r, "charge", func(ctx context.Context) (string, error) {
//		return payments.Charge(ctx, order)
//	})
//	if err != nil {
//		return err
//	}
//	return r.Complete(ctx)
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/idempotent-go/workflow/checksum"
	"github.com/dshills/idempotent-go/workflow/codec"
	"github.com/dshills/idempotent-go/workflow/compress"
	"github.com/dshills/idempotent-go/workflow/emit"
	"github.com/dshills/idempotent-go/workflow/rpc"
	"github.com/dshills/idempotent-go/workflow/store"
)

// Transformer holds the collaborators shared by runners and idempotent
// workflows. It is safe for concurrent use. Several Transformers with
// different configurations can live in one process.
type Transformer struct {
	opts       Options
	adapter    rpc.Adapter
	store      store.Store
	serializer codec.Serializer
	compressor compress.Compressor
	checksum   checksum.Generator
	emitter    emit.Emitter
	metrics    *PrometheusMetrics
	logger     logr.Logger
	now        func() time.Time

	ownsCompressor bool
}

// New builds a Transformer. Without options it uses msgpack with an empty
// model registry, zstd, xxhash and no emitter; WithRPCAdapter or
// WithStateStore is needed before workflows can run.
func New(opts ...Option) (*Transformer, error) {
	cfg := config{
		opts:   DefaultOptions(),
		logger: logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	cfg.opts = cfg.opts.withDefaults()
	if err := cfg.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	t := &Transformer{
		opts:       cfg.opts,
		adapter:    cfg.adapter,
		store:      cfg.store,
		serializer: cfg.serializer,
		compressor: cfg.compressor,
		checksum:   cfg.checksum,
		emitter:    cfg.emitter,
		metrics:    cfg.metrics,
		logger:     cfg.logger,
		now:        cfg.now,
	}
	if t.serializer == nil {
		t.serializer = codec.Default(codec.NewRegistry())
	}
	if t.checksum == nil {
		t.checksum = checksum.Default()
	}
	if t.emitter == nil {
		t.emitter = emit.NewNullEmitter()
	}
	if t.compressor == nil {
		z, err := compress.Default()
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		t.compressor = z
		t.ownsCompressor = true
	}
	return t, nil
}

// Close releases the default compressor. Adapters and stores passed in by
// the caller stay open.
func (t *Transformer) Close() error {
	if !t.ownsCompressor {
		return nil
	}
	if z, ok := t.compressor.(*compress.Zstd); ok {
		return z.Close()
	}
	return nil
}

// Options returns the effective tunables.
func (t *Transformer) Options() Options {
	return t.opts
}

// Checksum hashes the serialized form of v. Equal values hash equally in
// every process that shares the serializer and generator.
func (t *Transformer) Checksum(v any) (int64, error) {
	data, err := t.serializer.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize checksum input: %w", err)
	}
	return t.checksum.Generate(data), nil
}

// positionChecksum addresses a step by workflow id and position, qualified
// by contextName when set.
func (t *Transformer) positionChecksum(workflowID, contextName string, position int) (int64, error) {
	key := workflowID + "-" + strconv.Itoa(position)
	if contextName != "" {
		key = workflowID + "-" + contextName + "-" + strconv.Itoa(position)
	}
	return t.Checksum(key)
}

// NestedWorkflowID derives the id of a workflow started by step stepKey at
// position of parentID. The hash covers the whole tuple, and parentID
// already embeds its own ancestry, so ids cannot collide across parents.
func (t *Transformer) NestedWorkflowID(parentID, stepKey string, position int) (string, error) {
	sum, err := t.Checksum([]any{parentID, stepKey, position})
	if err != nil {
		return "", err
	}
	return parentID + "." + checksum.String(sum), nil
}

// encode serializes v and compresses it when asked.
func (t *Transformer) encode(v any, compressed bool) ([]byte, error) {
	data, err := t.serializer.Marshal(v)
	if err != nil {
		return nil, err
	}
	return compress.MaybeCompress(t.compressor, compressed, data)
}

// decode reverses encode, detecting compression from the data.
func (t *Transformer) decode(data []byte, target any) error {
	raw, err := compress.DecompressIfCompressed(t.compressor, data)
	if err != nil {
		return err
	}
	return t.serializer.Unmarshal(raw, target)
}

// GetWorkflowStatus reads a workflow record from the coordinator. It fails
// with rpc.ErrWorkflowNotFound once the record has expired.
func (t *Transformer) GetWorkflowStatus(ctx context.Context, workflowID string) (rpc.WorkflowStatus, error) {
	if t.adapter == nil {
		return rpc.WorkflowStatus{}, ErrNoRPCAdapter
	}
	return t.adapter.GetWorkflowStatus(ctx, rpc.WorkflowStatusRequest{WorkflowID: workflowID})
}

func (t *Transformer) emit(workflowID string, position int, stepKey, msg string, meta map[string]interface{}) {
	t.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Position:   position,
		StepKey:    stepKey,
		Msg:        msg,
		Meta:       meta,
	})
}
