package workflow

import (
	"context"
	"fmt"
	"time"
)

// StepOption configures a single Execute call.
type StepOption func(*stepConfig)

type stepConfig struct {
	leaseTimeout time.Duration
	compress     bool
	rollback     func(ctx context.Context, result any) error
}

// WithStepLeaseTimeout overrides the lease timeout for one step.
func WithStepLeaseTimeout(d time.Duration) StepOption {
	return func(sc *stepConfig) {
		if d > 0 {
			sc.leaseTimeout = d
		}
	}
}

// WithStepCompression compresses this step's checkpoint regardless of the
// Transformer default.
func WithStepCompression(enabled bool) StepOption {
	return func(sc *stepConfig) {
		sc.compress = enabled
	}
}

// WithRollback registers a hook that undoes a step's effect when its
// checkpoint could not be acknowledged inside the lease window. The hook
// receives the step's result and is retried per Options.RollbackRetry.
func WithRollback[T any](fn func(ctx context.Context, result T) error) StepOption {
	return func(sc *stepConfig) {
		if fn == nil {
			sc.rollback = nil
			return
		}
		sc.rollback = func(ctx context.Context, result any) error {
			v, ok := result.(T)
			if !ok && result != nil {
				return fmt.Errorf("rollback expects %T, step returned %T", v, result)
			}
			return fn(ctx, v)
		}
	}
}

func (t *Transformer) stepConfig(opts []StepOption) stepConfig {
	sc := stepConfig{
		leaseTimeout: t.opts.LeaseTimeout,
		compress:     t.opts.Compress,
	}
	for _, opt := range opts {
		opt(&sc)
	}
	return sc
}
