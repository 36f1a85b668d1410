package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/idempotent-go/workflow/checksum"
	"github.com/dshills/idempotent-go/workflow/codec"
	"github.com/dshills/idempotent-go/workflow/compress"
	"github.com/dshills/idempotent-go/workflow/emit"
	"github.com/dshills/idempotent-go/workflow/rpc"
	"github.com/dshills/idempotent-go/workflow/store"
)

// Options holds the tunables of a Transformer. Zero fields take the values
// from DefaultOptions.
type Options struct {
	// LeaseTimeout bounds how long a runner may hold a step's lease. The
	// checkpoint write must be acknowledged inside this window. Default: 30s.
	LeaseTimeout time.Duration

	// DefaultRetentionTime is how long a completed workflow survives when
	// the workflow does not set its own retention. Default: 24h.
	DefaultRetentionTime time.Duration

	// Compress compresses every stored value. Reads always detect
	// compression from the data itself.
	Compress bool

	// CheckpointRetry spaces checkpoint write attempts. Attempts also stop
	// when the lease window closes.
	CheckpointRetry RetryPolicy

	// RollbackRetry bounds runs of a step's rollback hook. Default: 3 attempts.
	RollbackRetry RetryPolicy

	// LeasePollFraction is the share of another worker's remaining lease
	// time slept before polling again. Default: 0.5.
	LeasePollFraction float64

	// MinLeasePoll is the shortest sleep between lease polls. Default: 10ms.
	MinLeasePoll time.Duration

	// StartLagDelay is the pause before the single retry of a first-step
	// lease that failed with fencing_token_not_found. Default: 200ms.
	StartLagDelay time.Duration

	// LeaseWaitLimit bounds the total time spent waiting on another
	// worker's lease for one step. Default: 5m.
	LeaseWaitLimit time.Duration
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		LeaseTimeout:         30 * time.Second,
		DefaultRetentionTime: 24 * time.Hour,
		CheckpointRetry: RetryPolicy{
			MaxAttempts: 100,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		RollbackRetry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		LeasePollFraction: 0.5,
		MinLeasePoll:      10 * time.Millisecond,
		StartLagDelay:     200 * time.Millisecond,
		LeaseWaitLimit:    5 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LeaseTimeout == 0 {
		o.LeaseTimeout = d.LeaseTimeout
	}
	if o.DefaultRetentionTime == 0 {
		o.DefaultRetentionTime = d.DefaultRetentionTime
	}
	if o.CheckpointRetry == (RetryPolicy{}) {
		o.CheckpointRetry = d.CheckpointRetry
	}
	if o.RollbackRetry == (RetryPolicy{}) {
		o.RollbackRetry = d.RollbackRetry
	}
	if o.LeasePollFraction == 0 {
		o.LeasePollFraction = d.LeasePollFraction
	}
	if o.MinLeasePoll == 0 {
		o.MinLeasePoll = d.MinLeasePoll
	}
	if o.StartLagDelay == 0 {
		o.StartLagDelay = d.StartLagDelay
	}
	if o.LeaseWaitLimit == 0 {
		o.LeaseWaitLimit = d.LeaseWaitLimit
	}
	return o
}

func (o Options) validate() error {
	if o.LeaseTimeout < 0 || o.DefaultRetentionTime < 0 || o.LeaseWaitLimit < 0 ||
		o.MinLeasePoll < 0 || o.StartLagDelay < 0 {
		return errors.New("durations must not be negative")
	}
	if o.LeasePollFraction <= 0 || o.LeasePollFraction > 1 {
		return fmt.Errorf("lease poll fraction %v must be in (0, 1]", o.LeasePollFraction)
	}
	if err := o.CheckpointRetry.Validate(); err != nil {
		return fmt.Errorf("checkpoint retry: %w", err)
	}
	if err := o.RollbackRetry.Validate(); err != nil {
		return fmt.Errorf("rollback retry: %w", err)
	}
	return nil
}

// Option configures a Transformer.
//
//	t, err := workflow.New(
//	    workflow.WithRPCAdapter(coordinator),
//	    workflow.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	    workflow.WithLeaseTimeout(10*time.Second),
//	)
type Option func(*config) error

// config collects options before New builds the Transformer.
type config struct {
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
}

// WithOptions replaces every tunable at once. Later options override it.
func WithOptions(opts Options) Option {
	return func(cfg *config) error {
		cfg.opts = opts
		return nil
	}
}

// WithRPCAdapter sets the coordinator used by StartWorkflow and runners.
func WithRPCAdapter(adapter rpc.Adapter) Option {
	return func(cfg *config) error {
		if adapter == nil {
			return errors.New("rpc adapter cannot be nil")
		}
		cfg.adapter = adapter
		return nil
	}
}

// WithStateStore sets the store used by idempotent tasks.
func WithStateStore(st store.Store) Option {
	return func(cfg *config) error {
		if st == nil {
			return errors.New("state store cannot be nil")
		}
		cfg.store = st
		return nil
	}
}

// WithSerializer replaces the default msgpack serializer. Use it to bind a
// codec.Registry holding application models:
//
//	reg := codec.NewRegistry()
//	_ = codec.RegisterModel(reg, "Order", encodeOrder, decodeOrder)
//	workflow.WithSerializer(codec.NewMsgPack(reg))
func WithSerializer(s codec.Serializer) Option {
	return func(cfg *config) error {
		if s == nil {
			return errors.New("serializer cannot be nil")
		}
		cfg.serializer = s
		return nil
	}
}

// WithCompressor replaces the default zstd compressor.
func WithCompressor(c compress.Compressor) Option {
	return func(cfg *config) error {
		if c == nil {
			return errors.New("compressor cannot be nil")
		}
		cfg.compressor = c
		return nil
	}
}

// WithChecksum replaces the default xxhash generator. Every worker of a
// workflow must use the same generator.
func WithChecksum(g checksum.Generator) Option {
	return func(cfg *config) error {
		if g == nil {
			return errors.New("checksum generator cannot be nil")
		}
		cfg.checksum = g
		return nil
	}
}

// WithEmitter sets the event receiver. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *config) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the diagnostic logger. Default: logr.Discard().
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = logger
		return nil
	}
}

// WithClock replaces time.Now for lease windows and retention.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}

// WithLeaseTimeout sets the default per-step lease timeout.
func WithLeaseTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("lease timeout must be positive, got %s", d)
		}
		cfg.opts.LeaseTimeout = d
		return nil
	}
}

// WithRetentionTime sets how long completed workflows survive by default.
func WithRetentionTime(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("retention time must be positive, got %s", d)
		}
		cfg.opts.DefaultRetentionTime = d
		return nil
	}
}

// WithCompression compresses every stored value.
func WithCompression(enabled bool) Option {
	return func(cfg *config) error {
		cfg.opts.Compress = enabled
		return nil
	}
}

// WithCheckpointRetry sets the backoff between checkpoint write attempts.
func WithCheckpointRetry(p RetryPolicy) Option {
	return func(cfg *config) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.CheckpointRetry = p
		return nil
	}
}

// WithRollbackRetry bounds rollback hook attempts.
func WithRollbackRetry(p RetryPolicy) Option {
	return func(cfg *config) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.RollbackRetry = p
		return nil
	}
}

// WithLeasePolling sets how eagerly a runner polls a lease held by another
// worker: it sleeps fraction of the remaining lease time, but at least
// minDelay.
func WithLeasePolling(fraction float64, minDelay time.Duration) Option {
	return func(cfg *config) error {
		if fraction <= 0 || fraction > 1 {
			return fmt.Errorf("lease poll fraction %v must be in (0, 1]", fraction)
		}
		cfg.opts.LeasePollFraction = fraction
		cfg.opts.MinLeasePoll = minDelay
		return nil
	}
}

// WithLeaseWaitLimit bounds the time a step waits on another worker's lease.
func WithLeaseWaitLimit(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("lease wait limit must be positive, got %s", d)
		}
		cfg.opts.LeaseWaitLimit = d
		return nil
	}
}

// WithStartLagDelay sets the pause before retrying a first step whose
// fencing token the coordinator has not replicated yet.
func WithStartLagDelay(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("start lag delay must not be negative, got %s", d)
		}
		cfg.opts.StartLagDelay = d
		return nil
	}
}
