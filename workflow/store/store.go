// Package store provides the key/value state stores used by idempotent
// tasks.
//
// A record is addressed by a workflow id and a task id. Stores honour a
// per-record TTL and a workflow-wide expiry set by Complete; expired records
// are never returned, whether or not CleanExpired has removed them yet.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a disconnected store.
	ErrClosed = errors.New("store is closed")
)

// Record is one stored task result.
type Record struct {
	WorkflowID string
	TaskID     string

	// TaskName is the context tag recorded at save time.
	TaskName string

	Value []byte

	// ExpireAt is nil for records that never expire.
	ExpireAt *time.Time
}

// SaveOptions controls how a record is saved.
type SaveOptions struct {
	// TTL is the record lifetime. Zero means the record never expires.
	TTL time.Duration

	// TaskName is stored alongside the value for operators.
	TaskName string
}

// Store persists task results.
//
// Implementations must be safe for concurrent use. Save overwrites an
// existing record with the same address.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected(ctx context.Context) bool

	// Find returns ErrNotFound when the record is absent or expired.
	Find(ctx context.Context, workflowID, taskID string) (Record, error)

	// FindAll returns every live record of a workflow, for prefetching.
	FindAll(ctx context.Context, workflowID string) ([]Record, error)

	Save(ctx context.Context, rec Record, opts SaveOptions) error

	// Complete sets the expiry of every record of the workflow to expireAt.
	Complete(ctx context.Context, workflowID string, expireAt time.Time) error

	// CleanExpired physically removes expired records and reports how many
	// were removed.
	CleanExpired(ctx context.Context) (int64, error)
}

type options struct {
	now    func() time.Time
	logger logr.Logger
	prefix string
}

func defaultOptions() options {
	return options{
		now:    time.Now,
		logger: logr.Discard(),
		prefix: "idempotent",
	}
}

// Option configures a store. Options that do not apply to a back end are
// ignored by it.
type Option func(*options)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPrefix sets the key prefix used by RedisStore.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func expireAt(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
