package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dshills/idempotent-go/workflow/emit"
	"github.com/dshills/idempotent-go/workflow/rpc"
	"github.com/dshills/idempotent-go/workflow/rpc/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fastOptions keep retries and polls short enough for unit tests.
func fastOptions() []Option {
	return []Option{
		WithCheckpointRetry(RetryPolicy{MaxAttempts: 100, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		WithRollbackRetry(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		WithLeasePolling(0.5, time.Millisecond),
		WithStartLagDelay(time.Millisecond),
		WithLeaseWaitLimit(time.Second),
	}
}

func newTestTransformer(t *testing.T, adapter rpc.Adapter, opts ...Option) (*Transformer, *emit.BufferedEmitter) {
	t.Helper()
	emitter := emit.NewBufferedEmitter()
	all := append([]Option{WithRPCAdapter(adapter), WithEmitter(emitter)}, fastOptions()...)
	all = append(all, opts...)

	tr, err := New(all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, emitter
}

func startRunner(t *testing.T, tr *Transformer, id string, opts WorkflowOptions) *Runner {
	t.Helper()
	r, err := tr.StartWorkflow(context.Background(), id, opts)
	if err != nil {
		t.Fatalf("StartWorkflow(%q): %v", id, err)
	}
	return r
}

// scriptedAdapter wraps a coordinator and lets a test override individual
// calls. A hook returning handled=false falls through to the coordinator.
type scriptedAdapter struct {
	rpc.Adapter

	mu              sync.Mutex
	leaseCalls      int
	checkpointCalls int
	releaseCalls    int

	onLease      func(n int, req rpc.LeaseCheckpointRequest) (rpc.LeaseCheckpointResponse, bool, error)
	onCheckpoint func(n int, req rpc.CheckpointRequest) (rpc.CheckpointResponse, bool, error)
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{Adapter: memory.NewCoordinator()}
}

func (s *scriptedAdapter) LeaseCheckpoint(ctx context.Context, req rpc.LeaseCheckpointRequest) (rpc.LeaseCheckpointResponse, error) {
	s.mu.Lock()
	s.leaseCalls++
	n, hook := s.leaseCalls, s.onLease
	s.mu.Unlock()

	if hook != nil {
		if resp, handled, err := hook(n, req); handled {
			return resp, err
		}
	}
	return s.Adapter.LeaseCheckpoint(ctx, req)
}

func (s *scriptedAdapter) Checkpoint(ctx context.Context, req rpc.CheckpointRequest) (rpc.CheckpointResponse, error) {
	s.mu.Lock()
	s.checkpointCalls++
	n, hook := s.checkpointCalls, s.onCheckpoint
	s.mu.Unlock()

	if hook != nil {
		if resp, handled, err := hook(n, req); handled {
			return resp, err
		}
	}
	return s.Adapter.Checkpoint(ctx, req)
}

func (s *scriptedAdapter) ReleaseLeasedCheckpoint(ctx context.Context, req rpc.ReleaseLeasedCheckpointRequest) error {
	s.mu.Lock()
	s.releaseCalls++
	s.mu.Unlock()
	return s.Adapter.ReleaseLeasedCheckpoint(ctx, req)
}

func (s *scriptedAdapter) counts() (lease, checkpoint, release int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseCalls, s.checkpointCalls, s.releaseCalls
}

// counter records how often each step body ran.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter {
	return &counter{n: make(map[string]int)}
}

func (c *counter) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[key]++
}

func (c *counter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key]
}
