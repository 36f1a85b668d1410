package workflow

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/idempotent-go/workflow/compress"
	"github.com/dshills/idempotent-go/workflow/emit"
	"github.com/dshills/idempotent-go/workflow/store"
)

type chargeRequest struct {
	OrderID string
	Cents   int64
	Meta    map[string]string
}

type chargeResult struct {
	ChargeID string
	Cents    int64
}

func newIdempotentTransformer(t *testing.T, st store.Store, opts ...Option) (*Transformer, *emit.BufferedEmitter) {
	t.Helper()
	emitter := emit.NewBufferedEmitter()
	tr, err := New(append([]Option{WithStateStore(st), WithEmitter(emitter)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, emitter
}

func openIdempotent(t *testing.T, tr *Transformer, id string, opts IdempotentOptions) *IdempotentWorkflow {
	t.Helper()
	w, err := tr.Idempotent(context.Background(), id, opts)
	if err != nil {
		t.Fatalf("Idempotent: %v", err)
	}
	return w
}

func chargeTask(calls *counter) Task[chargeRequest, chargeResult] {
	return func(ctx context.Context, in chargeRequest) (chargeResult, error) {
		calls.inc("charge")
		return chargeResult{ChargeID: "ch-" + in.OrderID, Cents: in.Cents}, nil
	}
}

func TestIdempotent_CachesResult(t *testing.T) {
	ctx := context.Background()
	tr, emitter := newIdempotentTransformer(t, store.NewMemStore())
	calls := newCounter()
	in := chargeRequest{OrderID: "o-1", Cents: 1299, Meta: map[string]string{"b": "2", "a": "1"}}

	var results []chargeResult
	for i := 0; i < 3; i++ {
		w := openIdempotent(t, tr, "checkout-1", IdempotentOptions{})
		charge := Wrap(w, "charge", chargeTask(calls))
		out, err := charge(ctx, in, CallOptions{})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		results = append(results, out)
	}

	if n := calls.get("charge"); n != 1 {
		t.Errorf("charge ran %d times, want 1", n)
	}
	for i, r := range results[1:] {
		if diff := cmp.Diff(results[0], r); diff != "" {
			t.Errorf("call %d returned a different result (-first +got):\n%s", i+1, diff)
		}
	}
	if n := emitter.Count("checkout-1", emit.MsgTaskHit); n != 2 {
		t.Errorf("task_hit events = %d, want 2", n)
	}
}

func TestIdempotent_Conflict(t *testing.T) {
	ctx := context.Background()
	tr, _ := newIdempotentTransformer(t, store.NewMemStore())
	calls := newCounter()
	w := openIdempotent(t, tr, "checkout-2", IdempotentOptions{})
	charge := Wrap(w, "charge", chargeTask(calls))

	if _, err := charge(ctx, chargeRequest{OrderID: "o-2", Cents: 100}, CallOptions{}); err != nil {
		t.Fatal(err)
	}
	_, err := charge(ctx, chargeRequest{OrderID: "o-2", Cents: 999}, CallOptions{})

	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.TaskName != "charge" || conflict.WorkflowID != "checkout-2" {
		t.Errorf("conflict = %+v", conflict)
	}
	if conflict != nil && conflict.StoredHash == conflict.InputHash {
		t.Error("conflict must carry two different hashes")
	}
	if n := calls.get("charge"); n != 1 {
		t.Errorf("charge ran %d times, want 1", n)
	}
}

func TestIdempotent_MapKeyOrderDoesNotConflict(t *testing.T) {
	ctx := context.Background()
	tr, _ := newIdempotentTransformer(t, store.NewMemStore())
	calls := newCounter()
	w := openIdempotent(t, tr, "checkout-3", IdempotentOptions{})
	charge := Wrap(w, "charge", chargeTask(calls))

	meta := make(map[string]string)
	for _, k := range []string{"z", "y", "x", "w", "v"} {
		meta[k] = k + k
	}
	for i := 0; i < 5; i++ {
		copied := make(map[string]string, len(meta))
		for k, v := range meta {
			copied[k] = v
		}
		if _, err := charge(ctx, chargeRequest{OrderID: "o-3", Meta: copied}, CallOptions{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if n := calls.get("charge"); n != 1 {
		t.Errorf("charge ran %d times, want 1", n)
	}
}

func TestIdempotent_TaskErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	tr, _ := newIdempotentTransformer(t, store.NewMemStore())
	w := openIdempotent(t, tr, "flaky", IdempotentOptions{})

	errDown := errors.New("gateway down")
	attempts := 0
	task := Wrap(w, "charge", func(ctx context.Context, cents int) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errDown
		}
		return "ok", nil
	})

	if _, err := task(ctx, 5, CallOptions{}); err != errDown {
		t.Fatalf("task error must be returned unchanged, got %v", err)
	}
	out, err := task(ctx, 5, CallOptions{})
	if err != nil || out != "ok" {
		t.Fatalf("retry: %q, %v", out, err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestIdempotent_CompressionTransparency(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	big := chargeRequest{OrderID: "o-4", Meta: map[string]string{}}
	for i := 0; i < 200; i++ {
		big.Meta[string(rune('a'+i%26))+string(rune('a'+i/26))] = "some repeated metadata value"
	}
	echo := func(ctx context.Context, in chargeRequest) (chargeRequest, error) { return in, nil }

	plainWriter, _ := newIdempotentTransformer(t, st)
	zipWriter, _ := newIdempotentTransformer(t, st, WithCompression(true))

	pw := openIdempotent(t, plainWriter, "zip", IdempotentOptions{})
	if _, err := Wrap(pw, "plain", echo)(ctx, big, CallOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := Wrap(pw, "per-call", echo)(ctx, big, CallOptions{Compress: true}); err != nil {
		t.Fatal(err)
	}
	zw := openIdempotent(t, zipWriter, "zip", IdempotentOptions{})
	if _, err := Wrap(zw, "zipped", echo)(ctx, big, CallOptions{}); err != nil {
		t.Fatal(err)
	}

	wantCompressed := map[string]bool{"plain": false, "per-call": true, "zipped": true}
	for name, want := range wantCompressed {
		id, err := pw.TaskID(name)
		if err != nil {
			t.Fatal(err)
		}
		rec, err := st.Find(ctx, "zip", id)
		if err != nil {
			t.Fatalf("Find %s: %v", name, err)
		}
		if got := bytes.HasPrefix(rec.Value, compress.Magic); got != want {
			t.Errorf("%s stored compressed=%v, want %v", name, got, want)
		}
		if rec.TaskName != name {
			t.Errorf("%s stored task name %q", name, rec.TaskName)
		}
	}

	for _, reader := range []*Transformer{plainWriter, zipWriter} {
		w := openIdempotent(t, reader, "zip", IdempotentOptions{})
		for name := range wantCompressed {
			got, err := Wrap(w, name, func(ctx context.Context, in chargeRequest) (chargeRequest, error) {
				t.Errorf("%s re-ran", name)
				return in, nil
			})(ctx, big, CallOptions{})
			if err != nil {
				t.Fatalf("read %s: %v", name, err)
			}
			if diff := cmp.Diff(big, got); diff != "" {
				t.Errorf("%s round trip (-want +got):\n%s", name, diff)
			}
		}
	}
}

func TestIdempotent_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := store.NewMemStore(store.WithClock(clock.Now))
	tr, _ := newIdempotentTransformer(t, st, WithClock(clock.Now))
	calls := newCounter()
	w := openIdempotent(t, tr, "ttl", IdempotentOptions{})

	short := Wrap(w, "short", chargeTask(calls))
	forever := Wrap(w, "forever", func(ctx context.Context, in chargeRequest) (chargeResult, error) {
		calls.inc("forever")
		return chargeResult{}, nil
	})
	in := chargeRequest{OrderID: "o-5"}

	if _, err := short(ctx, in, CallOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, err := forever(ctx, in, CallOptions{}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	if _, err := short(ctx, in, CallOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if n := calls.get("charge"); n != 1 {
		t.Errorf("result expired early: charge ran %d times", n)
	}

	clock.Advance(10 * 365 * 24 * time.Hour)
	if _, err := short(ctx, in, CallOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if _, err := forever(ctx, in, CallOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := calls.get("charge"); n != 2 {
		t.Errorf("expired result served: charge ran %d times, want 2", n)
	}
	if n := calls.get("forever"); n != 1 {
		t.Errorf("result without TTL expired: forever ran %d times", n)
	}
}

func TestIdempotent_Complete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := store.NewMemStore(store.WithClock(clock.Now))
	tr, _ := newIdempotentTransformer(t, st, WithClock(clock.Now))
	calls := newCounter()

	w := openIdempotent(t, tr, "done", IdempotentOptions{RetentionTime: time.Hour})
	charge := Wrap(w, "charge", chargeTask(calls))
	in := chargeRequest{OrderID: "o-6"}
	if _, err := charge(ctx, in, CallOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := w.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := charge(ctx, in, CallOptions{}); err != nil {
		t.Fatal(err)
	}
	if n := calls.get("charge"); n != 1 {
		t.Errorf("charge ran %d times inside retention", n)
	}

	clock.Advance(2 * time.Minute)
	recs, err := st.FindAll(ctx, "done")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("%d records survived retention", len(recs))
	}
}

// countingStore counts point reads.
type countingStore struct {
	store.Store
	mu    sync.Mutex
	finds int
}

func (c *countingStore) Find(ctx context.Context, workflowID, taskID string) (store.Record, error) {
	c.mu.Lock()
	c.finds++
	c.mu.Unlock()
	return c.Store.Find(ctx, workflowID, taskID)
}

func TestIdempotent_Prefetch(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: store.NewMemStore()}
	tr, _ := newIdempotentTransformer(t, st)
	calls := newCounter()
	in := chargeRequest{OrderID: "o-7"}

	tasks := map[string]Task[chargeRequest, chargeResult]{
		"charge": chargeTask(calls),
		"refund": func(ctx context.Context, in chargeRequest) (chargeResult, error) {
			calls.inc("refund")
			return chargeResult{ChargeID: "rf-" + in.OrderID}, nil
		},
	}

	w := openIdempotent(t, tr, "pre", IdempotentOptions{})
	for name, task := range MakeIdempotent(w, tasks) {
		if _, err := task(ctx, in, CallOptions{}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	st.finds = 0
	w = openIdempotent(t, tr, "pre", IdempotentOptions{Prefetch: true})
	wrapped := MakeIdempotent(w, tasks)
	out, err := wrapped["refund"](ctx, in, CallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.ChargeID != "rf-o-7" {
		t.Errorf("refund = %+v", out)
	}
	if _, err := wrapped["charge"](ctx, in, CallOptions{}); err != nil {
		t.Fatal(err)
	}
	if st.finds != 0 {
		t.Errorf("prefetched workflow made %d point reads", st.finds)
	}
	if calls.get("charge") != 1 || calls.get("refund") != 1 {
		t.Errorf("calls = %v", calls.n)
	}
}

func TestIdempotent_Validation(t *testing.T) {
	ctx := context.Background()

	noStore, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer noStore.Close()
	if _, err := noStore.Idempotent(ctx, "w", IdempotentOptions{}); !errors.Is(err, ErrNoStateStore) {
		t.Errorf("expected ErrNoStateStore, got %v", err)
	}

	tr, _ := newIdempotentTransformer(t, store.NewMemStore())
	if _, err := tr.Idempotent(ctx, "", IdempotentOptions{}); !errors.Is(err, ErrEmptyWorkflowID) {
		t.Errorf("expected ErrEmptyWorkflowID, got %v", err)
	}

	w := openIdempotent(t, tr, "w", IdempotentOptions{})
	task := Wrap(w, "", func(ctx context.Context, in int) (int, error) { return in, nil })
	if _, err := task(ctx, 1, CallOptions{}); !errors.Is(err, ErrEmptyStepKey) {
		t.Errorf("expected ErrEmptyStepKey, got %v", err)
	}

	a, _ := w.TaskID("charge")
	b, _ := w.TaskID("refund")
	other := openIdempotent(t, tr, "w2", IdempotentOptions{})
	c, _ := other.TaskID("charge")
	if a == b || a == c {
		t.Errorf("task ids must differ by name and workflow: %s %s %s", a, b, c)
	}
}
