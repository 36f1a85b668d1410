package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock interface {
	Now() time.Time
	Advance(d time.Duration)
}

// fakeClock moves time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// realClock sleeps, for back ends that expire keys on their own.
type realClock struct{}

func (realClock) Now() time.Time          { return time.Now() }
func (realClock) Advance(d time.Duration) { time.Sleep(d) }

type storeFactory func(t *testing.T, clock testClock) Store

// runStoreSuite exercises the Store contract. Every subtest uses its own
// workflow ids so back ends can share one database.
func runStoreSuite(t *testing.T, clock testClock, longWait time.Duration, newStore storeFactory) {
	ctx := context.Background()
	ttl := 300 * time.Millisecond

	t.Run("save and find", func(t *testing.T) {
		s := newStore(t, clock)
		rec := Record{WorkflowID: "wf-save", TaskID: "t1", Value: []byte{0x28, 0xb5, 0x00, 0xff}}
		if err := s.Save(ctx, rec, SaveOptions{TaskName: "charge"}); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := s.Find(ctx, "wf-save", "t1")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if string(got.Value) != string(rec.Value) || got.TaskName != "charge" || got.ExpireAt != nil {
			t.Errorf("Find = %+v", got)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		s := newStore(t, clock)
		if _, err := s.Find(ctx, "wf-missing", "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		s := newStore(t, clock)
		rec := Record{WorkflowID: "wf-overwrite", TaskID: "t1", Value: []byte("one")}
		if err := s.Save(ctx, rec, SaveOptions{TTL: time.Hour}); err != nil {
			t.Fatal(err)
		}
		rec.Value = []byte("two")
		if err := s.Save(ctx, rec, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		got, err := s.Find(ctx, "wf-overwrite", "t1")
		if err != nil {
			t.Fatal(err)
		}
		if string(got.Value) != "two" || got.ExpireAt != nil {
			t.Errorf("Find = %+v", got)
		}
	})

	t.Run("ttl boundary", func(t *testing.T) {
		s := newStore(t, clock)
		if err := s.Save(ctx, Record{WorkflowID: "wf-ttl", TaskID: "short", Value: []byte("x")}, SaveOptions{TTL: ttl}); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, Record{WorkflowID: "wf-ttl", TaskID: "forever", Value: []byte("y")}, SaveOptions{}); err != nil {
			t.Fatal(err)
		}

		got, err := s.Find(ctx, "wf-ttl", "short")
		if err != nil {
			t.Fatalf("record must be found right after saving: %v", err)
		}
		if got.ExpireAt == nil {
			t.Error("expected ExpireAt for a TTL record")
		}

		clock.Advance(ttl + 100*time.Millisecond)
		if _, err := s.Find(ctx, "wf-ttl", "short"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after TTL, got %v", err)
		}

		clock.Advance(longWait)
		if _, err := s.Find(ctx, "wf-ttl", "forever"); err != nil {
			t.Errorf("record without TTL must survive: %v", err)
		}
	})

	t.Run("find all", func(t *testing.T) {
		s := newStore(t, clock)
		for _, id := range []string{"b", "a", "c"} {
			if err := s.Save(ctx, Record{WorkflowID: "wf-all", TaskID: id, Value: []byte(id)}, SaveOptions{}); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Save(ctx, Record{WorkflowID: "wf-all", TaskID: "gone", Value: []byte("g")}, SaveOptions{TTL: ttl}); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, Record{WorkflowID: "wf-other", TaskID: "a", Value: []byte("o")}, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(ttl + 100*time.Millisecond)

		recs, err := s.FindAll(ctx, "wf-all")
		if err != nil {
			t.Fatalf("FindAll: %v", err)
		}
		var ids []string
		for _, r := range recs {
			ids = append(ids, r.TaskID)
		}
		if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
			t.Errorf("FindAll ids = %v, want [a b c]", ids)
		}
	})

	t.Run("complete sets expiry", func(t *testing.T) {
		s := newStore(t, clock)
		for _, id := range []string{"t1", "t2"} {
			if err := s.Save(ctx, Record{WorkflowID: "wf-complete", TaskID: id, Value: []byte(id)}, SaveOptions{}); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Complete(ctx, "wf-complete", clock.Now().Add(ttl)); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if _, err := s.Find(ctx, "wf-complete", "t1"); err != nil {
			t.Errorf("record must live until retention ends: %v", err)
		}

		clock.Advance(ttl + 100*time.Millisecond)
		recs, err := s.FindAll(ctx, "wf-complete")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 0 {
			t.Errorf("expected no records after retention, got %d", len(recs))
		}
	})

	t.Run("complete keeps an earlier expiry", func(t *testing.T) {
		s := newStore(t, clock)
		if err := s.Save(ctx, Record{WorkflowID: "wf-complete-ttl", TaskID: "short", Value: []byte("x")}, SaveOptions{TTL: ttl}); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, Record{WorkflowID: "wf-complete-ttl", TaskID: "open", Value: []byte("y")}, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		if err := s.Complete(ctx, "wf-complete-ttl", clock.Now().Add(longWait+time.Hour)); err != nil {
			t.Fatalf("Complete: %v", err)
		}

		short, err := s.Find(ctx, "wf-complete-ttl", "short")
		if err != nil {
			t.Fatal(err)
		}
		if short.ExpireAt == nil || short.ExpireAt.After(clock.Now().Add(ttl)) {
			t.Errorf("short TTL was extended to %v", short.ExpireAt)
		}

		clock.Advance(ttl + 100*time.Millisecond)
		if _, err := s.Find(ctx, "wf-complete-ttl", "short"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound once the original TTL passed, got %v", err)
		}
		open, err := s.Find(ctx, "wf-complete-ttl", "open")
		if err != nil {
			t.Fatalf("record without TTL must live until retention ends: %v", err)
		}
		if open.ExpireAt == nil {
			t.Error("Complete must give a record without TTL an expiry")
		}
	})

	t.Run("clean expired", func(t *testing.T) {
		s := newStore(t, clock)
		if err := s.Save(ctx, Record{WorkflowID: "wf-clean", TaskID: "old", Value: []byte("x")}, SaveOptions{TTL: ttl}); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, Record{WorkflowID: "wf-clean", TaskID: "keep", Value: []byte("y")}, SaveOptions{}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(ttl + 100*time.Millisecond)

		removed, err := s.CleanExpired(ctx)
		if err != nil {
			t.Fatalf("CleanExpired: %v", err)
		}
		if removed < 1 {
			t.Errorf("removed = %d, want at least 1", removed)
		}
		if _, err := s.Find(ctx, "wf-clean", "keep"); err != nil {
			t.Errorf("live record removed: %v", err)
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		s := newStore(t, clock)
		if !s.IsConnected(ctx) {
			t.Fatal("new store should be connected")
		}
		if err := s.Disconnect(ctx); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if s.IsConnected(ctx) {
			t.Error("store still connected after Disconnect")
		}
		if _, err := s.Find(ctx, "wf", "t"); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if err := s.Save(ctx, Record{WorkflowID: "wf", TaskID: "t", Value: []byte("v")}, SaveOptions{}); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}
