package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore keeps records in process memory. Contents are lost on exit.
type MemStore struct {
	mu        sync.RWMutex
	records   map[string]map[string]Record // workflowID -> taskID -> record
	connected bool
	now       func() time.Time
}

// NewMemStore creates an empty, connected MemStore.
func NewMemStore(opts ...Option) *MemStore {
	o := applyOptions(opts)
	return &MemStore{
		records:   make(map[string]map[string]Record),
		connected: true,
		now:       o.now,
	}
}

// Connect marks the store usable again after Disconnect. Records survive.
func (m *MemStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect makes every other operation fail with ErrClosed.
func (m *MemStore) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected reports whether the store accepts operations.
func (m *MemStore) IsConnected(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MemStore) live(rec Record, now time.Time) bool {
	return rec.ExpireAt == nil || now.Before(*rec.ExpireAt)
}

// Find returns a live record.
func (m *MemStore) Find(ctx context.Context, workflowID, taskID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return Record{}, ErrClosed
	}
	rec, ok := m.records[workflowID][taskID]
	if !ok || !m.live(rec, m.now()) {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// FindAll returns the live records of a workflow ordered by task id.
func (m *MemStore) FindAll(ctx context.Context, workflowID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrClosed
	}
	now := m.now()
	out := make([]Record, 0, len(m.records[workflowID]))
	for _, rec := range m.records[workflowID] {
		if m.live(rec, now) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Save stores rec, replacing any record at the same address.
func (m *MemStore) Save(ctx context.Context, rec Record, opts SaveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrClosed
	}
	rec.TaskName = opts.TaskName
	rec.ExpireAt = expireAt(m.now(), opts.TTL)
	rec = copyRecord(rec)

	tasks, ok := m.records[rec.WorkflowID]
	if !ok {
		tasks = make(map[string]Record)
		m.records[rec.WorkflowID] = tasks
	}
	tasks[rec.TaskID] = rec
	return nil
}

// Complete sets the expiry of all records of workflowID. A record that
// already expires earlier keeps its own expiry.
func (m *MemStore) Complete(ctx context.Context, workflowID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrClosed
	}
	for id, rec := range m.records[workflowID] {
		if rec.ExpireAt != nil && rec.ExpireAt.Before(at) {
			continue
		}
		t := at
		rec.ExpireAt = &t
		m.records[workflowID][id] = rec
	}
	return nil
}

// CleanExpired deletes expired records.
func (m *MemStore) CleanExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrClosed
	}
	now := m.now()
	var removed int64
	for wf, tasks := range m.records {
		for id, rec := range tasks {
			if !m.live(rec, now) {
				delete(tasks, id)
				removed++
			}
		}
		if len(tasks) == 0 {
			delete(m.records, wf)
		}
	}
	return removed, nil
}

func copyRecord(rec Record) Record {
	if rec.Value != nil {
		v := make([]byte, len(rec.Value))
		copy(v, rec.Value)
		rec.Value = v
	}
	if rec.ExpireAt != nil {
		t := *rec.ExpireAt
		rec.ExpireAt = &t
	}
	return rec
}

var _ Store = (*MemStore)(nil)
