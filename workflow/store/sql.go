package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// dialect holds the statements that differ between SQL back ends. All
// statements use ? placeholders.
type dialect struct {
	name   string
	schema []string
	upsert string
}

// sqlStore implements Store over database/sql. Times are stored as Unix
// milliseconds so every back end compares them the same way.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	logger  logr.Logger

	mu     sync.RWMutex
	closed bool
}

func newSQLStore(db *sql.DB, d dialect, o options) *sqlStore {
	return &sqlStore{db: db, dialect: d, now: o.now, logger: o.logger}
}

// Connect verifies the connection and creates the schema if needed.
func (s *sqlStore) Connect(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", s.dialect.name, err)
	}
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Disconnect closes the database. The store cannot be reconnected.
func (s *sqlStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// IsConnected pings the database.
func (s *sqlStore) IsConnected(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.closed && s.db.PingContext(ctx) == nil
}

// Find returns a live record.
func (s *sqlStore) Find(ctx context.Context, workflowID, taskID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, task_id, task_name, value, expire_at
		FROM idempotent_state
		WHERE workflow_id = ? AND task_id = ? AND (expire_at IS NULL OR expire_at > ?)`,
		workflowID, taskID, s.now().UnixMilli())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to find %s/%s: %w", workflowID, taskID, err)
	}
	return rec, nil
}

// FindAll returns the live records of a workflow ordered by task id.
func (s *sqlStore) FindAll(ctx context.Context, workflowID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, task_id, task_name, value, expire_at
		FROM idempotent_state
		WHERE workflow_id = ? AND (expire_at IS NULL OR expire_at > ?)
		ORDER BY task_id`,
		workflowID, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// Save upserts rec.
func (s *sqlStore) Save(ctx context.Context, rec Record, opts SaveOptions) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, s.dialect.upsert,
		rec.WorkflowID, rec.TaskID, opts.TaskName, rec.Value,
		millisPtr(expireAt(now, opts.TTL)), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", rec.WorkflowID, rec.TaskID, err)
	}
	return nil
}

// Complete sets the expiry of every record of the workflow that does not
// already expire sooner.
func (s *sqlStore) Complete(ctx context.Context, workflowID string, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE idempotent_state SET expire_at = ? WHERE workflow_id = ? AND (expire_at IS NULL OR expire_at > ?)",
		at.UnixMilli(), workflowID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to complete workflow %s: %w", workflowID, err)
	}
	return nil
}

// CleanExpired deletes expired rows.
func (s *sqlStore) CleanExpired(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotent_state WHERE expire_at IS NOT NULL AND expire_at <= ?",
		s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned records: %w", err)
	}
	if n > 0 {
		s.logger.V(1).Info("cleaned expired records", "backend", s.dialect.name, "count", n)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		expireMs sql.NullInt64
	)
	if err := row.Scan(&rec.WorkflowID, &rec.TaskID, &rec.TaskName, &rec.Value, &expireMs); err != nil {
		return Record{}, err
	}
	if expireMs.Valid {
		rec.ExpireAt = timeFromMillis(&expireMs.Int64)
	}
	return rec, nil
}
