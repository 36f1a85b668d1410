package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS idempotent_state (
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL DEFAULT '',
			value BLOB NOT NULL,
			expire_at INTEGER,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, task_id)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_idempotent_state_expire_at ON idempotent_state(expire_at)",
	},
	upsert: `INSERT INTO idempotent_state (workflow_id, task_id, task_name, value, expire_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, task_id) DO UPDATE SET
			task_name = excluded.task_name,
			value = excluded.value,
			expire_at = excluded.expire_at`,
}

// SQLiteStore is a single-file Store built on the pure-Go modernc SQLite
// driver. It suits development, tests and single-host deployments.
//
//	st, err := store.NewSQLiteStore("./idempotent.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer st.Disconnect(ctx)
//
// Use ":memory:" for a throwaway database.
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path, enables
// WAL mode and creates the schema.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: newSQLStore(db, sqliteDialect, applyOptions(opts)),
		path:     path,
	}
	if err := s.Connect(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

var _ Store = (*SQLiteStore)(nil)
