package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS idempotent_state (
			workflow_id VARCHAR(255) NOT NULL,
			task_id VARCHAR(64) NOT NULL,
			task_name VARCHAR(255) NOT NULL DEFAULT '',
			value LONGBLOB NOT NULL,
			expire_at BIGINT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, task_id),
			INDEX idx_expire_at (expire_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsert: `INSERT INTO idempotent_state (workflow_id, task_id, task_name, value, expire_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			task_name = VALUES(task_name),
			value = VALUES(value),
			expire_at = VALUES(expire_at)`,
}

// MySQLStore is a Store backed by MySQL or MariaDB.
//
// The DSN uses the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/workflows
//
// Read credentials from the environment, never from source.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to dsn, configures the pool and creates the
// schema.
func NewMySQLStore(dsn string, opts ...Option) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	s := &MySQLStore{sqlStore: newSQLStore(db, mysqlDialect, applyOptions(opts))}
	if err := s.Connect(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*MySQLStore)(nil)
