package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id TEXT PRIMARY KEY,
	job_name TEXT NOT NULL UNIQUE,
	cron_expression TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	description TEXT NOT NULL DEFAULT '',
	handler_service TEXT NOT NULL,
	handler_method TEXT NOT NULL,
	config TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_system_job INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 5,
	tags TEXT,
	max_retries INTEGER NOT NULL DEFAULT 3,
	retry_delay_ms INTEGER NOT NULL DEFAULT 60000,
	next_run_at INTEGER,
	last_run_at INTEGER,
	last_run_status TEXT,
	last_run_duration_ms INTEGER,
	last_error TEXT,
	current_retry_count INTEGER NOT NULL DEFAULT 0,
	retry_at INTEGER,
	total_runs INTEGER NOT NULL DEFAULT 0,
	successful_runs INTEGER NOT NULL DEFAULT 0,
	failed_runs INTEGER NOT NULL DEFAULT 0,
	locked_by TEXT,
	lock_expires_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due ON scheduled_jobs(is_active, next_run_at, priority);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_retry ON scheduled_jobs(retry_at) WHERE retry_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS job_executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES scheduled_jobs(id) ON DELETE CASCADE,
	job_name TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('running','success','failed','timeout','cancelled')),
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	duration_ms INTEGER,
	result TEXT,
	error_message TEXT,
	error_stack TEXT,
	triggered_by TEXT NOT NULL,
	triggered_by_user TEXT,
	retry_number INTEGER NOT NULL DEFAULT 0,
	host_identity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id, started_at);
CREATE INDEX IF NOT EXISTS idx_job_executions_status ON job_executions(status);
CREATE INDEX IF NOT EXISTS idx_job_executions_started_at ON job_executions(started_at);
`

// SQLiteStore implements JobStore using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, busyTimeout time.Duration, logger *zap.Logger) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps conditional
	// updates from failing with SQLITE_BUSY inside this process.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an open database and creates the schema.
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger: logger.Named("job-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode json: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}
