package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
	sleep   func(time.Duration)
}

// NewSQLiteStore opens (or creates) the ledger at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db, sleep: time.Sleep}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		vault_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		redaction TEXT NOT NULL,
		total_records INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		rows_exported INTEGER NOT NULL DEFAULT 0,
		pages_failed INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS pages (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		page_index INTEGER NOT NULL,
		page_offset INTEGER NOT NULL,
		page_limit INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		row_count INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, page_index)
	);

	CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(run_id, status);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// StartRun inserts a run in the running state
func (s *SQLiteStore) StartRun(run *RunRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = RunRunning

	return s.write(func() error {
		_, err := s.db.Exec(`
		INSERT INTO runs (id, vault_id, table_name, redaction, total_records, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.VaultID, run.Table, run.Redaction, run.TotalRecords, run.Status, run.StartedAt.UnixNano(),
		)
		return err
	})
}

// FinishRun stores the final state and tallies of a run
func (s *SQLiteStore) FinishRun(run *RunRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	return s.write(func() error {
		res, err := s.db.Exec(`
		UPDATE runs SET total_records = ?, status = ?, rows_exported = ?, pages_failed = ?,
			last_error = ?, finished_at = ?
		WHERE id = ?`,
			run.TotalRecords, run.Status, run.RowsExported, run.PagesFailed,
			nullString(run.LastError), run.FinishedAt.UnixNano(), run.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s not found", run.ID)
		}
		return nil
	})
}

// GetRun retrieves a run, or nil when it does not exist
func (s *SQLiteStore) GetRun(id string) (*RunRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return scanRun(s.db.QueryRow(runColumns+` WHERE id = ?`, id))
}

// LatestRun retrieves the most recently started run, or nil when the ledger is empty
func (s *SQLiteStore) LatestRun() (*RunRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return scanRun(s.db.QueryRow(runColumns + ` ORDER BY started_at DESC LIMIT 1`))
}

const runColumns = `
	SELECT id, vault_id, table_name, redaction, total_records, status, rows_exported,
		pages_failed, last_error, started_at, finished_at
	FROM runs`

func scanRun(row *sql.Row) (*RunRecord, error) {
	var record RunRecord
	var lastError sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(
		&record.ID,
		&record.VaultID,
		&record.Table,
		&record.Redaction,
		&record.TotalRecords,
		&record.Status,
		&record.RowsExported,
		&record.PagesFailed,
		&lastError,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	record.LastError = lastError.String
	record.StartedAt = time.Unix(0, startedAt)
	if finishedAt.Valid {
		record.FinishedAt = time.Unix(0, finishedAt.Int64)
	}

	return &record, nil
}

// SavePage saves or updates a page outcome
func (s *SQLiteStore) SavePage(record *PageRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	record.UpdatedAt = time.Now()

	return s.write(func() error {
		// UPSERT instead of REPLACE keeps lock contention low
		_, err := s.db.Exec(`
		INSERT INTO pages
		(run_id, page_index, page_offset, page_limit, status, attempts, row_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, page_index) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			row_count = excluded.row_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
			record.RunID,
			record.Index,
			record.Offset,
			record.Limit,
			record.Status,
			record.Attempts,
			record.Rows,
			nullString(record.LastError),
			record.UpdatedAt.UnixNano(),
		)
		return err
	})
}

// ListFailedPages returns failed and interrupted pages of a run in page order
func (s *SQLiteStore) ListFailedPages(runID string) ([]*PageRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(pageColumns+`
	WHERE run_id = ? AND status IN (?, ?)
	ORDER BY page_index ASC`, runID, StatusFailed, StatusInterrupted)
	if err != nil {
		return nil, err
	}
	return scanPages(rows)
}

const pageColumns = `
	SELECT run_id, page_index, page_offset, page_limit, status, attempts, row_count, last_error, updated_at
	FROM pages`

func scanPages(rows *sql.Rows) ([]*PageRecord, error) {
	defer rows.Close()

	var records []*PageRecord
	for rows.Next() {
		var record PageRecord
		var lastError sql.NullString
		var updatedAt int64

		err := rows.Scan(
			&record.RunID,
			&record.Index,
			&record.Offset,
			&record.Limit,
			&record.Status,
			&record.Attempts,
			&record.Rows,
			&lastError,
			&updatedAt,
		)
		if err != nil {
			return nil, err
		}

		record.LastError = lastError.String
		record.UpdatedAt = time.Unix(0, updatedAt)
		records = append(records, &record)
	}

	return records, rows.Err()
}

// write serializes writers to avoid SQLITE_BUSY from concurrent workers
func (s *SQLiteStore) write(operation func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(operation)
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			s.sleep(delay + jitter)
		}
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
