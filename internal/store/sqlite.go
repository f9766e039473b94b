// Package store provides the job and worker tables behind quarry's queue.
//
// This file implements the SQLite-backed storage.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite storage configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755

	// sqliteStorageName is the diagnostic label written to workers.storage_name
	sqliteStorageName = "store.SQLiteStorage"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// sqlitePragmas tune the engine for a multi-worker queue workload: WAL keeps
// readers off the writer's back, busy_timeout absorbs claim contention.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = 'WAL';",
	"PRAGMA temp_store = 2;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA cache_size = 64000;",
	"PRAGMA busy_timeout = 5000;",
}

// Compile-time check that SQLiteStorage implements Storage.
var _ Storage = (*SQLiteStorage)(nil)

// SQLiteStorage is a Storage backed by a single SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage with the given options.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStorage(opts ...Option) (*SQLiteStorage, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStorage invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStorage DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			slog.Error("Failed to apply pragma", "pragma", pragma, "error", err)
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStorage{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Push(jobType string, payload []byte, opts ...PushOption) (string, error) {
	o := PushOpts{RunAt: time.Now().UTC(), MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New().String()

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, payload, job_type, status, attempts, max_attempts, run_at)
		 VALUES (?, ?, ?, 'Pending', 0, ?, ?)`,
		id, payload, jobType, o.MaxAttempts, o.RunAt,
	)
	if err != nil {
		return "", fmt.Errorf("push job failed: %w", err)
	}
	slog.Debug("SQLiteStorage.Push", "id", id, "jobType", jobType, "runAt", o.RunAt)
	return id, nil
}

func (s *SQLiteStorage) Schedule(jobType string, payload []byte, runAt time.Time) (string, error) {
	return s.Push(jobType, payload, WithRunAt(runAt))
}

func (s *SQLiteStorage) FetchByID(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStorage) Len(jobType string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status = 'Pending' AND job_type = ?`,
		jobType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs failed: %w", err)
	}
	return n, nil
}

// ClaimNext runs one tick of the claim protocol.
//
// Step 1 selects the oldest eligible candidate by rowid. The disjuncts are
// explicitly grouped so that the run_at and job_type filters apply to both
// Pending and Failed-retryable jobs. This read is advisory: another worker
// may claim the same candidate first, which is benign.
//
// Step 2 is the single atomic conditional update. The status and lock_by
// guards make it succeed for at most one worker per Pending-to-Running
// transition; a zero rows-affected result means this tick claimed nothing.
func (s *SQLiteStorage) ClaimNext(jobType, workerID string, now time.Time) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (status = 'Pending' OR (status = 'Failed' AND attempts < max_attempts))
		   AND run_at <= ? AND job_type = ?
		 ORDER BY rowid ASC LIMIT 1`,
		now, jobType,
	)
	candidate, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claim candidate failed: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Running', lock_by = ?, lock_at = ?
		 WHERE id = ? AND status = 'Pending' AND lock_by IS NULL`,
		workerID, now, candidate.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected failed: %w", err)
	}
	if affected == 0 {
		// Lost the race, or the candidate moved state between the two steps.
		return nil, nil
	}

	row = s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND lock_by = ?`,
		candidate.ID, workerID,
	)
	claimed, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reread claimed job failed: %w", err)
	}
	slog.Debug("SQLiteStorage.ClaimNext: claimed", "id", claimed.ID, "jobType", jobType, "workerID", workerID)
	return &claimed, nil
}

func (s *SQLiteStorage) Ack(workerID, jobID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Done', done_at = ? WHERE id = ? AND lock_by = ?`,
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("ack job failed: %w", err)
	}
	return oneRowAffected(res)
}

func (s *SQLiteStorage) Kill(workerID, jobID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Killed', done_at = ? WHERE id = ? AND lock_by = ?`,
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("kill job failed: %w", err)
	}
	return oneRowAffected(res)
}

func (s *SQLiteStorage) Retry(workerID, jobID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Pending', done_at = NULL, lock_by = NULL
		 WHERE id = ? AND lock_by = ?`,
		jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("retry job failed: %w", err)
	}
	return oneRowAffected(res)
}

func (s *SQLiteStorage) Reschedule(job *Job, wait time.Duration) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'Failed', done_at = NULL, lock_by = NULL, lock_at = NULL, run_at = ?
		 WHERE id = ?`,
		time.Now().UTC().Add(wait), job.ID,
	)
	if err != nil {
		return fmt.Errorf("reschedule job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateByID(job *Job) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, attempts = ?, done_at = ?, lock_by = ?, lock_at = ?, last_error = ?
		 WHERE id = ?`,
		job.Status, job.Attempts, job.DoneAt, nilIfEmpty(job.LockBy), job.LockAt, nilIfEmpty(job.LastError), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Heartbeat(workerID, workerType string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO workers (id, worker_type, storage_name, last_seen) VALUES (?, ?, ?, ?)`,
		workerID, workerType, sqliteStorageName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) EnqueueScheduled(jobType string, count int) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Pending', done_at = NULL, lock_by = NULL, lock_at = NULL
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status = 'Failed' AND attempts < max_attempts AND job_type = ?
		   ORDER BY lock_at ASC LIMIT ?
		 )`,
		jobType, count,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue scheduled jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStorage.EnqueueScheduled", "jobType", jobType, "requeued", n)
	}
	return n, nil
}

func (s *SQLiteStorage) ReclaimOrphans(jobType string, count int, livenessTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-livenessTimeout)
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Pending', done_at = NULL, lock_by = NULL, lock_at = NULL, last_error = ?
		 WHERE id IN (
		   SELECT jobs.id FROM jobs
		   INNER JOIN workers ON jobs.lock_by = workers.id
		   WHERE jobs.status = 'Running' AND workers.last_seen < ? AND jobs.job_type = ?
		   ORDER BY jobs.lock_at ASC LIMIT ?
		 )`,
		AbandonedError, cutoff, jobType, count,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStorage.ReclaimOrphans", "jobType", jobType, "reclaimed", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *SQLiteStorage) ListJobs(status JobStatus, page int) ([]Job, error) {
	if page < 0 {
		page = 0
	}
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY rowid ASC LIMIT ? OFFSET ?`,
		status, ListPageSize, page*ListPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	return collectJobs(rows)
}

// oneRowAffected converts a rows-affected count into the ownership result:
// false means the job was no longer locked by the caller.
func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected failed: %w", err)
	}
	return n > 0, nil
}
