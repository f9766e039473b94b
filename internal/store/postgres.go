// Package store provides the job and worker tables behind quarry's queue.
//
// This file implements the PostgreSQL-backed storage.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute

	// postgresStorageName is the diagnostic label written to workers.storage_name
	postgresStorageName = "store.PostgresStorage"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStorage implements Storage.
var _ Storage = (*PostgresStorage)(nil)

// PostgresStorage is a Storage backed by a PostgreSQL database, suitable for
// worker fleets spanning multiple hosts.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new Postgres storage based on provided options.
func NewPostgresStorage(opts ...Option) (*PostgresStorage, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStorage invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStorage DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStorage{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) Push(jobType string, payload []byte, opts ...PushOption) (string, error) {
	o := PushOpts{RunAt: time.Now().UTC(), MaxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New().String()

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, payload, job_type, status, attempts, max_attempts, run_at)
		 VALUES ($1, $2, $3, 'Pending', 0, $4, $5)`,
		id, payload, jobType, o.MaxAttempts, o.RunAt,
	)
	if err != nil {
		return "", fmt.Errorf("push job failed: %w", err)
	}
	slog.Debug("PostgresStorage.Push", "id", id, "jobType", jobType, "runAt", o.RunAt)
	return id, nil
}

func (s *PostgresStorage) Schedule(jobType string, payload []byte, runAt time.Time) (string, error) {
	return s.Push(jobType, payload, WithRunAt(runAt))
}

func (s *PostgresStorage) FetchByID(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch job failed: %w", err)
	}
	return &j, nil
}

func (s *PostgresStorage) Len(jobType string) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE status = 'Pending' AND job_type = $1`,
		jobType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs failed: %w", err)
	}
	return n, nil
}

// ClaimNext runs one tick of the claim protocol as a single statement:
// the inner SELECT picks the oldest eligible candidate (explicitly grouped
// predicate, FOR UPDATE SKIP LOCKED so racing workers skip past each other)
// and the outer UPDATE applies the atomic Pending-and-unlocked guard. Zero
// rows back means nothing was claimed this tick.
func (s *PostgresStorage) ClaimNext(jobType, workerID string, now time.Time) (*Job, error) {
	row := s.db.QueryRow(
		`UPDATE jobs SET status = 'Running', lock_by = $1, lock_at = $2
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE (status = 'Pending' OR (status = 'Failed' AND attempts < max_attempts))
		     AND run_at <= $2 AND job_type = $3
		   ORDER BY seq ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'Pending' AND lock_by IS NULL
		 RETURNING `+jobColumns,
		workerID, now, jobType,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job failed: %w", err)
	}
	slog.Debug("PostgresStorage.ClaimNext: claimed", "id", j.ID, "jobType", jobType, "workerID", workerID)
	return &j, nil
}

func (s *PostgresStorage) Ack(workerID, jobID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Done', done_at = $1 WHERE id = $2 AND lock_by = $3`,
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("ack job failed: %w", err)
	}
	return oneRowAffected(res)
}

func (s *PostgresStorage) Kill(workerID, jobID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Killed', done_at = $1 WHERE id = $2 AND lock_by = $3`,
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("kill job failed: %w", err)
	}
	return oneRowAffected(res)
}

func (s *PostgresStorage) Retry(workerID, jobID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Pending', done_at = NULL, lock_by = NULL
		 WHERE id = $1 AND lock_by = $2`,
		jobID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("retry job failed: %w", err)
	}
	return oneRowAffected(res)
}

func (s *PostgresStorage) Reschedule(job *Job, wait time.Duration) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'Failed', done_at = NULL, lock_by = NULL, lock_at = NULL, run_at = $1
		 WHERE id = $2`,
		time.Now().UTC().Add(wait), job.ID,
	)
	if err != nil {
		return fmt.Errorf("reschedule job failed: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpdateByID(job *Job) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = $1, attempts = $2, done_at = $3, lock_by = $4, lock_at = $5, last_error = $6
		 WHERE id = $7`,
		job.Status, job.Attempts, job.DoneAt, nilIfEmpty(job.LockBy), job.LockAt, nilIfEmpty(job.LastError), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job failed: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Heartbeat(workerID, workerType string) error {
	_, err := s.db.Exec(
		`INSERT INTO workers (id, worker_type, storage_name, last_seen) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET worker_type = EXCLUDED.worker_type,
		   storage_name = EXCLUDED.storage_name, last_seen = EXCLUDED.last_seen`,
		workerID, workerType, postgresStorageName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

func (s *PostgresStorage) EnqueueScheduled(jobType string, count int) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Pending', done_at = NULL, lock_by = NULL, lock_at = NULL
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status = 'Failed' AND attempts < max_attempts AND job_type = $1
		   ORDER BY lock_at ASC LIMIT $2
		 )`,
		jobType, count,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue scheduled jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStorage.EnqueueScheduled", "jobType", jobType, "requeued", n)
	}
	return n, nil
}

func (s *PostgresStorage) ReclaimOrphans(jobType string, count int, livenessTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-livenessTimeout)
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'Pending', done_at = NULL, lock_by = NULL, lock_at = NULL, last_error = $1
		 WHERE id IN (
		   SELECT jobs.id FROM jobs
		   INNER JOIN workers ON jobs.lock_by = workers.id
		   WHERE jobs.status = 'Running' AND workers.last_seen < $2 AND jobs.job_type = $3
		   ORDER BY jobs.lock_at ASC LIMIT $4
		 )`,
		AbandonedError, cutoff, jobType, count,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim orphaned jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStorage.ReclaimOrphans", "jobType", jobType, "reclaimed", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *PostgresStorage) ListJobs(status JobStatus, page int) ([]Job, error) {
	if page < 0 {
		page = 0
	}
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		status, ListPageSize, page*ListPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	return collectJobs(rows)
}
