// Package store provides the job and worker tables behind quarry's queue.
//
// It defines the Storage interface consumed by the queue and worker packages
// and two implementations: SQLite (single node) and PostgreSQL (multi node).
// All cross-worker exclusivity is enforced by single atomic conditional
// updates inside the store; no in-process coordination is involved.
package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	StatusPending JobStatus = "Pending"
	StatusRunning JobStatus = "Running"
	StatusDone    JobStatus = "Done"
	StatusFailed  JobStatus = "Failed"
	StatusKilled  JobStatus = "Killed"
)

// Terminal reports whether s is a terminal state. Failed is a recoverable
// holding state, not terminal.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusKilled
}

const (
	// DefaultMaxAttempts is the retry ceiling applied when a job is pushed
	// without an explicit override.
	DefaultMaxAttempts = 25

	// AbandonedError is written to last_error when the orphan sweep reclaims
	// a job from a silent worker.
	AbandonedError = "Job was abandoned"

	// ListPageSize bounds the result of ListJobs.
	ListPageSize = 10
)

// Job is one row of the jobs table: a single unit of work.
type Job struct {
	ID          string     `json:"id"`
	Payload     []byte     `json:"payload"`
	Type        string     `json:"job_type"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	LastError   string     `json:"last_error,omitempty"`
	LockAt      *time.Time `json:"lock_at,omitempty"`
	LockBy      string     `json:"lock_by,omitempty"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
}

// Worker is one row of the workers table. Rows are upserted by Heartbeat and
// never deleted; staleness is inferred from LastSeen age.
type Worker struct {
	ID          string    `json:"id"`
	WorkerType  string    `json:"worker_type"`
	StorageName string    `json:"storage_name"`
	LastSeen    time.Time `json:"last_seen"`
}

// PushOpts holds per-push overrides.
type PushOpts struct {
	RunAt       time.Time
	MaxAttempts int
}

// PushOption configures a single Push call.
type PushOption func(*PushOpts)

// WithRunAt defers the job's earliest eligible claim time.
func WithRunAt(at time.Time) PushOption {
	return func(o *PushOpts) {
		o.RunAt = at
	}
}

// WithMaxAttempts overrides the default retry ceiling.
func WithMaxAttempts(n int) PushOption {
	return func(o *PushOpts) {
		o.MaxAttempts = n
	}
}

// Storage is the persistence contract for jobs and workers.
//
// Ownership-scoped mutations (Ack, Kill, Retry) return false when no row
// matched, meaning the job was reclaimed or finalized by someone else; that
// is an expected race outcome, not an error.
type Storage interface {
	// Push inserts a new Pending job and returns its id.
	Push(jobType string, payload []byte, opts ...PushOption) (string, error)

	// Schedule inserts a new Pending job that becomes claimable at runAt.
	Schedule(jobType string, payload []byte, runAt time.Time) (string, error)

	// FetchByID returns the job, or nil if no such row exists.
	FetchByID(id string) (*Job, error)

	// Len counts Pending jobs of the given type.
	Len(jobType string) (int64, error)

	// ClaimNext runs one tick of the claim protocol: select the oldest
	// eligible candidate, then atomically lock it for workerID. Returns nil
	// when nothing was claimed this tick; the caller must not retry within
	// the same tick.
	ClaimNext(jobType, workerID string, now time.Time) (*Job, error)

	// Ack marks the job Done if it is still locked by workerID.
	Ack(workerID, jobID string) (bool, error)

	// Kill marks the job Killed if it is still locked by workerID.
	Kill(workerID, jobID string) (bool, error)

	// Retry puts the job instantly back into the queue if it is still locked
	// by workerID. It performs no attempt bookkeeping and no backoff; it is
	// the manual requeue path. Another worker may consume the job.
	Retry(workerID, jobID string) (bool, error)

	// Reschedule marks the job Failed, clears its lock, and sets run_at to
	// now+wait. This is the backoff mechanism: the job becomes claimable
	// again only once run_at elapses and a sweep or claim cycle picks it up.
	Reschedule(job *Job, wait time.Duration) error

	// UpdateByID overwrites status, attempts, done_at, lock_by, lock_at and
	// last_error from the given snapshot. Used by executors to persist
	// attempt counts and error text alongside a status change.
	UpdateByID(job *Job) error

	// Heartbeat upserts the worker row with last_seen=now. Absence of calls
	// is the sole signal of worker death.
	Heartbeat(workerID, workerType string) error

	// EnqueueScheduled resets up to count Failed-but-retryable jobs of the
	// given type back to Pending, oldest lock_at first.
	EnqueueScheduled(jobType string, count int) (int64, error)

	// ReclaimOrphans resets up to count Running jobs of the given type back
	// to Pending when their owning worker has not been seen within
	// livenessTimeout, oldest lock_at first. last_error is set to
	// AbandonedError.
	ReclaimOrphans(jobType string, count int, livenessTimeout time.Duration) (int64, error)

	// ListJobs returns one bounded page of jobs in the given status.
	ListJobs(status JobStatus, page int) ([]Job, error)

	Close() error
}

// Opts holds configuration options for a storage backend.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for a storage backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
