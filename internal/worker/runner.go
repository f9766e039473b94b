// Package worker runs claimed jobs and keeps the queue healthy.
//
// A Runner serves exactly one job type: it drives the poll stream, executes
// the registered handler, persists attempt bookkeeping, heartbeats the worker
// registry, and periodically runs the two recovery sweeps. Run one Runner per
// job type; any number of processes may run Runners against the same tables.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quarrydev/quarry/internal/queue"
	"github.com/quarrydev/quarry/internal/store"
)

// Handler executes one claimed job. A nil return acks the job; an error
// reschedules it with backoff and increments its attempt counter.
type Handler func(ctx context.Context, job *store.Job) error

// BackoffFunc maps an attempt count to the wait before the next attempt.
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff doubles from 30s per attempt: 30s, 60s, 120s, ...
func DefaultBackoff(attempt int) time.Duration {
	return time.Duration(30*(1<<attempt)) * time.Second
}

// Default intervals for the runner's periodic loops.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSweepInterval     = time.Minute
	DefaultLivenessTimeout   = 5 * time.Minute
	DefaultSweepBatch        = 10
)

// Runner consumes one job type from a storage backend.
type Runner struct {
	storage store.Storage
	q       *queue.Queue
	jobType string
	handler Handler

	workerID          string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	sweepInterval     time.Duration
	livenessTimeout   time.Duration
	sweepBatch        int
	backoff           BackoffFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkerID overrides the generated worker identity.
func WithWorkerID(id string) RunnerOption {
	return func(r *Runner) { r.workerID = id }
}

// WithPollInterval sets the poll stream tick interval.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

// WithHeartbeatInterval sets how often the worker row is refreshed.
func WithHeartbeatInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.heartbeatInterval = d }
}

// WithSweepInterval sets how often the recovery sweeps run.
func WithSweepInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.sweepInterval = d }
}

// WithLivenessTimeout sets the silence window after which a worker's Running
// jobs are considered orphaned.
func WithLivenessTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.livenessTimeout = d }
}

// WithSweepBatch caps how many jobs each sweep invocation may recover.
func WithSweepBatch(n int) RunnerOption {
	return func(r *Runner) { r.sweepBatch = n }
}

// WithBackoff replaces the default exponential backoff.
func WithBackoff(f BackoffFunc) RunnerOption {
	return func(r *Runner) { r.backoff = f }
}

// NewRunner creates a Runner for jobType executing handler.
func NewRunner(storage store.Storage, jobType string, handler Handler, opts ...RunnerOption) *Runner {
	r := &Runner{
		storage:           storage,
		q:                 queue.New(storage, jobType),
		jobType:           jobType,
		handler:           handler,
		workerID:          uuid.New().String(),
		pollInterval:      DefaultPollInterval,
		heartbeatInterval: DefaultHeartbeatInterval,
		sweepInterval:     DefaultSweepInterval,
		livenessTimeout:   DefaultLivenessTimeout,
		sweepBatch:        DefaultSweepBatch,
		backoff:           DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns this runner's worker identity.
func (r *Runner) WorkerID() string {
	return r.workerID
}

// Run blocks until ctx is cancelled, driving the consume, heartbeat and sweep
// loops. In-flight handler execution finishes before Run returns.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting", "jobType", r.jobType, "workerID", r.workerID, "pollInterval", r.pollInterval)

	// Register immediately so the orphan sweep can attribute our claims.
	if err := r.storage.Heartbeat(r.workerID, r.jobType); err != nil {
		slog.Error("Runner.Run: initial heartbeat failed", "workerID", r.workerID, "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		r.consumeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	wg.Wait()
	slog.Info("Runner.Run: stopped", "jobType", r.jobType, "workerID", r.workerID)
}

func (r *Runner) consumeLoop(ctx context.Context) {
	for d := range r.q.Consume(ctx, r.workerID, r.pollInterval) {
		if d.Err != nil {
			// Already logged by the stream; the next tick retries on its own.
			continue
		}
		if !d.Claimed() {
			continue
		}
		r.execute(ctx, d.Job)
	}
}

// execute runs the handler and finalizes the job. Success acks; failure
// increments the attempt counter, reschedules with backoff, and persists the
// bookkeeping. Once attempts reach max_attempts the job stays Failed: the
// recovery sweeps skip exhausted jobs, which is the dead-letter outcome.
func (r *Runner) execute(ctx context.Context, job *store.Job) {
	slog.Debug("Runner.execute: running job", "id", job.ID, "jobType", job.Type, "attempt", job.Attempts)

	err := r.handler(ctx, job)
	if err == nil {
		ok, ackErr := r.storage.Ack(r.workerID, job.ID)
		if ackErr != nil {
			slog.Error("Runner.execute: ack failed", "id", job.ID, "error", ackErr)
			return
		}
		if !ok {
			slog.Warn("Runner.execute: job no longer ours at ack", "id", job.ID, "workerID", r.workerID)
		}
		return
	}

	slog.Error("Runner.execute: job failed", "id", job.ID, "jobType", job.Type, "attempt", job.Attempts, "error", err)

	wait := r.backoff(job.Attempts)
	if rescErr := r.storage.Reschedule(job, wait); rescErr != nil {
		slog.Error("Runner.execute: reschedule failed", "id", job.ID, "error", rescErr)
		return
	}

	job.Attempts++
	job.Status = store.StatusFailed
	job.LastError = err.Error()
	job.LockBy = ""
	job.LockAt = nil
	job.DoneAt = nil
	if updErr := r.storage.UpdateByID(job); updErr != nil {
		slog.Error("Runner.execute: persist attempt bookkeeping failed", "id", job.ID, "error", updErr)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.storage.Heartbeat(r.workerID, r.jobType); err != nil {
				slog.Error("Runner.heartbeatLoop: heartbeat failed", "workerID", r.workerID, "error", err)
			}
		}
	}
}

// sweepLoop periodically re-queues failed-but-retryable jobs and reclaims
// jobs whose owning worker has gone silent. Sweep failures are per
// invocation, never fatal to the runner.
func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.storage.EnqueueScheduled(r.jobType, r.sweepBatch); err != nil {
				slog.Error("Runner.sweepLoop: enqueue scheduled failed", "jobType", r.jobType, "error", err)
			}
			if _, err := r.storage.ReclaimOrphans(r.jobType, r.sweepBatch, r.livenessTimeout); err != nil {
				slog.Error("Runner.sweepLoop: reclaim orphans failed", "jobType", r.jobType, "error", err)
			}
		}
	}
}
