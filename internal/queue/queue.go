// Package queue exposes one logical job queue over a shared storage backend.
//
// A Queue binds a job type to a Storage and a payload Codec. Multiple queues
// may share one storage; multiple processes may consume one queue. The queue
// carries no in-memory state worth preserving: recreating it is free.
package queue

import (
	"fmt"
	"time"

	"github.com/quarrydev/quarry/internal/store"
)

// Queue is the public operation surface for a single job type.
type Queue struct {
	storage store.Storage
	jobType string
	codec   Codec
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCodec overrides the default JSON payload codec.
func WithCodec(c Codec) QueueOption {
	return func(q *Queue) {
		q.codec = c
	}
}

// New creates a Queue for jobType on top of storage.
func New(storage store.Storage, jobType string, opts ...QueueOption) *Queue {
	q := &Queue{storage: storage, jobType: jobType, codec: JSONCodec{}}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// JobType returns the logical queue name.
func (q *Queue) JobType() string {
	return q.jobType
}

// Push encodes v and enqueues it as an immediately claimable job.
func (q *Queue) Push(v any, opts ...store.PushOption) (string, error) {
	payload, err := q.codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload failed: %w", err)
	}
	return q.storage.Push(q.jobType, payload, opts...)
}

// PushAt encodes v and enqueues it to become claimable at the given time.
func (q *Queue) PushAt(v any, at time.Time) (string, error) {
	payload, err := q.codec.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload failed: %w", err)
	}
	return q.storage.Schedule(q.jobType, payload, at)
}

// Len reports the number of Pending jobs in this queue.
func (q *Queue) Len() (int64, error) {
	return q.storage.Len(q.jobType)
}

// FetchByID returns the job, or nil if no such row exists.
func (q *Queue) FetchByID(id string) (*store.Job, error) {
	return q.storage.FetchByID(id)
}

// Ack finalizes a job as Done. Returns false when the job is no longer
// locked by workerID (reclaimed or already finalized).
func (q *Queue) Ack(workerID, jobID string) (bool, error) {
	return q.storage.Ack(workerID, jobID)
}

// Kill finalizes a job as Killed, same ownership guard as Ack.
func (q *Queue) Kill(workerID, jobID string) (bool, error) {
	return q.storage.Kill(workerID, jobID)
}

// Retry puts a job straight back into the queue with no attempt bookkeeping.
func (q *Queue) Retry(workerID, jobID string) (bool, error) {
	return q.storage.Retry(workerID, jobID)
}

// Reschedule fails the job with a backoff: it becomes claimable again once
// wait has elapsed and a recovery sweep returns it to Pending.
func (q *Queue) Reschedule(job *store.Job, wait time.Duration) error {
	return q.storage.Reschedule(job, wait)
}

// UpdateByID persists a full bookkeeping snapshot (status, attempts,
// lock fields, last_error) for the job.
func (q *Queue) UpdateByID(job *store.Job) error {
	return q.storage.UpdateByID(job)
}

// ListJobs returns one bounded page of jobs in the given status.
func (q *Queue) ListJobs(status store.JobStatus, page int) ([]store.Job, error) {
	return q.storage.ListJobs(status, page)
}
