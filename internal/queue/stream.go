package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrydev/quarry/internal/store"
)

// Delivery is the result of one poll tick. Exactly one of the fields is
// meaningful: Job on a successful claim, Err on a failed tick, and neither
// for the explicit no-job-this-tick signal.
type Delivery struct {
	Job   *store.Job
	Err   error
	codec Codec
}

// Claimed reports whether this tick produced a job.
func (d Delivery) Claimed() bool {
	return d.Job != nil
}

// Decode unmarshals the claimed job's payload into v.
func (d Delivery) Decode(v any) error {
	return d.codec.Unmarshal(d.Job.Payload, v)
}

// Consume starts the poll stream: a periodic producer that invokes the claim
// protocol once per tick and emits the result. The stream is infinite; a
// tick's failure is forwarded to the consumer without terminating it, so a
// transient storage blip does not kill the consumption loop.
//
// Cancellation is cooperative: it takes effect at the next tick boundary and
// closes the channel. It has no effect on a job already claimed but not yet
// processed; that job stays Running until acked, retried, killed, or
// reclaimed by the orphan sweep.
func (q *Queue) Consume(ctx context.Context, workerID string, interval time.Duration) <-chan Delivery {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Delivery, 1)

	go func() {
		defer close(out)
		slog.Debug("Queue.Consume: starting poll stream", "jobType", q.jobType, "workerID", workerID, "interval", interval)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("Queue.Consume: stopping poll stream", "jobType", q.jobType, "workerID", workerID)
				return
			case <-ticker.C:
			}

			job, err := q.storage.ClaimNext(q.jobType, workerID, time.Now().UTC())
			d := Delivery{Job: job, Err: err, codec: q.codec}
			if err != nil {
				slog.Error("Queue.Consume: claim tick failed", "jobType", q.jobType, "workerID", workerID, "error", err)
			}

			select {
			case out <- d:
			case <-ctx.Done():
				// The consumer is gone. A job claimed on this tick stays
				// Running in storage until the orphan sweep reclaims it.
				if job != nil {
					slog.Warn("Queue.Consume: dropping claimed job on shutdown", "id", job.ID, "workerID", workerID)
				}
				return
			}
		}
	}()

	return out
}
