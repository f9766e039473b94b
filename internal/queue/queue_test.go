package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarrydev/quarry/internal/store"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func newTestQueue(t *testing.T, jobType string) *Queue {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "quarry_queue_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := store.NewSQLiteStorage(store.WithDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, jobType)
}

// waitForClaim reads deliveries until one carries a job or the deadline hits.
func waitForClaim(t *testing.T, ch <-chan Delivery, timeout time.Duration) Delivery {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before a claim was observed")
			}
			if d.Err != nil {
				t.Fatalf("tick failed: %v", d.Err)
			}
			if d.Claimed() {
				return d
			}
		case <-deadline:
			t.Fatal("no claim observed before deadline")
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	q := newTestQueue(t, "email")
	want := emailPayload{To: "a@example.com", Subject: "hello"}

	id, err := q.Push(want)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := waitForClaim(t, q.Consume(ctx, "w1", 10*time.Millisecond), 5*time.Second)

	if d.Job.ID != id {
		t.Fatalf("claimed wrong job: %s", d.Job.ID)
	}
	var got emailPayload
	if err := d.Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != want {
		t.Fatalf("payload round trip mismatch: got %+v, want %+v", got, want)
	}

	// The stored row carries the same payload.
	j, err := q.FetchByID(id)
	if err != nil {
		t.Fatalf("FetchByID failed: %v", err)
	}
	if j == nil || j.Status != store.StatusRunning {
		t.Fatalf("expected claimed job in storage, got %+v", j)
	}
}

func TestConsumeEmitsIdleSignal(t *testing.T) {
	q := newTestQueue(t, "email")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := q.Consume(ctx, "w1", 10*time.Millisecond)

	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		if d.Err != nil {
			t.Fatalf("tick failed: %v", d.Err)
		}
		if d.Claimed() {
			t.Fatalf("claimed a job from an empty queue: %s", d.Job.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no tick observed")
	}
}

func TestTwoWorkersExactlyOneClaims(t *testing.T) {
	q := newTestQueue(t, "email")
	id, err := q.Push(emailPayload{To: "a@example.com"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch1 := q.Consume(ctx, "w1", 10*time.Millisecond)
	ch2 := q.Consume(ctx, "w2", 10*time.Millisecond)

	var claims []Delivery
	var winner string
	deadline := time.After(2 * time.Second)
	for len(claims) == 0 {
		select {
		case d := <-ch1:
			if d.Claimed() {
				claims = append(claims, d)
				winner = "w1"
			}
		case d := <-ch2:
			if d.Claimed() {
				claims = append(claims, d)
				winner = "w2"
			}
		case <-deadline:
			t.Fatal("no worker claimed the job")
		}
	}

	// Give the losing stream a few more ticks: it must stay empty-handed.
	settle := time.After(100 * time.Millisecond)
	for {
		select {
		case d := <-ch1:
			if d.Claimed() {
				t.Fatalf("job claimed twice, second claim by w1: %s", d.Job.ID)
			}
		case d := <-ch2:
			if d.Claimed() {
				t.Fatalf("job claimed twice, second claim by w2: %s", d.Job.ID)
			}
		case <-settle:
			goto settled
		}
	}
settled:

	if claims[0].Job.ID != id {
		t.Fatalf("claimed wrong job: %s", claims[0].Job.ID)
	}

	ok, err := q.Ack(winner, id)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if !ok {
		t.Fatal("winner's ack must succeed")
	}

	n, err := q.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 pending jobs after ack, got %d", n)
	}
}

func TestConsumeCancellationClosesStream(t *testing.T) {
	q := newTestQueue(t, "email")

	ctx, cancel := context.WithCancel(context.Background())
	ch := q.Consume(ctx, "w1", 10*time.Millisecond)

	// Observe at least one tick, then cancel.
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no tick observed")
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancellation")
		}
	}
}

func TestPushAtDefersClaim(t *testing.T) {
	q := newTestQueue(t, "email")
	if _, err := q.PushAt(emailPayload{To: "later@example.com"}, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("PushAt failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := q.Consume(ctx, "w1", 10*time.Millisecond)

	// A handful of ticks must all come back empty.
	for i := 0; i < 5; i++ {
		select {
		case d := <-ch:
			if d.Claimed() {
				t.Fatalf("scheduled job claimed before its run_at: %s", d.Job.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no tick observed")
		}
	}
}
