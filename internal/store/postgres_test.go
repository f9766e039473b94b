package store

import (
	"syscall"
	"testing"
	"time"
)

// Postgres tests require a running PostgreSQL instance. Set DATABASE_URL to
// run them; they are skipped otherwise.
func newTestPostgresStorage(t *testing.T) *PostgresStorage {
	t.Helper()
	connStr := getenvOrSkip(t, "DATABASE_URL")
	s, err := NewPostgresStorage(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// Clean slate per test run.
	if _, err := s.db.Exec(`DELETE FROM jobs; DELETE FROM workers;`); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	return s
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func TestPostgresPushClaimAck(t *testing.T) {
	s := newTestPostgresStorage(t)

	id, err := s.Push("email", []byte(`{"to":"a@example.com"}`))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	j, err := s.ClaimNext("email", "w1", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if j == nil || j.ID != id {
		t.Fatalf("expected to claim %s, got %+v", id, j)
	}
	if j.Status != StatusRunning || j.LockBy != "w1" || j.LockAt == nil {
		t.Fatalf("claim did not lock the row: %+v", j)
	}

	// A second claimant finds nothing.
	j2, err := s.ClaimNext("email", "w2", time.Now().UTC())
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if j2 != nil {
		t.Fatalf("job claimed twice: %s", j2.ID)
	}

	ok, err := s.Ack("w1", id)
	if err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if !ok {
		t.Fatal("owner ack must succeed")
	}

	n, err := s.Len("email")
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 pending jobs, got %d", n)
	}
}

func TestPostgresRescheduleAndSweep(t *testing.T) {
	s := newTestPostgresStorage(t)

	id, err := s.Push("email", []byte(`{}`))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	j, err := s.ClaimNext("email", "w1", time.Now().UTC())
	if err != nil || j == nil {
		t.Fatalf("ClaimNext failed: %v, job=%v", err, j)
	}

	if err := s.Reschedule(j, time.Hour); err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	got, err := s.FetchByID(id)
	if err != nil {
		t.Fatalf("FetchByID failed: %v", err)
	}
	if got.Status != StatusFailed || got.LockBy != "" {
		t.Fatalf("reschedule did not fail and unlock the job: %+v", got)
	}

	n, err := s.EnqueueScheduled("email", 10)
	if err != nil {
		t.Fatalf("EnqueueScheduled failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}
	got, _ = s.FetchByID(id)
	if got.Status != StatusPending {
		t.Fatalf("expected Pending after sweep, got %s", got.Status)
	}
}
