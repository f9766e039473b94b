package store

import (
	"database/sql"
	"fmt"
)

// jobColumns is the canonical select list shared by every job query.
const jobColumns = "id, payload, job_type, status, attempts, max_attempts, run_at, last_error, lock_at, lock_by, done_at"

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one jobs row in jobColumns order.
func scanJob(s scanner) (Job, error) {
	var j Job
	var lastError, lockBy sql.NullString
	var lockAt, doneAt sql.NullTime
	err := s.Scan(
		&j.ID, &j.Payload, &j.Type, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &lastError, &lockAt, &lockBy, &doneAt,
	)
	if err != nil {
		return j, err
	}
	j.LastError = lastError.String
	j.LockBy = lockBy.String
	if lockAt.Valid {
		t := lockAt.Time
		j.LockAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		j.DoneAt = &t
	}
	return j, nil
}

// collectJobs drains rows into a slice, wrapping scan and iteration errors.
func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows iteration failed: %w", err)
	}
	return jobs, nil
}
