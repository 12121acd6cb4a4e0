package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

const jobColumns = `id, class, name, payload, attempts, max_attempts, run_at, locked_until, last_error, created_at`

const (
	sqlInsertJob = `INSERT INTO jobs(class, name, payload, attempts, max_attempts, run_at, last_error, created_at)
		VALUES (?, ?, ?, 0, ?, ?, '', ?)`
	// Claiming bumps attempts so a crashed worker's lease still counts.
	sqlClaimJobs = `UPDATE jobs SET locked_until = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE class = ? AND run_at <= ? AND (locked_until IS NULL OR locked_until <= ?)
			ORDER BY run_at, id LIMIT ?
		)
		RETURNING ` + jobColumns
	sqlDeleteJob      = `DELETE FROM jobs WHERE id = ?`
	sqlRescheduleJob  = `UPDATE jobs SET run_at = ?, locked_until = NULL, last_error = ? WHERE id = ?`
	sqlReleaseJob     = `UPDATE jobs SET run_at = ?, locked_until = NULL, attempts = max(0, attempts - 1) WHERE id = ?`
	sqlCountJobs      = `SELECT count(*) FROM jobs WHERE class = ?`
	sqlNextRunAt      = `SELECT min(run_at) FROM jobs WHERE class = ? AND locked_until IS NULL`
	sqlSelectJobsName = `SELECT ` + jobColumns + ` FROM jobs WHERE class = ? AND name = ? ORDER BY id`
)

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                domain.Job
		runAt, createdAt int64
		lockedUntil      sql.NullInt64
	)
	err := row.Scan(&j.Id, &j.Class, &j.Name, &j.Payload, &j.Attempts, &j.MaxAttempts, &runAt, &lockedUntil,
		&j.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	j.RunAt = fromMillis(runAt)
	j.LockedUntil = fromNullMillis(lockedUntil)
	j.CreatedAt = fromMillis(createdAt)
	return &j, nil
}

// InsertJob persists j and fills in its id.
func (q *Queries) InsertJob(ctx context.Context, j *domain.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	res, err := q.q.ExecContext(ctx, sqlInsertJob, j.Class, j.Name, j.Payload, j.MaxAttempts, millis(j.RunAt), millis(j.CreatedAt))
	if err != nil {
		return mapErr(err)
	}
	j.Id, err = res.LastInsertId()
	return err
}

// ClaimJobs leases up to limit due jobs of class until now+lease.
func (q *Queries) ClaimJobs(ctx context.Context, class string, now time.Time, lease time.Duration, limit int) ([]*domain.Job, error) {
	rows, err := q.q.QueryContext(ctx, sqlClaimJobs, millis(now.Add(lease)), class, millis(now), millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ReadJobsByName lists the queued and running jobs of class carrying name.
func (q *Queries) ReadJobsByName(ctx context.Context, class, name string) ([]*domain.Job, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectJobsName, class, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *Queries) DeleteJob(ctx context.Context, id int64) error {
	_, err := q.exec(ctx, sqlDeleteJob, id)
	return err
}

// RescheduleJob unlocks a failed job and sets its next run.
func (q *Queries) RescheduleJob(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	_, err := q.exec(ctx, sqlRescheduleJob, millis(runAt), lastError, id)
	return err
}

// ReleaseJob returns a claimed job to the queue without spending an attempt.
func (q *Queries) ReleaseJob(ctx context.Context, id int64, runAt time.Time) error {
	_, err := q.exec(ctx, sqlReleaseJob, millis(runAt), id)
	return err
}

func (q *Queries) CountJobs(ctx context.Context, class string) (int, error) {
	return q.count(ctx, sqlCountJobs, class)
}

// NextRunAt returns the earliest unlocked run time of class, or nil when idle.
func (q *Queries) NextRunAt(ctx context.Context, class string) (*time.Time, error) {
	var v sql.NullInt64
	if err := q.q.QueryRowContext(ctx, sqlNextRunAt, class).Scan(&v); err != nil {
		return nil, err
	}
	return fromNullMillis(v), nil
}
