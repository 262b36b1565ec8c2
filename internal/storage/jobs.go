package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"campaignbot/internal/model"
)

// QueueStats counts jobs per state. Due is the number of pending jobs whose
// run_at has passed.
type QueueStats struct {
	Pending int
	Running int
	Done    int
	Failed  int
	Due     int
}

func insertJob(ctx context.Context, db execer, j model.Job, now time.Time) error {
	if j.ID == "" || j.Kind == "" {
		return fmt.Errorf("job id and kind are required")
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	_, err := db.ExecContext(ctx, `INSERT INTO jobs(id, kind, payload, run_at, state, created_at, updated_at)
		VALUES(?, ?, ?, ?, 'pending', ?, ?)`,
		j.ID, string(j.Kind), string(j.Payload), ms(j.RunAt), ms(now), ms(now))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// Enqueue inserts jobs in one transaction.
func (s *Store) Enqueue(ctx context.Context, jobs ...model.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, j := range jobs {
			if err := insertJob(ctx, tx, j, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Lease moves up to limit due pending jobs to running until now+leaseFor and
// returns them ordered by run_at.
func (s *Store) Lease(ctx context.Context, now time.Time, limit int, leaseFor time.Duration) ([]model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `UPDATE jobs
		SET state = 'running', attempts = attempts + 1, leased_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs WHERE state = 'pending' AND run_at <= ? ORDER BY run_at, created_at LIMIT ?)
		RETURNING id, kind, payload, run_at, state, attempts, last_error, leased_until, created_at`,
		ms(now.Add(leaseFor)), ms(now), ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].RunAt.Before(jobs[k].RunAt) })
	return jobs, nil
}

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		var (
			j                      model.Job
			kind, payload, state   string
			runAt, leased, created int64
		)
		if err := rows.Scan(&j.ID, &kind, &payload, &runAt, &state, &j.Attempts, &j.LastError, &leased, &created); err != nil {
			return nil, err
		}
		j.Kind, j.Payload, j.State = model.JobKind(kind), []byte(payload), model.JobState(state)
		j.RunAt, j.LeasedUntil, j.CreatedAt = fromMS(runAt), fromMS(leased), fromMS(created)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, model.JobDone, "")
}

func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, id, model.JobFailed, msg)
}

func (s *Store) finish(ctx context.Context, id string, state model.JobState, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = ?, last_error = ?, leased_until = 0, updated_at = ? WHERE id = ?`,
		string(state), lastErr, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("job %s -> %s: %w", id, state, err)
	}
	return nil
}

// Requeue returns a running job to pending, available again at at. The
// attempt counter is rolled back since the job never ran.
func (s *Store) Requeue(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET state = 'pending', run_at = ?, leased_until = 0, attempts = MAX(attempts - 1, 0), updated_at = ?
		WHERE id = ? AND state = 'running'`, ms(at), ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// RecoverExpired returns running jobs whose lease ended before now to pending.
func (s *Store) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = 'pending', leased_until = 0, updated_at = ?
		WHERE state = 'running' AND leased_until < ?`, ms(now), ms(now))
	if err != nil {
		return 0, fmt.Errorf("recover expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) Stats(ctx context.Context, now time.Time) (QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*), COALESCE(SUM(CASE WHEN run_at <= ? THEN 1 ELSE 0 END), 0)
		FROM jobs GROUP BY state`, ms(now))
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	var st QueueStats
	for rows.Next() {
		var state string
		var n, due int
		if err := rows.Scan(&state, &n, &due); err != nil {
			return QueueStats{}, err
		}
		switch model.JobState(state) {
		case model.JobPending:
			st.Pending, st.Due = n, due
		case model.JobRunning:
			st.Running = n
		case model.JobDone:
			st.Done = n
		case model.JobFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// Purge deletes finished jobs last updated before olderThan.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE state IN ('done', 'failed') AND updated_at < ?`, ms(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Jobs lists jobs in a state, newest first; used by the CLI.
func (s *Store) Jobs(ctx context.Context, state model.JobState, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, payload, run_at, state, attempts, last_error, leased_until, created_at
		FROM jobs WHERE state = ? ORDER BY updated_at DESC LIMIT ?`, strings.ToLower(string(state)), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}
