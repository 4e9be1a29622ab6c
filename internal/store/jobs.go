package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"event-dispatcher/internal/models"
)

const jobColumns = `event_id, scheduled_time, status, retry_count, error_message, created_at, updated_at`

// EnsureJob creates a scheduled job for eventID at runAt unless one already
// exists, and returns the persisted row either way. created is true when this
// call wrote the row.
func (s *Store) EnsureJob(ctx context.Context, eventID string, runAt time.Time) (job models.ScheduledJob, created bool, err error) {
	err = s.WithTx(ctx, func(tx *Tx) error {
		now := s.now()
		res, err := tx.Exec(ctx, `
			INSERT INTO scheduled_jobs (event_id, scheduled_time, status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, runAt.UTC(), models.JobScheduled, now, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE event_id = ?`, eventID))
		return err
	})
	if err != nil {
		return models.ScheduledJob{}, false, fmt.Errorf("ensure job %s: %w", eventID, err)
	}
	return job, created, nil
}

// GetJob fetches the scheduled job for an event.
func (s *Store) GetJob(ctx context.Context, eventID string) (models.ScheduledJob, error) {
	var job models.ScheduledJob
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var err error
		job, err = scanJob(row)
		return err
	}, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScheduledJob{}, fmt.Errorf("job %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("get job %s: %w", eventID, err)
	}
	return job, nil
}

// ListJobs returns jobs in any of the given statuses (all jobs when none are
// given), ordered by scheduled time.
func (s *Store) ListJobs(ctx context.Context, statuses ...string) ([]models.ScheduledJob, error) {
	q := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + inPlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	q += ` ORDER BY scheduled_time, event_id`

	var out []models.ScheduledJob
	err := s.query(ctx, func() { out = out[:0] }, func(rows *sql.Rows) error {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		out = append(out, job)
		return nil
	}, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ListRecoverableJobs returns the jobs that must be re-armed after a restart.
func (s *Store) ListRecoverableJobs(ctx context.Context) ([]models.ScheduledJob, error) {
	return s.ListJobs(ctx, models.RecoverableStatuses...)
}

// ClaimJob moves an active job to processing. It returns false when the job
// is missing or already terminal, in which case the caller must not run it.
func (s *Store) ClaimJob(ctx context.Context, eventID string) (models.ScheduledJob, bool, error) {
	var (
		job     models.ScheduledJob
		claimed bool
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE scheduled_jobs SET status = ?, updated_at = ?
			WHERE event_id = ? AND status IN (?, ?, ?)
		`, models.JobProcessing, s.now(), eventID, models.JobScheduled, models.JobRetrying, models.JobProcessing)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			claimed = false
			return nil
		}
		claimed = true
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE event_id = ?`, eventID))
		return err
	})
	if err != nil {
		return models.ScheduledJob{}, false, fmt.Errorf("claim job %s: %w", eventID, err)
	}
	return job, claimed, nil
}

// CompleteJob marks the job completed and its event processed in one
// transaction.
func (s *Store) CompleteJob(ctx context.Context, eventID string) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		now := s.now()
		if _, err := tx.Exec(ctx, `
			UPDATE scheduled_jobs SET status = ?, error_message = NULL, updated_at = ?
			WHERE event_id = ?
		`, models.JobCompleted, now, eventID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE events SET status = ?, processed_at = ? WHERE id = ?
		`, models.EventProcessed, now, eventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", eventID, err)
	}
	return nil
}

// RetryJob records a failed attempt and re-schedules the job at nextRun.
func (s *Store) RetryJob(ctx context.Context, eventID string, retryCount int, nextRun time.Time, errMsg string) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE scheduled_jobs
			SET status = ?, retry_count = ?, scheduled_time = ?, error_message = ?, updated_at = ?
			WHERE event_id = ?
		`, models.JobRetrying, retryCount, nextRun.UTC(), errMsg, s.now(), eventID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE events SET retry_count = ? WHERE id = ?`, retryCount, eventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", eventID, err)
	}
	return nil
}

// FailJob marks the job and its event failed. Neither will be picked up again.
func (s *Store) FailJob(ctx context.Context, eventID string, retryCount int, errMsg string) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE scheduled_jobs
			SET status = ?, retry_count = ?, error_message = ?, updated_at = ?
			WHERE event_id = ?
		`, models.JobFailed, retryCount, errMsg, s.now(), eventID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE events SET status = ?, retry_count = ? WHERE id = ?`, models.EventFailed, retryCount, eventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", eventID, err)
	}
	return nil
}

// CountJobsByStatus returns the number of jobs per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := s.query(ctx, func() { clear(out) }, func(rows *sql.Rows) error {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		out[status] = n
		return nil
	}, `SELECT status, COUNT(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return out, nil
}

func scanJob(row scanner) (models.ScheduledJob, error) {
	var job models.ScheduledJob
	var errMsg sql.NullString
	if err := row.Scan(&job.EventID, &job.ScheduledTime, &job.Status, &job.RetryCount, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.ScheduledJob{}, err
	}
	job.ScheduledTime = job.ScheduledTime.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.ErrorMessage = stringPtr(errMsg)
	return job, nil
}
