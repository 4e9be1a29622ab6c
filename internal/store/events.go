package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"event-dispatcher/internal/models"
)

const eventColumns = `id, name, start_time, category, status, retry_count, created_at, processed_at`

// InsertEventIfAbsent stores ev as pending unless a row with the same id
// already exists. It reports whether a row was written.
func (s *Store) InsertEventIfAbsent(ctx context.Context, ev models.Event) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO events (id, name, start_time, category, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.Name, ev.StartTime.UTC(), ev.Category, models.EventPending, s.now())
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return n > 0, nil
}

// GetEvent fetches an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	var ev models.Event
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var err error
		ev, err = scanEvent(row)
		return err
	}, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// ListEventsByStatus returns events in the given status ordered by start time.
func (s *Store) ListEventsByStatus(ctx context.Context, status string) ([]models.Event, error) {
	var out []models.Event
	err := s.query(ctx, func() { out = out[:0] }, func(rows *sql.Rows) error {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}, `SELECT `+eventColumns+` FROM events WHERE status = ? ORDER BY start_time, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// ListPendingEvents returns every event still awaiting processing.
func (s *Store) ListPendingEvents(ctx context.Context) ([]models.Event, error) {
	return s.ListEventsByStatus(ctx, models.EventPending)
}

// DeleteEvent removes an event together with its scheduled job. It reports
// whether the event existed.
func (s *Store) DeleteEvent(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM scheduled_jobs WHERE event_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.Exec(ctx, `DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete event %s: %w", id, err)
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (models.Event, error) {
	var ev models.Event
	var processed sql.NullTime
	if err := row.Scan(&ev.ID, &ev.Name, &ev.StartTime, &ev.Category, &ev.Status, &ev.RetryCount, &ev.CreatedAt, &processed); err != nil {
		return models.Event{}, err
	}
	ev.StartTime = ev.StartTime.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.ProcessedAt = timePtr(processed)
	return ev, nil
}
