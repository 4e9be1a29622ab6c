package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"event-dispatcher/internal/models"
)

// AppendAudit records a job transition.
func (s *Store) AppendAudit(ctx context.Context, eventID, action, detail string) error {
	_, err := s.exec(ctx, `
		INSERT INTO job_audit (id, event_id, action, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), eventID, action, detail, s.now())
	if err != nil {
		return fmt.Errorf("append audit %s: %w", eventID, err)
	}
	return nil
}

// ListAudit returns the audit trail of an event, oldest first.
func (s *Store) ListAudit(ctx context.Context, eventID string) ([]models.AuditLog, error) {
	var out []models.AuditLog
	err := s.query(ctx, func() { out = out[:0] }, func(rows *sql.Rows) error {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.EventID, &a.Action, &a.Detail, &a.Recorded); err != nil {
			return err
		}
		a.Recorded = a.Recorded.UTC()
		out = append(out, a)
		return nil
	}, `SELECT id, event_id, action, detail, recorded_at FROM job_audit WHERE event_id = ? ORDER BY recorded_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", eventID, err)
	}
	return out, nil
}
