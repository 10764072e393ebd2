package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qtube/internal/models"
)

// ListJobEvents returns a job's events in recording order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, job_id, event_type, message, progress, created_at
		FROM job_events WHERE job_id = ?
		ORDER BY created_at ASC, id ASC
	`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	events := []models.JobEvent{}
	for rows.Next() {
		var (
			ev       models.JobEvent
			progress sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &ev.Message, &progress, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Progress = floatPtr(progress)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job events: %w", err)
	}
	return events, nil
}

func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, jobID, eventType, message string, progress *float64, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO job_events (job_id, event_type, message, progress, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), jobID, eventType, message, nullFloat(progress), at)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}
