package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"qtube/internal/models"
)

const batchColumns = `id, source_url, status, created_at, updated_at`

// CreateBatch inserts a queued batch for a submitted source.
func (s *Store) CreateBatch(ctx context.Context, sourceURL string) (models.Batch, error) {
	now := s.clock()
	batch := models.Batch{
		ID:        uuid.New().String(),
		SourceURL: sourceURL,
		Status:    models.BatchQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO batches (id, source_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), batch.ID, batch.SourceURL, string(batch.Status), now, now)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return batch, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+batchColumns+` FROM batches WHERE id = ?`), id)
	return scanBatch(row, id)
}

// ListBatches returns one page of batches, newest first, and the total count.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]models.Batch, int, error) {
	limit, offset = models.NormalizePage(limit, offset)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+batchColumns+` FROM batches
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]models.Batch, 0, limit)
	for rows.Next() {
		b, err := scanBatch(rows, "")
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, total, nil
}

// SetBatchStatus overwrites a batch status directly. It is used when a source
// fails to resolve and no jobs exist to derive a status from.
func (s *Store) SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE batches SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), s.clock(), id)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// RefreshBatch recomputes a batch status from its jobs.
func (s *Store) RefreshBatch(ctx context.Context, id string) (models.BatchStatus, error) {
	var status models.BatchStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		status, err = s.refreshBatchTx(ctx, tx, id)
		return err
	})
	return status, err
}

// DeleteBatch removes a batch with all of its jobs and their events. It is
// rejected while any job of the batch is active. The removed jobs are returned
// so callers can purge their files.
func (s *Store) DeleteBatch(ctx context.Context, id string) ([]models.Job, error) {
	var removed []models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+batchColumns+` FROM batches WHERE id = ?`+s.forUpdate()), id)
		if _, err := scanBatch(row, id); err != nil {
			return err
		}
		jobs, err := s.batchJobsTx(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Status.IsActive() {
				return fmt.Errorf("batch %s: job %s is %s: %w", id, j.ID, j.Status, models.ErrBatchActive)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM job_events WHERE job_id IN (SELECT id FROM jobs WHERE batch_id = ?)
		`), id); err != nil {
			return fmt.Errorf("delete batch events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE batch_id = ?`), id); err != nil {
			return fmt.Errorf("delete batch jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM batches WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		removed = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// refreshBatchTx derives the batch status from its jobs inside tx. A missing
// batch is not an error; there is nothing to aggregate.
func (s *Store) refreshBatchTx(ctx context.Context, tx *sql.Tx, id string) (models.BatchStatus, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT status FROM jobs WHERE batch_id = ?`), id)
	if err != nil {
		return "", fmt.Errorf("load batch job statuses: %w", err)
	}
	var statuses []models.JobStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan job status: %w", err)
		}
		statuses = append(statuses, models.JobStatus(st))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", fmt.Errorf("iterate job statuses: %w", err)
	}
	rows.Close()

	status := models.DeriveBatchStatus(statuses)
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE batches SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), s.clock(), id); err != nil {
		return "", fmt.Errorf("update batch status: %w", err)
	}
	return status, nil
}

func scanBatch(row scanner, id string) (models.Batch, error) {
	var (
		b      models.Batch
		status string
	)
	if err := row.Scan(&b.ID, &b.SourceURL, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Batch{}, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
		}
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	b.Status = models.BatchStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}
