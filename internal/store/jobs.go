package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qtube/internal/models"
)

const jobColumns = `id, batch_id, source_url, video_url, video_id, title, uploader, requested_format,
	status, progress, download_path, transcript_path, error, created_at, updated_at, started_at, finished_at`

// CreateJobs fans a batch out into jobs, appends a queued event per job and
// recomputes the batch status, all in one transaction. Jobs are only created
// when the batch has none yet; otherwise the existing jobs are returned with
// created=false so a redelivered resolution becomes a no-op.
func (s *Store) CreateJobs(ctx context.Context, batchID string, specs []models.NewJob) (jobs []models.Job, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+batchColumns+` FROM batches WHERE id = ?`+s.forUpdate()), batchID)
		if _, err := scanBatch(row, batchID); err != nil {
			return err
		}

		existing, err := s.batchJobsTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			jobs = existing
			return nil
		}

		jobs = make([]models.Job, 0, len(specs))
		for _, spec := range specs {
			spec.BatchID = batchID
			job, err := s.insertJobTx(ctx, tx, spec)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		if _, err := s.refreshBatchTx(ctx, tx, batchID); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return jobs, created, nil
}

// CreateJob inserts a single job, optionally attached to a batch.
func (s *Store) CreateJob(ctx context.Context, spec models.NewJob) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.insertJobTx(ctx, tx, spec)
		if err != nil {
			return err
		}
		if spec.BatchID != "" {
			if _, err := s.refreshBatchTx(ctx, tx, spec.BatchID); err != nil {
				return err
			}
		}
		return nil
	})
	return job, err
}

func (s *Store) insertJobTx(ctx context.Context, tx *sql.Tx, spec models.NewJob) (models.Job, error) {
	status := spec.Status
	if status == "" {
		status = models.JobQueued
	}
	if !status.Valid() {
		return models.Job{}, fmt.Errorf("initial status %q: %w", status, models.ErrInvalidTransition)
	}
	now := s.clock()
	job := models.Job{
		ID:              uuid.New().String(),
		BatchID:         emptyToNil(spec.BatchID),
		SourceURL:       spec.SourceURL,
		ItemURL:         emptyToNil(spec.ItemURL),
		ExternalID:      emptyToNil(spec.ExternalID),
		Title:           emptyToNil(spec.Title),
		Collection:      emptyToNil(spec.Collection),
		RequestedFormat: emptyToNil(spec.RequestedFormat),
		Status:          status,
		Progress:        models.ClampProgress(spec.Progress),
		DownloadPath:    emptyToNil(spec.DownloadPath),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		job.ID, nullString(job.BatchID), job.SourceURL, nullString(job.ItemURL), nullString(job.ExternalID),
		nullString(job.Title), nullString(job.Collection), nullString(job.RequestedFormat),
		string(job.Status), job.Progress, nullString(job.DownloadPath), nil, nil,
		now, now, nil, nil,
	)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	eventType := spec.EventType
	if eventType == "" {
		eventType = string(status)
	}
	message := spec.EventMessage
	if message == "" {
		message = "Job created"
	}
	progress := job.Progress
	if err := s.insertEventTx(ctx, tx, job.ID, eventType, message, &progress, now); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row, id)
}

// FindJobByDownloadPath looks up the job that owns a downloaded file.
func (s *Store) FindJobByDownloadPath(ctx context.Context, path string) (models.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE download_path = ? LIMIT 1`), path)
	job, err := scanJob(row, path)
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ListJobs returns one page of jobs matching the filter, newest first, and
// the total number of matches.
func (s *Store) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, int, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM jobs`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs`+clause+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateJob applies upd to a job in one transaction: the state machine check,
// timestamp bookkeeping, an optional event, and, when the status changes, the
// owning batch's status.
func (s *Store) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.forUpdate()), id)
		current, err := scanJob(row, id)
		if err != nil {
			return err
		}
		from := current.Status
		now := s.clock()
		if err := upd.Apply(&current, now); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE jobs
			SET status = ?, progress = ?, download_path = ?, transcript_path = ?, error = ?,
			    updated_at = ?, started_at = ?, finished_at = ?
			WHERE id = ?
		`),
			string(current.Status), current.Progress, nullString(current.DownloadPath),
			nullString(current.TranscriptPath), nullString(current.Error),
			current.UpdatedAt, nullTime(current.StartedAt), nullTime(current.FinishedAt), id,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		if upd.EventMessage != "" {
			eventType := upd.EventType
			if eventType == "" {
				eventType = string(current.Status)
			}
			var snapshot *float64
			if upd.Progress != nil {
				p := current.Progress
				snapshot = &p
			}
			if err := s.insertEventTx(ctx, tx, id, eventType, upd.EventMessage, snapshot, now); err != nil {
				return err
			}
		}

		if current.BatchID != nil && upd.StatusChanged(from) {
			if _, err := s.refreshBatchTx(ctx, tx, *current.BatchID); err != nil {
				return err
			}
		}
		job = current
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// DeleteJob removes a job and its events and re-derives its batch. Active
// jobs are rejected with ErrJobActive.
func (s *Store) DeleteJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.forUpdate()), id)
		current, err := scanJob(row, id)
		if err != nil {
			return err
		}
		if current.Status.IsActive() {
			return fmt.Errorf("job %s is %s: %w", id, current.Status, models.ErrJobActive)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM job_events WHERE job_id = ?`), id); err != nil {
			return fmt.Errorf("delete job events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if current.BatchID != nil {
			if _, err := s.refreshBatchTx(ctx, tx, *current.BatchID); err != nil {
				return err
			}
		}
		job = current
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *Store) batchJobsTx(ctx context.Context, tx *sql.Tx, batchID string) ([]models.Job, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE batch_id = ?
		ORDER BY created_at ASC, id ASC`), batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows, "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row scanner, id string) (models.Job, error) {
	var (
		job                                                 models.Job
		status                                              string
		batchID, itemURL, externalID, title, collection     sql.NullString
		requestedFormat, downloadPath, transcriptPath, last sql.NullString
		startedAt, finishedAt                               sql.NullTime
		createdAt, updatedAt                                time.Time
	)
	err := row.Scan(
		&job.ID, &batchID, &job.SourceURL, &itemURL, &externalID, &title, &collection, &requestedFormat,
		&status, &job.Progress, &downloadPath, &transcriptPath, &last, &createdAt, &updatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.BatchID = stringPtr(batchID)
	job.ItemURL = stringPtr(itemURL)
	job.ExternalID = stringPtr(externalID)
	job.Title = stringPtr(title)
	job.Collection = stringPtr(collection)
	job.RequestedFormat = stringPtr(requestedFormat)
	job.DownloadPath = stringPtr(downloadPath)
	job.TranscriptPath = stringPtr(transcriptPath)
	job.Error = stringPtr(last)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = updatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}
