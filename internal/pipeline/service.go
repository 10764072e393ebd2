package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"qtube/internal/models"
	"qtube/internal/telemetry"
)

// MaxFormatLength bounds the format selector accepted with a submission.
const MaxFormatLength = 64

// CreateBatch records a submission and dispatches its resolution. It returns
// as soon as the batch exists; resolution happens on the resolve stage.
func (p *Pipeline) CreateBatch(ctx context.Context, sourceURL, format string) (models.Batch, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if len(sourceURL) < 3 {
		return models.Batch{}, fmt.Errorf("url must be at least 3 characters: %w", ErrInvalidInput)
	}
	if len(format) > MaxFormatLength {
		return models.Batch{}, fmt.Errorf("format_id must be at most %d characters: %w", MaxFormatLength, ErrInvalidInput)
	}

	batch, err := p.ledger.CreateBatch(ctx, sourceURL)
	if err != nil {
		return models.Batch{}, err
	}
	telemetry.BatchesCreated.Inc()

	payload := ResolvePayload{BatchID: batch.ID, SourceURL: sourceURL, Format: format}
	if err := p.dispatch(ctx, StageResolve, payload); err != nil {
		if serr := p.ledger.SetBatchStatus(ctx, batch.ID, models.BatchFailed); serr != nil {
			p.log.Error("mark undispatched batch failed", zap.String("batch_id", batch.ID), zap.Error(serr))
		}
		return models.Batch{}, fmt.Errorf("dispatch resolution for batch %s: %w", batch.ID, err)
	}
	p.log.Info("batch submitted", zap.String("batch_id", batch.ID), zap.String("source_url", sourceURL))
	return batch, nil
}

func (p *Pipeline) GetJob(ctx context.Context, id string) (models.Job, error) {
	return p.ledger.GetJob(ctx, id)
}

func (p *Pipeline) ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q: %w", f.Status, ErrInvalidInput)
	}
	return p.ledger.ListJobs(ctx, f)
}

func (p *Pipeline) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	return p.ledger.ListJobEvents(ctx, jobID)
}

// CancelJob moves a non-terminal job to canceled. A running download notices
// at its next progress write and stops.
func (p *Pipeline) CancelJob(ctx context.Context, id string) (models.Job, error) {
	job, err := p.ledger.UpdateJob(ctx, id, models.JobUpdate{
		Status:       models.JobCanceled,
		EventMessage: "Canceled by request",
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Status)).Inc()
	p.log.Info("job canceled", zap.String("job_id", id))
	return job, nil
}

// DeleteJob removes an inactive job and its events. With purge set, its
// downloaded file and transcript are removed too.
func (p *Pipeline) DeleteJob(ctx context.Context, id string, purge bool) (models.Job, error) {
	job, err := p.ledger.DeleteJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if purge {
		p.purgeFiles(ctx, job)
	}
	p.log.Info("job deleted", zap.String("job_id", id), zap.Bool("purge", purge))
	return job, nil
}

// BatchDetail is a batch together with its jobs.
type BatchDetail struct {
	Batch models.Batch `json:"batch"`
	Jobs  []models.Job `json:"jobs"`
	Total int          `json:"total"`
}

func (p *Pipeline) GetBatch(ctx context.Context, id string) (BatchDetail, error) {
	batch, err := p.ledger.GetBatch(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	jobs, total, err := p.ledger.ListJobs(ctx, models.JobFilter{BatchID: id, Limit: models.MaxPageSize})
	if err != nil {
		return BatchDetail{}, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return BatchDetail{Batch: batch, Jobs: jobs, Total: total}, nil
}

func (p *Pipeline) ListBatches(ctx context.Context, limit, offset int) ([]models.Batch, int, error) {
	return p.ledger.ListBatches(ctx, limit, offset)
}

// DeleteBatch removes a batch and all of its jobs. It is rejected while any
// of them is active.
func (p *Pipeline) DeleteBatch(ctx context.Context, id string, purge bool) ([]models.Job, error) {
	jobs, err := p.ledger.DeleteBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if purge {
		for _, job := range jobs {
			p.purgeFiles(ctx, job)
		}
	}
	p.log.Info("batch deleted", zap.String("batch_id", id), zap.Int("jobs", len(jobs)), zap.Bool("purge", purge))
	return jobs, nil
}

// purgeFiles removes a deleted job's files. Failures are logged; the ledger
// rows are already gone.
func (p *Pipeline) purgeFiles(ctx context.Context, job models.Job) {
	if job.DownloadPath == nil || *job.DownloadPath == "" {
		return
	}
	path := *job.DownloadPath
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("purge download", zap.String("job_id", job.ID), zap.String("path", path), zap.Error(err))
	}
	if job.TranscriptPath == nil || p.artifacts == nil {
		return
	}
	key := p.transcriptKey(path)
	if err := p.artifacts.Delete(ctx, key); err != nil {
		p.log.Warn("purge transcript", zap.String("job_id", job.ID), zap.String("key", key), zap.Error(err))
	}
}

// Settings describes the fetcher configuration visible to operators.
type Settings struct {
	CookiesConfigured bool   `json:"cookies_configured"`
	CookiesPath       string `json:"cookies_path,omitempty"`
	DownloadsDir      string `json:"downloads_dir"`
	DefaultFormat     string `json:"default_format,omitempty"`
}

func (p *Pipeline) Settings() Settings {
	s := Settings{DownloadsDir: p.downloadsDir, DefaultFormat: p.defaultFormat}
	if p.cookiesFile != "" {
		s.CookiesPath = p.cookiesFile
		if info, err := os.Stat(p.cookiesFile); err == nil && !info.IsDir() {
			s.CookiesConfigured = true
		}
	}
	return s
}
