package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"qtube/internal/models"
)

// HandleDownload runs the download stage for one job. It is safe to re-enter
// for the same job: terminal jobs are skipped and a job whose download already
// committed is handed straight to transcription.
func (p *Pipeline) HandleDownload(ctx context.Context, in DownloadPayload) error {
	log := p.log.With(zap.String("job_id", in.JobID))

	job, err := p.ledger.GetJob(ctx, in.JobID)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("job deleted before download")
		return nil
	}
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobCompleted, models.JobFailed, models.JobCanceled, models.JobTranscribing:
		log.Info("download already handled", zap.String("status", string(job.Status)))
		return nil
	case models.JobDownloaded:
		log.Info("download already committed, re-dispatching transcription")
		return p.dispatch(ctx, StageTranscribe, TranscribePayload{JobID: job.ID})
	}
	if p.fetcher == nil {
		return errors.New("download stage has no fetcher")
	}

	job, err = p.ledger.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:       models.JobDownloading,
		EventMessage: "Download started",
	})
	if gone(err) {
		return nil
	}
	if err != nil {
		return err
	}

	itemURL := in.ItemURL
	if itemURL == "" {
		itemURL = job.SourceURL
		if job.ItemURL != nil {
			itemURL = *job.ItemURL
		}
	}
	outputDir := in.OutputDir
	if outputDir == "" {
		outputDir = p.downloadsDir
		if job.Collection != nil {
			outputDir = p.collectionDir(*job.Collection)
		}
	}
	format := in.Format
	if format == "" && job.RequestedFormat != nil {
		format = *job.RequestedFormat
	}
	if format == "" {
		format = p.defaultFormat
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tracker := &progressTracker{
		p:      p,
		ctx:    fetchCtx,
		cancel: cancel,
		jobID:  job.ID,
		band:   ProgressBands[StageDownload],
		last:   job.Progress,
	}

	path, ferr := p.fetcher.Fetch(fetchCtx, itemURL, outputDir, format, tracker.report)
	if tracker.abandoned() {
		log.Info("job canceled or deleted during download")
		return nil
	}
	if ferr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job.ID, StageDownload, ferr)
	}
	if path == "" {
		return p.fail(ctx, job.ID, StageDownload, errors.New("fetcher returned no file"))
	}

	done := ProgressBands[StageDownload].End
	_, err = p.ledger.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:       models.JobDownloaded,
		Progress:     &done,
		DownloadPath: &path,
		EventMessage: "Downloaded to " + path,
	})
	if gone(err) {
		log.Info("job canceled or deleted after download")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("download completed", zap.String("path", path))

	if err := p.dispatch(ctx, StageTranscribe, TranscribePayload{JobID: job.ID}); err != nil {
		return fmt.Errorf("dispatch transcription for job %s: %w", job.ID, err)
	}
	return nil
}

// progressTracker persists throttled transfer progress for one download. When
// the job is canceled or deleted mid-transfer it aborts the fetch.
type progressTracker struct {
	p      *Pipeline
	ctx    context.Context
	cancel context.CancelFunc
	jobID  string
	band   Band

	mu      sync.Mutex
	last    float64
	stopped bool
}

func (t *progressTracker) report(fp FetchProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	overall := t.band.Scale(fp.Fraction())
	if overall-t.last < progressStep {
		return
	}
	_, err := t.p.ledger.UpdateJob(t.ctx, t.jobID, models.JobUpdate{Progress: &overall})
	switch {
	case gone(err):
		t.stopped = true
		t.cancel()
	case err != nil:
		if t.ctx.Err() == nil {
			t.p.log.Warn("persist download progress", zap.String("job_id", t.jobID), zap.Error(err))
		}
	default:
		t.last = overall
	}
}

func (t *progressTracker) abandoned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
