package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"qtube/internal/models"
)

// HandleResolve expands a batch's source into jobs and dispatches each to the
// download stage. Fan-out happens at most once per batch: a redelivered
// message finds the jobs already in place and only re-dispatches those still
// queued.
//
// Collaborator failures are recorded on the batch and return nil; only ledger
// or dispatcher failures are returned, so the message is retried.
func (p *Pipeline) HandleResolve(ctx context.Context, in ResolvePayload) error {
	log := p.log.With(zap.String("batch_id", in.BatchID))

	batch, err := p.ledger.GetBatch(ctx, in.BatchID)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("batch deleted before resolution")
		return nil
	}
	if err != nil {
		return err
	}
	if batch.Status == models.BatchFailed {
		log.Info("batch already failed, skipping resolution")
		return nil
	}
	if p.resolver == nil {
		return errors.New("resolve stage has no resolver")
	}

	source := in.SourceURL
	if source == "" {
		source = batch.SourceURL
	}
	res, err := p.resolver.Resolve(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("resolution failed", zap.String("source_url", source), zap.Error(err))
		if err := p.ledger.SetBatchStatus(ctx, batch.ID, models.BatchFailed); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return nil
	}

	if res.Collection == "" {
		res.Collection = "Unknown"
	}
	specs := make([]models.NewJob, 0, len(res.Items))
	for _, item := range res.Items {
		title := item.Title
		if title == "" && item.ExternalID != "" {
			title = "Video_" + item.ExternalID
		}
		specs = append(specs, models.NewJob{
			BatchID:         batch.ID,
			SourceURL:       source,
			ItemURL:         item.URL,
			ExternalID:      item.ExternalID,
			Title:           title,
			Collection:      res.Collection,
			RequestedFormat: in.Format,
			EventMessage:    "Queued for download",
		})
	}

	jobs, created, err := p.ledger.CreateJobs(ctx, batch.ID, specs)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("batch deleted during resolution")
		return nil
	}
	if err != nil {
		return err
	}
	if !created {
		log.Info("batch already resolved, re-dispatching queued jobs", zap.Int("jobs", len(jobs)))
	} else {
		log.Info("batch resolved", zap.Int("jobs", len(jobs)), zap.String("collection", res.Collection))
	}

	for _, job := range jobs {
		if job.Status != models.JobQueued {
			continue
		}
		itemURL := job.SourceURL
		if job.ItemURL != nil {
			itemURL = *job.ItemURL
		}
		dir := p.downloadsDir
		if job.Collection != nil {
			dir = p.collectionDir(*job.Collection)
		}
		payload := DownloadPayload{JobID: job.ID, ItemURL: itemURL, OutputDir: dir, Format: in.Format}
		if err := p.dispatch(ctx, StageDownload, payload); err != nil {
			return fmt.Errorf("dispatch download for job %s: %w", job.ID, err)
		}
	}
	return nil
}
