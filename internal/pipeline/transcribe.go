package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"qtube/internal/models"
)

const missingDownloadPath = "Missing download path"

// HandleTranscribe runs the transcription stage for one job. A job without a
// downloaded file is failed up front; transcription is never attempted
// without its input.
func (p *Pipeline) HandleTranscribe(ctx context.Context, in TranscribePayload) error {
	log := p.log.With(zap.String("job_id", in.JobID))

	job, err := p.ledger.GetJob(ctx, in.JobID)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("job deleted before transcription")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		log.Info("transcription already handled", zap.String("status", string(job.Status)))
		return nil
	}
	if job.DownloadPath == nil || *job.DownloadPath == "" {
		msg := missingDownloadPath
		log.Warn("transcription requested without a download")
		return p.finish(ctx, job.ID, models.JobUpdate{
			Status:       models.JobFailed,
			Error:        &msg,
			EventMessage: msg,
		})
	}
	if p.transcriber == nil || p.artifacts == nil {
		return errors.New("transcribe stage has no transcriber or artifact store")
	}

	entry := ProgressBands[StageTranscribe].Entry
	job, err = p.ledger.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:       models.JobTranscribing,
		Progress:     &entry,
		EventMessage: "Transcription started",
	})
	if gone(err) {
		return nil
	}
	if errors.Is(err, models.ErrInvalidTransition) {
		log.Warn("job is not ready for transcription", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	mediaPath := *job.DownloadPath
	text, terr := p.transcriber.Transcribe(ctx, mediaPath)
	if terr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job.ID, StageTranscribe, terr)
	}

	key := p.transcriptKey(mediaPath)
	location, err := p.artifacts.Put(ctx, key, []byte(text))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job.ID, StageTranscribe, fmt.Errorf("store transcript: %w", err))
	}

	done := ProgressBands[StageTranscribe].End
	_, err = p.ledger.UpdateJob(ctx, job.ID, models.JobUpdate{
		Status:         models.JobCompleted,
		Progress:       &done,
		TranscriptPath: &location,
		EventMessage:   "Transcription completed",
	})
	if gone(err) {
		log.Info("job canceled or deleted during transcription, discarding transcript")
		if derr := p.artifacts.Delete(ctx, key); derr != nil {
			log.Warn("discard transcript", zap.String("key", key), zap.Error(derr))
		}
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("transcription completed", zap.String("transcript", location))
	return nil
}
