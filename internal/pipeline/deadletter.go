package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"qtube/internal/models"
)

// HandleDeadLetter records a message the dispatcher gave up on. Download and
// transcription messages fail their job; a resolve message fails its batch if
// the batch never got any jobs.
func (p *Pipeline) HandleDeadLetter(ctx context.Context, stage string, body json.RawMessage, attempts int, reason string) error {
	msg := fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)

	switch stage {
	case StageResolve:
		var in ResolvePayload
		if err := json.Unmarshal(body, &in); err != nil {
			return fmt.Errorf("decode resolve dead letter: %w", err)
		}
		_, total, err := p.ledger.ListJobs(ctx, models.JobFilter{BatchID: in.BatchID, Limit: 1})
		if err != nil {
			return err
		}
		if total > 0 {
			return nil
		}
		p.log.Warn("resolution dead-lettered", zap.String("batch_id", in.BatchID), zap.String("reason", msg))
		if err := p.ledger.SetBatchStatus(ctx, in.BatchID, models.BatchFailed); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		return nil

	case StageDownload, StageTranscribe:
		var ref struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(body, &ref); err != nil {
			return fmt.Errorf("decode %s dead letter: %w", stage, err)
		}
		p.log.Warn("job dead-lettered", zap.String("job_id", ref.JobID), zap.String("stage", stage), zap.String("reason", msg))
		return p.finish(ctx, ref.JobID, models.JobUpdate{
			Status:       models.JobFailed,
			Error:        &msg,
			EventMessage: (&StageError{Stage: stage, Err: errors.New(msg)}).Error(),
		})
	}
	return fmt.Errorf("dead letter for unknown stage %q", stage)
}
