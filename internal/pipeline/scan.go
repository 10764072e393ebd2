package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"qtube/internal/models"
)

// MediaExtensions are the file types picked up by ScanLocal.
var MediaExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".webm": true,
	".mp3":  true,
	".m4a":  true,
	".wav":  true,
}

// ScanLocal imports media files under the downloads directory that have no
// transcript and no job yet. Each becomes an orphan job in the downloaded
// state and is dispatched straight to transcription.
func (p *Pipeline) ScanLocal(ctx context.Context) ([]models.Job, error) {
	var found []string
	err := filepath.WalkDir(p.downloadsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == p.downloadsDir {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !MediaExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if _, err := os.Stat(path + ".txt"); err == nil {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.downloadsDir, err)
	}

	imported := make([]models.Job, 0, len(found))
	for _, path := range found {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		if _, exists, err := p.ledger.FindJobByDownloadPath(ctx, path); err != nil {
			return imported, err
		} else if exists {
			continue
		}
		job, err := p.ledger.CreateJob(ctx, models.NewJob{
			SourceURL:    "local",
			Title:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Status:       models.JobDownloaded,
			Progress:     ProgressBands[StageDownload].End,
			DownloadPath: path,
			EventType:    string(models.JobDownloaded),
			EventMessage: "Imported local download",
		})
		if err != nil {
			return imported, err
		}
		if err := p.dispatch(ctx, StageTranscribe, TranscribePayload{JobID: job.ID}); err != nil {
			return imported, fmt.Errorf("dispatch transcription for job %s: %w", job.ID, err)
		}
		imported = append(imported, job)
	}
	p.log.Info("local scan finished", zap.Int("found", len(found)), zap.Int("imported", len(imported)))
	return imported, nil
}
