package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"qtube/internal/models"
	"qtube/internal/telemetry"
)

// Options wires a Pipeline. Ledger and Dispatcher are required; the stage
// collaborators are only needed by processes that run the matching stage.
type Options struct {
	Ledger      Ledger
	Dispatcher  Dispatcher
	Resolver    Resolver
	Fetcher     Fetcher
	Transcriber Transcriber
	Artifacts   ArtifactStore

	DownloadsDir  string
	DefaultFormat string
	CookiesFile   string
	Logger        *zap.Logger
}

// Pipeline is the job/batch orchestration engine. It owns the fan-out, the
// stage executors and the outward-facing job operations. Collaborators are
// bound once at construction and shared by every message it handles.
type Pipeline struct {
	ledger      Ledger
	dispatcher  Dispatcher
	resolver    Resolver
	fetcher     Fetcher
	transcriber Transcriber
	artifacts   ArtifactStore

	downloadsDir  string
	defaultFormat string
	cookiesFile   string
	log           *zap.Logger
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Ledger == nil {
		return nil, errors.New("pipeline: ledger is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("pipeline: dispatcher is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dir := opts.DownloadsDir
	if dir == "" {
		dir = "downloads"
	}
	return &Pipeline{
		ledger:        opts.Ledger,
		dispatcher:    opts.Dispatcher,
		resolver:      opts.Resolver,
		fetcher:       opts.Fetcher,
		transcriber:   opts.Transcriber,
		artifacts:     opts.Artifacts,
		downloadsDir:  dir,
		defaultFormat: opts.DefaultFormat,
		cookiesFile:   opts.CookiesFile,
		log:           log.Named("pipeline"),
	}, nil
}

func (p *Pipeline) dispatch(ctx context.Context, stage string, payload any) error {
	id, err := p.dispatcher.Enqueue(ctx, stage, payload)
	if err != nil {
		return err
	}
	telemetry.EnqueueCounter.WithLabelValues(stage).Inc()
	p.log.Debug("dispatched", zap.String("stage", stage), zap.String("message_id", id))
	return nil
}

// finish moves a job into a terminal status. Losing the race against a
// concurrent cancel or delete is not an error.
func (p *Pipeline) finish(ctx context.Context, jobID string, upd models.JobUpdate) error {
	job, err := p.ledger.UpdateJob(ctx, jobID, upd)
	if gone(err) {
		p.log.Info("job left the pipeline before it finished", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Status)).Inc()
	return nil
}

// fail records a job-fatal collaborator error.
func (p *Pipeline) fail(ctx context.Context, jobID, stage string, cause error) error {
	serr := &StageError{Stage: stage, Err: cause}
	p.log.Warn("stage failed", zap.String("job_id", jobID), zap.String("stage", stage), zap.Error(cause))
	msg := cause.Error()
	return p.finish(ctx, jobID, models.JobUpdate{
		Status:       models.JobFailed,
		Error:        &msg,
		EventMessage: serr.Error(),
	})
}

// gone reports whether err means the job was deleted or finished by someone
// else, which stage executors treat as a no-op.
func gone(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrJobFinished)
}

// collectionDir is the output directory for items of one collection.
func (p *Pipeline) collectionDir(collection string) string {
	return filepath.Join(p.downloadsDir, sanitizeName(collection))
}

// transcriptKey places a transcript next to its media file, relative to the
// downloads directory.
func (p *Pipeline) transcriptKey(downloadPath string) string {
	base, path := p.downloadsDir, downloadPath
	if filepath.IsAbs(base) != filepath.IsAbs(path) {
		base, _ = filepath.Abs(base)
		path, _ = filepath.Abs(path)
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(downloadPath)
	}
	return filepath.ToSlash(rel) + ".txt"
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return "Unknown"
	}
	return name
}
