package pipeline

import (
	"context"

	"qtube/internal/models"
)

// Ledger is the transactional state store the pipeline reads and mutates.
type Ledger interface {
	CreateBatch(ctx context.Context, sourceURL string) (models.Batch, error)
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]models.Batch, int, error)
	SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) error
	DeleteBatch(ctx context.Context, id string) ([]models.Job, error)

	CreateJobs(ctx context.Context, batchID string, specs []models.NewJob) ([]models.Job, bool, error)
	CreateJob(ctx context.Context, spec models.NewJob) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f models.JobFilter) ([]models.Job, int, error)
	FindJobByDownloadPath(ctx context.Context, path string) (models.Job, bool, error)
	UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (models.Job, error)
	DeleteJob(ctx context.Context, id string) (models.Job, error)
	ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// Dispatcher hands a payload to the named stage with at-least-once delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, stage string, payload any) (string, error)
}

// Item is one concrete fetchable media item.
type Item struct {
	URL        string
	ExternalID string
	Title      string
}

// Resolution is the expansion of a source into items sharing a collection.
type Resolution struct {
	Collection string
	Items      []Item
}

// Resolver expands a source reference into concrete items.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (Resolution, error)
}

// Fetch progress statuses.
const (
	FetchDownloading = "downloading"
	FetchFinished    = "finished"
)

// FetchProgress is one transfer progress report from a Fetcher.
type FetchProgress struct {
	Status     string
	BytesTotal int64
	BytesDone  int64
	FinalPath  string
}

// Fraction returns the completed share of the transfer in [0, 1].
func (fp FetchProgress) Fraction() float64 {
	if fp.Status == FetchFinished {
		return 1
	}
	if fp.BytesTotal <= 0 {
		return 0
	}
	f := float64(fp.BytesDone) / float64(fp.BytesTotal)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// ProgressFunc receives transfer progress. It may be called from any goroutine.
type ProgressFunc func(FetchProgress)

// Fetcher downloads one item into outputDir and returns the final file path.
// Cancelling ctx aborts the transfer.
type Fetcher interface {
	Fetch(ctx context.Context, itemURL, outputDir, format string, onProgress ProgressFunc) (string, error)
}

// Transcriber turns a media file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) (string, error)
}

// ArtifactStore persists derived artifacts. Put returns the stored location.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
	Delete(ctx context.Context, key string) error
}
