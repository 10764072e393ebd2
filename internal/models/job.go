package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the ledger.
type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobDownloading  JobStatus = "downloading"
	JobDownloaded   JobStatus = "downloaded"
	JobTranscribing JobStatus = "transcribing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobCanceled     JobStatus = "canceled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a stage executor currently owns the job.
func (s JobStatus) IsActive() bool {
	return s == JobDownloading || s == JobTranscribing
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobDownloading, JobDownloaded, JobTranscribing, JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// transitions lists the allowed edges of the job state machine. Failure and
// cancellation are reachable from every non-terminal state and are handled in
// CanTransition.
var transitions = map[JobStatus][]JobStatus{
	JobQueued:       {JobDownloading, JobDownloaded},
	JobDownloading:  {JobDownloading, JobDownloaded},
	JobDownloaded:   {JobTranscribing},
	JobTranscribing: {JobTranscribing, JobCompleted},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	if to == JobFailed || to == JobCanceled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one concrete media item carried through download and transcription.
type Job struct {
	ID              string     `json:"id"`
	BatchID         *string    `json:"batch_id"`
	SourceURL       string     `json:"source_url"`
	ItemURL         *string    `json:"video_url"`
	ExternalID      *string    `json:"video_id"`
	Title           *string    `json:"title"`
	Collection      *string    `json:"uploader"`
	RequestedFormat *string    `json:"requested_format"`
	Status          JobStatus  `json:"status"`
	Progress        float64    `json:"progress"`
	DownloadPath    *string    `json:"download_path"`
	TranscriptPath  *string    `json:"transcript_path"`
	Error           *string    `json:"error"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

// NewJob collects the inputs required to insert a job.
type NewJob struct {
	BatchID         string
	SourceURL       string
	ItemURL         string
	ExternalID      string
	Title           string
	Collection      string
	RequestedFormat string
	// Status defaults to queued.
	Status       JobStatus
	Progress     float64
	DownloadPath string
	// EventType and EventMessage describe the event appended on insert.
	// EventType defaults to the initial status.
	EventType    string
	EventMessage string
}

// JobUpdate is a partial mutation applied to a job inside one transaction.
// Nil fields are left untouched.
type JobUpdate struct {
	Status         JobStatus
	Progress       *float64
	Error          *string
	DownloadPath   *string
	TranscriptPath *string
	// EventMessage, when set, appends an event of EventType (default: the new
	// status) in the same transaction.
	EventType    string
	EventMessage string
}

// Apply mutates job according to upd, enforcing the state machine and the
// progress and timestamp invariants.
func (upd JobUpdate) Apply(job *Job, now time.Time) error {
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrJobFinished)
	}
	if upd.Status != "" && !CanTransition(job.Status, upd.Status) {
		return fmt.Errorf("%s -> %s: %w", job.Status, upd.Status, ErrInvalidTransition)
	}

	if upd.Status != "" {
		job.Status = upd.Status
	}
	if upd.Progress != nil {
		p := ClampProgress(*upd.Progress)
		if p > job.Progress {
			job.Progress = p
		}
	}
	if upd.Error != nil {
		job.Error = upd.Error
	}
	if upd.DownloadPath != nil {
		job.DownloadPath = upd.DownloadPath
	}
	if upd.TranscriptPath != nil {
		job.TranscriptPath = upd.TranscriptPath
	}
	if job.Status.IsActive() && job.StartedAt == nil {
		t := now
		job.StartedAt = &t
	}
	if job.Status.IsTerminal() && job.FinishedAt == nil {
		t := now
		job.FinishedAt = &t
	}
	job.UpdatedAt = now
	return nil
}

// StatusChanged reports whether applying upd to a job in status from changes
// its status.
func (upd JobUpdate) StatusChanged(from JobStatus) bool {
	return upd.Status != "" && upd.Status != from
}

// ClampProgress bounds p to the 0-100 range.
func ClampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	Status  JobStatus
	BatchID string
	Limit   int
	Offset  int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize applies paging defaults and bounds.
func (f JobFilter) Normalize() JobFilter {
	f.Limit, f.Offset = NormalizePage(f.Limit, f.Offset)
	return f
}

// NormalizePage bounds a limit/offset pair.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// JobEvent is an immutable audit row attached to a job.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Progress  *float64  `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}
