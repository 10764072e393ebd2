package models

import "time"

// BatchStatus is derived from the statuses of a batch's jobs.
type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch represents one submission that may resolve to many jobs.
type Batch struct {
	ID        string      `json:"id"`
	SourceURL string      `json:"source_url"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// DeriveBatchStatus computes a batch status from its job statuses. A single
// failed job fails the whole batch.
func DeriveBatchStatus(statuses []JobStatus) BatchStatus {
	if len(statuses) == 0 {
		return BatchCompleted
	}
	allCompleted := true
	for _, s := range statuses {
		if s == JobFailed {
			return BatchFailed
		}
		if s != JobCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return BatchCompleted
	}
	return BatchProcessing
}
