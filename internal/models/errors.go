package models

import "errors"

var (
	ErrNotFound          = errors.New("resource not found")
	ErrJobActive         = errors.New("job is active")
	ErrBatchActive       = errors.New("batch has active jobs")
	ErrJobFinished       = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
)
