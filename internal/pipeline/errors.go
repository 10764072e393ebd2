package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// StageError records which stage a collaborator failure came from.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", stageTitle(e.Stage), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrInvalidInput marks a request the pipeline refuses to accept.
var ErrInvalidInput = errors.New("invalid input")

func stageTitle(stage string) string {
	switch stage {
	case StageDownload:
		return "Download"
	case StageTranscribe:
		return "Transcription"
	case StageResolve:
		return "Resolution"
	}
	if stage == "" {
		return "Stage"
	}
	return strings.ToUpper(stage[:1]) + stage[1:]
}
