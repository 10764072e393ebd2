package pipeline

// Stage names double as dispatcher queue names.
const (
	StageResolve    = "resolve"
	StageDownload   = "download"
	StageTranscribe = "transcribe"
)

// Stages lists every stage in pipeline order.
var Stages = []string{StageResolve, StageDownload, StageTranscribe}

// ResolvePayload asks the resolve stage to fan a batch out into jobs. BatchID
// is also the idempotency key for the fan-out.
type ResolvePayload struct {
	BatchID   string `json:"batch_id"`
	SourceURL string `json:"source_url"`
	Format    string `json:"format,omitempty"`
}

// DownloadPayload asks the download stage to fetch one job's item.
type DownloadPayload struct {
	JobID     string `json:"job_id"`
	ItemURL   string `json:"item_url"`
	OutputDir string `json:"output_dir"`
	Format    string `json:"format,omitempty"`
}

// TranscribePayload asks the transcribe stage to process a downloaded job.
type TranscribePayload struct {
	JobID string `json:"job_id"`
}

// Band is the slice of the overall 0-100 progress scale owned by a stage.
// Entry is the progress recorded when the stage starts.
type Band struct {
	Start float64
	End   float64
	Entry float64
}

// Scale maps a stage-local fraction in [0, 1] onto the overall scale.
func (b Band) Scale(fraction float64) float64 {
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	return b.Start + fraction*(b.End-b.Start)
}

// ProgressBands assigns each progress-reporting stage its share of the scale.
var ProgressBands = map[string]Band{
	StageDownload:   {Start: 0, End: 50, Entry: 0},
	StageTranscribe: {Start: 50, End: 100, Entry: 60},
}

// progressStep is the minimum advance persisted while a transfer runs.
const progressStep = 1.0
