package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtube/internal/models"
	"qtube/internal/store"
)

type dispatched struct {
	stage   string
	payload any
}

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []dispatched
	err  error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, stage string, payload any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.msgs = append(d.msgs, dispatched{stage: stage, payload: payload})
	return "msg", nil
}

// take removes and returns every message dispatched to stage so far.
func (d *recordingDispatcher) take(stage string) []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out, rest []dispatched
	for _, m := range d.msgs {
		if m.stage == stage {
			out = append(out, m)
		} else {
			rest = append(rest, m)
		}
	}
	d.msgs = rest
	return out
}

type stubResolver struct {
	res   Resolution
	err   error
	calls int
}

func (r *stubResolver) Resolve(context.Context, string) (Resolution, error) {
	r.calls++
	return r.res, r.err
}

type stubFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	progress []FetchProgress

	// during runs inside Fetch before any progress is reported.
	during func(ctx context.Context, itemURL string)
}

func (f *stubFetcher) Fetch(ctx context.Context, itemURL, outputDir, _ string, onProgress ProgressFunc) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[itemURL]++
	f.mu.Unlock()

	if f.during != nil {
		f.during(ctx, itemURL)
	}
	for _, fp := range f.progress {
		onProgress(fp)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if err := f.fail[itemURL]; err != nil {
		return "", err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, filepath.Base(itemURL)+".mp4")
	return path, os.WriteFile(path, []byte("media"), 0o644)
}

type stubTranscriber struct {
	calls int
	err   error
}

func (t *stubTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return "transcript of " + filepath.Base(path), nil
}

type memArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func (m *memArtifacts) Put(_ context.Context, key string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return "mem://" + key, nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

// progressLedger records progress-only writes made while a transfer runs.
type progressLedger struct {
	Ledger
	mu     sync.Mutex
	writes []float64
}

func (l *progressLedger) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (models.Job, error) {
	if upd.Status == "" && upd.Progress != nil {
		l.mu.Lock()
		l.writes = append(l.writes, *upd.Progress)
		l.mu.Unlock()
	}
	return l.Ledger.UpdateJob(ctx, id, upd)
}

type harness struct {
	p           *Pipeline
	ledger      *progressLedger
	dispatcher  *recordingDispatcher
	resolver    *stubResolver
	fetcher     *stubFetcher
	transcriber *stubTranscriber
	artifacts   *memArtifacts
	dir         string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	st, err := store.Open(ctx, "sqlite://"+filepath.Join(root, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	h := &harness{
		ledger:      &progressLedger{Ledger: st},
		dispatcher:  &recordingDispatcher{},
		resolver:    &stubResolver{},
		fetcher:     &stubFetcher{fail: map[string]error{}},
		transcriber: &stubTranscriber{},
		artifacts:   &memArtifacts{},
		dir:         filepath.Join(root, "downloads"),
	}
	h.p, err = New(Options{
		Ledger:       h.ledger,
		Dispatcher:   h.dispatcher,
		Resolver:     h.resolver,
		Fetcher:      h.fetcher,
		Transcriber:  h.transcriber,
		Artifacts:    h.artifacts,
		DownloadsDir: h.dir,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) resolve(t *testing.T) {
	t.Helper()
	for _, m := range h.dispatcher.take(StageResolve) {
		require.NoError(t, h.p.HandleResolve(context.Background(), m.payload.(ResolvePayload)))
	}
}

// downloads returns pending download payloads keyed by job id.
func (h *harness) downloads() map[string]DownloadPayload {
	out := map[string]DownloadPayload{}
	for _, m := range h.dispatcher.take(StageDownload) {
		in := m.payload.(DownloadPayload)
		out[in.JobID] = in
	}
	return out
}

func (h *harness) transcribeAll(t *testing.T) {
	t.Helper()
	for _, m := range h.dispatcher.take(StageTranscribe) {
		require.NoError(t, h.p.HandleTranscribe(context.Background(), m.payload.(TranscribePayload)))
	}
}

func (h *harness) batchStatus(t *testing.T, id string) models.BatchStatus {
	t.Helper()
	detail, err := h.p.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return detail.Batch.Status
}

func twoItems() Resolution {
	return Resolution{
		Collection: "Some Channel",
		Items: []Item{
			{URL: "https://example.com/watch/one", ExternalID: "one", Title: "One"},
			{URL: "https://example.com/watch/two", ExternalID: "two", Title: "Two"},
		},
	}
}

func TestEndToEndTwoItemBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.res = twoItems()
	h.fetcher.fail["https://example.com/watch/two"] = errors.New("format unavailable")

	batch, err := h.p.CreateBatch(ctx, "https://example.com/channel", "")
	require.NoError(t, err)
	assert.Equal(t, models.BatchQueued, batch.Status)

	h.resolve(t)
	detail, err := h.p.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, 2, detail.Total)
	byURL := map[string]models.Job{}
	for _, j := range detail.Jobs {
		assert.Equal(t, models.JobQueued, j.Status)
		assert.Equal(t, 0.0, j.Progress)
		byURL[*j.ItemURL] = j
	}
	first := byURL["https://example.com/watch/one"]
	second := byURL["https://example.com/watch/two"]

	downloads := h.downloads()
	require.Len(t, downloads, 2)
	assert.Equal(t, filepath.Join(h.dir, "Some Channel"), downloads[first.ID].OutputDir)

	require.NoError(t, h.p.HandleDownload(ctx, downloads[first.ID]))
	job, err := h.p.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDownloaded, job.Status)
	assert.Equal(t, 50.0, job.Progress)
	require.NotNil(t, job.DownloadPath)

	h.transcribeAll(t)
	job, err = h.p.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	require.NotNil(t, job.TranscriptPath)
	assert.Equal(t, "mem://Some Channel/one.mp4.txt", *job.TranscriptPath)
	assert.Equal(t, models.BatchProcessing, h.batchStatus(t, batch.ID))

	require.NoError(t, h.p.HandleDownload(ctx, downloads[second.ID]))
	job, err = h.p.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "format unavailable", *job.Error)
	assert.Empty(t, h.dispatcher.take(StageTranscribe), "failed downloads are not transcribed")
	assert.Equal(t, models.BatchFailed, h.batchStatus(t, batch.ID))

	events, err := h.p.ListJobEvents(ctx, first.ID)
	require.NoError(t, err)
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.EventType)
	}
	assert.Equal(t, []string{"queued", "downloading", "downloaded", "transcribing", "completed"}, kinds)

	events, err = h.p.ListJobEvents(ctx, second.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "failed", last.EventType)
	assert.Equal(t, "Download failed: format unavailable", last.Message)
}

func TestBatchCompletesWhenAllJobsComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.res = twoItems()

	batch, err := h.p.CreateBatch(ctx, "https://example.com/channel", "")
	require.NoError(t, err)
	h.resolve(t)
	for _, in := range h.downloads() {
		require.NoError(t, h.p.HandleDownload(ctx, in))
	}
	h.transcribeAll(t)
	assert.Equal(t, models.BatchCompleted, h.batchStatus(t, batch.ID))
}

func TestCreateBatchValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.CreateBatch(context.Background(), "ab", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	long := make([]byte, MaxFormatLength+1)
	for i := range long {
		long[i] = 'f'
	}
	_, err = h.p.CreateBatch(context.Background(), "https://example.com/v", string(long))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateBatchDispatchFailureFailsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.dispatcher.err = errors.New("redis down")

	_, err := h.p.CreateBatch(ctx, "https://example.com/v", "")
	require.Error(t, err)

	batches, total, err := h.p.ListBatches(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.BatchFailed, batches[0].Status)
}

func TestResolutionFailureFailsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.err = errors.New("unreachable")

	batch, err := h.p.CreateBatch(ctx, "https://example.com/bad", "")
	require.NoError(t, err)
	h.resolve(t)

	detail, err := h.p.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, detail.Batch.Status)
	assert.Empty(t, detail.Jobs)
	assert.Empty(t, h.downloads())
}

func TestEmptyResolutionCompletesBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.res = Resolution{Collection: "Empty"}

	batch, err := h.p.CreateBatch(ctx, "https://example.com/empty", "")
	require.NoError(t, err)
	h.resolve(t)
	assert.Equal(t, models.BatchCompleted, h.batchStatus(t, batch.ID))
}

func TestRedeliveredResolutionDoesNotDuplicateJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resolver.res = twoItems()

	batch, err := h.p.CreateBatch(ctx, "https://example.com/channel", "720p")
	require.NoError(t, err)
	msg := h.dispatcher.take(StageResolve)[0].payload.(ResolvePayload)
	require.NoError(t, h.p.HandleResolve(ctx, msg))

	downloads := h.downloads()
	require.Len(t, downloads, 2)
	var started string
	for id, in := range downloads {
		assert.Equal(t, "720p", in.Format)
		started = id
		require.NoError(t, h.p.HandleDownload(ctx, in))
		break
	}
	h.dispatcher.take(StageTranscribe)

	require.NoError(t, h.p.HandleResolve(ctx, msg))
	detail, err := h.p.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Total)

	again := h.downloads()
	require.Len(t, again, 1, "only still-queued jobs are re-dispatched")
	_, ok := again[started]
	assert.False(t, ok)
}

func TestDownloadProgressIsThrottledWithinBand(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.progress = []FetchProgress{
		{Status: FetchDownloading, BytesTotal: 1000, BytesDone: 10},
		{Status: FetchDownloading, BytesTotal: 1000, BytesDone: 30},
		{Status: FetchDownloading, BytesTotal: 1000, BytesDone: 35},
		{Status: FetchDownloading, BytesTotal: 1000, BytesDone: 60},
		{Status: FetchDownloading, BytesTotal: 0, BytesDone: 70},
		{Status: FetchDownloading, BytesTotal: 1000, BytesDone: 500},
		{Status: FetchFinished, FinalPath: "x"},
	}
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/solo", ItemURL: "https://example.com/watch/solo"})
	require.NoError(t, err)

	require.NoError(t, h.p.HandleDownload(ctx, DownloadPayload{JobID: job.ID, ItemURL: "https://example.com/watch/solo", OutputDir: h.dir}))
	assert.InDeltaSlice(t, []float64{1.5, 3, 25, 50}, h.ledger.writes, 1e-9)

	got, err := h.p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDownloaded, got.Status)
	assert.Equal(t, 50.0, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

func TestBandScale(t *testing.T) {
	b := ProgressBands[StageDownload]
	assert.Equal(t, 0.0, b.Scale(-1))
	assert.Equal(t, 25.0, b.Scale(0.5))
	assert.Equal(t, 50.0, b.Scale(2))
	assert.Equal(t, 60.0, ProgressBands[StageTranscribe].Entry)
}

func TestDownloadReentry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/re", ItemURL: "https://example.com/watch/re"})
	require.NoError(t, err)
	in := DownloadPayload{JobID: job.ID, ItemURL: "https://example.com/watch/re", OutputDir: h.dir}

	require.NoError(t, h.p.HandleDownload(ctx, in))
	require.NoError(t, h.p.HandleDownload(ctx, in))
	assert.Equal(t, 1, h.fetcher.calls[in.ItemURL], "a committed download is not fetched again")
	assert.Len(t, h.dispatcher.take(StageTranscribe), 2)

	require.NoError(t, h.p.HandleTranscribe(ctx, TranscribePayload{JobID: job.ID}))
	require.NoError(t, h.p.HandleTranscribe(ctx, TranscribePayload{JobID: job.ID}))
	assert.Equal(t, 1, h.transcriber.calls)

	require.NoError(t, h.p.HandleDownload(ctx, in))
	assert.Equal(t, 1, h.fetcher.calls[in.ItemURL])
}

func TestMissingJobIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.p.HandleDownload(ctx, DownloadPayload{JobID: "missing"}))
	require.NoError(t, h.p.HandleTranscribe(ctx, TranscribePayload{JobID: "missing"}))
	require.NoError(t, h.p.HandleResolve(ctx, ResolvePayload{BatchID: "missing"}))
	assert.Zero(t, h.resolver.calls)
}

func TestTranscribeWithoutDownloadFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/v"})
	require.NoError(t, err)

	require.NoError(t, h.p.HandleTranscribe(ctx, TranscribePayload{JobID: job.ID}))
	got, err := h.p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Missing download path", *got.Error)
	assert.Zero(t, h.transcriber.calls)
	require.NotNil(t, got.FinishedAt)
}

func TestTranscriptionFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transcriber.err = errors.New("model crashed")
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/t", ItemURL: "https://example.com/watch/t"})
	require.NoError(t, err)

	require.NoError(t, h.p.HandleDownload(ctx, DownloadPayload{JobID: job.ID, ItemURL: "https://example.com/watch/t", OutputDir: h.dir}))
	h.transcribeAll(t)

	got, err := h.p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 60.0, got.Progress)
	assert.Empty(t, h.artifacts.objects)
}

func TestCancelDuringDownloadStopsFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.progress = []FetchProgress{
		{Status: FetchDownloading, BytesTotal: 100, BytesDone: 10},
		{Status: FetchDownloading, BytesTotal: 100, BytesDone: 90},
	}
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/c", ItemURL: "https://example.com/watch/c"})
	require.NoError(t, err)
	h.fetcher.during = func(context.Context, string) {
		_, err := h.p.CancelJob(ctx, job.ID)
		require.NoError(t, err)
	}

	require.NoError(t, h.p.HandleDownload(ctx, DownloadPayload{JobID: job.ID, ItemURL: "https://example.com/watch/c", OutputDir: h.dir}))
	got, err := h.p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCanceled, got.Status)
	assert.Empty(t, h.dispatcher.take(StageTranscribe))

	_, err = h.p.CancelJob(ctx, job.ID)
	require.ErrorIs(t, err, models.ErrJobFinished)
}

func TestDeleteJobWithPurge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/p", ItemURL: "https://example.com/watch/p"})
	require.NoError(t, err)
	require.NoError(t, h.p.HandleDownload(ctx, DownloadPayload{JobID: job.ID, ItemURL: "https://example.com/watch/p", OutputDir: h.dir}))
	h.transcribeAll(t)

	got, err := h.p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.Status)

	_, err = h.p.DeleteJob(ctx, job.ID, true)
	require.NoError(t, err)
	_, statErr := os.Stat(*got.DownloadPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	assert.Equal(t, []string{"p.mp4.txt"}, h.artifacts.deleted)

	_, err = h.p.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteActiveJobRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/a"})
	require.NoError(t, err)
	_, err = h.ledger.UpdateJob(ctx, job.ID, models.JobUpdate{Status: models.JobDownloading})
	require.NoError(t, err)

	_, err = h.p.DeleteJob(ctx, job.ID, false)
	require.ErrorIs(t, err, models.ErrJobActive)
}

func TestScanLocalImportsUntranscribedMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := filepath.Join(h.dir, "Local")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for name, body := range map[string]string{
		"fresh.mp4":    "m",
		"done.mkv":     "m",
		"done.mkv.txt": "t",
		"cover.jpg":    "i",
		"talk.MP3":     "a",
		"notes.txt":    "n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte(body), 0o644))
	}

	imported, err := h.p.ScanLocal(ctx)
	require.NoError(t, err)
	require.Len(t, imported, 2)
	for _, j := range imported {
		assert.Equal(t, models.JobDownloaded, j.Status)
		assert.Equal(t, 50.0, j.Progress)
		assert.Equal(t, "local", j.SourceURL)
		assert.Nil(t, j.BatchID)
	}
	assert.Len(t, h.dispatcher.take(StageTranscribe), 2)

	events, err := h.p.ListJobEvents(ctx, imported[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "downloaded", events[0].EventType)
	assert.Equal(t, "Imported local download", events[0].Message)

	again, err := h.p.ScanLocal(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestScanLocalMissingDirectory(t *testing.T) {
	h := newHarness(t)
	imported, err := h.p.ScanLocal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, imported)
}

func TestHandleDeadLetter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, err := h.ledger.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/watch/d"})
	require.NoError(t, err)

	require.NoError(t, h.p.HandleDeadLetter(ctx, StageDownload, []byte(`{"job_id":"`+job.ID+`"}`), 5, "redis timeout"))
	got, err := h.p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "gave up after 5 attempts: redis timeout", *got.Error)

	batch, err := h.ledger.CreateBatch(ctx, "https://example.com/channel")
	require.NoError(t, err)
	require.NoError(t, h.p.HandleDeadLetter(ctx, StageResolve, []byte(`{"batch_id":"`+batch.ID+`"}`), 5, "timeout"))
	assert.Equal(t, models.BatchFailed, h.batchStatus(t, batch.ID))

	require.Error(t, h.p.HandleDeadLetter(ctx, "bogus", []byte(`{}`), 1, "x"))
}

func TestSettingsReportsCookies(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.p.Settings().CookiesConfigured)

	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookies, []byte("# Netscape"), 0o600))
	h.p.cookiesFile = cookies
	s := h.p.Settings()
	assert.True(t, s.CookiesConfigured)
	assert.Equal(t, cookies, s.CookiesPath)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Unknown", sanitizeName(""))
	assert.Equal(t, "Unknown", sanitizeName(" .. "))
	assert.Equal(t, "a_b_c", sanitizeName("a/b\\c"))
	assert.Equal(t, "Some Channel", sanitizeName("Some Channel"))
}
