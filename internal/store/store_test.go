package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qtube/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "ledger.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func ptr[T any](v T) *T { return &v }

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/db")
	require.Error(t, err)
}

func TestPlaceholderRewrite(t *testing.T) {
	pg := &Store{dialect: dialectPostgres}
	assert.Equal(t, "SELECT * FROM jobs WHERE id = $1 AND status = $2", pg.q("SELECT * FROM jobs WHERE id = ? AND status = ?"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())

	lite := &Store{dialect: dialectSQLite}
	assert.Equal(t, "id = ?", lite.q("id = ?"))
	assert.Empty(t, lite.forUpdate())
}

func TestCreateJobsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	batch, err := s.CreateBatch(ctx, "https://example.com/playlist")
	require.NoError(t, err)
	assert.Equal(t, models.BatchQueued, batch.Status)

	specs := []models.NewJob{
		{SourceURL: batch.SourceURL, ItemURL: "https://example.com/a", ExternalID: "a", Title: "A"},
		{SourceURL: batch.SourceURL, ItemURL: "https://example.com/b", ExternalID: "b", Title: "B"},
	}
	jobs, created, err := s.CreateJobs(ctx, batch.ID, specs)
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, models.JobQueued, j.Status)
		require.NotNil(t, j.BatchID)
		assert.Equal(t, batch.ID, *j.BatchID)
	}

	again, created, err := s.CreateJobs(ctx, batch.ID, specs)
	require.NoError(t, err)
	assert.False(t, created)
	require.Len(t, again, 2)
	assert.ElementsMatch(t, []string{jobs[0].ID, jobs[1].ID}, []string{again[0].ID, again[1].ID})

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchProcessing, got.Status)

	events, err := s.ListJobEvents(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].EventType)
}

func TestCreateJobsUnknownBatch(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateJobs(context.Background(), "missing", []models.NewJob{{SourceURL: "x"}})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	batch, err := s.CreateBatch(ctx, "https://example.com/v")
	require.NoError(t, err)
	jobs, _, err := s.CreateJobs(ctx, batch.ID, []models.NewJob{{SourceURL: batch.SourceURL}})
	require.NoError(t, err)
	id := jobs[0].ID

	job, err := s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobDownloading, Progress: ptr(0.0), EventMessage: "Download started"})
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	started := *job.StartedAt

	job, err = s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobDownloading, Progress: ptr(30.0)})
	require.NoError(t, err)
	assert.Equal(t, 30.0, job.Progress)
	assert.True(t, started.Equal(*job.StartedAt))

	job, err = s.UpdateJob(ctx, id, models.JobUpdate{Progress: ptr(10.0)})
	require.NoError(t, err)
	assert.Equal(t, 30.0, job.Progress, "progress never regresses")

	_, err = s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobDownloaded, Progress: ptr(50.0), DownloadPath: ptr("/tmp/a.mp4"), EventMessage: "Download completed"})
	require.NoError(t, err)
	_, err = s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobTranscribing, Progress: ptr(60.0), EventMessage: "Transcription started"})
	require.NoError(t, err)
	job, err = s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobCompleted, Progress: ptr(100.0), TranscriptPath: ptr("a.mp4.txt"), EventMessage: "Transcription completed"})
	require.NoError(t, err)
	require.NotNil(t, job.FinishedAt)
	assert.True(t, started.Equal(*job.StartedAt))
	assert.Equal(t, 100.0, job.Progress)

	_, err = s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobFailed})
	require.ErrorIs(t, err, models.ErrJobFinished)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, got.Status)

	events, err := s.ListJobEvents(ctx, id)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"queued", "downloading", "downloaded", "transcribing", "completed"}, types)

	found, ok, err := s.FindJobByDownloadPath(ctx, "/tmp/a.mp4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, found.ID)

	_, ok, err = s.FindJobByDownloadPath(ctx, "/tmp/none.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateJobRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job, err := s.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/v"})
	require.NoError(t, err)

	_, err = s.UpdateJob(ctx, job.ID, models.JobUpdate{Status: models.JobCompleted})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
}

func TestFailedJobFailsBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	batch, err := s.CreateBatch(ctx, "https://example.com/list")
	require.NoError(t, err)
	jobs, _, err := s.CreateJobs(ctx, batch.ID, []models.NewJob{{SourceURL: "a"}, {SourceURL: "b"}})
	require.NoError(t, err)

	_, err = s.UpdateJob(ctx, jobs[0].ID, models.JobUpdate{Status: models.JobFailed, Error: ptr("boom"), EventMessage: "boom"})
	require.NoError(t, err)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, got.Status)
}

func TestListJobsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	batch, err := s.CreateBatch(ctx, "https://example.com/list")
	require.NoError(t, err)
	specs := make([]models.NewJob, 5)
	for i := range specs {
		specs[i] = models.NewJob{SourceURL: batch.SourceURL}
	}
	jobs, _, err := s.CreateJobs(ctx, batch.ID, specs)
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, models.NewJob{SourceURL: "https://example.com/other"})
	require.NoError(t, err)

	for _, j := range jobs[:3] {
		_, err := s.UpdateJob(ctx, j.ID, models.JobUpdate{Status: models.JobFailed, Error: ptr("x")})
		require.NoError(t, err)
	}

	page, total, err := s.ListJobs(ctx, models.JobFilter{Status: models.JobFailed, BatchID: batch.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)

	rest, total, err := s.ListJobs(ctx, models.JobFilter{Status: models.JobFailed, BatchID: batch.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, rest, 1)

	all, total, err := s.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}
}

func TestDeleteJobProtectsActiveJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	batch, err := s.CreateBatch(ctx, "https://example.com/list")
	require.NoError(t, err)
	jobs, _, err := s.CreateJobs(ctx, batch.ID, []models.NewJob{{SourceURL: "a"}, {SourceURL: "b"}})
	require.NoError(t, err)

	_, err = s.UpdateJob(ctx, jobs[0].ID, models.JobUpdate{Status: models.JobDownloading, Progress: ptr(5.0), EventMessage: "started"})
	require.NoError(t, err)
	_, err = s.DeleteJob(ctx, jobs[0].ID)
	require.ErrorIs(t, err, models.ErrJobActive)

	_, err = s.DeleteBatch(ctx, batch.ID)
	require.ErrorIs(t, err, models.ErrBatchActive)

	_, err = s.UpdateJob(ctx, jobs[1].ID, models.JobUpdate{Status: models.JobFailed, Error: ptr("x")})
	require.NoError(t, err)
	removed, err := s.DeleteJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, jobs[1].ID, removed.ID)

	_, err = s.GetJob(ctx, jobs[1].ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.ListJobEvents(ctx, jobs[1].ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	// The failed job is gone, so the batch falls back to processing.
	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchProcessing, got.Status)
}

func TestDeleteBatchCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	batch, err := s.CreateBatch(ctx, "https://example.com/list")
	require.NoError(t, err)
	jobs, _, err := s.CreateJobs(ctx, batch.ID, []models.NewJob{{SourceURL: "a"}, {SourceURL: "b"}})
	require.NoError(t, err)

	removed, err := s.DeleteBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = s.GetBatch(ctx, batch.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	for _, j := range jobs {
		_, err := s.GetJob(ctx, j.ID)
		require.ErrorIs(t, err, models.ErrNotFound)
	}

	batches, total, err := s.ListBatches(ctx, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, batches)
}

func TestSetBatchStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	batch, err := s.CreateBatch(ctx, "https://example.com/bad")
	require.NoError(t, err)

	require.NoError(t, s.SetBatchStatus(ctx, batch.ID, models.BatchFailed))
	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, got.Status)

	require.ErrorIs(t, s.SetBatchStatus(ctx, "missing", models.BatchFailed), models.ErrNotFound)
}
