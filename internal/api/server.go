package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"qtube/internal/logging"
	"qtube/internal/models"
	"qtube/internal/pipeline"
	"qtube/internal/queue"
	"qtube/internal/ratelimit"
	"qtube/internal/telemetry"
)

const (
	maxBodyBytes    = 1 << 20
	defaultDLQLimit = 100
	maxDLQLimit     = 1000
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options wires a Server. Pipeline and Queue are required.
type Options struct {
	Pipeline    *pipeline.Pipeline
	Queue       *queue.RedisQueue
	Limiter     *ratelimit.Limiter
	Checks      map[string]HealthCheck
	CORSOrigins []string
	Logger      *zap.Logger
}

// Server wires HTTP handlers for the submission and inspection API.
type Server struct {
	pipeline    *pipeline.Pipeline
	queue       *queue.RedisQueue
	limiter     *ratelimit.Limiter
	checks      map[string]HealthCheck
	corsOrigins []string
	log         *zap.Logger
}

// New constructs the API server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		pipeline:    opts.Pipeline,
		queue:       opts.Queue,
		limiter:     opts.Limiter,
		checks:      opts.Checks,
		corsOrigins: origins,
		log:         log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Client-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Delete("/{id}", s.handleDeleteJob)
	})
	r.Route("/batches", func(r chi.Router) {
		r.Get("/", s.handleListBatches)
		r.Get("/{id}", s.handleGetBatch)
		r.Delete("/{id}", s.handleDeleteBatch)
	})
	r.Post("/scan", s.handleScan)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/settings", s.handleSettings)
	return r
}

type submitRequest struct {
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		client := clientFromRequest(r)
		decision, err := s.limiter.Allow(r.Context(), client)
		if err != nil {
			s.log.Error("rate limit check", zap.String("client", client), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	batch, err := s.pipeline.CreateBatch(r.Context(), req.URL, req.FormatID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{BatchID: batch.ID, Message: "Batch queued for resolution"})
}

type jobListResponse struct {
	Jobs  []models.Job `json:"jobs"`
	Total int          `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	jobs, total, err := s.pipeline.ListJobs(r.Context(), models.JobFilter{
		Status:  models.JobStatus(q.Get("status")),
		BatchID: q.Get("batch_id"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.pipeline.ListJobEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type deleteJobResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	purge := purgeFromQuery(r)
	job, err := s.pipeline.DeleteJob(r.Context(), chi.URLParam(r, "id"), purge)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	msg := "Job deleted"
	if purge {
		msg = "Job and files deleted"
	}
	writeJSON(w, http.StatusOK, deleteJobResponse{JobID: job.ID, Message: msg})
}

type batchListResponse struct {
	Batches []models.Batch `json:"batches"`
	Total   int            `json:"total"`
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batches, total, err := s.pipeline.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	writeJSON(w, http.StatusOK, batchListResponse{Batches: batches, Total: total})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	detail, err := s.pipeline.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type deleteBatchResponse struct {
	BatchID     string `json:"batch_id"`
	DeletedJobs int    `json:"deleted_jobs"`
	Message     string `json:"message"`
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := s.pipeline.DeleteBatch(r.Context(), id, purgeFromQuery(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteBatchResponse{BatchID: id, DeletedJobs: len(jobs), Message: "Batch deleted"})
}

type scanResponse struct {
	Jobs    []models.Job `json:"jobs"`
	Message string       `json:"message"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.pipeline.ScanLocal(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusAccepted, scanResponse{
		Jobs:    jobs,
		Message: fmt.Sprintf("Queued %d local downloads for transcription", len(jobs)),
	})
}

// handleDLQ returns the most recent dead-lettered messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDLQLimit)
	}
	items, err := s.queue.DLQPeek(r.Context(), int64(limit))
	if err != nil {
		s.log.Error("read dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []queue.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Settings())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

// writeErr maps domain errors onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrJobActive),
		errors.Is(err, models.ErrBatchActive),
		errors.Is(err, models.ErrJobFinished),
		errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pageFromQuery(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	var limit, offset int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}
	limit, offset = models.NormalizePage(limit, offset)
	return limit, offset, nil
}

func purgeFromQuery(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("purge_files"))
	return v
}

// clientFromRequest keys rate limiting. An explicit client id wins over the
// caller's address.
func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
