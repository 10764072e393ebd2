package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "qtube_batches_created_total", Help: "Batches submitted"})
	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "qtube_messages_enqueued_total", Help: "Messages enqueued per stage"}, []string{"stage"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "qtube_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	StageSuccess     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "qtube_stage_success_total", Help: "Messages handled successfully per stage"}, []string{"stage"})
	StageFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "qtube_stage_failures_total", Help: "Messages whose handler returned an error"}, []string{"stage"})
	StageRetries     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "qtube_stage_retries_total", Help: "Messages scheduled for retry"}, []string{"stage"})
	DeadLetters      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "qtube_dead_letter_total", Help: "Messages moved to the DLQ"}, []string{"stage"})
	JobOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "qtube_job_outcomes_total", Help: "Jobs reaching a terminal status"}, []string{"status"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "qtube_queue_depth", Help: "Ready messages per stage"}, []string{"stage"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "qtube_inflight", Help: "Messages currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesCreated,
			EnqueueCounter,
			RateLimitRejects,
			StageSuccess,
			StageFailures,
			StageRetries,
			DeadLetters,
			JobOutcomes,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
