package metrics

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coil core.
type Metrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunsActive  *prometheus.GaugeVec

	// Evaluation metrics
	EvaluationsTotal *prometheus.CounterVec
	EvaluationScore  *prometheus.HistogramVec
	RaterFailures    *prometheus.CounterVec

	// Closed-loop metrics
	LoopIterations *prometheus.CounterVec
	LoopOutcomes   *prometheus.CounterVec
	FixesTotal     *prometheus.CounterVec

	// Self-repair metrics
	RepairChecks  *prometheus.CounterVec
	RepairsTotal  *prometheus.CounterVec

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderTokens   *prometheus.CounterVec

	// System metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	QueueJobs   *prometheus.CounterVec
	BusMessages *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration
// happens once per process; later calls return the shared instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_runs_total",
					Help: "Total agent runs by terminal status",
				},
				[]string{"agent", "status"},
			),
			RunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "coil_run_duration_seconds",
					Help:    "Duration of agent runs in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to 512s
				},
				[]string{"agent", "status"},
			),
			RunsActive: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "coil_runs_active",
					Help: "Agent runs currently executing",
				},
				[]string{"agent"},
			),
			EvaluationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_evaluations_total",
					Help: "Evaluations performed by task type and needs_fix outcome",
				},
				[]string{"task_type", "needs_fix"},
			),
			EvaluationScore: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "coil_evaluation_score",
					Help:    "Overall evaluation scores (0-1)",
					Buckets: prometheus.LinearBuckets(0, 0.1, 11),
				},
				[]string{"task_type"},
			),
			RaterFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_rater_failures_total",
					Help: "Rater calls that failed or returned unparseable output",
				},
				[]string{"model"},
			),
			LoopIterations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_loop_iterations_total",
					Help: "Closed-loop fix iterations started",
				},
				[]string{"agent"},
			),
			LoopOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_loop_outcomes_total",
					Help: "Closed-loop terminal outcomes",
				},
				[]string{"agent", "outcome"},
			),
			FixesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_fixes_total",
					Help: "Auto-fix attempts by result",
				},
				[]string{"agent", "result"},
			),
			RepairChecks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_repair_checks_total",
					Help: "Self-repair health checks by verdict",
				},
				[]string{"agent", "verdict"},
			),
			RepairsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_repairs_total",
					Help: "Configuration versions activated by self-repair",
				},
				[]string{"agent"},
			),
			ProviderRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_provider_requests_total",
					Help: "LLM provider requests",
				},
				[]string{"model"},
			),
			ProviderErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_provider_errors_total",
					Help: "LLM provider errors",
				},
				[]string{"model", "transient"},
			),
			ProviderLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "coil_provider_latency_seconds",
					Help:    "LLM provider request latency in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
				},
				[]string{"model"},
			),
			ProviderTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_provider_tokens_total",
					Help: "Tokens consumed by direction",
				},
				[]string{"model", "direction"},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "coil_cache_hits_total",
					Help: "LLM response cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "coil_cache_misses_total",
					Help: "LLM response cache misses",
				},
			),
			QueueJobs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_queue_jobs_total",
					Help: "Queue jobs by queue and result",
				},
				[]string{"queue", "result"},
			),
			BusMessages: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coil_bus_messages_total",
					Help: "Bus envelopes published by type",
				},
				[]string{"type"},
			),
		}
	})
	return sharedMetrics
}

// RecordRunStarted marks a run as executing.
func (m *Metrics) RecordRunStarted(agent string) {
	if m == nil {
		return
	}
	m.RunsActive.WithLabelValues(agent).Inc()
}

// RecordRunFinished records a terminal run and its duration.
func (m *Metrics) RecordRunFinished(agent, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsActive.WithLabelValues(agent).Dec()
	m.RunsTotal.WithLabelValues(agent, status).Inc()
	m.RunDuration.WithLabelValues(agent, status).Observe(duration.Seconds())
}

// RecordEvaluation records one completed evaluation.
func (m *Metrics) RecordEvaluation(taskType string, overall float64, needsFix bool) {
	if m == nil {
		return
	}
	label := "false"
	if needsFix {
		label = "true"
	}
	m.EvaluationsTotal.WithLabelValues(taskType, label).Inc()
	m.EvaluationScore.WithLabelValues(taskType).Observe(overall)
}

// RecordProviderRequest records one LLM call.
func (m *Metrics) RecordProviderRequest(model string, duration time.Duration, promptTokens, completionTokens int, err error, transient bool) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(model).Inc()
	m.ProviderLatency.WithLabelValues(model).Observe(duration.Seconds())
	if err != nil {
		label := "false"
		if transient {
			label = "true"
		}
		m.ProviderErrors.WithLabelValues(model, label).Inc()
		return
	}
	if promptTokens > 0 {
		m.ProviderTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ProviderTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// Serve starts the Prometheus scrape endpoint on addr. It returns the
// server so the caller can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[Metrics] Serving Prometheus metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Metrics] Metrics server stopped: %v", err)
		}
	}()
	return srv
}
