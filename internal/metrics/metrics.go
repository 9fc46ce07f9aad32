// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	auditJobsTotal             *prometheus.CounterVec
	auditJobDurationSeconds    *prometheus.HistogramVec
	auditActiveJobs            prometheus.Gauge
	aiRequestsTotal            *prometheus.CounterVec
	aiRequestDurationSeconds   *prometheus.HistogramVec
	aiRetriesTotal             *prometheus.CounterVec
	aiTokenWaitSeconds         prometheus.Histogram
	aiQueueDepth               prometheus.Gauge
	aiBucketTokens             prometheus.Gauge
	evaluationOutcomesTotal    *prometheus.CounterVec
	evaluationDurationSeconds  prometheus.Histogram
	jobQueueEventsTotal        *prometheus.CounterVec
	reaperRecordsTotal         *prometheus.CounterVec
	siteFetchesTotal           *prometheus.CounterVec
	submissionsThrottledTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		auditJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Total number of audit jobs processed, labeled by final status.",
			},
			[]string{"status"},
		)

		auditJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_job_duration_seconds",
				Help:    "Wall-clock duration of audit jobs, labeled by final status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		)

		auditActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_jobs",
				Help: "Number of audit jobs currently being processed.",
			},
		)

		aiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_requests_total",
				Help: "Total AI provider calls resolved by the request queue, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		aiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ai_request_duration_seconds",
				Help:    "Latency of individual AI provider calls.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		)

		aiRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_retries_total",
				Help: "Total AI request retries, labeled by error class.",
			},
			[]string{"class"},
		)

		aiTokenWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ai_token_wait_seconds",
				Help:    "Histogram of waits for the AI token bucket to refill.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
			},
		)

		aiQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ai_queue_depth",
				Help: "Number of AI requests waiting for dispatch.",
			},
		)

		aiBucketTokens = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ai_bucket_tokens",
				Help: "Tokens currently available in the AI rate limit bucket.",
			},
		)

		evaluationOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluation_outcomes_total",
				Help: "Total evaluator outcomes, labeled by evaluator and result.",
			},
			[]string{"evaluator", "result"},
		)

		evaluationDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "evaluation_duration_seconds",
				Help:    "Wall-clock duration of a full evaluation fan-out.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		jobQueueEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobqueue_events_total",
				Help: "Queue backend lifecycle events, labeled by backend and event.",
			},
			[]string{"backend", "event"},
		)

		reaperRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reaper_records_total",
				Help: "Records changed by reconciliation, labeled by action.",
			},
			[]string{"action"},
		)

		siteFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_fetches_total",
				Help: "Total site analysis fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		submissionsThrottledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "submissions_throttled_total",
				Help: "Total audit submissions rejected by the per-client rate limiter.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAuditJob records a finished audit job.
func ObserveAuditJob(status string, duration time.Duration) {
	Init()
	auditJobsTotal.WithLabelValues(status).Inc()
	auditJobDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	auditActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	auditActiveJobs.Dec()
}

// ObserveAIRequest records one resolved AI request.
func ObserveAIRequest(provider, outcome string) {
	Init()
	aiRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveAICall records the latency of one provider call.
func ObserveAICall(provider string, duration time.Duration) {
	Init()
	aiRequestDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveAIRetry counts a retried AI request.
func ObserveAIRetry(class string) {
	Init()
	aiRetriesTotal.WithLabelValues(class).Inc()
}

// ObserveTokenWait records how long the queue waited for a token.
func ObserveTokenWait(duration time.Duration) {
	Init()
	aiTokenWaitSeconds.Observe(duration.Seconds())
}

// SetAIQueueDepth reports the pending request count.
func SetAIQueueDepth(n int) {
	Init()
	aiQueueDepth.Set(float64(n))
}

// SetAIBucketTokens reports the available bucket tokens.
func SetAIBucketTokens(tokens float64) {
	Init()
	aiBucketTokens.Set(tokens)
}

// ObserveEvaluation records one evaluator outcome.
func ObserveEvaluation(evaluator string, succeeded bool) {
	Init()
	result := "success"
	if !succeeded {
		result = "fallback"
	}
	evaluationOutcomesTotal.WithLabelValues(evaluator, result).Inc()
}

// ObserveEvaluationDuration records the duration of a complete fan-out.
func ObserveEvaluationDuration(duration time.Duration) {
	Init()
	evaluationDurationSeconds.Observe(duration.Seconds())
}

// ObserveQueueEvent counts a queue backend lifecycle event.
func ObserveQueueEvent(backend, event string) {
	Init()
	jobQueueEventsTotal.WithLabelValues(backend, event).Inc()
}

// ObserveReaped counts records changed by reconciliation.
func ObserveReaped(action string, n int) {
	Init()
	if n > 0 {
		reaperRecordsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ObserveSiteFetch increments the site fetch counter.
func ObserveSiteFetch(site string, status string) {
	Init()
	siteFetchesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveSubmissionThrottled counts a rejected submission.
func ObserveSubmissionThrottled() {
	Init()
	submissionsThrottledTotal.Inc()
}
