// Package metrics exposes Prometheus instrumentation for the pipeline and
// the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronoguard",
		Name:      "pipeline_stage_total",
		Help:      "Pipeline stage executions by stage and outcome.",
	}, []string{"stage", "outcome"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cronoguard",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Pipeline stage durations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	runTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronoguard",
		Name:      "runs_total",
		Help:      "Completed pipeline runs by outcome.",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cronoguard",
		Name:      "run_duration_seconds",
		Help:      "End to end pipeline run durations.",
		Buckets:   prometheus.DefBuckets,
	})

	probeLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cronoguard",
		Name:      "probe_latency_milliseconds",
		Help:      "Last observed latency of external probes.",
	}, []string{"target"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cronoguard",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, path and status code.",
	}, []string{"method", "path", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cronoguard",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request durations by path.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})
)

// ObserveStage records one pipeline stage execution.
func ObserveStage(stage string, ok bool, d time.Duration) {
	stageTotal.WithLabelValues(stage, outcomeLabel(ok)).Inc()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRun records one completed run.
func ObserveRun(outcome string, d time.Duration) {
	runTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(d.Seconds())
}

// ObserveProbe records the latency of an external probe.
func ObserveProbe(target string, latencyMS int64) {
	probeLatency.WithLabelValues(target).Set(float64(latencyMS))
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments an HTTP handler. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func Middleware(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(recorder.status)).Inc()
		httpDuration.WithLabelValues(path).Observe(time.Since(started).Seconds())
	})
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
