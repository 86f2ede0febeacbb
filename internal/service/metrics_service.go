package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot aggregates counters for the status endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	RecognitionsTotal        uint64    `json:"recognitionsTotal"`
	SessionsFinalized        uint64    `json:"sessionsFinalized"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface, the recognition pipeline, and the scheduler.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	recognitionTotal    *prometheus.CounterVec
	recognitionDuration prometheus.Observer
	schedulerTick       prometheus.Observer
	finalizedTotal      prometheus.Counter
	absentMarked        prometheus.Counter

	requestCount         uint64
	requestDurationTotal uint64
	recognitionCount     uint64
	finalizedCount       uint64
}

// NewMetricsService registers the collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	recognitionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recognition_outcomes_total",
		Help: "Recognition pipeline outcomes by result code",
	}, []string{"outcome"})

	recognitionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recognition_duration_seconds",
		Help:    "End to end latency of one recognition request",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	schedulerTick := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler pass",
		Buckets: prometheus.DefBuckets,
	})

	finalizedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_finalized_total",
		Help: "Sessions completed by the finalizer",
	})

	absentMarked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_absent_marked_total",
		Help: "Students marked absent at finalization",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, recognitionTotal,
		recognitionDuration, schedulerTick, finalizedTotal, absentMarked, goroutines)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		recognitionTotal:    recognitionTotal,
		recognitionDuration: recognitionDuration,
		schedulerTick:       schedulerTick,
		finalizedTotal:      finalizedTotal,
		absentMarked:        absentMarked,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveRecognition records one recognition outcome and its latency.
func (m *MetricsService) ObserveRecognition(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.recognitionTotal.WithLabelValues(outcome).Inc()
	m.recognitionDuration.Observe(duration.Seconds())
	atomic.AddUint64(&m.recognitionCount, 1)
}

// ObserveSchedulerTick records one scheduler pass.
func (m *MetricsService) ObserveSchedulerTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.schedulerTick.Observe(duration.Seconds())
}

// ObserveFinalization records one completed finalization.
func (m *MetricsService) ObserveFinalization(absentMarked int) {
	if m == nil {
		return
	}
	m.finalizedTotal.Inc()
	m.absentMarked.Add(float64(absentMarked))
	atomic.AddUint64(&m.finalizedCount, 1)
}

// Snapshot returns aggregated counters for the status endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		RecognitionsTotal:        atomic.LoadUint64(&m.recognitionCount),
		SessionsFinalized:        atomic.LoadUint64(&m.finalizedCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
