package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesReceived     atomic.Uint64
	FramesProcessed    atomic.Uint64
	FramesRejected     atomic.Uint64
	FramesCompliant    atomic.Uint64
	FramesNonCompliant atomic.Uint64
	PingsAnswered      atomic.Uint64

	// Error counters
	PPEUnavailable      atomic.Uint64
	PPEMalformed        atomic.Uint64
	PoseErrors          atomic.Uint64
	InternalErrors      atomic.Uint64
	HealthProbeFailures atomic.Uint64

	// Dependency state
	PPEServiceUp atomic.Uint64 // 0 = down, 1 = up

	// Latency tracking
	ProcessLatencyMs atomic.Uint64 // Last end-to-end frame latency in ms
	PoseLatencyMs    atomic.Uint64
	PPELatencyMs     atomic.Uint64

	// Session tracking
	ActiveSessions   atomic.Int64
	TotalSessions    atomic.Uint64
	RejectedSessions atomic.Uint64

	// REST tracking
	RESTRequests atomic.Uint64

	// Prometheus collectors
	registry       *prometheus.Registry
	processLatency prometheus.Histogram
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("ppe_frames_received_total", "Total frames received over sessions and REST", &m.FramesReceived)
	m.counter("ppe_frames_processed_total", "Total frames that produced a verdict", &m.FramesProcessed)
	m.counter("ppe_frames_rejected_total", "Total frames rejected as malformed", &m.FramesRejected)
	m.counter("ppe_frames_compliant_total", "Total compliant verdicts", &m.FramesCompliant)
	m.counter("ppe_frames_non_compliant_total", "Total non-compliant verdicts", &m.FramesNonCompliant)
	m.counter("ppe_session_pings_total", "Total ping messages answered", &m.PingsAnswered)

	m.counter("ppe_detector_unavailable_total", "PPE detector calls that failed to reach the service", &m.PPEUnavailable)
	m.counter("ppe_detector_malformed_total", "PPE detector responses that could not be parsed", &m.PPEMalformed)
	m.counter("ppe_pose_errors_total", "Pose detector failures", &m.PoseErrors)
	m.counter("ppe_internal_errors_total", "Unexpected processing failures", &m.InternalErrors)
	m.counter("ppe_health_probe_failures_total", "Failed PPE detector health probes", &m.HealthProbeFailures)

	m.counter("ppe_detector_up", "PPE detector health at last probe (0=down, 1=up)", &m.PPEServiceUp)

	m.counter("ppe_process_latency_ms", "Last frame processing latency in milliseconds", &m.ProcessLatencyMs)
	m.counter("ppe_pose_latency_ms", "Last pose inference latency in milliseconds", &m.PoseLatencyMs)
	m.counter("ppe_detector_latency_ms", "Last PPE detector call latency in milliseconds", &m.PPELatencyMs)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ppe_active_sessions",
			Help: "Number of open streaming sessions",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))
	m.counter("ppe_sessions_total", "Total streaming sessions accepted", &m.TotalSessions)
	m.counter("ppe_sessions_rejected_total", "Streaming sessions refused at the connection limit", &m.RejectedSessions)
	m.counter("ppe_rest_requests_total", "Total REST detection requests", &m.RESTRequests)

	m.processLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ppe_process_duration_seconds",
		Help:    "Frame processing duration",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	m.registry.MustRegister(m.processLatency)
}

// UpdateProcessLatency records an end-to-end frame processing duration
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
	m.processLatency.Observe(duration.Seconds())
}

// UpdatePoseLatency records a pose inference duration
func (m *Metrics) UpdatePoseLatency(duration time.Duration) {
	m.PoseLatencyMs.Store(uint64(duration.Milliseconds()))
}

// UpdatePPELatency records a PPE detector call duration
func (m *Metrics) UpdatePPELatency(duration time.Duration) {
	m.PPELatencyMs.Store(uint64(duration.Milliseconds()))
}

// RecordVerdict counts a produced verdict
func (m *Metrics) RecordVerdict(compliant bool) {
	m.FramesProcessed.Add(1)
	if compliant {
		m.FramesCompliant.Add(1)
	} else {
		m.FramesNonCompliant.Add(1)
	}
}

// SetPPEServiceUp records the outcome of the last health probe
func (m *Metrics) SetPPEServiceUp(up bool) {
	if up {
		m.PPEServiceUp.Store(1)
		return
	}
	m.PPEServiceUp.Store(0)
	m.HealthProbeFailures.Add(1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
