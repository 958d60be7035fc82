// Package api serves the REST surface of the compliance server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/aggregator"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/health"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/imaging"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/metrics"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/ppeclient"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/recorder"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/verdicts"
	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// Version is reported by the banner endpoint.
const Version = "2.0.0"

// Detector runs the pose and PPE detectors.
type Detector interface {
	Aggregate(ctx context.Context, frame *imaging.Frame, confidence float64) (*aggregator.Aggregate, error)
	DetectPose(ctx context.Context, frame *imaging.Frame, confidence float64) ([]types.Person, error)
	DetectPPE(ctx context.Context, frame *imaging.Frame, confidence float64) (*ppeclient.DetectResponse, error)
}

// HealthChecker gates REST calls that reach the PPE detector.
type HealthChecker interface {
	IsAvailable(ctx context.Context) bool
	Status() health.DependencyHealth
}

// Config defines the runtime configuration for the API server.
type Config struct {
	CORSOrigins       []string
	DefaultConfidence float64
	MaxBodyBytes      int64
	MaxImageBytes     int64
	PPEServiceURL     string
	PoseModel         string
	SSEKeepalive      time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		CORSOrigins:       []string{"*"},
		DefaultConfidence: 0.5,
		MaxBodyBytes:      20 * 1024 * 1024,
		MaxImageBytes:     2 * 1024 * 1024,
		SSEKeepalive:      verdicts.DefaultKeepalive,
	}
}

// Deps are the collaborators injected by main.
type Deps struct {
	Detector    Detector
	Health      HealthChecker
	Sink        verdicts.Sink
	History     *verdicts.History
	Broadcaster *verdicts.Broadcaster
	// Stream serves the WebSocket session endpoint. Nil disables it.
	Stream http.Handler
	// Recorder enables the audit endpoints. Nil disables them.
	Recorder *recorder.Recorder
	Metrics  *metrics.Metrics
}

// Server serves the REST endpoints.
type Server struct {
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	started time.Time
	now     func() time.Time
}

// NewServer returns a configured API server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = def.DefaultConfidence
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = def.MaxImageBytes
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = def.SSEKeepalive
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = def.CORSOrigins
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{cfg: cfg, deps: deps, metrics: m, started: time.Now(), now: time.Now}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/v2/health", s.handleHealth)
	mux.HandleFunc("POST /api/v2/detect/pose", s.handleDetectPose)
	mux.HandleFunc("POST /api/v2/detect/ppe", s.handleDetectPPE)
	mux.HandleFunc("POST /api/v2/detect/complete", s.handleDetectComplete)
	mux.HandleFunc("POST /api/v2/detect/complete/image", s.handleDetectCompleteImage)
	mux.HandleFunc("POST /api/v2/validate/ppe", s.handleValidatePPE)
	mux.HandleFunc("GET /api/v2/verdicts", s.handleVerdicts)
	if s.deps.Broadcaster != nil {
		mux.Handle("GET /api/v2/verdicts/stream", verdicts.StreamHandler(s.deps.Broadcaster, s.cfg.SSEKeepalive))
	}
	if s.deps.Stream != nil {
		mux.Handle("GET /api/ws/detect", s.deps.Stream)
	}
	if s.deps.Recorder != nil {
		mux.HandleFunc("POST /api/v2/audit/start", s.handleAuditStart)
		mux.HandleFunc("POST /api/v2/audit/stop", s.handleAuditStop)
		mux.HandleFunc("GET /api/v2/audit/status", s.handleAuditStatus)
	}

	return s.withRequestID(s.withCORS(s.withRecover(mux)))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"service": "PPE Compliance Server",
		"version": Version,
		"status":  "running",
		"endpoints": map[string]string{
			"health":          "GET /api/v2/health",
			"pose":            "POST /api/v2/detect/pose",
			"ppe":             "POST /api/v2/detect/ppe",
			"complete":        "POST /api/v2/detect/complete",
			"complete_image":  "POST /api/v2/detect/complete/image",
			"validate":        "POST /api/v2/validate/ppe",
			"verdicts":        "GET /api/v2/verdicts",
			"verdicts_stream": "GET /api/v2/verdicts/stream",
			"websocket":       "GET /api/ws/detect",
			"audit_status":    "GET /api/v2/audit/status",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ppeUp := s.deps.Health.IsAvailable(r.Context())
	ppe := s.deps.Health.Status()

	status := "ok"
	if !ppeUp {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status": status,
		"services": map[string]any{
			"pose": map[string]any{
				"available": true,
				"model":     s.cfg.PoseModel,
			},
			"ppe": map[string]any{
				"available":    ppeUp,
				"url":          s.cfg.PPEServiceURL,
				"last_checked": ppe.LastChecked,
				"reason":       ppe.Reason,
			},
		},
		"active_sessions": s.metrics.ActiveSessions.Load(),
		"uptime_seconds":  int64(s.now().Sub(s.started).Seconds()),
		"timestamp":       float64(s.now().Unix()),
	})
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, map[string]any{"latest": nil, "history": []verdicts.Verdict{}, "total": 0})
		return
	}
	latest, history, total := s.deps.History.Snapshot()
	writeJSON(w, map[string]any{
		"latest":  latest,
		"history": history,
		"total":   total,
	})
}

func (s *Server) handleAuditStart(w http.ResponseWriter, r *http.Request) {
	filename, err := s.deps.Recorder.Start()
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(s.now().Unix()),
	})
}

func (s *Server) handleAuditStop(w http.ResponseWriter, r *http.Request) {
	filename, err := s.deps.Recorder.Stop()
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.deps.Recorder.Status(),
		"stopped_at": float64(s.now().Unix()),
	})
}

func (s *Server) handleAuditStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.deps.Recorder.Status())
}
