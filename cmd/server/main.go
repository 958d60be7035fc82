package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/aggregator"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/api"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/config"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/health"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/metrics"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/pose"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/ppeclient"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/recorder"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/session"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/verdicts"
)

var (
	// Command-line flags. Explicitly set flags override the config file and environment.
	configPath  = flag.String("config", "", "YAML config file")
	httpAddr    = flag.String("http", "", "HTTP server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address (empty disables)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", false, "Enable colored log output")
	logFormat   = flag.String("log-format", "", "Log format (text, json)")
	ppeURL      = flag.String("ppe-url", "", "PPE detector service base URL")
	modelPath   = flag.String("model", "", "Pose model (ONNX) path")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL for verdict publishing (empty disables)")
	auditDir    = flag.String("audit-dir", "", "Verdict audit output directory (empty disables)")
)

// Server is the compliance server process
type Server struct {
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cfg         config.Config
	metrics     *metrics.Metrics
	pose        *pose.ONNXDetector
	broadcaster *verdicts.Broadcaster
	stream      *session.Handler
	mqtt        *verdicts.MQTTSink
	recorder    *recorder.Recorder
	httpServer  *http.Server
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	format, err := logger.ParseFormat(cfg.LogFormat)
	if err != nil {
		log.Fatalf("Invalid log format: %v", err)
	}
	logger.InitWithFormat(level, os.Stderr, cfg.LogColor, format)

	logger.Info("Main", "Compliance server starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-srv.ctx.Done():
	}

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// applyFlags copies flags the user set on the command line into cfg.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		case "log-format":
			cfg.LogFormat = *logFormat
		case "ppe-url":
			cfg.Detection.PPEServiceURL = *ppeURL
		case "model":
			cfg.Pose.ModelPath = *modelPath
		case "mqtt-broker":
			cfg.MQTT.Broker = *mqttBroker
		case "audit-dir":
			cfg.AuditDir = *auditDir
		}
	})
}

// NewServer wires every component. Pose model load failure is fatal.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()

	poseDetector, err := pose.NewONNXDetector(pose.Options{
		ModelPath:      cfg.Pose.ModelPath,
		RuntimeLibrary: cfg.Pose.RuntimeLibrary,
		InputSize:      cfg.Pose.InputSize,
		Sessions:       cfg.Pose.Sessions,
		IoUThreshold:   cfg.Pose.IoUThreshold,
		Observe: func(d time.Duration) {
			if d > time.Second {
				logger.Warn("Pose", "Slow inference: %v", d)
			}
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load pose model: %w", err)
	}

	ppe := ppeclient.New(cfg.Detection.PPEServiceURL,
		ppeclient.WithTimeouts(cfg.Detection.HealthTimeout, cfg.Detection.DetectTimeout))
	monitor := health.NewMonitor(ppe, m.SetPPEServiceUp)
	agg := aggregator.New(poseDetector, ppe, m)

	history := verdicts.NewHistory(verdicts.DefaultHistorySize)
	broadcaster := verdicts.NewBroadcaster()
	sinks := verdicts.Fanout{history, broadcaster}

	var mqttSink *verdicts.MQTTSink
	if cfg.MQTT.Broker != "" {
		mqttSink, err = verdicts.DialMQTT(verdicts.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			// verdict publishing is optional
			logger.Warn("Main", "MQTT disabled: %v", err)
			mqttSink = nil
		} else {
			sinks = append(sinks, mqttSink)
		}
	}

	var rec *recorder.Recorder
	if cfg.AuditDir != "" {
		if err := os.MkdirAll(cfg.AuditDir, 0755); err != nil {
			cancel()
			poseDetector.Close()
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		rec = recorder.NewRecorder(cfg.AuditDir)
		if _, err := rec.Start(); err != nil {
			cancel()
			poseDetector.Close()
			return nil, fmt.Errorf("failed to start audit recorder: %w", err)
		}
		sinks = append(sinks, rec)
	}

	stream := session.NewHandler(session.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		InactiveTimeout:   cfg.Stream.InactiveTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		MaxMessageBytes:   cfg.Stream.MaxMessageBytes(),
		MaxImageBytes:     cfg.Stream.MaxImageBytes(),
		MaxConnections:    cfg.Stream.MaxConnections,
		DefaultConfidence: cfg.Detection.ConfidenceThreshold,
		AllowedOrigins:    cfg.CORSOrigins,
	}, agg, sinks, m)

	apiServer := api.NewServer(api.Config{
		CORSOrigins:       cfg.CORSOrigins,
		DefaultConfidence: cfg.Detection.ConfidenceThreshold,
		MaxBodyBytes:      cfg.Stream.MaxMessageBytes(),
		MaxImageBytes:     cfg.Stream.MaxImageBytes(),
		PPEServiceURL:     ppe.BaseURL(),
		PoseModel:         cfg.Pose.ModelPath,
	}, api.Deps{
		Detector:    agg,
		Health:      monitor,
		Sink:        sinks,
		History:     history,
		Broadcaster: broadcaster,
		Stream:      stream,
		Recorder:    rec,
		Metrics:     m,
	})

	return &Server{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		metrics:     m,
		pose:        poseDetector,
		broadcaster: broadcaster,
		stream:      stream,
		mqtt:        mqttSink,
		recorder:    rec,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting compliance server...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  PPE detector: %s", s.cfg.Detection.PPEServiceURL)
	logger.Info("Main", "  Pose model: %s", s.cfg.Pose.ModelPath)
	if s.mqtt != nil {
		logger.Info("Main", "  MQTT: %s (topic %s)", s.cfg.MQTT.Broker, s.cfg.MQTT.Topic)
	}
	if s.recorder != nil {
		logger.Info("Main", "  Audit path: %s", s.cfg.AuditDir)
	}

	if s.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
			if err := http.ListenAndServe(s.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
			if err := s.metrics.StartServer(s.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
			s.cancel()
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.cancel()

	// Stop SSE subscribers so the HTTP server can drain
	s.broadcaster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()

	// Hijacked WebSocket connections outlive httpServer.Shutdown
	s.stream.Close()

	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if s.recorder != nil {
		if cerr := s.recorder.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if cerr := s.pose.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
