// Package session drives one WebSocket connection per client: frames in,
// compliance results or fault notices out.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/aggregator"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/compliance"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/format"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/imaging"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/metrics"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/verdicts"
)

// Aggregator gathers detections for one frame.
type Aggregator interface {
	Aggregate(ctx context.Context, frame *imaging.Frame, confidence float64) (*aggregator.Aggregate, error)
}

// Config bounds a session's resources.
type Config struct {
	HeartbeatInterval time.Duration
	InactiveTimeout   time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	MaxImageBytes     int64
	MaxConnections    int
	DefaultConfidence float64
	AllowedOrigins    []string
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		InactiveTimeout:   120 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   20 * 1024 * 1024,
		MaxImageBytes:     2 * 1024 * 1024,
		MaxConnections:    50,
		DefaultConfidence: 0.5,
	}
}

// Notice is a control message sent to the client.
type Notice struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	FrameNumber uint64 `json:"frame_number,omitempty"`
}

// Result is the per-frame payload sent to the client.
type Result struct {
	Type        string `json:"type"`
	FrameNumber uint64 `json:"frame_number"`
	format.CompactView
}

type inbound struct {
	Type       string   `json:"type"`
	Image      string   `json:"image"`
	Confidence *float64 `json:"confidence"`
}

// Handler upgrades HTTP requests and runs one session per connection.
type Handler struct {
	cfg      Config
	agg      Aggregator
	sink     verdicts.Sink
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	active   atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewHandler returns a session handler. sink and m may be nil.
func NewHandler(cfg Config, agg Aggregator, sink verdicts.Sink, m *metrics.Metrics) *Handler {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.InactiveTimeout <= 0 {
		cfg.InactiveTimeout = def.InactiveTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.DefaultConfidence <= 0 {
		cfg.DefaultConfidence = def.DefaultConfidence
	}
	if m == nil {
		m = metrics.New()
	}

	h := &Handler{cfg: cfg, agg: agg, sink: sink, metrics: m, sessions: make(map[*Session]struct{})}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	logger.Warn("Session", "Rejected origin %s", origin)
	return false
}

// Active returns the number of open sessions.
func (h *Handler) Active() int {
	return int(h.active.Load())
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n := h.active.Add(1); n > int64(h.cfg.MaxConnections) {
		h.active.Add(-1)
		h.metrics.RejectedSessions.Add(1)
		logger.Warn("Session", "Connection limit reached (%d), rejecting %s", h.cfg.MaxConnections, r.RemoteAddr)
		http.Error(w, "too many streaming sessions", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Add(-1)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Session", "Upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s := &Session{
		id:   uuid.NewString(),
		conn: conn,
		h:    h,
	}
	if !h.track(s) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return
	}
	defer h.untrack(s)

	h.metrics.TotalSessions.Add(1)
	h.metrics.ActiveSessions.Add(1)
	defer h.metrics.ActiveSessions.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	s.log = logger.Scope("Session", logger.Fields{"session": s.id, "remote": r.RemoteAddr})
	s.run(ctx)
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Close sends 1001 to every open session, closes the connections and
// waits for their loops to exit. New upgrades are refused afterwards.
// http.Server.Shutdown does not wait for hijacked connections, so this
// must run before the detectors are released.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closing = true
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	h.cancel()
	for _, s := range open {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		s.conn.Close()
	}
	h.wg.Wait()
	if len(open) > 0 {
		logger.Info("Session", "Closed %d sessions", len(open))
	}
}

// Session is one client connection.
type Session struct {
	id     string
	conn   *websocket.Conn
	h      *Handler
	log    *logger.Scoped
	state  atomic.Int32
	frames uint64
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("%s -> %s", prev, st)
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.conn.Close()
	defer s.setState(Closed)
	s.setState(Connecting)

	cfg := s.h.cfg
	s.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.InactiveTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.InactiveTimeout))
	})

	if err := s.send(Notice{Type: TypeConnected, Message: "PPE detection stream ready", SessionID: s.id}); err != nil {
		s.log.Debug("Send connected failed: %v", err)
		return
	}
	s.log.Info("Session opened")

	stop := s.startHeartbeat()
	defer stop()

	for {
		s.setState(Ready)
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closedByPeer(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.InactiveTimeout))

		s.setState(ReceivingFrame)
		if !s.handle(ctx, data) {
			return
		}
	}
}

func (s *Session) closedByPeer(err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Info("Client disconnected")
	case errors.As(err, &ne) && ne.Timeout():
		s.log.Info("Closing inactive session")
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "inactive"),
			time.Now().Add(s.h.cfg.WriteTimeout))
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("Message exceeds %d bytes, closing", s.h.cfg.MaxMessageBytes)
	default:
		s.log.Info("Connection closed: %v", err)
	}
}

// handle processes one inbound message. It returns false when the session
// must end.
func (s *Session) handle(ctx context.Context, data []byte) bool {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.h.metrics.FramesRejected.Add(1)
		return s.notify(TypeError, "invalid message format: "+err.Error())
	}

	if msg.Type == TypePing {
		s.h.metrics.PingsAnswered.Add(1)
		return s.notify(TypePong, "")
	}

	s.h.metrics.FramesReceived.Add(1)
	if msg.Image == "" {
		s.h.metrics.FramesRejected.Add(1)
		return s.notify(TypeError, "field 'image' is required")
	}
	confidence := s.h.cfg.DefaultConfidence
	if msg.Confidence != nil {
		confidence = *msg.Confidence
	}
	if confidence < 0 || confidence > 1 {
		s.h.metrics.FramesRejected.Add(1)
		return s.notify(TypeError, fmt.Sprintf("confidence %.3f outside [0,1]", confidence))
	}

	frame, err := imaging.DecodeBase64(msg.Image, s.h.cfg.MaxImageBytes)
	if err != nil {
		s.h.metrics.FramesRejected.Add(1)
		s.log.Debug("Rejected frame: %v", err)
		return s.notify(TypeError, "could not decode image: "+err.Error())
	}

	s.setState(Processing)
	s.frames++
	if err := s.send(Notice{Type: TypeProcessing, FrameNumber: s.frames}); err != nil {
		s.log.Debug("Send processing failed: %v", err)
		return false
	}

	start := time.Now()
	result, verdict, err := s.process(ctx, frame, confidence, start)
	if err != nil {
		s.fail(err)
		return false
	}

	s.setState(Emitting)
	if err := s.send(result); err != nil {
		s.log.Debug("Send result failed: %v", err)
		return false
	}
	s.h.metrics.UpdateProcessLatency(time.Since(start))
	s.h.metrics.RecordVerdict(verdict.Compliant)
	if s.h.sink != nil {
		s.h.sink.Publish(verdict)
	}
	s.log.Debug("Frame %d: persons=%d compliant=%t", s.frames, verdict.PersonsCount, verdict.Compliant)
	return true
}

func (s *Session) process(ctx context.Context, frame *imaging.Frame, confidence float64, start time.Time) (res *Result, v verdicts.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing frame: %v", r)
		}
	}()

	agg, err := s.h.agg.Aggregate(ctx, frame, confidence)
	if err != nil {
		return nil, v, err
	}
	check := compliance.Validate(len(agg.Persons), agg.RawDetections)
	view := format.Compact(agg.Persons, agg.RawDetections, check, frame.Width, frame.Height, time.Since(start), agg.PPEError)

	res = &Result{Type: TypeResult, FrameNumber: s.frames, CompactView: view}
	v = verdicts.New(verdicts.SourceStream, s.id, s.frames, check, agg.PPEError, time.Now())
	return res, v, nil
}

// fail reports an unexpected error and closes with 1011.
func (s *Session) fail(err error) {
	s.setState(Erroring)
	s.h.metrics.InternalErrors.Add(1)
	s.log.Error("Processing failed: %v", err)

	_ = s.send(Notice{Type: TypeError, Message: "unexpected error while processing frame"})
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"),
		time.Now().Add(s.h.cfg.WriteTimeout))
}

func (s *Session) notify(kind, message string) bool {
	if err := s.send(Notice{Type: kind, Message: message}); err != nil {
		s.log.Debug("Send %s failed: %v", kind, err)
		return false
	}
	return true
}

func (s *Session) send(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
	return s.conn.WriteJSON(v)
}

// startHeartbeat pings the client until the returned func is called.
func (s *Session) startHeartbeat() func() {
	done := make(chan struct{})
	ticker := time.NewTicker(s.h.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(s.h.cfg.WriteTimeout)
				if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
