package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/aggregator"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/imaging"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/metrics"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/verdicts"
	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

type fakeAggregator struct {
	mu          sync.Mutex
	calls       int
	confidences []float64
	out         *aggregator.Aggregate
	err         error
	panicWith   any
}

func (f *fakeAggregator) Aggregate(_ context.Context, _ *imaging.Frame, confidence float64) (*aggregator.Aggregate, error) {
	f.mu.Lock()
	f.calls++
	f.confidences = append(f.confidences, confidence)
	f.mu.Unlock()
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeAggregator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu  sync.Mutex
	got []verdicts.Verdict
}

func (r *recordingSink) Publish(v verdicts.Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func onePersonHelmetOnly() *aggregator.Aggregate {
	return &aggregator.Aggregate{
		Persons: []types.Person{{
			BBox:       []float64{10, 10, 50, 90},
			Confidence: 0.9,
			Keypoints:  [][]float64{{20, 20}, {30, 30, 0.8}},
		}},
		RawDetections: []types.RawDetection{
			{Class: "helmet", Confidence: 0.92, BBox: types.BBox{12, 8, 40, 25}},
		},
	}
}

func pngPayload(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 6))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type harness struct {
	srv     *httptest.Server
	handler *Handler
	agg     *fakeAggregator
	sink    *recordingSink
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, agg *fakeAggregator) *harness {
	t.Helper()
	h := &harness{agg: agg, sink: &recordingSink{}, metrics: metrics.New()}
	h.handler = NewHandler(cfg, agg, h.sink, h.metrics)
	h.srv = httptest.NewServer(h.handler)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	msg := readMap(t, conn)
	require.Equal(t, TypeConnected, msg["type"])
	require.NotEmpty(t, msg["session_id"])
	return conn
}

func readMap(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "receiving_frame", ReceivingFrame.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestPingGetsExactlyOnePong(t *testing.T) {
	h := newHarness(t, Config{}, &fakeAggregator{out: onePersonHelmetOnly()})
	conn := h.dial(t)

	send(t, conn, map[string]any{"type": "ping"})
	send(t, conn, map[string]any{"type": "frame"})

	assert.Equal(t, TypePong, readMap(t, conn)["type"])
	next := readMap(t, conn)
	assert.Equal(t, TypeError, next["type"])
	assert.Contains(t, next["message"], "image")
	assert.Zero(t, h.agg.Calls())
	assert.Equal(t, uint64(1), h.metrics.PingsAnswered.Load())
}

func TestBadImageThenValidFrame(t *testing.T) {
	h := newHarness(t, Config{}, &fakeAggregator{out: onePersonHelmetOnly()})
	conn := h.dial(t)

	for _, payload := range []string{
		"!!!not-base64!!!",
		base64.StdEncoding.EncodeToString([]byte("hello")),
	} {
		send(t, conn, map[string]any{"image": payload})
		errMsg := readMap(t, conn)
		assert.Equal(t, TypeError, errMsg["type"])
		assert.Contains(t, errMsg["message"], "could not decode image")
	}
	assert.Zero(t, h.agg.Calls())

	send(t, conn, map[string]any{"image": pngPayload(t)})
	assert.Equal(t, TypeProcessing, readMap(t, conn)["type"])

	result := readMap(t, conn)
	assert.Equal(t, TypeResult, result["type"])
	assert.Equal(t, 1.0, result["frame_number"])
	assert.Equal(t, false, result["is_compliant"])
	assert.Equal(t, true, result["has_person"])
	assert.Equal(t, 8.0, result["image_width"])
	assert.Equal(t, 6.0, result["image_height"])

	status := result["ppe_status"].(map[string]any)
	assert.Equal(t, true, status["helmet"])
	assert.Equal(t, false, status["vest"])
	assert.Equal(t, false, status["complete"])
	assert.Len(t, result["missing"], 6)

	require.Eventually(t, func() bool { return h.sink.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), h.metrics.FramesRejected.Load())
	assert.Equal(t, uint64(1), h.metrics.FramesProcessed.Load())
	assert.Equal(t, uint64(1), h.metrics.FramesNonCompliant.Load())
}

func TestMalformedJSONKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, Config{}, &fakeAggregator{out: onePersonHelmetOnly()})
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, TypeError, readMap(t, conn)["type"])

	send(t, conn, map[string]any{"type": "ping"})
	assert.Equal(t, TypePong, readMap(t, conn)["type"])
}

func TestConfidenceHandling(t *testing.T) {
	h := newHarness(t, Config{DefaultConfidence: 0.4}, &fakeAggregator{out: onePersonHelmetOnly()})
	conn := h.dial(t)

	send(t, conn, map[string]any{"image": pngPayload(t), "confidence": 1.5})
	msg := readMap(t, conn)
	assert.Equal(t, TypeError, msg["type"])
	assert.Contains(t, msg["message"], "confidence")

	send(t, conn, map[string]any{"image": pngPayload(t)})
	readMap(t, conn)
	readMap(t, conn)
	send(t, conn, map[string]any{"image": pngPayload(t), "confidence": 0.7})
	readMap(t, conn)
	last := readMap(t, conn)
	assert.Equal(t, 2.0, last["frame_number"])

	h.agg.mu.Lock()
	defer h.agg.mu.Unlock()
	assert.Equal(t, []float64{0.4, 0.7}, h.agg.confidences)
}

func TestDegradedPPEStillEmitsResult(t *testing.T) {
	out := onePersonHelmetOnly()
	out.RawDetections = []types.RawDetection{}
	out.PPEError = "ppe detector unavailable"
	h := newHarness(t, Config{}, &fakeAggregator{out: out})
	conn := h.dial(t)

	send(t, conn, map[string]any{"image": pngPayload(t)})
	readMap(t, conn)
	result := readMap(t, conn)
	assert.Equal(t, TypeResult, result["type"])
	assert.Equal(t, "ppe detector unavailable", result["ppe_error"])
	assert.Len(t, result["missing"], 7)
}

func TestPoseFailureClosesWithInternalError(t *testing.T) {
	for name, agg := range map[string]*fakeAggregator{
		"error": {err: fmt.Errorf("%w: session closed", aggregator.ErrPose)},
		"panic": {panicWith: "index out of range"},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{}, agg)
			conn := h.dial(t)

			send(t, conn, map[string]any{"image": pngPayload(t)})
			assert.Equal(t, TypeProcessing, readMap(t, conn)["type"])
			assert.Equal(t, TypeError, readMap(t, conn)["type"])

			_, _, err := conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
			assert.Zero(t, h.sink.Len())
			assert.Equal(t, uint64(1), h.metrics.InternalErrors.Load())
		})
	}
}

func TestConnectionLimit(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1}, &fakeAggregator{out: onePersonHelmetOnly()})
	first := h.dial(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, uint64(1), h.metrics.RejectedSessions.Load())

	require.NoError(t, first.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return h.handler.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	h.dial(t)
}

func TestInactiveSessionIsClosed(t *testing.T) {
	h := newHarness(t, Config{InactiveTimeout: 150 * time.Millisecond, HeartbeatInterval: time.Hour},
		&fakeAggregator{out: onePersonHelmetOnly()})
	conn := h.dial(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestCloseEndsOpenSessions(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: time.Hour}, &fakeAggregator{out: onePersonHelmetOnly()})
	conn := h.dial(t)

	done := make(chan struct{})
	go func() {
		h.handler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return with a session open")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_ = conn.WriteJSON(map[string]any{"image": pngPayload(t)})
	require.Eventually(t, func() bool { return h.handler.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.agg.Calls())

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = late.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(Config{AllowedOrigins: []string{"http://cam.local"}}, &fakeAggregator{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/ws/detect", nil)
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "http://cam.local")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, h.checkOrigin(req))
}
