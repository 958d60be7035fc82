package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestVerdictCounters(t *testing.T) {
	m := New()
	m.RecordVerdict(true)
	m.RecordVerdict(false)
	m.RecordVerdict(false)

	assert.Equal(t, uint64(3), m.FramesProcessed.Load())
	assert.Equal(t, uint64(1), m.FramesCompliant.Load())
	assert.Equal(t, uint64(2), m.FramesNonCompliant.Load())

	out := scrape(t, m)
	assert.Contains(t, out, "ppe_frames_processed_total 3")
	assert.Contains(t, out, "ppe_frames_non_compliant_total 2")
}

func TestHealthAndLatency(t *testing.T) {
	m := New()
	m.SetPPEServiceUp(false)
	m.SetPPEServiceUp(true)
	m.UpdateProcessLatency(120 * time.Millisecond)
	m.ActiveSessions.Add(2)

	out := scrape(t, m)
	assert.Contains(t, out, "ppe_detector_up 1")
	assert.Contains(t, out, "ppe_health_probe_failures_total 1")
	assert.Contains(t, out, "ppe_process_latency_ms 120")
	assert.Contains(t, out, "ppe_process_duration_seconds_count 1")
	assert.Contains(t, out, "ppe_active_sessions 2")
}
