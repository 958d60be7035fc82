package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/ppeclient"
)

type stubProber struct {
	calls atomic.Int32
	err   error
}

func (s *stubProber) Health(ctx context.Context) error {
	s.calls.Add(1)
	return s.err
}

func TestMonitorRecordsEachProbe(t *testing.T) {
	p := &stubProber{}
	var observed []bool
	m := NewMonitor(p, func(up bool) { observed = append(observed, up) })
	m.now = func() time.Time { return time.Unix(100, 0) }

	assert.False(t, m.Status().Checked)

	require.True(t, m.IsAvailable(context.Background()))
	st := m.Status()
	assert.True(t, st.Available)
	assert.True(t, st.Checked)
	assert.Equal(t, time.Unix(100, 0), st.LastChecked)
	assert.Empty(t, st.Reason)

	p.err = errors.New("connection refused")
	require.False(t, m.IsAvailable(context.Background()))
	st = m.Status()
	assert.False(t, st.Available)
	assert.Equal(t, "connection refused", st.Reason)

	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, []bool{true, false}, observed)
}

func TestMonitorNoRetry(t *testing.T) {
	p := &stubProber{err: errors.New("down")}
	m := NewMonitor(p, nil)
	assert.False(t, m.IsAvailable(context.Background()))
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestMonitorAgainstHTTPService(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()

	m := NewMonitor(ppeclient.New(srv.URL), nil)
	assert.True(t, m.IsAvailable(context.Background()))

	// only 2xx counts
	for _, c := range []int{http.StatusNotModified, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		code.Store(int32(c))
		assert.False(t, m.IsAvailable(context.Background()), "status %d", c)
	}
}

func TestMonitorTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := NewMonitor(ppeclient.New(srv.URL, ppeclient.WithTimeouts(50*time.Millisecond, 0)), nil)
	assert.False(t, m.IsAvailable(context.Background()))
	assert.NotEmpty(t, m.Status().Reason)
}
