// Package health tracks reachability of the PPE detector dependency.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
)

// Prober performs one liveness probe. A nil error means healthy.
type Prober interface {
	Health(ctx context.Context) error
}

// DependencyHealth is the outcome of the most recent probe.
type DependencyHealth struct {
	Available   bool      `json:"available"`
	Checked     bool      `json:"checked"`
	LastChecked time.Time `json:"last_checked"`
	Reason      string    `json:"reason,omitempty"`
}

// Monitor probes on demand and remembers the last result. It never retries
// and never probes in the background.
type Monitor struct {
	prober   Prober
	observer func(up bool)
	now      func() time.Time

	mu   sync.Mutex
	last DependencyHealth
}

// NewMonitor returns a monitor for prober. observer, if non-nil, is called
// with every probe outcome.
func NewMonitor(prober Prober, observer func(up bool)) *Monitor {
	return &Monitor{prober: prober, observer: observer, now: time.Now}
}

// IsAvailable runs one probe and reports whether the dependency answered 2xx.
func (m *Monitor) IsAvailable(ctx context.Context) bool {
	err := m.prober.Health(ctx)
	rec := DependencyHealth{
		Available:   err == nil,
		Checked:     true,
		LastChecked: m.now(),
	}
	if err != nil {
		rec.Reason = err.Error()
		logger.Warn("Health", "PPE detector probe failed: %v", err)
	} else {
		logger.Debug("Health", "PPE detector probe ok")
	}

	m.mu.Lock()
	m.last = rec
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(rec.Available)
	}
	return rec.Available
}

// Status returns the last recorded probe. It may be stale.
func (m *Monitor) Status() DependencyHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
