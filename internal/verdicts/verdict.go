// Package verdicts fans out per-frame compliance verdicts to observers:
// an in-memory history, SSE subscribers and an optional MQTT broker.
package verdicts

import (
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/compliance"
)

// Source names where a verdict was produced.
const (
	SourceStream = "stream"
	SourceREST   = "rest"
)

// Verdict summarises one processed frame.
type Verdict struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	SessionID    string         `json:"session_id,omitempty"`
	FrameNumber  uint64         `json:"frame_number"`
	Timestamp    float64        `json:"timestamp"`
	PersonsCount int            `json:"persons_count"`
	Compliant    bool           `json:"compliant"`
	Missing      []string       `json:"missing"`
	Detected     map[string]int `json:"detected"`
	PPEError     string         `json:"ppe_error,omitempty"`
}

// New builds a verdict from a compliance result.
func New(source, sessionID string, frame uint64, res compliance.Result, ppeErr string, at time.Time) Verdict {
	detected := make(map[string]int, len(compliance.Categories))
	for _, c := range compliance.Categories {
		detected[string(c)] = res.Detected[c]
	}
	return Verdict{
		ID:           uuid.NewString(),
		Source:       source,
		SessionID:    sessionID,
		FrameNumber:  frame,
		Timestamp:    float64(at.UnixNano()) / 1e9,
		PersonsCount: res.PersonsCount,
		Compliant:    res.Compliant,
		Missing:      res.MissingNames(),
		Detected:     detected,
		PPEError:     ppeErr,
	}
}

// asMap converts v into the generic shape accepted by structpb.
func (v Verdict) asMap() map[string]any {
	missing := make([]any, len(v.Missing))
	for i, m := range v.Missing {
		missing[i] = m
	}
	detected := make(map[string]any, len(v.Detected))
	for k, n := range v.Detected {
		detected[k] = n
	}
	m := map[string]any{
		"id":            v.ID,
		"source":        v.Source,
		"frame_number":  float64(v.FrameNumber),
		"timestamp":     v.Timestamp,
		"persons_count": v.PersonsCount,
		"compliant":     v.Compliant,
		"missing":       missing,
		"detected":      detected,
	}
	if v.SessionID != "" {
		m["session_id"] = v.SessionID
	}
	if v.PPEError != "" {
		m["ppe_error"] = v.PPEError
	}
	return m
}

// Sink receives verdicts. Publish must not block the caller for long.
type Sink interface {
	Publish(v Verdict)
}

// Fanout publishes to every non-nil sink in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(v Verdict) {
	for _, s := range f {
		if s != nil {
			s.Publish(v)
		}
	}
}
