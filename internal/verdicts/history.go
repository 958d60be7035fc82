package verdicts

import "sync"

// DefaultHistorySize is the number of recent verdicts kept.
const DefaultHistorySize = 8

// History remembers the latest verdict and a short history, newest first.
type History struct {
	mu      sync.Mutex
	size    int
	total   uint64
	latest  *Verdict
	history []Verdict
}

// NewHistory returns a History holding up to size verdicts.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

// Publish implements Sink.
func (h *History) Publish(v Verdict) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.latest = &v
	h.history = append([]Verdict{v}, h.history...)
	if len(h.history) > h.size {
		h.history = h.history[:h.size]
	}
}

// Snapshot returns the latest verdict, a copy of the history and the total
// number of verdicts seen.
func (h *History) Snapshot() (*Verdict, []Verdict, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	historyCopy := make([]Verdict, len(h.history))
	copy(historyCopy, h.history)
	var latest *Verdict
	if h.latest != nil {
		v := *h.latest
		latest = &v
	}
	return latest, historyCopy, h.total
}
