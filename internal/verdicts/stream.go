package verdicts

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
)

// DefaultKeepalive is the SSE comment interval when no verdict arrives.
const DefaultKeepalive = 30 * time.Second

// WantsProtobuf reports whether the Accept header asks for protobuf.
func WantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// StreamHandler serves verdicts from b as server-sent events.
func StreamHandler(b *Broadcaster, keepalive time.Duration) http.HandlerFunc {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ch := b.Subscribe()
		defer b.Unsubscribe(id)
		streamEvents(w, r, ch, WantsProtobuf(r), keepalive)
	}
}

func streamEvents(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent, useProtobuf bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
