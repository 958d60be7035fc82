package verdicts

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
)

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// Serialize encodes v once for every subscriber format.
func Serialize(v Verdict) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	st, err := structpb.NewStruct(v.asMap())
	if err != nil {
		return nil, fmt.Errorf("struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// Broadcaster manages fanout of verdict events to multiple SSE clients.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a new client and returns a channel for receiving events.
// After Close the returned channel is already closed.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	logger.Debug("Broadcaster", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Broadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribers.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish implements Sink. Serialization is skipped when nobody listens.
func (b *Broadcaster) Publish(v Verdict) {
	if b.Clients() == 0 {
		return
	}
	event, err := Serialize(v)
	if err != nil {
		logger.Error("Broadcaster", "Serialize verdict %s: %v", v.ID, err)
		return
	}
	b.broadcast(event)
}

func (b *Broadcaster) broadcast(event *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.closed = true
}
