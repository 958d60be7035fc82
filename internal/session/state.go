package session

// State is the lifecycle position of a streaming session.
type State int32

const (
	Connecting State = iota
	Ready
	ReceivingFrame
	Processing
	Emitting
	Erroring
	Closed
)

var stateNames = [...]string{
	Connecting:     "connecting",
	Ready:          "ready",
	ReceivingFrame: "receiving_frame",
	Processing:     "processing",
	Emitting:       "emitting",
	Erroring:       "erroring",
	Closed:         "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Message types exchanged over the socket.
const (
	TypeConnected  = "connected"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeProcessing = "processing"
	TypeResult     = "result"
	TypeError      = "error"
)
