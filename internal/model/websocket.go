package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// ProgressEvent is published on every phase transition and relayed to
// websocket subscribers unchanged.
type ProgressEvent struct {
	Type string `json:"type"`
	SessionStatus
}

// NewProgressEvent wraps a status snapshot as a progress message.
func NewProgressEvent(st *SessionStatus) *ProgressEvent {
	return &ProgressEvent{Type: WSMessageTypeProgress, SessionStatus: *st}
}

// WSErrorMessage is sent before closing a subscription that cannot be served.
type WSErrorMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	ErrorKind ErrorKind `json:"errorKind"`
	Message   string    `json:"message"`
}
