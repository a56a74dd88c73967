package transport

import "encoding/json"

// Server-emitted events forwarded verbatim to registered listeners.
const (
	EventConnectionStatus    = "connectionStatus"
	EventProcessingUpdate    = "processingUpdate"
	EventTranscriptionUpdate = "transcriptionUpdate"
	EventError               = "error"
)

// Client-emitted events. All carry a sessionId payload and are subject to
// offline queueing.
const (
	EventJoinSession    = "joinSession"
	EventLeaveSession   = "leaveSession"
	EventStartRecording = "startRecording"
	EventStopRecording  = "stopRecording"
	EventAudioChunk     = "audioChunk"
)

// Envelope is the JSON wire shape of every message in both directions.
type Envelope struct {
	// Event is the application-level event name.
	Event string `json:"event"`

	// Payload is the event payload, left raw on receive so listeners decode
	// into their own types.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is the send time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// QueuedMessage is one entry of the offline FIFO queue: an emit that happened
// while disconnected, held until the next successful connect.
type QueuedMessage struct {
	// Event is the application-level event name.
	Event string

	// Payload is the payload value given to Emit.
	Payload any

	// Timestamp is when the emit was attempted, in Unix milliseconds.
	Timestamp int64
}
