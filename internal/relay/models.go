package relay

import (
	"time"

	"webm-relay/internal/pushpull"
)

// StreamID uniquely identifies a live stream.
type StreamID string

// StreamState is the in-memory representation of a live stream. Window and
// Hub are safe for concurrent use; the remaining fields are owned by the
// repository and only change under its lock.
type StreamState struct {
	ID        StreamID
	Window    *pushpull.Window
	Hub       *Hub
	Ended     bool
	Ingesting bool
	CreatedAt time.Time
	EndedAt   time.Time
}

// StreamStats is the JSON body of GET /streams/{stream_id}.
type StreamStats struct {
	ID          StreamID  `json:"stream_id"`
	Ended       bool      `json:"ended"`
	Ingesting   bool      `json:"ingesting"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Subscribers int       `json:"subscribers"`
	Error       string    `json:"error,omitempty"`
	pushpull.Stats
}
