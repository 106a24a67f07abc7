package wal

import "github.com/ChuLiYu/chunk-pregen/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the lifecycle events recorded between snapshots
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventStart  EventType = "START"  // Job created; carries the full record
	EventPause  EventType = "PAUSE"  // Job paused
	EventResume EventType = "RESUME" // Job resumed
	EventCancel EventType = "CANCEL" // Job cancelled (terminal)
	EventFinish EventType = "FINISH" // Job completed (terminal); carries the final record
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventPause, EventResume, EventCancel, EventFinish:
		return true
	}
	return false
}

// Event represents a WAL event record
type Event struct {
	Seq       uint64        `json:"seq"`              // Event sequence number (monotonically increasing)
	Type      EventType     `json:"type"`             // Event type
	JobID     string        `json:"job_id"`           // Job UUID
	Timestamp int64         `json:"timestamp"`        // Unix millisecond timestamp
	Record    *types.Record `json:"record,omitempty"` // Job state at the time of the event
	Checksum  uint32        `json:"checksum"`         // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
