package models

import "time"

// Event types pushed over the realtime channel. Receivers ignore types they
// do not recognize so the protocol can grow.
const (
	EventJobStateChanged = "job-state-changed"
	EventSyncProgress    = "sync-progress"
	EventSyncCompleted   = "sync-completed"
)

// Event is the wire envelope for a single realtime message. Seq is assigned
// by the event log and is strictly increasing.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Cursor marks the last event a connection has seen. Both fields are
// monotonically non-decreasing over a connection's lifetime; resume
// comparison uses LastSyncSequence.
type Cursor struct {
	LastEventTimestamp time.Time `json:"lastEventTimestamp"`
	LastSyncSequence   int64     `json:"lastSyncSequence"`
}

// Newer reports whether ev has not yet been seen at this cursor.
func (c Cursor) Newer(ev Event) bool {
	return ev.Seq > c.LastSyncSequence
}

// Advance moves the cursor past ev. It never moves backwards.
func (c Cursor) Advance(ev Event) Cursor {
	next := c
	if ev.Seq > next.LastSyncSequence {
		next.LastSyncSequence = ev.Seq
	}
	if ev.Timestamp.After(next.LastEventTimestamp) {
		next.LastEventTimestamp = ev.Timestamp
	}
	return next
}
