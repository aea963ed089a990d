package relay

import "time"

// SessionInfo is a point-in-time view of one live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	OpenedAt   time.Time `json:"opened_at"`
	Units      int64     `json:"units"`
	Bytes      int64     `json:"bytes"`
}

// Totals aggregates all sessions since the dispatcher started.
type Totals struct {
	Active   int   `json:"active"`
	Sessions int64 `json:"sessions"`
	Units    int64 `json:"units"`
	Bytes    int64 `json:"bytes"`
}

type EventType string

const (
	EventOpen  EventType = "open"
	EventClose EventType = "close"
	EventUnit  EventType = "unit"
)

// Event is published to Config.OnEvent.
type Event struct {
	Type    EventType   `json:"type"`
	Session SessionInfo `json:"session"`
	Totals  Totals      `json:"totals"`
}
