package trace

import "time"

// Unit statuses.
const (
	StatusEchoed     = "echoed"
	StatusRejected   = "rejected"
	StatusSendFailed = "send_failed"
)

// Session represents one relay connection.
type Session struct {
	ID         string     `json:"id"`
	RelayID    string     `json:"relay_id"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UnitCount  int64      `json:"unit_count"`
	ByteCount  int64      `json:"byte_count"`
	EndReason  string     `json:"end_reason,omitempty"`
}

// Unit is the accounting record of one received audio unit. Audio bytes are never stored.
type Unit struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	SizeBytes  int64     `json:"size_bytes"`
	MIME       string    `json:"mime"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	EchoMs     float64   `json:"echo_ms"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
