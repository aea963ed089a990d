package domain

// RecordingState models the client capture lifecycle.
type RecordingState string

const (
	RecordingIdle         RecordingState = "idle"
	RecordingInitializing RecordingState = "initializing"
	RecordingRecording    RecordingState = "recording"
	RecordingStopping     RecordingState = "stopping"
	RecordingSending      RecordingState = "sending"
)

// ConnectionState models the client's view of its transport session.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// CanStart is the only coupling between the two state machines: a recording
// may begin only from idle, and only over a live connection.
func CanStart(rec RecordingState, conn ConnectionState) bool {
	return rec == RecordingIdle && conn == ConnectionConnected
}

// CanStop reports whether a stop request would be honoured.
func CanStop(rec RecordingState) bool {
	return rec == RecordingRecording
}

// Actions lists which user actions are enabled for a state combination.
type Actions struct {
	Start        bool `json:"start"`
	Stop         bool `json:"stop"`
	Connect      bool `json:"connect"`
	SelectDevice bool `json:"selectDevice"`
}

// AvailableActions derives the enabled actions; anything not enabled must be
// presented as disabled rather than attempted.
func AvailableActions(rec RecordingState, conn ConnectionState) Actions {
	return Actions{
		Start:        CanStart(rec, conn),
		Stop:         CanStop(rec),
		Connect:      conn != ConnectionConnecting,
		SelectDevice: rec == RecordingIdle,
	}
}

// Label is the short text a UI shows on the record button.
func Label(rec RecordingState) string {
	switch rec {
	case RecordingInitializing:
		return "Initializing..."
	case RecordingStopping, RecordingSending:
		return "Sending..."
	case RecordingRecording:
		return "Stop Recording"
	default:
		return "Start Recording"
	}
}

// Status is a consistent snapshot of both state machines.
type Status struct {
	Recording  RecordingState  `json:"recording"`
	Connection ConnectionState `json:"connection"`
	Endpoint   string          `json:"endpoint"`
	Actions    Actions         `json:"actions"`
	LastError  string          `json:"lastError,omitempty"`
}
