package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Event names. connect, disconnect and connect_error are synthesised locally by
// the transport and are never written to the wire.
const (
	EventConnect       = "connect"
	EventAudioStream   = "audio-stream"
	EventAudioResponse = "audio-response"
	EventDisconnect    = "disconnect"
	EventConnectError  = "connect_error"
	EventError         = "error"
)

var ErrMissingEventName = errors.New("event name is required")

// Event is one framed message: a control signal or a binary AudioUnit.
type Event struct {
	Name    string     `msgpack:"event"`
	Unit    *AudioUnit `msgpack:"unit,omitempty"`
	Message string     `msgpack:"message,omitempty"`
}

// Local reports whether the event is lifecycle-only and must not be sent.
func (e Event) Local() bool {
	switch e.Name {
	case EventConnect, EventDisconnect, EventConnectError:
		return true
	}
	return false
}

// Encode serialises ev into a single frame payload.
func Encode(ev Event) ([]byte, error) {
	if ev.Name == "" {
		return nil, ErrMissingEventName
	}
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return data, nil
}

// Decode parses one frame payload.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Name == "" {
		return Event{}, ErrMissingEventName
	}
	return ev, nil
}

// AudioStream wraps unit for the client→server direction.
func AudioStream(unit AudioUnit) Event {
	return Event{Name: EventAudioStream, Unit: &unit}
}

// AudioResponse wraps unit for the server→client echo.
func AudioResponse(unit AudioUnit) Event {
	return Event{Name: EventAudioResponse, Unit: &unit}
}

// ErrorEvent carries a server-side rejection back to the peer.
func ErrorEvent(msg string) Event {
	return Event{Name: EventError, Message: msg}
}
