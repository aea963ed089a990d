package capture

import (
	"context"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
)

// Device is one selectable input.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DeviceManager is the platform capture capability.
type DeviceManager interface {
	ListInputDevices(ctx context.Context) ([]Device, error)
	// RequestPermission returns an error of kind PermissionDenied when capture is refused.
	RequestPermission(ctx context.Context) error
	// Check transiently acquires and releases id.
	Check(ctx context.Context, id string) bool
	// Open acquires the device ("" selects the default) and returns once it is
	// producing or has failed. Audio is discarded until Start is called.
	Open(ctx context.Context, id string, mime audio.MIMEType, interval time.Duration) (Recording, error)
}

// Recording is one acquired device handle.
type Recording interface {
	// Start begins delivering encoded chunks every interval.
	Start() error
	// Chunks delivers chunks in capture order and is closed once the final
	// chunk has been flushed after Stop or a failure.
	Chunks() <-chan []byte
	// Err delivers at most one mid-capture failure.
	Err() <-chan error
	// Stop ends capture and releases the device.
	Stop() error
}

// Sender hands a finished unit to the transport.
type Sender interface {
	SendUnit(ctx context.Context, unit protocol.AudioUnit) error
}

// ConnectionGate exposes the connection state that guards starting a recording.
type ConnectionGate interface {
	ConnectionState() domain.ConnectionState
}

// Listener observes the controller. Calls are made without holding
// controller locks, so a listener may call back into the controller.
type Listener interface {
	RecordingStateChanged(state domain.RecordingState)
	Error(err *domain.Error)
}

// NopListener ignores everything.
type NopListener struct{}

func (NopListener) RecordingStateChanged(domain.RecordingState) {}
func (NopListener) Error(*domain.Error)                         {}
