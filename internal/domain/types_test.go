package domain

import (
	"errors"
	"fmt"
	"testing"
)

var recordingStates = []RecordingState{RecordingIdle, RecordingInitializing, RecordingRecording, RecordingStopping, RecordingSending}
var connectionStates = []ConnectionState{ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionError}

func TestCanStartOnlyWhenIdleAndConnected(t *testing.T) {
	t.Parallel()

	for _, rec := range recordingStates {
		for _, conn := range connectionStates {
			want := rec == RecordingIdle && conn == ConnectionConnected
			if got := CanStart(rec, conn); got != want {
				t.Errorf("CanStart(%s, %s) = %t, want %t", rec, conn, got, want)
			}
		}
	}
}

func TestAvailableActionsNeverAllowStartAndStopTogether(t *testing.T) {
	t.Parallel()

	for _, rec := range recordingStates {
		for _, conn := range connectionStates {
			a := AvailableActions(rec, conn)
			if a.Start && a.Stop {
				t.Errorf("start and stop both enabled for %s/%s", rec, conn)
			}
			if a.SelectDevice != (rec == RecordingIdle) {
				t.Errorf("device selection should only be enabled when idle, got %t for %s", a.SelectDevice, rec)
			}
		}
	}
	if AvailableActions(RecordingIdle, ConnectionConnecting).Connect {
		t.Errorf("connect should be disabled while connecting")
	}
}

func TestLabel(t *testing.T) {
	t.Parallel()

	if Label(RecordingInitializing) != "Initializing..." || Label(RecordingSending) != "Sending..." {
		t.Fatalf("unexpected labels")
	}
	if Label(RecordingRecording) != "Stop Recording" || Label(RecordingIdle) != "Start Recording" {
		t.Fatalf("unexpected labels")
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("socket reset")
	err := fmt.Errorf("send: %w", NewError(KindSendFailure, cause))

	if !errors.Is(err, ErrSendFailure) {
		t.Fatalf("expected ErrSendFailure match")
	}
	if errors.Is(err, ErrTransportError) {
		t.Fatalf("kinds must not cross-match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrapped")
	}
	if KindOf(err) != KindSendFailure {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
	if KindOf(cause) != "" {
		t.Fatalf("plain errors have no kind")
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewError(KindTransportError, errors.New("dial tcp: connection refused"))
	want := "Failed to connect to server. Please check the endpoint.: dial tcp: connection refused"
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if (&Error{Kind: KindCaptureFailure}).Error() != "Error recording audio. Please try again." {
		t.Fatalf("expected default message")
	}
}
