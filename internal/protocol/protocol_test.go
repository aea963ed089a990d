package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hubenschmidt/audio-relay/internal/audio"
)

func TestAssembleConcatenatesChunksInOrder(t *testing.T) {
	t.Parallel()

	chunks := [][]byte{[]byte("abc"), []byte("de"), []byte("fghi")}
	unit := Assemble(chunks, audio.MIMEWebMOpus, time.Now())

	if unit.Size() != 9 {
		t.Fatalf("expected 9 bytes, got %d", unit.Size())
	}
	if !bytes.Equal(unit.Data(), []byte("abcdefghi")) {
		t.Fatalf("unexpected payload: %q", unit.Data())
	}
}

func TestAudioUnitIsImmutable(t *testing.T) {
	t.Parallel()

	src := []byte("hello")
	unit := NewAudioUnit(src, audio.MIMEWAV, time.Now())
	src[0] = 'j'

	out := unit.Data()
	out[1] = 'a'

	if !bytes.Equal(unit.Data(), []byte("hello")) {
		t.Fatalf("unit mutated through caller slices: %q", unit.Data())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := NewAudioUnit(nil, audio.MIMEWAV, time.Now()).Validate(); !errors.Is(err, ErrEmptyUnit) {
		t.Fatalf("expected ErrEmptyUnit, got %v", err)
	}
	if err := NewAudioUnit([]byte{1}, "audio/mpeg", time.Now()).Validate(); !errors.Is(err, ErrUnsupportedMIME) {
		t.Fatalf("expected ErrUnsupportedMIME, got %v", err)
	}
	if err := NewAudioUnit([]byte{1}, "", time.Now()).Validate(); err != nil {
		t.Fatalf("untagged unit should default to a supported mime: %v", err)
	}
}

func TestEncodeDecodePreservesUnitBytes(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	captured := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	frame, err := Encode(AudioStream(NewAudioUnit(payload, audio.MIMEWebMOpus, captured)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Name != EventAudioStream || ev.Unit == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !bytes.Equal(ev.Unit.Data(), payload) {
		t.Fatalf("payload changed across the wire")
	}
	if !ev.Unit.CapturedAt().Equal(captured) {
		t.Fatalf("timestamp changed: %s", ev.Unit.CapturedAt())
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	frame, err := msgpack.Marshal(map[string]any{
		"event": EventAudioStream,
		"unit":  map[string]any{"data": []byte("abc"), "mime": "audio/wav", "size": 10},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Decode(frame); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
}

func TestEncodeRequiresName(t *testing.T) {
	t.Parallel()

	if _, err := Encode(Event{}); !errors.Is(err, ErrMissingEventName) {
		t.Fatalf("expected ErrMissingEventName, got %v", err)
	}
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Fatalf("expected decode error for garbage frame")
	}
}

func TestLocalEvents(t *testing.T) {
	t.Parallel()

	for _, name := range []string{EventConnect, EventDisconnect, EventConnectError} {
		if !(Event{Name: name}).Local() {
			t.Errorf("%s should be local", name)
		}
	}
	if (Event{Name: EventAudioStream}).Local() {
		t.Errorf("audio-stream must go on the wire")
	}
}
