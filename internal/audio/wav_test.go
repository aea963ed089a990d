package audio

import (
	"testing"
	"time"
)

func TestSamplesToWAVRoundTrip(t *testing.T) {
	t.Parallel()

	samples := Tone(440, 300*time.Millisecond, 16000)
	wav := SamplesToWAV(samples, 16000)

	if len(wav) != wavHeaderLen+len(samples)*2 {
		t.Fatalf("unexpected wav length: %d", len(wav))
	}

	decoded, rate, err := WAVToSamples(wav)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("unexpected rate: %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	if got := WAVDuration(wav); got != 300*time.Millisecond {
		t.Fatalf("unexpected duration: %s", got)
	}
}

func TestWAVToSamplesRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := WAVToSamples([]byte("definitely not audio")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSamplesToWAVClamps(t *testing.T) {
	t.Parallel()

	wav := SamplesToWAV([]float32{2, -2}, 8000)
	decoded, _, err := WAVToSamples(wav)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded[0] != 1 || decoded[1] != -1 {
		t.Fatalf("expected clamped samples, got %v", decoded)
	}
}

func TestNormalizeAndSupported(t *testing.T) {
	t.Parallel()

	if Normalize("") != DefaultMIME {
		t.Fatalf("empty tag should normalize to default")
	}
	if Normalize(" Audio/WebM; codecs=opus ") != MIMEWebMOpus {
		t.Fatalf("unexpected normalization: %q", Normalize(" Audio/WebM; codecs=opus "))
	}
	if !Supported("audio/wav") {
		t.Fatalf("wav should be supported")
	}
	if Supported("audio/mpeg") {
		t.Fatalf("mpeg should not be supported")
	}
	if Extension(MIMEWebMOpus) != ".webm" || Extension("audio/flac") != ".bin" {
		t.Fatalf("unexpected extensions")
	}
}

func TestEncoderArgs(t *testing.T) {
	t.Parallel()

	args, err := EncoderArgs(MIMEWebMOpus)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"-c:a", "libopus", "-f", "webm"}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("unexpected args: %v", args)
		}
	}
	if _, err = EncoderArgs("audio/flac"); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
	if Extension(MIMEWAV) != ".wav" || Extension("audio/flac") != ".bin" {
		t.Fatalf("unexpected extensions")
	}
}
