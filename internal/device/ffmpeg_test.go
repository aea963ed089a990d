package device

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/capture"
	"github.com/hubenschmidt/audio-relay/internal/domain"
)

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func newTestFFmpeg(script string) *FFmpeg {
	return NewFFmpeg(Config{FFmpegCommand: script, StartupGrace: 20 * time.Millisecond})
}

func drain(t *testing.T, rec capture.Recording) string {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-rec.Chunks():
			if !ok {
				return sb.String()
			}
			sb.Write(chunk)
		case <-timeout:
			t.Fatalf("chunk channel never closed")
		}
	}
}

func TestOpenStartStopDeliversChunks(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nsleep 0.2\nprintf 'hello'\nexec sleep 5\n")
	f := newTestFFmpeg(script)

	rec, err := f.Open(context.Background(), "", audio.MIMEWebMOpus, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err = rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := <-rec.Chunks()
	if string(first) != "hello" {
		t.Fatalf("unexpected chunk: %q", first)
	}
	if err = rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rest := drain(t, rec); rest != "" {
		t.Fatalf("unexpected trailing data: %q", rest)
	}
	select {
	case err := <-rec.Err():
		t.Fatalf("stop reported a capture error: %v", err)
	default:
	}
}

func TestOutputBeforeStartIsDiscarded(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "warmup.sh", "#!/usr/bin/env bash\nprintf 'warmup'\nsleep 0.4\nprintf 'live'\nexec sleep 5\n")
	f := newTestFFmpeg(script)

	rec, err := f.Open(context.Background(), "mic", audio.MIMEWebMOpus, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err = rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if first := <-rec.Chunks(); string(first) != "live" {
		t.Fatalf("unexpected chunk: %q", first)
	}
	if err = rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	drain(t, rec)
}

func TestFinalOutputIsFlushedOnStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "trailer.sh", "#!/usr/bin/env bash\ntrap \"printf 'trailer'; exit 255\" INT\nwhile true; do sleep 0.05; done\n")
	f := newTestFFmpeg(script)

	rec, err := f.Open(context.Background(), "", audio.MIMEWebMOpus, time.Hour)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err = rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err = rec.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := drain(t, rec); got != "trailer" {
		t.Fatalf("expected trailer to be flushed, got %q", got)
	}
}

func TestOpenEarlyExitIsDeviceUnavailable(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'No such device' 1>&2\nexit 1\n")
	f := NewFFmpeg(Config{FFmpegCommand: script, StartupGrace: time.Second})

	_, err := f.Open(context.Background(), "usb", audio.MIMEWebMOpus, 0)
	if !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "No such device") {
		t.Fatalf("stderr missing from error: %v", err)
	}
}

func TestOpenPermissionRefusal(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "denied.sh", "#!/usr/bin/env bash\necho 'Permission denied' 1>&2\nexit 1\n")
	f := NewFFmpeg(Config{FFmpegCommand: script, StartupGrace: time.Second})

	_, err := f.Open(context.Background(), "", audio.MIMEWebMOpus, 0)
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if err = f.RequestPermission(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied from probe, got %v", err)
	}
}

func TestOpenRejectsUnknownMIME(t *testing.T) {
	t.Parallel()

	f := newTestFFmpeg("/nonexistent/ffmpeg")
	if _, err := f.Open(context.Background(), "", "audio/flac", 0); !errors.Is(err, domain.ErrCaptureFailure) {
		t.Fatalf("expected CaptureFailure, got %v", err)
	}
}

func TestMissingBinaryIsDeviceUnavailable(t *testing.T) {
	t.Parallel()

	f := newTestFFmpeg("/nonexistent/ffmpeg")
	if _, err := f.Open(context.Background(), "", audio.MIMEWebMOpus, 0); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Fatalf("expected DeviceUnavailable, got %v", err)
	}
}

func TestUnexpectedExitIsReported(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "crash.sh", "#!/usr/bin/env bash\nsleep 0.2\nprintf 'x'\necho 'device lost' 1>&2\nexit 1\n")
	f := newTestFFmpeg(script)

	rec, err := f.Open(context.Background(), "", audio.MIMEWebMOpus, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err = rec.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-rec.Err():
		if !strings.Contains(err.Error(), "device lost") {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("exit was never reported")
	}
	drain(t, rec)
	if err = rec.Stop(); err != nil {
		t.Fatalf("stop after exit: %v", err)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	ok := newTestFFmpeg(writeScript(t, "ok.sh", "#!/usr/bin/env bash\nexit 0\n"))
	if !ok.Check(context.Background(), "mic") {
		t.Fatalf("expected device to be available")
	}
	bad := newTestFFmpeg(writeScript(t, "bad.sh", "#!/usr/bin/env bash\nexit 1\n"))
	if bad.Check(context.Background(), "mic") {
		t.Fatalf("expected device to be unavailable")
	}
}

func TestParseSources(t *testing.T) {
	t.Parallel()

	out := []byte(`Auto-detected sources for pulse:
  alsa_output.pci-0000_00_1f.3.analog-stereo.monitor [Monitor of Built-in Audio Analog Stereo]
* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
  bare_source
`)
	devices := parseSources(out)
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d: %+v", len(devices), devices)
	}
	if devices[1].ID != "alsa_input.pci-0000_00_1f.3.analog-stereo" || devices[1].Label != "Built-in Audio Analog Stereo" {
		t.Fatalf("unexpected default device: %+v", devices[1])
	}
	if devices[2].ID != "bare_source" || devices[2].Label != "bare_source" {
		t.Fatalf("unexpected bare device: %+v", devices[2])
	}
}

func TestListInputDevicesFallsBackToDefault(t *testing.T) {
	t.Parallel()

	f := newTestFFmpeg(writeScript(t, "empty.sh", "#!/usr/bin/env bash\necho 'Auto-detected sources for pulse:'\n"))
	devices, err := f.ListInputDevices(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "default" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
}

func TestNormalizeStopErrExitErrorIsIgnored(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if got := normalizeStopErr(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
}
