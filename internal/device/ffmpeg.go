package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/capture"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/logging"
)

var log = logging.L("device")

const (
	defaultDevice = "default"
	probeDuration = "0.1"
	probeTimeout  = 3 * time.Second
	stopGrace     = 1200 * time.Millisecond
	readSize      = 4096
)

// Config selects the ffmpeg binaries and the capture backend.
type Config struct {
	FFmpegCommand string
	InputFormat   string
	// StartupGrace is how long a fresh ffmpeg must stay alive before Open
	// treats the device as producing.
	StartupGrace time.Duration
}

// FFmpeg captures microphone audio by running ffmpeg against an input backend
// (pulse, alsa, avfoundation, dshow).
type FFmpeg struct {
	cfg Config
}

var _ capture.DeviceManager = (*FFmpeg)(nil)

func NewFFmpeg(cfg Config) *FFmpeg {
	if cfg.FFmpegCommand == "" {
		cfg.FFmpegCommand = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 250 * time.Millisecond
	}
	return &FFmpeg{cfg: cfg}
}

// ListInputDevices asks ffmpeg for the sources of the configured backend.
func (f *FFmpeg) ListInputDevices(ctx context.Context) ([]capture.Device, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFmpegCommand, "-hide_banner", "-sources", f.cfg.InputFormat)
	out, err := cmd.CombinedOutput()
	devices := parseSources(out)
	if len(devices) == 0 {
		if err != nil {
			return nil, fmt.Errorf("list %s sources: %w: %s", f.cfg.InputFormat, err, stringsTrimSpaceSafe(string(out)))
		}
		return []capture.Device{{ID: defaultDevice, Label: "Default input"}}, nil
	}
	return devices, nil
}

// parseSources reads the "  name [description]" lines of `ffmpeg -sources`.
// The default source is marked with a leading '*'.
func parseSources(out []byte) []capture.Device {
	var devices []capture.Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		if line == "" {
			continue
		}
		id, label := line, line
		if open := strings.Index(line, " ["); open > 0 && strings.HasSuffix(line, "]") {
			id = line[:open]
			label = line[open+2 : len(line)-1]
		}
		devices = append(devices, capture.Device{ID: id, Label: label})
	}
	return devices
}

// RequestPermission probes the default device; a refusal is PermissionDenied.
func (f *FFmpeg) RequestPermission(ctx context.Context) error {
	if err := f.probe(ctx, defaultDevice); err != nil {
		return classify(err)
	}
	return nil
}

// Check transiently acquires id and releases it.
func (f *FFmpeg) Check(ctx context.Context, id string) bool {
	if err := f.probe(ctx, id); err != nil {
		log.Debug("device check failed", "device", id, logging.KeyError, err)
		return false
	}
	return true
}

func (f *FFmpeg) probe(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.cfg.FFmpegCommand,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", f.cfg.InputFormat, "-i", orDefault(id),
		"-t", probeDuration, "-f", "null", "-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("probe %s: %w: %s", orDefault(id), err, stringsTrimSpaceSafe(stderr.String()))
	}
	return nil
}

// Open starts ffmpeg encoding id to mime on stdout. Output before Start is
// discarded, which covers the device's warm-up.
func (f *FFmpeg) Open(ctx context.Context, id string, mime audio.MIMEType, interval time.Duration) (capture.Recording, error) {
	encoder, err := audio.EncoderArgs(mime)
	if err != nil {
		return nil, domain.NewError(domain.KindCaptureFailure, err)
	}
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", f.cfg.InputFormat,
		"-i", orDefault(id),
		"-ac", "1",
	}
	args = append(args, encoder...)
	args = append(args, "-flush_packets", "1", "-")

	cmd := exec.Command(f.cfg.FFmpegCommand, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err = cmd.Start(); err != nil {
		return nil, domain.NewError(domain.KindDeviceUnavailable, fmt.Errorf("start ffmpeg: %w", err))
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitErr <- err
		close(waitErr)
	}()

	rec := newRecording(pr, stderr, cmd.Process, waitErr, interval)

	select {
	case <-rec.exited:
		<-rec.done
		return nil, classify(rec.exitError())
	case <-ctx.Done():
		_ = rec.Stop()
		return nil, ctx.Err()
	case <-time.After(f.cfg.StartupGrace):
	}
	log.Debug("ffmpeg capture open", "device", orDefault(id), "mime", mime, "pid", cmd.Process.Pid)
	return rec, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied") {
		return domain.NewError(domain.KindPermissionDenied, err)
	}
	return domain.NewError(domain.KindDeviceUnavailable, err)
}

// recording is one running ffmpeg process.
type recording struct {
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	process  *os.Process
	waitErr  <-chan error
	interval time.Duration

	chunks chan []byte
	errs   chan error
	exited chan struct{} // stdout hit EOF
	done   chan struct{} // chunks closed

	mu      sync.Mutex
	pending []byte
	started bool
	exitErr error

	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func newRecording(stdout io.ReadCloser, stderr *bytes.Buffer, process *os.Process, waitErr <-chan error, interval time.Duration) *recording {
	if interval <= 0 {
		interval = capture.DefaultChunkInterval
	}
	r := &recording{
		stdout:   stdout,
		stderr:   stderr,
		process:  process,
		waitErr:  waitErr,
		interval: interval,
		chunks:   make(chan []byte, 64),
		errs:     make(chan error, 1),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.pump()
	go r.flushLoop()
	return r
}

func (r *recording) Chunks() <-chan []byte { return r.chunks }
func (r *recording) Err() <-chan error     { return r.errs }

func (r *recording) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.exited:
		return errors.New("ffmpeg exited before capture started")
	default:
	}
	r.started = true
	return nil
}

// pump copies stdout into the pending buffer until EOF, then records why
// ffmpeg ended.
func (r *recording) pump() {
	buf := make([]byte, readSize)
	for {
		n, err := r.stdout.Read(buf)
		if n > 0 {
			r.mu.Lock()
			if r.started {
				r.pending = append(r.pending, buf[:n]...)
			}
			r.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	werr := <-r.waitErr
	r.mu.Lock()
	r.exitErr = werr
	r.mu.Unlock()
	close(r.exited)
}

// flushLoop emits the pending buffer every interval and once more after EOF.
func (r *recording) flushLoop() {
	defer close(r.done)
	defer close(r.chunks)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.exited:
			r.flush()
			if !r.stopping.Load() {
				r.errs <- fmt.Errorf("ffmpeg exited during capture: %w", r.exitError())
			}
			return
		}
	}
}

func (r *recording) flush() {
	r.mu.Lock()
	chunk := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(chunk) > 0 {
		r.chunks <- chunk
	}
}

func (r *recording) exitError() error {
	r.mu.Lock()
	werr := r.exitErr
	r.mu.Unlock()
	msg := stringsTrimSpaceSafe(r.stderr.String())
	if werr == nil {
		werr = errors.New("exited")
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", werr, msg)
	}
	return werr
}

// Stop interrupts ffmpeg so it finalises the container, then kills it if it
// has not exited within stopGrace.
func (r *recording) Stop() error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		if r.process != nil {
			_ = r.process.Signal(os.Interrupt)
		}

		select {
		case <-r.exited:
		case <-time.After(stopGrace):
			if r.process != nil {
				_ = r.process.Kill()
			}
			<-r.exited
		}

		r.mu.Lock()
		r.stopErr = normalizeStopErr(r.exitErr)
		r.mu.Unlock()
		if r.stopErr != nil && r.stderr.Len() > 0 {
			r.stopErr = fmt.Errorf("%w: %s", r.stopErr, stringsTrimSpaceSafe(r.stderr.String()))
		}
	})
	return r.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func orDefault(id string) string {
	if id == "" {
		return defaultDevice
	}
	return id
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
