package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
)

var (
	ErrBusy         = errors.New("a recording is already in progress")
	ErrNotRecording = errors.New("not recording")
	ErrDisconnected = errors.New("not connected to a relay")
	ErrNoAudio      = errors.New("no audio captured")
)

const (
	DefaultChunkInterval = 100 * time.Millisecond
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultDrainTimeout  = 200 * time.Millisecond
)

// Config tunes one Controller.
type Config struct {
	MIME          audio.MIMEType
	ChunkInterval time.Duration
	// SettleDelay runs between acquiring the device and starting capture. Zero disables it.
	SettleDelay time.Duration
	// DrainTimeout bounds the wait for the final chunk after the device is stopped.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MIME == "" {
		c.MIME = audio.DefaultMIME
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Controller owns the recording state machine:
//
//	idle -> initializing -> recording -> stopping -> sending -> idle
//
// Every failure returns it to idle. Only one cycle exists at a time and the
// device handle of a cycle is released exactly once.
type Controller struct {
	cfg      Config
	devices  DeviceManager
	sender   Sender
	gate     ConnectionGate
	listener Listener
	log      *slog.Logger

	mu       sync.Mutex
	state    domain.RecordingState
	deviceID string
	cycle    *cycle
}

// NewController wires a controller to its collaborators. listener may be nil.
func NewController(cfg Config, devices DeviceManager, sender Sender, gate ConnectionGate, listener Listener) *Controller {
	if listener == nil {
		listener = NopListener{}
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		devices:  devices,
		sender:   sender,
		gate:     gate,
		listener: listener,
		log:      logging.L("capture"),
		state:    domain.RecordingIdle,
	}
}

// State returns the current recording state.
func (c *Controller) State() domain.RecordingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Device returns the selected device id; "" means the system default.
func (c *Controller) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// SelectDevice changes the input used by the next cycle. Only allowed while idle.
func (c *Controller) SelectDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.RecordingIdle {
		return ErrBusy
	}
	c.deviceID = id
	return nil
}

// Actions reports which user actions are currently enabled.
func (c *Controller) Actions() domain.Actions {
	return domain.AvailableActions(c.State(), c.gate.ConnectionState())
}

// Start runs idle -> initializing -> recording and returns once capture is
// running. It is a no-op returning ErrBusy unless the controller is idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.RecordingIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	if !domain.CanStart(c.state, c.gate.ConnectionState()) {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.state = domain.RecordingInitializing
	deviceID := c.deviceID
	c.mu.Unlock()
	c.listener.RecordingStateChanged(domain.RecordingInitializing)

	log := c.log.With("device", deviceOrDefault(deviceID))
	log.Debug("initializing capture")

	if deviceID != "" && !c.devices.Check(ctx, deviceID) {
		return c.failStart(domain.NewError(domain.KindDeviceUnavailable, fmt.Errorf("device %q", deviceID)))
	}

	rec, err := c.devices.Open(ctx, deviceID, c.cfg.MIME, c.cfg.ChunkInterval)
	if err != nil {
		return c.failStart(classifyOpen(err))
	}
	cyc := newCycle(rec)

	if c.cfg.SettleDelay > 0 {
		timer := time.NewTimer(c.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.releaseLogged(cyc, log)
			return c.failStart(domain.NewError(domain.KindCaptureFailure, ctx.Err()))
		}
	}

	cyc.startedAt = time.Now()
	if err = rec.Start(); err != nil {
		c.releaseLogged(cyc, log)
		return c.failStart(domain.NewError(domain.KindCaptureFailure, err))
	}

	c.mu.Lock()
	c.cycle = cyc
	c.state = domain.RecordingRecording
	c.mu.Unlock()
	c.listener.RecordingStateChanged(domain.RecordingRecording)
	log.Info("recording started", "interval", c.cfg.ChunkInterval, "mime", c.cfg.MIME)

	go c.collect(cyc)
	return nil
}

func (c *Controller) failStart(err *domain.Error) error {
	c.transition(domain.RecordingIdle)
	c.log.Warn("capture start failed", "kind", err.Kind, logging.KeyError, err)
	c.listener.Error(err)
	return err
}

func classifyOpen(err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.NewError(domain.KindDeviceUnavailable, err)
}

// collect buffers chunks until the recording's chunk channel is closed.
func (c *Controller) collect(cyc *cycle) {
	defer close(cyc.flushed)

	chunks, errs := cyc.rec.Chunks(), cyc.rec.Err()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			cyc.append(chunk)
		case err, ok := <-errs:
			errs = nil
			if ok && err != nil {
				c.abandon(cyc, err)
			}
		}
	}
}

// abandon drops a cycle whose device failed mid-capture.
func (c *Controller) abandon(cyc *cycle, cause error) {
	c.mu.Lock()
	if c.cycle != cyc || c.state != domain.RecordingRecording {
		c.mu.Unlock()
		return
	}
	c.cycle = nil
	c.state = domain.RecordingStopping
	c.mu.Unlock()
	c.listener.RecordingStateChanged(domain.RecordingStopping)

	// The device must be released before idle lets another cycle start.
	c.releaseLogged(cyc, c.log)
	cyc.discard()
	c.transition(domain.RecordingIdle)

	err := domain.NewError(domain.KindCaptureFailure, cause)
	c.log.Warn("capture failed, recording abandoned", logging.KeyError, cause)
	c.listener.Error(err)
}

// Stop runs recording -> stopping -> sending -> idle. It always ends idle;
// the returned error is the failure that was also reported to the listener.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.RecordingRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	cyc := c.cycle
	c.cycle = nil
	c.state = domain.RecordingStopping
	c.mu.Unlock()
	c.listener.RecordingStateChanged(domain.RecordingStopping)

	unit, err := c.finish(ctx, cyc)
	if err != nil {
		c.transition(domain.RecordingIdle)
		c.listener.Error(err)
		return err
	}

	c.transition(domain.RecordingSending)
	sendErr := c.sender.SendUnit(ctx, unit)
	c.transition(domain.RecordingIdle)

	if sendErr != nil {
		derr := domain.NewError(domain.KindSendFailure, sendErr)
		c.log.Warn("send failed", "size", unit.Size(), logging.KeyError, sendErr)
		c.listener.Error(derr)
		return derr
	}
	c.log.Info("audio unit sent", "size", unit.Size(), "mime", unit.MIMEType())
	return nil
}

// finish releases the device, waits for the final chunk and assembles the unit.
func (c *Controller) finish(ctx context.Context, cyc *cycle) (protocol.AudioUnit, *domain.Error) {
	stopErr := cyc.release()

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-cyc.flushed:
	case <-timer.C:
		c.log.Warn("final chunk not flushed in time", "timeout", c.cfg.DrainTimeout)
	case <-ctx.Done():
	}

	chunks := cyc.take()
	if stopErr != nil {
		return protocol.AudioUnit{}, domain.NewError(domain.KindCaptureFailure, stopErr)
	}
	if len(chunks) == 0 {
		return protocol.AudioUnit{}, domain.NewError(domain.KindCaptureFailure, ErrNoAudio)
	}
	return protocol.Assemble(chunks, c.cfg.MIME, cyc.startedAt), nil
}

func (c *Controller) transition(to domain.RecordingState) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	c.listener.RecordingStateChanged(to)
}

func (c *Controller) releaseLogged(cyc *cycle, log *slog.Logger) {
	if err := cyc.release(); err != nil {
		log.Warn("device release failed", logging.KeyError, err)
	}
}

func deviceOrDefault(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

// cycle is one record/stop attempt: the device handle and its chunk buffer.
type cycle struct {
	rec       Recording
	startedAt time.Time
	flushed   chan struct{}

	releaseOnce sync.Once
	releaseErr  error

	mu        sync.Mutex
	chunks    [][]byte
	accepting bool
}

func newCycle(rec Recording) *cycle {
	return &cycle{
		rec:       rec,
		flushed:   make(chan struct{}),
		accepting: true,
	}
}

func (cy *cycle) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cy.mu.Lock()
	defer cy.mu.Unlock()
	if cy.accepting {
		cy.chunks = append(cy.chunks, chunk)
	}
}

// take closes the buffer and hands its chunks to the caller.
func (cy *cycle) take() [][]byte {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	cy.accepting = false
	out := cy.chunks
	cy.chunks = nil
	return out
}

func (cy *cycle) discard() { cy.take() }

func (cy *cycle) release() error {
	cy.releaseOnce.Do(func() {
		cy.releaseErr = cy.rec.Stop()
	})
	return cy.releaseErr
}
