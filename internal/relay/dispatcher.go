package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/metrics"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
	"github.com/hubenschmidt/audio-relay/internal/trace"
	"github.com/hubenschmidt/audio-relay/internal/transport"
)

var ErrShuttingDown = errors.New("relay is shutting down")

// Config holds the relay's per-session limits and optional collaborators.
type Config struct {
	MaxConcurrent int
	// MaxUnitBytes bounds a single frame; larger frames end the session.
	MaxUnitBytes int64
	PingInterval time.Duration
	// Store receives session and unit accounting when set.
	Store trace.Writer
	// OnEvent observes session lifecycle and unit traffic. It is called from
	// session goroutines and must not block.
	OnEvent func(Event)
}

// Dispatcher accepts WebSocket sessions and echoes every audio unit back to
// the session it came from.
//
// Sessions share nothing except the id counter, the table used for
// introspection and the aggregate counters.
type Dispatcher struct {
	cfg    Config
	sem    chan struct{}
	nextID atomic.Uint64
	log    *slog.Logger

	sessions sync.Map // id -> *entry
	wg       sync.WaitGroup
	mu       sync.Mutex // guards closing, wg.Add and session registration
	closing  bool

	totalSessions atomic.Int64
	totalUnits    atomic.Int64
	totalBytes    atomic.Int64
}

type entry struct {
	id       string
	remote   string
	openedAt time.Time
	units    atomic.Int64
	bytes    atomic.Int64
	sess     *transport.Session
}

func (e *entry) info() SessionInfo {
	return SessionInfo{
		ID:         e.id,
		RemoteAddr: e.remote,
		OpenedAt:   e.openedAt,
		Units:      e.units.Load(),
		Bytes:      e.bytes.Load(),
	}
}

// NewDispatcher creates a dispatcher with a concurrency limit.
func NewDispatcher(cfg Config) *Dispatcher {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Dispatcher{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
		log: logging.L("relay"),
	}
}

// ServeHTTP upgrades the connection and runs the session until it ends.
// Returns 503 if at max concurrent session capacity or shutting down.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !d.admit() {
		metrics.SessionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	default:
		metrics.SessionsRejected.WithLabelValues("capacity").Inc()
		d.log.Warn("session refused", "reason", "at capacity", "remote", r.RemoteAddr)
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	id := strconv.FormatUint(d.nextID.Add(1), 10)
	sess, err := transport.Accept(w, r, transport.Options{
		ID:              id,
		PingInterval:    d.cfg.PingInterval,
		MaxMessageBytes: d.cfg.MaxUnitBytes,
	})
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("upgrade").Inc()
		d.log.Error("websocket upgrade failed", logging.KeyError, err)
		return
	}

	d.serve(sess, r.RemoteAddr)
}

// admit counts the request toward Shutdown's wait unless shutdown has begun.
func (d *Dispatcher) admit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) serve(sess *transport.Session, remote string) {
	e := &entry{id: sess.ID(), remote: remote, openedAt: time.Now(), sess: sess}
	log := d.log.With(logging.KeySessionID, e.id)

	d.mu.Lock()
	d.sessions.Store(e.id, e)
	closing := d.closing
	d.mu.Unlock()
	d.totalSessions.Add(1)
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	tracer := trace.NewTracer(d.cfg.Store, e.id, remote)
	reason := "closed by relay"

	sess.On(protocol.EventConnect, func(protocol.Event) {
		log.Info("session opened", "remote", remote)
		d.publish(EventOpen, e)
	})
	sess.On(protocol.EventAudioStream, func(ev protocol.Event) {
		d.echo(sess, e, tracer, ev, log)
	})
	sess.On(protocol.EventDisconnect, func(ev protocol.Event) {
		reason = ev.Message
		d.release(e.id)
	})

	// Registered after Shutdown swept the table.
	if closing {
		sess.Close()
	}
	if err := sess.Run(context.Background()); err != nil {
		log.Debug("session ended with error", logging.KeyError, err)
	}
	d.release(e.id)

	units, bytes := e.units.Load(), e.bytes.Load()
	tracer.Close(units, bytes, reason)
	metrics.SessionDuration.Observe(time.Since(e.openedAt).Seconds())
	log.Info("session closed", "reason", reason, "units", units, "bytes", bytes, "duration", time.Since(e.openedAt).Round(time.Millisecond))
	d.publish(EventClose, e)
}

// echo handles one audio-stream event. The unit is returned byte-identical on
// the same session; nothing about it is retained afterwards.
func (d *Dispatcher) echo(sess *transport.Session, e *entry, tracer *trace.Tracer, ev protocol.Event, log *slog.Logger) {
	received := time.Now()
	if ev.Unit == nil {
		d.reject(sess, tracer, received, protocol.AudioUnit{}, errors.New("audio-stream without a unit"), log)
		return
	}
	unit := *ev.Unit
	if err := unit.Validate(); err != nil {
		d.reject(sess, tracer, received, unit, err, log)
		return
	}

	size := unit.Size()
	e.units.Add(1)
	e.bytes.Add(int64(size))
	d.totalUnits.Add(1)
	d.totalBytes.Add(int64(size))

	log.Info("audio unit received", "size", size, "mime", unit.MIMEType(), "timestamp", unit.CapturedAt())

	err := sess.Send(protocol.AudioResponse(unit))
	elapsed := time.Since(received)
	if err != nil {
		metrics.Errors.WithLabelValues("echo", "send_failed").Inc()
		log.Warn("echo failed", "size", size, logging.KeyError, err)
		tracer.RecordUnit(size, string(unit.MIMEType()), unit.CapturedAt(), received, elapsed, trace.StatusSendFailed, err.Error())
		return
	}

	metrics.UnitsTotal.WithLabelValues(string(unit.MIMEType())).Inc()
	metrics.UnitBytes.Observe(float64(size))
	metrics.EchoDuration.Observe(elapsed.Seconds())
	tracer.RecordUnit(size, string(unit.MIMEType()), unit.CapturedAt(), received, elapsed, trace.StatusEchoed, "")
	d.publish(EventUnit, e)
}

func (d *Dispatcher) reject(sess *transport.Session, tracer *trace.Tracer, received time.Time, unit protocol.AudioUnit, cause error, log *slog.Logger) {
	errType := "invalid_unit"
	switch {
	case errors.Is(cause, protocol.ErrEmptyUnit):
		errType = "empty_unit"
	case errors.Is(cause, protocol.ErrUnsupportedMIME):
		errType = "unsupported_mime"
	}
	metrics.Errors.WithLabelValues("validate", errType).Inc()
	log.Warn("audio unit rejected", "size", unit.Size(), "mime", unit.MIMEType(), logging.KeyError, cause)
	tracer.RecordUnit(unit.Size(), string(unit.MIMEType()), unit.CapturedAt(), received, 0, trace.StatusRejected, cause.Error())

	if err := sess.Send(protocol.ErrorEvent(cause.Error())); err != nil {
		log.Debug("send rejection", logging.KeyError, err)
	}
}

func (d *Dispatcher) release(id string) {
	d.sessions.LoadAndDelete(id)
}

func (d *Dispatcher) publish(kind EventType, e *entry) {
	if d.cfg.OnEvent == nil {
		return
	}
	d.cfg.OnEvent(Event{Type: kind, Session: e.info(), Totals: d.Totals()})
}

// Sessions returns a snapshot of live sessions ordered by id.
func (d *Dispatcher) Sessions() []SessionInfo {
	var out []SessionInfo
	d.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*entry).info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i].ID, 10, 64)
		b, _ := strconv.ParseUint(out[j].ID, 10, 64)
		return a < b
	})
	return out
}

// Totals returns aggregate counters since start.
func (d *Dispatcher) Totals() Totals {
	active := 0
	d.sessions.Range(func(_, _ any) bool {
		active++
		return true
	})
	return Totals{
		Active:   active,
		Sessions: d.totalSessions.Load(),
		Units:    d.totalUnits.Load(),
		Bytes:    d.totalBytes.Load(),
	}
}

// Shutdown refuses new sessions, closes live ones and waits for their
// goroutines to finish or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.sessions.Range(func(_, v any) bool {
		v.(*entry).sess.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
