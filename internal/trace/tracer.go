package trace

import (
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/metrics"
)

const (
	queueSize   = 64
	maxErrorLen = 500
)

var log = logging.L("trace")

type traceMsg struct {
	kind string // "session_create", "session_end", "unit"

	session Session
	units   int64
	bytes   int64
	reason  string

	unit Unit
}

// Tracer writes one session's accounting asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver), so an unconfigured store
// costs nothing at the call sites.
type Tracer struct {
	w    Writer
	id   string
	seq  int64
	ch   chan traceMsg
	done chan struct{}
}

// NewTracer records a new session and returns a tracer bound to it. A nil
// writer yields a nil Tracer. Must call Close when done.
func NewTracer(w Writer, relayID, remoteAddr string) *Tracer {
	if w == nil {
		return nil
	}
	t := &Tracer{
		w:    w,
		id:   uuid.NewString(),
		ch:   make(chan traceMsg, queueSize),
		done: make(chan struct{}),
	}
	go t.drain()
	t.ch <- traceMsg{kind: "session_create", session: Session{
		ID:         t.id,
		RelayID:    relayID,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
	}}
	return t
}

// ID is the trace id of the session, or "" for a nil Tracer.
func (t *Tracer) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"session_create": func() error { return t.w.CreateSession(m.session) },
		"session_end":    func() error { return t.w.EndSession(t.id, m.units, m.bytes, m.reason) },
		"unit":           func() error { return t.w.CreateUnit(m.unit) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		log.Warn("trace write failed", "kind", m.kind, logging.KeyError, err)
		metrics.Errors.WithLabelValues("trace", m.kind).Inc()
	}
}

// RecordUnit queues one unit record. Records are dropped, not blocked on,
// when the store falls behind. Not safe for concurrent use; call it from the
// session's dispatch goroutine.
func (t *Tracer) RecordUnit(size int, mime string, capturedAt, receivedAt time.Time, echo time.Duration, status, errMsg string) {
	if t == nil {
		return
	}
	t.seq++
	msg := traceMsg{kind: "unit", unit: Unit{
		ID:         uuid.NewString(),
		SessionID:  t.id,
		Seq:        t.seq,
		SizeBytes:  int64(size),
		MIME:       mime,
		CapturedAt: capturedAt,
		ReceivedAt: receivedAt,
		EchoMs:     float64(echo.Microseconds()) / 1000,
		Status:     status,
		Error:      truncate(errMsg, maxErrorLen),
	}}
	select {
	case t.ch <- msg:
	default:
		metrics.Errors.WithLabelValues("trace", "dropped").Inc()
	}
}

// Close records the session's end, drains pending writes and shuts down the
// background goroutine.
func (t *Tracer) Close(units, bytes int64, reason string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_end", units: units, bytes: bytes, reason: reason}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
