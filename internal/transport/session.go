package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultQueueSize = 64
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrLocalEvent     = errors.New("lifecycle events cannot be sent")
	ErrAlreadyRunning = errors.New("session already running")
)

// State is the lifecycle of one Session.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Handler receives one decoded event. Handlers for a session never run concurrently.
type Handler func(ev protocol.Event)

// Options tunes a Session. Zero values pick defaults.
type Options struct {
	ID string
	// PingInterval enables keepalive pings; the read deadline becomes twice this value.
	PingInterval    time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	QueueSize       int
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = logging.L("transport")
	}
	if o.ID != "" {
		o.Logger = o.Logger.With(logging.KeySessionID, o.ID)
	}
	return o
}

// Session is a message-framed, bidirectional channel over one WebSocket
// connection. Every frame is a single binary message carrying one event.
//
// Received events are queued by a reader goroutine and drained by the
// goroutine calling Run, which looks each one up in the handler table.
type Session struct {
	opts Options
	conn *websocket.Conn
	log  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	writeMu sync.Mutex
	queue   chan protocol.Event

	handlerMu   sync.Mutex
	dispatching atomic.Bool
	closed      atomic.Bool
	started     atomic.Bool
	state       atomic.Value
	closeOnce   sync.Once
	done        chan struct{}

	// written by readLoop before it closes queue
	readErr    error
	localClose bool
}

// NewSession wraps an established connection. Call Run to start delivering events.
func NewSession(conn *websocket.Conn, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:     opts,
		conn:     conn,
		log:      opts.Logger,
		handlers: make(map[string]Handler),
		queue:    make(chan protocol.Event, opts.QueueSize),
		done:     make(chan struct{}),
	}
	s.state.Store(StateConnecting)
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	return s
}

func (s *Session) ID() string { return s.opts.ID }

func (s *Session) State() State { return s.state.Load().(State) }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// RemoteAddr is the peer address of the underlying connection.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// On registers h for events named name, replacing any previous handler.
func (s *Session) On(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

func (s *Session) handler(name string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[name]
}

// Send writes ev as one binary frame. Sends are ordered and at-most-once; a
// failed write is returned and never retried.
func (s *Session) Send(ev protocol.Event) error {
	if ev.Local() {
		return fmt.Errorf("%w: %s", ErrLocalEvent, ev.Name)
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err = s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", ev.Name, err)
	}
	return nil
}

// Run delivers a local connect event, then every received event in order,
// until the connection ends or ctx is cancelled. The final event is a local
// disconnect whose message describes why the session ended; it is skipped
// when the session was closed locally. Run returns nil after a clean close.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.closed.Load() {
		s.state.Store(StateOpen)
	}

	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	if s.opts.PingInterval > 0 {
		go s.pingLoop()
	}

	s.dispatch(protocol.Event{Name: protocol.EventConnect})
	for ev := range s.queue {
		s.dispatch(ev)
	}
	s.Close()

	if s.localClose || isCleanClose(s.readErr) {
		return nil
	}
	return s.readErr
}

func (s *Session) dispatch(ev protocol.Event) {
	h := s.handler(ev.Name)
	if h == nil {
		s.log.Debug("no handler", "event", ev.Name)
		return
	}

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	s.dispatching.Store(true)
	defer s.dispatching.Store(false)

	if s.closed.Load() {
		return
	}
	h(ev)
}

// readLoop is the only writer to s.queue and closes it on exit.
func (s *Session) readLoop() {
	defer close(s.queue)

	deadline := 2 * s.opts.PingInterval
	if deadline > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			s.localClose = s.closed.Load()
			s.queue <- protocol.Event{Name: protocol.EventDisconnect, Message: s.disconnectReason(err)}
			return
		}
		if deadline > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
		}

		if msgType != websocket.BinaryMessage {
			s.log.Warn("ignoring non-binary frame", "type", msgType)
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("malformed frame", logging.KeyError, err, "size", len(data))
			if sendErr := s.Send(protocol.ErrorEvent("malformed frame")); sendErr != nil {
				s.log.Debug("reply to malformed frame", logging.KeyError, sendErr)
			}
			continue
		}
		if ev.Local() {
			s.log.Warn("peer sent a lifecycle event", "event", ev.Name)
			continue
		}
		s.queue <- ev
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				s.log.Debug("ping failed", logging.KeyError, err)
				return
			}
		}
	}
}

func (s *Session) disconnectReason(err error) string {
	if s.closed.Load() {
		return "closed locally"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return "peer closed"
		case websocket.CloseMessageTooBig:
			return "message too big"
		}
		return fmt.Sprintf("transport close (%d)", ce.Code)
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return "message too big"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "ping timeout"
	}
	return "transport error: " + err.Error()
}

// Close tears the session down. No handler starts after Close returns. When
// called from a handler, Close does not wait for that handler to finish.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.state.Store(StateClosing)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.opts.WriteWait),
		)
		s.writeMu.Unlock()
		_ = s.conn.Close()

		s.state.Store(StateClosed)
		close(s.done)
	})

	if !s.dispatching.Load() {
		// wait out a dispatch that holds the lock but has not marked itself yet
		s.handlerMu.Lock()
		s.handlerMu.Unlock()
	}
}

func isCleanClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}
