package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
	"github.com/hubenschmidt/audio-relay/internal/transport"
	"github.com/hubenschmidt/audio-relay/internal/workerpool"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrSuperseded   = errors.New("connection attempt superseded")
)

const (
	DefaultEndpoint       = "http://localhost:3000"
	DefaultConnectTimeout = 5 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Player plays one received unit. Failures are logged by the supervisor.
type Player interface {
	Play(ctx context.Context, data []byte, mime audio.MIMEType) error
}

// Listener observes connection changes, received audio and errors. Calls are
// made without holding supervisor locks.
type Listener interface {
	ConnectionStateChanged(state domain.ConnectionState)
	AudioReceived(unit protocol.AudioUnit)
	Error(err *domain.Error)
}

type NopListener struct{}

func (NopListener) ConnectionStateChanged(domain.ConnectionState) {}
func (NopListener) AudioReceived(protocol.AudioUnit)             {}
func (NopListener) Error(*domain.Error)                          {}

// Config tunes a Supervisor. Zero values pick defaults.
type Config struct {
	ConnectTimeout time.Duration
	// Reconnect retries with exponential backoff after an unexpected disconnect.
	Reconnect       bool
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	PingInterval    time.Duration
	MaxUnitBytes    int64
	Path            string
	PlaybackWorkers int
	PlaybackQueue   int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = initialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = maxBackoff
	}
	if c.PlaybackWorkers <= 0 {
		c.PlaybackWorkers = 1
	}
	if c.PlaybackQueue <= 0 {
		c.PlaybackQueue = 8
	}
	return c
}

// Supervisor owns the client's single transport session.
//
// Every Connect or Disconnect starts a new generation; callbacks from an
// older generation's session or dial are ignored, so at most one session is
// ever live.
type Supervisor struct {
	cfg      Config
	player   Player
	listener Listener
	pool     *workerpool.Pool
	log      *slog.Logger

	mu          sync.Mutex
	gen         uint64
	state       domain.ConnectionState
	endpoint    string
	session     *transport.Session
	lastErr     string
	cancelRetry context.CancelFunc

	received atomic.Int64
}

// New creates a disconnected supervisor. player and listener may be nil.
func New(cfg Config, player Player, listener Listener) *Supervisor {
	cfg = cfg.withDefaults()
	if listener == nil {
		listener = NopListener{}
	}
	return &Supervisor{
		cfg:      cfg,
		player:   player,
		listener: listener,
		pool:     workerpool.New(cfg.PlaybackWorkers, cfg.PlaybackQueue),
		log:      logging.L("supervisor"),
		state:    domain.ConnectionDisconnected,
		endpoint: DefaultEndpoint,
	}
}

// ConnectionState returns the current connection state.
func (s *Supervisor) ConnectionState() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint of the latest Connect.
func (s *Supervisor) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// LastError returns the message of the most recent transport failure.
func (s *Supervisor) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Received counts audio-response units delivered since creation.
func (s *Supervisor) Received() int64 { return s.received.Load() }

// Connect tears down any existing session, then dials endpoint. It returns
// once the state is connected or error; a failure is a *domain.Error of kind
// TransportError.
func (s *Supervisor) Connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.detachLocked()
	s.endpoint = endpoint
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.setState(gen, domain.ConnectionConnecting, "")
	return s.dial(ctx, gen, endpoint)
}

// Disconnect closes the live session, if any, and cancels pending reconnects.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.detachLocked()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.setState(gen, domain.ConnectionDisconnected, "")
}

// Close disconnects and waits briefly for in-flight playback.
func (s *Supervisor) Close() {
	s.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.pool.Shutdown(ctx)
}

func (s *Supervisor) detachLocked() *transport.Session {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
	old := s.session
	s.session = nil
	return old
}

func (s *Supervisor) dial(ctx context.Context, gen uint64, endpoint string) error {
	log := s.log.With(logging.KeyEndpoint, endpoint)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	sess, err := transport.Dial(dctx, endpoint, transport.DialOptions{
		Options: transport.Options{
			PingInterval:    s.cfg.PingInterval,
			MaxMessageBytes: s.cfg.MaxUnitBytes,
			Logger:          logging.L("transport").With(logging.KeyEndpoint, endpoint),
		},
		Path:             s.cfg.Path,
		HandshakeTimeout: s.cfg.ConnectTimeout,
	})
	cancel()
	if err != nil {
		derr := domain.NewError(domain.KindTransportError, err)
		if !s.setState(gen, domain.ConnectionError, derr.Error()) {
			return ErrSuperseded
		}
		log.Warn("connect failed", logging.KeyError, err)
		s.listener.Error(derr)
		return derr
	}

	sess.On(protocol.EventAudioResponse, s.deliver)
	sess.On(protocol.EventError, func(ev protocol.Event) {
		log.Warn("relay reported an error", "message", ev.Message)
		s.listener.Error(domain.NewError(domain.KindSendFailure, errors.New(ev.Message)))
	})
	sess.On(protocol.EventDisconnect, func(ev protocol.Event) {
		s.onDisconnect(gen, ev.Message)
	})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		sess.Close()
		return ErrSuperseded
	}
	s.session = sess
	s.mu.Unlock()

	s.setState(gen, domain.ConnectionConnected, "")
	log.Info("connected")
	go func() {
		if err := sess.Run(context.Background()); err != nil {
			log.Debug("session ended", logging.KeyError, err)
		}
	}()
	return nil
}

func (s *Supervisor) onDisconnect(gen uint64, reason string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.session = nil
	endpoint := s.endpoint
	var retryCtx context.Context
	if s.cfg.Reconnect {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithCancel(context.Background())
		s.cancelRetry = cancel
	}
	s.mu.Unlock()

	s.log.Info("disconnected", "reason", reason, logging.KeyEndpoint, endpoint)
	s.setState(gen, domain.ConnectionDisconnected, "")
	if retryCtx != nil {
		go s.reconnectLoop(retryCtx, gen, endpoint)
	}
}

func (s *Supervisor) reconnectLoop(ctx context.Context, gen uint64, endpoint string) {
	backoff := s.cfg.InitialBackoff

	for {
		jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		s.log.Info("reconnecting", "delay", sleep, logging.KeyEndpoint, endpoint)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		if !s.setState(gen, domain.ConnectionConnecting, "") {
			return
		}
		err := s.dial(ctx, gen, endpoint)
		if err == nil || errors.Is(err, ErrSuperseded) || ctx.Err() != nil {
			return
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// setState applies a transition for generation gen. It reports false, and
// changes nothing, when gen has been superseded.
func (s *Supervisor) setState(gen uint64, to domain.ConnectionState, errMsg string) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	changed := s.state != to
	s.state = to
	if errMsg != "" {
		s.lastErr = errMsg
	} else if to == domain.ConnectionConnected {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if changed {
		s.listener.ConnectionStateChanged(to)
	}
	return true
}

// SendUnit sends unit as one audio-stream event on the live session.
func (s *Supervisor) SendUnit(ctx context.Context, unit protocol.AudioUnit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	sess, state := s.session, s.state
	s.mu.Unlock()

	if sess == nil || state != domain.ConnectionConnected {
		return ErrNotConnected
	}
	if err := sess.Send(protocol.AudioStream(unit)); err != nil {
		return fmt.Errorf("audio-stream: %w", err)
	}
	return nil
}

// deliver hands a received unit to the playback sink without waiting for it.
func (s *Supervisor) deliver(ev protocol.Event) {
	if ev.Unit == nil {
		s.log.Warn("audio-response without a unit")
		return
	}
	unit := *ev.Unit
	s.received.Add(1)
	s.listener.AudioReceived(unit)

	if s.player == nil {
		return
	}
	ok := s.pool.Submit(func(ctx context.Context) {
		if err := s.player.Play(ctx, unit.Data(), unit.MIMEType()); err != nil {
			s.log.Warn("playback failed", "size", unit.Size(), logging.KeyError, err)
		}
	})
	if !ok {
		s.log.Warn("playback dropped", "size", unit.Size())
	}
}
