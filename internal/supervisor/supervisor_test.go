package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
	"github.com/hubenschmidt/audio-relay/internal/relay"
	"github.com/hubenschmidt/audio-relay/internal/transport"
)

type recordingListener struct {
	mu     sync.Mutex
	states []domain.ConnectionState
	units  []protocol.AudioUnit
	errs   []*domain.Error
}

func (l *recordingListener) ConnectionStateChanged(s domain.ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) AudioReceived(u protocol.AudioUnit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = append(l.units, u)
}

func (l *recordingListener) Error(err *domain.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) counts() (states, units, errs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states), len(l.units), len(l.errs)
}

type fakePlayer struct {
	mu    sync.Mutex
	plays [][]byte
	err   error
}

func (p *fakePlayer) Play(_ context.Context, data []byte, _ audio.MIMEType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, data)
	return p.err
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

func newRelay(t *testing.T) (*relay.Dispatcher, *httptest.Server) {
	t.Helper()
	d := relay.NewDispatcher(relay.Config{})
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, srv
}

func newSupervisor(t *testing.T, cfg Config, player Player) (*Supervisor, *recordingListener) {
	t.Helper()
	l := &recordingListener{}
	s := New(cfg, player, l)
	t.Cleanup(s.Close)
	return s, l
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}

func TestConnectTransitions(t *testing.T) {
	t.Parallel()

	_, srv := newRelay(t)
	s, l := newSupervisor(t, Config{}, nil)

	if s.ConnectionState() != domain.ConnectionDisconnected {
		t.Fatalf("expected disconnected initially")
	}
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.ConnectionState() != domain.ConnectionConnected {
		t.Fatalf("expected connected, got %s", s.ConnectionState())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) != 2 || l.states[0] != domain.ConnectionConnecting || l.states[1] != domain.ConnectionConnected {
		t.Fatalf("unexpected transitions: %v", l.states)
	}
}

func TestEchoIsDeliveredToPlayback(t *testing.T) {
	t.Parallel()

	_, srv := newRelay(t)
	player := &fakePlayer{}
	s, l := newSupervisor(t, Config{}, player)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}

	unit := protocol.NewAudioUnit([]byte("opus-bytes"), audio.MIMEWebMOpus, time.Now())
	if err := s.SendUnit(context.Background(), unit); err != nil {
		t.Fatalf("send: %v", err)
	}

	eventually(t, "playback", func() bool { return player.count() == 1 })
	player.mu.Lock()
	got := string(player.plays[0])
	player.mu.Unlock()
	if got != "opus-bytes" {
		t.Fatalf("unexpected playback payload: %q", got)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.units) != 1 || !l.units[0].Equal(unit) {
		t.Fatalf("listener did not see the echo")
	}
	if s.Received() != 1 {
		t.Fatalf("unexpected received count: %d", s.Received())
	}
}

func TestPlaybackFailureIsNotAConnectionError(t *testing.T) {
	t.Parallel()

	_, srv := newRelay(t)
	player := &fakePlayer{err: errors.New("no audio output")}
	s, l := newSupervisor(t, Config{}, player)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SendUnit(context.Background(), protocol.NewAudioUnit([]byte{1}, audio.MIMEWAV, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}

	eventually(t, "playback attempted", func() bool { return player.count() == 1 })
	if s.ConnectionState() != domain.ConnectionConnected {
		t.Fatalf("playback failure changed connection state")
	}
	if _, _, errs := l.counts(); errs != 0 {
		t.Fatalf("playback failure was reported as an error")
	}
}

func TestUnreachableEndpointEndsInError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	s, l := newSupervisor(t, Config{ConnectTimeout: time.Second}, nil)
	start := time.Now()
	err := s.Connect(context.Background(), endpoint)
	if !errors.Is(err, domain.ErrTransportError) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("connect exceeded its timeout budget")
	}
	if s.ConnectionState() != domain.ConnectionError {
		t.Fatalf("expected error state, got %s", s.ConnectionState())
	}
	if !strings.Contains(s.LastError(), "Failed to connect to server") {
		t.Fatalf("unexpected last error: %q", s.LastError())
	}
	if _, _, errs := l.counts(); errs != 1 {
		t.Fatalf("expected one reported error, got %d", errs)
	}
}

func TestBadEndpointEndsInError(t *testing.T) {
	t.Parallel()

	s, _ := newSupervisor(t, Config{}, nil)
	if err := s.Connect(context.Background(), "not a url"); !errors.Is(err, domain.ErrTransportError) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if s.ConnectionState() != domain.ConnectionError {
		t.Fatalf("expected error state")
	}
}

func TestReconnectLeavesExactlyOneSession(t *testing.T) {
	t.Parallel()

	d, srv := newRelay(t)
	s, _ := newSupervisor(t, Config{}, nil)

	for i := 0; i < 3; i++ {
		if err := s.Connect(context.Background(), srv.URL); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	eventually(t, "one live session", func() bool { return len(d.Sessions()) == 1 })
	if s.ConnectionState() != domain.ConnectionConnected {
		t.Fatalf("expected connected")
	}
}

func TestConcurrentConnectsLeaveOneSession(t *testing.T) {
	t.Parallel()

	d, srv := newRelay(t)
	s, _ := newSupervisor(t, Config{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Connect(context.Background(), srv.URL)
		}()
	}
	wg.Wait()

	eventually(t, "one live session", func() bool { return len(d.Sessions()) == 1 })
	if s.ConnectionState() != domain.ConnectionConnected {
		t.Fatalf("expected connected, got %s", s.ConnectionState())
	}
}

func TestRemoteCloseDisconnects(t *testing.T) {
	t.Parallel()

	d, srv := newRelay(t)
	s, _ := newSupervisor(t, Config{}, nil)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	eventually(t, "disconnected", func() bool { return s.ConnectionState() == domain.ConnectionDisconnected })
	if err := s.SendUnit(context.Background(), protocol.NewAudioUnit([]byte{1}, "", time.Now())); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	t.Parallel()

	d, srv := newRelay(t)
	s, _ := newSupervisor(t, Config{}, nil)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}
	eventually(t, "registered", func() bool { return len(d.Sessions()) == 1 })

	s.Disconnect()
	if s.ConnectionState() != domain.ConnectionDisconnected {
		t.Fatalf("expected disconnected")
	}
	eventually(t, "released", func() bool { return len(d.Sessions()) == 0 })
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	s, _ := newSupervisor(t, Config{}, nil)
	err := s.SendUnit(context.Background(), protocol.NewAudioUnit([]byte{1}, "", time.Now()))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRelayErrorsAreReported(t *testing.T) {
	t.Parallel()

	_, srv := newRelay(t)
	s, l := newSupervisor(t, Config{}, nil)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SendUnit(context.Background(), protocol.NewAudioUnit([]byte{1}, "audio/x-unknown", time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}

	eventually(t, "error reported", func() bool {
		_, _, errs := l.counts()
		return errs == 1
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errs[0].Kind != domain.KindSendFailure {
		t.Fatalf("unexpected kind: %s", l.errs[0].Kind)
	}
}

// flakyServer closes the first session right after accepting it.
func flakyServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := transport.Accept(w, r, transport.Options{})
		if err != nil {
			return
		}
		if accepted.Add(1) == 1 {
			sess.On(protocol.EventConnect, func(protocol.Event) { sess.Close() })
		}
		_ = sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv, &accepted
}

func TestReconnectAfterRemoteClose(t *testing.T) {
	t.Parallel()

	srv, accepted := flakyServer(t)
	s, _ := newSupervisor(t, Config{Reconnect: true, InitialBackoff: 10 * time.Millisecond}, nil)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}

	eventually(t, "second session", func() bool { return accepted.Load() == 2 })
	eventually(t, "reconnected", func() bool { return s.ConnectionState() == domain.ConnectionConnected })
}

func TestNoReconnectByDefault(t *testing.T) {
	t.Parallel()

	srv, accepted := flakyServer(t)
	s, _ := newSupervisor(t, Config{InitialBackoff: 10 * time.Millisecond}, nil)
	if err := s.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("connect: %v", err)
	}

	eventually(t, "disconnected", func() bool { return s.ConnectionState() == domain.ConnectionDisconnected })
	time.Sleep(100 * time.Millisecond)
	if accepted.Load() != 1 {
		t.Fatalf("reconnected without opting in")
	}
}
