package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/audio-relay/internal/protocol"
)

// DefaultPath is where the relay mounts its WebSocket endpoint.
const DefaultPath = "/socket"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an HTTP request into a server-side Session.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return NewSession(conn, opts), nil
}

// ConnectError reports a failed connection attempt. It is distinct from a
// disconnect, which only follows a session that was established.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Event renders the failure as a local connect_error event.
func (e *ConnectError) Event() protocol.Event {
	return protocol.Event{Name: protocol.EventConnectError, Message: e.Error()}
}

// DialOptions configures a client connection.
type DialOptions struct {
	Options
	// Path overrides the WebSocket path when the endpoint has none.
	Path             string
	HandshakeTimeout time.Duration
}

// Dial connects to endpoint (http, https, ws or wss) and returns an unstarted
// Session. Every failure is a *ConnectError.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (*Session, error) {
	wsURL, err := BuildURL(endpoint, opts.Path)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}
	return NewSession(conn, opts.Options), nil
}

// BuildURL maps an endpoint string onto a WebSocket URL. An endpoint without
// a path gets path, or DefaultPath when path is empty.
func BuildURL(endpoint, path string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", endpoint)
	}

	if u.Path == "" || u.Path == "/" {
		if path == "" {
			path = DefaultPath
		}
		u.Path = path
	}
	return u.String(), nil
}
