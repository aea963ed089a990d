package main

import (
	"encoding/json"
	"sync"

	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/relay"
)

// statsHub fans relay events out to SSE subscribers.
type statsHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

func newStatsHub() *statsHub {
	return &statsHub{subs: map[chan []byte]struct{}{}}
}

func (h *statsHub) subscribe() chan []byte {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *statsHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// publish is the relay's OnEvent hook. Slow subscribers miss events rather
// than stall a session goroutine.
func (h *statsHub) publish(ev relay.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.L("stats").Error("marshal relay event", "error", err)
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *statsHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
