package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/domain"
	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
)

var errNoEcho = errors.New("no echo received")

// console renders controller and supervisor notifications for a terminal.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	outDir string
	saved  atomic.Int64
	echoed atomic.Int64
	echoes chan struct{}
}

func newConsole(out io.Writer, outDir string) *console {
	return &console{out: out, outDir: outDir, echoes: make(chan struct{}, 1)}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) prompt(rec domain.RecordingState, conn domain.ConnectionState) {
	c.printf("[%s] Enter: %s > ", conn, domain.Label(rec))
}

func (c *console) RecordingStateChanged(state domain.RecordingState) {
	c.printf("\nrecording: %s\n", state)
}

func (c *console) ConnectionStateChanged(state domain.ConnectionState) {
	c.printf("\nconnection: %s\n", state)
}

func (c *console) Error(err *domain.Error) {
	c.printf("\nerror: %s\n", err.Message)
}

func (c *console) AudioReceived(unit protocol.AudioUnit) {
	c.printf("\necho received: %d bytes (%s)\n", unit.Size(), unit.MIMEType())
	if c.outDir != "" {
		if path, err := c.save(unit); err != nil {
			logging.L("relayctl").Warn("save echo", logging.KeyError, err)
		} else {
			c.printf("saved %s\n", path)
		}
	}
	c.echoed.Add(1)
	select {
	case c.echoes <- struct{}{}:
	default:
	}
}

func (c *console) save(unit protocol.AudioUnit) (string, error) {
	if err := os.MkdirAll(c.outDir, 0o755); err != nil {
		return "", err
	}
	n := c.saved.Add(1)
	name := fmt.Sprintf("echo-%s-%03d%s", unit.CapturedAt().UTC().Format("20060102T150405"), n, audio.Extension(unit.MIMEType()))
	path := filepath.Join(c.outDir, name)
	return path, os.WriteFile(path, unit.Data(), 0o644)
}

// waitEcho blocks until more than before echoes have been handled.
func (c *console) waitEcho(ctx context.Context, before int64) error {
	for c.echoed.Load() <= before {
		select {
		case <-c.echoes:
		case <-ctx.Done():
			return errNoEcho
		}
	}
	return nil
}
