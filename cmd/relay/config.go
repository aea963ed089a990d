package main

import (
	"time"

	"github.com/hubenschmidt/audio-relay/internal/env"
	"github.com/hubenschmidt/audio-relay/internal/transport"
)

type config struct {
	port             string
	path             string
	maxConcurrent    int
	maxUnitBytes     int64
	pingInterval     time.Duration
	shutdownTimeout  time.Duration
	traceDatabaseURL string
	logFormat        string
	logLevel         string
}

func loadConfig() config {
	return config{
		port:             env.Str("RELAY_PORT", "3000"),
		path:             env.Str("RELAY_PATH", transport.DefaultPath),
		maxConcurrent:    env.Int("MAX_CONCURRENT_SESSIONS", 100),
		maxUnitBytes:     int64(env.Int("MAX_UNIT_BYTES", 10<<20)),
		pingInterval:     env.Duration("RELAY_PING_INTERVAL", 25*time.Second),
		shutdownTimeout:  env.Duration("RELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		traceDatabaseURL: env.Str("TRACE_DATABASE_URL", ""),
		logFormat:        env.Str("LOG_FORMAT", "json"),
		logLevel:         env.Str("LOG_LEVEL", "info"),
	}
}
