package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/logging"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"RELAY_PORT", "RELAY_PATH", "LOG_FORMAT", "MAX_UNIT_BYTES", "RELAY_PING_INTERVAL"} {
		t.Setenv(key, "")
	}
	cfg := loadConfig()
	if cfg.port != "3000" || cfg.path != "/socket" {
		t.Fatalf("unexpected listen config: %+v", cfg)
	}
	if cfg.maxUnitBytes != 10<<20 || cfg.pingInterval != 25*time.Second {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.logFormat != "json" {
		t.Fatalf("logFormat = %q", cfg.logFormat)
	}
}

func TestDefaultLogFormatInitialises(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	cfg := loadConfig()

	var buf bytes.Buffer
	logging.Init(cfg.logFormat, cfg.logLevel, &buf)
	logging.L("relay").Info("relay starting")
	t.Cleanup(func() { logging.Init("text", "info", nil) })

	if !strings.Contains(buf.String(), `"msg":"relay starting"`) {
		t.Fatalf("expected json log line, got: %s", buf.String())
	}
}
