package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/capture"
	"github.com/hubenschmidt/audio-relay/internal/supervisor"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Timing values outside their safe range are clamped and reported.
func (c *Config) Validate() []error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	switch {
	case c.Endpoint == "":
		errs = append(errs, fmt.Errorf("endpoint is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("endpoint %q is not a valid URL: %w", c.Endpoint, err))
	case !validSchemes[u.Scheme]:
		errs = append(errs, fmt.Errorf("endpoint scheme must be http, https, ws or wss, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("endpoint %q has no host", c.Endpoint))
	}

	if !audio.Supported(c.MIMEType) {
		errs = append(errs, fmt.Errorf("mime_type %q is not supported, using %s", c.MIMEType, audio.DefaultMIME))
		c.MIMEType = string(audio.DefaultMIME)
	}

	errs = clamp(errs, "chunk_interval", &c.ChunkInterval, 10*time.Millisecond, 5*time.Second)
	errs = clamp(errs, "settle_delay", &c.SettleDelay, 0, 5*time.Second)
	errs = clamp(errs, "drain_timeout", &c.DrainTimeout, 10*time.Millisecond, 5*time.Second)
	errs = clamp(errs, "connect_timeout", &c.ConnectTimeout, 100*time.Millisecond, time.Minute)
	if c.PingInterval != 0 {
		errs = clamp(errs, "ping_interval", &c.PingInterval, time.Second, 10*time.Minute)
	}

	if c.DrainTimeout < c.ChunkInterval {
		errs = append(errs, fmt.Errorf("drain_timeout %s is shorter than chunk_interval %s, raising", c.DrainTimeout, c.ChunkInterval))
		c.DrainTimeout = 2 * c.ChunkInterval
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

func clamp(errs []error, key string, d *time.Duration, lo, hi time.Duration) []error {
	switch {
	case *d < lo:
		errs = append(errs, fmt.Errorf("%s %s is below minimum %s, clamping", key, *d, lo))
		*d = lo
	case *d > hi:
		errs = append(errs, fmt.Errorf("%s %s exceeds maximum %s, clamping", key, *d, hi))
		*d = hi
	}
	return errs
}

// CaptureConfig maps the relevant settings onto the capture controller.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		MIME:          audio.Normalize(c.MIMEType),
		ChunkInterval: c.ChunkInterval,
		SettleDelay:   c.SettleDelay,
		DrainTimeout:  c.DrainTimeout,
	}
}

func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		ConnectTimeout: c.ConnectTimeout,
		Reconnect:      c.Reconnect,
		PingInterval:   c.PingInterval,
	}
}
