package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Str returns the value of the environment variable key, or fallback if unset/empty.
func Str(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

// Int parses key as an integer, returning fallback when unset or malformed.
func Int(key string, fallback int) int {
	val := Str(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

// Duration accepts Go duration syntax ("250ms", "5s") or a bare integer of milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val := Str(key, "")
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func Bool(key string, fallback bool) bool {
	switch strings.ToLower(Str(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
