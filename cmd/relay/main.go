package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hubenschmidt/audio-relay/internal/logging"
	"github.com/hubenschmidt/audio-relay/internal/relay"
	"github.com/hubenschmidt/audio-relay/internal/trace"
)

func main() {
	cfg := loadConfig()
	logging.Init(cfg.logFormat, cfg.logLevel, os.Stdout)

	var store *trace.Store
	if cfg.traceDatabaseURL != "" {
		s, err := trace.Open(cfg.traceDatabaseURL)
		if err != nil {
			slog.Error("trace store unavailable, tracing disabled", "error", err)
		} else {
			store = s
			defer store.Close()
			slog.Info("tracing enabled")
		}
	}

	stats := newStatsHub()

	relayCfg := relay.Config{
		MaxConcurrent: cfg.maxConcurrent,
		MaxUnitBytes:  cfg.maxUnitBytes,
		PingInterval:  cfg.pingInterval,
		OnEvent:       stats.publish,
	}
	if store != nil {
		relayCfg.Store = store
	}
	dispatcher := relay.NewDispatcher(relayCfg)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		path:       cfg.path,
		dispatcher: dispatcher,
		stats:      stats,
		traceStore: store,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		// Hijacked websocket conns are not tracked by the http server.
		if err := dispatcher.Shutdown(ctx); err != nil {
			slog.Warn("relay shutdown", "error", err)
		}
		stats.close()
		srv.Shutdown(ctx)
	}()

	slog.Info("relay starting", "addr", addr, "path", cfg.path, "max_concurrent", cfg.maxConcurrent)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("relay stopped")
}
