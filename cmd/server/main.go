// Command server is the SkyMirror server binary. It loads a YAML
// configuration file, watches the configured image file for content changes,
// exposes the key-authenticated REST API for mirror clients, optionally
// records observation history to SQLite or PostgreSQL, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skywatch/skymirror/internal/config"
	"github.com/skywatch/skymirror/internal/history"
	"github.com/skywatch/skymirror/internal/server/rest"
	"github.com/skywatch/skymirror/internal/session"
	"github.com/skywatch/skymirror/internal/tracker"
)

func main() {
	configPath := flag.String("config", "server_config.yaml", "Path to the YAML server configuration file")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("skymirror server starting",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("image_path", cfg.ImagePath),
		slog.Int("api_keys", len(cfg.APIKeys)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── History store ─────────────────────────────────────────────────────────
	store, err := openHistory(ctx, cfg.History, logger)
	if err != nil {
		logger.Error("failed to open history store", slog.Any("error", err))
		os.Exit(1)
	}
	if store != nil {
		defer store.Close(context.Background())
	}

	// ── File tracker ──────────────────────────────────────────────────────────
	track := tracker.New(cfg.ImagePath, cfg.CheckInterval.Std(), logger)
	if err := track.Start(ctx); err != nil {
		logger.Error("failed to start tracker", slog.Any("error", err))
		os.Exit(1)
	}
	defer track.Stop()
	<-track.Ready()

	// Persist content transitions when history is enabled. The consumer
	// drains Events even without a store so the tracker never logs drops.
	go consumeChanges(ctx, track.Events(), store, logger)

	// ── Session guard ─────────────────────────────────────────────────────────
	guard := session.NewGuard(cfg.APIKeys, cfg.SessionTimeout.Std())

	// ── REST API server ───────────────────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.AdminJWTPublicKey != "" {
		pem, err := os.ReadFile(cfg.AdminJWTPublicKey)
		if err != nil {
			logger.Error("failed to read admin JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse admin JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("admin JWT validation enabled")
	} else {
		logger.Warn("admin_jwt_public_key not configured; operator API authentication disabled (dev mode)")
	}

	var hist rest.History
	if store != nil {
		hist = store
	}
	restSrv := rest.NewServer(track, guard, hist, cfg.ImagePath, logger)
	httpHandler := rest.NewRouter(restSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("skymirror server exited cleanly")
}

// openHistory opens the configured history backend, or returns nil when
// history is disabled.
func openHistory(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (history.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := history.NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("history store opened", slog.String("driver", "sqlite"), slog.String("path", cfg.Path))
		return store, nil
	case "postgres":
		store, err := history.NewPostgres(ctx, cfg.DSN, 0, 0)
		if err != nil {
			return nil, err
		}
		logger.Info("history store opened", slog.String("driver", "postgres"))
		return store, nil
	default:
		logger.Warn("no history driver configured; observation history disabled")
		return nil, nil
	}
}

// consumeChanges drains tracker events and persists them when a history
// store is configured. Recording failures are logged, never fatal.
func consumeChanges(ctx context.Context, events <-chan tracker.ChangeEvent, store history.Store, logger *slog.Logger) {
	for ev := range events {
		if store == nil {
			continue
		}
		rec := history.ChangeRecord{
			ObservedAt: ev.ObservedAt,
			Exists:     ev.Exists,
			MD5:        ev.MD5,
			Size:       ev.Size,
		}
		if err := store.RecordChange(ctx, rec); err != nil {
			logger.Warn("failed to record content change", slog.Any("error", err))
		}
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
