// Command mirror is the SkyMirror polling client binary.
// It reads a YAML configuration file, polls the server for image changes,
// and mirrors the image bytes to a local path.
//
// Usage:
//
//	mirror start --config /etc/skymirror/mirror.yaml
//	mirror validate --config /etc/skymirror/mirror.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/skywatch/skymirror/internal/config"
	"github.com/skywatch/skymirror/internal/mirror"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mirror: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mirror <start|validate|version> --config <path>")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "start":
		return cmdStart(rest)
	case "validate":
		return cmdValidate(rest)
	case "version":
		fmt.Println(Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; use start, validate, or version", sub)
	}
}

func cmdStart(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("skymirror client starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("client_id", cfg.ClientID),
		slog.String("output", cfg.OutputPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	metrics := mirror.NewMetrics()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", slog.Any("error", err))
			}
		}()
		defer metricsSrv.Close()
	}

	client := mirror.New(cfg, logger, mirror.WithMetrics(metrics))
	if err := client.Run(ctx); err != nil {
		return err
	}

	logger.Info("skymirror client exited cleanly")
	return nil
}

func cmdValidate(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK: server %s, poll every %s\n",
		cfg.ServerURL, cfg.PollInterval.Std())
	return nil
}

// parseFlags parses the --config flag from args and loads the configuration.
func parseFlags(args []string) (*config.MirrorConfig, error) {
	fs := flag.NewFlagSet("mirror", flag.ContinueOnError)
	configPath := fs.String("config", "mirror_config.yaml", "Path to the YAML client configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.LoadMirror(*configPath)
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
