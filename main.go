// Command spacetap is the main entrypoint for the Space recording service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and seeds defaults.
//   - Starts the in-process message hub, the coordinator, and the page
//     observer that detects and records live Space broadcasts.
//   - Exposes an HTTP server with the panel event stream, options, /healthz,
//     /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loudwire/spacetap/capture"
	"github.com/loudwire/spacetap/completion"
	"github.com/loudwire/spacetap/config"
	"github.com/loudwire/spacetap/coordinator"
	"github.com/loudwire/spacetap/db"
	"github.com/loudwire/spacetap/detector"
	"github.com/loudwire/spacetap/link"
	"github.com/loudwire/spacetap/observer"
	"github.com/loudwire/spacetap/relay"
	"github.com/loudwire/spacetap/server"
	"github.com/loudwire/spacetap/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("spacetap", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	if err := db.SeedDefaults(context.Background(), database); err != nil {
		slog.Error("failed to seed defaults", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// In-process message hub between the observer, coordinator, and panel
	hub := link.NewHub()
	defer hub.Close()

	relayClient := &relay.Client{BaseURL: cfg.RelayBaseURL}
	aiClient := &completion.Client{BaseURL: cfg.AIBaseURL}
	store := &db.Store{DB: database}

	coord := coordinator.New(store, relayClient, aiClient, slog.Default())
	coord.Bind(hub)

	// Page observer: detect live broadcasts on the watched page and record
	// them through ffmpeg.
	if cfg.WatchURL != "" {
		src := &detector.HTTPSource{URL: cfg.WatchURL}
		dev := &capture.FFmpegDevice{Input: cfg.CaptureInput}
		obs := observer.New(hub, src, dev, observer.Options{
			PollInterval: cfg.WatchPollInterval,
			Reconnect: link.ReconnectPolicy{
				MaxAttempts:  cfg.ReconnectMaxAttempts,
				InitialDelay: cfg.ReconnectInitialDelay,
				HostRecheck:  cfg.HostRecheckInterval,
			},
			Capture: capture.Options{
				Interval:   cfg.ChunkInterval,
				HeaderSize: cfg.HeaderSizeBytes,
				MimeType:   cfg.MimeType,
			},
		})
		go obs.Run(ctx)
	} else {
		slog.Info("no WATCH_URL configured, page observer disabled")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (panel/options/health/status/metrics)
	deps := server.Deps{DB: database, Hub: hub, Coord: coord, Relay: relayClient}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
