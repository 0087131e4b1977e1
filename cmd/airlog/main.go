// Command airlog is the walkie-talkie log client: it binds the Opus audio
// pipeline to a partitioned append-only log and exposes the client surface a
// frontend consumes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/airlog-audio/airlog/internal/app"
	"github.com/airlog-audio/airlog/internal/config"
	"github.com/airlog-audio/airlog/internal/health"
	"github.com/airlog-audio/airlog/internal/observe"
	"github.com/airlog-audio/airlog/pkg/audio"
	audiomock "github.com/airlog-audio/airlog/pkg/audio/mock"
	"github.com/airlog-audio/airlog/pkg/audio/opus"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "airlog: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "airlog: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can adjust it live.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("airlog starting",
		"config", *configPath,
		"user", cfg.User.ID,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "airlog",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithAudioCapability(headlessOpener(), opus.Factory()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		d := application.ApplyConfig(ctx, next)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run group ─────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	if cfg.Server.MetricsAddr != "" {
		srv := metricsServer(cfg)
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(closeCtx)
		})
	}

	slog.Info("client ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Metrics / health server ───────────────────────────────────────────────────

// metricsServer serves /metrics (Prometheus scrape), /healthz, and /readyz.
// Readiness means a broker endpoint accepts connections.
func metricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	endpoints := cfg.Broker.Endpoints
	health.New(health.Checker{
		Name: "broker",
		Check: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", endpoints[0])
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}).Register(mux)

	handler := observe.Middleware(observe.DefaultMetrics())(mux)
	return &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Audio devices ─────────────────────────────────────────────────────────────

// headlessOpener returns the in-memory device layer. Real microphone and
// speaker access belongs to the frontend build, which injects its own
// [audio.DeviceOpener]; the bare binary runs the client core against the
// broker without touching hardware.
func headlessOpener() audio.DeviceOpener {
	return &audiomock.Opener{Input: &audiomock.InputDevice{BlockForever: true}}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	tlsState := "plaintext"
	if cfg.Broker.TLS != nil {
		tlsState = "mTLS"
	}
	metricsAddr := cfg.Server.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = "(disabled)"
	}
	window := fmt.Sprintf("%dh", cfg.Timeline.WindowHours)
	if cfg.Timeline.WindowHours == 0 {
		window = "48h"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          airlog — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printSummaryRow("User", cfg.User.ID)
	printSummaryRow("Brokers", fmt.Sprintf("%d (%s)", len(cfg.Broker.Endpoints), tlsState))
	printSummaryRow("Channels", fmt.Sprintf("%d", len(cfg.Channels)))
	printSummaryRow("Timeline window", window)
	printSummaryRow("Metrics addr", metricsAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printSummaryRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
