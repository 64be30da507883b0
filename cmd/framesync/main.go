// Command framesync runs a frame-clocked audio graph with an HTTP surface for
// health, metrics, status and WebSocket telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/framesync/internal/app"
	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "framesync.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", config.DefaultWatchInterval, "config reload poll interval (0 disables reloading)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "framesync: config file %q not found, copy configs/framesync.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "framesync: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("framesync starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "framesync",
		ServiceVersion: version,
		SetGlobal:      true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Node registry ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetricsHandler(provider.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath,
			func(_, next *config.Config) {
				if err := application.ApplyConfig(next); err != nil {
					slog.Warn("config reload incomplete", "err", err)
				}
			},
			config.WithInterval(*watch),
			config.WithWatcherLogger(logger),
			config.WithErrorHandler(func(err error) {
				slog.Warn("config reload rejected", "err", err)
			}),
		)
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	kinds := make(map[config.NodeKind]int)
	for _, n := range cfg.Nodes {
		kinds[n.Kind]++
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        framesync startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Frame rate      : %-19s ║\n", fmt.Sprintf("%.4f fps", cfg.Clock.Rate()))
	fmt.Printf("║  Buffer slots    : %-19d ║\n", cfg.Buffers.Capacity)
	for _, k := range []config.NodeKind{config.KindNoise, config.KindMixer, config.KindMeter, config.KindOpus} {
		fmt.Printf("║  %-15s : %-19d ║\n", string(k)+" nodes", kinds[k])
	}
	if cfg.Monitor.Enabled {
		fmt.Printf("║  Monitor         : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Monitor         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}
