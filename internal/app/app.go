// Package app wires the frame clock, the node graph and the HTTP surface into
// a running daemon.
//
// New builds every subsystem from configuration, Run starts the clock and the
// graph and serves HTTP until the context ends, and Shutdown tears everything
// down in reverse order. ApplyConfig applies hot-reloadable changes to a
// running App.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/internal/health"
	"github.com/MrWong99/framesync/internal/monitor"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/audio/meter"
	"github.com/MrWong99/framesync/pkg/frameclock"
	"github.com/MrWong99/framesync/pkg/notify"
)

// serverShutdownTimeout bounds the HTTP server drain when Run's context ends.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	// listenAddr is fixed at New; a changed address needs a restart.
	listenAddr string

	logger   *slog.Logger
	levelVar *slog.LevelVar

	clock   *frameclock.Clock
	graph   *Graph
	metrics *observe.Metrics
	hub     *monitor.Hub
	monitor *monitor.Server
	health  *health.Handler

	metricsHandler http.Handler
	handler        http.Handler

	serverMu sync.Mutex
	server   *http.Server
	addr     net.Addr

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLevelVar lets ApplyConfig change the log level of a handler built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithClock injects a clock instead of creating one from config. The App
// takes ownership and closes it on Shutdown.
func WithClock(c *frameclock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, building nodes through reg. cfg must already
// be validated.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		listenAddr: cfg.Server.ListenAddr,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Frame clock ───────────────────────────────────────────────────
	if a.clock == nil {
		a.clock = frameclock.New(
			frameclock.WithFrameRate(cfg.Clock.Rate()),
			frameclock.WithLogger(a.logger),
			frameclock.WithTickHook(func(_ frameclock.FrameInfo, late time.Duration) {
				a.metrics.RecordTick(context.Background(), late.Seconds())
			}),
		)
	}
	a.closers = append(a.closers, a.clock.Close)

	// ── 2. Node graph ────────────────────────────────────────────────────
	env := config.BuildEnv{
		Clock:      a.clock,
		Capacity:   cfg.Buffers.Capacity,
		BlockSize:  blockSize(cfg.Clock, a.clock.FrameRate()),
		SampleRate: cfg.Clock.SampleRate,
		Logger:     a.logger,
	}
	if env.SampleRate <= 0 {
		env.SampleRate = config.DefaultSampleRate
	}
	g, err := BuildGraph(ctx, cfg.Nodes, reg, env)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build graph: %w", err)
	}
	a.graph = g
	a.closers = append(a.closers, g.Close)

	// ── 3. Metric callbacks ──────────────────────────────────────────────
	registration, err := a.metrics.Observe(a.snapshot)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: observe graph: %w", err)
	}
	a.closers = append(a.closers, registration.Unregister)

	// ── 4. Monitor ───────────────────────────────────────────────────────
	if cfg.Monitor.Enabled {
		a.hub = monitor.NewHub(
			monitor.WithQueueSize(cfg.Monitor.QueueSize),
			monitor.WithMetrics(a.metrics),
			monitor.WithLogger(a.logger),
		)
		a.monitor = monitor.NewServer(a.hub, a.graph.Feeder, a.Status, a.metrics)
		a.closers = append(a.closers, func() error {
			a.hub.Close()
			return nil
		}, func() error {
			a.monitor.Close()
			return nil
		})
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.ClockRunning(a.clock),
		health.ClockAdvancing(a.clock),
		health.BuffersActive(a.graph.Buffers),
	)

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.monitor != nil {
		a.monitor.Register(mux)
	} else {
		mux.HandleFunc("GET /status", a.serveStatus)
	}
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
		observe.WithMiddlewareLogger(a.logger),
	)(mux)

	return a, nil
}

// blockSize returns the samples per frame: the configured block size, or the
// sample rate divided by the frame rate.
func blockSize(c config.ClockConfig, fps float64) int {
	if c.BlockSize > 0 {
		return c.BlockSize
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = config.DefaultSampleRate
	}
	if fps <= 0 {
		return config.DefaultBlockSize
	}
	return max(int(math.Round(float64(rate)/fps)), 1)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Clock returns the frame clock.
func (a *App) Clock() *frameclock.Clock { return a.clock }

// Graph returns the node graph.
func (a *App) Graph() *Graph { return a.graph }

// Handler returns the HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address the HTTP server listens on, or nil before Run has
// bound it.
func (a *App) Addr() net.Addr {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the clock and the graph, forwards events to the telemetry hub
// and serves HTTP until ctx is cancelled. It returns ctx's error on a normal
// stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.listenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.serverMu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.serverMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	// Subscriptions are taken before anything starts so no event is missed.
	clockEvents := a.clock.Subscribe(notify.DefaultBuffer)
	g.Go(func() error {
		a.watchClock(ctx, clockEvents)
		return nil
	})
	for _, m := range a.graph.Meters() {
		levels := m.Subscribe(notify.DefaultBuffer)
		g.Go(func() error {
			a.watchLevels(ctx, levels)
			return nil
		})
	}
	if a.hub != nil {
		for _, b := range a.graph.Buffers() {
			writes := b.Subscribe(notify.DefaultBuffer)
			g.Go(func() error {
				monitor.Forward(ctx, a.hub, writes, monitor.FromFrameWritten)
				return nil
			})
		}
	}

	a.clock.Start()
	a.graph.Start(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if a.monitor != nil {
			a.monitor.Close()
		}
		return srv.Shutdown(sctx)
	})

	a.logger.Info("app running",
		"addr", ln.Addr().String(),
		"nodes", len(a.graph.Names()),
		"frame_rate", a.clock.FrameRate(),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) watchClock(ctx context.Context, sub *notify.Subscription[frameclock.Event]) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Type == frameclock.EventReset {
				a.metrics.ClockResets.Add(ctx, 1)
			}
			if a.hub != nil {
				a.hub.Publish(monitor.FromClockEvent(e))
			}
		}
	}
}

func (a *App) watchLevels(ctx context.Context, sub *notify.Subscription[meter.Level]) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case l, ok := <-sub.C():
			if !ok {
				return
			}
			a.metrics.RecordLevel(ctx, l.Node, l.DBFS)
			if a.hub != nil {
				a.hub.Publish(monitor.FromLevel(l))
			}
		}
	}
}

// ─── Status ──────────────────────────────────────────────────────────────────

// ClockStatus is the /status view of the frame clock.
type ClockStatus struct {
	Running       bool    `json:"running"`
	FrameCount    int64   `json:"frame_count"`
	FrameRate     float64 `json:"frame_rate"`
	FrameInterval float64 `json:"frame_interval_ms"`
}

// Status is the JSON document served on /status.
type Status struct {
	Clock   ClockStatus  `json:"clock"`
	Nodes   []NodeStatus `json:"nodes"`
	Clients int          `json:"monitor_clients"`
}

// Status returns a snapshot of the clock and every node.
func (a *App) Status() any {
	s := Status{
		Clock: ClockStatus{
			Running:       a.clock.IsRunning(),
			FrameCount:    a.clock.CurrentFrameCount(),
			FrameRate:     a.clock.FrameRate(),
			FrameInterval: a.clock.FrameInterval(),
		},
		Nodes: a.graph.Status(),
	}
	if a.hub != nil {
		s.Clients = a.hub.Clients()
	}
	return s
}

func (a *App) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		a.logger.Warn("app: encode status", "err", err)
	}
}

func (a *App) snapshot() observe.Snapshot {
	s := a.graph.Snapshot()
	s.FrameCount = a.clock.CurrentFrameCount()
	return s
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between the running
// config and next: log level, mixer matrices, volumes and noise colors.
// Changes that need a restart are logged and skipped. The returned error
// joins every node change that could not be applied.
func (a *App) ApplyConfig(next *config.Config) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	diff := config.Diff(a.cfg, next)
	if diff.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(diff.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.RestartRequired {
		a.logger.Warn("config changes require restart", "reasons", diff.RestartReasons)
	}

	var errs []error
	applied := make(map[string]config.NodeOptions)
	for _, nd := range diff.NodeChanges {
		if !nd.Reloadable() {
			continue
		}
		if err := a.graph.Apply(nd); err != nil {
			errs = append(errs, err)
			continue
		}
		applied[nd.Name] = nd.New.Options
		a.logger.Info("node reconfigured", "node", nd.Name,
			"matrix", nd.MatrixChanged, "volume", nd.VolumeChanged, "color", nd.ColorChanged)
	}

	// Only applied fields move into the running snapshot, so the next diff
	// still reports the rest.
	cur := *a.cfg
	cur.Server.LogLevel = next.Server.LogLevel
	cur.Nodes = slices.Clone(a.cfg.Nodes)
	for i := range cur.Nodes {
		if opts, ok := applied[cur.Nodes[i].Name]; ok {
			cur.Nodes[i].Options = opts
		}
	}
	a.cfg = &cur
	return errors.Join(errs...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		a.serverMu.Lock()
		srv := a.server
		a.serverMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range slices.Backward(a.closers) {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range slices.Backward(a.closers) {
		if err := closer(); err != nil {
			a.logger.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
