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

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wsgate/internal/cluster"
	"github.com/rickgao/wsgate/internal/config"
	"github.com/rickgao/wsgate/internal/gateway"
	"github.com/rickgao/wsgate/internal/metrics"
	"github.com/rickgao/wsgate/internal/protocol"
	"github.com/rickgao/wsgate/internal/registry"
	"github.com/rickgao/wsgate/internal/room"
	"github.com/rickgao/wsgate/internal/version"
	"github.com/rickgao/wsgate/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/gateway.local.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"version", version.String(),
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(cfg *config.GatewayConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	for _, warning := range cfg.Warnings() {
		logger.Warn("configuration warning", "warning", warning)
	}

	// Connect to the shared directory and broker
	backend, err := cluster.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Kind, err)
	}
	defer backend.Close()

	a, err := newApp(cfg, backend, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("websocket server listening", "port", cfg.Server.Port, "path", cfg.Server.Path)
		return listen(a.wsServer)
	})
	g.Go(func() error {
		logger.Info("ops server listening", "port", cfg.Metrics.Port,
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port))
		return listen(a.opsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// app is one wired gateway instance.
type app struct {
	cfg    *config.GatewayConfig
	logger *slog.Logger

	registry registry.Registry
	worker   worker.Worker
	gateway  *gateway.Gateway

	wsServer  *http.Server
	opsServer *http.Server
}

// newApp starts the registry and worker. They are not tied to the signal
// context: only shutdown stops them, after every session has released what
// it registered.
func newApp(cfg *config.GatewayConfig, backend *cluster.Backend, logger *slog.Logger) (*app, error) {
	lifecycle := context.Background()

	m := metrics.New(cfg.Instance.ID)
	rooms := room.NewTable(nil, logger)

	reg := registry.New(registry.Config{
		IDStart:     protocol.ConnID(cfg.Registry.IDStart),
		IDStep:      protocol.ConnID(cfg.Registry.IDStep),
		ResumeGrace: cfg.Registry.ResumeGrace,
	}, rooms, m, logger)
	if err := reg.Start(lifecycle); err != nil {
		return nil, fmt.Errorf("start registry: %w", err)
	}

	w := worker.New(worker.Config{
		Instance:         cfg.Instance.ID,
		RestartBaseDelay: cfg.Worker.RestartBaseDelay,
		RestartMaxDelay:  cfg.Worker.RestartMaxDelay,
		OpTimeout:        cfg.Directory.OpTimeout,
		PublishTimeout:   cfg.Worker.PublishTimeout,
	}, backend.Directory, backend.Broker, m, logger)
	if err := w.Start(lifecycle); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	gw := gateway.New(gateway.Config{
		Instance:          cfg.Instance.ID,
		Path:              cfg.Server.Path,
		ReadBufferSize:    cfg.Server.ReadBufferSize,
		WriteBufferSize:   cfg.Server.WriteBufferSize,
		WriteTimeout:      cfg.Server.WriteTimeout,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		MetricsPath:       cfg.Metrics.Path,
	}, reg, w, backend.Directory, rooms, m, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		worker:   w,
		gateway:  gw,
		wsServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: gw.Handler(),
		},
		opsServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: gw.OpsHandler(),
		},
	}, nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	return nil
}

// shutdown stops the listeners, closes every session, then drains the worker
// and registry. All of it shares one deadline.
func (a *app) shutdown() error {
	a.logger.Info("shutting down...", "timeout", a.cfg.Server.ShutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server, so the
	// gateway closes them itself.
	var errs []error
	if err := a.wsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket server: %w", err))
	}
	if err := a.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := a.worker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if err := a.registry.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := a.opsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ops server: %w", err))
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
