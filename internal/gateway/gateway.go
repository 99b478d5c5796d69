package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/wsgate/internal/directory"
	"github.com/rickgao/wsgate/internal/metrics"
	"github.com/rickgao/wsgate/internal/registry"
	"github.com/rickgao/wsgate/internal/room"
	"github.com/rickgao/wsgate/internal/session"
	"github.com/rickgao/wsgate/internal/version"
	"github.com/rickgao/wsgate/internal/worker"
)

// Config holds gateway settings.
type Config struct {
	Instance string

	// Websocket listener
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration

	// Session liveness
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Validator         session.TokenValidator

	// Ops surface
	MetricsPath   string
	HealthTimeout time.Duration
}

// Gateway accepts websocket clients and serves the ops endpoints.
type Gateway struct {
	cfg      Config
	registry registry.Registry
	worker   worker.Worker
	dir      directory.Directory
	rooms    *room.Table
	metrics  *metrics.Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader

	// Sessions run on this context so Shutdown can close them all.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
	active   atomic.Int64
	accepted atomic.Int64
}

// New creates a gateway. rooms and m may be nil.
func New(cfg Config, reg registry.Registry, w worker.Worker, dir directory.Directory, rooms *room.Table, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}

	if m != nil {
		m.RegisterDepth("registry_mailbox_depth", "Requests queued for the registry", func() float64 {
			return float64(reg.Stats().Mailbox.Count)
		})
		m.RegisterDepth("worker_mailbox_depth", "Events queued for the command worker", func() float64 {
			return float64(w.Stats().Mailbox.Count)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:      cfg,
		registry: reg,
		worker:   w,
		dir:      dir,
		rooms:    rooms,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the client-facing handler: the websocket endpoint at the
// configured path, wrapped in request logging.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, g.ServeWS)
	return logRequests(g.logger, mux)
}

// ServeWS upgrades the request and runs a session until it ends.
// The token query parameter, if present, is presented to the registry.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if g.isDraining() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !g.track() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer g.sessions.Done()
	g.active.Add(1)
	defer g.active.Add(-1)
	g.accepted.Add(1)

	s := session.New(session.Config{
		HeartbeatInterval: g.cfg.HeartbeatInterval,
		HeartbeatTimeout:  g.cfg.HeartbeatTimeout,
		Validator:         g.cfg.Validator,
	}, session.NewWebsocketTransport(conn, g.cfg.WriteTimeout), g.registry, g.worker, g.metrics, g.logger)

	err = s.Run(g.ctx, token)
	ident := s.Identity()

	switch {
	case err == nil:
		g.logger.Debug("session ended", "conn_id", ident.ID, "remote", r.RemoteAddr)
	case errors.Is(err, session.ErrHeartbeatTimeout):
		g.logger.Info("session timed out", "conn_id", ident.ID, "remote", r.RemoteAddr)
	case errors.Is(err, session.ErrAuthenticationFailed):
		g.logger.Warn("session rejected", "remote", r.RemoteAddr, "error", err)
	default:
		g.logger.Debug("session ended", "conn_id", ident.ID, "remote", r.RemoteAddr, "error", err)
	}
}

// Shutdown stops accepting sessions, closes the live ones and waits for
// their teardown to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("all sessions closed", "served", g.accepted.Load())
		return nil
	case <-ctx.Done():
		g.logger.Warn("session shutdown timed out", "active", g.active.Load())
		return ctx.Err()
	}
}

// track adds a session unless the gateway is draining.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.sessions.Add(1)
	return true
}

func (g *Gateway) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// Stats contains runtime statistics.
type Stats struct {
	Instance      string                  `json:"instance"`
	Build         version.Info            `json:"build"`
	ActiveConns   int64                   `json:"active_connections"`
	AcceptedConns int64                   `json:"accepted_connections"`
	Registry      registry.Stats          `json:"registry"`
	Worker        worker.Stats            `json:"worker"`
	Rooms         map[room.Tag]room.Stats `json:"rooms,omitempty"`
}

// Stats returns a snapshot across the gateway's components.
func (g *Gateway) Stats() Stats {
	st := Stats{
		Instance:      g.cfg.Instance,
		Build:         version.Get(),
		ActiveConns:   g.active.Load(),
		AcceptedConns: g.accepted.Load(),
		Registry:      g.registry.Stats(),
		Worker:        g.worker.Stats(),
	}
	if g.rooms != nil {
		st.Rooms = g.rooms.Stats()
	}
	return st
}

// OpsHandler returns the operator handler: /health, /debug/stats and the
// Prometheus endpoint.
func (g *Gateway) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/debug/stats", g.handleStats)
	mux.Handle(g.cfg.MetricsPath, g.metrics.Handler())
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.HealthTimeout)
	defer cancel()

	health := struct {
		Status     string         `json:"status"`
		Instance   string         `json:"instance"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Instance:   g.cfg.Instance,
		Components: make(map[string]any),
	}

	// Check directory
	if err := g.dir.Ping(ctx); err != nil {
		health.Status = "unhealthy"
		health.Components["directory"] = map[string]string{
			"status": "disconnected",
			"error":  err.Error(),
		}
	} else {
		health.Components["directory"] = "connected"
	}

	// Check worker
	ws := g.worker.Stats()
	health.Components["worker"] = map[string]any{
		"running":    ws.Running,
		"registered": ws.Registered,
		"restarts":   ws.Restarts,
		"queued":     ws.Mailbox.Count,
	}
	if !ws.Running && health.Status == "healthy" {
		health.Status = "degraded"
	}

	health.Components["registry"] = map[string]any{
		"sessions": g.registry.Stats().Sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.Stats())
}
