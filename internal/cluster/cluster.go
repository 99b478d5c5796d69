// Package cluster opens the shared directory and broker a gateway instance
// coordinates through, as selected by backend.kind.
package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/wsgate/internal/broker"
	"github.com/rickgao/wsgate/internal/config"
	"github.com/rickgao/wsgate/internal/database"
	"github.com/rickgao/wsgate/internal/directory"
)

// Backend is an opened directory and broker pair.
type Backend struct {
	Kind      string
	Directory directory.Directory
	Sweeper   directory.Sweeper
	Broker    broker.Broker

	clients *database.Clients
}

// Open connects to the configured backend. The memory backend is process
// local and only useful for a single instance or tests.
func Open(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clients, err := database.NewClients(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := &Backend{Kind: cfg.Backend.Kind, clients: clients}
	ttl := cfg.Directory.EntryTTL

	switch cfg.Backend.Kind {
	case config.BackendRedis:
		dir := directory.NewRedis(clients.Redis, ttl, logger)
		b.Directory, b.Sweeper = dir, dir
		b.Broker = broker.NewRedis(clients.Redis, logger)

	case config.BackendPostgres:
		dir := directory.NewPostgres(clients.Postgres, cfg.Directory.Table, ttl, logger)
		if err := dir.EnsureSchema(ctx); err != nil {
			clients.Close()
			return nil, fmt.Errorf("prepare directory table: %w", err)
		}
		b.Directory, b.Sweeper = dir, dir
		b.Broker = broker.NewPostgres(clients.Postgres, broker.PoolAcquirer(clients.Postgres), logger)

	case config.BackendMemory:
		dir := directory.NewMemory(ttl)
		b.Directory, b.Sweeper = dir, dir
		b.Broker = broker.NewHub()

	default:
		clients.Close()
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend.Kind)
	}

	logger.Info("backend opened", "kind", cfg.Backend.Kind)
	return b, nil
}

// Close releases the backend connections.
func (b *Backend) Close() {
	b.clients.Close()
}
