package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rickgao/wsgate/internal/config"
)

// pingTimeout bounds the startup ping of each backend.
const pingTimeout = 5 * time.Second

// Clients holds the backend connections for a gateway.
type Clients struct {
	// Postgres is set for the postgres backend.
	Postgres *pgxpool.Pool

	// Redis is set for the redis backend.
	Redis *redis.Client
}

// NewClients opens the connections the configured backend needs.
// The memory backend needs none and returns empty Clients.
func NewClients(ctx context.Context, cfg *config.GatewayConfig) (*Clients, error) {
	c := &Clients{}

	switch cfg.Backend.Kind {
	case config.BackendPostgres:
		pg, err := Connect(ctx, cfg.Database.Postgres, "wsgate "+cfg.Instance.ID)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.Postgres = pg
	case config.BackendRedis:
		rc, err := ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.Redis = rc
	}

	return c, nil
}

// Connect creates a connection pool and checks it can reach the server.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, appName)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Close closes every open connection.
func (c *Clients) Close() {
	if c.Postgres != nil {
		c.Postgres.Close()
	}
	if c.Redis != nil {
		c.Redis.Close()
	}
}

// Ping verifies every open connection is healthy.
func (c *Clients) Ping(ctx context.Context) error {
	if c.Postgres != nil {
		if err := c.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}
