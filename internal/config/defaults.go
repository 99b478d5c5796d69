package config

import (
	"time"

	"github.com/google/uuid"
)

// Default values for optional configuration fields.
const (
	DefaultServerPort       = 3000
	DefaultServerPath       = "/"
	DefaultReadBufferSize   = 1024
	DefaultWriteBufferSize  = 1024
	DefaultWriteTimeout     = 10 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultHeartbeat        = 5 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultIDStep           = 1
	DefaultBackend          = BackendRedis
	DefaultRedisURL         = "redis://localhost:6379/0"
	DefaultRedisPoolSize    = 10
	DefaultRedisDialTimeout = 5 * time.Second
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultDirectoryTable   = "gateway_directory"
	DefaultEntryTTL         = 30 * time.Second
	DefaultOpTimeout        = 2 * time.Second
	DefaultRestartBaseDelay = 500 * time.Millisecond
	DefaultRestartMaxDelay  = 30 * time.Second
	DefaultPublishTimeout   = 2 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
)

func (c *GatewayConfig) applyDefaults() {
	// Instance defaults
	if c.Instance.ID == "" {
		c.Instance.ID = uuid.NewString()
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultServerPath
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Server.WriteBufferSize == 0 {
		c.Server.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Heartbeat defaults
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeat
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}

	// Registry defaults
	if c.Registry.IDStep == 0 {
		c.Registry.IDStep = DefaultIDStep
	}

	// Backend defaults
	if c.Backend.Kind == "" {
		c.Backend.Kind = DefaultBackend
	}

	// Redis defaults
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = DefaultRedisPoolSize
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = DefaultRedisDialTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Directory defaults
	if c.Directory.Table == "" {
		c.Directory.Table = DefaultDirectoryTable
	}
	if c.Directory.EntryTTL == 0 {
		c.Directory.EntryTTL = DefaultEntryTTL
	}
	if c.Directory.OpTimeout == 0 {
		c.Directory.OpTimeout = DefaultOpTimeout
	}

	// Worker defaults
	if c.Worker.RestartBaseDelay == 0 {
		c.Worker.RestartBaseDelay = DefaultRestartBaseDelay
	}
	if c.Worker.RestartMaxDelay == 0 {
		c.Worker.RestartMaxDelay = DefaultRestartMaxDelay
	}
	if c.Worker.PublishTimeout == 0 {
		c.Worker.PublishTimeout = DefaultPublishTimeout
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
