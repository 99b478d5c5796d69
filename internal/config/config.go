package config

import "time"

// Backend kinds for the directory and broker.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// GatewayConfig is the root configuration for a gateway instance.
type GatewayConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Registry  RegistryConfig  `yaml:"registry"`
	Backend   BackendConfig   `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Directory DirectoryConfig `yaml:"directory"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// InstanceConfig identifies this gateway process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds websocket listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HeartbeatConfig holds connection liveness settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RegistryConfig holds identity issuance settings.
//
// Connection ids must be unique across every instance sharing a directory.
// With N instances, give instance k id_start k and id_step N.
type RegistryConfig struct {
	IDStart     uint64        `yaml:"id_start"`
	IDStep      uint64        `yaml:"id_step"`
	ResumeGrace time.Duration `yaml:"resume_grace"`
}

// BackendConfig selects the shared directory and broker implementation.
type BackendConfig struct {
	Kind string `yaml:"kind"` // redis, postgres or memory
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	URL         string        `yaml:"url"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection used by the postgres backend.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DirectoryConfig holds directory entry settings.
type DirectoryConfig struct {
	Table     string        `yaml:"table"` // postgres only
	EntryTTL  time.Duration `yaml:"entry_ttl"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// WorkerConfig holds command worker settings.
type WorkerConfig struct {
	RestartBaseDelay time.Duration `yaml:"restart_base_delay"`
	RestartMaxDelay  time.Duration `yaml:"restart_max_delay"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
}

// LoggingConfig holds log handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig holds the ops server settings (health, stats, Prometheus).
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
