package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rickgao/wsgate/internal/broker"
)

// Validate checks that all required fields are set and values are valid.
func (c *GatewayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := validatePort("server.port", c.Server.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}

	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%v) must exceed heartbeat.interval (%v)", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}

	if c.Registry.IDStep < 1 {
		return errors.New("registry.id_step must be >= 1")
	}
	if c.Registry.IDStep > 1 && c.Registry.IDStart >= c.Registry.IDStep {
		return fmt.Errorf("registry.id_start (%d) must be less than registry.id_step (%d)", c.Registry.IDStart, c.Registry.IDStep)
	}
	if c.Registry.ResumeGrace < 0 {
		return errors.New("registry.resume_grace cannot be negative")
	}

	switch c.Backend.Kind {
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required")
		}
		if c.Redis.PoolSize < 1 {
			return errors.New("redis.pool_size must be >= 1")
		}
	case BackendPostgres:
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if channel := broker.Channel(c.Instance.ID); len(channel) > broker.MaxChannelLength {
			return fmt.Errorf("instance.id too long for the postgres backend: channel %q exceeds %d bytes", channel, broker.MaxChannelLength)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backend.kind must be one of redis, postgres, memory, got %q", c.Backend.Kind)
	}

	if c.Directory.EntryTTL <= c.Heartbeat.Interval {
		return fmt.Errorf("directory.entry_ttl (%v) must exceed heartbeat.interval (%v)", c.Directory.EntryTTL, c.Heartbeat.Interval)
	}
	if c.Directory.OpTimeout <= 0 {
		return errors.New("directory.op_timeout must be > 0")
	}

	if c.Worker.RestartBaseDelay <= 0 {
		return errors.New("worker.restart_base_delay must be > 0")
	}
	if c.Worker.RestartMaxDelay < c.Worker.RestartBaseDelay {
		return fmt.Errorf("worker.restart_max_delay (%v) cannot be less than restart_base_delay (%v)", c.Worker.RestartMaxDelay, c.Worker.RestartBaseDelay)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
		return err
	}
	if c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics.port cannot equal server.port (%d)", c.Server.Port)
	}

	return nil
}

// Warnings reports settings that validate but are likely mistakes.
func (c *GatewayConfig) Warnings() []string {
	var warnings []string
	if c.Backend.Kind != BackendMemory && c.Registry.IDStep == 1 {
		warnings = append(warnings, fmt.Sprintf(
			"registry.id_step is 1 on the shared %s backend: every instance issues the same ids unless each has its own id_start/id_step",
			c.Backend.Kind))
	}
	return warnings
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", l.Level)
	}
	return level, nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
