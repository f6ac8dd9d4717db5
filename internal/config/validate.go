package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.TaskTimeout < 0 {
		return errors.New("engine.task_timeout must not be negative")
	}
	if c.Engine.LeaseDuration <= 0 {
		return errors.New("engine.lease_duration must be positive")
	}
	if c.Engine.MaxParallelBranches < 0 {
		return errors.New("engine.max_parallel_branches must not be negative")
	}
	if c.Engine.ResumeConcurrency <= 0 {
		return errors.New("engine.resume_concurrency must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the %s backend", c.Store.Backend)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn must be set for the postgres backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return errors.New("store.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, file, sqlite, postgres, redis", c.Store.Backend)
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == BackendRedis ||
		c.Notifications.RedisChannel != "" ||
		c.Pipeline.Records == BackendRedis ||
		c.Pipeline.QueueStream != ""
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.ObjectRoot == "" {
		return errors.New("pipeline.object_root must be set")
	}
	if c.Pipeline.JoinTimeout < 0 {
		return errors.New("pipeline.join_timeout must not be negative")
	}
	if c.Pipeline.EncodeConcurrency <= 0 {
		return errors.New("pipeline.encode_concurrency must be positive")
	}
	switch c.Pipeline.Records {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("pipeline.records %q must be memory or redis", c.Pipeline.Records)
	}
	if c.UsesRedis() && strings.TrimSpace(c.Store.RedisAddr) == "" {
		return errors.New("store.redis_addr must be set when a redis component is enabled")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return errors.New("metrics.listen must be set when metrics.enabled is true")
	}
	return nil
}
