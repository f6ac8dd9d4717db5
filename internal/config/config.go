package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Engine contains run execution settings.
type Engine struct {
	TaskTimeout         int    `toml:"task_timeout"`
	LeaseDuration       int    `toml:"lease_duration"`
	MaxParallelBranches int    `toml:"max_parallel_branches"`
	ResumeConcurrency   int    `toml:"resume_concurrency"`
	StepLogDir          string `toml:"step_log_dir"`
}

// Store selects and configures the run store backend.
type Store struct {
	Backend     string `toml:"backend"` // memory, file, sqlite, postgres, redis
	Path        string `toml:"path"`    // file directory or sqlite database
	DSN         string `toml:"dsn"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	RedisPrefix string `toml:"redis_prefix"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`
}

// Notifications configures where run outcomes are announced.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RedisChannel   string `toml:"redis_channel"`
	Log            bool   `toml:"log"`
}

// Pipeline configures the video ingest pipeline and its clients.
type Pipeline struct {
	ObjectRoot        string `toml:"object_root"`
	DestBucket        string `toml:"dest_bucket"`
	ArchiveSource     bool   `toml:"archive_source"`
	Async             bool   `toml:"async"`
	JoinTimeout       int    `toml:"join_timeout"`
	FFprobeBinary     string `toml:"ffprobe_binary"`
	FFmpegBinary      string `toml:"ffmpeg_binary"`
	EncodeConcurrency int    `toml:"encode_concurrency"`
	Records           string `toml:"records"` // memory or redis
	QueueStream       string `toml:"queue_stream"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// Config encapsulates all configuration values for stateflow.
//
// Configuration sections by subsystem:
//   - Engine: step timeouts, leases and resume concurrency
//   - Store: run and join persistence backend
//   - Logging: log format and level
//   - Notifications: ntfy, Redis pub/sub and log sinks
//   - Pipeline: object storage, media tools and async encoding
//   - Metrics: Prometheus exposition
type Config struct {
	Engine        Engine        `toml:"engine"`
	Store         Store         `toml:"store"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Metrics       Metrics       `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path of the default config file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/stateflow/config.toml")
}

// SampleConfig returns a commented configuration file with the defaults.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses and validates a configuration file. A missing file
// yields the defaults. It returns the resolved path and whether it existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("stateflow.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the configured backends write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Pipeline.ObjectRoot}
	switch c.Store.Backend {
	case BackendFile:
		dirs = append(dirs, c.Store.Path)
	case BackendSQLite:
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Engine.StepLogDir != "" {
		dirs = append(dirs, c.Engine.StepLogDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// TaskTimeout returns the default per-step timeout.
func (c *Config) TaskTimeout() time.Duration {
	return seconds(c.Engine.TaskTimeout)
}

// LeaseDuration returns the run lease duration.
func (c *Config) LeaseDuration() time.Duration {
	return seconds(c.Engine.LeaseDuration)
}

// JoinTimeout returns how long an encode join waits for all renditions.
func (c *Config) JoinTimeout() time.Duration {
	return seconds(c.Pipeline.JoinTimeout)
}

// NotificationTimeout returns the ntfy request timeout.
func (c *Config) NotificationTimeout() time.Duration {
	return seconds(c.Notifications.RequestTimeout)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath resolves a leading ~ and returns an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// CreateSample writes the sample configuration to path.
func CreateSample(path string) error {
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}
