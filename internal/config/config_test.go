package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, path, resolved)
	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.True(t, filepath.IsAbs(cfg.Store.Path))
	require.Equal(t, time.Hour, cfg.TaskTimeout())
	require.Equal(t, 6*time.Hour, cfg.JoinTimeout())
	require.False(t, cfg.UsesRedis())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[engine]
task_timeout = 60

[store]
backend = " Redis "
redis_addr = "cache:6379"

[logging]
format = "JSON"
level = "debug"

[pipeline]
object_root = "~/media"
async = true
join_timeout = 120
records = "redis"
`)
	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, BackendRedis, cfg.Store.Backend)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, time.Minute, cfg.TaskTimeout())
	require.Equal(t, 2*time.Minute, cfg.JoinTimeout())
	require.True(t, cfg.Pipeline.Async)
	require.True(t, cfg.UsesRedis())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "media"), cfg.Pipeline.ObjectRoot)
	// Unset sections keep their defaults.
	require.Equal(t, 2, cfg.Pipeline.EncodeConcurrency)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "[store]\nbackend = \"mongo\"\n",
		"postgres dsn":    "[store]\nbackend = \"postgres\"\n",
		"log format":      "[logging]\nformat = \"xml\"\n",
		"log level":       "[logging]\nlevel = \"loud\"\n",
		"lease":           "[engine]\nlease_duration = 0\n",
		"concurrency":     "[pipeline]\nencode_concurrency = 0\n",
		"records":         "[pipeline]\nrecords = \"dynamo\"\n",
		"metrics listen":  "[metrics]\nenabled = true\nlisten = \"\"\n",
		"unknown field":   "[engine]\nworkers = 3\n",
		"bad toml":        "[engine\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, toml.Unmarshal([]byte(SampleConfig()), &cfg))
	require.NoError(t, cfg.normalize())

	want := Default()
	require.NoError(t, want.normalize())
	require.Equal(t, want, cfg)
	require.True(t, strings.HasPrefix(SampleConfig(), "# stateflow"))
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Store.Backend = BackendFile
	cfg.Store.Path = filepath.Join(root, "runs")
	cfg.Pipeline.ObjectRoot = filepath.Join(root, "objects")
	cfg.Engine.StepLogDir = filepath.Join(root, "steps")
	require.NoError(t, cfg.EnsureDirectories())
	for _, dir := range []string{"runs", "objects", "steps"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestCreateSampleLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, CreateSample(path))
	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, path, resolved)
	require.Equal(t, "console", cfg.Logging.Format)
}
