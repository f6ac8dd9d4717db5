package config

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

const (
	defaultDataDir    = "~/.local/share/stateflow"
	defaultRedisAddr  = "localhost:6379"
	defaultListenAddr = "127.0.0.1:9464"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Engine: Engine{
			TaskTimeout:       3600,
			LeaseDuration:     300,
			ResumeConcurrency: 4,
		},
		Store: Store{
			Backend:     BackendSQLite,
			Path:        defaultDataDir + "/stateflow.db",
			RedisAddr:   defaultRedisAddr,
			RedisPrefix: "stateflow:",
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Log:            true,
		},
		Pipeline: Pipeline{
			ObjectRoot:        defaultDataDir + "/objects",
			ArchiveSource:     true,
			JoinTimeout:       6 * 3600,
			FFprobeBinary:     "ffprobe",
			FFmpegBinary:      "ffmpeg",
			EncodeConcurrency: 2,
			Records:           BackendMemory,
		},
		Metrics: Metrics{
			Listen:    defaultListenAddr,
			Namespace: "stateflow",
		},
	}
}
