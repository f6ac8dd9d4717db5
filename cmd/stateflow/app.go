package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/stateflow"
	"github.com/deepnoodle-ai/stateflow/internal/config"
	"github.com/deepnoodle-ai/stateflow/metrics"
	"github.com/deepnoodle-ai/stateflow/notify"
	"github.com/deepnoodle-ai/stateflow/pipeline"
	"github.com/deepnoodle-ai/stateflow/store/postgres"
	"github.com/deepnoodle-ai/stateflow/steps"
	redisstore "github.com/deepnoodle-ai/stateflow/store/redis"
	"github.com/deepnoodle-ai/stateflow/store/sqlite"
)

const queueMaxLen = 10000

// app holds the services a command works with. Close releases them.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      stateflow.Store
	pipeline   *pipeline.Pipeline
	transcoder *pipeline.FFmpeg
	closers    []func() error
}

func (c *commandContext) openApp(ctx context.Context, extra ...*stateflow.Definition) (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg)}
	if err := a.open(ctx, extra); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, extra []*stateflow.Definition) error {
	cfg := a.cfg

	var client goredis.UniversalClient
	if cfg.UsesRedis() {
		client = goredis.NewClient(&goredis.Options{
			Addr: cfg.Store.RedisAddr,
			DB:   cfg.Store.RedisDB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Store.RedisAddr, err)
		}
	}

	store, err := a.openStore(ctx, client)
	if err != nil {
		return err
	}
	a.store = store

	callbacks, err := a.startMetrics()
	if err != nil {
		return err
	}

	objects, err := pipeline.NewDirObjectStore(cfg.Pipeline.ObjectRoot)
	if err != nil {
		return err
	}
	a.transcoder = pipeline.NewFFmpeg(cfg.Pipeline.FFmpegBinary, objects, cfg.Pipeline.EncodeConcurrency, a.logger)

	deps := pipeline.Deps{
		Objects:       objects,
		Prober:        pipeline.NewFFProbe(cfg.Pipeline.FFprobeBinary, objects),
		Transcoder:    a.transcoder,
		Notifier:      a.notifier(client),
		DestBucket:    cfg.Pipeline.DestBucket,
		ArchiveSource: cfg.Pipeline.ArchiveSource,
	}
	if cfg.Pipeline.Records == config.BackendRedis {
		deps.Records = pipeline.NewRedisRecords(client, "")
	}
	if cfg.Pipeline.QueueStream != "" {
		deps.Queue = pipeline.NewRedisQueue(client, cfg.Pipeline.QueueStream, queueMaxLen)
	}

	var stepLogger stateflow.StepLogger
	if cfg.Engine.StepLogDir != "" {
		stepLogger = stateflow.NewFileStepLogger(cfg.Engine.StepLogDir)
	}

	a.pipeline, err = pipeline.New(pipeline.Options{
		Store:               store,
		Deps:                deps,
		Async:               cfg.Pipeline.Async,
		JoinTimeout:         cfg.JoinTimeout(),
		Logger:              a.logger,
		Callbacks:           callbacks,
		StepLogger:          stepLogger,
		TaskTimeout:         cfg.TaskTimeout(),
		LeaseDuration:       cfg.LeaseDuration(),
		MaxParallelBranches: cfg.Engine.MaxParallelBranches,
		ResumeConcurrency:   cfg.Engine.ResumeConcurrency,
		Definitions:         extra,
		Steps:               steps.Builtin(nil),
	})
	return err
}

func (a *app) openStore(ctx context.Context, client goredis.UniversalClient) (stateflow.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Backend {
	case config.BackendMemory:
		return stateflow.NewMemoryStore(), nil
	case config.BackendFile:
		return stateflow.NewFileStore(cfg.Path)
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.BackendPostgres:
		store, err := postgres.Open(ctx, cfg.DSN, postgres.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.DB().Close)
		return store, nil
	case config.BackendRedis:
		return redisstore.New(client,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithLogger(a.logger),
		), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
}

func (a *app) notifier(client goredis.UniversalClient) stateflow.Notifier {
	cfg := a.cfg.Notifications
	sinks := stateflow.MultiNotifier{
		notify.NewNtfy(cfg.NtfyTopic, a.cfg.NotificationTimeout()),
	}
	if cfg.RedisChannel != "" {
		sinks = append(sinks, notify.NewRedisPublisher(client, cfg.RedisChannel))
	}
	if cfg.Log {
		sinks = append(sinks, notify.NewLogger(a.logger))
	}
	return sinks
}

// startMetrics registers the run recorder and serves it when enabled. It
// returns nil callbacks when metrics are off.
func (a *app) startMetrics() (stateflow.Callbacks, error) {
	cfg := a.cfg.Metrics
	if !cfg.Enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.New(reg, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "listen", cfg.Listen, "error", err)
		}
	}()
	a.logger.Debug("serving metrics", "listen", cfg.Listen)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
	return recorder, nil
}

// Close waits for submitted encodes and releases connections in reverse
// order of opening.
func (a *app) Close() error {
	if a.transcoder != nil {
		a.transcoder.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return stateflow.NewLoggerWithLevel(os.Stderr, level)
}

func parseLevel(value string) slog.Level {
	switch value {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
