package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/aretw0/sluice"
	"github.com/aretw0/sluice/internal/config"
	"github.com/aretw0/sluice/pkg/adapters/file"
	"github.com/aretw0/sluice/pkg/adapters/memory"
	"github.com/aretw0/sluice/pkg/adapters/process"
	redisadapter "github.com/aretw0/sluice/pkg/adapters/redis"
	"github.com/aretw0/sluice/pkg/adapters/sqlite"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/persistence/middleware"
	"github.com/aretw0/sluice/pkg/ports"
	"github.com/aretw0/sluice/pkg/session"
	goredis "github.com/redis/go-redis/v9"
)

// app holds the components built from a configuration.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	pipeline *process.Pipeline
	stages   []domain.Stage
	redis    *goredis.Client
	closers  []io.Closer
}

// newApp loads the pipeline and connects to Redis when the configuration needs it.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	p, err := process.LoadPipeline(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	runner := process.NewRunner(
		process.WithBaseDir(filepath.Dir(cfg.Pipeline)),
		process.WithLogger(logger.With("component", "process")),
	)
	stages, err := p.Build(runner)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, pipeline: p, stages: stages}
	if cfg.UsesRedis() {
		a.redis = redisadapter.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.closers = append(a.closers, a.redis)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}
	return a, nil
}

func (a *app) redisOptions() []redisadapter.Option {
	return []redisadapter.Option{
		redisadapter.WithPrefix(a.cfg.Redis.Prefix),
		redisadapter.WithTTL(a.cfg.Redis.TTL),
	}
}

// engineOptions returns the options shared by every engine the app builds.
func (a *app) engineOptions(hooks domain.LifecycleHooks) []sluice.Option {
	return []sluice.Option{
		sluice.WithLogger(a.logger),
		sluice.WithDefaultPolicy(a.cfg.Policy.WithDefaults(domain.DefaultPolicy())),
		sluice.WithLifecycleHooks(hooks),
	}
}

// stateStore returns the configured store for a single engine.
func (a *app) stateStore() ports.StateStore {
	if a.cfg.Store == "redis" {
		return redisadapter.NewStore(a.redis, a.redisOptions()...)
	}
	return memory.NewStore()
}

// newEngine builds the single shared engine.
func (a *app) newEngine(hooks domain.LifecycleHooks) (*sluice.Engine, error) {
	opts := append(a.engineOptions(hooks),
		sluice.WithName(a.pipeline.Name),
		sluice.WithStore(a.stateStore()),
		sluice.WithStages(a.stages...),
	)
	return sluice.New(opts...)
}

// checkpoints returns the configured checkpoint store wrapped in the masking and
// encryption middleware. Nil means checkpoints are disabled.
func (a *app) checkpoints() (ports.CheckpointStore, error) {
	var store ports.CheckpointStore
	switch a.cfg.Checkpoints.Backend {
	case "none":
		return nil, nil
	case "memory":
		store = memory.NewCheckpoints()
	case "file":
		store = file.New(a.cfg.Checkpoints.Dir)
	case "sqlite":
		db, err := sqlite.Open(a.cfg.Checkpoints.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		store = db
	case "redis":
		store = redisadapter.NewCheckpoints(a.redis, a.redisOptions()...)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", a.cfg.Checkpoints.Backend)
	}

	var mws []middleware.Middleware
	if len(a.cfg.Checkpoints.MaskPatterns) > 0 {
		mws = append(mws, middleware.NewPIIMiddleware(a.cfg.Checkpoints.MaskPatterns))
	}
	if a.cfg.Checkpoints.EncryptionKey != "" {
		key, err := a.cfg.EncryptionKey()
		if err != nil {
			return nil, err
		}
		mws = append(mws, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key}))
	}
	return middleware.Chain(store, mws...), nil
}

// newManager builds a session manager whose engines each run the pipeline on a private memory store.
func (a *app) newManager(hooks domain.LifecycleHooks) (*session.Manager, error) {
	opts := []session.Option{session.WithLogger(a.logger.With("component", "session"))}
	cps, err := a.checkpoints()
	if err != nil {
		return nil, err
	}
	if cps != nil {
		opts = append(opts, session.WithCheckpoints(cps))
	}
	if a.redis != nil {
		opts = append(opts, session.WithLocker(redisadapter.NewLocker(a.redis, redisadapter.WithPrefix(a.cfg.Redis.Prefix))))
	}

	setup := func(eng *sluice.Engine) error {
		for _, st := range a.stages {
			if err := eng.Register(st); err != nil {
				return err
			}
		}
		return nil
	}
	return session.NewManager(session.MemoryFactory(setup, a.engineOptions(hooks)...), opts...), nil
}

// Close releases the connections opened by the app.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
