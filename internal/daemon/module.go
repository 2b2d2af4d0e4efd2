// Package daemon composes the engine and its dependencies into a runnable
// process.
package daemon

import (
	"context"
	"path/filepath"

	"github.com/loom-chat/loom/internal/bus"
	"github.com/loom-chat/loom/internal/cache"
	"github.com/loom-chat/loom/internal/config"
	"github.com/loom-chat/loom/internal/engine"
	"github.com/loom-chat/loom/internal/logging"
	"github.com/loom-chat/loom/internal/realtime"
	"github.com/loom-chat/loom/internal/remote"
	"github.com/loom-chat/loom/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved invocation settings passed to the fx module.
type Params struct {
	ConfigPath string
	Identity   string
	Token      string
}

// Module returns the fx module for the sync daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStore,
			provideCache,
			provideAuth,
			provideBackend,
			provideChannel,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.ConfigPath)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(filepath.Join(cfg.DataDir, "loomd.log"), p.Identity)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(cfg.DataDir, "loom.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(cfg *config.Config) *cache.Cache {
	return cache.New(cfg.MessageCap)
}

func provideAuth(p Params) remote.AuthProvider {
	return remote.NewStaticTokenProvider(p.Token, nil)
}

func provideBackend(cfg *config.Config, auth remote.AuthProvider, logger *zap.Logger) engine.Backend {
	return remote.NewClient(cfg.BaseURL, auth,
		remote.WithTimeout(cfg.RemoteTimeout()),
		remote.WithLogger(logger),
	)
}

func provideChannel(cfg *config.Config, auth remote.AuthProvider, b *bus.Bus, logger *zap.Logger) engine.Channel {
	return realtime.NewAdapter(cfg.RealtimeURL, auth, b, logger)
}

func provideEngine(p Params, cfg *config.Config, db *store.DB, c *cache.Cache, backend engine.Backend, channel engine.Channel, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, c, backend, channel, b, logger, engine.Options{
		Identity:      p.Identity,
		CacheTTL:      cfg.CacheTTL(),
		RemoteTimeout: cfg.RemoteTimeout(),
		RetryCeiling:  cfg.RetryCeiling,
		FlushInterval: cfg.FlushInterval(),
	})
}

func registerLifecycle(lc fx.Lifecycle, e *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := e.Initialize(ctx); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
