// Package daemon composes the sync engine's components into a running
// process via fx.
package daemon

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/bus"
	"github.com/mcamargo/chatsync/internal/config"
	"github.com/mcamargo/chatsync/internal/conn"
	"github.com/mcamargo/chatsync/internal/engine"
	"github.com/mcamargo/chatsync/internal/lock"
	"github.com/mcamargo/chatsync/internal/logging"
	"github.com/mcamargo/chatsync/internal/profile"
	"github.com/mcamargo/chatsync/internal/store"
	"github.com/mcamargo/chatsync/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRestClient,
			providePushStream,
			provideEngine,
			provideSender,
			provideSupervisor,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	path := profile.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no config at %s: create it with backend.base_url, backend.token and backend.user_id", path)
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideRestClient(cfg *config.Config) backend.Client {
	return transport.NewRestClient(cfg.Backend)
}

func providePushStream(cfg *config.Config, logger *zap.Logger) backend.PushChannel {
	return transport.NewPushStream(cfg.Backend, logger)
}

func provideEngine(db *store.DB, client backend.Client, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *engine.Engine {
	return engine.New(db, client, b, logger, cfg.Sync, cfg.Backend.UserID)
}

func provideSender(db *store.DB, client backend.Client, b *bus.Bus, logger *zap.Logger, cfg *config.Config, eng *engine.Engine) *engine.Sender {
	return engine.NewSender(db, client, b, logger, cfg.Sync, eng.HoldSends)
}

func provideSupervisor(channel backend.PushChannel, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *conn.Supervisor {
	return conn.NewSupervisor(channel, b, logger, cfg.Sync)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, eng *engine.Engine, sender *engine.Sender, sup *conn.Supervisor, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine must be listening before the supervisor can
			// publish its first conn.connected.
			eng.Start(context.Background())
			sender.Start(context.Background())
			sup.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sup.Stop()
			sender.Stop()
			eng.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
