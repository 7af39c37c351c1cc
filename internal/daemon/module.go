package daemon

import (
	"context"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/hsync/internal/api"
	"github.com/matheus3301/hsync/internal/bus"
	"github.com/matheus3301/hsync/internal/config"
	"github.com/matheus3301/hsync/internal/lock"
	"github.com/matheus3301/hsync/internal/logging"
	"github.com/matheus3301/hsync/internal/metrics"
	"github.com/matheus3301/hsync/internal/profile"
	"github.com/matheus3301/hsync/internal/remote"
	"github.com/matheus3301/hsync/internal/status"
	"github.com/matheus3301/hsync/internal/store"
	hsync "github.com/matheus3301/hsync/internal/sync"
)

// cachedThreadLimit bounds how many messages per thread are loaded at start.
const cachedThreadLimit = 200

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile  string
	Dir      string // optional override for testing; empty = profile.Dir(Profile)
	LogLevel zapcore.Level
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return profile.Dir(p.Profile)
}

// path resolves a profile file, relocated under Dir when it is set.
func (p Params) path(resolve func(string) string) string {
	full := resolve(p.Profile)
	if p.Dir == "" {
		return full
	}
	rel, err := filepath.Rel(profile.Dir(p.Profile), full)
	if err != nil {
		return full
	}
	return filepath.Join(p.Dir, rel)
}

func (p Params) socketPath() string { return p.path(profile.SocketPath) }
func (p Params) configPath() string { return p.path(profile.ConfigPath) }
func (p Params) cachePath() string  { return p.path(profile.CacheDBPath) }
func (p Params) logPath() string    { return p.path(profile.LogPath) }

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideEngine,
			providePersister,
			provideService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(p.configPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.Profile, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, result, err := store.OpenMigrated(p.cachePath())
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", p.cachePath()))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	return remote.New(remote.Options{
		BaseURL:           cfg.API.BaseURL,
		Token:             cfg.API.Token,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
	}, logger)
}

func provideEngine(rc *remote.Client, db *store.DB, st *status.Machine, b *bus.Bus, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *hsync.Engine {
	return hsync.NewEngine(rc, db, st, b, m, logger, hsync.OptionsFromConfig(cfg))
}

func providePersister(db *store.DB, b *bus.Bus, logger *zap.Logger) *hsync.Persister {
	return hsync.NewPersister(db, b, logger)
}

func provideService(p Params, engine *hsync.Engine, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.Service {
	svc := api.NewService(p.Profile, engine, db, b, logger)
	svc.OnLogin(func(req api.LoginRequest, userChanged bool) error {
		if userChanged {
			if _, err := db.Reset(); err != nil {
				return err
			}
			logger.Info("cache reset for new user", zap.String("user_id", req.UserID))
		}
		cfg.API.Token = req.Token
		if req.UserID != "" {
			cfg.API.UserID = req.UserID
		}
		return config.Save(p.configPath(), cfg)
	})
	return svc
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, msrv *MetricsServer, lk *lock.Lock, db *store.DB, engine *hsync.Engine, persister *hsync.Persister, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Show the cached state before the first poll lands.
			convs, threads, err := hsync.LoadCache(db, cachedThreadLimit)
			if err != nil {
				logger.Warn("cache not loaded", zap.Error(err))
			} else {
				engine.Warm(convs, threads)
			}
			drafts, err := db.ListDrafts()
			if err != nil {
				logger.Warn("failed sends not restored", zap.Error(err))
			} else {
				engine.Outbox().Restore(drafts)
			}

			persister.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			msrv.Start()

			return engine.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			engine.Stop()
			persister.Stop()
			srv.Stop(ctx)
			msrv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped", zap.Uint64("bus_dropped", b.Dropped()))
			return nil
		},
	})
}
