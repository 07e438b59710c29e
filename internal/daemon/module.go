// Package daemon composes the gateway: one process serving every tenant
// session plus the HTTP and websocket surfaces.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/api"
	"github.com/mfpaiva/zapgate/internal/bus"
	"github.com/mfpaiva/zapgate/internal/config"
	"github.com/mfpaiva/zapgate/internal/erp"
	"github.com/mfpaiva/zapgate/internal/lock"
	"github.com/mfpaiva/zapgate/internal/logging"
	"github.com/mfpaiva/zapgate/internal/manager"
	"github.com/mfpaiva/zapgate/internal/outbox"
	"github.com/mfpaiva/zapgate/internal/push"
	"github.com/mfpaiva/zapgate/internal/session"
	"github.com/mfpaiva/zapgate/internal/store"
	"github.com/mfpaiva/zapgate/internal/wa"
)

// Params carries the daemon invocation options.
type Params struct {
	ConfigPath string
	// Listen overrides the configured listen address; used by tests.
	Listen string
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideDialer,
			provideManager,
			provideQueue,
			provideERP,
			provideHub,
			provideAPIServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.Listen != "" {
		cfg.Listen = p.Listen
	}
	return cfg, os.MkdirAll(cfg.DataDir, 0700)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(cfg.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring gateway lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("gateway lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.GatewayDBPath(cfg.DataDir)
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

func provideDialer(cfg *config.Config, logger *zap.Logger) *wa.Dialer {
	return wa.NewDialer(cfg.DataDir, cfg.DeviceName, logger)
}

func provideManager(db *store.DB, dialer *wa.Dialer, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *manager.Manager {
	return manager.New(db, dialer, b, cfg, logger)
}

func provideQueue(db *store.DB, mgr *manager.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, mgr, b, cfg.Queue, logger)
}

func provideERP(mgr *manager.Manager, queue *outbox.Queue, db *store.DB, logger *zap.Logger) *erp.Service {
	return erp.New(mgr, queue, db, logger)
}

func provideHub(b *bus.Bus, mgr *manager.Manager, logger *zap.Logger) *push.Hub {
	return push.NewHub(b, mgr, logger)
}

func provideAPIServer(mgr *manager.Manager, queue *outbox.Queue, erpSvc *erp.Service, db *store.DB, hub *push.Hub, logger *zap.Logger) *api.Server {
	return api.NewServer(mgr, queue, erpSvc, db, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, mgr *manager.Manager, queue *outbox.Queue, hub *push.Hub, db *store.DB, logger *zap.Logger) {
	hubCtx, cancelHub := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go hub.Run(hubCtx)

			if err := queue.Start(); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Resume in the background: sessions dial concurrently with the
			// server becoming ready.
			go mgr.ResumeAll(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			queue.Stop()
			mgr.Shutdown(ctx)
			cancelHub()
			_ = db.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
