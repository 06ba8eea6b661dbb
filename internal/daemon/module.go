// Package daemon composes the chatkit background process: local cache,
// sync engine, realtime event source and receipt sender, wired with fx.
package daemon

import (
	"context"
	"time"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/config"
	"github.com/talkwire/chatkit/internal/engine"
	"github.com/talkwire/chatkit/internal/events"
	"github.com/talkwire/chatkit/internal/lock"
	"github.com/talkwire/chatkit/internal/logging"
	"github.com/talkwire/chatkit/internal/receipt"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/session"
	"github.com/talkwire/chatkit/internal/status"
	"github.com/talkwire/chatkit/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx
// module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
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
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideReceipts,
			provideEngine,
			provideSource,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideRemote(cfg *config.Config) *remote.HTTPClient {
	return remote.NewHTTPClient(cfg.ServerURL, cfg.Token, nil)
}

func provideReceipts(cfg *config.Config, client *remote.HTTPClient, b *bus.Bus, logger *zap.Logger) *receipt.Sender {
	return receipt.NewSender(client, b, logger, cfg.ReceiptFlushInterval())
}

func provideEngine(cfg *config.Config, db *store.DB, client *remote.HTTPClient, receipts *receipt.Sender, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(engine.Config{
		EventPageSize:               cfg.Engine.EventPageSize,
		MessagePageSize:             cfg.Engine.MessagePageSize,
		LazyLoadThreshold:           cfg.Engine.LazyLoadThreshold,
		MaxEventGap:                 cfg.Engine.MaxEventGap,
		GetConversationSleepTimeout: cfg.Engine.GetConversationSleepTimeout.Duration,
		GetConversationMaxRetry:     cfg.Engine.GetConversationMaxRetry,
	}, db, db, client, receipts, b, logger)
}

func provideSource(cfg *config.Config, eng *engine.Engine, machine *status.Machine, logger *zap.Logger) *events.Source {
	src := events.NewSource(events.Config{
		URL:   cfg.EventsURL,
		Token: cfg.Token,
	}, eng.HandleEvent, machine, logger)
	// Every (re)connect runs a full pass so the store catches up on
	// whatever the stream missed while disconnected.
	src.OnConnected = eng.Synchronize
	return src
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *lock.Lock, db *store.DB, eng *engine.Engine, src *events.Source, receipts *receipt.Sender, logger *zap.Logger) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			receipts.Start(runCtx)

			go func() {
				if err := src.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("event source stopped", zap.Error(err))
				}
			}()

			// Periodic reconciliation besides the connect-triggered one.
			go func() {
				ticker := time.NewTicker(cfg.SyncInterval())
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := eng.Synchronize(runCtx); err != nil {
							logger.Warn("periodic sync failed", zap.Error(err))
						}
					case <-runCtx.Done():
						return
					}
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			receipts.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
