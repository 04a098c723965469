package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/querylink"
	"github.com/matheus3301/chatsync/internal/reconnect"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // empty = session.ConfigPath()
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
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
			provideClient,
			provideChannelListUpdater,
			provideConnection,
			provideWorkers,
			NewHealthReporter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, level)
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
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideClient(cfg *config.Config) (*chatapi.Client, error) {
	return chatapi.NewClient(cfg.Server.BaseURL, cfg.Server.APIKey, cfg.Server.Token)
}

func provideChannelListUpdater(db *store.DB, client *chatapi.Client) *intsync.ChannelListUpdater {
	return intsync.NewChannelListUpdater(db, client.UserID())
}

func provideConnection(cfg *config.Config, client *chatapi.Client, db *store.DB, m *status.Machine, b *bus.Bus, logger *zap.Logger) *chatapi.Connection {
	handshake := intsync.NewHandshake(db, client.UserID(), logger.Named("handshake"))
	return chatapi.NewConnection(chatapi.ConnConfig{
		URL:        cfg.Server.WSURL,
		APIKey:     client.APIKey(),
		Token:      client.Token(),
		UserID:     client.UserID(),
		MinBackoff: cfg.Sync.ReconnectMin(),
		MaxBackoff: cfg.Sync.ReconnectMax(),
	}, m, b, handshake.Run, logger.Named("conn"))
}

// provideWorkers builds the worker group. Order matters: ingestion and the
// outbox start first, the reconnect workers last so they are registered
// before the connection is started.
func provideWorkers(cfg *config.Config, db *store.DB, client *chatapi.Client, b *bus.Bus, m *status.Machine,
	channels *intsync.ChannelListUpdater, health *HealthReporter, logger *zap.Logger) *worker.Group {
	base := worker.NewBase(db, client, b, logger)
	return worker.NewGroup(logger.Named("workers"),
		health,
		intsync.NewEngine(db, b, logger.Named("engine")),
		outbox.NewSender(base),
		outbox.NewEditor(base),
		querylink.NewChannelUpdater(base, channels),
		querylink.NewUserUpdater(base, intsync.NewUserListUpdater(db)),
		reconnect.NewMissingEvents(base, m),
		reconnect.NewWatchState(base, channels, cfg.Sync.WatchMessageLimit),
	)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, group *worker.Group, conn *chatapi.Connection, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var reset int
			err := db.Write(ctx, func(tx *store.Tx) error {
				var err error
				reset, err = tx.ResetInterruptedSync(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("reset interrupted sync: %w", err)
			}
			if reset > 0 {
				logger.Info("requeued interrupted messages", zap.Int("count", reset))
			}

			if err := group.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			conn.Start(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			conn.Stop()
			group.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
