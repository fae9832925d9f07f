package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/heroes/internal/api"
	"github.com/matheus3301/heroes/internal/backend"
	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/config"
	"github.com/matheus3301/heroes/internal/connectivity"
	"github.com/matheus3301/heroes/internal/kv"
	"github.com/matheus3301/heroes/internal/lock"
	"github.com/matheus3301/heroes/internal/logging"
	"github.com/matheus3301/heroes/internal/metrics"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/realtime"
	"github.com/matheus3301/heroes/internal/retention"
	"github.com/matheus3301/heroes/internal/retry"
	"github.com/matheus3301/heroes/internal/session"
	"github.com/matheus3301/heroes/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Storage is the persistence chosen for the profile. DB is nil with the
// redis driver, which keeps no drain log.
type Storage struct {
	KV kv.Store
	DB *store.DB
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStorage,
			providePruner,
			providePolicy,
			provideMonitor,
			provideQueue,
			provideRealtime,
			provideBackend,
			provideChat,
			provideRegistry,
			provideDispatcher,
			provideDrainer,
			metrics.New,
			provideCollector,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStorage depends on the lock so two daemons never open the same files.
func provideStorage(p Params, _ *lock.Lock, logger *zap.Logger) (*Storage, error) {
	switch p.Config.Storage.Driver {
	case "redis":
		rs, err := kv.NewRedisStore(p.Config.Storage.RedisURL, "heroes:"+p.Profile+":")
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("driver", "redis"))
		return &Storage{KV: rs}, nil
	case "", "sqlite":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", p.Config.Storage.Driver)
	}

	dbPath := session.DBPath(p.Profile)
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
	logger.Info("store initialized", zap.String("driver", "sqlite"), zap.String("path", dbPath))
	return &Storage{KV: db, DB: db}, nil
}

func (s *Storage) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	if c, ok := s.KV.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// providePruner returns nil for stores without a drain log.
func providePruner(p Params, s *Storage, logger *zap.Logger) *retention.Pruner {
	if s.DB == nil {
		return nil
	}
	return retention.NewPruner(s.DB, p.Config.Storage.LogRetention, logger.Named("retention"))
}

func providePolicy(p Params) retry.Policy {
	return p.Config.Policy()
}

func provideMonitor(b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(false, b, logger)
}

func provideQueue(s *Storage, policy retry.Policy, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	opts := []queue.Option{queue.WithBus(b), queue.WithLogger(logger)}
	if s.DB != nil {
		opts = append(opts, queue.WithRecorder(s.DB))
	}
	return queue.New(s.KV, policy, opts...)
}

func provideRealtime(p Params, policy retry.Policy, mon *connectivity.Monitor, logger *zap.Logger) *realtime.Client {
	rt := p.Config.Realtime
	return realtime.New(realtime.Config{
		URL:       rt.URL,
		Token:     p.Config.Backend.APIKey,
		SendRate:  rt.SendRate,
		SendBurst: rt.SendBurst,
	}, policy, mon, logger.Named("realtime"))
}

func provideBackend(p Params, logger *zap.Logger) *backend.Client {
	b := p.Config.Backend
	return backend.NewClient(backend.Config{URL: b.URL, APIKey: b.APIKey, Timeout: b.Timeout}, logger.Named("backend"))
}

func provideChat(p Params, rt *realtime.Client, s *Storage, policy retry.Policy, q *queue.Queue, b *bus.Bus, logger *zap.Logger) *chat.Manager {
	sender := p.Config.Backend.UserID
	if sender == "" {
		sender = p.Profile
	}
	return chat.NewManager(rt, s.KV, policy, sender,
		chat.WithEnqueuer(q),
		chat.WithBus(b),
		chat.WithLogger(logger.Named("chat")),
	)
}

func provideRegistry(c *backend.Client, mgr *chat.Manager) queue.Registry {
	reg := queue.Registry{}
	backend.Register(reg, c, mgr)
	return reg
}

func provideDispatcher(q *queue.Queue, reg queue.Registry, mon *connectivity.Monitor, logger *zap.Logger) *queue.Dispatcher {
	return queue.NewDispatcher(q, reg, mon, logger)
}

// provideDrainer stops the daemon when queue storage fails; continuing would lose actions.
func provideDrainer(q *queue.Queue, reg queue.Registry, mon *connectivity.Monitor, sd fx.Shutdowner, logger *zap.Logger) *queue.Drainer {
	return queue.NewDrainer(q, reg, mon, logger.Named("drainer"), queue.OnFatal(func(err error) {
		logger.Error("queue storage failed, shutting down", zap.Error(err))
		_ = sd.Shutdown(fx.ExitCode(1))
	}))
}

func provideCollector(m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *metrics.Collector {
	return metrics.NewCollector(m, b, logger)
}

func provideService(p Params, s *Storage, q *queue.Queue, d *queue.Dispatcher, dr *queue.Drainer, mon *connectivity.Monitor, mgr *chat.Manager, b *bus.Bus, logger *zap.Logger) *api.Service {
	deps := api.Deps{
		Profile:    p.Profile,
		Queue:      q,
		Dispatcher: d,
		Drainer:    dr,
		Monitor:    mon,
		Chat:       mgr,
		Bus:        b,
		Logger:     logger.Named("api"),
	}
	if s.DB != nil {
		deps.DrainLog = s.DB
	}
	return api.NewService(deps)
}

type lifecycleIn struct {
	fx.In

	Params    Params
	Server    *Server
	Lock      *lock.Lock
	Storage   *Storage
	Pruner    *retention.Pruner
	Realtime  *realtime.Client
	Chat      *chat.Manager
	Drainer   *queue.Drainer
	Metrics   *metrics.Metrics
	Collector *metrics.Collector
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	var metricsSrv *metrics.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			in.Collector.Start(ctx)

			if addr := in.Params.Config.Metrics.Addr; addr != "" {
				metricsSrv = metrics.NewServer(addr, in.Metrics, logger)
				if err := metricsSrv.Start(); err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
			}

			// Start gRPC server in background.
			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if in.Params.Config.Realtime.URL != "" {
				in.Realtime.Start(ctx)
			} else {
				logger.Warn("realtime url not configured, chat rooms will not connect")
			}
			in.Drainer.Start(ctx)
			if in.Pruner != nil {
				in.Pruner.Start(ctx)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if in.Pruner != nil {
				in.Pruner.Stop()
			}
			in.Drainer.Stop()
			_ = in.Chat.Close()
			in.Realtime.Stop()
			in.Server.Stop(ctx)
			if metricsSrv != nil {
				stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				_ = metricsSrv.Stop(stopCtx)
				cancel()
			}
			in.Collector.Stop()
			if err := in.Storage.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
