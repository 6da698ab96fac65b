package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/chatwire/chatwire/cmd/botd/config"
	"github.com/chatwire/chatwire/internal/admin"
	"github.com/chatwire/chatwire/internal/dispatch"
	"github.com/chatwire/chatwire/internal/ledger"
	"github.com/chatwire/chatwire/internal/lifecycle"
	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/storage"
	"github.com/chatwire/chatwire/internal/transport"
)

var (
	configFile = flag.String("f", "configs/botd.yaml", "config file path")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting chatwire botd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Type))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("botd failed", zap.Error(err))
	}

	logger.Info("botd shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	mx := metrics.New("chatwire")

	// Durable tier. All three collections share one backend.
	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	kinds := session.NewKindRegistry()
	kinds.Register("redeem", nil)
	kinds.Register("survey", nil)

	sessions, err := session.NewManager(&session.ManagerConfig{
		Store:      stores.sessions,
		Logger:     logger.Named("session"),
		Metrics:    mx,
		Kinds:      kinds,
		TTL:        cfg.Session.TTL,
		ChannelCap: cfg.Session.ChannelCap,
	})
	if err != nil {
		return err
	}

	accountant, err := ledger.NewAccountant(&ledger.AccountantConfig{
		Store:   stores.ledger,
		Logger:  logger.Named("ledger"),
		Counter: mx,
	})
	if err != nil {
		return err
	}

	wsTransport, err := transport.NewWSTransport(transport.WSConfig{
		URL:            cfg.Broker.URL,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		KeepAlive:      cfg.Broker.KeepAlive,
		Logger:         logger.Named("transport"),
	})
	if err != nil {
		return err
	}

	manager, err := lifecycle.NewManager(&lifecycle.ManagerConfig{
		Transport:   wsTransport,
		Credentials: stores.credentials,
		Logger:      logger.Named("lifecycle"),
		Metrics:     mx,
		Backoff: lifecycle.Backoff{
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			BaseDelay:    cfg.Reconnect.BaseDelay,
			GrowthFactor: cfg.Reconnect.GrowthFactor,
			MaxDelay:     cfg.Reconnect.MaxDelay,
		},
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.NewDispatcher(&dispatch.DispatcherConfig{
		Sessions:  sessions,
		Ledger:    accountant,
		Sender:    manager,
		Logger:    logger.Named("dispatch"),
		Metrics:   mx,
		Prefix:    cfg.Dispatch.Prefix,
		SendRate:  cfg.Dispatch.SendRate,
		SendBurst: cfg.Dispatch.SendBurst,
	})
	if err != nil {
		return err
	}
	dispatcher.Register(&dispatch.RedeemHandler{GrantDuration: cfg.Dispatch.GrantDuration})
	dispatcher.Register(&dispatch.StatusHandler{PhaseFunc: func() string { return manager.Phase().String() }})
	dispatcher.Register(&dispatch.CancelHandler{})

	manager.OnEvent(dispatcher.HandleEvent)

	// Connection-dependent background jobs: started once per
	// successful connection, stopped when it drops.
	manager.RegisterJob(lifecycle.Job{
		Name:     "session-sweep",
		Interval: cfg.Session.SweepInterval,
		Run: func(ctx context.Context) {
			sessions.SweepExpired(ctx)
		},
	})
	manager.RegisterJob(lifecycle.Job{
		Name:     "ledger-sweep",
		Interval: cfg.Dispatch.LedgerSweep,
		Run: func(ctx context.Context) {
			if _, err := accountant.Sweep(ctx); err != nil {
				logger.Error("ledger sweep failed", zap.Error(err))
			}
		},
	})

	adminServer, err := admin.NewServer(&admin.ServerConfig{
		Host:       cfg.Admin.Host,
		Port:       cfg.Admin.Port,
		Lifecycle:  manager,
		Sessions:   sessions,
		Accountant: accountant,
		Logger:     logger.Named("admin"),
	})
	if err != nil {
		return err
	}
	go adminServer.Start()
	defer adminServer.Stop()

	if err := sessions.WarmUp(ctx); err != nil {
		// A cold cache is survivable; the mirror is a recovery aid,
		// not a dependency.
		logger.Error("session warm-up failed", zap.Error(err))
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal", zap.String("signal", sig.String()))

	manager.Stop()
	dispatcher.Wait()
	return nil
}

// backendStores bundles the per-collection stores over the configured
// backend.
type backendStores struct {
	sessions    session.Store
	ledger      ledger.Store
	credentials lifecycle.CredentialStore
	closeFns    []func() error
}

func (b *backendStores) close() {
	for i := len(b.closeFns) - 1; i >= 0; i-- {
		b.closeFns[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backendStores, error) {
	switch cfg.Store.Type {
	case "memory":
		return &backendStores{
			sessions:    session.NewMemoryStore(),
			ledger:      ledger.NewMemoryStore(),
			credentials: lifecycle.NewMemoryCredentialStore(),
		}, nil

	case "postgres":
		db, err := storage.OpenPostgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}

		sessionStore, err := session.NewPostgresStore(ctx, &session.PostgresStoreConfig{
			DB: db, Logger: logger.Named("session-store"),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		ledgerStore, err := ledger.NewPostgresStore(ctx, &ledger.PostgresStoreConfig{
			DB: db, Logger: logger.Named("ledger-store"),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		credStore, err := lifecycle.NewPostgresCredentialStore(ctx, &lifecycle.PostgresCredentialStoreConfig{
			DB: db, Identity: cfg.Broker.Identity, Logger: logger.Named("cred-store"),
		})
		if err != nil {
			db.Close()
			return nil, err
		}

		return &backendStores{
			sessions:    sessionStore,
			ledger:      ledgerStore,
			credentials: credStore,
			closeFns:    []func() error{db.Close},
		}, nil

	case "redis":
		client, err := storage.NewRedisClient(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}

		sessionStore, err := session.NewRedisStore(&session.RedisStoreConfig{
			Client: client, Logger: logger.Named("session-store"), TTL: cfg.Session.TTL,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		ledgerStore, err := ledger.NewRedisStore(&ledger.RedisStoreConfig{
			Client: client, Logger: logger.Named("ledger-store"),
		})
		if err != nil {
			client.Close()
			return nil, err
		}

		// Credentials stay in memory on the redis backend; a wiped
		// process re-pairs on restart.
		return &backendStores{
			sessions:    sessionStore,
			ledger:      ledgerStore,
			credentials: lifecycle.NewMemoryCredentialStore(),
			closeFns:    []func() error{client.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func loadConfig(filename string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("config file not found, using defaults\n")
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}
