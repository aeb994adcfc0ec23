package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/mastery-engine/config"
	"github.com/alem-hub/mastery-engine/internal/domain/learner"
	"github.com/alem-hub/mastery-engine/internal/domain/shared"
	catalogfile "github.com/alem-hub/mastery-engine/internal/infrastructure/catalog"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/monitoring"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/guarded"
	"github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/postgres"
	rediscache "github.com/alem-hub/mastery-engine/internal/infrastructure/persistence/redis"
	httpserver "github.com/alem-hub/mastery-engine/internal/interface/http"
	"github.com/alem-hub/mastery-engine/pkg/circuitbreaker"
	"github.com/alem-hub/mastery-engine/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var eventsFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume learner events and serve health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, eventsFile)
		},
	}
	cmd.Flags().StringVar(&eventsFile, "events", "", "also consume a JSONL events file (\"-\" for stdin)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, eventsFile string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЛОГИРОВАНИЕ И ТРАССИРОВКА
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(cfg.LoggerOptions())
	defer func() { _ = log.Sync() }()
	log.Info("starting mastery engine",
		logger.String("version", version),
		logger.String("env", string(cfg.App.Environment)),
		logger.String("timezone", cfg.App.Timezone),
	)

	shutdownTracing, err := monitoring.SetupTracing(monitoring.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	obs := monitoring.NewMetrics()

	// ─────────────────────────────────────────────────────────────────────────
	// 2. КАТАЛОГ
	// ─────────────────────────────────────────────────────────────────────────
	bundle, err := catalogfile.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	log.Info("catalog loaded",
		logger.String("catalog_version", bundle.Catalog.Version()),
		logger.Int("modules", bundle.Catalog.ModuleCount()),
		logger.Int("achievements", len(bundle.Catalog.Achievements())),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. POSTGRESQL
	// ─────────────────────────────────────────────────────────────────────────
	conn, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.Database.AutoMigrate {
		n, err := postgres.NewMigrator(conn).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied", logger.Int("count", n))
	}

	breaker := circuitbreaker.StoreBreaker(
		cfg.Engine.Breaker.Threshold,
		cfg.Engine.Breaker.Timeout,
		shared.IsStoreUnavailable,
		func(name string, from, to circuitbreaker.State) {
			obs.BreakerStateChanged(name, from, to)
			log.Warn("store circuit changed",
				logger.String("breaker", name), logger.String("from", from.String()), logger.String("to", to.String()))
		},
	)
	var store learner.Store = guarded.New(postgres.NewLearnerStore(conn), breaker)

	checks := []httpserver.Check{{Name: "store", Run: store.Ping}}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (опционально): кэш, уведомления, источник событий
	// ─────────────────────────────────────────────────────────────────────────
	localBus := messaging.InMemoryNotificationBusConfig{Async: true, Logger: log, Metrics: obs}
	var (
		publisher interface {
			shared.EventPublisher
			Close() error
		}
		source      *messaging.RedisEventSource
		redisClient *goredis.Client
	)

	if cfg.Redis.Enabled {
		client, err := rediscache.NewClient(ctx, rediscache.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client

		store = rediscache.NewCachedStore(store, rediscache.NewCache(client), cfg.Redis.CacheTTL, log).WithObserver(obs)
		checks = append(checks, httpserver.Check{Name: "redis", Run: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})

		bus, err := messaging.NewRedisNotificationBus(messaging.RedisNotificationBusConfig{
			Client:  client,
			Channel: cfg.Redis.NotificationsChannel,
			Local:   localBus,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		publisher = bus
		log.Info("redis enabled", logger.String("addr", cfg.Redis.Addr), logger.String("instance_id", bus.InstanceID()))
	} else {
		publisher = messaging.NewInMemoryNotificationBus(localBus)
		log.Warn("redis disabled: no cache, notifications stay in-process")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ДВИЖОК
	// ─────────────────────────────────────────────────────────────────────────
	eng := newEngine(engineDeps{
		cfg:       cfg,
		store:     store,
		bundle:    bundle,
		publisher: publisher,
		obs:       obs,
		log:       log,
	})
	checks = append(checks, httpserver.Check{Name: "store_circuit", Run: func(context.Context) error {
		if breaker.State() == circuitbreaker.StateOpen {
			return errors.New("store circuit is open")
		}
		return nil
	}})

	if redisClient != nil {
		source, err = messaging.NewRedisEventSource(messaging.RedisEventSourceConfig{
			Client:        redisClient,
			Channel:       cfg.Redis.EventsChannel,
			RatePerSecond: cfg.Redis.IntakeRate,
			Burst:         cfg.Redis.IntakeBurst,
			Logger:        log,
		}, eng.handle)
		if err != nil {
			return err
		}
	}

	if err := eng.dispatcher.Start(); err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. HTTP + ИСТОЧНИКИ СОБЫТИЙ
	// ─────────────────────────────────────────────────────────────────────────
	srv := httpserver.NewServer(httpserver.Config{
		Addr:             cfg.HTTP.Addr,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      60 * time.Second,
		ReadinessTimeout: cfg.HTTP.ReadinessTimeout,
	}, httpserver.Dependencies{
		Logger:      log,
		Checks:      checks,
		Metrics:     obs.Handler(),
		DeadLetters: eng.dispatcher.DeadLetterQueue().Entries,
		Version:     version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, cfg.App.ShutdownTimeout)
	})
	if source != nil {
		g.Go(func() error {
			return source.Run(gctx)
		})
	}
	if eventsFile != "" {
		g.Go(func() error {
			report, err := consumeFile(gctx, eventsFile, eng.handle)
			log.Info("events file consumed",
				logger.String("file", eventsFile),
				logger.Int("read", report.Read),
				logger.Int("accepted", report.Accepted),
				logger.Int("rejected", report.Rejected),
				logger.Int("failed", report.Failed),
			)
			return err
		})
	}

	runErr := g.Wait()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN: дочитать полосы, потом закрыть шину
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := eng.dispatcher.Stop(stopCtx); err != nil {
		log.Error("dispatcher stop", logger.Err(err))
	}
	if err := publisher.Close(); err != nil {
		log.Error("notification bus close", logger.Err(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("engine stopped")
	return nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Connection, error) {
	pg := postgres.DefaultConfig()
	pg.URL = cfg.Database.URL
	pg.MaxConns = cfg.Database.MaxConns
	pg.MinConns = cfg.Database.MinConns
	conn, err := postgres.NewConnection(ctx, pg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return conn, nil
}

// consumeFile feeds a JSONL file (or stdin for "-") to handle.
func consumeFile(ctx context.Context, path string, handle messaging.InboundHandler) (messaging.SourceReport, error) {
	if path == "-" {
		return messaging.ReadLines(ctx, os.Stdin, handle)
	}
	f, err := os.Open(path)
	if err != nil {
		return messaging.SourceReport{}, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()
	return messaging.ReadLines(ctx, f, handle)
}
