package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"comment-dm/internal/cache"
	"comment-dm/internal/config"
	"comment-dm/internal/dispatch"
	"comment-dm/internal/dmlog"
	"comment-dm/internal/httpserver"
	"comment-dm/internal/keylock"
	"comment-dm/internal/ledger"
	"comment-dm/internal/logging"
	"comment-dm/internal/metrics"
	"comment-dm/internal/monitor"
	"comment-dm/internal/platform"
	"comment-dm/internal/queue"
	"comment-dm/internal/ratelimit"
	"comment-dm/internal/repo"
	"comment-dm/internal/rules"
	"comment-dm/migrations"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const queueName = "dispatch"

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:  "comment-dm",
		Usage: "automated direct messages for social media comments",
	}
	app.Commands = []*cli.Command{
		serveCmd,
		monitorCmd,
		migrateCmd,
	}
	return app.Run(args)
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the HTTP API, dispatch workers and the monitoring scheduler",
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		logger.Info("starting comment-dm", "env", cfg.AppEnv)

		svc, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.close()

		trigger := monitor.NewTriggerHandler(logger, svc.metrics, cfg.AdminToken, svc.monitor)
		httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, svc.metrics, httpserver.Handlers{
			MonitorTrigger: trigger,
		}, cfg.PublicBasePath, cfg.AdminToken)
		httpSrv.SetDependencies(httpserver.Dependencies{
			Activity: svc.store,
			Ledger:   svc.ledger,
			Queue:    svc.queue,
		})

		bgCtx, bgCancel := context.WithCancel(ctx)
		defer bgCancel()
		g, gctx := errgroup.WithContext(bgCtx)
		g.Go(func() error {
			return svc.pool.Run(gctx)
		})
		if cfg.MonitorInterval > 0 {
			scheduler := monitor.NewScheduler(svc.monitor, svc.store, cfg.MonitorInterval, cfg.MonitorConcurrency, logger)
			g.Go(func() error {
				return scheduler.Run(gctx)
			})
		} else {
			logger.Info("monitoring scheduler disabled; passes run on demand only")
		}

		errCh := make(chan error, 2)
		go func() {
			if err := httpSrv.Start(); err != nil {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
		go func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("background worker error: %w", err)
			}
		}()

		var runErr error
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case runErr = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		bgCancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background worker stopped with error", "error", err)
		}
		return runErr
	},
}

var monitorCmd = &cli.Command{
	Name:  "monitor",
	Usage: "run a single monitoring pass for one user and print its summary",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "user",
			Usage:    "user whose connected account is scanned",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "drain",
			Usage: "process queued dispatches until the queue is empty before exiting",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		svc, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.close()

		summary, err := svc.monitor.RunMonitoringPass(ctx, cctx.String("user"))
		if err != nil {
			return fmt.Errorf("monitoring pass: %w", err)
		}
		if cctx.Bool("drain") {
			if err := drain(ctx, svc); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

var migrateCmd = &cli.Command{
	Name:  "migrate",
	Usage: "apply database migrations and exit",
	Action: func(cctx *cli.Context) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		store, err := openStore(cctx.Context, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("database migrated", "driver", cfg.DatabaseDriver)
		return nil
	},
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewLogger(cfg.LogLevel, cfg.LogFormat), nil
}

type services struct {
	store   repo.Store
	redis   *cache.Redis
	queue   queue.Queue
	ledger  *ledger.Ledger
	monitor *monitor.Monitor
	pool    *dispatch.Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (s *services) close() {
	if err := s.queue.Close(); err != nil {
		s.logger.Warn("failed closing queue", "error", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("failed closing redis", "error", err)
		}
	}
	s.store.Close()
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var redisClient *cache.Redis
	if cfg.QueueBackend == config.QueueRedis {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		if err := redisClient.Ping(ctx); err != nil {
			_ = redisClient.Close()
			store.Close()
			return nil, err
		}
	}

	var (
		q     queue.Queue
		locks keylock.Locker
	)
	if redisClient != nil {
		q = queue.NewRedis(redisClient, queueName, logger)
		locks = keylock.NewRedis(redisClient, 0, logger)
	} else {
		q = queue.NewMemory()
		locks = keylock.NewLocal()
	}

	client := platform.New(platform.Config{
		BaseURL:          cfg.InstagramBaseURL,
		Timeout:          cfg.InstagramTimeout,
		RPS:              cfg.InstagramRPS,
		FollowerCacheTTL: cfg.FollowerCacheTTL,
		ReadRetries:      2,
	}, store, logger, metricRegistry, redisClient)

	credits := ledger.New(store, locks, logger)
	contacts := ratelimit.New(store)
	sends := dmlog.New(store, cfg.Timezone)

	matcher := rules.NewMatcher(store, client, contacts, sends, metricRegistry, logger)
	worker := dispatch.NewWorker(dispatch.Config{
		MaxAttempts:  cfg.DispatchMaxAttempts,
		BackoffBase:  cfg.DispatchBackoffBase,
		MaxDmsPerDay: cfg.MaxDmsPerDay,
		MinCooldown:  cfg.DispatchMinCooldown,
	}, client, credits, contacts, sends, store, locks, metricRegistry, logger)
	pool := dispatch.NewPool(q, worker, cfg.DispatchWorkers, metricRegistry, logger)

	mon := monitor.New(monitor.Config{
		PostLimit:   cfg.MonitorPostLimit,
		Concurrency: cfg.MonitorConcurrency,
	}, store, client, matcher, sends, q, metricRegistry, logger)

	return &services{
		store:   store,
		redis:   redisClient,
		queue:   q,
		ledger:  credits,
		monitor: mon,
		pool:    pool,
		metrics: metricRegistry,
		logger:  logger,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	var (
		store repo.Store
		err   error
	)
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		store, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	case config.DriverSQLite:
		store, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		logger.Warn("using in-memory store; data is lost on exit")
		store = repo.NewMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// drain runs the dispatch pool until nothing is waiting or in flight.
func drain(ctx context.Context, svc *services) error {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.pool.Run(poolCtx) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
			stats, err := svc.queue.Stats(ctx)
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			if stats.Waiting == 0 && stats.InFlight == 0 {
				cancel()
				if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
		}
	}
}
