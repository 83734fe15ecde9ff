package bootstrap

import (
	"context"
	"fmt"
	"io"

	"github.com/Domenick1991/staysync/config"
	"github.com/Domenick1991/staysync/internal/adapter"
	"github.com/Domenick1991/staysync/internal/availability"
	"github.com/Domenick1991/staysync/internal/cache"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/Domenick1991/staysync/internal/kafka"
	"github.com/Domenick1991/staysync/internal/metrics"
	"github.com/Domenick1991/staysync/internal/natsbus"
	"github.com/Domenick1991/staysync/internal/repository"
	"github.com/Domenick1991/staysync/internal/service/feedsync"
	"github.com/Domenick1991/staysync/internal/service/reservation"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Publisher is what both event buses offer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

// App is the wired object graph shared by the API and worker processes.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Pool         *pgxpool.Pool
	Manager      *availability.Manager
	Publisher    Publisher
	Reservations *reservation.ReservationService
	Feeds        *feedsync.FeedSyncService
	Scheduler    *feedsync.Scheduler

	closers []io.Closer
}

// Build connects to postgres (and redis, kafka or nats as configured) and wires the services.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.Registry)

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	app.Pool = pool

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, pool); err != nil {
			app.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	managerOpts := []availability.ManagerOption{
		availability.WithStore(repository.NewBlockRepository(pool)),
		availability.WithLogger(logger.Named("availability")),
		availability.WithLockWaitObserver(app.Metrics.LockWait),
	}
	local := availability.NewLocalLocker(cfg.Availability.LockWait())
	switch cfg.Availability.LockBackend {
	case "redis":
		client := cache.NewRedisClient(cfg.Redis)
		app.closers = append(app.closers, client)
		redisLocker := cache.NewRedisLocker(client, cfg.Availability.LockTTL(), cfg.Availability.LockWait())
		if err := redisLocker.Ping(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		managerOpts = append(managerOpts,
			availability.WithLocker(availability.ChainLocker{local, redisLocker}),
			availability.WithReloadOnLock(),
		)
	default:
		managerOpts = append(managerOpts, availability.WithLocker(local))
	}
	app.Manager = availability.NewManager(managerOpts...)

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Publisher = publisher
	if c, ok := publisher.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	app.Reservations = reservation.NewReservationService(
		app.Manager,
		publisher,
		cfg.Kafka.AvailabilityTopic,
		cfg.Availability.HoldTTL(),
		reservation.WithNotificationsTopic(cfg.Kafka.NotificationsTopic),
		reservation.WithMaxNights(cfg.Availability.MaxNights),
		reservation.WithDefaultMode(domain.ReserveMode(cfg.Availability.DefaultHoldMode)),
		reservation.WithMetrics(app.Metrics),
		reservation.WithLogger(logger.Named("reservation")),
	)

	fetcher := adapter.NewHTTPFetcher(cfg.Sync.FetchTimeout(), cfg.Sync.MaxFeedBytes,
		adapter.WithRateLimit(cfg.Sync.FetchRatePerSecond))
	app.Feeds = feedsync.NewFeedSyncService(
		repository.NewFeedRepository(pool),
		fetcher,
		app.Manager,
		feedsync.WithProducer(publisher, cfg.Kafka.AvailabilityTopic),
		feedsync.WithNotificationsTopic(cfg.Kafka.NotificationsTopic),
		feedsync.WithMaxRetries(cfg.Sync.MaxRetries),
		feedsync.WithRefreshInterval(cfg.Sync.RefreshInterval()),
		feedsync.WithStaleAfter(cfg.Sync.StaleAfter()),
		feedsync.WithConcurrency(cfg.Sync.Concurrency),
		feedsync.WithMetrics(app.Metrics),
		feedsync.WithLogger(logger.Named("feedsync")),
	)

	app.Scheduler = feedsync.NewScheduler(app.Feeds, app.Reservations,
		cfg.Sync.RefreshInterval(), cfg.Worker.HoldSweepInterval(), logger.Named("scheduler"))

	return app, nil
}

func newPublisher(cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.Events.Driver {
	case "kafka":
		return kafka.NewProducer(cfg.Kafka.Brokers, logger.Named("kafka")), nil
	case "nats":
		bus, err := natsbus.Connect(cfg.NATS.URL, logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return discardPublisher{}, nil
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, string, interface{}) error { return nil }

// Close releases every connection Build opened.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Warn("close", zap.Error(err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
