package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/Domenick1991/staysync/config"
	"github.com/Domenick1991/staysync/internal/kafka"
	"github.com/Domenick1991/staysync/internal/natsbus"
	"github.com/oklog/run"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RunAPI serves HTTP and gRPC, runs the scheduler unless the config hands it to the worker
// process, and applies booking records from kafka. Blocks until a signal or a component fails.
func RunAPI(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	g := &run.Group{}

	grpcSrv, healthSrv := NewGRPCServer(logger, app.Registry, app.Metrics)
	g.Add(func() error {
		l, err := net.Listen("tcp", cfg.GRPC.Address)
		if err != nil {
			return fmt.Errorf("listen gRPC %s: %w", cfg.GRPC.Address, err)
		}
		logger.Info("starting gRPC server", zap.String("addr", l.Addr().String()))
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcSrv.Serve(l)
	}, func(error) {
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           NewRouter(logger, app.Registry, app.Reservations, app.Feeds, app.Pool),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Add(func() error {
		logger.Info("starting HTTP server", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop web server", zap.Error(err))
		}
	})

	if !cfg.Worker.Disabled {
		addScheduler(ctx, g, app)
	}

	if cfg.Kafka.BookingRecordsTopic != "" && len(cfg.Kafka.Brokers) > 0 {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.BookingRecordsTopic)
		addConsumer(ctx, g, consumer, TrackBookingRecords(app.Reservations, logger.Named("booking_records"), nil))
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	return g.Run()
}

// RunWorker turns notification events into emails, and runs the scheduler when the API
// process has handed it over with worker.disabled.
func RunWorker(ctx context.Context, app *App, sender EventSender) error {
	cfg := app.Config
	logger := app.Logger

	runScheduler, err := workerOwnsScheduler(cfg)
	if err != nil {
		return err
	}

	g := &run.Group{}
	if runScheduler {
		addScheduler(ctx, g, app)
	} else {
		logger.Info("scheduler runs in the API process, worker only sends notifications")
	}

	switch cfg.Events.Driver {
	case "kafka":
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic)
		addConsumer(ctx, g, consumer, SendEvents(sender, logger.Named("notifications")))
	case "nats":
		if err := subscribeNATS(app, sender); err != nil {
			return err
		}
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	return g.Run()
}

// workerOwnsScheduler reports whether cmd/worker should run feed refresh and hold sweeps. A
// worker next to an API process must share locks and reload indexes through redis, otherwise
// its writes never reach the API's in-memory indexes.
func workerOwnsScheduler(cfg *config.Config) (bool, error) {
	if !cfg.Worker.Disabled {
		return false, nil
	}
	if cfg.Availability.LockBackend != "redis" {
		return false, fmt.Errorf("worker scheduler needs lock_backend redis, got %q", cfg.Availability.LockBackend)
	}
	return true, nil
}

func addScheduler(ctx context.Context, g *run.Group, app *App) {
	schedCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return app.Scheduler.Run(schedCtx)
	}, func(error) {
		cancel()
	})
}

func addConsumer(ctx context.Context, g *run.Group, consumer *kafka.Consumer, handler func(context.Context, kafkago.Message) error) {
	consumeCtx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		err := consumer.Consume(consumeCtx, handler)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}, func(error) {
		cancel()
		_ = consumer.Close()
	})
}

func subscribeNATS(app *App, sender EventSender) error {
	bus, ok := app.Publisher.(*natsbus.Bus)
	if !ok {
		return errors.New("nats driver configured without a nats connection")
	}
	_, err := bus.SubscribeEvents(app.Config.Kafka.NotificationsTopic, "staysync-worker", sender.Send)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", app.Config.Kafka.NotificationsTopic, err)
	}
	return nil
}
