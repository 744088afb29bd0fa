package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cornjacket/messagewatch/internal/services/failures"
	"github.com/cornjacket/messagewatch/internal/services/ingest"
	"github.com/cornjacket/messagewatch/internal/services/integrations"
	"github.com/cornjacket/messagewatch/internal/services/notifications"
	"github.com/cornjacket/messagewatch/internal/services/recovery"
	"github.com/cornjacket/messagewatch/internal/shared/breaker"
	"github.com/cornjacket/messagewatch/internal/shared/config"
	"github.com/cornjacket/messagewatch/internal/shared/infra/postgres"
	"github.com/cornjacket/messagewatch/internal/shared/infra/redpanda"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting messagewatch",
		"api_port", cfg.PortAPI,
		"ingest_enabled", cfg.IngestEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	pg, err := postgres.NewClient(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	// The integration dispatcher needs its own connection: LISTEN pins it.
	listenConn, err := postgres.NewListenConn(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open listen connection", "error", err)
		os.Exit(1)
	}
	defer listenConn.Close(context.Background())

	brokers := strings.Split(cfg.RedpandaBrokers, ",")
	producer, err := redpanda.NewProducer(brokers, logger)
	if err != nil {
		slog.Error("failed to create Redpanda producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// Repositories
	messageRepo := postgres.NewFailedMessageRepo(pg.Pool(), logger)
	batchRepo := postgres.NewRetryBatchRepo(pg.Pool(), logger)
	linkRepo := postgres.NewRetryLinkRepo(pg.Pool(), logger)
	bodyRepo := postgres.NewBodyRepo(pg.Pool(), logger)
	eventLogRepo := postgres.NewEventLogRepo(pg.Pool(), logger)
	integrationRepo := postgres.NewIntegrationEventRepo(pg.Pool(), logger)

	// Failed message store
	failureSvc := failures.NewService(messageRepo, eventLogRepo, integrationRepo, failures.ServiceConfig{
		ErrorRetention:    cfg.ErrorRetention,
		EventLogRetention: cfg.EventLogRetention,
		TrackingWindow:    cfg.RetryTrackingWindow,
	}, logger)

	// Retry pipeline
	manager := recovery.NewManager(batchRepo, linkRepo, messageRepo, logger)
	dispatcher := recovery.NewDispatcher(producer, batchRepo, linkRepo, messageRepo, logger)
	worker := recovery.NewWorker(manager, dispatcher, batchRepo, linkRepo, messageRepo, bodyRepo, recovery.WorkerConfig{
		PollInterval:       cfg.RecoveryPoll,
		MaxStagingAttempts: cfg.StagingMaxAttempts,
	}, logger)

	// External integration dispatch
	dispatchBreaker := breaker.New("integration-events", cfg.BreakerWindow, cfg.DispatchRetryDelay,
		func(err error) {
			slog.Error("integration event dispatch has been failing for the whole breaker window",
				"error", err,
			)
		}, logger)
	integrationDispatcher := integrations.NewDispatcher(
		integrationRepo,
		redpanda.NewIntegrationPublisher(producer, cfg.IntegrationTopic),
		dispatchBreaker,
		listenConn,
		integrations.DispatcherConfig{
			BatchSize:    cfg.DispatchBatchSize,
			PollInterval: cfg.DispatchPoll,
		},
		logger,
	)

	// Count change notifications, announced as integration events.
	notifier := notifications.NewNotifier(failureSvc, logger)
	if err := notifier.Subscribe(func(ctx context.Context, counts failures.Counts) error {
		return integrationRepo.Publish(ctx, "FailedMessageCountsChanged", counts)
	}); err != nil {
		slog.Error("failed to register counts subscriber", "error", err)
		os.Exit(1)
	}

	// Retention sweep
	expirer := postgres.NewExpirer(pg.Pool(), postgres.ExpirerConfig{
		Interval:  cfg.ExpiryPoll,
		BatchSize: cfg.ExpiryBatchSize,
	}, logger)

	// HTTP API
	mux := http.NewServeMux()
	failures.NewHandler(failureSvc, logger).RegisterRoutes(mux)
	recovery.NewHandler(manager, messageRepo, logger).RegisterRoutes(mux)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PortAPI),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return integrationDispatcher.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx, cfg.NotificationsPoll) })
	g.Go(func() error { return expirer.Run(gctx) })
	g.Go(func() error {
		failureSvc.RunResolver(gctx, cfg.ResolverPoll)
		return nil
	})

	if cfg.IngestEnabled {
		consumer, err := ingest.NewConsumer(
			ingest.NewIngester(failureSvc, bodyRepo, logger),
			ingest.ConsumerConfig{
				Brokers: brokers,
				GroupID: cfg.ErrorQueueGroup,
				Topic:   cfg.ErrorQueueTopic,
			},
			logger,
		)
		if err != nil {
			slog.Error("failed to create error consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Start(gctx) })
	}

	g.Go(func() error {
		slog.Info("http api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("messagewatch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("messagewatch stopped")
}

// newLogger creates a structured logger based on configuration.
func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
