// Package app собирает витрину: хранилище, kafka, сервисы, HTTP/gRPC серверы и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/telemetry"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	shutdownTimeout    = 5 * time.Second
	healthSyncInterval = 10 * time.Second
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	orderingCfg, err := cfg.OrderingConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    version.ServiceName,
		ServiceVersion: version.GetVersion(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("failed to flush traces")
		}
	}()

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	msg := initMessaging(cfg, logger)
	defer closeKafkaProducer(msg.producer, logger)

	orders := ordering.NewService(ordering.Dependencies{
		Catalog:        deps.catalog,
		Ledger:         deps.catalog,
		Orders:         deps.repo,
		Timeline:       deps.timelineRepo,
		Outbox:         deps.outboxRepo,
		Idempotency:    deps.idempotencyRepo,
		Reconciliation: msg.queue,
	},
		ordering.WithLogger(logger.WithField("layer", "ordering")),
		ordering.WithMetrics(metrics.NewOrderMetrics()),
		ordering.WithConfig(orderingCfg),
		ordering.WithTracer(telemetry.Tracer()),
	)
	products := catalog.NewService(deps.catalog, deps.catalog, logger.WithField("layer", "catalog"))
	reconciler := reconcile.NewReconciler(deps.repo, deps.catalog, msg.queue,
		logger.WithField("component", "reconciler"), cfg.ReconcileMaxAttempts)
	reconcileHandler := reconcile.NewRetryingHandler(reconciler, reconcile.DefaultRetryConfig(),
		reconcile.NewCircuitBreaker(cfg.ReconcileMaxAttempts, cfg.ReconcileInterval, logger.WithField("component", "reconcile-breaker")),
		logger.WithField("component", "reconcile-retry"))

	healthHandler := newHealthHandler(cfg, deps)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	grpcServer, grpcHealth := newGRPCServer(orders, logger)
	httpServer := httpapi.NewServer(cfg.HTTPAddr,
		httpapi.NewHandler(orders, products, logger.WithField("layer", "http")).Routes())
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		syncGRPCHealth(gctx, healthHandler, grpcHealth, healthSyncInterval, logger.WithField("component", "grpc-health"))
		return nil
	})
	startWorkers(gctx, g, cfg, deps, msg, reconcileHandler, logger)

	var consumer *kafka.Consumer
	if msg.producer != nil {
		consumer, err = startReconciliationConsumer(gctx, cfg, msg.producer, reconcileHandler)
		if err != nil {
			logger.WithError(err).Warn("reconciliation consumer is disabled")
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		grpcHealth.Shutdown()
		stopGRPC(grpcServer, logger)
		shutdownHTTP(httpServer, logger)
		stopConsumer(consumer, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// startWorkers запускает outbox, очистку ключей идемпотентности и, без kafka, разбор очереди сверки.
func startWorkers(ctx context.Context, g *errgroup.Group, cfg Config, deps *runtimeDependencies, msg messagingDependencies, handler reconcile.Handler, logger *log.Entry) {
	outboxRelay := outbox.NewRelay(deps.outboxRepo, msg.publisher, outbox.Config{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		RetryDelay:   cfg.OutboxRetryDelay,
	},
		outbox.WithLogger(logger.WithField("component", "outbox-relay")),
		outbox.WithDeadLetters(msg.dlq),
	)
	sweeper := idempotency.NewSweeper(deps.idempotencyRepo, idempotency.SweepConfig{
		Interval:  cfg.IdempotencyCleanupInterval,
		BatchSize: cfg.IdempotencyCleanupBatchSize,
	}, logger.WithField("component", "idempotency-sweeper"))

	g.Go(func() error {
		outboxRelay.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	if msg.source != nil {
		reconcileWorker := reconcile.NewWorker(msg.source, handler,
			logger.WithField("component", "reconcile-worker"), cfg.ReconcileInterval, 0)
		g.Go(func() error {
			reconcileWorker.Run(ctx)
			return nil
		})
	}
}

func newHealthHandler(cfg Config, deps *runtimeDependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.GetVersion())
	handler.RegisterChecker("storage", deps.storageChecker)
	handler.RegisterChecker("redis", deps.redisChecker)
	if cfg.OutboxMaxPending > 0 && deps.outboxRepo != nil {
		handler.RegisterChecker("outbox", healthcheck.NewOptionalChecker("outbox", func(ctx context.Context) error {
			stats, err := deps.outboxRepo.Stats(ctx)
			if err != nil {
				return err
			}
			if stats.PendingCount > cfg.OutboxMaxPending {
				return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, cfg.OutboxMaxPending)
			}
			return nil
		}))
	}
	return handler
}
