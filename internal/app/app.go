package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/ibfashionhub/order-service/internal/health"
	"github.com/ibfashionhub/order-service/internal/messaging/kafka"
	"github.com/ibfashionhub/order-service/internal/metrics"
	"github.com/ibfashionhub/order-service/internal/service/httpapi"
	"github.com/ibfashionhub/order-service/internal/service/idempotency"
	"github.com/ibfashionhub/order-service/internal/service/order"
	"github.com/ibfashionhub/order-service/internal/service/outbox"
	"github.com/ibfashionhub/order-service/internal/service/payment"
	"github.com/ibfashionhub/order-service/internal/version"
)

const (
	shutdownTimeout       = 5 * time.Second
	paymentConsumerGroup  = "shop-order-service"
	paymentConsumerRetryN = 3
)

// Run поднимает API, служебный листенер и фоновые воркеры
// и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	orderMetrics := metrics.NewOrderMetrics()
	orders := order.NewService(deps.Orders, deps.Outbox, orderMetrics, logger.WithField("layer", "service"))

	verifier := httpapi.NewStaticTokenVerifier(cfg.APITokens, cfg.AdminTokens)
	apiServer := httpapi.NewServer(httpapi.ServerOptions{
		Orders:      orders,
		Idempotency: deps.Idempotency,
		Verifier:    verifier,
		Logger:      logger.WithField("layer", "http"),
	})

	healthHandler := newHealthHandler(deps)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	var workers sync.WaitGroup

	// Outbox worker публикует order.* события в Kafka.
	if deps.Producer != nil {
		publisher := kafka.NewOutboxPublisher(deps.Producer, kafka.TopicOrderEvents)
		dlqPublisher := kafka.NewOutboxPublisher(deps.Producer, kafka.TopicDeadLetterQueue)
		worker := outbox.NewWorker(
			deps.Outbox,
			publisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(dlqPublisher),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			worker.Run(ctx)
		}()
	} else {
		logger.Info("kafka is not configured, outbox worker is disabled")
	}

	// Consumer платёжных событий переводит paymentStatus заказов.
	var paymentConsumer *kafka.Consumer
	if deps.Producer != nil {
		handler := payment.NewHandler(orders)
		consumer, err := kafka.NewConsumerWithDLQ(
			cfg.KafkaBrokers,
			paymentConsumerGroup,
			[]string{kafka.TopicPaymentEvents},
			handler.MessageHandler(),
			deps.Producer,
			paymentConsumerRetryN,
		)
		if err != nil {
			logger.WithError(err).Warn("failed to create payment consumer, continuing without it")
		} else {
			paymentConsumer = consumer
			workers.Add(1)
			go func() {
				defer workers.Done()
				if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Error("payment consumer stopped with error")
				}
			}()
		}
	}

	// Для postgres-idempotency просроченные ключи убирает фоновой воркер;
	// redis чистит их сам по TTL.
	if deps.PostgresIdempotency {
		cleanup := idempotency.NewCleanupWorker(
			deps.Idempotency,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
		)
		workers.Add(1)
		go func() {
			defer workers.Done()
			cleanup.Run(ctx)
		}()
	}

	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiServer.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		errCh <- apiSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping service")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownHTTP(metricsSrv, logger)
			return err
		}
	}

	shutdownHTTP(apiSrv, logger)
	shutdownHTTP(metricsSrv, logger)

	if paymentConsumer != nil {
		if err := paymentConsumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop payment consumer")
		}
	}

	workers.Wait()
	return ctx.Err()
}

// newHealthHandler собирает health-пробы по активным зависимостям.
func newHealthHandler(deps *Dependencies) *healthcheck.Handler {
	v, _, _ := version.Info()
	handler := healthcheck.NewHandler(v)

	if deps.Store != nil {
		handler.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", 0, deps.Store.Ping))
	}
	if ping := deps.RedisPing(); ping != nil {
		handler.RegisterChecker("redis", healthcheck.NewPingChecker("redis", 0, ping))
	}

	return handler
}

// startMetricsServer запускает служебный листенер: /metrics и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
