package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ibfashionhub/order-service/internal/domain"
	"github.com/ibfashionhub/order-service/internal/messaging/kafka"
	"github.com/ibfashionhub/order-service/internal/storage/memory"
	"github.com/ibfashionhub/order-service/internal/storage/postgres"
	redisstore "github.com/ibfashionhub/order-service/internal/storage/redis"
)

// Dependencies содержит инфраструктурные зависимости приложения.
type Dependencies struct {
	Orders      domain.OrderRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository

	// Store не nil только в postgres-режиме; используется для health check
	// и для воркера очистки idempotency ключей.
	Store *postgres.Store
	// Producer не nil только при настроенном Kafka.
	Producer *kafka.Producer

	Logger *log.Entry

	// PostgresIdempotency сообщает, что idempotency хранится в postgres
	// и требует периодической очистки по TTL.
	PostgresIdempotency bool

	redisPing func(context.Context) error
	closers   []func() error
}

// NewDependencies инициализирует хранилища и брокер по конфигурации.
// Без SHOP_POSTGRES_DSN сервис работает на in-memory хранилищах —
// режим для локальной разработки и тестов.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{Logger: logger}

	if cfg.PostgresDSN != "" {
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}

		deps.Store = store
		deps.Orders = postgres.NewOrderRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Idempotency = postgres.NewIdempotencyRepository(store)
		deps.PostgresIdempotency = true
		deps.closers = append(deps.closers, store.Close)
		logger.Info("postgres storage initialized")
	} else {
		outbox := memory.NewOutboxRepository()
		deps.Orders = memory.NewOrderRepository(outbox)
		deps.Outbox = outbox
		deps.Idempotency = memory.NewIdempotencyRepository()
		logger.Info("in-memory storage initialized")
	}

	if cfg.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		deps.Idempotency = redisstore.NewIdempotencyRepository(client)
		deps.PostgresIdempotency = false
		deps.redisPing = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		deps.closers = append(deps.closers, client.Close)
		logger.WithField("addr", cfg.RedisAddr).Info("redis idempotency storage initialized")
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		} else {
			deps.Producer = producer
			deps.closers = append(deps.closers, producer.Close)
			logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
		}
	}

	return deps, nil
}

// RedisPing возвращает ping-функцию Redis или nil, если Redis не настроен.
func (d *Dependencies) RedisPing() func(context.Context) error {
	return d.redisPing
}

// Close освобождает ресурсы в обратном порядке инициализации.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.WithError(err).Warn("failed to close dependency")
		}
	}
	d.closers = nil
}
