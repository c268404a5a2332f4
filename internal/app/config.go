package app

import (
	"os"
	"strings"

	"github.com/ibfashionhub/order-service/internal/service/httpapi"
)

// Config описывает настройки запуска сервиса заказов.
type Config struct {
	// HTTPAddr — адрес публичного API.
	HTTPAddr string
	// MetricsAddr — адрес служебного листенера: /metrics и health checks.
	MetricsAddr string
	// PostgresDSN включает postgres-хранилище; пустое значение —
	// in-memory режим для локальной разработки.
	PostgresDSN string
	// KafkaBrokers включает публикацию событий и платёжный consumer.
	KafkaBrokers []string
	// RedisAddr переключает idempotency-хранилище на Redis.
	RedisAddr string
	// APITokens и AdminTokens — статические таблицы token -> userID.
	APITokens   map[string]string
	AdminTokens map[string]string
}

// DefaultConfig возвращает адреса по умолчанию.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
	}
}

// ReadConfig собирает конфигурацию из переменных окружения поверх дефолтов.
func ReadConfig() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("SHOP_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SHOP_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("SHOP_POSTGRES_DSN"))
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("SHOP_REDIS_ADDR"))
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = splitBrokers(v)
	}
	cfg.APITokens = httpapi.ParseTokenPairs(os.Getenv("SHOP_API_TOKENS"))
	cfg.AdminTokens = httpapi.ParseTokenPairs(os.Getenv("SHOP_ADMIN_TOKENS"))
	return cfg
}

func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}
