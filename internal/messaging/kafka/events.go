package kafka

import "time"

// EventType определяет тип события магазина.
type EventType string

const (
	// События заказов.
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderStatusChanged EventType = "order.status_changed"

	// События платёжного провайдера.
	EventTypePaymentSucceeded EventType = "payment.succeeded"
	EventTypePaymentFailed    EventType = "payment.failed"
)

// Topics для Kafka.
const (
	TopicOrderEvents     = "shop.order.events"
	TopicPaymentEvents   = "shop.payment.events"
	TopicDeadLetterQueue = "shop.dlq"
)

// Kafka headers для retry-логики.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderEvent — событие жизненного цикла заказа. В качестве идентификатора
// наружу уходит только клиентский номер заказа.
type OrderEvent struct {
	EventType     EventType              `json:"event_type"`
	OrderNumber   string                 `json:"order_number"`
	UserID        string                 `json:"user_id"`
	OrderStatus   string                 `json:"order_status"`
	PaymentStatus string                 `json:"payment_status"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// PaymentEvent — событие платёжного провайдера по заказу.
type PaymentEvent struct {
	EventType   EventType              `json:"event_type"`
	OrderNumber string                 `json:"order_number"`
	ProviderRef string                 `json:"provider_ref,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewOrderEvent создаёт событие заказа.
func NewOrderEvent(eventType EventType, orderNumber, userID, orderStatus, paymentStatus string, metadata map[string]interface{}) *OrderEvent {
	return &OrderEvent{
		EventType:     eventType,
		OrderNumber:   orderNumber,
		UserID:        userID,
		OrderStatus:   orderStatus,
		PaymentStatus: paymentStatus,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}
}
