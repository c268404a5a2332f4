package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/ibfashionhub/order-service/internal/domain"
	"github.com/ibfashionhub/order-service/internal/messaging/kafka"
)

// StatusApplier переводит статус оплаты заказа по его клиентскому номеру.
type StatusApplier interface {
	ApplyPaymentStatus(orderNumber string, status domain.PaymentStatus) error
}

// Handler обрабатывает события платёжного провайдера из Kafka
// и переводит paymentStatus соответствующего заказа.
type Handler struct {
	orders StatusApplier
	logger *log.Entry
}

// NewHandler создаёт обработчик платёжных событий.
func NewHandler(orders StatusApplier) *Handler {
	return &Handler{
		orders: orders,
		logger: log.WithField("component", "payment-consumer"),
	}
}

// MessageHandler возвращает функцию-обработчик для kafka.Consumer.
func (h *Handler) MessageHandler() kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		return h.Handle(ctx, message)
	}
}

// Handle применяет одно платёжное событие. Ошибка возвращается наверх,
// чтобы consumer повторил доставку или отправил сообщение в DLQ.
func (h *Handler) Handle(_ context.Context, message *sarama.ConsumerMessage) error {
	event, err := kafka.ParsePaymentEvent(message)
	if err != nil {
		return fmt.Errorf("parse payment event: %w", err)
	}
	if event.OrderNumber == "" {
		return errors.New("payment event without order_number")
	}

	var status domain.PaymentStatus
	switch event.EventType {
	case kafka.EventTypePaymentSucceeded:
		status = domain.PaymentStatusPaid
	case kafka.EventTypePaymentFailed:
		status = domain.PaymentStatusFailed
	default:
		// Неизвестные типы подтверждаем без обработки, чтобы не
		// блокировать partition на чужих событиях в общем топике.
		h.logger.WithFields(log.Fields{
			"event_type":   string(event.EventType),
			"order_number": event.OrderNumber,
		}).Warn("skipping unsupported payment event type")
		return nil
	}

	if err := h.orders.ApplyPaymentStatus(event.OrderNumber, status); err != nil {
		if errors.Is(err, domain.ErrStatusTransitionInvalid) {
			// Дубль или запоздавшее событие: статус уже терминальный,
			// повторная доставка ничего не изменит.
			h.logger.WithFields(log.Fields{
				"order_number":   event.OrderNumber,
				"payment_status": string(status),
			}).Warn("ignoring out-of-order payment event")
			return nil
		}
		return fmt.Errorf("apply payment status %s to %s: %w", status, event.OrderNumber, err)
	}

	h.logger.WithFields(log.Fields{
		"order_number":   event.OrderNumber,
		"payment_status": string(status),
		"provider_ref":   event.ProviderRef,
	}).Info("payment status applied")
	return nil
}
