package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/ibfashionhub/order-service/internal/domain"
	"github.com/ibfashionhub/order-service/internal/messaging/kafka"
)

var _ StatusApplier = (*stubStatusApplier)(nil)

type stubStatusApplier struct {
	err error

	orderNumbers []string
	statuses     []domain.PaymentStatus
}

func (s *stubStatusApplier) ApplyPaymentStatus(orderNumber string, status domain.PaymentStatus) error {
	s.orderNumbers = append(s.orderNumbers, orderNumber)
	s.statuses = append(s.statuses, status)
	return s.err
}

func paymentMessage(t *testing.T, eventType kafka.EventType, orderNumber string) *sarama.ConsumerMessage {
	t.Helper()

	event := kafka.PaymentEvent{
		EventType:   eventType,
		OrderNumber: orderNumber,
		ProviderRef: "ch_test_1",
		Timestamp:   time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal payment event: %v", err)
	}

	return &sarama.ConsumerMessage{
		Topic: kafka.TopicPaymentEvents,
		Key:   []byte(orderNumber),
		Value: value,
	}
}

func TestHandler_Handle_PaymentSucceeded(t *testing.T) {
	t.Parallel()

	applier := &stubStatusApplier{}
	handler := NewHandler(applier)

	msg := paymentMessage(t, kafka.EventTypePaymentSucceeded, "ORD-10001")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(applier.orderNumbers) != 1 || applier.orderNumbers[0] != "ORD-10001" {
		t.Fatalf("unexpected order numbers: %v", applier.orderNumbers)
	}
	if applier.statuses[0] != domain.PaymentStatusPaid {
		t.Fatalf("unexpected status: %s", applier.statuses[0])
	}
}

func TestHandler_Handle_PaymentFailed(t *testing.T) {
	t.Parallel()

	applier := &stubStatusApplier{}
	handler := NewHandler(applier)

	msg := paymentMessage(t, kafka.EventTypePaymentFailed, "ORD-10002")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if applier.statuses[0] != domain.PaymentStatusFailed {
		t.Fatalf("unexpected status: %s", applier.statuses[0])
	}
}

func TestHandler_Handle_UnknownEventTypeAcked(t *testing.T) {
	t.Parallel()

	applier := &stubStatusApplier{}
	handler := NewHandler(applier)

	msg := paymentMessage(t, "payment.refund_requested", "ORD-10003")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected unknown event type to be acked, got: %v", err)
	}

	if len(applier.orderNumbers) != 0 {
		t.Fatalf("expected no status changes, got: %v", applier.orderNumbers)
	}
}

func TestHandler_Handle_MissingOrderNumber(t *testing.T) {
	t.Parallel()

	handler := NewHandler(&stubStatusApplier{})

	msg := paymentMessage(t, kafka.EventTypePaymentSucceeded, "")
	if err := handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected error for event without order_number")
	}
}

func TestHandler_Handle_MalformedPayload(t *testing.T) {
	t.Parallel()

	handler := NewHandler(&stubStatusApplier{})

	msg := &sarama.ConsumerMessage{
		Topic: kafka.TopicPaymentEvents,
		Value: []byte("{not json"),
	}
	if err := handler.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestHandler_Handle_ApplierErrorPropagates(t *testing.T) {
	t.Parallel()

	applier := &stubStatusApplier{err: domain.ErrOrderNotFound}
	handler := NewHandler(applier)

	msg := paymentMessage(t, kafka.EventTypePaymentSucceeded, "ORD-99999")
	err := handler.Handle(context.Background(), msg)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got: %v", err)
	}
}

func TestHandler_Handle_TerminalStatusEventAcked(t *testing.T) {
	t.Parallel()

	// Заказ уже оплачен: запоздавшее payment.failed подтверждается без
	// повторов, иначе сообщение уедет в DLQ без шанса на успех.
	applier := &stubStatusApplier{err: fmt.Errorf("%w: payment paid -> failed", domain.ErrStatusTransitionInvalid)}
	handler := NewHandler(applier)

	msg := paymentMessage(t, kafka.EventTypePaymentFailed, "ORD-10001")
	if err := handler.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected out-of-order event to be acked, got: %v", err)
	}
	if len(applier.orderNumbers) != 1 {
		t.Fatalf("expected exactly one apply attempt, got %d", len(applier.orderNumbers))
	}
}

func TestHandler_MessageHandler(t *testing.T) {
	t.Parallel()

	applier := &stubStatusApplier{}
	handle := NewHandler(applier).MessageHandler()

	msg := paymentMessage(t, kafka.EventTypePaymentSucceeded, "ORD-10004")
	if err := handle(context.Background(), msg); err != nil {
		t.Fatalf("handler func failed: %v", err)
	}
	if len(applier.orderNumbers) != 1 {
		t.Fatalf("expected 1 applied status, got %d", len(applier.orderNumbers))
	}
}
