package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type fakeConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *fakeConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *fakeConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *fakeConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *fakeConsumerGroup) Pause(map[string][]int32)  {}
func (m *fakeConsumerGroup) Resume(map[string][]int32) {}
func (m *fakeConsumerGroup) PauseAll()                 {}
func (m *fakeConsumerGroup) ResumeAll()                {}

type fakeSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *fakeSession) Claims() map[string][]int32               { return nil }
func (m *fakeSession) MemberID() string                         { return "member" }
func (m *fakeSession) GenerationID() int32                      { return 1 }
func (m *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (m *fakeSession) Commit()                                  {}
func (m *fakeSession) ResetOffset(string, int32, int64, string) {}
func (m *fakeSession) Context() context.Context                 { return m.ctx }
func (m *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type fakeClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *fakeClaim) Topic() string                            { return m.topic }
func (m *fakeClaim) Partition() int32                         { return m.partition }
func (m *fakeClaim) InitialOffset() int64                     { return 0 }
func (m *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func TestNewConsumerErrors(t *testing.T) {
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, func(context.Context, *sarama.ConsumerMessage) error { return nil }); err == nil {
		t.Fatal("unreachable broker should fail consumer construction")
	}
	if _, err := NewConsumerWithDLQ([]string{"invalid-broker:9092"}, "group", []string{"topic"}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, 3); err == nil {
		t.Fatal("unreachable broker should fail dlq consumer construction")
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &fakeConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := &Consumer{
		consumer:   group,
		topics:     []string{"shop.payment.events"},
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:     log.WithField("test", "consumer"),
		maxRetries: 2,
	}

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if consumeCalls == 0 {
		t.Fatal("Consume was never invoked")
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &fakeConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop")}
	if err := consumer.Stop(); err == nil {
		t.Fatal("close error should surface from Stop")
	}
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("Setup must be a no-op: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("Cleanup must be a no-op: %v", err)
	}
}

func TestConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handler: func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:  log.WithField("test", "claim"),
	}

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("want 1 marked message, got %d", len(session.marked))
	}
}

func TestConsumeClaimFailedHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("failed") },
		logger:     log.WithField("test", "claim-fail"),
		maxRetries: 1,
	}

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message must stay unmarked, got %d marks", len(session.marked))
	}
}

func TestHandleMessageWithRetry(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte(`{"a":1}`)}

	t.Run("success", func(t *testing.T) {
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
			logger:     log.WithField("test", "retry-success"),
			maxRetries: 2,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("retry below limit", func(t *testing.T) {
		retryingMessage := &sarama.ConsumerMessage{
			Topic:   "topic",
			Key:     []byte("key"),
			Value:   []byte("{}"),
			Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("1")}},
		}
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("temporary") },
			logger:     log.WithField("test", "retry"),
			maxRetries: 3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retryingMessage); err == nil {
			t.Fatal("error below retry limit should propagate")
		}
	})

	t.Run("max retries without dlq", func(t *testing.T) {
		retryingMessage := &sarama.ConsumerMessage{
			Topic:   "topic",
			Key:     []byte("key"),
			Value:   []byte("{}"),
			Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("3")}},
		}
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			logger:     log.WithField("test", "max-no-dlq"),
			maxRetries: 3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retryingMessage); err == nil {
			t.Fatal("without dlq the final error should propagate")
		}
	})

	t.Run("max retries with dlq success", func(t *testing.T) {
		fakeProducer := mocks.NewSyncProducer(t, nil)
		fakeProducer.ExpectSendMessageAndSucceed()
		retryingMessage := &sarama.ConsumerMessage{
			Topic:   "topic",
			Key:     []byte("key"),
			Value:   []byte("{}"),
			Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("3")}},
		}
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: &Producer{producer: fakeProducer, logger: log.WithField("test", "dlq")},
			logger:      log.WithField("test", "max-dlq"),
			maxRetries:  3,
		}
		if err := consumer.handleMessageWithRetry(context.Background(), retryingMessage); err != nil {
			t.Fatalf("dlq hand-off should swallow the error: %v", err)
		}
		if err := fakeProducer.Close(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRetryCountHeader(t *testing.T) {
	consumer := &Consumer{}

	withHeader := &sarama.ConsumerMessage{
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("4")}},
	}
	if got := consumer.retryCount(withHeader); got != 4 {
		t.Fatalf("expected retry count 4, got %d", got)
	}

	malformed := &sarama.ConsumerMessage{
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("not-a-number")}},
	}
	if got := consumer.retryCount(malformed); got != 0 {
		t.Fatalf("expected retry count 0 for malformed header, got %d", got)
	}

	if got := consumer.retryCount(&sarama.ConsumerMessage{}); got != 0 {
		t.Fatalf("expected retry count 0 without headers, got %d", got)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Value: []byte(`{"event_type":"payment.succeeded","order_number":"ORD-10001","provider_ref":"ch_1"}`),
	}

	event, err := ParsePaymentEvent(msg)
	if err != nil {
		t.Fatalf("parse payment event: %v", err)
	}
	if event.EventType != EventTypePaymentSucceeded || event.OrderNumber != "ORD-10001" {
		t.Fatalf("unexpected event: %+v", event)
	}

	if _, err := ParsePaymentEvent(&sarama.ConsumerMessage{Value: []byte("not-json")}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseOrderEvent(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Value: []byte(`{"event_type":"order.created","order_number":"ORD-10002","user_id":"user-1"}`),
	}

	event, err := ParseOrderEvent(msg)
	if err != nil {
		t.Fatalf("parse order event: %v", err)
	}
	if event.EventType != EventTypeOrderCreated || event.OrderNumber != "ORD-10002" {
		t.Fatalf("unexpected event: %+v", event)
	}
}
