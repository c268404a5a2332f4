package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("want 2 brokers, got %d", len(brokers))
	}
	if brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("brokers parsed wrong: %+v", brokers)
	}
}

func TestExtractReplayCandidate_ConsumerDLQPayload(t *testing.T) {
	payload := map[string]any{
		"original_topic": "shop.payment.events",
		"original_key":   "ORD-10001",
		"original_value": `{"event_type":"payment.succeeded","order_number":"ORD-10001"}`,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("cannot marshal test payload: %v", err)
	}

	got, ok, err := extractReplayCandidate(&sarama.ConsumerMessage{Value: raw}, "shop.order.events")
	if err != nil {
		t.Fatalf("extractReplayCandidate: %v", err)
	}
	if !ok {
		t.Fatal("message should yield a replay candidate")
	}
	if got.topic != "shop.payment.events" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "ORD-10001" {
		t.Fatalf("unexpected key: %s", got.key)
	}
	if !strings.Contains(string(got.value), "payment.succeeded") {
		t.Fatalf("unexpected replay value: %s", string(got.value))
	}
}

func TestExtractReplayCandidate_OutboxDLQPayload(t *testing.T) {
	envelope := map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "ORD-10002",
		"event_type":     "order.created",
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "order",
			"aggregate_id":   "ORD-10002",
			"event_type":     "order.created",
			"payload": map[string]any{
				"order_number": "ORD-10002",
			},
			"publish_error": "broker unavailable",
		},
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("cannot marshal test envelope: %v", err)
	}

	got, ok, err := extractReplayCandidate(&sarama.ConsumerMessage{Value: raw}, "shop.order.events")
	if err != nil {
		t.Fatalf("extractReplayCandidate: %v", err)
	}
	if !ok {
		t.Fatal("message should yield a replay candidate")
	}
	if got.topic != "shop.order.events" {
		t.Fatalf("unexpected topic: %s", got.topic)
	}
	if got.key != "ORD-10002" {
		t.Fatalf("unexpected key: %s", got.key)
	}
	if !json.Valid(got.value) {
		t.Fatalf("replay payload must be valid JSON: %s", string(got.value))
	}
}

func TestExtractReplayCandidate_OutboxMissingNestedPayload(t *testing.T) {
	envelope := map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "ORD-10003",
		"event_type":     "order.created",
		"payload": map[string]any{
			"outbox_id":      "outbox-1",
			"aggregate_type": "order",
			"aggregate_id":   "ORD-10003",
			"event_type":     "order.created",
		},
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("cannot marshal test envelope: %v", err)
	}

	_, ok, err := extractReplayCandidate(&sarama.ConsumerMessage{Value: raw}, "shop.order.events")
	if err == nil {
		t.Fatal("missing nested payload should be an error")
	}
	if ok {
		t.Fatal("message should not yield a candidate")
	}
}

func TestExtractReplayCandidate_UnknownPayload(t *testing.T) {
	_, ok, err := extractReplayCandidate(&sarama.ConsumerMessage{Value: []byte(`{"foo":"bar"}`)}, "shop.order.events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("unknown payload should be skipped silently")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("firstNonEmpty picked %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("all-blank input should give empty string, got %q", got)
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	withFlagArgs(t, []string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=shop.dlq",
		"-target-topic=shop.order.events",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig: %v", err)
		}
		if len(cfg.brokers) != 2 {
			t.Fatalf("want 2 brokers in config, got %d", len(cfg.brokers))
		}
		if cfg.limit != 10 || !cfg.execute || !cfg.fromNewest {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.idleTimeout.Seconds() != 3 {
			t.Fatalf("idle-timeout flag not applied: %s", cfg.idleTimeout)
		}
	})
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	withFlagArgs(t, []string{"-brokers="}, func() {
		_, err := readConfig()
		if err == nil || !strings.Contains(err.Error(), "kafka brokers are required") {
			t.Fatalf("missing brokers should fail validation, got: %v", err)
		}
	})

	withFlagArgs(t, []string{"-brokers=broker:9092", "-source-topic="}, func() {
		_, err := readConfig()
		if err == nil || !strings.Contains(err.Error(), "source-topic is required") {
			t.Fatalf("empty source-topic should fail validation, got: %v", err)
		}
	})

	withFlagArgs(t, []string{"-brokers=broker:9092", "-limit=0"}, func() {
		_, err := readConfig()
		if err == nil || !strings.Contains(err.Error(), "limit must be > 0") {
			t.Fatalf("zero limit should fail validation, got: %v", err)
		}
	})

	withFlagArgs(t, []string{"-brokers=broker:9092", "-idle-timeout=0s"}, func() {
		_, err := readConfig()
		if err == nil || !strings.Contains(err.Error(), "idle-timeout must be > 0") {
			t.Fatalf("zero idle-timeout should fail validation, got: %v", err)
		}
	})
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayCandidate{}); err == nil {
		t.Fatal("nil producer should be rejected")
	}

	producer := &fakeReplayProducer{}
	err := publishReplay(producer, replayCandidate{topic: "topic", key: "ORD-10001", value: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("publishReplay: %v", err)
	}
	if producer.calls != 1 {
		t.Fatalf("unexpected producer calls: %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Topic != "topic" {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	producer.sendErr = errors.New("send failed")
	if err := publishReplay(producer, replayCandidate{topic: "topic"}); err == nil {
		t.Fatal("send error should propagate")
	}
}

func consumerDLQMessage(offset int64, orderNumber string) *sarama.ConsumerMessage {
	value := fmt.Sprintf(
		`{"original_topic":"shop.order.events","original_key":"%s","original_value":"{\"order_number\":\"%s\"}"}`,
		orderNumber, orderNumber,
	)
	return &sarama.ConsumerMessage{Partition: 0, Offset: offset, Value: []byte(value)}
}

func TestScanPartition_DryRun(t *testing.T) {
	client := &fakeOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetWindow{0: {oldest: 0, newest: 2}},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: drainedPartitionConsumer([]*sarama.ConsumerMessage{consumerDLQMessage(0, "ORD-10001")}),
		},
	}

	cfg := config{sourceTopic: "shop.dlq", targetTopic: "shop.order.events", idleTimeout: 20 * time.Millisecond}

	stats, err := scanPartition(context.Background(), consumer, client, nil, cfg, 0, 10)
	if err != nil {
		t.Fatalf("scanPartition: %v", err)
	}
	if stats.processed != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestScanPartition_Execute(t *testing.T) {
	client := &fakeOffsetClient{offsets: map[int32]offsetWindow{0: {oldest: 0, newest: 2}}}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: drainedPartitionConsumer([]*sarama.ConsumerMessage{consumerDLQMessage(0, "ORD-10001")}),
		},
	}
	producer := &fakeReplayProducer{}

	cfg := config{sourceTopic: "shop.dlq", targetTopic: "shop.order.events", execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := scanPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	if err != nil {
		t.Fatalf("scanPartition: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("one record should be replayed, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("producer should be called once, got %d", producer.calls)
	}
}

func TestScanPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &fakeOffsetClient{offsets: map[int32]offsetWindow{0: {oldest: 0, newest: 2}}}

	idleConsumer := &fakePartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: idleConsumer}}
	cfg := config{sourceTopic: "shop.dlq", targetTopic: "shop.order.events", idleTimeout: 10 * time.Millisecond}

	stats, err := scanPartition(context.Background(), consumer, client, nil, cfg, 0, 1)
	if err != nil {
		t.Fatalf("idle timeout should end scan cleanly: %v", err)
	}
	if stats.processed != 0 {
		t.Fatalf("idle partition should process nothing, got %+v", stats)
	}
	close(idleConsumer.messages)
	close(idleConsumer.errors)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledPC := &fakePartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	canceledConsumer := &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: canceledPC}}
	if _, err := scanPartition(ctx, canceledConsumer, client, nil, cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	close(canceledPC.messages)
	close(canceledPC.errors)
}

func TestRunReplay(t *testing.T) {
	cfg := config{sourceTopic: "shop.dlq", targetTopic: "shop.order.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	if err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("nil client/consumer should be rejected")
	}

	client := &fakeOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetWindow{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: drainedPartitionConsumer([]*sarama.ConsumerMessage{consumerDLQMessage(0, "ORD-10001")}),
			2: drainedPartitionConsumer([]*sarama.ConsumerMessage{consumerDLQMessage(0, "ORD-10002")}),
		},
	}

	if err := runReplay(context.Background(), cfg, client, consumer, nil); err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if len(consumer.calls) != 1 {
		t.Fatalf("limit=1 should stop after one partition, got %d consume calls", len(consumer.calls))
	}
	if consumer.calls[0].partition != 0 {
		t.Fatalf("partitions should be scanned in order, first was %d", consumer.calls[0].partition)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if err := runReplay(context.Background(), executeCfg, client, consumer, nil); err == nil {
		t.Fatal("execute mode without producer should fail")
	}

	emptyClient := &fakeOffsetClient{partitions: nil}
	if err := runReplay(context.Background(), cfg, emptyClient, consumer, nil); err != nil {
		t.Fatalf("empty topic should be a no-op, got %v", err)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := config{sourceTopic: "shop.dlq", targetTopic: "shop.order.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("dependency failure should propagate, got %v", err)
	}

	client := &fakeOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetWindow{0: {oldest: 0, newest: 2}},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: drainedPartitionConsumer([]*sarama.ConsumerMessage{consumerDLQMessage(0, "ORD-10001")}),
		},
	}
	producer := &fakeReplayProducer{}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, producer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !client.closed || !consumer.closed || !producer.closed {
		t.Fatalf("deps left open: client=%v consumer=%v producer=%v", client.closed, consumer.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	client := &fakeOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetWindow{0: {oldest: 0, newest: 2}},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: drainedPartitionConsumer([]*sarama.ConsumerMessage{consumerDLQMessage(0, "ORD-10001")}),
		},
	}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, nil, nil
	}

	withFlagArgs(t, []string{
		"-brokers=broker:9092",
		"-limit=5",
		"-idle-timeout=20ms",
	}, func() {
		main()
	})

	if !client.closed || !consumer.closed {
		t.Fatalf("expected dependencies to be closed: client=%v consumer=%v", client.closed, consumer.closed)
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")

	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got: %v", err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("unexpected exit code: %d", exitErr.ExitCode())
	}
}

func withFlagArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

type offsetWindow struct {
	oldest int64
	newest int64
}

type fakeOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetWindow
	offsetErr     map[int32]error
	closed        bool
}

func (s *fakeOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *fakeOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *fakeOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeRequest struct {
	partition int32
	offset    int64
}

type fakeConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeRequest
	closed     bool
}

func (s *fakeConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeRequest{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *fakeConsumerSource) Close() error {
	s.closed = true
	return nil
}

type fakePartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *fakePartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *fakePartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *fakePartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func drainedPartitionConsumer(messages []*sarama.ConsumerMessage) *fakePartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &fakePartitionConsumer{messages: msgCh, errors: errCh}
}

type fakeReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *fakeReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *fakeReplayProducer) Close() error {
	s.closed = true
	return nil
}
