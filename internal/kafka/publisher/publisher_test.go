package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kafkapublisher "github.com/example/document-delivery/internal/kafka/publisher"
	"github.com/example/document-delivery/internal/models"
)

type fakeSyncProducer struct {
	err     error
	topic   string
	key     []byte
	headers map[string][]byte
	payload []byte
}

func (f *fakeSyncProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	f.topic = topic
	f.key = append([]byte(nil), key...)
	f.headers = headers
	f.payload = append([]byte(nil), payload...)
	return f.err
}

type fakeAsyncProducer struct {
	fakeSyncProducer
	asyncCalls int
}

func (f *fakeAsyncProducer) PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	f.asyncCalls++
	return f.PublishSync(topic, key, headers, payload)
}

func TestStatusPublisherPublishesEvent(t *testing.T) {
	prod := &fakeSyncProducer{}
	pub := kafkapublisher.NewStatusPublisher(prod, "status-topic", zerolog.Nop())
	if pub == nil {
		t.Fatalf("expected publisher instance")
	}

	event := models.StatusEvent{
		EventID:   "evt-1",
		Reference: "PAY-1",
		Channel:   models.ChannelWhatsApp,
		EventType: models.StatusEventDelivered,
		Timestamp: time.Unix(123, 0).UTC(),
	}

	if err := pub.PublishStatus(context.Background(), event); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if prod.topic != "status-topic" {
		t.Fatalf("expected topic status-topic, got %s", prod.topic)
	}
	if string(prod.key) != "PAY-1" {
		t.Fatalf("expected key PAY-1, got %s", string(prod.key))
	}
	if ct := prod.headers["content-type"]; string(ct) != "application/json" {
		t.Fatalf("expected content-type header, got %s", string(ct))
	}

	var payload models.StatusEvent
	if err := json.Unmarshal(prod.payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.EventType != models.StatusEventDelivered || payload.Channel != models.ChannelWhatsApp {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestStatusPublisherAsyncWhenSupported(t *testing.T) {
	prod := &fakeAsyncProducer{}
	pub := kafkapublisher.NewStatusPublisher(prod, "status-topic", zerolog.Nop(), kafkapublisher.WithAsync())

	if err := pub.PublishStatus(context.Background(), models.StatusEvent{Reference: "PAY-2"}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if prod.asyncCalls != 1 {
		t.Fatalf("expected async publish, got %d async calls", prod.asyncCalls)
	}
}

func TestStatusPublisherPropagatesProducerError(t *testing.T) {
	expectedErr := errors.New("broker down")
	prod := &fakeSyncProducer{err: expectedErr}

	pub := kafkapublisher.NewStatusPublisher(prod, "status-topic", zerolog.Nop())
	err := pub.PublishStatus(context.Background(), models.StatusEvent{Reference: "id"})
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestPublishersHandleNilInstance(t *testing.T) {
	var status *kafkapublisher.StatusPublisher
	if err := status.PublishStatus(context.Background(), models.StatusEvent{}); !errors.Is(err, kafkapublisher.ErrProducerNotInitialised()) {
		t.Fatalf("expected not initialised error, got %v", err)
	}
	var dlq *kafkapublisher.DLQPublisher
	if err := dlq.PublishDLQ(context.Background(), models.DLQRecord{}); !errors.Is(err, kafkapublisher.ErrProducerNotInitialised()) {
		t.Fatalf("expected not initialised error, got %v", err)
	}
	if kafkapublisher.NewAlertPublisher(nil, "alerts", zerolog.Nop()) != nil {
		t.Fatalf("expected nil publisher without producer")
	}
}

func TestDLQPublisherPublishesRecord(t *testing.T) {
	prod := &fakeSyncProducer{}
	pub := kafkapublisher.NewDLQPublisher(prod, "dlq-topic", zerolog.Nop())

	record := models.DLQRecord{
		EventID:     "evt-2",
		FailureType: models.FailureTypeValidation,
		LastError:   "reference is required",
	}

	if err := pub.PublishDLQ(context.Background(), record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if prod.topic != "dlq-topic" {
		t.Fatalf("expected dlq-topic, got %s", prod.topic)
	}
	if string(prod.key) != "evt-2" {
		t.Fatalf("expected event id key when reference is empty, got %s", prod.key)
	}

	var decoded models.DLQRecord
	if err := json.Unmarshal(prod.payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.FailureType != models.FailureTypeValidation || decoded.EventID != "evt-2" {
		t.Fatalf("unexpected DLQ payload %+v", decoded)
	}
}

func TestAlertPublisherPropagatesProducerError(t *testing.T) {
	expectedErr := errors.New("inject")
	prod := &fakeSyncProducer{err: expectedErr}
	pub := kafkapublisher.NewAlertPublisher(prod, "alerts", zerolog.Nop())

	if err := pub.PublishAlert(context.Background(), models.AlertEvent{Reference: "PAY-3"}); !errors.Is(err, expectedErr) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if string(prod.key) != "PAY-3" {
		t.Fatalf("expected reference key, got %s", prod.key)
	}
}
