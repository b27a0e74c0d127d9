// Package publisher serialises pipeline events onto Kafka topics.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer is the subset of the producer used for records that must be
// acknowledged before the caller moves on.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// AsyncProducer is implemented by producers that can enqueue without
// waiting for the broker.
type AsyncProducer interface {
	PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

var jsonHeaders = map[string][]byte{"content-type": []byte("application/json")}

type base struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

func newBase(prod SyncProducer, topic, component string, logger zerolog.Logger) base {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return base{
		producer: prod,
		topic:    topic,
		logger:   logger.With().Str("component", component).Str("topic", topic).Logger(),
	}
}

func (b *base) publish(what, key string, v any, async bool) error {
	if b.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal %s: %w", what, err)
	}

	if async {
		if ap, ok := b.producer.(AsyncProducer); ok {
			if err := ap.PublishAsync(b.topic, []byte(key), jsonHeaders, payload); err != nil {
				return fmt.Errorf("kafka publisher: publish %s: %w", what, err)
			}
			return nil
		}
	}
	if err := b.producer.PublishSync(b.topic, []byte(key), jsonHeaders, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish %s: %w", what, err)
	}
	return nil
}

// StatusPublisher emits delivery lifecycle events keyed by transaction
// reference, so every event of one transaction lands on the same partition.
type StatusPublisher struct {
	base
	async bool
}

// StatusOption customises a StatusPublisher.
type StatusOption func(*StatusPublisher)

// WithAsync publishes status events without waiting for acknowledgement when
// the producer supports it.
func WithAsync() StatusOption {
	return func(p *StatusPublisher) { p.async = true }
}

// NewStatusPublisher constructs a StatusPublisher. It returns nil when prod
// is nil.
func NewStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger, opts ...StatusOption) *StatusPublisher {
	if prod == nil {
		return nil
	}
	p := &StatusPublisher{base: newBase(prod, topic, "status_publisher", logger)}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// PublishStatus writes the supplied status event to Kafka.
func (p *StatusPublisher) PublishStatus(_ context.Context, event models.StatusEvent) error {
	if p == nil {
		return errProducerNotInitialised
	}
	return p.publish("status event", event.Reference, event, p.async)
}

// DLQPublisher writes DLQ records to the configured Kafka topic.
type DLQPublisher struct {
	base
}

// NewDLQPublisher constructs a DLQPublisher instance.
func NewDLQPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	return &DLQPublisher{base: newBase(prod, topic, "dlq_publisher", logger)}
}

// PublishDLQ writes the supplied DLQ record to Kafka synchronously.
func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil {
		return errProducerNotInitialised
	}
	key := record.Reference
	if key == "" {
		key = record.EventID
	}
	if err := p.publish("dlq record", key, record, false); err != nil {
		return err
	}
	p.logger.Warn().
		Str("event_id", record.EventID).
		Str("reference", record.Reference).
		Str("failure_type", record.FailureType).
		Msg("event dead-lettered")
	return nil
}

// AlertPublisher writes operator alerts for consumption by paging tools.
type AlertPublisher struct {
	base
}

// NewAlertPublisher constructs an AlertPublisher instance.
func NewAlertPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *AlertPublisher {
	if prod == nil {
		return nil
	}
	return &AlertPublisher{base: newBase(prod, topic, "alert_publisher", logger)}
}

// PublishAlert writes the alert synchronously.
func (p *AlertPublisher) PublishAlert(_ context.Context, alert models.AlertEvent) error {
	if p == nil {
		return errProducerNotInitialised
	}
	return p.publish("alert", alert.Reference, alert, false)
}
