// Package producer wraps a Sarama client shared by the status, DLQ and alert
// publishers.
package producer

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const defaultMetadataRefreshInterval = 30 * time.Second

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	clientID        string
	maxMessageBytes int
	refreshInterval time.Duration
}

// WithConfig supplies a preconfigured Sarama config. It is copied so the
// caller keeps ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithClientID sets the Kafka client id reported to brokers.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithMaxMessageBytes caps the size of a produced record.
func WithMaxMessageBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageBytes = n
		}
	}
}

// WithMetadataRefreshInterval overrides how often cluster metadata is
// refreshed for readiness reporting.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// Producer pairs a sync and an async Sarama producer over one client and
// tracks readiness from periodic metadata refreshes.
type Producer struct {
	logger zerolog.Logger

	client        sarama.Client
	syncProducer  sarama.SyncProducer
	asyncProducer sarama.AsyncProducer

	refreshInterval time.Duration
	ready           atomic.Bool

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New connects to brokers and starts the background metadata watcher.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{
		config:          DefaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := cloneConfig(settings.config)
	cfg.Metadata.RefreshFrequency = settings.refreshInterval
	if settings.clientID != "" {
		cfg.ClientID = settings.clientID
	}
	if settings.maxMessageBytes > 0 {
		cfg.Producer.MaxMessageBytes = settings.maxMessageBytes
	}

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	asyncProd, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		syncProd.Close()
		client.Close()
		return nil, fmt.Errorf("kafka producer: create async producer: %w", err)
	}

	p := &Producer{
		logger:          logger.With().Str("component", "kafka_producer").Logger(),
		client:          client,
		syncProducer:    syncProd,
		asyncProducer:   asyncProd,
		refreshInterval: settings.refreshInterval,
		stopCh:          make(chan struct{}),
	}

	if err := client.RefreshMetadata(); err != nil {
		p.logger.Error().Err(err).Msg("initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(3)
	go p.watchMetadata()
	go p.drainSuccesses()
	go p.drainErrors()

	return p, nil
}

// PublishSync sends a record and waits for the broker acknowledgement.
func (p *Producer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	msg, err := newMessage(topic, key, headers, payload)
	if err != nil {
		return err
	}

	if _, _, err := p.syncProducer.SendMessage(msg); err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}
	p.ready.Store(true)
	return nil
}

// PublishAsync hands a record to the async producer without waiting. Broker
// errors are logged by the background drain.
func (p *Producer) PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	msg, err := newMessage(topic, key, headers, payload)
	if err != nil {
		return err
	}

	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	default:
		return errors.New("kafka producer: async input buffer full")
	}
}

// IsReady reports whether the last metadata refresh or send succeeded.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close stops background goroutines and releases the producers. Safe to call
// more than once.
func (p *Producer) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		if err := p.asyncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		p.wg.Wait()
		if err := p.syncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := p.client.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.client.RefreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

// Return.Successes is on for the sync producer, so the async side must be
// drained as well.
func (p *Producer) drainSuccesses() {
	defer p.wg.Done()
	for range p.asyncProducer.Successes() {
	}
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for perr := range p.asyncProducer.Errors() {
		if perr == nil {
			continue
		}
		p.ready.Store(false)
		p.logger.Error().
			Err(perr.Err).
			Str("topic", perr.Msg.Topic).
			Msg("async publish failed")
	}
}

func newMessage(topic string, key []byte, headers map[string][]byte, payload []byte) (*sarama.ProducerMessage, error) {
	if topic == "" {
		return nil, errors.New("kafka producer: topic is required")
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}
	return msg, nil
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: cloneBytes(v)})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// DefaultConfig returns the producer settings used when none are supplied:
// idempotent writes acknowledged by all in-sync replicas.
func DefaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "document-delivery"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = true
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return DefaultConfig()
	}
	cloned := *cfg
	return &cloned
}
