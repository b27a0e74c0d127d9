package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/models"
)

// Config contains the runtime settings of the payment event engine.
type Config struct {
	MsgMaxBytes       int
	WorkerConcurrency int
}

// Record represents a Kafka message delivered to the worker. It keeps the
// engine decoupled from the concrete consumer implementation.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	commitFn func(context.Context) error
}

// Clone returns a deep copy of the record so it can be handed to a
// goroutine without sharing buffers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	if len(r.Headers) > 0 {
		clone.Headers = cloneHeaders(r.Headers)
	}
	return &clone
}

func (r *Record) setCommitFn(fn func(context.Context) error) {
	r.commitFn = fn
}

// Deliverer runs the delivery pipeline for a stored transaction.
type Deliverer interface {
	DeliverReference(ctx context.Context, reference string) (models.DeliveryResult, error)
}

// TransactionWriter persists transactions carried inline on events.
type TransactionWriter interface {
	Put(ctx context.Context, txn *models.Transaction) error
}

// ResultRecorder keeps the latest delivery outcome per reference.
type ResultRecorder interface {
	RecordResult(ctx context.Context, res models.DeliveryResult) error
}

// StatusPublisher publishes lifecycle updates for a transaction.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// DLQPublisher writes events that could not be turned into a delivery.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Committer commits Kafka offsets after processing.
type Committer interface {
	Commit(ctx context.Context, record *Record) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, record *Record) error

// Commit calls f.
func (f CommitFunc) Commit(ctx context.Context, record *Record) error {
	return f(ctx, record)
}

// RecordCommitter commits through the function bound to each record by
// NewRecordFromConsumer.
type RecordCommitter struct{}

// Commit invokes the record's bound commit function, if any.
func (RecordCommitter) Commit(ctx context.Context, record *Record) error {
	if record == nil || record.commitFn == nil {
		return nil
	}
	return record.commitFn(ctx)
}

// Dependencies collects the runtime collaborators required by the engine.
// Transactions, Results, Status and DLQ are optional.
type Dependencies struct {
	Deliverer    Deliverer
	Transactions TransactionWriter
	Results      ResultRecorder
	Status       StatusPublisher
	DLQ          DLQPublisher
	Committer    Committer
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Engine consumes payment events and drives one delivery per event with
// bounded concurrency. Offsets are committed once an event reached a final
// outcome; events interrupted by shutdown are left for redelivery.
type Engine struct {
	cfg          Config
	deliverer    Deliverer
	transactions TransactionWriter
	results      ResultRecorder
	status       StatusPublisher
	dlq          DLQPublisher
	committer    Committer
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	semaphore *semaphore.Weighted

	now func() time.Time
}

// NewEngine constructs a worker engine using the supplied configuration and
// collaborators.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("worker: worker concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Deliverer == nil {
		return nil, errors.New("worker: deliverer dependency is required")
	}
	if deps.Committer == nil {
		return nil, errors.New("worker: committer dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Engine{
		cfg:          cfg,
		deliverer:    deps.Deliverer,
		transactions: deps.Transactions,
		results:      deps.Results,
		status:       deps.Status,
		dlq:          deps.DLQ,
		committer:    deps.Committer,
		logger:       logger.With().Str("component", "worker_engine").Logger(),
		metrics:      deps.Metrics,
		semaphore:    semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		now:          nowFunc,
	}, nil
}

// HandleRecord checks the record size, decodes the payment event and starts
// asynchronous delivery. Malformed records are rejected, dead-lettered and
// committed synchronously.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if e.cfg.MsgMaxBytes > 0 && len(record.Value) > e.cfg.MsgMaxBytes {
		err := fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(record.Value), e.cfg.MsgMaxBytes)
		e.reject(ctx, record, models.PaymentEvent{Reference: string(record.Key)}, err)
		return
	}

	event, err := decodeEvent(record.Value)
	if err != nil {
		event.Reference = firstNonEmpty(event.Reference, string(record.Key))
		e.reject(ctx, record, event, err)
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}

	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Warn().
			Str("reference", event.Reference).
			Err(err).
			Msg("worker: failed to acquire concurrency semaphore; event left for redelivery")
		return
	}

	go e.process(ctx, record.Clone(), event)
}

// Wait blocks until every in-flight event finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	if err := e.semaphore.Acquire(ctx, int64(e.cfg.WorkerConcurrency)); err != nil {
		return err
	}
	e.semaphore.Release(int64(e.cfg.WorkerConcurrency))
	return nil
}

func (e *Engine) process(ctx context.Context, record *Record, event models.PaymentEvent) {
	defer e.semaphore.Release(1)

	log := e.logger.With().
		Str("event_id", event.EventID).
		Str("reference", event.Reference).
		Str("trace_id", event.TraceID).
		Logger()

	if ctx.Err() != nil {
		log.Warn().Msg("worker: context cancelled before processing began")
		return
	}

	e.publishStatus(ctx, event, models.StatusEvent{EventType: models.StatusEventReceived})

	if event.Transaction != nil && e.transactions != nil {
		if err := e.transactions.Put(ctx, event.Transaction); err != nil {
			log.Error().Err(err).Msg("worker: storing transaction failed; event left for redelivery")
			e.metrics.Event("store_failed")
			return
		}
	}

	res, err := e.deliverer.DeliverReference(ctx, event.Reference)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("worker: context cancelled during lookup; deferring commit")
			return
		}
		e.reject(ctx, record, event, err)
		return
	}
	if !res.Success && ctx.Err() != nil {
		log.Warn().Str("kind", res.ErrorKind).Msg("worker: context cancelled during delivery; deferring commit")
		return
	}

	if e.results != nil {
		if err := e.results.RecordResult(ctx, res); err != nil {
			log.Warn().Err(err).Msg("worker: recording delivery result failed")
		}
	}

	status := models.StatusEvent{
		MessageID:          res.MessageID,
		ArtifactGenerated:  res.ArtifactGenerated,
		PrimaryChannelUsed: res.PrimaryChannelUsed,
		FallbackUsed:       res.FallbackUsed,
		ErrorKind:          res.ErrorKind,
		Error:              res.Error,
	}
	switch {
	case res.Success && res.FallbackUsed:
		status.EventType = models.StatusEventFallback
		status.Channel = models.ChannelText
	case res.Success:
		status.EventType = models.StatusEventDelivered
		status.Channel = models.ChannelWhatsApp
	case res.ErrorKind == failure.KindValidationFailed.String():
		e.reject(ctx, record, event, errors.New(res.Error))
		return
	default:
		status.EventType = models.StatusEventFailed
	}

	log.Info().
		Str("outcome", status.EventType).
		Bool("artifact_generated", res.ArtifactGenerated).
		Msg("worker: payment event processed")
	e.metrics.Event(status.EventType)
	e.publishStatus(ctx, event, status)
	e.commitRecord(ctx, record)
}

// reject publishes a rejected status and a validation DLQ record, then
// commits the record so it is not redelivered.
func (e *Engine) reject(ctx context.Context, record *Record, event models.PaymentEvent, cause error) {
	e.logger.Warn().
		Str("event_id", event.EventID).
		Str("reference", event.Reference).
		Err(cause).
		Msg("worker: payment event rejected")

	now := e.now()
	e.metrics.Event(models.StatusEventRejected)
	e.publishStatus(ctx, event, models.StatusEvent{
		EventType: models.StatusEventRejected,
		ErrorKind: failure.KindValidationFailed.String(),
		Error:     cause.Error(),
		Timestamp: now,
	})

	if e.dlq != nil {
		var original any = json.RawMessage(record.Value)
		if !json.Valid(record.Value) {
			original = string(record.Value)
		}
		err := e.dlq.PublishDLQ(ctx, models.DLQRecord{
			EventID:       event.EventID,
			Reference:     event.Reference,
			OriginalEvent: original,
			FailureType:   models.FailureTypeValidation,
			ErrorKind:     failure.KindValidationFailed.String(),
			LastError:     cause.Error(),
			FailedAt:      now,
			TraceID:       event.TraceID,
			Meta: map[string]string{
				"topic":     record.Topic,
				"partition": fmt.Sprint(record.Partition),
				"offset":    fmt.Sprint(record.Offset),
			},
		})
		if err != nil {
			e.logger.Error().
				Str("reference", event.Reference).
				Err(err).
				Msg("worker: failed to publish DLQ record")
		}
	}

	e.commitRecord(ctx, record)
}

func (e *Engine) publishStatus(ctx context.Context, event models.PaymentEvent, status models.StatusEvent) {
	if e.status == nil {
		return
	}
	status.EventID = uuid.NewString()
	status.Reference = event.Reference
	status.TraceID = event.TraceID
	if status.Timestamp.IsZero() {
		status.Timestamp = e.now()
	}
	if err := e.status.PublishStatus(ctx, status); err != nil {
		e.logger.Error().
			Str("reference", event.Reference).
			Str("event", status.EventType).
			Err(err).
			Msg("worker: failed to publish status event")
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}
	if err := e.committer.Commit(ctx, record); err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func decodeEvent(payload []byte) (models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return event, fmt.Errorf("decode payment event: %w", err)
	}
	event.Reference = strings.TrimSpace(event.Reference)
	if event.Transaction != nil {
		txRef := strings.TrimSpace(event.Transaction.Reference)
		switch {
		case event.Reference == "":
			event.Reference = txRef
		case txRef == "":
			event.Transaction.Reference = event.Reference
		case txRef != event.Reference:
			return event, fmt.Errorf("event reference %q does not match transaction reference %q", event.Reference, txRef)
		}
	}
	if event.Reference == "" {
		return event, errors.New("payment event has no reference")
	}
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
