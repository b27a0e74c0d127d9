package delivery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/alert"
	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/retry"
)

// Operation names a retried step of a delivery.
type Operation string

const (
	OpRender   Operation = "render"
	OpPrimary  Operation = "primary-deliver"
	OpFallback Operation = "fallback-deliver"
)

// Outcome classifies a finished attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable-failure"
	OutcomeFatal     Outcome = "fatal-failure"
)

// Attempt is the record of one try of one operation. It only lives for the
// duration of a delivery and is forwarded to logs, metrics and observers.
type Attempt struct {
	Reference string
	Operation Operation
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Outcome   Outcome
	ErrorKind failure.Kind
}

// Messenger is the delivery channel.
type Messenger interface {
	SendDocument(ctx context.Context, msg models.DocumentMessage) (models.SendResult, error)
	SendText(ctx context.Context, msg models.TextMessage) (models.SendResult, error)
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithFallbackPolicy sets the retry policy of the text fallback.
func WithFallbackPolicy(p retry.Policy) ControllerOption {
	return func(c *Controller) { c.fallbackPolicy = p }
}

// WithSleeper replaces the wait between attempts.
func WithSleeper(s retry.Sleeper) ControllerOption {
	return func(c *Controller) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithControllerMetrics attaches Prometheus collectors.
func WithControllerMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithAttemptObserver registers fn to receive every attempt record.
func WithAttemptObserver(fn func(Attempt)) ControllerOption {
	return func(c *Controller) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// WithAlertTimeout bounds operator notification.
func WithAlertTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.alertTimeout = d
		}
	}
}

// Controller runs operations under retry policies, performs the text fallback
// and raises operator alerts.
type Controller struct {
	messenger      Messenger
	notifier       alert.Notifier
	fallbackPolicy retry.Policy
	sleep          retry.Sleeper
	now            func() time.Time
	alertTimeout   time.Duration
	observers      []func(Attempt)
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

// NewController builds a controller. notifier may be nil, in which case
// alerts are only logged.
func NewController(messenger Messenger, notifier alert.Notifier, logger zerolog.Logger, opts ...ControllerOption) (*Controller, error) {
	if messenger == nil {
		return nil, errors.New("delivery: messenger dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "delivery_controller").Logger()
	if notifier == nil {
		notifier = alert.NewLogNotifier(logger)
	}

	c := &Controller{
		messenger:      messenger,
		notifier:       notifier,
		fallbackPolicy: retry.Policy{MaxAttempts: 2, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 10 * time.Second},
		sleep:          retry.TimerSleep,
		now:            time.Now,
		alertTimeout:   10 * time.Second,
		logger:         logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if err := c.fallbackPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("delivery: fallback policy: %w", err)
	}
	return c, nil
}

// ExecuteWithRetry runs fn for reference under policy. Untagged errors from fn
// are classified as kind. Non-retryable failures return immediately;
// exhaustion returns a *retry.ExhaustedError carrying the attempt count and
// the last error.
func (c *Controller) ExecuteWithRetry(ctx context.Context, op Operation, reference string, policy retry.Policy, kind failure.Kind, fn func(ctx context.Context) error, opts ...retry.Option) error {
	wrapped := func(ctx context.Context, _ int) error {
		return failure.Tag(kind, string(op), fn(ctx))
	}
	opts = append([]retry.Option{
		retry.WithSleeper(c.sleep),
		retry.WithClock(c.now),
		retry.OnAttempt(func(a retry.Attempt) { c.record(reference, op, a) }),
	}, opts...)
	return retry.Do(ctx, policy, wrapped, opts...)
}

func (c *Controller) record(reference string, op Operation, a retry.Attempt) {
	rec := Attempt{
		Reference: reference,
		Operation: op,
		Number:    a.Number,
		StartedAt: a.StartedAt,
		Duration:  a.Duration,
		Outcome:   OutcomeSuccess,
	}
	if a.Err != nil {
		rec.ErrorKind = failure.KindOf(a.Err)
		rec.Outcome = OutcomeFatal
		if a.Retryable {
			rec.Outcome = OutcomeRetryable
		}
	}

	c.metrics.Attempt(string(op), string(rec.Outcome))

	evt := c.logger.Debug()
	if a.Err != nil {
		evt = c.logger.Warn().Err(a.Err).Str("kind", rec.ErrorKind.String())
		if a.NextDelay > 0 {
			evt = evt.Dur("next_delay", a.NextDelay)
		}
	}
	evt.Str("reference", reference).
		Str("operation", string(op)).
		Int("attempt", a.Number).
		Dur("duration", a.Duration).
		Str("outcome", string(rec.Outcome)).
		Msg("attempt finished")

	for _, fn := range c.observers {
		fn(rec)
	}
}

// ExecuteFallbackDelivery sends artifactURL to the holder as plain text. It
// is only called once the primary channel has given up.
func (c *Controller) ExecuteFallbackDelivery(ctx context.Context, data models.DocumentData, artifactURL string) models.DeliveryResult {
	result := models.DeliveryResult{Reference: data.Reference, ArtifactGenerated: true}

	msg := models.TextMessage{
		Reference: data.Reference,
		To:        data.Phone,
		Text:      fallbackText(data, artifactURL),
	}

	var sent models.SendResult
	err := c.ExecuteWithRetry(ctx, OpFallback, data.Reference, c.fallbackPolicy, failure.KindDeliveryChannelFailed, func(ctx context.Context) error {
		res, err := c.messenger.SendText(ctx, msg)
		if err == nil {
			sent = res
		}
		return err
	})
	if err != nil {
		ferr := failure.New(failure.KindFallbackFailed, string(OpFallback), err)
		result.Error = publicMessage(failure.KindFallbackFailed)
		result.ErrorKind = string(ferr.Kind)
		c.logger.Error().
			Str("reference", data.Reference).
			Err(err).
			Msg("fallback delivery failed")
		return result
	}

	result.Success = true
	result.FallbackUsed = true
	result.MessageID = sent.MessageID
	return result
}

// NotifyOperatorOfCriticalFailure raises an operator alert for a transaction
// no channel could deliver. It is best effort: it never returns an error and
// never panics, whatever the notifiers do. Failures are logged. It outlives
// cancellation of ctx, bounded by the alert timeout.
func (c *Controller) NotifyOperatorOfCriticalFailure(ctx context.Context, data models.DocumentData, artifactGenerated bool, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("reference", data.Reference).
				Interface("panic", r).
				Msg("operator notification panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.alertTimeout)
	defer cancel()

	a := models.AlertEvent{
		AlertID:           uuid.NewString(),
		Reference:         data.Reference,
		Kind:              string(data.Kind),
		HolderName:        data.HolderName,
		Email:             data.Email,
		Phone:             data.Phone,
		ErrorKind:         failure.KindOf(cause).String(),
		ArtifactGenerated: artifactGenerated,
		Timestamp:         c.now().UTC(),
	}
	if cause != nil {
		a.Error = cause.Error()
	}

	if err := c.notifier.Notify(ctx, a); err != nil {
		c.logger.Error().
			Str("reference", data.Reference).
			Str("alert_id", a.AlertID).
			Err(err).
			Msg("operator notification failed")
	}
}

func fallbackText(data models.DocumentData, url string) string {
	name := data.HolderName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, your %s %s is delayed, resent via text. Download it here: %s",
		name, data.Kind, data.Reference, url)
}
