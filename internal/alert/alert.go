// Package alert tells operators about transactions the pipeline could not
// deliver. Notifiers report errors; Fanout is the best-effort entry point used
// by the delivery controller.
package alert

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/models"
	emailprovider "github.com/example/document-delivery/internal/providers/email"
)

// Notifier delivers one alert to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert models.AlertEvent) error
}

// EmailNotifier mails alerts to a fixed recipient list.
type EmailNotifier struct {
	provider   emailprovider.Provider
	recipients []string
}

// NewEmailNotifier returns an email notifier. At least one recipient is
// required.
func NewEmailNotifier(provider emailprovider.Provider, recipients []string) (*EmailNotifier, error) {
	if provider == nil {
		return nil, errors.New("alert: email provider is required")
	}
	clean := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("alert: at least one email recipient is required")
	}
	return &EmailNotifier{provider: provider, recipients: clean}, nil
}

func (n *EmailNotifier) Name() string { return "email" }

// Notify sends a plain text summary of the alert.
func (n *EmailNotifier) Notify(ctx context.Context, a models.AlertEvent) error {
	_, err := n.provider.Send(ctx, emailprovider.Message{
		AlertID: a.AlertID,
		To:      n.recipients,
		Subject: fmt.Sprintf("[document-delivery] %s could not be delivered", a.Reference),
		Kind:    a.ErrorKind,
		Body:    formatBody(a),
	})
	if err != nil {
		return fmt.Errorf("alert: email: %w", err)
	}
	return nil
}

func formatBody(a models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction %s (%s) was not delivered by any channel.\n\n", a.Reference, a.Kind)
	fmt.Fprintf(&b, "Holder:             %s\n", a.HolderName)
	fmt.Fprintf(&b, "Email:              %s\n", a.Email)
	fmt.Fprintf(&b, "Phone:              %s\n", a.Phone)
	fmt.Fprintf(&b, "Artifact generated: %t\n", a.ArtifactGenerated)
	fmt.Fprintf(&b, "Failure:            %s\n", a.ErrorKind)
	fmt.Fprintf(&b, "Detail:             %s\n", a.Error)
	fmt.Fprintf(&b, "Raised at:          %s\n", a.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

// Publisher is the Kafka alert publisher contract.
type Publisher interface {
	PublishAlert(ctx context.Context, alert models.AlertEvent) error
}

// KafkaNotifier forwards alerts to the alerts topic.
type KafkaNotifier struct {
	publisher Publisher
}

// NewKafkaNotifier wraps publisher.
func NewKafkaNotifier(publisher Publisher) (*KafkaNotifier, error) {
	if v := reflect.ValueOf(publisher); publisher == nil || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return nil, errors.New("alert: kafka publisher is required")
	}
	return &KafkaNotifier{publisher: publisher}, nil
}

func (n *KafkaNotifier) Name() string { return "kafka" }

// Notify publishes the alert.
func (n *KafkaNotifier) Notify(ctx context.Context, a models.AlertEvent) error {
	return n.publisher.PublishAlert(ctx, a)
}

// LogNotifier writes alerts to the log. It is always part of the fan-out so an
// alert survives even when every other destination is down.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier writing at error level.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, a models.AlertEvent) error {
	n.logger.Error().
		Str("alert_id", a.AlertID).
		Str("reference", a.Reference).
		Str("kind", a.Kind).
		Str("error_kind", a.ErrorKind).
		Bool("artifact_generated", a.ArtifactGenerated).
		Str("error", a.Error).
		Msg("operator alert")
	return nil
}

// Fanout sends each alert to every notifier concurrently.
type Fanout struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Option customises a Fanout.
type Option func(*Fanout)

// WithTimeout bounds a whole fan-out. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) { f.timeout = d }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

// NewFanout builds a fan-out over notifiers. A log notifier is always
// included first.
func NewFanout(logger zerolog.Logger, notifiers []Notifier, opts ...Option) *Fanout {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "alert").Logger()

	f := &Fanout{
		notifiers: []Notifier{NewLogNotifier(logger)},
		timeout:   10 * time.Second,
		logger:    logger,
	}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Fanout) Name() string { return "fanout" }

// Notify delivers a to every notifier and joins their errors. A panicking
// notifier is reported as an error.
func (f *Fanout) Notify(ctx context.Context, a models.AlertEvent) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	errs := make([]error, len(f.notifiers))
	var wg sync.WaitGroup
	for i, n := range f.notifiers {
		wg.Add(1)
		go func(i int, n Notifier) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("alert: %s notifier panicked: %v", n.Name(), r)
				}
			}()
			errs[i] = n.Notify(ctx, a)
		}(i, n)
	}
	wg.Wait()

	for i, n := range f.notifiers {
		f.metrics.Alert(n.Name(), errs[i] == nil)
		if errs[i] != nil {
			f.logger.Warn().
				Str("notifier", n.Name()).
				Str("reference", a.Reference).
				Err(errs[i]).
				Msg("alert notifier failed")
		}
	}
	return errors.Join(errs...)
}
