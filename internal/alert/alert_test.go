package alert_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/document-delivery/internal/alert"
	"github.com/example/document-delivery/internal/models"
	emailprovider "github.com/example/document-delivery/internal/providers/email"
)

type recordingPublisher struct {
	alerts []models.AlertEvent
	err    error
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a models.AlertEvent) error {
	p.alerts = append(p.alerts, a)
	return p.err
}

type funcNotifier struct {
	name string
	fn   func(context.Context, models.AlertEvent) error
}

func (n funcNotifier) Name() string { return n.name }
func (n funcNotifier) Notify(ctx context.Context, a models.AlertEvent) error {
	return n.fn(ctx, a)
}

func sampleAlert() models.AlertEvent {
	return models.AlertEvent{
		AlertID:           "alert-1",
		Reference:         "PAY-9",
		Kind:              string(models.DocumentTicket),
		HolderName:        "Ada Lovelace",
		ErrorKind:         "fallback_failed",
		Error:             "fallback exhausted",
		ArtifactGenerated: true,
		Timestamp:         time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEmailNotifierSendsSummary(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop())
	n, err := alert.NewEmailNotifier(provider, []string{" ops@example.com ", ""})
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), sampleAlert()))

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, sent[0].To)
	assert.Contains(t, sent[0].Subject, "PAY-9")
	assert.Contains(t, sent[0].Body, "Artifact generated: true")
	assert.Contains(t, sent[0].Body, "fallback_failed")
	assert.Equal(t, "alert-1", sent[0].AlertID)
	assert.Equal(t, "fallback_failed", sent[0].Kind)
}

func TestEmailNotifierWrapsSendFailure(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop())
	provider.FailWith(errors.New("relay down"))
	n, err := alert.NewEmailNotifier(provider, []string{"ops@example.com"})
	require.NoError(t, err)

	err = n.Notify(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay down")
	assert.Empty(t, provider.Sent())
}

func TestEmailNotifierRequiresRecipients(t *testing.T) {
	_, err := alert.NewEmailNotifier(emailprovider.NewMockProvider(zerolog.Nop()), nil)
	assert.Error(t, err)
	_, err = alert.NewEmailNotifier(nil, []string{"ops@example.com"})
	assert.Error(t, err)
}

func TestKafkaNotifierPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	n, err := alert.NewKafkaNotifier(pub)
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), sampleAlert()))
	require.Len(t, pub.alerts, 1)
	assert.Equal(t, "PAY-9", pub.alerts[0].Reference)

	var nilPub *recordingPublisher
	_, err = alert.NewKafkaNotifier(nilPub)
	assert.Error(t, err)
}

func TestFanoutJoinsErrorsAndContinues(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	kn, err := alert.NewKafkaNotifier(pub)
	require.NoError(t, err)

	provider := emailprovider.NewMockProvider(zerolog.Nop())
	en, err := alert.NewEmailNotifier(provider, []string{"ops@example.com"})
	require.NoError(t, err)

	f := alert.NewFanout(zerolog.Nop(), []alert.Notifier{kn, en})
	err = f.Notify(context.Background(), sampleAlert())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, provider.Sent(), 1, "a failing notifier must not stop the others")
}

func TestFanoutRecoversPanics(t *testing.T) {
	boom := funcNotifier{name: "boom", fn: func(context.Context, models.AlertEvent) error { panic("nil map") }}
	f := alert.NewFanout(zerolog.Nop(), []alert.Notifier{boom})

	err := f.Notify(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom notifier panicked"))
}

func TestFanoutAppliesTimeout(t *testing.T) {
	slow := funcNotifier{name: "slow", fn: func(ctx context.Context, _ models.AlertEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	f := alert.NewFanout(zerolog.Nop(), []alert.Notifier{slow}, alert.WithTimeout(20*time.Millisecond))

	err := f.Notify(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
