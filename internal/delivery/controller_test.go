package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/document-delivery/internal/delivery"
	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/retry"
)

func TestExecuteWithRetryExhaustsWithCappedDelays(t *testing.T) {
	var delays []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}
	ctrl, err := delivery.NewController(&stubMessenger{}, nil, zerolog.Nop(), delivery.WithSleeper(sleeper))
	require.NoError(t, err)

	policy := retry.Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 50 * time.Millisecond}
	calls := 0
	err = ctrl.ExecuteWithRetry(context.Background(), delivery.OpPrimary, "PAY-1", policy, failure.KindDeliveryChannelFailed,
		func(context.Context) error {
			calls++
			return errors.New("upstream 502")
		})

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, 5, calls)
	assert.True(t, failure.Is(err, failure.KindDeliveryChannelFailed))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}, delays)
}

func TestExecuteWithRetryFailsFastOnValidation(t *testing.T) {
	var recorded []delivery.Attempt
	ctrl, err := delivery.NewController(&stubMessenger{}, nil, zerolog.Nop(),
		delivery.WithSleeper(noSleep),
		delivery.WithAttemptObserver(func(a delivery.Attempt) { recorded = append(recorded, a) }),
	)
	require.NoError(t, err)

	calls := 0
	err = ctrl.ExecuteWithRetry(context.Background(), delivery.OpRender, "PAY-2", retry.DefaultPolicy(), failure.KindRenderFailed,
		func(context.Context) error {
			calls++
			return failure.New(failure.KindValidationFailed, "render", errors.New("bad input"))
		})

	assert.True(t, failure.Is(err, failure.KindValidationFailed))
	assert.Equal(t, 1, calls)
	require.Len(t, recorded, 1)
	assert.Equal(t, delivery.OutcomeFatal, recorded[0].Outcome)
	assert.Equal(t, failure.KindValidationFailed, recorded[0].ErrorKind)
	assert.Equal(t, "PAY-2", recorded[0].Reference)
}

func TestExecuteFallbackDeliveryReportsFailure(t *testing.T) {
	m := &stubMessenger{textErr: failure.New(failure.KindDeliveryRejected, "send", errors.New("blocked"))}
	ctrl, err := delivery.NewController(m, nil, zerolog.Nop(), delivery.WithSleeper(noSleep))
	require.NoError(t, err)

	res := ctrl.ExecuteFallbackDelivery(context.Background(), validData(), "https://docs.example.com/x")

	assert.False(t, res.Success)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, failure.KindFallbackFailed.String(), res.ErrorKind)
	assert.Equal(t, 1, m.textCalls)
}

func TestNotifyOperatorSurvivesCancelledContext(t *testing.T) {
	n := &recordingNotifier{}
	ctrl, err := delivery.NewController(&stubMessenger{}, n, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() {
		ctrl.NotifyOperatorOfCriticalFailure(ctx, validData(), false, failure.New(failure.KindRenderFailed, "render", errors.New("x")))
	})
	alerts := n.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, failure.KindRenderFailed.String(), alerts[0].ErrorKind)
	assert.NotEmpty(t, alerts[0].AlertID)
}

func TestNewControllerValidates(t *testing.T) {
	_, err := delivery.NewController(nil, nil, zerolog.Nop())
	assert.Error(t, err)
	_, err = delivery.NewController(&stubMessenger{}, nil, zerolog.Nop(), delivery.WithFallbackPolicy(retry.Policy{}))
	assert.Error(t, err)
}
