package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/document-delivery/internal/failure"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) bool {
	s.delays = append(s.delays, d)
	return true
}

func TestDelayFormula(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second}

	cases := map[int]time.Duration{
		0: 0,
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	}
	for attempt, want := range cases {
		assert.Equalf(t, want, Delay(p, attempt), "attempt %d", attempt)
	}
}

func TestDelayWithoutCap(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Second, BackoffMultiplier: 3}
	assert.Equal(t, 9*time.Second, Delay(p, 3))
	assert.Equal(t, time.Duration(0), Delay(Policy{BackoffMultiplier: 2}, 3))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxAttempts: 0, BackoffMultiplier: 2}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BackoffMultiplier: 0.5}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, BackoffMultiplier: 1, InitialDelay: -1}.Validate())
}

func TestExhaustionAttemptsExactlyMax(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 50 * time.Millisecond}
	sleeper := &recordingSleeper{}
	calls := 0
	transient := failure.New(failure.KindDeliveryChannelFailed, "send", errors.New("503"))

	err := Do(context.Background(), p, func(context.Context, int) error {
		calls++
		return transient
	}, WithSleeper(sleeper.Sleep))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
	assert.Equal(t, 5, calls)
	assert.ErrorIs(t, err, transient)
	assert.True(t, failure.Is(err, failure.KindDeliveryChannelFailed))

	require.Len(t, sleeper.delays, 4)
	for i := 1; i < len(sleeper.delays); i++ {
		assert.GreaterOrEqual(t, sleeper.delays[i], sleeper.delays[i-1], "delays must not decrease")
	}
	for _, d := range sleeper.delays {
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}, sleeper.delays)
}

func TestNonRetryableFailsFast(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0
	invalid := failure.New(failure.KindValidationFailed, "validate", errors.New("amount must be positive"))

	err := Do(context.Background(), DefaultPolicy(), func(context.Context, int) error {
		calls++
		return invalid
	}, WithSleeper(sleeper.Sleep))

	assert.Same(t, invalid, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestSucceedsAfterTransientFailures(t *testing.T) {
	sleeper := &recordingSleeper{}
	var seen []int

	err := Do(context.Background(), DefaultPolicy(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, WithSleeper(sleeper.Sleep))

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Len(t, sleeper.delays, 2)
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	var attempts []Attempt
	p := Policy{MaxAttempts: 2, BackoffMultiplier: 1}

	_ = Do(context.Background(), p, func(context.Context, int) error {
		return errors.New("boom")
	}, OnAttempt(func(a Attempt) { attempts = append(attempts, a) }), WithSleeper(func(context.Context, time.Duration) bool { return true }))

	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Number)
	assert.True(t, attempts[0].Retryable)
	assert.Equal(t, 2, attempts[1].Number)
}

func TestContextCancelledDuringAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	opErr := errors.New("timeout")

	err := Do(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour, BackoffMultiplier: 2}, func(context.Context, int) error {
		calls++
		cancel()
		return opErr
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, 1, calls)
}

func TestContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour, BackoffMultiplier: 2}, func(context.Context, int) error {
		calls++
		return failure.New(failure.KindDeliveryChannelFailed, "send", errors.New("503"))
	}, WithSleeper(func(context.Context, time.Duration) bool {
		cancel()
		return false
	}))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCustomClassifier(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, BackoffMultiplier: 1}, func(context.Context, int) error {
		calls++
		return errors.New("permanent")
	}, WithClassifier(func(error) bool { return false }))

	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 1, calls)
}

func TestJitterStaysWithinBound(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := fullJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.Equal(t, time.Duration(0), fullJitter(0))
}

func TestTimerSleep(t *testing.T) {
	assert.True(t, TimerSleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, TimerSleep(ctx, time.Hour))
	assert.False(t, TimerSleep(ctx, 0))
}
