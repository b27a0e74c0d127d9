// Package retry runs operations under a bounded exponential backoff policy.
// Delay computation is a pure function of the policy and attempt number; the
// waiting primitive is injectable so tests run without real sleeps.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/example/document-delivery/internal/failure"
)

// Policy bounds retries of a single operation.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// Jitter applies full jitter to each computed delay. Delays are then no
	// longer monotonic, so it is off unless configured.
	Jitter bool
}

// DefaultPolicy mirrors the defaults used for provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

// Validate reports a misconfigured policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max attempts must be >= 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry: delays cannot be negative")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("retry: backoff multiplier must be >= 1")
	}
	return nil
}

// Delay returns the wait before attempt+1 after attempt failed:
// min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	raw := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && raw > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if raw > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// ExhaustedError is returned after the final attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Sleeper waits for d or until ctx is done. It returns false when ctx ended
// first.
type Sleeper func(ctx context.Context, d time.Duration) bool

// Attempt describes one finished attempt for observers.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
	Retryable bool
	NextDelay time.Duration
}

// Option customises a Do call.
type Option func(*runner)

// WithSleeper replaces the timer based wait.
func WithSleeper(s Sleeper) Option {
	return func(r *runner) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithClock replaces the time source used for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithClassifier overrides how errors are judged retryable.
func WithClassifier(fn func(error) bool) Option {
	return func(r *runner) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// OnAttempt registers a callback invoked after every attempt.
func OnAttempt(fn func(Attempt)) Option {
	return func(r *runner) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

type runner struct {
	sleep     Sleeper
	now       func() time.Time
	retryable func(error) bool
	observers []func(Attempt)
}

// Do runs op until it succeeds, fails with a non-retryable error, the context
// ends, or the policy's attempts are exhausted. Non-retryable errors are
// returned as-is without consuming further attempts; exhaustion returns an
// *ExhaustedError. A failed attempt after ctx ended returns ctx.Err() joined
// with the attempt's error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, opts ...Option) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r := &runner{sleep: TimerSleep, now: time.Now, retryable: failure.Retryable}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := r.now()
		err := op(ctx, attempt)
		info := Attempt{Number: attempt, StartedAt: started, Duration: r.now().Sub(started), Err: err}

		if err == nil {
			r.notify(info)
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.notify(info)
			return errors.Join(ctxErr, err)
		}
		info.Retryable = r.retryable(err)
		if !info.Retryable {
			r.notify(info)
			return err
		}
		if attempt >= p.MaxAttempts {
			r.notify(info)
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		info.NextDelay = Delay(p, attempt)
		if p.Jitter {
			info.NextDelay = fullJitter(info.NextDelay)
		}
		r.notify(info)

		if !r.sleep(ctx, info.NextDelay) {
			return ctx.Err()
		}
	}
}

func (r *runner) notify(a Attempt) {
	for _, fn := range r.observers {
		fn(a)
	}
}

// TimerSleep is the default Sleeper.
func TimerSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404
)

func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	rndMu.Lock()
	defer rndMu.Unlock()
	return time.Duration(rnd.Int63n(int64(max) + 1))
}
