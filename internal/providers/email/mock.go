package email

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MockProvider records alerts instead of mailing them. Local environments
// read alerts from the log.
type MockProvider struct {
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	fail error
	sent []Message
}

// NewMockProvider returns a mock that accepts every message.
func NewMockProvider(logger zerolog.Logger) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &MockProvider{
		logger: logger.With().Str("component", "mock_alert_mail").Logger(),
		now:    time.Now,
	}
}

// FailWith makes subsequent sends fail with err. Nil restores success.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Send records msg unless a failure is configured.
func (p *MockProvider) Send(ctx context.Context, msg Message) (Receipt, error) {
	if len(msg.To) == 0 {
		return Receipt{}, errors.New("email: at least one recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return Receipt{}, p.fail
	}
	p.sent = append(p.sent, msg)

	p.logger.Info().
		Str("alert_id", msg.AlertID).
		Str("kind", msg.Kind).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("alert mail recorded")
	return Receipt{AlertID: msg.AlertID, Code: 250, Reply: "recorded", AcceptedAt: p.now()}, nil
}

// Sent returns the recorded messages in order.
func (p *MockProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}
