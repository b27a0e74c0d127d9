package whatsapp

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scenario enumerates supported behaviours for the mock WhatsApp provider.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
	// ScenarioTextOnly rejects media messages and accepts plain text, which
	// drives the fallback path end to end.
	ScenarioTextOnly Scenario = "text_only"
)

// Option customises the mock provider at construction time.
type Option func(*MockProvider)

// WithScenario overrides the default scenario.
func WithScenario(s Scenario) Option {
	return func(p *MockProvider) {
		if s != "" {
			p.defaultScenario = s
		}
	}
}

// WithLatency sets the artificial latency inserted before responding.
func WithLatency(d time.Duration) Option {
	return func(p *MockProvider) {
		if d < 0 {
			d = 0
		}
		p.latency = d
	}
}

// WithClock swaps out the clock for deterministic timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider is an in-process provider for local runs and tests. A
// "scenario" meta entry overrides the default per message.
type MockProvider struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	latency         time.Duration
	now             func() time.Time

	mu   sync.Mutex
	sent []Payload
}

// NewMockProvider constructs a new mock WhatsApp provider.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		logger:          logger.With().Str("component", "mock_whatsapp").Logger(),
		defaultScenario: ScenarioSuccess,
		latency:         10 * time.Millisecond,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Send simulates a send according to the active scenario.
func (p *MockProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("whatsapp mock: payload is required")
	}
	if strings.TrimSpace(payload.To) == "" {
		return nil, errors.New("whatsapp mock: recipient is required")
	}

	if err := p.sleep(ctx, p.latency); err != nil {
		return nil, &ProviderError{Err: err}
	}

	scenario := p.defaultScenario
	if val := strings.TrimSpace(payload.Meta["scenario"]); val != "" {
		scenario = Scenario(strings.ToLower(val))
	}

	resp := &RawResponse{
		ID:         "SM" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		HTTPStatus: 201,
		Status:     "queued",
		Timestamp:  p.now(),
	}

	var err error
	switch scenario {
	case ScenarioSuccess:
	case ScenarioTextOnly:
		if payload.MediaURL != "" {
			resp.HTTPStatus, resp.Status = 400, "failed"
			err = &ProviderError{HTTPStatus: 400, Code: 63019, Message: "media failed to download"}
		}
	case ScenarioTransient:
		resp.HTTPStatus, resp.Status = 503, "failed"
		err = &ProviderError{HTTPStatus: 503, Message: "service unavailable"}
	case ScenarioPermanent:
		resp.HTTPStatus, resp.Status = 400, "failed"
		err = &ProviderError{HTTPStatus: 400, Code: 21211, Message: "invalid 'To' phone number"}
	case ScenarioTimeout:
		if serr := p.sleep(ctx, p.latency); serr != nil {
			return nil, &ProviderError{Err: serr}
		}
		return nil, &ProviderError{Err: context.DeadlineExceeded}
	default:
		resp.HTTPStatus, resp.Status = 500, "failed"
		err = &ProviderError{HTTPStatus: 500, Message: "unknown mock scenario " + string(scenario)}
	}

	if err != nil {
		return resp, err
	}

	p.mu.Lock()
	p.sent = append(p.sent, *payload)
	p.mu.Unlock()
	p.logger.Debug().Str("to", payload.To).Bool("media", payload.MediaURL != "").Msg("mock whatsapp message accepted")
	return resp, nil
}

// Sent returns every accepted payload in order.
func (p *MockProvider) Sent() []Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Payload, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *MockProvider) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
