package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/config"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"
	defaultBodyLimit     = 16 * 1024
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TwilioOption customises the behaviour of the WhatsApp Twilio provider.
type TwilioOption func(*TwilioProvider)

// WithTwilioHTTPClient overrides the HTTP client used to talk to Twilio.
func WithTwilioHTTPClient(client HTTPClient) TwilioOption {
	return func(p *TwilioProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithTwilioBaseURL sets the base Twilio API URL. Useful for tests.
func WithTwilioBaseURL(baseURL string) TwilioOption {
	return func(p *TwilioProvider) {
		if strings.TrimSpace(baseURL) != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTwilioClock overrides the clock used for timestamps.
func WithTwilioClock(now func() time.Time) TwilioOption {
	return func(p *TwilioProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// TwilioProvider sends WhatsApp messages through Twilio's Messages API.
type TwilioProvider struct {
	logger       zerolog.Logger
	accountSID   string
	authToken    string
	defaultFrom  string
	httpClient   HTTPClient
	baseURL      string
	now          func() time.Time
	maxBodyBytes int64
}

// NewTwilioProvider constructs a Twilio-backed WhatsApp provider.
func NewTwilioProvider(cfg config.TwilioConfig, timeout time.Duration, logger zerolog.Logger, opts ...TwilioOption) (*TwilioProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("twilio whatsapp provider: account SID is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio whatsapp provider: auth token is required")
	}
	if strings.TrimSpace(cfg.PhoneNumber) == "" {
		return nil, errors.New("twilio whatsapp provider: phone number is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &TwilioProvider{
		logger:       logger.With().Str("component", "twilio_whatsapp").Logger(),
		accountSID:   strings.TrimSpace(cfg.AccountSID),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		defaultFrom:  formatWhatsAppAddress(cfg.PhoneNumber),
		baseURL:      defaultTwilioBaseURL,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
		maxBodyBytes: defaultBodyLimit,
	}
	if cfg.BaseURL != "" {
		p.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Send posts one message. Non-2xx responses and transport failures are
// returned as *ProviderError.
func (p *TwilioProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("twilio whatsapp provider: payload is required")
	}
	if strings.TrimSpace(payload.To) == "" {
		return nil, errors.New("twilio whatsapp provider: recipient is required")
	}

	from := formatWhatsAppAddress(payload.From)
	if from == "" {
		from = p.defaultFrom
	}

	params := url.Values{}
	params.Set("To", formatWhatsAppAddress(payload.To))
	params.Set("From", from)
	if strings.TrimSpace(payload.Body) != "" {
		params.Set("Body", payload.Body)
	}
	if strings.TrimSpace(payload.MediaURL) != "" {
		params.Set("MediaUrl", payload.MediaURL)
	}
	if cb := strings.TrimSpace(payload.Meta["status_callback"]); cb != "" {
		params.Set("StatusCallback", cb)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.baseURL, url.PathEscape(p.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio whatsapp provider: new request: %w", err)
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err != nil {
		return nil, &ProviderError{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	parsed := parseTwilioBody(body)
	raw := &RawResponse{
		ID:         parsed.SID,
		HTTPStatus: resp.StatusCode,
		Status:     parsed.Status,
		Body:       string(body),
		Timestamp:  p.now(),
	}
	if raw.Status == "" {
		raw.Status = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if raw.ID == "" {
			raw.ID = payload.MessageID
		}
		p.logger.Debug().
			Str("message_id", payload.MessageID).
			Str("provider_id", raw.ID).
			Str("provider_status", raw.Status).
			Msg("twilio accepted message")
		return raw, nil
	}

	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return raw, &ProviderError{HTTPStatus: resp.StatusCode, Code: parsed.ErrorCode, Message: message}
}

type twilioBody struct {
	SID       string
	Status    string
	ErrorCode int
	Message   string
}

// parseTwilioBody tolerates numeric or string error codes.
func parseTwilioBody(body []byte) twilioBody {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return twilioBody{}
	}

	var result twilioBody
	if v, ok := generic["sid"].(string); ok {
		result.SID = v
	}
	if v, ok := generic["status"].(string); ok {
		result.Status = v
	}
	if v, ok := generic["message"].(string); ok {
		result.Message = v
	}
	switch v := generic["code"].(type) {
	case float64:
		result.ErrorCode = int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			result.ErrorCode = n
		}
	}
	return result
}

func formatWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "whatsapp:") {
		return "whatsapp:" + strings.TrimSpace(trimmed[len("whatsapp:"):])
	}
	return "whatsapp:" + trimmed
}
