// Package whatsapp adapts the WhatsApp provider to the delivery pipeline's
// messenger contract and classifies provider failures.
package whatsapp

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/models"
	waprovider "github.com/example/document-delivery/internal/providers/whatsapp"
)

// Twilio error codes that mean the recipient can never be reached.
var permanentCodes = map[int]struct{}{
	21211: {}, // invalid To number
	21408: {}, // region not enabled
	21610: {}, // recipient unsubscribed
	21612: {}, // unreachable To number
	21614: {}, // not a mobile number
	63003: {}, // recipient not on WhatsApp
}

// Twilio error codes that are throttling or upstream outages.
var transientCodes = map[int]struct{}{
	20429: {},
	30001: {},
	30003: {},
	63002: {},
	63015: {},
	63016: {},
	63018: {},
	63019: {}, // media download failed
}

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithSender overrides the From address for every message.
func WithSender(from string) Option {
	return func(a *Adapter) {
		a.from = strings.TrimSpace(from)
	}
}

// Adapter sends documents and text over WhatsApp.
type Adapter struct {
	logger   zerolog.Logger
	provider waprovider.Provider
	from     string
}

// NewAdapter constructs a WhatsApp adapter.
func NewAdapter(provider waprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("whatsapp adapter: provider dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	a := &Adapter{
		logger:   logger.With().Str("component", "whatsapp_adapter").Logger(),
		provider: provider,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// SendDocument delivers a document link with a caption.
func (a *Adapter) SendDocument(ctx context.Context, msg models.DocumentMessage) (models.SendResult, error) {
	if strings.TrimSpace(msg.DocumentURL) == "" {
		return models.SendResult{}, failure.Newf(failure.KindValidationFailed, "send document", "document url is required")
	}
	return a.send(ctx, "send document", msg.Reference, &waprovider.Payload{
		MessageID: msg.Reference,
		From:      a.from,
		To:        msg.To,
		Body:      msg.Text,
		MediaURL:  msg.DocumentURL,
	})
}

// SendText delivers a plain text message.
func (a *Adapter) SendText(ctx context.Context, msg models.TextMessage) (models.SendResult, error) {
	return a.send(ctx, "send text", msg.Reference, &waprovider.Payload{
		MessageID: msg.Reference,
		From:      a.from,
		To:        msg.To,
		Body:      msg.Text,
	})
}

func (a *Adapter) send(ctx context.Context, op, reference string, payload *waprovider.Payload) (models.SendResult, error) {
	if strings.TrimSpace(payload.To) == "" {
		return models.SendResult{}, failure.Newf(failure.KindValidationFailed, op, "recipient is required")
	}

	raw, err := a.provider.Send(ctx, payload)
	if err != nil {
		kind := Classify(err)
		evt := a.logger.Warn().
			Str("reference", reference).
			Str("operation", op).
			Str("kind", kind.String()).
			Err(err)
		if raw != nil {
			evt = evt.Int("http_status", raw.HTTPStatus).Str("provider_status", raw.Status)
		}
		evt.Msg("whatsapp send failed")
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return models.SendResult{}, err
		}
		return models.SendResult{}, failure.New(kind, op, err)
	}

	result := models.SendResult{}
	if raw != nil {
		result.MessageID = raw.ID
	}
	a.logger.Debug().
		Str("reference", reference).
		Str("operation", op).
		Str("provider_id", result.MessageID).
		Msg("whatsapp send succeeded")
	return result, nil
}

// Classify maps a provider error onto the failure taxonomy using the
// provider's structured fields.
func Classify(err error) failure.Kind {
	var perr *waprovider.ProviderError
	if errors.As(err, &perr) {
		if _, ok := permanentCodes[perr.Code]; ok {
			return failure.KindDeliveryRejected
		}
		if _, ok := transientCodes[perr.Code]; ok {
			return failure.KindDeliveryChannelFailed
		}
		switch {
		case perr.HTTPStatus == 0:
			return failure.KindDeliveryChannelFailed
		case perr.HTTPStatus == 408, perr.HTTPStatus == 429, perr.HTTPStatus >= 500:
			return failure.KindDeliveryChannelFailed
		case perr.HTTPStatus >= 400:
			return failure.KindDeliveryRejected
		}
	}
	// transport errors, timeouts and anything unrecognised are worth retrying
	return failure.KindDeliveryChannelFailed
}
