package whatsapp

import (
	"context"
	"fmt"
	"time"
)

// Payload is a single outbound WhatsApp message. MediaURL, when set, is
// attached as a document and Body becomes its caption.
type Payload struct {
	MessageID string
	From      string
	To        string
	Body      string
	MediaURL  string
	Meta      map[string]string
}

// RawResponse captures the low-level provider response for a send.
type RawResponse struct {
	ID         string
	HTTPStatus int
	Status     string
	Body       string
	Timestamp  time.Time
}

// ProviderError reports a failed send. HTTPStatus is zero when the request
// never produced a response; Code carries the provider's own error code.
type ProviderError struct {
	HTTPStatus int
	Code       int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("whatsapp provider: %v", e.Err)
	case e.Code > 0:
		return fmt.Sprintf("whatsapp provider: error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	default:
		return fmt.Sprintf("whatsapp provider: http %d: %s", e.HTTPStatus, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Provider represents an outbound WhatsApp provider.
type Provider interface {
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}
