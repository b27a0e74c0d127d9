package delivery

import (
	"errors"
	"strings"

	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/util"
)

// Validation messages. Each malformed field has its own.
const (
	MsgMissingReference  = "transaction reference is required"
	MsgUnknownKind       = "unknown document kind"
	MsgMissingName       = "holder name is required"
	MsgAmountNotPositive = "amount must be greater than zero"
	MsgMalformedEmail    = "email address is malformed"
	MsgMalformedPhone    = "phone number must be in E.164 format"
	MsgEmptyQRPayload    = "qr payload is required"
)

// Validate checks data before it touches the cache or the scheduler and
// returns it with contact fields normalised. Failures are tagged
// ValidationFailed.
func Validate(data models.DocumentData) (models.DocumentData, error) {
	data.Reference = strings.TrimSpace(data.Reference)
	if data.Reference == "" {
		return data, invalid(MsgMissingReference)
	}
	if data.Kind == "" {
		data.Kind = models.DocumentTicket
	}
	if !data.Kind.Valid() {
		return data, invalid(MsgUnknownKind)
	}
	data.HolderName = strings.TrimSpace(data.HolderName)
	if data.HolderName == "" {
		return data, invalid(MsgMissingName)
	}
	if data.Amount <= 0 {
		return data, invalid(MsgAmountNotPositive)
	}
	email, err := util.NormalizeEmail(data.Email)
	if err != nil {
		return data, invalid(MsgMalformedEmail)
	}
	data.Email = email
	phone, err := util.NormalizeE164(data.Phone)
	if err != nil {
		return data, invalid(MsgMalformedPhone)
	}
	data.Phone = phone
	if strings.TrimSpace(data.QRPayload) == "" {
		return data, invalid(MsgEmptyQRPayload)
	}
	return data, nil
}

func invalid(msg string) error {
	return failure.New(failure.KindValidationFailed, "validate", errors.New(msg))
}

// publicMessage is what callers outside the service may see for a failure.
// Provider text and retry counts stay in logs and alerts.
func publicMessage(kind failure.Kind) string {
	switch kind {
	case failure.KindValidationFailed:
		return "invalid transaction data"
	case failure.KindRenderFailed, failure.KindQRGenerationFailed, failure.KindQueueFull, failure.KindTimeout:
		return "document could not be generated"
	case failure.KindFallbackFailed, failure.KindDeliveryChannelFailed, failure.KindDeliveryRejected:
		return "document could not be delivered"
	default:
		return "document could not be processed"
	}
}
