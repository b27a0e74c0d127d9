// Package failure defines the closed error taxonomy shared by the delivery
// pipeline. Errors are tagged with a Kind where they are produced so callers
// route on the kind instead of inspecting provider specific messages.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind enumerates the failure classes the pipeline distinguishes.
type Kind string

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = "unknown"
	// KindValidationFailed marks malformed input. Never retried.
	KindValidationFailed Kind = "validation_failed"
	// KindRenderFailed marks a renderer failure. Retried, then fatal.
	KindRenderFailed Kind = "render_failed"
	// KindQRGenerationFailed marks a failure producing the QR image.
	KindQRGenerationFailed Kind = "qr_generation_failed"
	// KindDeliveryChannelFailed marks a transient primary channel failure.
	KindDeliveryChannelFailed Kind = "delivery_channel_failed"
	// KindDeliveryRejected marks a permanent rejection by the provider, for
	// example an invalid recipient address.
	KindDeliveryRejected Kind = "delivery_rejected"
	// KindFallbackFailed marks the failure of the degraded delivery path.
	KindFallbackFailed Kind = "fallback_failed"
	// KindRateLimited is surfaced to callers that exceeded their budget.
	KindRateLimited Kind = "rate_limited"
	// KindTokenInvalid covers malformed, tampered or revoked tokens.
	KindTokenInvalid Kind = "token_invalid"
	// KindTokenExpired covers tokens past their expiry.
	KindTokenExpired Kind = "token_expired"
	// KindQueueFull is returned by the scheduler when admission is refused.
	KindQueueFull Kind = "queue_full"
	// KindTimeout covers queue-wait and operation deadlines.
	KindTimeout Kind = "timeout"
)

// Retryable reports whether failures of this kind may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindRenderFailed, KindQRGenerationFailed, KindDeliveryChannelFailed,
		KindQueueFull, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Error is the tagged error value carried through the pipeline.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New constructs a tagged error. A nil err is allowed and yields an error whose
// message is derived from the kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf formats a message and tags it with kind.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, failure.New(kind, "", nil))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// KindOf returns the outermost kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the supplied kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// Retryable reports whether err may be retried. Context cancellation is never
// retryable; unclassified errors are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// Tag wraps err with kind unless it already carries a classification.
func Tag(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return New(kind, op, err)
}
