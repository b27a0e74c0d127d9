package models

import "time"

// Status event constants.
const (
	StatusEventReceived  = "received"
	StatusEventDelivered = "delivered"
	StatusEventFallback  = "fallback_delivered"
	StatusEventFailed    = "failed"
	StatusEventRejected  = "rejected"
	StatusEventDLQ       = "dlq"
)

// Delivery channels reported on status events.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelText     = "text"
)

// StatusEvent represents lifecycle events emitted for a transaction's
// document delivery.
type StatusEvent struct {
	EventID            string    `json:"event_id"`
	Reference          string    `json:"reference"`
	EventType          string    `json:"event_type"`
	Channel            string    `json:"channel,omitempty"`
	MessageID          string    `json:"message_id,omitempty"`
	ArtifactGenerated  bool      `json:"artifact_generated"`
	PrimaryChannelUsed bool      `json:"primary_channel_used"`
	FallbackUsed       bool      `json:"fallback_used"`
	ErrorKind          string    `json:"error_kind,omitempty"`
	Error              string    `json:"error,omitempty"`
	TraceID            string    `json:"trace_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}
