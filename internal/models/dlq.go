package models

import "time"

// Failure types for DLQ records.
const (
	FailureTypePermanent  = "permanent"
	FailureTypeTransient  = "transient"
	FailureTypeValidation = "validation"
	FailureTypeUnknown    = "unknown"
)

// DLQRecord carries an inbound event that could not be turned into a
// delivery.
type DLQRecord struct {
	EventID       string            `json:"event_id"`
	Reference     string            `json:"reference,omitempty"`
	OriginalEvent any               `json:"original_event"`
	FailureType   string            `json:"failure_type"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	FailedAt      time.Time         `json:"failed_at"`
	TraceID       string            `json:"trace_id,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}
