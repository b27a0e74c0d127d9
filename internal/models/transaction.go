package models

import "time"

// DocumentKind names the artifact rendered for a transaction.
type DocumentKind string

const (
	// DocumentTicket is an admission pass carrying a scannable code.
	DocumentTicket DocumentKind = "ticket"
	// DocumentReceipt is a payment receipt.
	DocumentReceipt DocumentKind = "receipt"
)

// Valid reports whether k is a known document kind.
func (k DocumentKind) Valid() bool {
	return k == DocumentTicket || k == DocumentReceipt
}

// LineItem is one purchased unit on a transaction.
type LineItem struct {
	Description string `json:"description" yaml:"description"`
	Quantity    int    `json:"quantity" yaml:"quantity"`
	UnitAmount  int64  `json:"unit_amount" yaml:"unit_amount"`
}

// Transaction is the persisted record of a confirmed payment. Amounts are in
// minor currency units.
type Transaction struct {
	Reference  string       `json:"reference" yaml:"reference"`
	Kind       DocumentKind `json:"kind" yaml:"kind"`
	HolderName string       `json:"holder_name" yaml:"holder_name"`
	Email      string       `json:"email" yaml:"email"`
	Phone      string       `json:"phone" yaml:"phone"`
	Amount     int64        `json:"amount" yaml:"amount"`
	Currency   string       `json:"currency" yaml:"currency"`
	EventName  string       `json:"event_name,omitempty" yaml:"event_name"`
	Items      []LineItem   `json:"items,omitempty" yaml:"items"`
	PaidAt     time.Time    `json:"paid_at" yaml:"paid_at"`
	QRPayload  string       `json:"qr_payload" yaml:"qr_payload"`
}

// DocumentData returns the render input for the transaction. An empty kind
// defaults to a ticket.
func (t Transaction) DocumentData() DocumentData {
	kind := t.Kind
	if kind == "" {
		kind = DocumentTicket
	}
	items := make([]LineItem, len(t.Items))
	copy(items, t.Items)
	return DocumentData{
		Reference:  t.Reference,
		Kind:       kind,
		HolderName: t.HolderName,
		Email:      t.Email,
		Phone:      t.Phone,
		Amount:     t.Amount,
		Currency:   t.Currency,
		EventName:  t.EventName,
		Items:      items,
		PaidAt:     t.PaidAt.UTC(),
		QRPayload:  t.QRPayload,
	}
}

// DocumentData is everything that affects a rendered artifact. Every field
// takes part in the cache fingerprint, so fields that do not change output
// must not be added here.
type DocumentData struct {
	Reference  string       `json:"reference"`
	Kind       DocumentKind `json:"kind"`
	HolderName string       `json:"holder_name"`
	Email      string       `json:"email"`
	Phone      string       `json:"phone"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	EventName  string       `json:"event_name,omitempty"`
	Items      []LineItem   `json:"items,omitempty"`
	PaidAt     time.Time    `json:"paid_at"`
	QRPayload  string       `json:"qr_payload"`
}

// DeliveryResult is the outcome of one orchestration call.
type DeliveryResult struct {
	Reference          string `json:"reference"`
	Success            bool   `json:"success"`
	ArtifactGenerated  bool   `json:"artifact_generated"`
	PrimaryChannelUsed bool   `json:"primary_channel_used"`
	FallbackUsed       bool   `json:"fallback_used"`
	MessageID          string `json:"message_id,omitempty"`
	Error              string `json:"error,omitempty"`
	ErrorKind          string `json:"error_kind,omitempty"`
}

// PaymentEvent is the inbound Kafka payload announcing a confirmed payment.
// When Transaction is set it is stored before delivery; otherwise the
// reference must already exist in the store.
type PaymentEvent struct {
	EventID     string       `json:"event_id"`
	Reference   string       `json:"reference"`
	TraceID     string       `json:"trace_id,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
	Transaction *Transaction `json:"transaction,omitempty"`
}
