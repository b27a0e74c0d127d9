// Package email sends operator alert mail. Messages are always plain text
// and carry headers marking them as automated alerts.
package email

import (
	"context"
	"fmt"
	"time"
)

// Message is one operator alert.
type Message struct {
	// AlertID becomes the local part of the Message-ID header.
	AlertID string
	To      []string
	Subject string
	// Kind is the failure kind, sent as X-Alert-Kind.
	Kind string
	Body string
}

// Receipt is the server's final reply to an accepted message.
type Receipt struct {
	AlertID    string
	Code       int
	Reply      string
	AcceptedAt time.Time
}

// Provider sends alert mail.
type Provider interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SendError reports a failed send. Code is the SMTP reply code, zero when the
// server never answered.
type SendError struct {
	Stage string
	Code  int
	Reply string
	Err   error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("email: %s: %d %s", e.Stage, e.Code, e.Reply)
	}
	return fmt.Sprintf("email: %s: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Temporary reports a 4xx reply or a failure before the server answered.
func (e *SendError) Temporary() bool {
	return e.Code == 0 || (e.Code >= 400 && e.Code < 500)
}
