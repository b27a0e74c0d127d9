package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/config"
)

const (
	defaultDialTimeout = 30 * time.Second
	messageIDDomain    = "document-delivery"
)

// Dialer opens the connection to the SMTP server.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPOption customises an SMTPProvider.
type SMTPOption func(*SMTPProvider)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) SMTPOption {
	return func(p *SMTPProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithoutTLS disables STARTTLS even when the server offers it.
func WithoutTLS() SMTPOption {
	return func(p *SMTPProvider) { p.tls = nil }
}

// WithSMTPClock overrides the time source for Date headers and receipts.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(p *SMTPProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// SMTPProvider mails alerts through one relay. STARTTLS is used when offered.
type SMTPProvider struct {
	logger zerolog.Logger
	addr   string
	host   string
	from   string
	auth   smtp.Auth
	tls    *tls.Config
	dialer Dialer
	now    func() time.Time
}

// NewSMTPProvider builds a provider from the SMTP settings. Credentials are
// optional; without a user no AUTH is attempted.
func NewSMTPProvider(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPProvider, error) {
	host := strings.TrimSpace(cfg.Host)
	from := strings.TrimSpace(cfg.From)
	switch {
	case host == "":
		return nil, errors.New("email: smtp host is required")
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("email: invalid smtp port %d", cfg.Port)
	case from == "":
		return nil, errors.New("email: from address is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &SMTPProvider{
		logger: logger.With().Str("component", "alert_mail").Logger(),
		addr:   net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		host:   host,
		from:   from,
		tls:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		dialer: &net.Dialer{Timeout: defaultDialTimeout},
		now:    time.Now,
	}
	if user := strings.TrimSpace(cfg.User); user != "" {
		p.auth = smtp.PlainAuth("", user, cfg.Pass, host)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Send mails msg to every recipient in one transaction.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) (Receipt, error) {
	if len(msg.To) == 0 {
		return Receipt{}, errors.New("email: at least one recipient is required")
	}

	now := p.now()
	err := p.transact(ctx, msg.To, p.compose(msg, now))
	if err != nil {
		var code int
		var se *SendError
		if errors.As(err, &se) {
			code = se.Code
		}
		p.logger.Warn().
			Err(err).
			Str("alert_id", msg.AlertID).
			Int("smtp_code", code).
			Msg("alert mail not sent")
		return Receipt{}, err
	}

	p.logger.Debug().
		Str("alert_id", msg.AlertID).
		Int("recipients", len(msg.To)).
		Msg("alert mail accepted")
	return Receipt{AlertID: msg.AlertID, Code: 250, Reply: "accepted", AcceptedAt: now}, nil
}

// compose renders the RFC 5322 message. The subject is Q-encoded whenever it
// holds anything but printable ASCII, so CR and LF never reach the header.
func (p *SMTPProvider) compose(msg Message, now time.Time) []byte {
	var b bytes.Buffer
	header := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}

	header("From", p.from)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.UTC().Format(time.RFC1123Z))
	if msg.AlertID != "" {
		header("Message-ID", "<"+mime.QEncoding.Encode("utf-8", msg.AlertID)+"@"+messageIDDomain+">")
	}
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	header("Auto-Submitted", "auto-generated")
	header("X-Alert-Kind", mime.QEncoding.Encode("utf-8", msg.Kind))
	b.WriteString("\r\n")

	lines := strings.Split(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n")
	b.WriteString(strings.Join(lines, "\r\n"))
	return b.Bytes()
}

// transact runs one SMTP session. Cancelling ctx closes the connection, which
// aborts whatever command is in flight.
func (p *SMTPProvider) transact(ctx context.Context, to []string, body []byte) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return &SendError{Stage: "dial", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, p.host)
	if err != nil {
		return stageError(ctx, "greeting", err)
	}
	defer c.Close()

	steps := []struct {
		stage string
		run   func() error
	}{
		{"hello", func() error { return c.Hello(messageIDDomain) }},
		{"starttls", func() error {
			if ok, _ := c.Extension("STARTTLS"); !ok || p.tls == nil {
				return nil
			}
			return c.StartTLS(p.tls.Clone())
		}},
		{"auth", func() error {
			if ok, _ := c.Extension("AUTH"); !ok || p.auth == nil {
				return nil
			}
			return c.Auth(p.auth)
		}},
		{"mail from", func() error { return c.Mail(p.from) }},
		{"rcpt to", func() error {
			for _, rcpt := range to {
				if err := c.Rcpt(rcpt); err != nil {
					return err
				}
			}
			return nil
		}},
		{"data", func() error {
			w, err := c.Data()
			if err != nil {
				return err
			}
			if _, err := w.Write(body); err != nil {
				_ = w.Close()
				return err
			}
			return w.Close()
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return stageError(ctx, step.stage, err)
		}
	}

	// the message is already accepted; a failed QUIT is not worth reporting
	_ = c.Quit()
	return nil
}

func stageError(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	se := &SendError{Stage: stage, Err: err}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		se.Code = tpErr.Code
		se.Reply = strings.TrimSpace(tpErr.Msg)
	}
	return se
}
