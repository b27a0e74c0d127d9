// Package render turns transaction data into deliverable documents.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/models"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	qrSize          = 256
)

// Artifact is a rendered document.
type Artifact struct {
	ContentType string
	FileName    string
	Body        []byte
}

// Renderer produces artifacts. Implementations must be deterministic: equal
// input yields byte-identical output.
type Renderer interface {
	Render(ctx context.Context, kind models.DocumentKind, data models.DocumentData) (Artifact, error)
	// Version changes whenever output for the same input could change.
	Version() string
	// Priority is the scheduling priority for a document kind.
	Priority(kind models.DocumentKind) int
	// FileName is the download name of reference's artifact of kind.
	FileName(kind models.DocumentKind, reference string) string
}

// QREncoder produces a PNG image for a payload.
type QREncoder func(payload string, size int) ([]byte, error)

// Option customises an HTMLRenderer.
type Option func(*HTMLRenderer)

// WithQREncoder replaces the QR image encoder.
func WithQREncoder(enc QREncoder) Option {
	return func(r *HTMLRenderer) {
		if enc != nil {
			r.encodeQR = enc
		}
	}
}

// HTMLRenderer renders catalogue templates to HTML with an inline QR image.
type HTMLRenderer struct {
	catalogue *Catalogue
	templates map[models.DocumentKind]*template.Template
	version   string
	encodeQR  QREncoder
	logger    zerolog.Logger
}

var _ Renderer = (*HTMLRenderer)(nil)

// NewHTMLRenderer compiles every template in cat.
func NewHTMLRenderer(cat *Catalogue, logger zerolog.Logger, opts ...Option) (*HTMLRenderer, error) {
	if cat == nil {
		return nil, fmt.Errorf("render: catalogue is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	r := &HTMLRenderer{
		catalogue: cat,
		templates: make(map[models.DocumentKind]*template.Template, len(cat.Templates)),
		version:   cat.Fingerprint(),
		encodeQR:  encodePNG,
		logger:    logger.With().Str("component", "renderer").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	for kind, spec := range cat.Templates {
		tmpl, err := template.New(string(kind)).Option("missingkey=error").Funcs(funcs).Parse(spec.Body)
		if err != nil {
			return nil, fmt.Errorf("render: compile %s template: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

// Version reports the catalogue fingerprint.
func (r *HTMLRenderer) Version() string { return r.version }

// Priority returns the configured priority for kind, or a low priority for
// unknown kinds.
func (r *HTMLRenderer) Priority(kind models.DocumentKind) int {
	if spec, ok := r.catalogue.Templates[kind]; ok {
		return spec.Priority
	}
	return 10
}

type view struct {
	Title  string
	Data   models.DocumentData
	QRCode template.URL
}

// Render produces the HTML document for kind.
func (r *HTMLRenderer) Render(ctx context.Context, kind models.DocumentKind, data models.DocumentData) (Artifact, error) {
	const op = "render"
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	tmpl, ok := r.templates[kind]
	if !ok {
		return Artifact{}, failure.Newf(failure.KindValidationFailed, op, "no template for document kind %q", kind)
	}
	spec := r.catalogue.Templates[kind]

	png, err := r.encodeQR(data.QRPayload, qrSize)
	if err != nil {
		return Artifact{}, failure.New(failure.KindQRGenerationFailed, "render qr", err)
	}

	var buf bytes.Buffer
	v := view{
		Title:  spec.Title,
		Data:   data,
		QRCode: template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)),
	}
	if err := tmpl.Execute(&buf, v); err != nil {
		return Artifact{}, failure.New(failure.KindRenderFailed, op, err)
	}

	r.logger.Debug().
		Str("reference", data.Reference).
		Str("kind", string(kind)).
		Int("bytes", buf.Len()).
		Msg("document rendered")

	return Artifact{
		ContentType: contentTypeHTML,
		FileName:    r.FileName(kind, data.Reference),
		Body:        buf.Bytes(),
	}, nil
}

// FileName returns the download file name used for reference's artifact.
func (r *HTMLRenderer) FileName(kind models.DocumentKind, reference string) string {
	prefix := string(kind)
	if spec, ok := r.catalogue.Templates[kind]; ok {
		prefix = spec.FilePrefix
	}
	return prefix + "-" + safeFileComponent(reference) + ".html"
}

func encodePNG(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("render: empty qr payload")
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

var funcs = template.FuncMap{
	"money": formatMoney,
	"date": func(t time.Time) string {
		return t.UTC().Format("2 Jan 2006 15:04 MST")
	},
}

func formatMoney(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}

func safeFileComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
