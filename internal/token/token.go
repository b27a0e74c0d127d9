// Package token issues and validates signed, time-boxed, download-limited
// capability tokens that gate artifact retrieval.
//
// A token is base64url(JSON claims) "." base64url(HMAC-SHA256(claims)). Tokens
// are self-contained; the only in-process state is the per-client rate limit,
// the per-reference download ledger and the revocation list.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/metrics"
)

// Denial reasons returned by Validate.
const (
	ReasonInvalid       = "Invalid or expired token"
	ReasonExpired       = "Token has expired"
	ReasonIPNotAllowed  = "Access denied from this IP address"
	ReasonRateLimited   = "Too many requests"
	ReasonDownloadLimit = "Download limit reached"
	ReasonRevoked       = "Token has been revoked"
)

// Machine readable denial codes, one per reason.
const (
	CodeInvalid       = "TOKEN_INVALID"
	CodeExpired       = "TOKEN_EXPIRED"
	CodeIPNotAllowed  = "IP_NOT_ALLOWED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeDownloadLimit = "DOWNLOAD_LIMIT"
	CodeRevoked       = "TOKEN_REVOKED"
)

const (
	defaultExpiry          = 72 * time.Hour
	defaultMaxExpiry       = 30 * 24 * time.Hour
	defaultMaxDownloads    = 5
	defaultRateBurst       = 10
	defaultRateWindow      = time.Minute
	defaultCleanupInterval = 10 * time.Minute
	minSecretBytes         = 32
)

var (
	// ErrDownloadLimit is returned by RecordDownload once a reference has used
	// all of its downloads.
	ErrDownloadLimit = errors.New("token: download limit reached")
	// ErrUnknownReference is returned by RecordDownload for a reference no
	// token was validated for.
	ErrUnknownReference = errors.New("token: unknown payment reference")
	// ErrWeakSecret is returned when the signing secret is too short.
	ErrWeakSecret = fmt.Errorf("token: signing secret must be at least %d bytes", minSecretBytes)
)

var encoding = base64.RawURLEncoding.Strict()

// Config controls issuance defaults and the validation rate limit.
//
// Validation attempts are limited per client by a token bucket holding
// RateLimitBurst attempts that refills completely over RateLimitWindow.
type Config struct {
	Secret        []byte
	BaseURL       string
	DefaultExpiry time.Duration
	// MaxExpiry caps the lifetime of any issued token. Revocations are held
	// for this long.
	MaxExpiry           time.Duration
	DefaultMaxDownloads int
	RateLimitBurst      int
	RateLimitWindow     time.Duration
	CleanupInterval     time.Duration
}

// Options customise a single issued token.
type Options struct {
	// ExpiresIn is relative to issuance. Zero selects the default; negative
	// values produce an already expired token.
	ExpiresIn    time.Duration
	MaxDownloads int
	AllowedIPs   []string
}

// RequestContext describes the client presenting a token.
type RequestContext struct {
	IP        string
	UserAgent string
}

// Claims are the signed fields of a token.
type Claims struct {
	PaymentReference string   `json:"ref"`
	SubjectEmail     string   `json:"sub"`
	IssuedAt         int64    `json:"iat"`
	ExpiresAt        int64    `json:"exp"`
	MaxDownloads     int      `json:"max"`
	AllowedIPs       []string `json:"ips,omitempty"`
	Nonce            string   `json:"jti"`
}

// Expiry returns the expiry as a time.
func (c Claims) Expiry() time.Time { return time.UnixMilli(c.ExpiresAt) }

// Grant is the result of Issue.
type Grant struct {
	URL       string
	Token     string
	ExpiresAt time.Time
	Claims    Claims
}

// Result is the outcome of Validate. Reason and Code are set when Valid is
// false.
type Result struct {
	Valid              bool
	RemainingDownloads int
	Reason             string
	Code               string
	Kind               failure.Kind
	Claims             *Claims
}

// Err converts a denied result into a tagged error.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return failure.New(r.Kind, "token", errors.New(r.Reason))
}

type ledgerEntry struct {
	used      int
	max       int
	expiresAt time.Time
	lastIP    string
	lastUsed  time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option customises the issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) {
		i.metrics = m
	}
}

// Issuer is safe for concurrent use.
type Issuer struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	limitMu  sync.Mutex
	limiters map[string]*limiterEntry

	ledgerMu sync.Mutex
	ledger   map[string]*ledgerEntry
	revoked  map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewIssuer constructs an issuer. The secret must be at least 32 bytes.
func NewIssuer(cfg Config, logger zerolog.Logger, opts ...Option) (*Issuer, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, ErrWeakSecret
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = defaultExpiry
	}
	if cfg.MaxExpiry <= 0 {
		cfg.MaxExpiry = defaultMaxExpiry
	}
	if cfg.MaxExpiry < cfg.DefaultExpiry {
		return nil, fmt.Errorf("token: max expiry %s is shorter than default expiry %s", cfg.MaxExpiry, cfg.DefaultExpiry)
	}
	if cfg.DefaultMaxDownloads <= 0 {
		cfg.DefaultMaxDownloads = defaultMaxDownloads
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateBurst
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateWindow
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	i := &Issuer{
		cfg:      cfg,
		logger:   logger.With().Str("component", "token_issuer").Logger(),
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
		ledger:   make(map[string]*ledgerEntry),
		revoked:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Issue signs a token for reference and returns the secure download URL.
func (i *Issuer) Issue(reference, subjectEmail string, opts Options) (*Grant, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, failure.New(failure.KindValidationFailed, "token", errors.New("payment reference is required"))
	}
	expiresIn := opts.ExpiresIn
	if expiresIn == 0 {
		expiresIn = i.cfg.DefaultExpiry
	}
	if expiresIn > i.cfg.MaxExpiry {
		i.logger.Warn().
			Str("reference", reference).
			Dur("requested", expiresIn).
			Dur("max", i.cfg.MaxExpiry).
			Msg("token lifetime capped")
		expiresIn = i.cfg.MaxExpiry
	}
	maxDownloads := opts.MaxDownloads
	if maxDownloads <= 0 {
		maxDownloads = i.cfg.DefaultMaxDownloads
	}
	for _, entry := range opts.AllowedIPs {
		if !validIPRule(entry) {
			return nil, failure.Newf(failure.KindValidationFailed, "token", "invalid allowed ip %q", entry)
		}
	}

	now := i.now()
	claims := Claims{
		PaymentReference: reference,
		SubjectEmail:     strings.TrimSpace(subjectEmail),
		IssuedAt:         now.UnixMilli(),
		ExpiresAt:        now.Add(expiresIn).UnixMilli(),
		MaxDownloads:     maxDownloads,
		AllowedIPs:       append([]string(nil), opts.AllowedIPs...),
		Nonce:            uuid.NewString(),
	}

	tok, err := i.sign(claims)
	if err != nil {
		return nil, err
	}

	i.logger.Info().
		Str("reference", reference).
		Time("expires_at", claims.Expiry()).
		Int("max_downloads", maxDownloads).
		Int("allowed_ips", len(claims.AllowedIPs)).
		Msg("secure download token issued")

	return &Grant{
		URL:       i.cfg.BaseURL + "/secure-download?token=" + url.QueryEscape(tok),
		Token:     tok,
		ExpiresAt: claims.Expiry(),
		Claims:    claims,
	}, nil
}

// Validate checks tok for the requesting client. Every call counts against the
// client's rate limit, whether or not the token turns out to be valid. It
// never mutates the download count.
func (i *Issuer) Validate(tok string, req RequestContext) Result {
	res := i.validate(tok, req)
	if res.Valid {
		i.metrics.TokenValidation("valid")
	} else {
		i.metrics.TokenValidation(strings.ToLower(res.Code))
		i.logger.Debug().Str("ip", req.IP).Str("code", res.Code).Msg("token validation denied")
	}
	return res
}

func (i *Issuer) validate(tok string, req RequestContext) Result {
	now := i.now()

	if !i.allow(rateKey(tok, req), now) {
		return deny(ReasonRateLimited, CodeRateLimited, failure.KindRateLimited)
	}

	claims, ok := i.decode(tok)
	if !ok || claims.ExpiresAt-claims.IssuedAt > i.cfg.MaxExpiry.Milliseconds() {
		return deny(ReasonInvalid, CodeInvalid, failure.KindTokenInvalid)
	}

	i.ledgerMu.Lock()
	defer i.ledgerMu.Unlock()

	if revokedAt, ok := i.revoked[claims.PaymentReference]; ok && claims.IssuedAt <= revokedAt.UnixMilli() {
		return deny(ReasonRevoked, CodeRevoked, failure.KindTokenInvalid)
	}
	if now.UnixMilli() >= claims.ExpiresAt {
		return deny(ReasonExpired, CodeExpired, failure.KindTokenExpired)
	}
	if len(claims.AllowedIPs) > 0 && !ipAllowed(req.IP, claims.AllowedIPs) {
		return deny(ReasonIPNotAllowed, CodeIPNotAllowed, failure.KindTokenInvalid)
	}

	entry := i.ledger[claims.PaymentReference]
	if entry == nil {
		entry = &ledgerEntry{}
		i.ledger[claims.PaymentReference] = entry
	}
	entry.max = claims.MaxDownloads
	if exp := claims.Expiry(); exp.After(entry.expiresAt) {
		entry.expiresAt = exp
	}
	if entry.used >= entry.max {
		return deny(ReasonDownloadLimit, CodeDownloadLimit, failure.KindTokenInvalid)
	}

	return Result{
		Valid:              true,
		RemainingDownloads: entry.max - entry.used,
		Claims:             &claims,
	}
}

// RecordDownload counts one released artifact for reference. It is the only
// mutator of the download count; the check and increment happen atomically so
// concurrent releases never exceed the limit.
func (i *Issuer) RecordDownload(reference, ip string) error {
	i.ledgerMu.Lock()
	defer i.ledgerMu.Unlock()

	entry := i.ledger[reference]
	if entry == nil {
		return ErrUnknownReference
	}
	if entry.used >= entry.max {
		return ErrDownloadLimit
	}
	entry.used++
	entry.lastIP = ip
	entry.lastUsed = i.now()

	i.logger.Info().
		Str("reference", reference).
		Str("ip", ip).
		Int("downloads_used", entry.used).
		Int("max_downloads", entry.max).
		Msg("secure download recorded")
	return nil
}

// DownloadsUsed reports how many downloads were recorded for reference.
func (i *Issuer) DownloadsUsed(reference string) int {
	i.ledgerMu.Lock()
	defer i.ledgerMu.Unlock()
	if entry := i.ledger[reference]; entry != nil {
		return entry.used
	}
	return 0
}

// Revoke invalidates every token issued for reference up to now. The
// revocation outlives every token it covers, since none can live longer than
// MaxExpiry.
func (i *Issuer) Revoke(reference string) {
	now := i.now()
	i.ledgerMu.Lock()
	i.revoked[reference] = now
	i.ledgerMu.Unlock()

	i.logger.Info().Str("reference", reference).Msg("secure download tokens revoked")
}

// Start runs the periodic cleanup of idle limiters and exhausted ledger
// entries until ctx is done or Close is called.
func (i *Issuer) Start(ctx context.Context) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(i.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-i.stopCh:
				return
			case <-ticker.C:
				i.Cleanup()
			}
		}
	}()
}

// Close stops the cleanup goroutine.
func (i *Issuer) Close() {
	i.stopOnce.Do(func() { close(i.stopCh) })
	i.wg.Wait()
}

// Cleanup drops limiters idle for longer than the rate window and ledger
// entries whose every token has expired.
func (i *Issuer) Cleanup() {
	now := i.now()

	i.limitMu.Lock()
	limiters := 0
	for key, entry := range i.limiters {
		if now.Sub(entry.lastSeen) > i.cfg.RateLimitWindow {
			delete(i.limiters, key)
			limiters++
		}
	}
	i.limitMu.Unlock()

	i.ledgerMu.Lock()
	ledger := 0
	for ref, entry := range i.ledger {
		if now.After(entry.expiresAt) {
			delete(i.ledger, ref)
			ledger++
		}
	}
	for ref, revokedAt := range i.revoked {
		if now.Sub(revokedAt) > i.cfg.MaxExpiry {
			delete(i.revoked, ref)
		}
	}
	i.ledgerMu.Unlock()

	if limiters+ledger > 0 {
		i.logger.Debug().Int("limiters", limiters).Int("ledger", ledger).Msg("token state cleaned up")
	}
}

func (i *Issuer) allow(key string, now time.Time) bool {
	i.limitMu.Lock()
	defer i.limitMu.Unlock()

	entry, ok := i.limiters[key]
	if !ok {
		every := i.cfg.RateLimitWindow / time.Duration(i.cfg.RateLimitBurst)
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(every), i.cfg.RateLimitBurst)}
		i.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (i *Issuer) sign(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}
	body := encoding.EncodeToString(payload)
	return body + "." + encoding.EncodeToString(i.mac([]byte(body))), nil
}

func (i *Issuer) decode(tok string) (Claims, bool) {
	body, sig, ok := strings.Cut(strings.TrimSpace(tok), ".")
	if !ok || body == "" || sig == "" {
		return Claims{}, false
	}
	gotSig, err := encoding.DecodeString(sig)
	if err != nil {
		return Claims{}, false
	}
	if !hmac.Equal(gotSig, i.mac([]byte(body))) {
		return Claims{}, false
	}
	payload, err := encoding.DecodeString(body)
	if err != nil {
		return Claims{}, false
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, false
	}
	if claims.PaymentReference == "" || claims.MaxDownloads <= 0 {
		return Claims{}, false
	}
	return claims, true
}

func (i *Issuer) mac(body []byte) []byte {
	h := hmac.New(sha256.New, i.cfg.Secret)
	h.Write(body)
	return h.Sum(nil)
}

func deny(reason, code string, kind failure.Kind) Result {
	return Result{Reason: reason, Code: code, Kind: kind}
}

// rateKey identifies the client: its IP when known, otherwise the token.
func rateKey(tok string, req RequestContext) string {
	if ip := strings.TrimSpace(req.IP); ip != "" {
		return "ip:" + ip
	}
	sum := sha256.Sum256([]byte(tok))
	return "tok:" + hex.EncodeToString(sum[:8])
}

func validIPRule(rule string) bool {
	rule = strings.TrimSpace(rule)
	if strings.Contains(rule, "/") {
		_, _, err := net.ParseCIDR(rule)
		return err == nil
	}
	return net.ParseIP(rule) != nil
}

func ipAllowed(clientIP string, allowed []string) bool {
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return false
	}
	for _, rule := range allowed {
		rule = strings.TrimSpace(rule)
		if !strings.Contains(rule, "/") {
			if parsed := net.ParseIP(rule); parsed != nil && parsed.Equal(ip) {
				return true
			}
			continue
		}
		if _, ipNet, err := net.ParseCIDR(rule); err == nil && ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
