// Package api serves rendered documents over HTTP: signed downloads for
// holders, plus an operator surface for tokens, redelivery and status.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/cache"
	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/render"
	"github.com/example/document-delivery/internal/scheduler"
	"github.com/example/document-delivery/internal/token"
)

// Documents is the delivery surface the API drives.
type Documents interface {
	Artifact(ctx context.Context, reference string) (render.Artifact, error)
	DeliverReference(ctx context.Context, reference string) (models.DeliveryResult, error)
	Invalidate(reference string) int
}

// Tokens issues, validates and revokes download tokens and counts released
// downloads.
type Tokens interface {
	Issue(reference, subjectEmail string, opts token.Options) (*token.Grant, error)
	Validate(tok string, req token.RequestContext) token.Result
	RecordDownload(reference, ip string) error
	Revoke(reference string)
}

// SchedulerStatus reports scheduler occupancy.
type SchedulerStatus interface {
	Status() scheduler.Status
}

// CacheStats reports cache occupancy.
type CacheStats interface {
	Stats() cache.Stats
}

// Config controls listener and access settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// PublicDownload enables GET /download?ref= without a token.
	PublicDownload  bool
	DownloadsPerMin int
	TrustedProxies  []string
	// AdminToken guards the operator routes. Empty disables them.
	AdminToken      string
	MaxRequestBytes int64
}

// Dependencies collects the server's collaborators. Scheduler, Cache and
// Checks are optional.
type Dependencies struct {
	Documents Documents
	Tokens    Tokens
	Scheduler SchedulerStatus
	Cache     CacheStats
	// Checks are named readiness probes reported by /healthz.
	Checks  map[string]func() bool
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg     Config
	deps    Dependencies
	router  *gin.Engine
	limiter *ipLimiter
	logger  zerolog.Logger
}

// NewServer validates deps and builds the router.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Documents == nil {
		return nil, errors.New("api: documents dependency is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("api: token dependency is required")
	}
	if cfg.DownloadsPerMin <= 0 {
		cfg.DownloadsPerMin = 30
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 64 << 10
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("api: trusted proxies: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  router,
		limiter: newIPLimiter(cfg.DownloadsPerMin, time.Now),
		logger:  logger.With().Str("component", "http").Logger(),
	}

	router.Use(s.recovery(), s.observe())

	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	router.GET("/download", s.handleDownload)
	router.GET("/secure-download", s.handleSecureDownload)

	admin := router.Group("/", s.requireAdmin(), s.limitBody())
	{
		admin.POST("/tokens", s.handleIssueToken)
		admin.DELETE("/tokens/:ref", s.handleRevokeToken)
		admin.POST("/deliveries/:ref", s.handleDeliver)
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}
