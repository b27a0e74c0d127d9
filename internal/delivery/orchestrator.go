// Package delivery turns a confirmed transaction into a delivered document:
// validate, render through the cache and scheduler, deliver on the primary
// channel, fall back to text, and alert an operator when nothing worked.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/document-delivery/internal/cache"
	"github.com/example/document-delivery/internal/failure"
	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/render"
	"github.com/example/document-delivery/internal/retry"
	"github.com/example/document-delivery/internal/scheduler"
	"github.com/example/document-delivery/internal/token"
)

// ErrNoStore is returned by reference based operations when no transaction
// store is configured.
var ErrNoStore = errors.New("delivery: transaction store not configured")

// Scheduler admits render work.
type Scheduler interface {
	Submit(ctx context.Context, task scheduler.Task) error
}

// ArtifactCache stores rendered artifacts.
type ArtifactCache interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader cache.Loader) (cache.Value, bool, error)
	Invalidate(prefixOrKey string) int
}

// TokenIssuer signs download links.
type TokenIssuer interface {
	Issue(reference, subjectEmail string, opts token.Options) (*token.Grant, error)
}

// TransactionStore is the read side of transaction persistence.
type TransactionStore interface {
	FindTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
}

// Config holds orchestration policy.
type Config struct {
	RenderPolicy   retry.Policy
	DeliveryPolicy retry.Policy
	// CacheTTL of rendered artifacts. Zero uses the cache default.
	CacheTTL time.Duration
	// LinkExpiry and LinkMaxDownloads apply to links sent to holders. Zero
	// values use the issuer defaults.
	LinkExpiry       time.Duration
	LinkMaxDownloads int
}

// Dependencies collects the orchestrator's collaborators. Store is optional;
// without it only GenerateAndDeliver is available.
type Dependencies struct {
	Renderer   render.Renderer
	Scheduler  Scheduler
	Cache      ArtifactCache
	Tokens     TokenIssuer
	Messenger  Messenger
	Controller *Controller
	Store      TransactionStore
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Orchestrator runs the delivery state machine for one transaction per call.
// Calls for different references run independently.
type Orchestrator struct {
	cfg        Config
	renderer   render.Renderer
	scheduler  Scheduler
	cache      ArtifactCache
	tokens     TokenIssuer
	messenger  Messenger
	controller *Controller
	store      TransactionStore
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewOrchestrator validates cfg and deps and returns an orchestrator.
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.RenderPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("delivery: render policy: %w", err)
	}
	if err := cfg.DeliveryPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("delivery: delivery policy: %w", err)
	}
	switch {
	case deps.Renderer == nil:
		return nil, errors.New("delivery: renderer dependency is required")
	case deps.Scheduler == nil:
		return nil, errors.New("delivery: scheduler dependency is required")
	case deps.Cache == nil:
		return nil, errors.New("delivery: cache dependency is required")
	case deps.Tokens == nil:
		return nil, errors.New("delivery: token issuer dependency is required")
	case deps.Messenger == nil:
		return nil, errors.New("delivery: messenger dependency is required")
	case deps.Controller == nil:
		return nil, errors.New("delivery: controller dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Orchestrator{
		cfg:        cfg,
		renderer:   deps.Renderer,
		scheduler:  deps.Scheduler,
		cache:      deps.Cache,
		tokens:     deps.Tokens,
		messenger:  deps.Messenger,
		controller: deps.Controller,
		store:      deps.Store,
		logger:     logger.With().Str("component", "delivery_orchestrator").Logger(),
		metrics:    deps.Metrics,
	}, nil
}

// GenerateAndDeliver validates data, renders the artifact and delivers a
// secure link to it. The result reflects exactly what happened:
// ArtifactGenerated is set as soon as rendering succeeded, whatever follows.
func (o *Orchestrator) GenerateAndDeliver(ctx context.Context, data models.DocumentData) models.DeliveryResult {
	result := models.DeliveryResult{Reference: data.Reference}
	log := o.logger.With().Str("reference", data.Reference).Logger()

	data, err := Validate(data)
	if err != nil {
		log.Warn().Err(err).Msg("transaction rejected")
		result.Error = errors.Unwrap(err).Error()
		result.ErrorKind = failure.KindValidationFailed.String()
		o.metrics.Delivery("rejected")
		return result
	}

	art, err := o.artifact(ctx, data)
	if err != nil {
		return o.fail(ctx, log, data, result, err)
	}
	result.ArtifactGenerated = true

	link, err := o.tokens.Issue(data.Reference, data.Email, token.Options{
		ExpiresIn:    o.cfg.LinkExpiry,
		MaxDownloads: o.cfg.LinkMaxDownloads,
	})
	if err != nil {
		return o.fail(ctx, log, data, result, err)
	}

	msg := models.DocumentMessage{
		Reference:   data.Reference,
		To:          data.Phone,
		Text:        readyText(data),
		DocumentURL: link.URL,
		FileName:    art.FileName,
	}
	var sent models.SendResult
	err = o.controller.ExecuteWithRetry(ctx, OpPrimary, data.Reference, o.cfg.DeliveryPolicy, failure.KindDeliveryChannelFailed,
		func(ctx context.Context) error {
			res, err := o.messenger.SendDocument(ctx, msg)
			if err == nil {
				sent = res
			}
			return err
		})
	if err == nil {
		result.Success = true
		result.PrimaryChannelUsed = true
		result.MessageID = sent.MessageID
		log.Info().Str("message_id", sent.MessageID).Msg("document delivered")
		o.metrics.Delivery("primary")
		return result
	}
	if ctx.Err() != nil {
		return o.fail(ctx, log, data, result, err)
	}

	log.Warn().Err(err).Str("kind", failure.KindOf(err).String()).Msg("primary channel gave up; falling back to text")
	fb := o.controller.ExecuteFallbackDelivery(ctx, data, link.URL)
	if fb.Success {
		result.Success = true
		result.FallbackUsed = true
		result.MessageID = fb.MessageID
		log.Info().Str("message_id", fb.MessageID).Msg("document delivered by fallback")
		o.metrics.Delivery("fallback")
		return result
	}

	return o.fail(ctx, log, data, result, failure.New(failure.KindFallbackFailed, string(OpFallback), err))
}

func (o *Orchestrator) fail(ctx context.Context, log zerolog.Logger, data models.DocumentData, result models.DeliveryResult, err error) models.DeliveryResult {
	kind := failure.KindOf(err)
	result.Success = false
	result.ErrorKind = kind.String()
	result.Error = publicMessage(kind)

	log.Error().Err(err).Str("kind", kind.String()).Bool("artifact_generated", result.ArtifactGenerated).Msg("delivery failed")
	o.metrics.Delivery("failed")
	o.controller.NotifyOperatorOfCriticalFailure(ctx, data, result.ArtifactGenerated, err)
	return result
}

// DeliverReference loads the transaction for reference and delivers it. The
// error is non-nil only when the transaction could not be loaded.
func (o *Orchestrator) DeliverReference(ctx context.Context, reference string) (models.DeliveryResult, error) {
	txn, err := o.lookup(ctx, reference)
	if err != nil {
		return models.DeliveryResult{Reference: reference, Error: "transaction not found", ErrorKind: failure.KindValidationFailed.String()}, err
	}
	return o.GenerateAndDeliver(ctx, txn.DocumentData()), nil
}

// Artifact returns the rendered artifact for reference, rendering it again
// when it is no longer cached.
func (o *Orchestrator) Artifact(ctx context.Context, reference string) (render.Artifact, error) {
	txn, err := o.lookup(ctx, reference)
	if err != nil {
		return render.Artifact{}, err
	}
	data, err := Validate(txn.DocumentData())
	if err != nil {
		return render.Artifact{}, err
	}
	return o.artifact(ctx, data)
}

// Invalidate drops every cached artifact of reference and returns how many
// entries were removed.
func (o *Orchestrator) Invalidate(reference string) int {
	n := o.cache.Invalidate(cache.ReferencePrefix(reference))
	o.logger.Info().Str("reference", reference).Int("entries", n).Msg("cached artifacts invalidated")
	return n
}

func (o *Orchestrator) lookup(ctx context.Context, reference string) (*models.Transaction, error) {
	if o.store == nil {
		return nil, ErrNoStore
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, failure.New(failure.KindValidationFailed, "lookup", errors.New(MsgMissingReference))
	}
	txn, err := o.store.FindTransactionByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("delivery: find %s: %w", reference, err)
	}
	return txn, nil
}

// artifact serves data's artifact from the cache, rendering through the
// scheduler under the render retry policy on a miss. Concurrent misses for
// the same key share one render.
func (o *Orchestrator) artifact(ctx context.Context, data models.DocumentData) (render.Artifact, error) {
	fileName := o.renderer.FileName(data.Kind, data.Reference)

	key, err := cache.Key(data.Reference, string(data.Kind), o.renderer.Version(), data)
	if err != nil {
		o.logger.Warn().Err(err).Str("reference", data.Reference).Msg("cache key derivation failed; rendering uncached")
		return o.renderScheduled(ctx, data)
	}

	v, hit, err := o.cache.GetOrLoad(ctx, key, o.cfg.CacheTTL, func(ctx context.Context) (cache.Value, error) {
		art, err := o.renderScheduled(ctx, data)
		if err != nil {
			return cache.Value{}, err
		}
		return cache.Value{ContentType: art.ContentType, Payload: art.Body}, nil
	})
	if err != nil {
		return render.Artifact{}, err
	}
	o.logger.Debug().Str("reference", data.Reference).Bool("cache_hit", hit).Msg("artifact ready")
	return render.Artifact{ContentType: v.ContentType, FileName: fileName, Body: v.Payload}, nil
}

func (o *Orchestrator) renderScheduled(ctx context.Context, data models.DocumentData) (render.Artifact, error) {
	var art render.Artifact
	err := o.controller.ExecuteWithRetry(ctx, OpRender, data.Reference, o.cfg.RenderPolicy, failure.KindRenderFailed,
		func(ctx context.Context) error {
			err := o.scheduler.Submit(ctx, scheduler.Task{
				Name:     "render " + data.Reference,
				Priority: o.renderer.Priority(data.Kind),
				Run: func(ctx context.Context) error {
					a, err := o.renderer.Render(ctx, data.Kind, data)
					if err == nil {
						art = a
					}
					return err
				},
			})
			return classifySchedulerError(err)
		},
		retry.WithClassifier(func(err error) bool {
			return !errors.Is(err, scheduler.ErrClosed) && failure.Retryable(err)
		}),
	)
	if err != nil {
		return render.Artifact{}, err
	}
	return art, nil
}

func classifySchedulerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrShed):
		return failure.New(failure.KindQueueFull, "schedule render", err)
	case errors.Is(err, scheduler.ErrQueueTimeout), errors.Is(err, scheduler.ErrTimeout):
		return failure.New(failure.KindTimeout, "schedule render", err)
	}
	return err
}

func readyText(data models.DocumentData) string {
	return fmt.Sprintf("Hi %s, your %s %s is ready.", data.HolderName, data.Kind, data.Reference)
}
