package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	waadapter "github.com/example/document-delivery/internal/adapters/whatsapp"
	"github.com/example/document-delivery/internal/alert"
	"github.com/example/document-delivery/internal/cache"
	"github.com/example/document-delivery/internal/config"
	"github.com/example/document-delivery/internal/delivery"
	"github.com/example/document-delivery/internal/kafka/producer"
	kafkapublisher "github.com/example/document-delivery/internal/kafka/publisher"
	"github.com/example/document-delivery/internal/logger"
	"github.com/example/document-delivery/internal/metrics"
	"github.com/example/document-delivery/internal/providers/factory"
	"github.com/example/document-delivery/internal/render"
	"github.com/example/document-delivery/internal/scheduler"
	"github.com/example/document-delivery/internal/store"
	"github.com/example/document-delivery/internal/token"
	"github.com/example/document-delivery/internal/worker"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	store     *store.Store
	cache     *cache.Cache
	scheduler *scheduler.Scheduler
	issuer    *token.Issuer
	orch      *delivery.Orchestrator

	producer *producer.Producer
	status   worker.StatusPublisher
	dlq      worker.DLQPublisher

	closers []func()
}

func loadConfig(service string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("config load: %w", err)
	}
	base, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("logger init: %w", err)
	}
	return cfg, base.With().Str("command", service).Logger(), nil
}

// newApp wires the delivery pipeline. Background loops are bound to ctx.
// withKafka connects the producer when Kafka is enabled in cfg.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, withKafka bool) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(cfg.Store.Path, cfg.Store.Timeout, log)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close transaction store")
		}
	})

	catalogue, err := loadCatalogue(cfg.Render.CataloguePath)
	if err != nil {
		return nil, err
	}
	renderer, err := render.NewHTMLRenderer(catalogue, log)
	if err != nil {
		return nil, fmt.Errorf("renderer: %w", err)
	}

	a.cache = cache.New(cache.Config{
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxBytes:      cfg.Cache.MaxBytes,
		DefaultTTL:    cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, log, cache.WithMetrics(a.metrics))
	a.cache.Start(ctx)
	a.onClose(a.cache.Close)

	a.scheduler = scheduler.New(scheduler.Config{
		MaxConcurrentOperations: cfg.Scheduler.MaxConcurrentOperations,
		MaxQueueSize:            cfg.Scheduler.MaxQueueSize,
		QueueTimeout:            cfg.Scheduler.QueueTimeout,
		OperationTimeout:        cfg.Scheduler.OperationTimeout,
		MemoryCheckInterval:     cfg.Scheduler.MemoryCheckInterval,
		MemoryHighWater:         uint64(cfg.Scheduler.MemoryHighWaterMB) << 20,
	}, log,
		scheduler.WithMetrics(a.metrics),
		scheduler.WithPressureHook(func() { a.cache.Shrink(0.5) }),
	)
	a.scheduler.Start(ctx)
	a.onClose(a.scheduler.Close)

	a.issuer, err = token.NewIssuer(token.Config{
		Secret:              []byte(cfg.Token.Secret),
		BaseURL:             cfg.Token.BaseURL,
		DefaultExpiry:       cfg.Token.DefaultExpiry,
		DefaultMaxDownloads: cfg.Token.MaxDownloads,
		MaxExpiry:           cfg.Token.MaxExpiry,
		RateLimitBurst:      cfg.Token.RateLimitBurst,
		RateLimitWindow:     cfg.Token.RateLimitWindow,
		CleanupInterval:     cfg.Token.CleanupInterval,
	}, log, token.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	a.issuer.Start(ctx)
	a.onClose(a.issuer.Close)

	waProvider, err := factory.WhatsApp(cfg.Providers, log)
	if err != nil {
		return nil, fmt.Errorf("whatsapp provider: %w", err)
	}
	messenger, err := waadapter.NewAdapter(waProvider, log, waadapter.WithSender(cfg.Providers.Twilio.PhoneNumber))
	if err != nil {
		return nil, err
	}

	var notifiers []alert.Notifier
	if len(cfg.Alert.EmailRecipients) > 0 {
		emailProvider, err := factory.Email(cfg.Providers, log)
		if err != nil {
			return nil, fmt.Errorf("email provider: %w", err)
		}
		en, err := alert.NewEmailNotifier(emailProvider, cfg.Alert.EmailRecipients)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, en)
	}

	if withKafka && cfg.Kafka.Enabled {
		a.producer, err = producer.New(cfg.Kafka.Brokers, log,
			producer.WithClientID(cfg.Kafka.ClientID),
			producer.WithMaxMessageBytes(cfg.Kafka.MsgMaxBytes),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		a.onClose(func() {
			if err := a.producer.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		})
		a.status = kafkapublisher.NewStatusPublisher(a.producer, cfg.Topics.Status, log, kafkapublisher.WithAsync())
		a.dlq = kafkapublisher.NewDLQPublisher(a.producer, cfg.Topics.DLQ, log)
		if cfg.Alert.KafkaEnabled {
			kn, err := alert.NewKafkaNotifier(kafkapublisher.NewAlertPublisher(a.producer, cfg.Topics.Alerts, log))
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, kn)
		}
	}

	fanout := alert.NewFanout(log, notifiers, alert.WithTimeout(cfg.Alert.Timeout), alert.WithMetrics(a.metrics))

	ctrl, err := delivery.NewController(messenger, fanout, log,
		delivery.WithFallbackPolicy(cfg.Retry.Fallback.Policy()),
		delivery.WithControllerMetrics(a.metrics),
		delivery.WithAlertTimeout(cfg.Alert.Timeout),
	)
	if err != nil {
		return nil, err
	}

	a.orch, err = delivery.NewOrchestrator(delivery.Config{
		RenderPolicy:     cfg.Retry.Render.Policy(),
		DeliveryPolicy:   cfg.Retry.Delivery.Policy(),
		CacheTTL:         cfg.Cache.TTL,
		LinkExpiry:       cfg.Token.DefaultExpiry,
		LinkMaxDownloads: cfg.Token.MaxDownloads,
	}, delivery.Dependencies{
		Renderer:   renderer,
		Scheduler:  a.scheduler,
		Cache:      a.cache,
		Tokens:     a.issuer,
		Messenger:  messenger,
		Controller: ctrl,
		Store:      a.store,
		Logger:     log,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func loadCatalogue(path string) (*render.Catalogue, error) {
	if path == "" {
		return render.DefaultCatalogue()
	}
	cat, err := render.LoadCatalogue(path)
	if err != nil {
		return nil, fmt.Errorf("template catalogue: %w", err)
	}
	return cat, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases components in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
