package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/document-delivery/internal/api"
	"github.com/example/document-delivery/internal/kafka/consumer"
	"github.com/example/document-delivery/internal/worker"
)

const drainTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download API and the payment event worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, log, err := loadConfig("serve")
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := map[string]func() bool{}

	var (
		cons   *consumer.Consumer
		engine *worker.Engine
	)
	if cfg.Kafka.Enabled {
		cons, err = consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup,
			log.With().Str("component", "consumer").Logger(),
			consumer.WithClientID(cfg.Kafka.ClientID),
			consumer.WithManualCommits(),
		)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}

		engine, err = worker.NewEngine(worker.Config{
			MsgMaxBytes:       cfg.Kafka.MsgMaxBytes,
			WorkerConcurrency: cfg.Kafka.WorkerConcurrency,
		}, worker.Dependencies{
			Deliverer:    a.orch,
			Transactions: a.store,
			Results:      a.store,
			Status:       a.status,
			DLQ:          a.dlq,
			Committer:    worker.RecordCommitter{},
			Logger:       log,
			Metrics:      a.metrics,
		})
		if err != nil {
			_ = cons.Close()
			return err
		}

		checks["kafka_producer"] = a.producer.IsReady
		checks["kafka_consumer"] = cons.IsReady
	}

	server, err := api.NewServer(api.Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		PublicDownload:  cfg.HTTP.PublicDownload,
		DownloadsPerMin: cfg.HTTP.DownloadsPerMin,
		TrustedProxies:  cfg.HTTP.TrustedProxies,
		AdminToken:      cfg.HTTP.AdminToken,
		MaxRequestBytes: int64(cfg.HTTP.MaxRequestBodyKB) << 10,
	}, api.Dependencies{
		Documents: a.orch,
		Tokens:    a.issuer,
		Scheduler: a.scheduler,
		Cache:     a.cache,
		Checks:    checks,
		Metrics:   a.metrics,
		Logger:    log,
	})
	if err != nil {
		if cons != nil {
			_ = cons.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cons != nil {
		g.Go(func() error {
			err := cons.Consume(gctx, []string{cfg.Topics.Payments}, worker.KafkaHandler(engine, cons))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	log.Info().
		Int("http_port", cfg.HTTP.Port).
		Bool("kafka_enabled", cfg.Kafka.Enabled).
		Msg("document delivery service started")

	runErr := g.Wait()

	if engine != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := engine.Wait(drainCtx); err != nil {
			log.Warn().Err(err).Msg("in-flight deliveries did not finish before shutdown")
		}
		cancel()
	}
	if cons != nil {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}

	log.Info().Msg("document delivery service stopped")
	return runErr
}
