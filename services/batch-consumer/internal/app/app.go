// services/batch-consumer/internal/app/app.go
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/batch-retry/common"
	"github.com/YaganovValera/batch-retry/common/httpserver"
	"github.com/YaganovValera/batch-retry/common/kafka/batchfailure"
	"github.com/YaganovValera/batch-retry/common/kafka/classify"
	"github.com/YaganovValera/batch-retry/common/kafka/consumer"
	"github.com/YaganovValera/batch-retry/common/kafka/deadletter"
	"github.com/YaganovValera/batch-retry/common/kafka/producer"
	"github.com/YaganovValera/batch-retry/common/kafka/retrystate"
	"github.com/YaganovValera/batch-retry/common/logger"
	commonredis "github.com/YaganovValera/batch-retry/common/redis"
	"github.com/YaganovValera/batch-retry/common/shutdown"
	"github.com/YaganovValera/batch-retry/common/telemetry"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/config"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/metrics"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/processor"
)

// Run wires up and runs the batch-consumer service.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// 0) Сквозной service-label для всех подсистем
	// -------------------------------------------------------------------------
	common.InitServiceName(cfg.ServiceName)

	// -------------------------------------------------------------------------
	// 1) Prometheus-метрики
	// -------------------------------------------------------------------------
	metrics.Register(nil)

	// -------------------------------------------------------------------------
	// 2) OpenTelemetry
	// -------------------------------------------------------------------------
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
		Disabled:       cfg.Telemetry.Disabled,
	}, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// -------------------------------------------------------------------------
	// 3) Kafka producer для dead-letter топиков
	// -------------------------------------------------------------------------
	kafkaProducer, err := producer.New(ctx, producer.Config{
		Brokers:      cfg.Kafka.Brokers,
		RequiredAcks: cfg.Kafka.Acks,
		Timeout:      cfg.Kafka.Timeout,
		Compression:  cfg.Kafka.Compression,
		Backoff:      cfg.Kafka.Backoff,
	}, log)
	if err != nil {
		return fmt.Errorf("kafka producer init: %w", err)
	}
	defer closeWith("kafka producer", cfg, kafkaProducer.Close, log)

	// -------------------------------------------------------------------------
	// 4) Обработка неудачных пачек
	// -------------------------------------------------------------------------
	registry, err := classify.FromNames(cfg.Retry.Retryable)
	if err != nil {
		return fmt.Errorf("retryable kinds: %w", err)
	}
	router := deadletter.New(kafkaProducer, log, deadletter.WithSuffix(cfg.DeadLetter.Suffix))
	store := retrystate.NewStore()
	metrics.TrackFailingBatches(nil, store.Batches)
	failures := batchfailure.New(registry, store, router, cfg.Retry.Policy.NewCursor, log)

	// -------------------------------------------------------------------------
	// 5) Processor и хранилище попыток
	// -------------------------------------------------------------------------
	attempts, err := newAttemptStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeWith("attempt store", cfg, attempts.Close, log)

	proc := processor.NewFlaky(processor.Config{
		RecoverAfter: cfg.Processor.RecoverAfter,
		PoisonMarker: cfg.Processor.PoisonMarker,
		Work:         cfg.Processor.Work,
	}, attempts, log)

	// -------------------------------------------------------------------------
	// 6) Kafka consumer
	// -------------------------------------------------------------------------
	kafkaConsumer, err := consumer.New(ctx, consumer.Config{
		Brokers:         cfg.Kafka.Brokers,
		GroupID:         cfg.Kafka.GroupID,
		Version:         cfg.Kafka.Version,
		ClientID:        cfg.ServiceName,
		InitialOffset:   cfg.Kafka.InitialOffset,
		Concurrency:     cfg.Kafka.Concurrency,
		BatchSize:       cfg.Kafka.BatchSize,
		BatchWait:       cfg.Kafka.BatchWait,
		SessionTimeout:  cfg.Kafka.SessionTimeout,
		MaxPollInterval: cfg.Kafka.MaxPollInterval,
		Backoff:         cfg.Kafka.Backoff,
	}, failures, log)
	if err != nil {
		return fmt.Errorf("kafka consumer init: %w", err)
	}
	defer closeWith("kafka consumer", cfg, kafkaConsumer.Close, log)

	// -------------------------------------------------------------------------
	// 7) HTTP-server
	// -------------------------------------------------------------------------
	readiness := func() error { return kafkaProducer.Ping(ctx) }

	httpSrv, err := httpserver.New(
		httpserver.Config{
			Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			IdleTimeout:     cfg.HTTP.IdleTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			MetricsPath:     cfg.HTTP.MetricsPath,
			HealthzPath:     cfg.HTTP.HealthzPath,
			ReadyzPath:      cfg.HTTP.ReadyzPath,
		},
		readiness,
		log,
	)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	log.Info("batch-consumer: components initialized, entering run-loop",
		zap.Strings("topics", cfg.Kafka.Topics),
		zap.Strings("retryable", registry.Names()),
		zap.String("dead_letter_suffix", cfg.DeadLetter.Suffix),
	)

	// -------------------------------------------------------------------------
	// 8) Concurrent loops
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	// HTTP
	g.Go(func() error { return httpSrv.Start(gctx) })

	// Kafka consume → Processor
	g.Go(func() error {
		return kafkaConsumer.Consume(gctx, cfg.Kafka.Topics, proc.Process)
	})

	// -------------------------------------------------------------------------
	// 9) Wait; закрытие ресурсов — в defer'ах выше
	// -------------------------------------------------------------------------
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithContext(ctx).Error("runtime error", zap.Error(err))
		return err
	}

	log.Info("batch-consumer shutdown complete")
	return ctx.Err()
}

func newAttemptStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (processor.AttemptStore, error) {
	if strings.ToLower(cfg.Processor.AttemptStore) != config.AttemptStoreRedis {
		return processor.NewMemoryAttempts(), nil
	}
	rdb, err := commonredis.NewClient(ctx, commonredis.Config{
		URL:     cfg.Processor.Redis.URL,
		Backoff: cfg.Processor.Redis.Backoff,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("redis init: %w", err)
	}
	return processor.NewRedisAttempts(rdb, cfg.Processor.Redis.TTL), nil
}

func closeWith(name string, cfg *config.Config, closeFn func() error, log *logger.Logger) {
	_ = shutdown.Graceful(name, cfg.HTTP.ShutdownTimeout, shutdown.Closer(closeFn), log)
}
