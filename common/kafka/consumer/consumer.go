// common/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/backoff"
	commonkafka "github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/kafka/retrystate"
	"github.com/YaganovValera/batch-retry/common/logger"
	"github.com/YaganovValera/batch-retry/common/safe"
)

// -----------------------------------------------------------------------------
// Service label (заполняется из common.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт единое имя сервиса для метрик.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var consumerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	ConsumeErrors   *prometheus.CounterVec
	Batches         *prometheus.CounterVec
	BatchSize       *prometheus.HistogramVec
	BatchLatency    *prometheus.HistogramVec
	ListenerErrors  *prometheus.CounterVec
	HandlerErrors   *prometheus.CounterVec
	Rewinds         *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_attempts_total",
			Help: "Kafka consumer group connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "connect_errors_total",
			Help: "Kafka consumer connect errors",
		},
		[]string{"service"},
	),
	ConsumeErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "consume_errors_total",
			Help: "Errors during consumption sessions",
		},
		[]string{"service"},
	),
	Batches: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "batches_total",
			Help: "Batches handed to the listener",
		},
		[]string{"service"},
	),
	BatchSize: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "batch_size_records",
			Help:    "Records per batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"service"},
	),
	BatchLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "listener_latency_seconds",
			Help:    "Time spent in the batch listener",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	ListenerErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "listener_errors_total",
			Help: "Batches the listener failed to process",
		},
		[]string{"service"},
	),
	HandlerErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "failure_handler_errors_total",
			Help: "Failure handler errors that ended a session",
		},
		[]string{"service"},
	),
	Rewinds: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "kafka_consumer", Name: "rewinds_total",
			Help: "Sessions restarted to redeliver a rewound batch",
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-consumer")

// sessionPause separates a failed session from the next one.
const sessionPause = 100 * time.Millisecond

// -----------------------------------------------------------------------------
// Failure handler contract
// -----------------------------------------------------------------------------

// FailureHandler decides the fate of batches the listener failed on.
// *batchfailure.Handler implements it.
type FailureHandler interface {
	HandleFailure(ctx context.Context, key retrystate.ContextKey, batch commonkafka.Batch, failure error, handle commonkafka.SeekCommitter) error
	Recovered(ctx context.Context, key retrystate.ContextKey, batch commonkafka.Batch)
	Release(keys ...retrystate.ContextKey)
}

// ContextKey is the execution context of a claimed partition. A partition is
// consumed by exactly one goroutine, so it is also the unit of retry state.
func ContextKey(tp commonkafka.TopicPartition) retrystate.ContextKey {
	return retrystate.ContextKey(tp.String())
}

// -----------------------------------------------------------------------------
// Consumer implementation
// -----------------------------------------------------------------------------

type batchConsumer struct {
	members  []sarama.ConsumerGroup
	failures FailureHandler
	cfg      Config
	log      *logger.Logger
}

// New создаёт cfg.Concurrency участников ConsumerGroup с ретраями подключения.
func New(ctx context.Context, cfg Config, failures FailureHandler, log *logger.Logger) (commonkafka.BatchConsumer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if failures == nil {
		return nil, fmt.Errorf("kafka consumer: failure handler required")
	}
	log = log.Named("kafka-consumer")

	bc := &batchConsumer{failures: failures, cfg: cfg, log: log}
	for i := 0; i < cfg.Concurrency; i++ {
		memberCfg := cfg
		memberCfg.ClientID = fmt.Sprintf("%s-%d-%s", cfg.ClientID, i, uuid.NewString()[:8])
		sc, err := buildSaramaConfig(memberCfg)
		if err != nil {
			bc.closeMembers()
			return nil, err
		}

		group, err := connect(ctx, cfg, sc, log)
		if err != nil {
			bc.closeMembers()
			return nil, err
		}
		bc.members = append(bc.members, group)
	}

	log.Info("kafka consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
		zap.Int("members", len(bc.members)),
	)
	return bc, nil
}

func connect(ctx context.Context, cfg Config, sc *sarama.Config, log *logger.Logger) (sarama.ConsumerGroup, error) {
	var group sarama.ConsumerGroup
	connectOp := func(ctx context.Context) error {
		consumerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		group = g
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(
		attribute.StringSlice("brokers", cfg.Brokers),
		attribute.String("group", cfg.GroupID),
		attribute.String("client_id", sc.ClientID),
	))
	defer span.End()
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connectOp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("kafka consumer: connect failed: %w", err)
	}
	return group, nil
}

// Consume запускает всех участников группы и блокирует до отмены ctx или
// первой невосстанавливаемой ошибки.
func (bc *batchConsumer) Consume(ctx context.Context, topics []string, listener commonkafka.BatchListener) error {
	if len(topics) == 0 {
		return fmt.Errorf("kafka consumer: no topics")
	}
	g := safe.New(ctx, bc.log)
	for i, group := range bc.members {
		h := newGroupHandler(g.Context(), listener, bc.failures, bc.cfg, bc.log.With(zap.Int("member", i)))
		g.Go(func(ctx context.Context) error {
			return bc.run(ctx, group, topics, h)
		})
	}
	return g.Wait()
}

// run повторяет сессии одного участника. Каждая новая сессия начинает чтение
// с закоммиченных позиций, поэтому перемотка назад приводит к повторной
// доставке пачки.
func (bc *batchConsumer) run(ctx context.Context, group sarama.ConsumerGroup, topics []string, h *groupHandler) error {
	go func() {
		for err := range group.Errors() {
			consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
			h.log.Error("consumer group error", zap.Error(err))
		}
	}()

	for {
		ctxSess, span := tracer.Start(ctx, "ConsumeSession",
			trace.WithAttributes(attribute.StringSlice("topics", topics)))
		err := group.Consume(ctxSess, topics, h)
		span.End()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}
		if err != nil {
			consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
			h.log.Error("consume session error", zap.Error(err))

			select {
			case <-time.After(sessionPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close закрывает всех участников ConsumerGroup.
func (bc *batchConsumer) Close() error {
	return bc.closeMembers()
}

func (bc *batchConsumer) closeMembers() error {
	var errs []error
	for _, g := range bc.members {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
