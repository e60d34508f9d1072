// Package deadletter republishes the records of a batch that cannot be
// processed to "<topic><suffix>". Publishing is best effort: failures are
// logged and counted, never returned, so the batch is still skipped.
package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/logger"
)

// DefaultSuffix is appended to the source topic name.
const DefaultSuffix = "-dlq"

// Диагностические заголовки dead-letter копии.
const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderOriginalTimestamp = "dlt-original-timestamp"
	HeaderExceptionKind     = "dlt-exception-kind"
	HeaderExceptionMessage  = "dlt-exception-message"
	HeaderReason            = "dlt-reason"
)

// Reason tells why a batch was dead-lettered.
type Reason string

const (
	ReasonPermanent Reason = "permanent"
	ReasonExhausted Reason = "exhausted"
)

// -----------------------------------------------------------------------------
// Service label & metrics
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..).
func SetServiceLabel(name string) { serviceLabel = name }

var routerMetrics = struct {
	Published     *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec
}{
	Published: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "dead_letter", Name: "published_total",
			Help: "Records copied to a dead-letter topic",
		},
		[]string{"service", "reason"},
	),
	PublishErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "dead_letter", Name: "publish_errors_total",
			Help: "Records that could not be copied to a dead-letter topic",
		},
		[]string{"service", "reason"},
	),
}

var tracer = otel.Tracer("kafka-dead-letter")

// -----------------------------------------------------------------------------
// Router
// -----------------------------------------------------------------------------

// Result summarises one Route call.
type Result struct {
	Published int
	Failed    int
}

// Router copies doomed records to their dead-letter topics.
type Router struct {
	producer kafka.Producer
	suffix   string
	log      *logger.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithSuffix overrides DefaultSuffix.
func WithSuffix(suffix string) Option {
	return func(r *Router) {
		if suffix != "" {
			r.suffix = suffix
		}
	}
}

// New создаёт Router поверх общего producer'а.
func New(p kafka.Producer, log *logger.Logger, opts ...Option) *Router {
	r := &Router{producer: p, suffix: DefaultSuffix, log: log.Named("dead-letter")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Destination returns the dead-letter topic for topic.
func (r *Router) Destination(topic string) string { return topic + r.suffix }

// Route publishes a copy of every record of batch, in order. A record that
// fails to publish does not stop the others.
func (r *Router) Route(ctx context.Context, batch kafka.Batch, failure error, reason Reason) Result {
	ctx, span := tracer.Start(ctx, "DeadLetter.Route", trace.WithAttributes(
		attribute.String("batch", batch.Describe()),
		attribute.String("reason", string(reason)),
		attribute.Int("records", len(batch)),
	))
	defer span.End()

	log := r.log.WithContext(ctx)
	var res Result
	for _, m := range batch {
		dl := r.copyOf(m, failure, reason)
		if err := r.producer.Publish(ctx, dl); err != nil {
			res.Failed++
			routerMetrics.PublishErrors.WithLabelValues(serviceLabel, string(reason)).Inc()
			span.RecordError(err)
			log.Error("dead-letter publish failed",
				zap.String("topic", dl.Topic),
				zap.String("source", m.TopicPartition().String()),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			continue
		}
		res.Published++
		routerMetrics.Published.WithLabelValues(serviceLabel, string(reason)).Inc()
	}

	if res.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d records not dead-lettered", res.Failed, len(batch)))
	}
	log.Info("batch dead-lettered",
		zap.String("batch", batch.Describe()),
		zap.String("reason", string(reason)),
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (r *Router) copyOf(m *kafka.Message, failure error, reason Reason) *kafka.Message {
	headers := make(map[string][]byte, len(m.Headers)+7)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = []byte(m.Topic)
	headers[HeaderOriginalPartition] = []byte(strconv.FormatInt(int64(m.Partition), 10))
	headers[HeaderOriginalOffset] = []byte(strconv.FormatInt(m.Offset, 10))
	if !m.Timestamp.IsZero() {
		headers[HeaderOriginalTimestamp] = []byte(m.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	headers[HeaderReason] = []byte(reason)
	if failure != nil {
		headers[HeaderExceptionKind] = []byte(fmt.Sprintf("%T", failure))
		headers[HeaderExceptionMessage] = []byte(failure.Error())
	}

	return &kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   r.Destination(m.Topic),
		Headers: headers,
	}
}
