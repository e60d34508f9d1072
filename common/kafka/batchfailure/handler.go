// Package batchfailure decides what happens to a batch whose listener failed:
// redeliver it after a backoff delay, or dead-letter it and move on.
//
// Per (execution context, batch identity) the handler walks
// Fresh → Retrying → {Recovered, Exhausted}. Only seek and commit failures
// reach the caller; the decision itself never does.
package batchfailure

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/kafka/classify"
	"github.com/YaganovValera/batch-retry/common/kafka/deadletter"
	"github.com/YaganovValera/batch-retry/common/kafka/retrystate"
	"github.com/YaganovValera/batch-retry/common/kafka/seek"
	"github.com/YaganovValera/batch-retry/common/logger"
)

// -----------------------------------------------------------------------------
// Service label & metrics
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName(..).
func SetServiceLabel(name string) { serviceLabel = name }

var handlerMetrics = struct {
	Retries      *prometheus.CounterVec
	Delays       *prometheus.HistogramVec
	DeadLettered *prometheus.CounterVec
	Recovered    *prometheus.CounterVec
	Errors       *prometheus.CounterVec
}{
	Retries: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "batch_failure", Name: "redeliveries_total",
			Help: "Failed batches scheduled for redelivery",
		},
		[]string{"service"},
	),
	Delays: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "common", Subsystem: "batch_failure", Name: "redelivery_delay_seconds",
			Help:    "Delay slept before redelivering a batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
	DeadLettered: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "batch_failure", Name: "dead_lettered_batches_total",
			Help: "Batches dead-lettered and skipped",
		},
		[]string{"service", "reason"},
	),
	Recovered: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "batch_failure", Name: "recovered_batches_total",
			Help: "Batches that succeeded after at least one redelivery",
		},
		[]string{"service"},
	),
	Errors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "common", Subsystem: "batch_failure", Name: "handler_errors_total",
			Help: "Seek or commit failures raised out of the handler",
		},
		[]string{"service"},
	),
}

var tracer = otel.Tracer("kafka-batch-failure")

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Classifier reports whether a failure cause is worth redelivering.
type Classifier interface {
	IsRetryable(err error) bool
}

// DeadLetterer publishes the records of a doomed batch.
type DeadLetterer interface {
	Route(ctx context.Context, batch kafka.Batch, failure error, reason deadletter.Reason) deadletter.Result
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper: a plain timer on the calling goroutine.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------
// Handler
// -----------------------------------------------------------------------------

// Handler is shared by all execution contexts of a process.
type Handler struct {
	classifier Classifier
	store      *retrystate.Store
	router     DeadLetterer
	newCursor  retrystate.Factory
	sleep      Sleeper
	log        *logger.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithSleeper replaces Sleep.
func WithSleeper(s Sleeper) Option {
	return func(h *Handler) { h.sleep = s }
}

// New собирает обработчик из классификатора, хранилища состояний,
// dead-letter маршрутизатора и фабрики backoff-курсоров.
func New(
	classifier Classifier,
	store *retrystate.Store,
	router DeadLetterer,
	newCursor retrystate.Factory,
	log *logger.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		classifier: classifier,
		store:      store,
		router:     router,
		newCursor:  newCursor,
		sleep:      Sleep,
		log:        log.Named("batch-failure"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleFailure reacts to failure of batch in execution context key.
//
// A retryable cause gets the batch rewound to its first offsets after the
// backoff delay. A permanent cause, or a retryable one whose backoff stopped,
// gets every record dead-lettered and the batch skipped. In both cases the
// new position is committed through handle before HandleFailure returns.
func (h *Handler) HandleFailure(
	ctx context.Context,
	key retrystate.ContextKey,
	batch kafka.Batch,
	failure error,
	handle kafka.SeekCommitter,
) error {
	if len(batch) == 0 {
		return kafka.ErrEmptyBatch
	}

	desc := batch.Describe()
	ctx = logger.ContextWithBatch(ctx, desc)
	ctx, span := tracer.Start(ctx, "BatchFailure.Handle", trace.WithAttributes(
		attribute.String("batch", desc),
		attribute.String("context", string(key)),
	))
	defer span.End()

	cause := classify.Cause(failure)
	log := h.log.WithContext(ctx)

	if !h.classifier.IsRetryable(cause) {
		log.Error("batch failed permanently", zap.Error(orFailure(cause, failure)))
		return h.exhaust(ctx, span, batch, orFailure(cause, failure), deadletter.ReasonPermanent, handle)
	}

	id := retrystate.IdentityOf(batch)
	delay, ok := h.store.Advance(key, id, batch.MinOffsets(), h.newCursor)
	if !ok {
		log.Error("batch retries exhausted", zap.Error(cause))
		return h.exhaust(ctx, span, batch, cause, deadletter.ReasonExhausted, handle)
	}

	span.SetAttributes(attribute.Int64("delay_ms", delay.Milliseconds()))
	handlerMetrics.Retries.WithLabelValues(serviceLabel).Inc()
	handlerMetrics.Delays.WithLabelValues(serviceLabel).Observe(delay.Seconds())
	log.Warn("batch failed, redelivering",
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	if err := h.sleep(ctx, delay); err != nil {
		span.RecordError(err)
		return fmt.Errorf("batchfailure: backoff interrupted: %w", err)
	}
	if err := seek.ToCurrent(batch, handle); err != nil {
		return h.fail(span, err)
	}
	return nil
}

// Recovered is called after batch succeeded. It ends any retry occurrence
// tracked for the batch.
func (h *Handler) Recovered(ctx context.Context, key retrystate.ContextKey, batch kafka.Batch) {
	if len(batch) == 0 {
		return
	}
	if h.store.Forget(key, retrystate.IdentityOf(batch)) {
		handlerMetrics.Recovered.WithLabelValues(serviceLabel).Inc()
		h.log.WithContext(ctx).Info("batch recovered after redelivery",
			zap.String("batch", batch.Describe()))
	}
}

// Release drops retry state of execution contexts that lost their partitions.
func (h *Handler) Release(keys ...retrystate.ContextKey) {
	h.store.Release(keys...)
}

func (h *Handler) exhaust(
	ctx context.Context,
	span trace.Span,
	batch kafka.Batch,
	failure error,
	reason deadletter.Reason,
	handle kafka.SeekCommitter,
) error {
	span.SetAttributes(attribute.String("outcome", string(reason)))
	res := h.router.Route(ctx, batch, failure, reason)
	handlerMetrics.DeadLettered.WithLabelValues(serviceLabel, string(reason)).Inc()
	if res.Failed > 0 {
		h.log.WithContext(ctx).Warn("batch skipped with missing dead-letter copies",
			zap.Int("failed", res.Failed))
	}
	if err := seek.ToNext(batch, handle); err != nil {
		return h.fail(span, err)
	}
	return nil
}

func (h *Handler) fail(span trace.Span, err error) error {
	handlerMetrics.Errors.WithLabelValues(serviceLabel).Inc()
	span.RecordError(err)
	return fmt.Errorf("batchfailure: %w", err)
}

func orFailure(cause, failure error) error {
	if cause != nil {
		return cause
	}
	return failure
}
