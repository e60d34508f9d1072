// services/batch-consumer/internal/processor/processor.go
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/kafka/classify"
	"github.com/YaganovValera/batch-retry/common/logger"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/metrics"
)

// ErrPoison — запись, которую нельзя обработать ни с какой попытки.
var ErrPoison = errors.New("poison record")

// Config описывает поведение демонстрационного обработчика.
type Config struct {
	// RecoverAfter — номер попытки, с которой пачка обрабатывается успешно.
	RecoverAfter int
	// PoisonMarker — подстрока в значении записи, дающая постоянную ошибку.
	// Пустая строка отключает проверку.
	PoisonMarker string
	// Work — имитация длительной работы на каждую попытку.
	Work time.Duration
}

// Flaky падает с временной ошибкой, пока счётчик попыток пачки не дойдёт до
// RecoverAfter, после чего обрабатывает её и сбрасывает счётчик.
type Flaky struct {
	cfg      Config
	attempts AttemptStore
	log      *logger.Logger
}

func NewFlaky(cfg Config, attempts AttemptStore, log *logger.Logger) *Flaky {
	if cfg.RecoverAfter < 1 {
		cfg.RecoverAfter = 1
	}
	return &Flaky{cfg: cfg, attempts: attempts, log: log.Named("processor")}
}

// BatchID строит идентификатор пачки: topic-offset,offset,...
func BatchID(batch kafka.Batch) string {
	if len(batch) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(batch[0].Topic)
	b.WriteByte('-')
	for i, m := range batch {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(m.Offset, 10))
	}
	return b.String()
}

// Process обрабатывает пачку; подходит как kafka.BatchListener.
func (f *Flaky) Process(ctx context.Context, batch kafka.Batch) error {
	if len(batch) == 0 {
		return kafka.ErrEmptyBatch
	}
	id := BatchID(batch)
	ctx, span := tracer.Start(ctx, "Process", trace.WithAttributes(
		attribute.String("batch.id", id),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()
	log := f.log.WithContext(ctx).With(zap.String("batch", id))

	start := time.Now()
	defer func() { metrics.ProcessLatency.Observe(time.Since(start).Seconds()) }()

	if err := f.checkPoison(batch); err != nil {
		metrics.ProcessErrors.WithLabelValues("poison").Inc()
		span.RecordError(err)
		log.Warn("poison record in batch", zap.Error(err))
		return err
	}

	attempt, err := f.attempts.Incr(ctx, id)
	if err != nil {
		metrics.ProcessErrors.WithLabelValues("attempt_store").Inc()
		span.RecordError(err)
		return classify.Transient("count attempt", err)
	}

	log.Debug("processing batch",
		zap.Int("attempt", attempt),
		zap.Int("recover_after", f.cfg.RecoverAfter),
		zap.Duration("work", f.cfg.Work),
	)
	if err := f.work(ctx); err != nil {
		return err
	}

	if attempt < f.cfg.RecoverAfter {
		metrics.ProcessErrors.WithLabelValues("transient").Inc()
		err := classify.Transient("process "+id,
			fmt.Errorf("attempt %d of %d failed", attempt, f.cfg.RecoverAfter))
		span.RecordError(err)
		log.Debug("processing failed", zap.Int("attempt", attempt))
		return err
	}

	if err := f.attempts.Reset(ctx, id); err != nil {
		// пачка уже обработана; счётчик истечёт по TTL
		log.Warn("attempt counter reset failed", zap.Error(err))
	}
	metrics.ProcessedBatches.Inc()
	metrics.ProcessedMessages.Add(float64(len(batch)))
	log.Debug("batch processed, attempt counter reset", zap.Int("attempt", attempt))
	return nil
}

func (f *Flaky) checkPoison(batch kafka.Batch) error {
	if f.cfg.PoisonMarker == "" {
		return nil
	}
	marker := []byte(f.cfg.PoisonMarker)
	for _, m := range batch {
		if bytes.Contains(m.Value, marker) {
			return fmt.Errorf("processor: %s/%d@%d: %w", m.Topic, m.Partition, m.Offset, ErrPoison)
		}
	}
	return nil
}

func (f *Flaky) work(ctx context.Context) error {
	if f.cfg.Work <= 0 {
		return nil
	}
	t := time.NewTimer(f.cfg.Work)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
