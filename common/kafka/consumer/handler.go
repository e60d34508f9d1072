package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	commonkafka "github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/kafka/retrystate"
	"github.com/YaganovValera/batch-retry/common/logger"
)

// groupHandler serves the sessions of one group member. Its ConsumeClaim
// goroutines are the execution contexts.
type groupHandler struct {
	// ctx outlives sessions: failure handling is not cut short when a sibling
	// claim ends the session.
	ctx      context.Context
	listener commonkafka.BatchListener
	failures FailureHandler
	size     int
	wait     time.Duration
	log      *logger.Logger

	mu    sync.Mutex
	owned map[retrystate.ContextKey]struct{}
}

func newGroupHandler(ctx context.Context, listener commonkafka.BatchListener, failures FailureHandler, cfg Config, log *logger.Logger) *groupHandler {
	return &groupHandler{
		ctx:      ctx,
		listener: listener,
		failures: failures,
		size:     cfg.BatchSize,
		wait:     cfg.BatchWait,
		log:      log,
		owned:    make(map[retrystate.ContextKey]struct{}),
	}
}

// Setup releases retry state of partitions this member no longer owns.
func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	claimed := make(map[retrystate.ContextKey]struct{})
	for topic, partitions := range sess.Claims() {
		for _, p := range partitions {
			claimed[ContextKey(commonkafka.TopicPartition{Topic: topic, Partition: p})] = struct{}{}
		}
	}

	h.mu.Lock()
	var revoked []retrystate.ContextKey
	for k := range h.owned {
		if _, ok := claimed[k]; !ok {
			revoked = append(revoked, k)
		}
	}
	h.owned = claimed
	h.mu.Unlock()

	if len(revoked) > 0 {
		h.failures.Release(revoked...)
		h.log.Info("released retry state of revoked partitions", zap.Int("partitions", len(revoked)))
	}
	h.log.Debug("session started",
		zap.String("member_id", sess.MemberID()),
		zap.Int32("generation", sess.GenerationID()),
		zap.Int("partitions", len(claimed)),
	)
	return nil
}

func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim собирает пачки из одного раздела: пачка закрывается, когда
// набралось size записей или сработал таймер wait.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	tp := commonkafka.TopicPartition{Topic: claim.Topic(), Partition: claim.Partition()}
	key := ContextKey(tp)

	flush := time.NewTicker(h.wait)
	defer flush.Stop()

	batch := make(commonkafka.Batch, 0, h.size)
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			batch = append(batch, toMessage(m))
			if len(batch) < h.size {
				continue
			}
		case <-flush.C:
			if len(batch) == 0 {
				continue
			}
		case <-sess.Context().Done():
			return nil
		}

		done, err := h.dispatch(sess, key, batch)
		if err != nil || done {
			return err
		}
		batch = make(commonkafka.Batch, 0, h.size)
	}
}

// dispatch runs the listener on batch and acknowledges the outcome. done
// reports that the claim must stop: the batch was rewound for redelivery or
// the session is ending.
func (h *groupHandler) dispatch(sess sarama.ConsumerGroupSession, key retrystate.ContextKey, batch commonkafka.Batch) (done bool, err error) {
	ctx, span := tracer.Start(sess.Context(), "HandleBatch", trace.WithAttributes(
		attribute.String("batch", batch.Describe()),
		attribute.Int("records", len(batch)),
	))
	defer span.End()

	consumerMetrics.Batches.WithLabelValues(serviceLabel).Inc()
	consumerMetrics.BatchSize.WithLabelValues(serviceLabel).Observe(float64(len(batch)))

	start := time.Now()
	lerr := h.listener(ctx, batch)
	consumerMetrics.BatchLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())

	if lerr == nil {
		for tp, off := range batch.MaxOffsets() {
			sess.MarkOffset(tp.Topic, tp.Partition, off+1, "")
		}
		sess.Commit()
		h.failures.Recovered(h.ctx, key, batch)
		return false, nil
	}

	span.RecordError(lerr)
	if sess.Context().Err() != nil {
		// сессия закрывается (ребаланс): пачка не подтверждена и придёт снова
		h.log.Debug("listener interrupted by session end", zap.String("batch", batch.Describe()))
		return true, nil
	}
	consumerMetrics.ListenerErrors.WithLabelValues(serviceLabel).Inc()

	handle := newSessionHandle(sess)
	if err := h.failures.HandleFailure(h.ctx, key, batch, &commonkafka.ListenerError{Err: lerr}, handle); err != nil {
		consumerMetrics.HandlerErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		return true, fmt.Errorf("kafka consumer: handle failure of %s: %w", batch.Describe(), err)
	}
	sess.Commit()

	if handle.rewound(batch) {
		consumerMetrics.Rewinds.WithLabelValues(serviceLabel).Inc()
		return true, nil
	}
	return false, nil
}

// sessionHandle is the SeekCommitter over a sarama session.
type sessionHandle struct {
	sess   sarama.ConsumerGroupSession
	sought map[commonkafka.TopicPartition]int64
}

func newSessionHandle(sess sarama.ConsumerGroupSession) *sessionHandle {
	return &sessionHandle{sess: sess, sought: make(map[commonkafka.TopicPartition]int64, 1)}
}

// Seek moves tp in either direction: MarkOffset only goes forward,
// ResetOffset only goes back.
func (s *sessionHandle) Seek(tp commonkafka.TopicPartition, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("kafka consumer: negative offset %d for %s", offset, tp)
	}
	s.sess.MarkOffset(tp.Topic, tp.Partition, offset, "")
	s.sess.ResetOffset(tp.Topic, tp.Partition, offset, "")
	s.sought[tp] = offset
	return nil
}

// CommitSync flushes marked offsets. Sarama reports commit failures on the
// group's Errors channel.
func (s *sessionHandle) CommitSync() error {
	s.sess.Commit()
	return nil
}

// rewound reports whether any partition of batch was moved back into it.
func (s *sessionHandle) rewound(batch commonkafka.Batch) bool {
	for tp, maxOff := range batch.MaxOffsets() {
		if off, ok := s.sought[tp]; ok && off <= maxOff {
			return true
		}
	}
	return false
}

func toMessage(m *sarama.ConsumerMessage) *commonkafka.Message {
	headers := make(map[string][]byte, len(m.Headers))
	for _, hdr := range m.Headers {
		if hdr != nil && hdr.Key != nil {
			headers[string(hdr.Key)] = hdr.Value
		}
	}
	return &commonkafka.Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Headers:   headers,
	}
}
