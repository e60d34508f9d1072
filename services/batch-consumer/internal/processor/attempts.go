// services/batch-consumer/internal/processor/attempts.go
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("batch-consumer/processor")

// AttemptStore считает попытки обработки по идентификатору пачки.
type AttemptStore interface {
	// Incr увеличивает счётчик и возвращает новое значение.
	Incr(ctx context.Context, id string) (int, error)
	// Reset обнуляет счётчик.
	Reset(ctx context.Context, id string) error
	Close() error
}

// -----------------------------------------------------------------------------
// In-memory
// -----------------------------------------------------------------------------

// MemoryAttempts хранит счётчики в памяти процесса.
type MemoryAttempts struct {
	mu       sync.Mutex
	attempts map[string]int
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{attempts: make(map[string]int)}
}

func (m *MemoryAttempts) Incr(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id]++
	return m.attempts[id], nil
}

func (m *MemoryAttempts) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, id)
	return nil
}

func (m *MemoryAttempts) Close() error { return nil }

// -----------------------------------------------------------------------------
// Redis
// -----------------------------------------------------------------------------

const redisKeyPrefix = "batch-consumer:attempts:"

// RedisAttempts хранит счётчики в Redis, чтобы их видели все экземпляры
// сервиса. Ключ живёт ttl с последней попытки.
type RedisAttempts struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedisAttempts(rdb *goredis.Client, ttl time.Duration) *RedisAttempts {
	return &RedisAttempts{rdb: rdb, ttl: ttl}
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (r *RedisAttempts) Incr(ctx context.Context, id string) (int, error) {
	ctx, span := tracer.Start(ctx, "Redis.Incr")
	defer span.End()

	key := redisKey(id)
	var incr *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

func (r *RedisAttempts) Reset(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Redis.Reset")
	defer span.End()

	key := redisKey(id)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisAttempts) Close() error { return r.rdb.Close() }
