// common/redis/client.go
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/backoff"
	"github.com/YaganovValera/batch-retry/common/logger"
)

var tracer = otel.Tracer("redis-client")

// NewClient разбирает URL, создаёт клиента и дожидается успешного PING
// с ретраями по cfg.Backoff.
func NewClient(ctx context.Context, cfg Config, log *logger.Logger) (*goredis.Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := goredis.NewClient(opts)

	ctxPing, span := tracer.Start(ctx, "Connect")
	defer span.End()

	ping := func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	if err := backoff.Execute(ctxPing, cfg.Backoff, log, ping); err != nil {
		span.RecordError(err)
		_ = rdb.Close()
		log.Error("redis connect failed", zap.String("addr", opts.Addr), zap.Error(err))
		return nil, fmt.Errorf("redis: connect %s: %w", opts.Addr, err)
	}

	log.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return rdb, nil
}
