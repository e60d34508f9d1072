package app

import (
	"context"
	"testing"

	"github.com/YaganovValera/batch-retry/common/logger"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/config"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/processor"
)

func TestNewAttemptStore(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	store, err := newAttemptStore(context.Background(), cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*processor.MemoryAttempts); !ok {
		t.Errorf("store = %T; want *processor.MemoryAttempts", store)
	}

	cfg.Processor.AttemptStore = config.AttemptStoreRedis
	cfg.Processor.Redis.URL = "not-a-url"
	if _, err := newAttemptStore(context.Background(), cfg, logger.NewNop()); err == nil {
		t.Error("expected error for invalid redis url")
	}
}
