package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	commonkafka "github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/kafka/retrystate"
	"github.com/YaganovValera/batch-retry/common/kafka/seek"
	"github.com/YaganovValera/batch-retry/common/logger"
)

// -----------------------------------------------------------------------------
// fakes
// -----------------------------------------------------------------------------

type fakeSession struct {
	sarama.ConsumerGroupSession

	ctx    context.Context
	claims map[string][]int32

	mu      sync.Mutex
	marked  map[commonkafka.TopicPartition]int64
	reset   map[commonkafka.TopicPartition]int64
	commits int
}

func newFakeSession(ctx context.Context, claims map[string][]int32) *fakeSession {
	return &fakeSession{
		ctx:    ctx,
		claims: claims,
		marked: make(map[commonkafka.TopicPartition]int64),
		reset:  make(map[commonkafka.TopicPartition]int64),
	}
}

func (s *fakeSession) Claims() map[string][]int32  { return s.claims }
func (s *fakeSession) MemberID() string            { return "member-1" }
func (s *fakeSession) GenerationID() int32         { return 1 }
func (s *fakeSession) Context() context.Context    { return s.ctx }
func (s *fakeSession) MarkOffset(topic string, p int32, off int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[commonkafka.TopicPartition{Topic: topic, Partition: p}] = off
}
func (s *fakeSession) ResetOffset(topic string, p int32, off int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset[commonkafka.TopicPartition{Topic: topic, Partition: p}] = off
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

type fakeClaim struct {
	topic     string
	partition int32
	ch        chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return c.topic }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimWith(offsets ...int64) *fakeClaim {
	c := &fakeClaim{topic: "orders", partition: 0, ch: make(chan *sarama.ConsumerMessage, len(offsets))}
	for _, off := range offsets {
		c.ch <- &sarama.ConsumerMessage{
			Topic: "orders", Partition: 0, Offset: off,
			Value:   []byte("v"),
			Headers: []*sarama.RecordHeader{{Key: []byte("h"), Value: []byte("x")}},
		}
	}
	return c
}

type fakeFailures struct {
	mu        sync.Mutex
	failures  []error
	recovered []commonkafka.Batch
	released  []retrystate.ContextKey
	rewind    bool
	err       error
}

func (f *fakeFailures) HandleFailure(_ context.Context, _ retrystate.ContextKey, b commonkafka.Batch, failure error, h commonkafka.SeekCommitter) error {
	f.mu.Lock()
	f.failures = append(f.failures, failure)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.rewind {
		return seek.ToCurrent(b, h)
	}
	return seek.ToNext(b, h)
}

func (f *fakeFailures) Recovered(_ context.Context, _ retrystate.ContextKey, b commonkafka.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, b)
}

func (f *fakeFailures) Release(keys ...retrystate.ContextKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, keys...)
}

func newTestHandler(listener commonkafka.BatchListener, failures FailureHandler, size int, wait time.Duration) *groupHandler {
	return newGroupHandler(context.Background(), listener, failures,
		Config{BatchSize: size, BatchWait: wait}, logger.NewNop())
}

var orders0 = commonkafka.TopicPartition{Topic: "orders", Partition: 0}

// -----------------------------------------------------------------------------
// tests
// -----------------------------------------------------------------------------

func TestConsumeClaim_SuccessCommitsPastBatch(t *testing.T) {
	var got []commonkafka.Batch
	listener := func(_ context.Context, b commonkafka.Batch) error {
		got = append(got, b)
		return nil
	}
	ff := &fakeFailures{}
	h := newTestHandler(listener, ff, 3, time.Hour)
	sess := newFakeSession(context.Background(), nil)
	claim := claimWith(10, 11, 12)
	close(claim.ch)

	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("listener batches = %v", got)
	}
	if string(got[0][0].Headers["h"]) != "x" {
		t.Error("headers not converted")
	}
	if sess.marked[orders0] != 13 || sess.commits != 1 {
		t.Errorf("marked=%d commits=%d; want 13 and 1", sess.marked[orders0], sess.commits)
	}
	if len(ff.recovered) != 1 {
		t.Error("Recovered must be called after success")
	}
}

func TestConsumeClaim_FailureRewindEndsClaim(t *testing.T) {
	calls := 0
	listener := func(context.Context, commonkafka.Batch) error {
		calls++
		return errors.New("downstream 503")
	}
	ff := &fakeFailures{rewind: true}
	h := newTestHandler(listener, ff, 2, time.Hour)
	sess := newFakeSession(context.Background(), nil)
	claim := claimWith(10, 11, 12, 13)

	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if calls != 1 {
		t.Errorf("listener called %d times; claim must stop after a rewind", calls)
	}
	var le *commonkafka.ListenerError
	if len(ff.failures) != 1 || !errors.As(ff.failures[0], &le) {
		t.Fatalf("failure not wrapped: %v", ff.failures)
	}
	if sess.reset[orders0] != 10 {
		t.Errorf("reset offset = %d; want 10", sess.reset[orders0])
	}
	if sess.commits < 2 {
		t.Errorf("commits = %d; seek commit and ack commit expected", sess.commits)
	}
}

func TestConsumeClaim_FailureSkipContinues(t *testing.T) {
	calls := 0
	listener := func(context.Context, commonkafka.Batch) error {
		calls++
		if calls == 1 {
			return errors.New("bad record")
		}
		return nil
	}
	ff := &fakeFailures{}
	h := newTestHandler(listener, ff, 2, time.Hour)
	sess := newFakeSession(context.Background(), nil)
	claim := claimWith(10, 11, 12, 13)
	close(claim.ch)

	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if calls != 2 {
		t.Errorf("listener called %d times; want 2", calls)
	}
	if sess.marked[orders0] != 14 {
		t.Errorf("marked = %d; want 14", sess.marked[orders0])
	}
}

func TestConsumeClaim_HandlerErrorPropagates(t *testing.T) {
	boom := errors.New("commit failed")
	h := newTestHandler(func(context.Context, commonkafka.Batch) error { return errors.New("x") },
		&fakeFailures{err: boom}, 1, time.Hour)
	sess := newFakeSession(context.Background(), nil)

	err := h.ConsumeClaim(sess, claimWith(1))
	if !errors.Is(err, boom) {
		t.Errorf("ConsumeClaim error = %v; want %v", err, boom)
	}
	if sess.commits != 0 {
		t.Error("nothing may be committed when the handler fails")
	}
}

func TestConsumeClaim_FlushOnTimer(t *testing.T) {
	done := make(chan commonkafka.Batch, 1)
	listener := func(_ context.Context, b commonkafka.Batch) error {
		done <- b
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newTestHandler(listener, &fakeFailures{}, 100, 10*time.Millisecond)
	sess := newFakeSession(ctx, nil)
	claim := claimWith(1, 2)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ConsumeClaim(sess, claim) }()

	select {
	case b := <-done:
		if len(b) != 2 {
			t.Errorf("flushed %d records; want 2", len(b))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not flushed by the timer")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("ConsumeClaim: %v", err)
	}
}

func TestSetup_ReleasesRevokedPartitions(t *testing.T) {
	ff := &fakeFailures{}
	h := newTestHandler(nil, ff, 1, time.Second)

	_ = h.Setup(newFakeSession(context.Background(), map[string][]int32{"orders": {0, 1}}))
	if len(ff.released) != 0 {
		t.Fatalf("first session released %v", ff.released)
	}
	_ = h.Setup(newFakeSession(context.Background(), map[string][]int32{"orders": {1}}))
	if len(ff.released) != 1 || ff.released[0] != "orders/0" {
		t.Errorf("released = %v; want [orders/0]", ff.released)
	}
}

func TestSessionHandle(t *testing.T) {
	sess := newFakeSession(context.Background(), nil)
	h := newSessionHandle(sess)
	if err := h.Seek(orders0, 7); err != nil {
		t.Fatal(err)
	}
	if sess.marked[orders0] != 7 || sess.reset[orders0] != 7 {
		t.Error("Seek must mark and reset the offset")
	}
	if err := h.Seek(orders0, -1); err == nil {
		t.Error("negative offset must fail")
	}
	batch := commonkafka.Batch{{Topic: "orders", Partition: 0, Offset: 7}}
	if !h.rewound(batch) {
		t.Error("seek to 7 inside batch [7..7] is a rewind")
	}
	_ = h.Seek(orders0, 8)
	if h.rewound(batch) {
		t.Error("seek to 8 past batch [7..7] is not a rewind")
	}
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name    string
		in      Config
		wantErr bool
	}{
		{"empty", Config{}, true},
		{"no group", Config{Brokers: []string{"b"}}, true},
		{"bad initial", Config{Brokers: []string{"b"}, GroupID: "g", InitialOffset: "latest"}, true},
		{"ok", Config{Brokers: []string{"b"}, GroupID: "g"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.in
			cfg.applyDefaults()
			if err := cfg.validate(); (err != nil) != c.wantErr {
				t.Errorf("validate() = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	cfg := Config{Brokers: []string{"b"}, GroupID: "g", InitialOffset: "newest"}
	cfg.applyDefaults()
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		t.Fatalf("buildSaramaConfig: %v", err)
	}
	if sc.Consumer.Offsets.AutoCommit.Enable {
		t.Error("auto-commit must be disabled")
	}
	if sc.Consumer.Offsets.Initial != sarama.OffsetNewest {
		t.Error("initial offset not applied")
	}
	if sc.Consumer.Group.Rebalance.Timeout != cfg.MaxPollInterval {
		t.Error("rebalance timeout must follow MaxPollInterval")
	}

	cfg.Version = "not-a-version"
	if _, err := buildSaramaConfig(cfg); err == nil {
		t.Error("expected error for invalid version")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}, &fakeFailures{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty Config")
	}
	if _, err := New(context.Background(), Config{Brokers: []string{"b"}, GroupID: "g"}, nil, logger.NewNop()); err == nil {
		t.Fatal("expected error for missing failure handler")
	}
}
