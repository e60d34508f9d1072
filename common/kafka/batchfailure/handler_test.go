package batchfailure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/YaganovValera/batch-retry/common/backoff"
	"github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/kafka/classify"
	"github.com/YaganovValera/batch-retry/common/kafka/deadletter"
	"github.com/YaganovValera/batch-retry/common/kafka/retrystate"
	"github.com/YaganovValera/batch-retry/common/logger"
)

type seekCall struct {
	tp     kafka.TopicPartition
	offset int64
}

type fakeHandle struct {
	seeks     []seekCall
	commits   int
	commitErr error
}

func (h *fakeHandle) Seek(tp kafka.TopicPartition, offset int64) error {
	h.seeks = append(h.seeks, seekCall{tp, offset})
	return nil
}

func (h *fakeHandle) CommitSync() error {
	if h.commitErr != nil {
		return h.commitErr
	}
	h.commits++
	return nil
}

type routeCall struct {
	batch   kafka.Batch
	failure error
	reason  deadletter.Reason
}

type fakeRouter struct{ calls []routeCall }

func (r *fakeRouter) Route(_ context.Context, b kafka.Batch, failure error, reason deadletter.Reason) deadletter.Result {
	r.calls = append(r.calls, routeCall{b, failure, reason})
	return deadletter.Result{Published: len(b)}
}

type fixture struct {
	h      *Handler
	store  *retrystate.Store
	router *fakeRouter
	slept  []time.Duration
}

func newFixture(p backoff.Policy) *fixture {
	p.ApplyDefaults()
	f := &fixture{store: retrystate.NewStore(), router: &fakeRouter{}}
	reg := classify.NewBuilder().Register(classify.TypeOf[*classify.TransientError]("transient")).Build()
	f.h = New(reg, f.store, f.router, p.NewCursor, logger.NewNop(),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		}))
	return f
}

func ordersBatch() kafka.Batch {
	return kafka.Batch{
		{Topic: "orders", Partition: 0, Offset: 10},
		{Topic: "orders", Partition: 0, Offset: 11},
		{Topic: "orders", Partition: 0, Offset: 12},
	}
}

func transient() error {
	return &kafka.ListenerError{Err: classify.Transient("inventory", errors.New("503"))}
}

var orders0 = kafka.TopicPartition{Topic: "orders", Partition: 0}

func TestHandleFailure_RetryThenExhaust(t *testing.T) {
	f := newFixture(backoff.Policy{Kind: backoff.PolicyFixed, Interval: 20 * time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	// call 1: redeliver from 10
	h1 := &fakeHandle{}
	if err := f.h.HandleFailure(ctx, "orders/0", ordersBatch(), transient(), h1); err != nil {
		t.Fatalf("call 1: %v", err)
	}
	if len(h1.seeks) != 1 || h1.seeks[0] != (seekCall{orders0, 10}) {
		t.Errorf("call 1 seeks = %v; want orders/0→10", h1.seeks)
	}
	if len(f.slept) != 1 || f.slept[0] != 20*time.Millisecond {
		t.Errorf("slept = %v; want one 20ms delay", f.slept)
	}
	if len(f.router.calls) != 0 {
		t.Error("no dead-letter expected while retrying")
	}

	// call 2: same batch, cursor stops
	h2 := &fakeHandle{}
	if err := f.h.HandleFailure(ctx, "orders/0", ordersBatch(), transient(), h2); err != nil {
		t.Fatalf("call 2: %v", err)
	}
	if len(f.router.calls) != 1 {
		t.Fatalf("router calls = %d; want 1", len(f.router.calls))
	}
	call := f.router.calls[0]
	if call.reason != deadletter.ReasonExhausted || len(call.batch) != 3 {
		t.Errorf("route = %+v", call)
	}
	for i, m := range call.batch {
		if m.Offset != int64(10+i) {
			t.Errorf("dead-letter order broken at %d: offset %d", i, m.Offset)
		}
	}
	if len(h2.seeks) != 1 || h2.seeks[0] != (seekCall{orders0, 13}) {
		t.Errorf("call 2 seeks = %v; want orders/0→13", h2.seeks)
	}
	if f.store.Len("orders/0") != 0 {
		t.Error("retry state must be removed after exhaustion")
	}
}

func TestHandleFailure_PermanentMultiPartition(t *testing.T) {
	f := newFixture(backoff.Policy{MaxAttempts: 3})
	batch := kafka.Batch{
		{Topic: "a", Partition: 0, Offset: 5},
		{Topic: "a", Partition: 0, Offset: 6},
		{Topic: "a", Partition: 1, Offset: 7},
	}
	cause := errors.New("validation failed")
	h := &fakeHandle{}

	if err := f.h.HandleFailure(context.Background(), "w1", batch, &kafka.ListenerError{Err: cause}, h); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if len(f.router.calls) != 1 || f.router.calls[0].reason != deadletter.ReasonPermanent {
		t.Fatalf("router calls = %+v", f.router.calls)
	}
	if f.router.calls[0].failure != cause {
		t.Errorf("dead-letter failure = %v; want the unwrapped cause", f.router.calls[0].failure)
	}
	want := []seekCall{{kafka.TopicPartition{Topic: "a", Partition: 0}, 7}, {kafka.TopicPartition{Topic: "a", Partition: 1}, 8}}
	if len(h.seeks) != 2 || h.seeks[0] != want[0] || h.seeks[1] != want[1] {
		t.Errorf("seeks = %v; want %v", h.seeks, want)
	}
	if len(f.slept) != 0 || f.store.Contexts() != 0 {
		t.Error("permanent failure must not touch the retry state")
	}
}

func TestHandleFailure_NilCauseIsPermanent(t *testing.T) {
	f := newFixture(backoff.Policy{MaxAttempts: 3})
	if err := f.h.HandleFailure(context.Background(), "w1", ordersBatch(), &kafka.ListenerError{}, &fakeHandle{}); err != nil {
		t.Fatal(err)
	}
	if len(f.router.calls) != 1 || f.router.calls[0].reason != deadletter.ReasonPermanent {
		t.Errorf("router calls = %+v", f.router.calls)
	}
}

func TestHandleFailure_ExhaustsAfterMaxAttempts(t *testing.T) {
	for _, attempts := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("max_attempts=%d", attempts), func(t *testing.T) {
			f := newFixture(backoff.Policy{Interval: time.Millisecond, MaxAttempts: attempts})
			for i := 1; i <= attempts; i++ {
				h := &fakeHandle{}
				if err := f.h.HandleFailure(context.Background(), "w", ordersBatch(), transient(), h); err != nil {
					t.Fatal(err)
				}
				last := h.seeks[len(h.seeks)-1].offset
				if i < attempts && last != 10 {
					t.Errorf("failure %d: seek %d; want redelivery from 10", i, last)
				}
				if i == attempts && last != 13 {
					t.Errorf("failure %d: seek %d; want skip to 13", i, last)
				}
			}
			if len(f.slept) != attempts-1 || len(f.router.calls) != 1 {
				t.Errorf("slept=%d routed=%d", len(f.slept), len(f.router.calls))
			}
		})
	}
}

func TestHandleFailure_DifferentOffsetsResetCursor(t *testing.T) {
	f := newFixture(backoff.Policy{
		Kind: backoff.PolicyExponential, Interval: time.Millisecond, Multiplier: 2,
		MaxInterval: time.Second, MaxAttempts: 10,
	})
	ctx := context.Background()
	_ = f.h.HandleFailure(ctx, "w", ordersBatch(), transient(), &fakeHandle{})
	_ = f.h.HandleFailure(ctx, "w", ordersBatch(), transient(), &fakeHandle{})

	moved := kafka.Batch{{Topic: "orders", Partition: 0, Offset: 13}}
	_ = f.h.HandleFailure(ctx, "w", moved, transient(), &fakeHandle{})

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, time.Millisecond}
	for i := range want {
		if f.slept[i] != want[i] {
			t.Errorf("delay[%d] = %v; want %v", i, f.slept[i], want[i])
		}
	}
}

func TestRecovered_ForgetsState(t *testing.T) {
	f := newFixture(backoff.Policy{MaxAttempts: 5})
	_ = f.h.HandleFailure(context.Background(), "w", ordersBatch(), transient(), &fakeHandle{})
	if f.store.Len("w") != 1 {
		t.Fatal("expected tracked batch")
	}
	f.h.Recovered(context.Background(), "w", ordersBatch())
	if f.store.Len("w") != 0 || f.store.Contexts() != 0 {
		t.Error("state left after recovery")
	}
}

func TestHandleFailure_InfrastructureErrorsPropagate(t *testing.T) {
	boom := errors.New("commit failed")
	f := newFixture(backoff.Policy{MaxAttempts: 5})

	err := f.h.HandleFailure(context.Background(), "w", ordersBatch(), transient(), &fakeHandle{commitErr: boom})
	if !errors.Is(err, boom) {
		t.Errorf("retry path error = %v; want %v", err, boom)
	}
	err = f.h.HandleFailure(context.Background(), "w", ordersBatch(), &kafka.ListenerError{Err: errors.New("x")}, &fakeHandle{commitErr: boom})
	if !errors.Is(err, boom) {
		t.Errorf("dead-letter path error = %v; want %v", err, boom)
	}
	if err := f.h.HandleFailure(context.Background(), "w", nil, transient(), &fakeHandle{}); !errors.Is(err, kafka.ErrEmptyBatch) {
		t.Errorf("empty batch error = %v", err)
	}
}

func TestHandleFailure_CancelledSleepSkipsSeek(t *testing.T) {
	p := backoff.Policy{Interval: time.Hour, MaxAttempts: 3}
	p.ApplyDefaults()
	reg := classify.NewBuilder().Register(classify.TypeOf[*classify.TransientError]("transient")).Build()
	h := New(reg, retrystate.NewStore(), &fakeRouter{}, p.NewCursor, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handle := &fakeHandle{}
	err := h.HandleFailure(ctx, "w", ordersBatch(), transient(), handle)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v; want context.Canceled", err)
	}
	if len(handle.seeks) != 0 || handle.commits != 0 {
		t.Error("nothing may be committed when the delay is interrupted")
	}
}
