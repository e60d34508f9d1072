package deadletter

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/YaganovValera/batch-retry/common/kafka"
	"github.com/YaganovValera/batch-retry/common/logger"
)

type recordingProducer struct {
	sent   []*kafka.Message
	failAt map[int64]error
}

func (p *recordingProducer) Publish(_ context.Context, msg *kafka.Message) error {
	off := msg.Headers[HeaderOriginalOffset]
	for o, err := range p.failAt {
		if string(off) == itoa(o) {
			return err
		}
	}
	p.sent = append(p.sent, msg)
	return nil
}
func (p *recordingProducer) Ping(context.Context) error { return nil }
func (p *recordingProducer) Close() error               { return nil }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func ordersBatch() kafka.Batch {
	return kafka.Batch{
		{Topic: "orders", Partition: 0, Offset: 10, Key: []byte("k10"), Value: []byte("v10"), Headers: map[string][]byte{"trace": []byte("t")}},
		{Topic: "orders", Partition: 0, Offset: 11, Value: []byte("v11")},
		{Topic: "orders", Partition: 0, Offset: 12, Key: []byte("k12"), Value: []byte("v12")},
	}
}

func TestRoute_PublishesEveryRecordInOrder(t *testing.T) {
	p := &recordingProducer{}
	r := New(p, logger.NewNop())
	failure := errors.New("schema mismatch")

	res := r.Route(context.Background(), ordersBatch(), failure, ReasonPermanent)
	if res.Published != 3 || res.Failed != 0 {
		t.Fatalf("Result = %+v", res)
	}
	for i, m := range p.sent {
		src := ordersBatch()[i]
		if m.Topic != "orders-dlq" {
			t.Errorf("record %d topic = %q; want orders-dlq", i, m.Topic)
		}
		if string(m.Key) != string(src.Key) || string(m.Value) != string(src.Value) {
			t.Errorf("record %d key/value not preserved", i)
		}
		if got := string(m.Headers[HeaderOriginalOffset]); got != itoa(src.Offset) {
			t.Errorf("record %d offset header = %q", i, got)
		}
		if got := string(m.Headers[HeaderExceptionMessage]); got != "schema mismatch" {
			t.Errorf("record %d exception header = %q", i, got)
		}
		if got := string(m.Headers[HeaderReason]); got != string(ReasonPermanent) {
			t.Errorf("record %d reason header = %q", i, got)
		}
	}
	if string(p.sent[0].Headers["trace"]) != "t" {
		t.Error("original headers must be kept")
	}
}

func TestRoute_BestEffort(t *testing.T) {
	p := &recordingProducer{failAt: map[int64]error{11: errors.New("broker down")}}
	r := New(p, logger.NewNop())

	res := r.Route(context.Background(), ordersBatch(), nil, ReasonExhausted)
	if res.Published != 2 || res.Failed != 1 {
		t.Fatalf("Result = %+v; want 2 published, 1 failed", res)
	}
	if string(p.sent[0].Headers[HeaderOriginalOffset]) != "10" || string(p.sent[1].Headers[HeaderOriginalOffset]) != "12" {
		t.Error("record after the failed one must still be published")
	}
	if _, ok := p.sent[0].Headers[HeaderExceptionKind]; ok {
		t.Error("no exception headers expected for nil failure")
	}
}

func TestWithSuffix(t *testing.T) {
	r := New(&recordingProducer{}, logger.NewNop(), WithSuffix(".DLT"))
	if got := r.Destination("orders"); got != "orders.DLT" {
		t.Errorf("Destination = %q", got)
	}
	r = New(&recordingProducer{}, logger.NewNop(), WithSuffix(""))
	if got := r.Destination("orders"); got != "orders-dlq" {
		t.Errorf("empty suffix must keep default, got %q", got)
	}
}
