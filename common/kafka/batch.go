package kafka

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyBatch is returned by every batch operation given no records.
var ErrEmptyBatch = errors.New("kafka: empty batch")

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "/" + strconv.FormatInt(int64(tp.Partition), 10)
}

// Batch is an ordered sequence of records from one poll. It may span
// several partitions.
type Batch []*Message

// Partitions returns the distinct partitions of the batch in first-seen order.
func (b Batch) Partitions() []TopicPartition {
	seen := make(map[TopicPartition]struct{}, 1)
	out := make([]TopicPartition, 0, 1)
	for _, m := range b {
		tp := m.TopicPartition()
		if _, ok := seen[tp]; ok {
			continue
		}
		seen[tp] = struct{}{}
		out = append(out, tp)
	}
	return out
}

// MinOffsets returns the lowest offset present for every partition.
func (b Batch) MinOffsets() map[TopicPartition]int64 {
	return b.extremes(func(cur, next int64) bool { return next < cur })
}

// MaxOffsets returns the highest offset present for every partition.
func (b Batch) MaxOffsets() map[TopicPartition]int64 {
	return b.extremes(func(cur, next int64) bool { return next > cur })
}

func (b Batch) extremes(better func(cur, next int64) bool) map[TopicPartition]int64 {
	out := make(map[TopicPartition]int64, 1)
	for _, m := range b {
		tp := m.TopicPartition()
		if cur, ok := out[tp]; !ok || better(cur, m.Offset) {
			out[tp] = m.Offset
		}
	}
	return out
}

// Describe renders the batch as "topic/partition[first..last]" spans for logs.
func (b Batch) Describe() string {
	if len(b) == 0 {
		return "[]"
	}
	minOff, maxOff := b.MinOffsets(), b.MaxOffsets()
	parts := b.Partitions()
	spans := make([]string, 0, len(parts))
	for _, tp := range parts {
		spans = append(spans, fmt.Sprintf("%s[%d..%d]", tp, minOff[tp], maxOff[tp]))
	}
	return strings.Join(spans, ",")
}
