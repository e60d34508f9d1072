// Package seek repositions every partition of a batch on a consumer handle.
package seek

import (
	"fmt"

	"github.com/YaganovValera/batch-retry/common/kafka"
)

// ToCurrent moves each partition of batch back to its lowest offset and
// commits it, so the next poll redelivers the whole batch.
func ToCurrent(batch kafka.Batch, handle kafka.SeekCommitter) error {
	return apply(batch, batch.MinOffsets(), 0, handle)
}

// ToNext moves each partition of batch past its highest offset and commits
// it, so the batch is skipped for good.
func ToNext(batch kafka.Batch, handle kafka.SeekCommitter) error {
	return apply(batch, batch.MaxOffsets(), 1, handle)
}

func apply(batch kafka.Batch, offsets map[kafka.TopicPartition]int64, delta int64, handle kafka.SeekCommitter) error {
	if len(batch) == 0 {
		return kafka.ErrEmptyBatch
	}
	for _, tp := range batch.Partitions() {
		target := offsets[tp] + delta
		if err := handle.Seek(tp, target); err != nil {
			return fmt.Errorf("seek: %s to %d: %w", tp, target, err)
		}
		if err := handle.CommitSync(); err != nil {
			return fmt.Errorf("seek: commit %s at %d: %w", tp, target, err)
		}
	}
	return nil
}
