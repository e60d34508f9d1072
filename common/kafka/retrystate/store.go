// Package retrystate remembers the backoff progress of batches that keep
// failing, separately for every execution context.
//
// An execution context is one serial consumer worker; contexts own disjoint
// partitions, so an entry is only ever advanced by its owner. The store keeps
// at most one entry per (context, identity) and drops a context's map as soon
// as nothing in it is failing.
package retrystate

import (
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/YaganovValera/batch-retry/common/kafka"
)

// ContextKey names an execution context.
type ContextKey string

// Identity is the canonical form of the set of partitions in a batch.
type Identity string

// IdentityOf returns the identity of batch: its sorted distinct partitions.
func IdentityOf(batch kafka.Batch) Identity {
	parts := batch.Partitions()
	names := make([]string, len(parts))
	for i, tp := range parts {
		names[i] = tp.String()
	}
	sort.Strings(names)
	return Identity(strings.Join(names, ","))
}

// Factory creates a fresh backoff cursor for a new failure occurrence.
type Factory func() backoff.BackOff

type failedBatch struct {
	minOffsets map[kafka.TopicPartition]int64
	cursor     backoff.BackOff
}

// Store holds failing batches per execution context.
type Store struct {
	mu       sync.Mutex
	contexts map[ContextKey]map[Identity]*failedBatch
}

func NewStore() *Store {
	return &Store{contexts: make(map[ContextKey]map[Identity]*failedBatch)}
}

// Advance records another failure of the batch identified by id and returns
// the delay before redelivery. ok=false means the cursor stopped: the entry
// is gone and the batch must not be retried.
//
// The stored cursor is reused only when minOffsets equal the recorded ones;
// otherwise the batch is a new occurrence and gets a cursor from newCursor.
func (s *Store) Advance(key ContextKey, id Identity, minOffsets map[kafka.TopicPartition]int64, newCursor Factory) (delay time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failing := s.contexts[key]
	if failing == nil {
		failing = make(map[Identity]*failedBatch, 1)
		s.contexts[key] = failing
	}

	fb, found := failing[id]
	if !found || !maps.Equal(fb.minOffsets, minOffsets) {
		fb = &failedBatch{minOffsets: maps.Clone(minOffsets), cursor: newCursor()}
		failing[id] = fb
	}

	delay = fb.cursor.NextBackOff()
	if delay == backoff.Stop {
		s.removeLocked(key, id)
		return 0, false
	}
	return delay, true
}

// Forget drops the entry for id, e.g. once the batch finally succeeded, and
// reports whether there was one.
func (s *Store) Forget(key ContextKey, id Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[key][id]; !ok {
		return false
	}
	s.removeLocked(key, id)
	return true
}

// Release drops everything tracked for the given execution contexts, e.g.
// when their partitions were revoked.
func (s *Store) Release(keys ...ContextKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.contexts, k)
	}
}

// Len returns the number of failing batches tracked for key.
func (s *Store) Len(key ContextKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts[key])
}

// Contexts returns the number of execution contexts with failing batches.
func (s *Store) Contexts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// Batches returns the number of failing batches across all contexts.
func (s *Store) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, failing := range s.contexts {
		n += len(failing)
	}
	return n
}

func (s *Store) removeLocked(key ContextKey, id Identity) {
	failing, ok := s.contexts[key]
	if !ok {
		return
	}
	delete(failing, id)
	if len(failing) == 0 {
		delete(s.contexts, key)
	}
}
