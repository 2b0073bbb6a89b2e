// Package tail keeps the most recent snapshots in process memory.
//
// The ring is independent of the durable store: it is filled on every
// recorded snapshot whether or not persistence succeeded, and it is lost on
// restart.
package tail

import (
	"sync"
	"time"

	"github.com/HatiCode/corridor/pkg/storage"
)

// DefaultCapacity holds one service day at a 2 minute step.
const DefaultCapacity = 720

// Ring is a fixed-size ring buffer of snapshots.
// It is thread-safe and evicts the oldest entry when full.
type Ring struct {
	data     []storage.Snapshot
	capacity int
	head     int // Next write position
	size     int // Current element count
	mu       sync.RWMutex
}

// NewRing creates a Ring holding at most capacity snapshots.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		data:     make([]storage.Snapshot, capacity),
		capacity: capacity,
	}
}

// Append adds s, evicting the oldest snapshot if at capacity.
// A snapshot for the bucket of the newest entry replaces it in place, so a
// corrected tick does not occupy two slots.
func (r *Ring) Append(s storage.Snapshot) {
	s = s.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size > 0 {
		last := (r.head - 1 + r.capacity) % r.capacity
		if r.data[last].DayKey == s.DayKey && r.data[last].IntervalIndex == s.IntervalIndex {
			r.data[last] = s
			return
		}
	}

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	}
}

// Between returns snapshots with start <= ObservedAt < end in insertion order.
func (r *Ring) Between(start, end time.Time) []storage.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}

	oldestIdx := (r.head - r.size + r.capacity) % r.capacity

	var result []storage.Snapshot
	for i := 0; i < r.size; i++ {
		s := r.data[(oldestIdx+i)%r.capacity]
		if s.ObservedAt.Before(start) || !s.ObservedAt.Before(end) {
			continue
		}
		result = append(result, s.Clone())
	}
	return result
}

// Latest returns the most recently appended snapshot.
func (r *Ring) Latest() (storage.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return storage.Snapshot{}, false
	}
	return r.data[(r.head-1+r.capacity)%r.capacity].Clone(), true
}

// Len returns the number of buffered snapshots.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of buffered snapshots.
func (r *Ring) Capacity() int {
	return r.capacity
}
