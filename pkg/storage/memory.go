package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
// It is safe for concurrent use by multiple goroutines.
//
// Writes to one bucket are serialized by the store mutex, so the protocol
// only ever takes the update or insert path here.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string]Snapshot
	nextID int64
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]Snapshot),
	}
}

// Upsert stores s in its bucket, keeping the row id of an existing bucket.
func (s *MemoryStore) Upsert(ctx context.Context, snap Snapshot) (UpsertResult, error) {
	if err := Validate(snap); err != nil {
		return UpsertResult{}, err
	}

	select {
	case <-ctx.Done():
		return UpsertResult{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(snap.DayKey, snap.IntervalIndex)
	row := snap.Clone()

	if existing, ok := s.rows[key]; ok {
		row.ID = existing.ID
		s.rows[key] = row
		return UpsertResult{ID: row.ID, Path: PathUpdate}, nil
	}

	s.nextID++
	row.ID = s.nextID
	s.rows[key] = row
	return UpsertResult{ID: row.ID, Path: PathInsert}, nil
}

// ReadRange returns snapshots observed in [start, end), oldest first.
func (s *MemoryStore) ReadRange(ctx context.Context, start, end time.Time) ([]Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Snapshot
	for _, row := range s.rows {
		if row.ObservedAt.Before(start) || !row.ObservedAt.Before(end) {
			continue
		}
		out = append(out, s.read(row))
	}
	sortSnapshots(out)
	return out, nil
}

// ReadDays returns snapshots grouped by service day.
func (s *MemoryStore) ReadDays(ctx context.Context, dayKeys []string) (map[string][]Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	wanted := make(map[string][]Snapshot, len(dayKeys))
	for _, k := range dayKeys {
		wanted[k] = []Snapshot{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.rows {
		if list, ok := wanted[row.DayKey]; ok {
			wanted[row.DayKey] = append(list, s.read(row))
		}
	}
	for k := range wanted {
		sortSnapshots(wanted[k])
	}
	return wanted, nil
}

// Len returns the number of stored buckets.
// This method is primarily useful for testing and diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Clear removes every stored row. It is the administrative bulk-clear and
// returns the number of rows removed.
func (s *MemoryStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.rows)
	s.rows = make(map[string]Snapshot)
	return n
}

func (s *MemoryStore) read(row Snapshot) Snapshot {
	out := row.Clone()
	markEpoch(&out)
	return out
}

func sortSnapshots(list []Snapshot) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ObservedAt.Equal(list[j].ObservedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ObservedAt.Before(list[j].ObservedAt)
	})
}
