// Package storage provides durable persistence for traffic snapshots and the
// segment catalog.
//
// A snapshot is stored as one row per (service day, interval index) bucket.
// Writes never rely on an atomic upsert primitive of the backing store: every
// backend follows the same update, insert, retry-update protocol so that the
// unique bucket constraint may be missing or mid-migration without producing
// duplicate rows from this process.
//
// Backends:
//   - MemoryStore / MemoryCatalog: process-local, used in tests and single-shot runs
//   - SQLStore / SQLCatalog: SQLite or PostgreSQL through database/sql
//   - RedisStore / RedisCatalog: Redis hashes, a timeline sorted set and per-day sets
package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"time"

	"github.com/HatiCode/corridor/pkg/bucket"
)

var (
	// ErrPersistence means the durable store was unreachable or a write
	// exhausted the update/insert/retry protocol.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidSnapshot is returned when a snapshot fails boundary validation.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// UpsertPath reports which branch of the write protocol stored a row.
type UpsertPath string

const (
	PathUpdate      UpsertPath = "update"
	PathInsert      UpsertPath = "insert"
	PathRetryUpdate UpsertPath = "retry-update"
)

// UpsertResult is the outcome of a successful Upsert.
type UpsertResult struct {
	ID   int64
	Path UpsertPath
}

// AuxStatus is auxiliary state valid at capture time, copied from external
// collaborators. CounterFlow is nil when the lane state is unknown.
type AuxStatus struct {
	CounterFlow *bool  `json:"counterFlow"`
	Source      string `json:"source,omitempty"`
}

// SegmentDescriptor is normalized geometry and metadata for one segment.
type SegmentDescriptor struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	RoadType      string       `json:"type"`
	Priority      string       `json:"priority,omitempty"`
	Coordinates   [][2]float64 `json:"coordinates"`
	FreeFlowSpeed float64      `json:"freeFlowSpeed,omitempty"`
}

// Payload is the measurement carried by a snapshot.
type Payload struct {
	// Ratios maps segment id to congestion ratio in [0,1].
	Ratios map[string]float64 `json:"ratios"`

	// Segments holds descriptors embedded at capture time. Captures may
	// reference ids that are not described here; readers backfill those
	// from the catalog.
	Segments map[string]SegmentDescriptor `json:"segments,omitempty"`

	Aux        AuxStatus `json:"aux"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Snapshot is one stored observation tick.
type Snapshot struct {
	ID            int64     `json:"id"`
	ObservedAt    time.Time `json:"observedAt"`
	DayKey        string    `json:"dayKey"`
	IntervalIndex int       `json:"intervalIndex"`
	SchemaVersion int       `json:"schemaVersion"`

	// Ambiguous is set on read for rows whose bucketing epoch cannot be
	// determined from the stored schema version.
	Ambiguous bool `json:"ambiguous,omitempty"`

	Payload Payload `json:"payload"`
}

// Store is durable snapshot persistence keyed by (DayKey, IntervalIndex).
type Store interface {
	// Upsert writes s into its bucket, replacing the payload and ObservedAt
	// of an existing row.
	Upsert(ctx context.Context, s Snapshot) (UpsertResult, error)

	// ReadRange returns snapshots with start <= ObservedAt < end, ascending.
	ReadRange(ctx context.Context, start, end time.Time) ([]Snapshot, error)

	// ReadDays returns the snapshots of each requested day, ascending. Every
	// requested key is present in the result, possibly with no snapshots.
	ReadDays(ctx context.Context, dayKeys []string) (map[string][]Snapshot, error)
}

// Validate checks a snapshot at the store boundary.
func Validate(s Snapshot) error {
	if _, err := bucket.ParseDayKey(s.DayKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.IntervalIndex < 0 {
		return fmt.Errorf("%w: negative interval index %d", ErrInvalidSnapshot, s.IntervalIndex)
	}
	if s.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observedAt is zero", ErrInvalidSnapshot)
	}
	if len(s.Payload.Ratios) == 0 {
		return fmt.Errorf("%w: payload has no segment ratios", ErrInvalidSnapshot)
	}
	for id, r := range s.Payload.Ratios {
		if id == "" {
			return fmt.Errorf("%w: empty segment id", ErrInvalidSnapshot)
		}
		if math.IsNaN(r) || r < 0 || r > 1 {
			return fmt.Errorf("%w: ratio %v for segment %q outside [0,1]", ErrInvalidSnapshot, r, id)
		}
	}
	return nil
}

// Clone returns a copy of s that shares no maps with it.
func (s Snapshot) Clone() Snapshot {
	s.Payload.Ratios = maps.Clone(s.Payload.Ratios)
	s.Payload.Segments = maps.Clone(s.Payload.Segments)
	return s
}

// markEpoch flags rows whose epoch cannot be determined.
func markEpoch(s *Snapshot) {
	_, err := bucket.ClassifyEpoch(s.IntervalIndex, s.SchemaVersion)
	s.Ambiguous = err != nil
}

func bucketKey(dayKey string, index int) string {
	return dayKey + "|" + strconv.Itoa(index)
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
