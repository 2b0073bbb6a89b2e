package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidDescriptor is returned for descriptors without an id.
var ErrInvalidDescriptor = errors.New("invalid segment descriptor")

// Catalog is durable normalized segment metadata keyed by segment id.
//
// Writes are last-write-wins but only rows whose content hash changed are
// rewritten, so re-observing identical geometry costs no write.
type Catalog interface {
	// UpsertMany stores descriptors and returns how many rows changed.
	UpsertMany(ctx context.Context, descriptors []SegmentDescriptor) (int, error)

	// GetByIDs returns the descriptors found for ids. Missing ids are absent
	// from the result.
	GetByIDs(ctx context.Context, ids []string) (map[string]SegmentDescriptor, error)
}

// DescriptorHash returns the content hash of d.
func DescriptorHash(d SegmentDescriptor) (string, []byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal descriptor %q: %w", d.ID, err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), data, nil
}

// DescriptorsOf returns the descriptors embedded in a payload.
func DescriptorsOf(p Payload) []SegmentDescriptor {
	out := make([]SegmentDescriptor, 0, len(p.Segments))
	for id, d := range p.Segments {
		if d.ID == "" {
			d.ID = id
		}
		out = append(out, d)
	}
	return out
}

type catalogEntry struct {
	hash string
	desc SegmentDescriptor
}

// MemoryCatalog implements Catalog in process memory.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]catalogEntry
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]catalogEntry)}
}

// UpsertMany stores descriptors whose content changed.
func (c *MemoryCatalog) UpsertMany(ctx context.Context, descriptors []SegmentDescriptor) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, d := range descriptors {
		if d.ID == "" {
			return changed, ErrInvalidDescriptor
		}
		hash, _, err := DescriptorHash(d)
		if err != nil {
			return changed, err
		}
		if existing, ok := c.entries[d.ID]; ok && existing.hash == hash {
			continue
		}
		c.entries[d.ID] = catalogEntry{hash: hash, desc: d}
		changed++
	}
	return changed, nil
}

// GetByIDs returns the stored descriptors for ids.
func (c *MemoryCatalog) GetByIDs(ctx context.Context, ids []string) (map[string]SegmentDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]SegmentDescriptor, len(ids))
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			out[id] = e.desc
		}
	}
	return out, nil
}

// Len returns the number of catalogued segments.
func (c *MemoryCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
