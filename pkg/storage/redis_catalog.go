package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCatalog implements Catalog with one hash per segment at
// {prefix}:segment:{id}.
type RedisCatalog struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var redisUpsertDescriptor = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'hash') == ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'hash', ARGV[1], 'descriptor', ARGV[2], 'updated_at_ms', ARGV[3])
return 1
`)

func (c *RedisCatalog) segmentKey(id string) string {
	return c.prefix + ":segment:" + id
}

// UpsertMany stores descriptors whose content hash changed.
func (c *RedisCatalog) UpsertMany(ctx context.Context, descriptors []SegmentDescriptor) (int, error) {
	changed := 0
	now := c.now().UnixMilli()
	for _, d := range descriptors {
		if d.ID == "" {
			return changed, ErrInvalidDescriptor
		}
		hash, data, err := DescriptorHash(d)
		if err != nil {
			return changed, err
		}
		n, err := redisUpsertDescriptor.Run(ctx, c.client, []string{c.segmentKey(d.ID)}, hash, string(data), now).Int()
		if err != nil {
			return changed, fmt.Errorf("%w: upsert descriptor %q: %w", ErrPersistence, d.ID, err)
		}
		changed += n
	}
	return changed, nil
}

// GetByIDs returns the stored descriptors for ids.
func (c *RedisCatalog) GetByIDs(ctx context.Context, ids []string) (map[string]SegmentDescriptor, error) {
	keys := uniqueKeys(ids)
	out := make(map[string]SegmentDescriptor, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, id := range keys {
		cmds[i] = pipe.HGet(ctx, c.segmentKey(id), "descriptor")
	}
	// Missing segments surface as redis.Nil on their command.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: read catalog: %w", ErrPersistence, err)
	}

	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read descriptor %q: %w", ErrPersistence, keys[i], err)
		}
		var d SegmentDescriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("failed to decode descriptor %q: %w", keys[i], err)
		}
		out[keys[i]] = d
	}
	return out, nil
}
