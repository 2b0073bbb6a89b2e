package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "corridor"

// RedisStore implements Store using Redis as a backend.
// It lets several collector and API instances share durable snapshots.
//
// Layout under the key prefix:
//   - {prefix}:snapshot:{day}:{index}  hash with id, observed_at_ms, schema_version, payload
//   - {prefix}:timeline                sorted set of "day|index" members scored by observed_at_ms
//   - {prefix}:day:{day}               set of "day|index" members for one service day
//   - {prefix}:seq                     row id sequence
//
// The update and insert steps are separate scripts, each atomic on its own,
// so the write protocol matches the SQL backends.
type RedisStore struct {
	client *redis.Client
	prefix string
	closed atomic.Bool

	// beforeInsert runs between a missed update and the insert.
	beforeInsert func(ctx context.Context)
}

// NewRedisStore creates a new Redis-backed store.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - prefix: key namespace (empty uses DefaultRedisPrefix)
//
// Returns an error if the connection to Redis fails or if parameters are invalid.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
	}, nil
}

var (
	redisUpdateSnapshot = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], 'observed_at_ms', ARGV[1], 'schema_version', ARGV[2], 'payload', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
return tonumber(redis.call('HGET', KEYS[1], 'id'))
`)

	redisInsertSnapshot = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return false
end
local id = redis.call('INCR', KEYS[4])
redis.call('HSET', KEYS[1], 'id', id, 'observed_at_ms', ARGV[1], 'schema_version', ARGV[2],
  'payload', ARGV[3], 'day', ARGV[5], 'index', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[4])
return id
`)
)

func (r *RedisStore) snapshotKey(member string) string {
	day, idx, _ := strings.Cut(member, "|")
	return r.prefix + ":snapshot:" + day + ":" + idx
}

func (r *RedisStore) timelineKey() string { return r.prefix + ":timeline" }
func (r *RedisStore) dayKey(day string) string { return r.prefix + ":day:" + day }
func (r *RedisStore) seqKey() string { return r.prefix + ":seq" }

// Upsert writes snap into its bucket.
func (r *RedisStore) Upsert(ctx context.Context, snap Snapshot) (UpsertResult, error) {
	if err := Validate(snap); err != nil {
		return UpsertResult{}, err
	}

	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	member := bucketKey(snap.DayKey, snap.IntervalIndex)
	keys := []string{r.snapshotKey(member), r.timelineKey(), r.dayKey(snap.DayKey), r.seqKey()}
	version := ""
	if snap.SchemaVersion > 0 {
		version = strconv.Itoa(snap.SchemaVersion)
	}
	observed := snap.ObservedAt.UnixMilli()

	id, found, err := r.runScript(ctx, redisUpdateSnapshot, keys[:3], observed, version, string(payload), member)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: update snapshot: %w", ErrPersistence, err)
	}
	if found {
		return UpsertResult{ID: id, Path: PathUpdate}, nil
	}

	if r.beforeInsert != nil {
		r.beforeInsert(ctx)
	}

	id, found, err = r.runScript(ctx, redisInsertSnapshot, keys,
		observed, version, string(payload), member, snap.DayKey, snap.IntervalIndex)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: insert snapshot: %w", ErrPersistence, err)
	}
	if found {
		return UpsertResult{ID: id, Path: PathInsert}, nil
	}

	id, found, err = r.runScript(ctx, redisUpdateSnapshot, keys[:3], observed, version, string(payload), member)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("%w: retry update snapshot: %w", ErrPersistence, err)
	}
	if !found {
		return UpsertResult{}, fmt.Errorf("%w: bucket %s/%d conflicted but no row was found on retry",
			ErrPersistence, snap.DayKey, snap.IntervalIndex)
	}
	return UpsertResult{ID: id, Path: PathRetryUpdate}, nil
}

// runScript returns found=false when the script declined to write.
func (r *RedisStore) runScript(ctx context.Context, s *redis.Script, keys []string, args ...any) (int64, bool, error) {
	id, err := s.Run(ctx, r.client, keys, args...).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ReadRange returns snapshots observed in [start, end), oldest first.
func (r *RedisStore) ReadRange(ctx context.Context, start, end time.Time) ([]Snapshot, error) {
	members, err := r.client.ZRangeByScore(ctx, r.timelineKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read timeline: %w", ErrPersistence, err)
	}

	out, err := r.load(ctx, members)
	if err != nil {
		return nil, err
	}
	sortSnapshots(out)
	return out, nil
}

// ReadDays returns snapshots grouped by service day.
func (r *RedisStore) ReadDays(ctx context.Context, dayKeys []string) (map[string][]Snapshot, error) {
	keys := uniqueKeys(dayKeys)
	result := make(map[string][]Snapshot, len(keys))
	for _, k := range keys {
		result[k] = []Snapshot{}
	}

	if len(keys) == 0 {
		return result, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.SMembers(ctx, r.dayKey(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: read day sets: %w", ErrPersistence, err)
	}

	var members []string
	for _, cmd := range cmds {
		members = append(members, cmd.Val()...)
	}

	list, err := r.load(ctx, members)
	if err != nil {
		return nil, err
	}
	for _, snap := range list {
		if _, ok := result[snap.DayKey]; ok {
			result[snap.DayKey] = append(result[snap.DayKey], snap)
		}
	}
	for k := range result {
		sortSnapshots(result[k])
	}
	return result, nil
}

func (r *RedisStore) load(ctx context.Context, members []string) ([]Snapshot, error) {
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, r.snapshotKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: read snapshots: %w", ErrPersistence, err)
	}

	out := make([]Snapshot, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		snap, err := decodeRedisSnapshot(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %s: %w", members[i], err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func decodeRedisSnapshot(fields map[string]string) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.ID, err = strconv.ParseInt(fields["id"], 10, 64); err != nil {
		return Snapshot{}, fmt.Errorf("id: %w", err)
	}
	observed, err := strconv.ParseInt(fields["observed_at_ms"], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("observed_at_ms: %w", err)
	}
	snap.ObservedAt = time.UnixMilli(observed).UTC()
	snap.DayKey = fields["day"]
	if snap.IntervalIndex, err = strconv.Atoi(fields["index"]); err != nil {
		return Snapshot{}, fmt.Errorf("index: %w", err)
	}
	if v := fields["schema_version"]; v != "" {
		if snap.SchemaVersion, err = strconv.Atoi(v); err != nil {
			return Snapshot{}, fmt.Errorf("schema_version: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &snap.Payload); err != nil {
		return Snapshot{}, fmt.Errorf("payload: %w", err)
	}
	markEpoch(&snap)
	return snap, nil
}

// Catalog returns a segment catalog sharing this store's client and prefix.
func (r *RedisStore) Catalog() *RedisCatalog {
	return &RedisCatalog{client: r.client, prefix: r.prefix, now: time.Now}
}

// Close closes the Redis client connection. It is safe to call more than
// once. Operations after Close fail with redis.ErrClosed.
func (r *RedisStore) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	if r.closed.Load() {
		return redis.ErrClosed
	}
	return r.client.Ping(ctx).Err()
}
