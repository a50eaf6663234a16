package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/desertthunder/ytsync/internal/shared"
)

// RedisStore is a [SlotStore] backed by Redis.
//
// Key layout under prefix and slot:
//
//	{prefix}:{slot}:holder        "id|generation|weight|acquired_ms|identity", PX ttl
//	{prefix}:{slot}:gen           fencing counter
//	{prefix}:{slot}:seq           arrival counter
//	{prefix}:{slot}:waiters       zset of ticket ids scored by arrival
//	{prefix}:{slot}:waiter:{id}   waiter lease, PX waiter ttl
//
// Expiry runs on the Redis server clock. Lease keys are built inside scripts, so the
// store targets a single Redis node rather than a cluster.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. An empty prefix defaults to "ytsync".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ytsync"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// NewRedisClient opens a client from the [redis] config section and pings it.
func NewRedisClient(ctx context.Context, c shared.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", c.Addr, err)
	}
	return rdb, nil
}

var (
	enqueueScript = redis.NewScript(`
local arrival = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], arrival, ARGV[2])
redis.call('SET', ARGV[1], '1', 'PX', ARGV[3])
return arrival
`)

	positionScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[2])
if not score then
  return {-1, 0}
end
if redis.call('EXISTS', ARGV[1] .. ARGV[2]) == 0 then
  redis.call('ZREM', KEYS[1], ARGV[2])
  return {-1, 0}
end
redis.call('PEXPIRE', ARGV[1] .. ARGV[2], ARGV[3])
local mine = tonumber(score)
local ahead, total = 0, 0
local members = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
for i = 1, #members, 2 do
  if redis.call('EXISTS', ARGV[1] .. members[i]) == 1 then
    total = total + 1
    if tonumber(members[i + 1]) < mine then
      ahead = ahead + 1
    end
  else
    redis.call('ZREM', KEYS[1], members[i])
  end
end
return {ahead, total}
`)

	countScript = redis.NewScript(`
local total = 0
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
for i = 1, #members do
  if redis.call('EXISTS', ARGV[1] .. members[i]) == 1 then
    total = total + 1
  else
    redis.call('ZREM', KEYS[1], members[i])
  end
end
return total
`)

	acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local gen = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[2] .. '|' .. gen .. '|' .. ARGV[4] .. '|' .. ARGV[6] .. '|' .. ARGV[3], 'PX', ARGV[5])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('DEL', ARGV[1])
return gen
`)

	extendScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, #ARGV[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', ARGV[3])
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, #ARGV[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
)

func (s *RedisStore) key(slot, part string) string {
	return s.prefix + ":" + slot + ":" + part
}

func (s *RedisStore) leasePrefix(slot string) string {
	return s.key(slot, "waiter:")
}

func holderPrefix(t *Ticket) string {
	return t.ID + "|" + strconv.FormatInt(t.Generation, 10) + "|"
}

func (s *RedisStore) Enqueue(ctx context.Context, t *Ticket, ttl time.Duration) error {
	arrival, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.key(t.Slot, "seq"), s.key(t.Slot, "waiters")},
		s.leasePrefix(t.Slot)+t.ID, t.ID, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to enqueue waiter: %w", err)
	}
	t.Arrival = arrival
	return nil
}

func (s *RedisStore) Position(ctx context.Context, t *Ticket, ttl time.Duration) (int, int, error) {
	res, err := positionScript.Run(ctx, s.rdb,
		[]string{s.key(t.Slot, "waiters")},
		s.leasePrefix(t.Slot), t.ID, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read waiter position: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected position reply %v", res)
	}
	if res[0] < 0 {
		return 0, 0, fmt.Errorf("%w: waiter %s", shared.ErrNotFound, t.ID)
	}
	return int(res[0]), int(res[1]), nil
}

func (s *RedisStore) TryAcquire(ctx context.Context, t *Ticket, ttl time.Duration) (bool, error) {
	now := time.Now()
	gen, err := acquireScript.Run(ctx, s.rdb,
		[]string{s.key(t.Slot, "holder"), s.key(t.Slot, "gen"), s.key(t.Slot, "waiters")},
		s.leasePrefix(t.Slot)+t.ID, t.ID, t.Identity, t.Weight, ttl.Milliseconds(), now.UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire slot: %w", err)
	}
	if gen == 0 {
		return false, nil
	}
	t.Generation = gen
	t.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *RedisStore) Extend(ctx context.Context, t *Ticket, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.rdb, []string{s.key(t.Slot, "holder")}, holderPrefix(t), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend slot: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, t *Ticket) error {
	n, err := releaseScript.Run(ctx, s.rdb,
		[]string{s.key(t.Slot, "holder"), s.key(t.Slot, "waiters")},
		holderPrefix(t), t.ID, s.leasePrefix(t.Slot)+t.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", shared.ErrSlotNotHeld, t.ID)
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, t *Ticket) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.key(t.Slot, "waiters"), t.ID)
		pipe.Del(ctx, s.leasePrefix(t.Slot)+t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dequeue waiter: %w", err)
	}
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context, slot string) (Snapshot, error) {
	snap := Snapshot{Slot: slot}

	gen, err := s.rdb.Get(ctx, s.key(slot, "gen")).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("failed to read slot generation: %w", err)
	}
	snap.Generation = gen

	value, err := s.rdb.Get(ctx, s.key(slot, "holder")).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return snap, fmt.Errorf("failed to read slot holder: %w", err)
	default:
		ttl, err := s.rdb.PTTL(ctx, s.key(slot, "holder")).Result()
		if err != nil {
			return snap, fmt.Errorf("failed to read slot ttl: %w", err)
		}
		parseHolder(value, &snap)
		if ttl > 0 {
			snap.ExpiresAt = time.Now().Add(ttl)
		}
	}

	waiting, err := countScript.Run(ctx, s.rdb, []string{s.key(slot, "waiters")}, s.leasePrefix(slot)).Int64()
	if err != nil {
		return snap, fmt.Errorf("failed to count waiters: %w", err)
	}
	snap.Waiting = int(waiting)
	return snap, nil
}

func (s *RedisStore) ForceRelease(ctx context.Context, slot string) error {
	if err := s.rdb.Del(ctx, s.key(slot, "holder")).Err(); err != nil {
		return fmt.Errorf("failed to clear slot: %w", err)
	}
	return nil
}

func parseHolder(value string, snap *Snapshot) {
	parts := strings.SplitN(value, "|", 5)
	if len(parts) != 5 {
		snap.HolderID = value
		return
	}
	snap.HolderID = parts[0]
	snap.Generation, _ = strconv.ParseInt(parts[1], 10, 64)
	snap.Weight, _ = strconv.Atoi(parts[2])
	if ms, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
		snap.AcquiredAt = time.UnixMilli(ms)
	}
	snap.HolderIdentity = parts[4]
}
