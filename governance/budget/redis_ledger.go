package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript 原子地检查上限并累加。ARGV[2] < 0 表示不检查上限。
var incrementScript = redis.NewScript(`
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local amount = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
if ceiling >= 0 and spent + amount > ceiling then
	return {0, spent, count}
end
spent = redis.call('HINCRBY', KEYS[1], 'spent', amount)
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, spent, count}
`)

// RedisLedgerStore 基于 Redis 的账本，适用于多实例部署
type RedisLedgerStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisLedgerStore 创建 Redis 账本。键在最后一次写入后保留 ttl（默认 72h）。
func NewRedisLedgerStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLedgerStore {
	if keyPrefix == "" {
		keyPrefix = "chimera:"
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisLedgerStore{
		client:    client,
		keyPrefix: keyPrefix + "ledger:",
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *RedisLedgerStore) key(actorID, date string) string {
	return s.keyPrefix + actorID + ":" + date
}

func (s *RedisLedgerStore) run(ctx context.Context, actorID, date string, amount, ceiling Amount) (LedgerEntry, bool, error) {
	now := s.now()
	res, err := incrementScript.Run(ctx, s.client, []string{s.key(actorID, date)},
		int64(amount),
		int64(ceiling),
		int64(s.ttl/time.Second),
		now.UnixNano(),
	).Int64Slice()
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("ledger increment %s/%s: %w", actorID, date, err)
	}
	if len(res) != 3 {
		return LedgerEntry{}, false, fmt.Errorf("ledger increment %s/%s: unexpected reply %v", actorID, date, res)
	}
	entry := LedgerEntry{
		ActorID: actorID,
		Date:    date,
		Spent:   Amount(res[1]),
		Count:   res[2],
	}
	ok := res[0] == 1
	if ok {
		entry.UpdatedAt = now
	}
	return entry, ok, nil
}

// IncrementWithCeiling 实现 LedgerStore.IncrementWithCeiling
func (s *RedisLedgerStore) IncrementWithCeiling(ctx context.Context, actorID, date string, amount, ceiling Amount) (LedgerEntry, bool, error) {
	if ceiling < 0 {
		entry, err := s.Get(ctx, actorID, date)
		return entry, false, err
	}
	return s.run(ctx, actorID, date, amount, ceiling)
}

// Increment 实现 LedgerStore.Increment
func (s *RedisLedgerStore) Increment(ctx context.Context, actorID, date string, amount Amount) (LedgerEntry, error) {
	entry, _, err := s.run(ctx, actorID, date, amount, -1)
	return entry, err
}

// Get 实现 LedgerStore.Get
func (s *RedisLedgerStore) Get(ctx context.Context, actorID, date string) (LedgerEntry, error) {
	vals, err := s.client.HMGet(ctx, s.key(actorID, date), "spent", "count", "updated_at").Result()
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger get %s/%s: %w", actorID, date, err)
	}
	entry := LedgerEntry{ActorID: actorID, Date: date}
	entry.Spent = Amount(parseInt(vals[0]))
	entry.Count = parseInt(vals[1])
	if ts := parseInt(vals[2]); ts > 0 {
		entry.UpdatedAt = time.Unix(0, ts)
	}
	return entry, nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// RedisSuspensionStore 挂起登记存放在一个 hash 中，字段为主体 ID。
// 不设过期时间，只有 Resume 能解除。
type RedisSuspensionStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSuspensionStore 创建 Redis 挂起登记
func NewRedisSuspensionStore(client redis.UniversalClient, keyPrefix string) *RedisSuspensionStore {
	if keyPrefix == "" {
		keyPrefix = "chimera:"
	}
	return &RedisSuspensionStore{client: client, key: keyPrefix + "suspended"}
}

// Suspend 实现 SuspensionStore.Suspend
func (s *RedisSuspensionStore) Suspend(ctx context.Context, actorID, reason string, at time.Time) (bool, error) {
	b, err := json.Marshal(Suspension{ActorID: actorID, Reason: reason, SuspendedAt: at})
	if err != nil {
		return false, err
	}
	added, err := s.client.HSetNX(ctx, s.key, actorID, b).Result()
	if err != nil {
		return false, fmt.Errorf("suspend %s: %w", actorID, err)
	}
	return added, nil
}

// Resume 实现 SuspensionStore.Resume
func (s *RedisSuspensionStore) Resume(ctx context.Context, actorID string) (bool, error) {
	n, err := s.client.HDel(ctx, s.key, actorID).Result()
	if err != nil {
		return false, fmt.Errorf("resume %s: %w", actorID, err)
	}
	return n > 0, nil
}

// Get 实现 SuspensionStore.Get
func (s *RedisSuspensionStore) Get(ctx context.Context, actorID string) (Suspension, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, actorID).Result()
	if errors.Is(err, redis.Nil) {
		return Suspension{}, false, nil
	}
	if err != nil {
		return Suspension{}, false, fmt.Errorf("suspension get %s: %w", actorID, err)
	}
	var sus Suspension
	if err := json.Unmarshal([]byte(raw), &sus); err != nil {
		return Suspension{}, false, fmt.Errorf("suspension decode %s: %w", actorID, err)
	}
	return sus, true, nil
}

// List 实现 SuspensionStore.List
func (s *RedisSuspensionStore) List(ctx context.Context) ([]Suspension, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("suspension list: %w", err)
	}
	out := make([]Suspension, 0, len(all))
	for id, raw := range all {
		var sus Suspension
		if err := json.Unmarshal([]byte(raw), &sus); err != nil {
			return nil, fmt.Errorf("suspension decode %s: %w", id, err)
		}
		out = append(out, sus)
	}
	sortSuspensions(out)
	return out, nil
}
