package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript 在 Redis 侧原子比较 version 并整体替换状态哈希。
var casScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if v ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1],
	'state', ARGV[2],
	'failures', ARGV[3],
	'transitioned_at', ARGV[4],
	'half_open_calls', ARGV[5],
	'version', v + 1)
return 1
`)

// RedisStateStore 基于 Redis 的共享状态存储，适用于多实例部署。
type RedisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStateStore 创建 Redis 状态存储
func NewRedisStateStore(client redis.UniversalClient, keyPrefix string) *RedisStateStore {
	if keyPrefix == "" {
		keyPrefix = "chimera:"
	}
	return &RedisStateStore{
		client:    client,
		keyPrefix: keyPrefix + "breaker:",
	}
}

func (s *RedisStateStore) key(name string) string {
	return s.keyPrefix + name
}

// Load 实现 StateStore.Load
func (s *RedisStateStore) Load(ctx context.Context, name string) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load breaker state %s: %w", name, err)
	}
	if len(fields) == 0 {
		return Snapshot{}, nil
	}

	var snap Snapshot
	state, _ := strconv.Atoi(fields["state"])
	snap.State = State(state)
	snap.Failures, _ = strconv.Atoi(fields["failures"])
	snap.HalfOpenCalls, _ = strconv.Atoi(fields["half_open_calls"])
	snap.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	if ts, _ := strconv.ParseInt(fields["transitioned_at"], 10, 64); ts > 0 {
		snap.TransitionedAt = time.Unix(0, ts)
	}
	return snap, nil
}

// CompareAndSwap 实现 StateStore.CompareAndSwap
func (s *RedisStateStore) CompareAndSwap(ctx context.Context, name string, expected int64, next Snapshot) (bool, error) {
	var ts int64
	if !next.TransitionedAt.IsZero() {
		ts = next.TransitionedAt.UnixNano()
	}
	n, err := casScript.Run(ctx, s.client, []string{s.key(name)},
		expected,
		int(next.State),
		next.Failures,
		ts,
		next.HalfOpenCalls,
	).Int()
	if err != nil {
		return false, fmt.Errorf("swap breaker state %s: %w", name, err)
	}
	return n == 1, nil
}
