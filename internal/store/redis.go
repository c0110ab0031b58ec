package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// casScript replaces the value under a key only when the current value
// matches the expected bytes, refreshing the TTL in the same step.
var casScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
    return 1
end
return 0
`)

// cadScript deletes a key only when the current value matches the expected
// bytes. This is the standard owner-checked lock release.
var cadScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// reserveScript implements reset-or-decrement for a windowed counter.
// ARGV: capacity, window (ms), now (ms). Returns {ok, remaining, reset_at}.
var reserveScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local reset_at = tonumber(redis.call('HGET', KEYS[1], 'reset_at'))
local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining'))

if not reset_at or now >= reset_at then
    remaining = capacity
    reset_at = now + window
    redis.call('HSET', KEYS[1], 'remaining', remaining, 'reset_at', reset_at)
    redis.call('PEXPIRE', KEYS[1], window)
end

if remaining > 0 then
    remaining = remaining - 1
    redis.call('HSET', KEYS[1], 'remaining', remaining)
    return {1, remaining, reset_at}
end
return {0, 0, reset_at}
`)

// refundScript increments a windowed counter clamped to capacity. A refund
// against an elapsed window is a no-op since the next reserve resets anyway.
// ARGV: capacity, now (ms). Returns {remaining, reset_at}.
var refundScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local reset_at = tonumber(redis.call('HGET', KEYS[1], 'reset_at'))
if not reset_at or now >= reset_at then
    return {capacity, 0}
end

local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining')) or 0
if remaining < capacity then
    remaining = remaining + 1
    redis.call('HSET', KEYS[1], 'remaining', remaining)
end
return {remaining, reset_at}
`)

// RedisStore implements LockStore and CounterStore on a Redis backend.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
}

// RedisConfig holds configuration for the Redis coordination store.
type RedisConfig struct {
	// Single node configuration
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Cluster configuration
	ClusterAddrs []string `yaml:"cluster_addrs"`

	// Sentinel configuration
	SentinelAddrs  []string `yaml:"sentinel_addrs"`
	SentinelMaster string   `yaml:"sentinel_master"`

	// Common configuration
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		Namespace:    "panelforge",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// NewRedisStore creates a coordination store client and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	var client goredis.UniversalClient

	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:    client,
		namespace: cfg.Namespace,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests that back
// the store with miniredis.
func NewRedisStoreFromClient(client goredis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// SetIfAbsent implements LockStore.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefixKey(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Get implements LockStore.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// CompareAndSwap implements LockStore.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expect, replace []byte, ttl time.Duration) (bool, error) {
	res, err := casScript.Run(ctx, s.client,
		[]string{s.prefixKey(key)}, expect, replace, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas: %w", err)
	}
	return res == 1, nil
}

// CompareAndDelete implements LockStore.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	res, err := cadScript.Run(ctx, s.client, []string{s.prefixKey(key)}, expect).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cad: %w", err)
	}
	return res == 1, nil
}

// Reserve implements CounterStore.
func (s *RedisStore) Reserve(ctx context.Context, key string, capacity int64, window time.Duration, now time.Time) (CounterResult, error) {
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.prefixKey(key)},
		capacity, window.Milliseconds(), now.UnixMilli()).Int64Slice()
	if err != nil {
		return CounterResult{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 3 {
		return CounterResult{}, fmt.Errorf("redis reserve: unexpected result length %d", len(res))
	}
	return CounterResult{
		OK:        res[0] == 1,
		Remaining: res[1],
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}

// Refund implements CounterStore.
func (s *RedisStore) Refund(ctx context.Context, key string, capacity int64, now time.Time) (CounterResult, error) {
	res, err := refundScript.Run(ctx, s.client,
		[]string{s.prefixKey(key)},
		capacity, now.UnixMilli()).Int64Slice()
	if err != nil {
		return CounterResult{}, fmt.Errorf("redis refund: %w", err)
	}
	if len(res) != 2 {
		return CounterResult{}, fmt.Errorf("redis refund: unexpected result length %d", len(res))
	}
	out := CounterResult{OK: true, Remaining: res[0]}
	if res[1] > 0 {
		out.ResetAt = time.UnixMilli(res[1])
	}
	return out, nil
}

// Status implements CounterStore. HMGET reads both fields in one atomic step.
func (s *RedisStore) Status(ctx context.Context, key string, capacity int64, now time.Time) (CounterResult, error) {
	vals, err := s.client.HMGet(ctx, s.prefixKey(key), "remaining", "reset_at").Result()
	if err != nil {
		return CounterResult{}, fmt.Errorf("redis status: %w", err)
	}

	remaining, okRem := parseCounterField(vals[0])
	resetAt, okReset := parseCounterField(vals[1])
	if !okRem || !okReset || now.UnixMilli() >= resetAt {
		// No active window: a fresh reserve would see full capacity.
		return CounterResult{OK: true, Remaining: capacity}, nil
	}

	return CounterResult{
		OK:        true,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(resetAt),
	}, nil
}

func parseCounterField(v any) (int64, bool) {
	str, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Ping checks store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
