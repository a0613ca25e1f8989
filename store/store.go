// Package store is the engine's durable state boundary: a key/value store
// with hash, set, sorted-set and list primitives, pipelined batch writes,
// and short-TTL leased locks released through a scripted compare-and-del.
// The production implementation runs on Redis; an in-memory implementation
// backs unit tests and dev mode.
package store

import (
	"context"
	"time"
)

// Store is the durable store contract. Every mutation the engine performs
// flows through this interface; nothing else talks to Redis.
type Store interface {
	// Scalars. Get returns ErrNotFound for missing keys; ttl <= 0 means no
	// expiry.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes. HGetAll returns an empty map for missing keys.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets. Scores are float64 index scores (see fixedpoint.Score).
	// Min/max follow Redis semantics with +-Inf accepted.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Lists.
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Eval runs the lock-release compare-and-del script atomically.
	Eval(ctx context.Context, script string, keys, args []string) (int64, error)

	// Pipeline returns a write-only batch executed in one round trip.
	Pipeline() Pipe

	Close() error
}

// Pipe buffers writes for a single batched round trip. Pipes are not safe
// for concurrent use.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	ZRemRangeByRank(key string, start, stop int64)
	LPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	Exec(ctx context.Context) error
}

// UnlockScript is the compare-and-del used to release lease locks: delete
// the key only while it still holds the caller's token.
const UnlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
