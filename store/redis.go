package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries the connection settings for the production store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// PoolSize 0 lets the client default (10 per CPU).
	PoolSize int
}

type redisStore struct {
	rdb *redis.Client
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (r *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, normalizeTTL(ttl)).Err()
}

func (r *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, normalizeTTL(ttl)).Result()
}

func (r *redisStore) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *redisStore) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (r *redisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.rdb.HSet(ctx, key, flatten(fields)...).Err()
}

func (r *redisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (r *redisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	return r.rdb.HSetNX(ctx, key, field, value).Result()
}

func (r *redisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return r.rdb.HDel(ctx, key, fields...).Err()
}

func (r *redisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return r.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (r *redisStore) SRem(ctx context.Context, key string, members ...string) error {
	return r.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (r *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.rdb.SMembers(ctx, key).Result()
}

func (r *redisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.rdb.SIsMember(ctx, key, member).Result()
}

func (r *redisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *redisStore) ZRem(ctx context.Context, key string, members ...string) error {
	return r.rdb.ZRem(ctx, key, toAny(members)...).Err()
}

func (r *redisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (r *redisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return r.rdb.ZRemRangeByRank(ctx, key, start, stop).Err()
}

func (r *redisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return r.rdb.ZCard(ctx, key).Result()
}

func (r *redisStore) LPush(ctx context.Context, key string, values ...string) error {
	return r.rdb.LPush(ctx, key, toAny(values)...).Err()
}

func (r *redisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.rdb.LTrim(ctx, key, start, stop).Err()
}

func (r *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, start, stop).Result()
}

func (r *redisStore) LLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

func (r *redisStore) Eval(ctx context.Context, script string, keys, args []string) (int64, error) {
	res, err := r.rdb.Eval(ctx, script, keys, toAny(args)...).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (r *redisStore) Pipeline() Pipe {
	return &redisPipe{pipe: r.rdb.Pipeline()}
}

func (r *redisStore) Close() error {
	return r.rdb.Close()
}

type redisPipe struct {
	pipe redis.Pipeliner
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, normalizeTTL(ttl))
}

func (p *redisPipe) Del(keys ...string) {
	p.pipe.Del(context.Background(), keys...)
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *redisPipe) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	p.pipe.HSet(context.Background(), key, flatten(fields)...)
}

func (p *redisPipe) HDel(key string, fields ...string) {
	p.pipe.HDel(context.Background(), key, fields...)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	p.pipe.SAdd(context.Background(), key, toAny(members)...)
}

func (p *redisPipe) SRem(key string, members ...string) {
	p.pipe.SRem(context.Background(), key, toAny(members)...)
}

func (p *redisPipe) ZAdd(key string, score float64, member string) {
	p.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (p *redisPipe) ZRem(key string, members ...string) {
	p.pipe.ZRem(context.Background(), key, toAny(members)...)
}

func (p *redisPipe) ZRemRangeByRank(key string, start, stop int64) {
	p.pipe.ZRemRangeByRank(context.Background(), key, start, stop)
}

func (p *redisPipe) LPush(key string, values ...string) {
	p.pipe.LPush(context.Background(), key, toAny(values)...)
}

func (p *redisPipe) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *redisPipe) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}

func flatten(fields map[string]string) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func formatScore(f float64) string {
	if math.IsInf(f, 1) {
		return "+inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}
