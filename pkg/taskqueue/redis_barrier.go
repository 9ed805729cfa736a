// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface verification
var _ Barrier = (*RedisBarrier)(nil)

// RedisBarrier is a Barrier shared by every worker process. Each group lives
// in three keys that share a hash tag:
//
//	<prefix>{<group>}:meta      hash: total, callback
//	<prefix>{<group>}:members   set of member task IDs
//	<prefix>{<group>}:arrivals  hash: task ID -> Arrival JSON
//
// Keys expire KeyTTL after the last registration or arrival, so abandoned
// groups do not accumulate.
type RedisBarrier struct {
	client *redis.Client
	config RedisBarrierConfig
}

// RedisBarrierConfig configures the Redis barrier.
type RedisBarrierConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`

	KeyPrefix string        `mapstructure:"key_prefix"`
	KeyTTL    time.Duration `mapstructure:"key_ttl"`
}

// DefaultRedisBarrierConfig returns sensible defaults.
func DefaultRedisBarrierConfig() RedisBarrierConfig {
	return RedisBarrierConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "s3fanout:barrier:",
		KeyTTL:    24 * time.Hour,
	}
}

// NewRedisBarrier connects to Redis and returns a barrier.
func NewRedisBarrier(cfg RedisBarrierConfig) (*RedisBarrier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisBarrierWithClient(client, cfg), nil
}

// NewRedisBarrierWithClient creates a barrier on an existing client.
func NewRedisBarrierWithClient(client *redis.Client, cfg RedisBarrierConfig) *RedisBarrier {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisBarrierConfig().KeyPrefix
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = DefaultRedisBarrierConfig().KeyTTL
	}
	return &RedisBarrier{client: client, config: cfg}
}

func (b *RedisBarrier) keys(groupID string) []string {
	base := b.config.KeyPrefix + "{" + groupID + "}:"
	return []string{base + "meta", base + "members", base + "arrivals"}
}

func (b *RedisBarrier) ttlSeconds() int64 {
	return max(int64(b.config.KeyTTL.Seconds()), 1)
}

// registerScript creates the group if absent.
// Returns 1 if the group exists with the given members, 0 on mismatch.
var registerScript = redis.NewScript(`
local meta, members = KEYS[1], KEYS[2]
local total = tonumber(ARGV[1])
local callback = ARGV[2]
local ttl = tonumber(ARGV[3])

if redis.call("HSETNX", meta, "total", total) == 1 then
  redis.call("HSET", meta, "callback", callback)
  for i = 4, #ARGV do
    redis.call("SADD", members, ARGV[i])
  end
else
  if tonumber(redis.call("HGET", meta, "total")) ~= total then
    return 0
  end
  for i = 4, #ARGV do
    if redis.call("SISMEMBER", members, ARGV[i]) == 0 then
      return 0
    end
  end
end

redis.call("EXPIRE", meta, ttl)
redis.call("EXPIRE", members, ttl)
return 1
`)

// arriveScript records an arrival and refreshes the TTL of every group key,
// so a group outlives KeyTTL as long as its members keep arriving.
// Returns {arrived, callback}; callback is empty until all members have
// arrived. arrived is -1 for an unknown group and -2 for a non-member.
var arriveScript = redis.NewScript(`
local meta, members, arrivals = KEYS[1], KEYS[2], KEYS[3]
local task_id, arrival = ARGV[1], ARGV[2]
local ttl = tonumber(ARGV[3])

local total = redis.call("HGET", meta, "total")
if not total then
  return {-1, ""}
end
if redis.call("SISMEMBER", members, task_id) == 0 then
  return {-2, ""}
end

redis.call("HSET", arrivals, task_id, arrival)
redis.call("EXPIRE", meta, ttl)
redis.call("EXPIRE", members, ttl)
redis.call("EXPIRE", arrivals, ttl)

local arrived = redis.call("HLEN", arrivals)
if arrived >= tonumber(total) then
  return {arrived, redis.call("HGET", meta, "callback")}
end
return {arrived, ""}
`)

func (b *RedisBarrier) Register(ctx context.Context, group GroupSpec) error {
	members := memberSet(group.Members)

	callback := ""
	if group.Callback != nil {
		raw, err := json.Marshal(group.Callback)
		if err != nil {
			return fmt.Errorf("marshal callback: %w", err)
		}
		callback = string(raw)
	}

	args := make([]any, 0, 3+len(members))
	args = append(args, len(members), callback, b.ttlSeconds())
	for _, m := range members {
		args = append(args, m)
	}

	ok, err := registerScript.Run(ctx, b.client, b.keys(group.ID)[:2], args...).Int64()
	if err != nil {
		return fmt.Errorf("register group %s: %w", group.ID, err)
	}
	if ok != 1 {
		return fmt.Errorf("%w: %s", ErrGroupMismatch, group.ID)
	}
	return nil
}

func (b *RedisBarrier) Arrive(ctx context.Context, groupID string, arrival Arrival) (*Task, error) {
	raw, err := json.Marshal(arrival)
	if err != nil {
		return nil, fmt.Errorf("marshal arrival: %w", err)
	}

	res, err := arriveScript.Run(ctx, b.client, b.keys(groupID), arrival.TaskID, string(raw), b.ttlSeconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("arrive %s: %w", groupID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("arrive %s: unexpected reply %v", groupID, res)
	}

	arrived, _ := res[0].(int64)
	switch arrived {
	case -1:
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	case -2:
		return nil, fmt.Errorf("%w: %s not in %s", ErrNotMember, arrival.TaskID, groupID)
	}

	callback, _ := res[1].(string)
	if callback == "" {
		return nil, nil
	}
	var task Task
	if err := json.Unmarshal([]byte(callback), &task); err != nil {
		return nil, fmt.Errorf("decode callback for %s: %w", groupID, err)
	}
	return &task, nil
}

func (b *RedisBarrier) Arrivals(ctx context.Context, groupID string) ([]Arrival, error) {
	keys := b.keys(groupID)

	exists, err := b.client.Exists(ctx, keys[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("arrivals %s: %w", groupID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	raw, err := b.client.HGetAll(ctx, keys[2]).Result()
	if err != nil {
		return nil, fmt.Errorf("arrivals %s: %w", groupID, err)
	}

	out := make([]Arrival, 0, len(raw))
	for taskID, v := range raw {
		var a Arrival
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode arrival %s: %w", taskID, err)
		}
		out = append(out, a)
	}
	sortArrivals(out)
	return out, nil
}

func (b *RedisBarrier) Forget(ctx context.Context, groupID string) error {
	if err := b.client.Del(ctx, b.keys(groupID)...).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", groupID, err)
	}
	return nil
}

// Close closes the Redis client.
func (b *RedisBarrier) Close() error {
	return b.client.Close()
}
