package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/deskbridge/deskbridge/pkg/core"
)

// Redis is the distributed Store. Entries live in a sorted set scored by
// enqueue time with the ULID member breaking ties, so ZRANGE order equals
// FIFO order. Every mutation runs as a Lua script, which Redis executes
// atomically; ClaimTop is the scripted check-and-pop.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var (
	enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
return 1
`)

	withdrawScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[3], ARGV[1])
if not id then
  return 0
end
redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', KEYS[2], id)
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], id)
return 1
`)

	claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
local payload = redis.call('HGET', KEYS[2], id)
local customer = redis.call('HGET', KEYS[4], id)
redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', KEYS[2], id)
redis.call('HDEL', KEYS[4], id)
if customer then
  redis.call('HDEL', KEYS[3], customer)
end
return payload
`)
)

// OpenRedis connects to addr and verifies the connection. prefix namespaces
// all queue keys so several coordinators can share one Redis.
func OpenRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if prefix == "" {
		prefix = "deskbridge"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}, nil
}

func (r *Redis) keys() []string {
	return []string{
		r.prefix + ":queue:pending",
		r.prefix + ":queue:entries",
		r.prefix + ":queue:by_customer",
		r.prefix + ":queue:owner",
	}
}

func (r *Redis) Enqueue(ctx context.Context, customerID, contextRef string) (Entry, error) {
	entry := Entry{
		ID:         ulid.Make().String(),
		CustomerID: customerID,
		ContextRef: contextRef,
		EnqueuedAt: r.now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal queue entry: %w", err)
	}

	score := entry.EnqueuedAt.UnixMilli()
	added, err := enqueueScript.Run(ctx, r.client, r.keys(), entry.ID, customerID, score, payload).Int()
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", customerID, err)
	}
	if added == 0 {
		return Entry{}, core.ErrAlreadyQueued
	}
	return entry, nil
}

func (r *Redis) Withdraw(ctx context.Context, customerID string) (bool, error) {
	removed, err := withdrawScript.Run(ctx, r.client, r.keys(), customerID).Int()
	if err != nil {
		return false, fmt.Errorf("withdraw %s: %w", customerID, err)
	}
	return removed == 1, nil
}

func (r *Redis) ClaimTop(ctx context.Context) (Entry, error) {
	raw, err := claimScript.Run(ctx, r.client, r.keys()).Text()
	if err == redis.Nil {
		return Entry{}, core.ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("claim top: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("decode claimed entry: %w", err)
	}
	return entry, nil
}

func (r *Redis) PeekCount(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.keys()[0]).Result()
	if err != nil {
		return 0, fmt.Errorf("queue count: %w", err)
	}
	return int(n), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
