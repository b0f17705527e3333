package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores ledger events in a Redis sorted set keyed by ts_ns
// (for ordering) with each member's payload kept in a parallel hash.
type RedisBackend struct {
	client  *redis.Client
	keyZset string
	keyHash string
}

// NewRedisBackend returns a ledger backend over an existing Redis client,
// namespacing its keys under prefix (e.g. "odin:ledger").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "odin:ledger"
	}
	return &RedisBackend{
		client:  client,
		keyZset: prefix + ":index",
		keyHash: prefix + ":events",
	}
}

func (b *RedisBackend) Append(ctx context.Context, e Event) (Event, error) {
	seq, err := b.client.Incr(ctx, b.keyHash+":seq").Result()
	if err != nil {
		return Event{}, fmt.Errorf("ledger: seq incr failed: %w", err)
	}
	e.seq = uint64(seq)

	data, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}
	member := fmt.Sprintf("%020d", seq)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.keyHash, member, data)
	pipe.ZAdd(ctx, b.keyZset, redis.Z{Score: float64(e.TsNs), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return Event{}, fmt.Errorf("ledger: append pipeline failed: %w", err)
	}
	return e, nil
}

func (b *RedisBackend) List(ctx context.Context, limit int) ([]Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := b.client.ZRevRange(ctx, b.keyZset, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: zrevrange failed: %w", err)
	}
	return b.loadMembers(ctx, members)
}

func (b *RedisBackend) Query(ctx context.Context, f Filters) ([]Event, error) {
	zrangeArgs := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.SinceNs != 0 {
		zrangeArgs.Min = fmt.Sprintf("%d", f.SinceNs)
	}
	members, err := b.client.ZRevRangeByScore(ctx, b.keyZset, zrangeArgs).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: zrevrangebyscore failed: %w", err)
	}
	events, err := b.loadMembers(ctx, members)
	if err != nil {
		return nil, err
	}

	var matched []Event
	for _, e := range events {
		if f.Map != "" && e.Map != f.Map {
			continue
		}
		if f.CIDPrefix != "" && !hasCIDPrefix(e, f.CIDPrefix) {
			continue
		}
		matched = append(matched, e)
	}
	return matched, nil
}

func (b *RedisBackend) loadMembers(ctx context.Context, members []string) ([]Event, error) {
	if len(members) == 0 {
		return nil, nil
	}
	raw, err := b.client.HMGet(ctx, b.keyHash, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: hmget failed: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

var _ Backend = (*RedisBackend)(nil)
