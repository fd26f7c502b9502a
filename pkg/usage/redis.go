package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for usage state storage.
const (
	RedisKeyUsage      = "checko:usage"
	RedisKeyLastUpdate = "checko:usage:last_update"
)

// RedisBackend stores usage state in a Redis hash, one JSON encoded record
// per access key. It lets several hosts share the accounting of one key set,
// though only one runner may use a key set at a time.
type RedisBackend struct {
	redis *redis.Client
	key   string
}

// NewRedisBackend creates a backend storing state under RedisKeyUsage.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	return &RedisBackend{
		redis: redisClient,
		key:   RedisKeyUsage,
	}
}

// Load reads every record from the hash.
// Returns ErrNoState if the hash does not exist.
func (b *RedisBackend) Load(ctx context.Context) (map[string]*Record, error) {
	fields, err := b.redis.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoState
	}

	records := make(map[string]*Record, len(fields))
	for key, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("parse usage record: %w", err)
		}
		records[key] = &rec
	}
	return records, nil
}

// Save replaces the hash atomically in a MULTI/EXEC transaction.
func (b *RedisBackend) Save(ctx context.Context, records map[string]*Record) error {
	values := make(map[string]any, len(records))
	for key, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal usage record: %w", err)
		}
		values[key] = data
	}

	lastUpdateJSON, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.key)
		if len(values) > 0 {
			pipe.HSet(ctx, b.key, values)
		}
		pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store usage in redis: %w", err)
	}
	return nil
}

// LastUpdate returns when the state was last saved, or the zero time.
func (b *RedisBackend) LastUpdate(ctx context.Context) (time.Time, error) {
	raw, err := b.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last update: %w", err)
	}

	var t time.Time
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return time.Time{}, fmt.Errorf("parse last update: %w", err)
	}
	return t, nil
}
