package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/models"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "taskflow"

// DeadLetterEntry is a batch the reconciler gave up on.
type DeadLetterEntry struct {
	Records  []models.ChangeRecord `json:"records"`
	Cause    string                `json:"cause"`
	FailedAt time.Time             `json:"failed_at"`
}

// RedisJournal stores pending changes in a list of ids plus a hash of
// encoded records, so acknowledged records can be removed out of order.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds a client from config. It does not dial.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisJournal(client *redis.Client, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisJournal{client: client, prefix: prefix}
}

func (r *RedisJournal) orderKey() string   { return r.prefix + ":outbox:order" }
func (r *RedisJournal) recordsKey() string { return r.prefix + ":outbox:records" }
func (r *RedisJournal) deadKey() string    { return r.prefix + ":deadletter" }
func (r *RedisJournal) rateKey(userID string) string {
	return fmt.Sprintf("%s:rate_limit:%s", r.prefix, userID)
}

func (r *RedisJournal) AppendChange(ctx context.Context, rec models.ChangeRecord) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.orderKey(), 0, rec.ID)
		pipe.RPush(ctx, r.orderKey(), rec.ID)
		pipe.HSet(ctx, r.recordsKey(), rec.ID, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append change to redis: %w", err)
	}
	return nil
}

func (r *RedisJournal) AckChanges(ctx context.Context, ids []string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(ids) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.LRem(ctx, r.orderKey(), 0, id)
		}
		pipe.HDel(ctx, r.recordsKey(), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack changes in redis: %w", err)
	}
	return nil
}

func (r *RedisJournal) PendingChanges(ctx context.Context) ([]models.ChangeRecord, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ids, err := r.client.LRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox order: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, r.recordsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox records: %w", err)
	}

	out := make([]models.ChangeRecord, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// order entry without a record; the ack raced a crash
			continue
		}
		var rec models.ChangeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisJournal) ClearChanges(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.orderKey(), r.recordsKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}

func (r *RedisJournal) PushDeadLetter(ctx context.Context, records []models.ChangeRecord, cause string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(DeadLetterEntry{Records: records, Cause: cause, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := r.client.RPush(ctx, r.deadKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns the failed batches, oldest first.
func (r *RedisJournal) DeadLetters(ctx context.Context) ([]DeadLetterEntry, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	raws, err := r.client.LRange(ctx, r.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *RedisJournal) CheckRateLimit(ctx context.Context, userID string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := r.rateKey(userID)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		r.client.Expire(ctx, key, window)
	}

	return count <= int64(limit), nil
}

// Ping checks the connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the client.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
