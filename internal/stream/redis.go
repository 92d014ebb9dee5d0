package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// RedisStream implements domain.Stream over Redis Streams for the
// clustered tier, grounded in the same go-redis/v9 client the cache
// package uses. Consumer groups, per-record acknowledgement and
// pending-entry visibility are native to the Streams data type, so this
// adapter is a thin translation rather than a hand-rolled protocol.
type RedisStream struct {
	client *redis.Client
}

// NewRedisStream connects to Redis and ensures the consumer group exists
// for the configured stream key, creating the stream if necessary.
func NewRedisStream(cfg domain.StreamConfig) (*RedisStream, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if cfg.Key != "" && cfg.Group != "" {
		err := client.XGroupCreateMkStream(ctx, cfg.Key, cfg.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	return &RedisStream{client: client}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && (errors.Is(err, redis.Nil) || contains(err.Error(), "BUSYGROUP"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Append adds a record to the stream, returning its assigned id.
func (s *RedisStream) Append(ctx context.Context, key string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"payload": payload},
	}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

// ConsumeGroup first claims any pending entries idle for 30 seconds or
// more, then reads fresh entries, blocking up to blockMs when neither is
// available.
func (s *RedisStream) ConsumeGroup(ctx context.Context, key, group, consumer string, maxBatch int, blockMs int) ([]domain.StreamEntry, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	claimed, err := s.claimStale(ctx, key, group, consumer, int64(maxBatch))
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	// A negative Block omits BLOCK from XREADGROUP; zero would block
	// indefinitely.
	block := time.Duration(blockMs) * time.Millisecond
	if blockMs <= 0 {
		block = -1
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    int64(maxBatch),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []domain.StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, toEntry(msg))
		}
	}
	return out, nil
}

func (s *RedisStream) claimStale(ctx context.Context, key, group, consumer string, count int64) ([]domain.StreamEntry, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= 30*time.Second {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  30 * time.Second,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, toEntry(msg))
	}
	return out, nil
}

func toEntry(msg redis.XMessage) domain.StreamEntry {
	var payload []byte
	if v, ok := msg.Values["payload"]; ok {
		switch p := v.(type) {
		case string:
			payload = []byte(p)
		case []byte:
			payload = p
		}
	}
	return domain.StreamEntry{ID: msg.ID, Payload: payload}
}

// Ack acknowledges a record, removing it from the group's pending set.
func (s *RedisStream) Ack(ctx context.Context, key, group, id string) error {
	return s.client.XAck(ctx, key, group, id).Err()
}

// PendingCount reports the number of unacknowledged records outstanding
// for a group.
func (s *RedisStream) PendingCount(ctx context.Context, key, group string) (int64, error) {
	summary, err := s.client.XPending(ctx, key, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return summary.Count, nil
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}
