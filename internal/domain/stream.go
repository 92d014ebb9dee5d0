package domain

import "context"

// Stream is the durable, ordered, at-least-once queue. A record is
// not removed until acknowledged; on consumer crash its record must be
// redelivered to a live consumer after a visibility timeout.
type Stream interface {
	// Append adds a record to the stream, returning its assigned id.
	Append(ctx context.Context, key string, payload []byte) (string, error)

	// ConsumeGroup reads up to maxBatch undelivered (or timed-out pending)
	// records for a consumer within a group, blocking up to blockMs when
	// none are immediately available.
	ConsumeGroup(ctx context.Context, key, group, consumer string, maxBatch int, blockMs int) ([]StreamEntry, error)

	// Ack acknowledges a record, removing it from the group's pending set.
	Ack(ctx context.Context, key, group, id string) error

	// PendingCount reports the number of unacknowledged records
	// outstanding for a group — the backpressure high-water signal.
	PendingCount(ctx context.Context, key, group string) (int64, error)

	Close() error
}

// StreamEntry is a single delivered record with its stream-assigned id.
type StreamEntry struct {
	ID      string
	Payload []byte
}

// StreamConfig holds configuration for stream adapter initialization.
type StreamConfig struct {
	// Type is the stream backing: "memory" or "redis".
	Type string

	Key   string
	Group string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// VisibilityTimeoutMs governs redelivery of unacknowledged records
	// by the in-process stream. The Redis stream does not read it; it
	// reclaims entries that have been idle for 30 seconds.
	VisibilityTimeoutMs int64
}
