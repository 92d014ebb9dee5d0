package stream

import (
	"fmt"
	"time"

	"github.com/opensource-finance/fraudscope/internal/domain"
)

// New creates a stream adapter based on configuration. For the
// standalone tier it returns a MemoryStream; for the clustered tier it
// returns a RedisStream.
func New(cfg domain.StreamConfig) (domain.Stream, error) {
	switch cfg.Type {
	case "memory":
		vt := time.Duration(cfg.VisibilityTimeoutMs) * time.Millisecond
		return NewMemoryStream(vt), nil

	case "redis":
		return NewRedisStream(cfg)

	default:
		return nil, fmt.Errorf("unsupported stream type: %s", cfg.Type)
	}
}
