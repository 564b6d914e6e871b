package redis

import (
	"context"
	"time"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
)

// NoopResultCache is a ResultCache that caches nothing. Used when Redis is
// disabled; every read is a miss and every write succeeds silently.
type NoopResultCache struct{}

// NewNoopResultCache creates a NoopResultCache.
func NewNoopResultCache() *NoopResultCache {
	return &NoopResultCache{}
}

// GetResult always reports a miss.
func (NoopResultCache) GetResult(ctx context.Context, batchCode string, level aggregation.Level, schoolID string) (*aggregation.AggregationResult, error) {
	return nil, aggregation.ErrCacheMiss
}

// SetResult discards the result.
func (NoopResultCache) SetResult(ctx context.Context, result *aggregation.AggregationResult, ttl time.Duration) error {
	return nil
}

// InvalidateBatch removes nothing.
func (NoopResultCache) InvalidateBatch(ctx context.Context, batchCode string) (int, error) {
	return 0, nil
}
