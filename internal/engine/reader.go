package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESULT READER
// ══════════════════════════════════════════════════════════════════════════════

// Reader serves result queries cache-aside: the cache is tried first, and a
// miss or any cache failure falls back to the repository. The repository is
// the source of truth; the cache can only make reads cheaper, never wrong.
type Reader struct {
	repo   aggregation.Repository
	cache  aggregation.ResultCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewReader creates a Reader.
func NewReader(repo aggregation.Repository, cache aggregation.ResultCache, ttl time.Duration, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

// Result returns the latest result for a key. schoolID is empty for the
// regional result. Repository reads taken on a cache miss are cached for the
// next caller.
func (r *Reader) Result(ctx context.Context, batchCode string, level aggregation.Level, schoolID string) (*aggregation.AggregationResult, error) {
	if result, err := r.cache.GetResult(ctx, batchCode, level, schoolID); err == nil {
		return result, nil
	}

	result, err := r.repo.Get(ctx, batchCode, level, schoolID)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SetResult(ctx, result, r.ttl); err != nil {
		r.logger.Warn("caching result after fallback failed", "key", result.Key(), "error", err)
	}
	return result, nil
}
