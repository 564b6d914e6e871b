package aggregation

import (
	"context"
	"errors"
	"time"

	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
)

// Aggregation domain errors.
var (
	// ErrResultNotFound is returned when no result exists for a key.
	ErrResultNotFound = shared.NewDomainError("aggregation", "Get", shared.ErrNotFound, "aggregation result not found")

	// ErrCacheMiss is returned by ResultCache implementations when a key is
	// absent. Any other cache error must be treated as a miss by callers.
	ErrCacheMiss = errors.New("aggregation: cache miss")
)

// BatchSummary describes the persisted state of one batch across levels.
type BatchSummary struct {
	BatchCode        string
	HasRegional      bool
	RegionalStatus   Status
	SchoolTotal      int
	SchoolCompleted  int
	SchoolFailed     int
	SchoolProcessing int
	LastUpdatedAt    time.Time
}

// Repository persists versioned aggregation results with append-only history.
type Repository interface {
	// Upsert writes a result, keeping exactly one row per
	// (batch_code, level, school_id). On update the prior snapshot is
	// recorded as a HistoryEntry; a history-write failure is logged but
	// never aborts the primary write. Upserting an identical result is a
	// no-op and produces no new history entry.
	Upsert(ctx context.Context, result *AggregationResult) error

	// Get returns the latest version for a key, or ErrResultNotFound.
	// schoolID must be empty for LevelRegional.
	Get(ctx context.Context, batchCode string, level Level, schoolID string) (*AggregationResult, error)

	// UpdateStatus applies a monotonic status transition to a result.
	// Returns shared.ErrStateTransition on an illegal transition.
	UpdateStatus(ctx context.Context, batchCode string, level Level, schoolID string, status Status, reason string) error

	// UpdateBatchCounts writes the fan-out success/failure counts onto the
	// regional result of a batch during the merge stage.
	UpdateBatchCounts(ctx context.Context, batchCode string, total, succeeded, failed int) error

	// GetBatchSummary returns per-level counts and status for a batch.
	GetBatchSummary(ctx context.Context, batchCode string) (*BatchSummary, error)

	// GetHistory returns the most recent history entries for an aggregation,
	// newest first.
	GetHistory(ctx context.Context, aggregationID string, limit int) ([]HistoryEntry, error)

	// DeleteBatch removes all results for a batch and records deletion
	// history. Returns the number of rows removed.
	DeleteBatch(ctx context.Context, batchCode string, reason string) (int64, error)

	// GetRecent returns recently updated results, newest first.
	GetRecent(ctx context.Context, limit int) ([]*AggregationResult, error)
}

// ResultCache is the TTL-keyed cache of computed results.
//
// Cache-aside only: a miss or any cache failure must fall back to a
// repository read; implementations degrade, they never hard-fail callers.
type ResultCache interface {
	// GetResult returns a cached result or ErrCacheMiss.
	GetResult(ctx context.Context, batchCode string, level Level, schoolID string) (*AggregationResult, error)

	// SetResult caches a result under its (batch, level, school) key.
	SetResult(ctx context.Context, result *AggregationResult, ttl time.Duration) error

	// InvalidateBatch synchronously removes every key under a batch:
	// regional, all schools, and derived query caches. Returns the number
	// of keys removed.
	InvalidateBatch(ctx context.Context, batchCode string) (int, error)
}
