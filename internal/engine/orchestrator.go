// Package engine implements the aggregation orchestrator: it drives one
// batch computation through its state machine, computing the regional result
// first and then fanning out per-school computation to a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/assessment"
	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
	"github.com/edustats-hub/assessment-hub/internal/statistics"
	"github.com/edustats-hub/assessment-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// STAGES
// ══════════════════════════════════════════════════════════════════════════════

// Stage is one state of the orchestration state machine.
type Stage string

const (
	StageIdle                Stage = "IDLE"
	StageFetching            Stage = "FETCHING"
	StageCalculatingRegional Stage = "CALCULATING_REGIONAL"
	StageCalculatingSchools  Stage = "CALCULATING_SCHOOLS"
	StageMerging             Stage = "MERGING"
	StageDone                Stage = "DONE"
	StagePartial             Stage = "PARTIAL"
	StageFailed              Stage = "FAILED"
)

// ProgressFunc receives stage transitions and per-stage completion counts.
type ProgressFunc func(stage Stage, completed, total int)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config enumerates the orchestration knobs.
type Config struct {
	// WorkerPoolSize bounds concurrent per-school computations.
	WorkerPoolSize int

	// BadRowThreshold is the tolerated share of malformed rows (0-1).
	// Exceeding it fails the batch.
	BadRowThreshold float64

	// DefaultMaxScore is used when rows carry no positive max score.
	DefaultMaxScore float64

	// DimensionFallbackMaxScore is used for dimensions missing from the
	// per-batch dimension max-score table.
	DimensionFallbackMaxScore float64

	// Percentiles lists the percentile points to compute.
	Percentiles []int

	// CacheTTL is the TTL applied to cached results.
	CacheTTL time.Duration

	// PersistMaxAttempts bounds retries of repository writes.
	PersistMaxAttempts int
}

// DefaultConfig returns sensible orchestration defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:            4,
		BadRowThreshold:           0.10,
		DefaultMaxScore:           100,
		DimensionFallbackMaxScore: 100,
		CacheTTL:                  10 * time.Minute,
		PersistMaxAttempts:        3,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTCOME
// ══════════════════════════════════════════════════════════════════════════════

// SchoolFailure records one isolated per-school computation failure.
type SchoolFailure struct {
	SchoolID string
	Reason   string
}

// Outcome summarizes one orchestration run.
type Outcome struct {
	BatchCode string
	Stage     Stage

	TotalRows int
	BadRows   int

	Regional         *aggregation.AggregationResult
	SchoolsSucceeded []string
	SchoolsFailed    []SchoolFailure

	Duration time.Duration
}

// ══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Orchestrator drives batch computations. It is safe for concurrent use across
// distinct batches; per-batch exclusivity is the task manager's job.
type Orchestrator struct {
	source assessment.DataSource
	repo   aggregation.Repository
	cache  aggregation.ResultCache
	cfg    Config
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	source assessment.DataSource,
	repo aggregation.Repository,
	cache aggregation.ResultCache,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	if cfg.DefaultMaxScore <= 0 {
		cfg.DefaultMaxScore = DefaultConfig().DefaultMaxScore
	}
	if cfg.PersistMaxAttempts <= 0 {
		cfg.PersistMaxAttempts = DefaultConfig().PersistMaxAttempts
	}
	return &Orchestrator{source: source, repo: repo, cache: cache, cfg: cfg, logger: logger}
}

// Run executes the full state machine for one batch. It returns the outcome
// together with a fatal error, if any. Per-school failures are recorded in
// the outcome and never returned as errors.
func (o *Orchestrator) Run(ctx context.Context, batchCode string, onProgress ProgressFunc) (*Outcome, error) {
	started := time.Now()
	outcome := &Outcome{BatchCode: batchCode, Stage: StageIdle}
	report := func(stage Stage, completed, total int) {
		outcome.Stage = stage
		if onProgress != nil {
			onProgress(stage, completed, total)
		}
	}
	defer func() { outcome.Duration = time.Since(started) }()

	// ─── FETCHING ────────────────────────────────────────────────────────────
	report(StageFetching, 0, 1)

	rows, err := o.source.FetchScores(ctx, batchCode)
	if err != nil {
		outcome.Stage = StageFailed
		return outcome, shared.WrapError("engine", "Run", shared.ErrPersistence, "fetching cleaned scores failed", err)
	}
	if len(rows) == 0 {
		outcome.Stage = StageFailed
		return outcome, shared.NewDomainError("engine", "Run", shared.ErrDataUnavailable,
			fmt.Sprintf("no cleaned score rows for batch %s", batchCode))
	}

	gradeLevel, err := o.source.GradeLevel(ctx, batchCode)
	if err != nil {
		o.logger.Warn("grade level lookup failed, using secondary tier",
			"batch_code", batchCode, "error", err)
		gradeLevel = assessment.GradeSecondary
	}

	valid, bad := o.validateRows(batchCode, rows)
	outcome.TotalRows = len(rows)
	outcome.BadRows = bad
	if threshold := o.cfg.BadRowThreshold; threshold > 0 {
		if share := float64(bad) / float64(len(rows)); share > threshold {
			outcome.Stage = StageFailed
			return outcome, shared.NewDomainError("engine", "Run", shared.ErrValidation,
				fmt.Sprintf("bad row share %.2f exceeds threshold %.2f (%d of %d rows)",
					share, threshold, bad, len(rows)))
		}
	}
	if len(valid) == 0 {
		outcome.Stage = StageFailed
		return outcome, shared.NewDomainError("engine", "Run", shared.ErrDataUnavailable,
			fmt.Sprintf("all %d rows for batch %s are malformed", len(rows), batchCode))
	}
	report(StageFetching, 1, 1)

	if err := ctx.Err(); err != nil {
		return o.cancelled(ctx, outcome)
	}

	// ─── CALCULATING_REGIONAL ────────────────────────────────────────────────
	report(StageCalculatingRegional, 0, 1)

	skeleton := o.newResult(batchCode, aggregation.LevelRegional, "", len(valid), bad)
	skeleton.Status = aggregation.StatusProcessing
	if err := o.persist(ctx, skeleton); err != nil {
		outcome.Stage = StageFailed
		return outcome, shared.WrapError("engine", "Run", shared.ErrPersistence, "writing regional placeholder failed", err)
	}

	regional := o.computeResult(ctx, batchCode, aggregation.LevelRegional, "", valid, gradeLevel, started)
	regional.ID = skeleton.ID
	regional.BadRows = bad
	if err := o.persist(ctx, regional); err != nil {
		o.markRegionalFailed(batchCode, err.Error())
		outcome.Stage = StageFailed
		return outcome, shared.WrapError("engine", "Run", shared.ErrPersistence, "persisting regional result failed", err)
	}
	outcome.Regional = regional

	// Stale entries must be gone before any subsequent read. If invalidation
	// keeps failing, caching is skipped for the whole batch: a fresh key must
	// never coexist with stale ones from a prior version.
	cacheable := o.invalidateCache(ctx, batchCode)
	if cacheable {
		o.cacheResult(ctx, regional)
	}

	report(StageCalculatingRegional, 1, 1)

	if err := ctx.Err(); err != nil {
		return o.cancelled(ctx, outcome)
	}

	// ─── CALCULATING_SCHOOLS ─────────────────────────────────────────────────
	bySchool := partitionBySchool(valid)
	schoolIDs := sortedKeys(bySchool)
	totalSchools := len(schoolIDs)
	report(StageCalculatingSchools, 0, totalSchools)

	var (
		mu        sync.Mutex
		completed int
	)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.WorkerPoolSize)

	for _, schoolID := range schoolIDs {
		schoolID := schoolID
		schoolRows := bySchool[schoolID]
		g.Go(func() error {
			// Cooperative cancellation boundary: schools not yet started
			// are skipped; finished schools keep their committed results.
			if ctx.Err() != nil {
				return nil
			}

			failure := o.runSchool(ctx, batchCode, schoolID, schoolRows, gradeLevel, cacheable)

			mu.Lock()
			defer mu.Unlock()
			if failure != nil {
				outcome.SchoolsFailed = append(outcome.SchoolsFailed, *failure)
			} else {
				outcome.SchoolsSucceeded = append(outcome.SchoolsSucceeded, schoolID)
			}
			completed++
			report(StageCalculatingSchools, completed, totalSchools)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(outcome.SchoolsSucceeded)
	sort.Slice(outcome.SchoolsFailed, func(i, j int) bool {
		return outcome.SchoolsFailed[i].SchoolID < outcome.SchoolsFailed[j].SchoolID
	})

	if ctx.Err() != nil {
		return o.cancelled(ctx, outcome)
	}

	// ─── MERGING ─────────────────────────────────────────────────────────────
	report(StageMerging, 0, 1)

	succeeded := len(outcome.SchoolsSucceeded)
	failed := len(outcome.SchoolsFailed)
	if err := o.repo.UpdateBatchCounts(ctx, batchCode, totalSchools, succeeded, failed); err != nil {
		// Counts are derivable from the per-school rows; their write never
		// blocks an otherwise finished batch.
		o.logger.Warn("writing batch counts failed", "batch_code", batchCode, "error", err)
	}
	report(StageMerging, 1, 1)

	switch {
	case failed == 0:
		outcome.Stage = StageDone
		return outcome, nil
	case succeeded > 0:
		outcome.Stage = StagePartial
		o.logger.Warn("batch finished partially",
			"batch_code", batchCode, "succeeded", succeeded, "failed", failed)
		return outcome, nil
	default:
		outcome.Stage = StageFailed
		return outcome, shared.NewDomainError("engine", "Run", shared.ErrPartialComputation,
			fmt.Sprintf("all %d school computations failed for batch %s", failed, batchCode))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHOOL COMPUTATION
// ══════════════════════════════════════════════════════════════════════════════

// runSchool computes and persists one school's result. Any failure is
// isolated: it is returned for recording and never aborts the batch.
func (o *Orchestrator) runSchool(
	ctx context.Context,
	batchCode, schoolID string,
	rows []assessment.ScoreRecord,
	gradeLevel assessment.GradeLevel,
	cacheable bool,
) *SchoolFailure {
	started := time.Now()

	result := o.computeResult(ctx, batchCode, aggregation.LevelSchool, schoolID, rows, gradeLevel, started)

	// Cancellation boundary before commit.
	if ctx.Err() != nil {
		return &SchoolFailure{SchoolID: schoolID, Reason: "cancelled before commit"}
	}

	if err := o.persist(ctx, result); err != nil {
		o.logger.Error("persisting school result failed",
			"batch_code", batchCode, "school_id", schoolID, "error", err)
		return &SchoolFailure{SchoolID: schoolID, Reason: err.Error()}
	}
	if cacheable {
		o.cacheResult(ctx, result)
	}

	o.logger.Info("school computation finished",
		"batch_code", batchCode, "school_id", schoolID,
		"students", result.TotalStudents, "duration", time.Since(started))
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPUTATION HELPERS
// ══════════════════════════════════════════════════════════════════════════════

type subjectGroup struct {
	scores   []float64
	dims     []map[string]float64
	maxScore float64
}

// computeResult runs the calculator over rows grouped by subject.
func (o *Orchestrator) computeResult(
	ctx context.Context,
	batchCode string,
	level aggregation.Level,
	schoolID string,
	rows []assessment.ScoreRecord,
	gradeLevel assessment.GradeLevel,
	started time.Time,
) *aggregation.AggregationResult {
	groups := make(map[string]*subjectGroup)
	students := make(map[string]bool)

	for _, row := range rows {
		g, ok := groups[row.Subject]
		if !ok {
			g = &subjectGroup{}
			groups[row.Subject] = g
		}
		g.scores = append(g.scores, row.TotalScore)
		if len(row.DimensionScores) > 0 {
			g.dims = append(g.dims, row.DimensionScores)
		}
		if row.MaxScore > g.maxScore {
			g.maxScore = row.MaxScore
		}
		students[row.StudentID] = true
	}

	subjects := make(map[string]*aggregation.SubjectStatistics, len(groups))
	for subject, g := range groups {
		maxScore := g.maxScore
		if maxScore <= 0 {
			maxScore = o.cfg.DefaultMaxScore
		}

		stats := statistics.Calculate(g.scores, statistics.Config{
			MaxScore:    maxScore,
			GradeLevel:  gradeLevel,
			Percentiles: o.cfg.Percentiles,
		})

		if len(g.dims) > 0 {
			dimMax, err := o.source.DimensionMaxScores(ctx, batchCode, subject)
			if err != nil {
				o.logger.Warn("dimension max-score lookup failed, using fallback",
					"batch_code", batchCode, "subject", subject, "error", err)
				dimMax = nil
			}
			stats.Dimensions = statistics.AggregateDimensions(g.dims, statistics.DimensionConfig{
				MaxScores:        dimMax,
				FallbackMaxScore: o.cfg.DimensionFallbackMaxScore,
			})
		}

		subjects[subject] = stats
	}

	result := o.newResult(batchCode, level, schoolID, len(students), 0)
	result.Subjects = subjects
	result.Status = aggregation.StatusCompleted
	result.Duration = time.Since(started)
	return result
}

func (o *Orchestrator) newResult(batchCode string, level aggregation.Level, schoolID string, totalStudents, badRows int) *aggregation.AggregationResult {
	now := time.Now().UTC()
	return &aggregation.AggregationResult{
		ID:            uuid.NewString(),
		BatchCode:     batchCode,
		Level:         level,
		SchoolID:      schoolID,
		Subjects:      map[string]*aggregation.SubjectStatistics{},
		Status:        aggregation.StatusPending,
		TotalStudents: totalStudents,
		BadRows:       badRows,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// validateRows splits rows into valid and malformed; malformed rows are
// skipped and counted, never fatal on their own.
func (o *Orchestrator) validateRows(batchCode string, rows []assessment.ScoreRecord) (valid []assessment.ScoreRecord, bad int) {
	valid = make([]assessment.ScoreRecord, 0, len(rows))
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			bad++
			o.logger.Debug("skipping malformed score row",
				"batch_code", batchCode, "student_id", row.StudentID, "error", err)
			continue
		}
		valid = append(valid, row)
	}
	return valid, bad
}

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE & CACHE
// ══════════════════════════════════════════════════════════════════════════════

// persist upserts a result with bounded backoff. Only errors the taxonomy
// marks retryable (persistence, timeout) get further attempts; validation and
// other domain errors fail immediately.
func (o *Orchestrator) persist(ctx context.Context, result *aggregation.AggregationResult) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		err := o.repo.Upsert(ctx, result)
		if err != nil && !shared.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	},
		retry.WithMaxAttempts(o.cfg.PersistMaxAttempts),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			o.logger.Warn("retrying result upsert",
				"key", result.Key(), "attempt", attempt, "delay", delay, "error", err)
		}),
	)
}

// invalidateCache clears a batch's cache keys, retrying once. It reports
// whether results of this run may be cached afterwards.
func (o *Orchestrator) invalidateCache(ctx context.Context, batchCode string) bool {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if _, lastErr = o.cache.InvalidateBatch(ctx, batchCode); lastErr == nil {
			return true
		}
	}
	o.logger.Warn("batch cache invalidation failed, skipping result caching",
		"batch_code", batchCode, "error", lastErr)
	return false
}

// cacheResult caches a persisted result; cache errors only get logged.
func (o *Orchestrator) cacheResult(ctx context.Context, result *aggregation.AggregationResult) {
	if err := o.cache.SetResult(ctx, result, o.cfg.CacheTTL); err != nil {
		o.logger.Warn("caching result failed", "key", result.Key(), "error", err)
	}
}

// markRegionalFailed best-effort flips the regional row to FAILED. A row that
// is already COMPLETED stays COMPLETED: transitions are monotonic and the
// computed data is valid regardless of how the run ended.
func (o *Orchestrator) markRegionalFailed(batchCode, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.repo.UpdateStatus(ctx, batchCode, aggregation.LevelRegional, "", aggregation.StatusFailed, reason)
	if err != nil && !shared.IsNotFound(err) && !errors.Is(err, shared.ErrStateTransition) {
		o.logger.Error("marking regional result failed errored", "batch_code", batchCode, "error", err)
	}
}

// cancelled finalizes an interrupted run: committed per-school results stay,
// the batch is marked FAILED, and ErrCancelled is surfaced to the task layer.
func (o *Orchestrator) cancelled(ctx context.Context, outcome *Outcome) (*Outcome, error) {
	outcome.Stage = StageFailed
	o.markRegionalFailed(outcome.BatchCode, "computation cancelled")
	return outcome, shared.WrapError("engine", "Run", shared.ErrCancelled, "batch computation cancelled", ctx.Err())
}

// ══════════════════════════════════════════════════════════════════════════════
// SMALL HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func partitionBySchool(rows []assessment.ScoreRecord) map[string][]assessment.ScoreRecord {
	bySchool := make(map[string][]assessment.ScoreRecord)
	for _, row := range rows {
		bySchool[row.SchoolID] = append(bySchool[row.SchoolID], row)
	}
	return bySchool
}

func sortedKeys(m map[string][]assessment.ScoreRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
