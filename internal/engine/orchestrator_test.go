package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/assessment"
	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakeSource struct {
	rows       []assessment.ScoreRecord
	gradeLevel assessment.GradeLevel
	fetchErr   error
}

func (s *fakeSource) FetchScores(ctx context.Context, batchCode string) ([]assessment.ScoreRecord, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.rows, nil
}

func (s *fakeSource) GradeLevel(ctx context.Context, batchCode string) (assessment.GradeLevel, error) {
	if s.gradeLevel == "" {
		return assessment.GradeSecondary, nil
	}
	return s.gradeLevel, nil
}

func (s *fakeSource) DimensionMaxScores(ctx context.Context, batchCode, subject string) (map[string]float64, error) {
	return nil, nil
}

type fakeRepo struct {
	mu sync.Mutex

	results     map[string]*aggregation.AggregationResult
	upsertOrder []string

	failSchools map[string]bool

	countsTotal     int
	countsSucceeded int
	countsFailed    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		results:     make(map[string]*aggregation.AggregationResult),
		failSchools: make(map[string]bool),
	}
}

func (r *fakeRepo) Upsert(ctx context.Context, result *aggregation.AggregationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if result.Level == aggregation.LevelSchool && r.failSchools[result.SchoolID] {
		return shared.NewDomainError("aggregation", "Upsert", shared.ErrPersistence, "injected failure")
	}
	clone := *result
	if existing, ok := r.results[result.Key()]; ok {
		// Same versioning contract as the SQL repository: an equivalent
		// payload is a no-op, a changed one bumps the version.
		if existing.Equivalent(result) {
			return nil
		}
		clone.Version = existing.Version + 1
	} else {
		clone.Version = 1
	}
	r.results[result.Key()] = &clone
	r.upsertOrder = append(r.upsertOrder, result.Key()+"#"+string(result.Status))
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, batchCode string, level aggregation.Level, schoolID string) (*aggregation.AggregationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", batchCode, level, schoolID)
	result, ok := r.results[key]
	if !ok {
		return nil, aggregation.ErrResultNotFound
	}
	clone := *result
	return &clone, nil
}

func (r *fakeRepo) UpdateStatus(ctx context.Context, batchCode string, level aggregation.Level, schoolID string, status aggregation.Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", batchCode, level, schoolID)
	result, ok := r.results[key]
	if !ok {
		return aggregation.ErrResultNotFound
	}
	if !result.Status.CanTransitionTo(status) {
		return shared.NewDomainError("aggregation", "UpdateStatus", shared.ErrStateTransition,
			fmt.Sprintf("cannot transition %s -> %s", result.Status, status))
	}
	result.Status = status
	return nil
}

func (r *fakeRepo) UpdateBatchCounts(ctx context.Context, batchCode string, total, succeeded, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countsTotal, r.countsSucceeded, r.countsFailed = total, succeeded, failed
	return nil
}

func (r *fakeRepo) GetBatchSummary(ctx context.Context, batchCode string) (*aggregation.BatchSummary, error) {
	return &aggregation.BatchSummary{BatchCode: batchCode}, nil
}

func (r *fakeRepo) GetHistory(ctx context.Context, aggregationID string, limit int) ([]aggregation.HistoryEntry, error) {
	return nil, nil
}

func (r *fakeRepo) DeleteBatch(ctx context.Context, batchCode string, reason string) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) GetRecent(ctx context.Context, limit int) ([]*aggregation.AggregationResult, error) {
	return nil, nil
}

func (r *fakeRepo) get(batchCode string, level aggregation.Level, schoolID string) *aggregation.AggregationResult {
	result, _ := r.Get(context.Background(), batchCode, level, schoolID)
	return result
}

// countingRepo fails every regional upsert with a fixed error and counts the
// attempts, to observe the retry policy.
type countingRepo struct {
	*fakeRepo
	attempts int
	err      error
}

func (r *countingRepo) Upsert(ctx context.Context, result *aggregation.AggregationResult) error {
	if result.Level == aggregation.LevelRegional {
		r.attempts++
		return r.err
	}
	return r.fakeRepo.Upsert(ctx, result)
}

type fakeCache struct {
	mu    sync.Mutex
	store map[string]*aggregation.AggregationResult
	ops   []string

	failInvalidate bool
	failReads      bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string]*aggregation.AggregationResult)}
}

func (c *fakeCache) GetResult(ctx context.Context, batchCode string, level aggregation.Level, schoolID string) (*aggregation.AggregationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failReads {
		return nil, aggregation.ErrCacheMiss
	}
	result, ok := c.store[fmt.Sprintf("%s|%s|%s", batchCode, level, schoolID)]
	if !ok {
		return nil, aggregation.ErrCacheMiss
	}
	clone := *result
	return &clone, nil
}

func (c *fakeCache) SetResult(ctx context.Context, result *aggregation.AggregationResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := *result
	c.store[result.Key()] = &clone
	c.ops = append(c.ops, "set:"+result.Key())
	return nil
}

func (c *fakeCache) InvalidateBatch(ctx context.Context, batchCode string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failInvalidate {
		return 0, shared.NewDomainError("cache", "InvalidateBatch", shared.ErrCache, "injected failure")
	}
	removed := 0
	for key := range c.store {
		if strings.HasPrefix(key, batchCode+"|") {
			delete(c.store, key)
			removed++
		}
	}
	c.ops = append(c.ops, "invalidate:"+batchCode)
	return removed, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 1 // deterministic school ordering in tests
	cfg.PersistMaxAttempts = 1
	return cfg
}

func scoreRows() []assessment.ScoreRecord {
	var rows []assessment.ScoreRecord
	for school, scores := range map[string][]float64{
		"school-a": {40, 55, 60, 70, 90},
		"school-b": {30, 45, 65, 80, 95},
	} {
		for i, score := range scores {
			rows = append(rows, assessment.ScoreRecord{
				StudentID:  fmt.Sprintf("%s-stu-%d", school, i),
				SchoolID:   school,
				Subject:    "math",
				TotalScore: score,
				MaxScore:   100,
			})
		}
	}
	return rows
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestRun_SuccessfulBatch(t *testing.T) {
	repo := newFakeRepo()
	cache := newFakeCache()
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, cache, testConfig(), nil)

	outcome, err := o.Run(context.Background(), "B-2026-01", nil)
	require.NoError(t, err)
	assert.Equal(t, StageDone, outcome.Stage)
	assert.Equal(t, []string{"school-a", "school-b"}, outcome.SchoolsSucceeded)
	assert.Empty(t, outcome.SchoolsFailed)

	regional := repo.get("B-2026-01", aggregation.LevelRegional, "")
	require.NotNil(t, regional)
	assert.Equal(t, aggregation.StatusCompleted, regional.Status)
	assert.Equal(t, 10, regional.TotalStudents)
	assert.Equal(t, 10, regional.StudentCount())
	require.Contains(t, regional.Subjects, "math")

	schoolA := repo.get("B-2026-01", aggregation.LevelSchool, "school-a")
	require.NotNil(t, schoolA)
	assert.Equal(t, 5, schoolA.TotalStudents)

	assert.Equal(t, 2, repo.countsTotal)
	assert.Equal(t, 2, repo.countsSucceeded)
	assert.Equal(t, 0, repo.countsFailed)
}

func TestRun_EmptyBatchIsFatal(t *testing.T) {
	o := NewOrchestrator(&fakeSource{}, newFakeRepo(), newFakeCache(), testConfig(), nil)

	outcome, err := o.Run(context.Background(), "B-EMPTY", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrDataUnavailable))
	assert.Equal(t, StageFailed, outcome.Stage)
}

func TestRun_RegionalPersistedBeforeSchools(t *testing.T) {
	repo := newFakeRepo()
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), testConfig(), nil)

	_, err := o.Run(context.Background(), "B-ORDER", nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(repo.upsertOrder), 4)
	assert.Equal(t, "B-ORDER|REGIONAL|#PROCESSING", repo.upsertOrder[0])
	assert.Equal(t, "B-ORDER|REGIONAL|#COMPLETED", repo.upsertOrder[1])
	for _, entry := range repo.upsertOrder[2:] {
		assert.Contains(t, entry, "|SCHOOL|")
	}
}

func TestRun_SchoolFailureIsIsolated(t *testing.T) {
	repo := newFakeRepo()
	repo.failSchools["school-b"] = true
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), testConfig(), nil)

	outcome, err := o.Run(context.Background(), "B-PARTIAL", nil)
	require.NoError(t, err)
	assert.Equal(t, StagePartial, outcome.Stage)
	assert.Equal(t, []string{"school-a"}, outcome.SchoolsSucceeded)
	require.Len(t, outcome.SchoolsFailed, 1)
	assert.Equal(t, "school-b", outcome.SchoolsFailed[0].SchoolID)

	assert.NotNil(t, repo.get("B-PARTIAL", aggregation.LevelSchool, "school-a"))
	assert.Nil(t, repo.get("B-PARTIAL", aggregation.LevelSchool, "school-b"))
	assert.Equal(t, 1, repo.countsFailed)
}

func TestRun_AllSchoolsFailing(t *testing.T) {
	repo := newFakeRepo()
	repo.failSchools["school-a"] = true
	repo.failSchools["school-b"] = true
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), testConfig(), nil)

	outcome, err := o.Run(context.Background(), "B-ALLFAIL", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrPartialComputation))
	assert.Equal(t, StageFailed, outcome.Stage)
	assert.Len(t, outcome.SchoolsFailed, 2)
}

func TestRun_BadRowThresholdAbortsBatch(t *testing.T) {
	rows := scoreRows()
	// Two of twelve rows malformed exceeds a 10% threshold.
	rows = append(rows,
		assessment.ScoreRecord{SchoolID: "school-a", Subject: "math", TotalScore: 50, MaxScore: 100},
		assessment.ScoreRecord{SchoolID: "school-b", Subject: "math", TotalScore: 50, MaxScore: 100},
	)
	o := NewOrchestrator(&fakeSource{rows: rows}, newFakeRepo(), newFakeCache(), testConfig(), nil)

	outcome, err := o.Run(context.Background(), "B-DIRTY", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrValidation))
	assert.Equal(t, StageFailed, outcome.Stage)
	assert.Equal(t, 2, outcome.BadRows)
}

func TestRun_BadRowsBelowThresholdAreSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.BadRowThreshold = 0.5
	rows := append(scoreRows(),
		assessment.ScoreRecord{SchoolID: "school-a", Subject: "math", TotalScore: 50, MaxScore: 100})
	repo := newFakeRepo()
	o := NewOrchestrator(&fakeSource{rows: rows}, repo, newFakeCache(), cfg, nil)

	outcome, err := o.Run(context.Background(), "B-SKIP", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.BadRows)

	regional := repo.get("B-SKIP", aggregation.LevelRegional, "")
	require.NotNil(t, regional)
	assert.Equal(t, 10, regional.TotalStudents)
	assert.Equal(t, 1, regional.BadRows)
}

func TestRun_CancellationKeepsCommittedSchools(t *testing.T) {
	repo := newFakeRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// With a pool of one, schools run in sorted order; cancelling after the
	// first school commits must keep its result and skip the rest.
	onProgress := func(stage Stage, completed, total int) {
		if stage == StageCalculatingSchools && completed == 1 {
			cancel()
		}
	}

	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), testConfig(), nil)
	outcome, err := o.Run(ctx, "B-CANCEL", onProgress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrCancelled))
	assert.Equal(t, StageFailed, outcome.Stage)

	assert.NotNil(t, repo.get("B-CANCEL", aggregation.LevelSchool, "school-a"))
	assert.Nil(t, repo.get("B-CANCEL", aggregation.LevelSchool, "school-b"))

	// The regional result was committed before the cancellation; it stays
	// COMPLETED, the cancelled state lives on the task.
	regional := repo.get("B-CANCEL", aggregation.LevelRegional, "")
	require.NotNil(t, regional)
	assert.Equal(t, aggregation.StatusCompleted, regional.Status)
}

func TestRun_CancellationBeforeRegionalCommitFailsRow(t *testing.T) {
	repo := newFakeRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onProgress := func(stage Stage, completed, total int) {
		if stage == StageFetching && completed == 1 {
			cancel()
		}
	}

	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), testConfig(), nil)
	_, err := o.Run(ctx, "B-EARLY-CANCEL", onProgress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrCancelled))

	assert.Nil(t, repo.get("B-EARLY-CANCEL", aggregation.LevelRegional, ""))
	assert.Nil(t, repo.get("B-EARLY-CANCEL", aggregation.LevelSchool, "school-a"))
}

func TestRun_InvalidatesCacheBeforeCaching(t *testing.T) {
	cache := newFakeCache()
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, newFakeRepo(), cache, testConfig(), nil)

	_, err := o.Run(context.Background(), "B-CACHE", nil)
	require.NoError(t, err)

	require.NotEmpty(t, cache.ops)
	assert.Equal(t, "invalidate:B-CACHE", cache.ops[0])
	for _, op := range cache.ops[1:] {
		assert.Contains(t, op, "set:B-CACHE|")
	}
}

func TestRun_RerunKeepsIdenticalSchoolVersions(t *testing.T) {
	repo := newFakeRepo()
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), testConfig(), nil)

	_, err := o.Run(context.Background(), "B-RERUN", nil)
	require.NoError(t, err)
	schoolA := repo.get("B-RERUN", aggregation.LevelSchool, "school-a")
	require.NotNil(t, schoolA)
	assert.Equal(t, 1, schoolA.Version)

	_, err = o.Run(context.Background(), "B-RERUN", nil)
	require.NoError(t, err)

	// Recomputing identical school payloads is a no-op upsert.
	schoolA = repo.get("B-RERUN", aggregation.LevelSchool, "school-a")
	assert.Equal(t, 1, schoolA.Version)

	// The regional row cycles PROCESSING then COMPLETED on every run, so it
	// bumps twice per run regardless.
	regional := repo.get("B-RERUN", aggregation.LevelRegional, "")
	assert.Equal(t, 4, regional.Version)
}

func TestRun_SkipsCachingWhenInvalidationFails(t *testing.T) {
	repo := newFakeRepo()
	cache := newFakeCache()
	cache.failInvalidate = true
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, cache, testConfig(), nil)

	outcome, err := o.Run(context.Background(), "B-NOCACHE", nil)
	require.NoError(t, err)
	assert.Equal(t, StageDone, outcome.Stage)

	// Results are persisted, but nothing may be cached: a fresh key must not
	// coexist with stale ones that could not be removed.
	assert.NotNil(t, repo.get("B-NOCACHE", aggregation.LevelRegional, ""))
	assert.Empty(t, cache.store)
	for _, op := range cache.ops {
		assert.NotContains(t, op, "set:")
	}
}

func TestRun_RetriesOnlyRetryablePersistErrors(t *testing.T) {
	cfg := testConfig()
	cfg.PersistMaxAttempts = 3

	repo := &countingRepo{
		fakeRepo: newFakeRepo(),
		err:      shared.NewDomainError("aggregation", "Upsert", shared.ErrPersistence, "database down"),
	}
	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), cfg, nil)
	_, err := o.Run(context.Background(), "B-RETRY", nil)
	require.Error(t, err)
	assert.Equal(t, 3, repo.attempts)

	repo = &countingRepo{
		fakeRepo: newFakeRepo(),
		err:      shared.NewDomainError("aggregation", "Upsert", shared.ErrValidation, "bad payload"),
	}
	o = NewOrchestrator(&fakeSource{rows: scoreRows()}, repo, newFakeCache(), cfg, nil)
	_, err = o.Run(context.Background(), "B-NORETRY", nil)
	require.Error(t, err)
	assert.Equal(t, 1, repo.attempts, "a validation error must not be retried")
}

func TestRun_ProgressReachesEveryStage(t *testing.T) {
	seen := make(map[Stage]bool)
	onProgress := func(stage Stage, completed, total int) { seen[stage] = true }

	o := NewOrchestrator(&fakeSource{rows: scoreRows()}, newFakeRepo(), newFakeCache(), testConfig(), nil)
	_, err := o.Run(context.Background(), "B-PROGRESS", onProgress)
	require.NoError(t, err)

	for _, stage := range []Stage{StageFetching, StageCalculatingRegional, StageCalculatingSchools, StageMerging} {
		assert.True(t, seen[stage], "stage %s not reported", stage)
	}
}
