// Package aggregation defines the computed statistics entities, the versioned
// repository contract, and the result cache contract.
package aggregation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edustats-hub/assessment-hub/internal/domain/assessment"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL & STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Level is the aggregation scope of a result.
type Level string

const (
	// LevelRegional aggregates across all schools in a batch.
	LevelRegional Level = "REGIONAL"

	// LevelSchool aggregates within one school of a batch.
	LevelSchool Level = "SCHOOL"
)

// Status is the computation status of an aggregation result.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// CanTransitionTo reports whether a status change is allowed within one run.
// Transitions are monotonic: a terminal status never moves back.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Terminal reports whether the status is final for a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBJECT STATISTICS
// ══════════════════════════════════════════════════════════════════════════════

// GradeBand is one band of a grade distribution, e.g. "excellent" or "A".
type GradeBand struct {
	Label string  `json:"label"`
	Count int     `json:"count"`
	Rate  float64 `json:"rate"`
}

// GradeDistribution partitions a subject's scores into threshold bands.
// Band counts always sum to the subject's student count.
type GradeDistribution struct {
	Tier  assessment.GradeLevel `json:"tier"`
	Bands []GradeBand           `json:"bands"`
}

// TotalCount returns the sum of band counts.
func (d *GradeDistribution) TotalCount() int {
	total := 0
	for _, b := range d.Bands {
		total += b.Count
	}
	return total
}

// DimensionStatistics holds sub-scale metrics for one dimension of a subject.
type DimensionStatistics struct {
	Name     string  `json:"name"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	MaxScore float64 `json:"max_score"`

	// ScoreRate is mean/max_score; nil when max_score is not positive.
	ScoreRate *float64 `json:"score_rate"`
}

// SubjectStatistics holds all computed indicators for one subject.
// Metrics that cannot be computed are nil, never NaN.
type SubjectStatistics struct {
	Count int `json:"count"`

	Mean   *float64 `json:"mean"`
	Median *float64 `json:"median"`

	// StdDev uses the sample (n-1) denominator; nil when n < 2.
	StdDev *float64 `json:"std_dev"`

	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Range *float64 `json:"range"`

	// DifficultyCoefficient is mean/max_score; nil when max_score is 0.
	DifficultyCoefficient *float64 `json:"difficulty_coefficient"`

	// DiscriminationIndex is the top/bottom 27% group separation; nil when n < 10.
	DiscriminationIndex *float64 `json:"discrimination_index"`

	PassRate      *float64 `json:"pass_rate"`
	ExcellentRate *float64 `json:"excellent_rate"`

	// Percentiles maps "P10", "P50", ... to the exact score at that rank.
	Percentiles map[string]float64 `json:"percentiles"`

	// IQR is P75-P25 when both are configured.
	IQR *float64 `json:"iqr"`

	GradeDistribution *GradeDistribution `json:"grade_distribution"`

	// Dimensions holds per-dimension sub-scale statistics keyed by name.
	Dimensions map[string]*DimensionStatistics `json:"dimensions,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATION RESULT
// ══════════════════════════════════════════════════════════════════════════════

// AggregationResult is one computed result for a (batch, level, school) key.
// Exactly one record exists per key; re-running bumps Version.
type AggregationResult struct {
	ID         string
	BatchCode  string
	Level      Level
	SchoolID   string // empty for regional results
	SchoolName string

	// Subjects maps subject name to its computed statistics.
	Subjects map[string]*SubjectStatistics

	Status        Status
	TotalStudents int
	BadRows       int
	Duration      time.Duration

	// Regional results additionally carry batch fan-out counts,
	// written during the merge stage.
	SchoolTotal     int
	SchoolSucceeded int
	SchoolFailed    int

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the unique (batch_code, level, school_id) key of the result.
func (r *AggregationResult) Key() string {
	return fmt.Sprintf("%s|%s|%s", r.BatchCode, r.Level, r.SchoolID)
}

// Equivalent reports whether two results carry the same persisted payload:
// identical subject statistics, status, and row counts. Identity and bookkeeping
// fields (ID, Version, timestamps, duration) are ignored, so repositories can
// use it to detect idempotent re-upserts that must not bump the version or
// produce a history entry.
func (r *AggregationResult) Equivalent(other *AggregationResult) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Status != other.Status ||
		r.TotalStudents != other.TotalStudents ||
		r.BadRows != other.BadRows {
		return false
	}
	a, err := json.Marshal(r.Subjects)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.Subjects)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// StudentCount returns the largest subject count, i.e. the number of students
// that contributed to the result.
func (r *AggregationResult) StudentCount() int {
	max := 0
	for _, s := range r.Subjects {
		if s.Count > max {
			max = s.Count
		}
	}
	return max
}
