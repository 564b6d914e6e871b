// Package assessment defines the cleaned score data consumed by the statistics
// engine. Records are produced by the upstream ingestion/cleaning pipeline and
// are treated as read-only here.
package assessment

import (
	"context"
	"math"

	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRADE LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// GradeLevel selects which grade-distribution threshold tier applies to a batch.
type GradeLevel string

const (
	// GradePrimary covers grades 1-6 (excellent/good/pass/fail bands).
	GradePrimary GradeLevel = "primary"

	// GradeSecondary covers grade 7 and above (A/B/C/D bands).
	GradeSecondary GradeLevel = "secondary"
)

// primaryGrades are the upstream grade_level codes that map to the primary tier.
var primaryGrades = map[string]bool{
	"1st_grade": true,
	"2nd_grade": true,
	"3rd_grade": true,
	"4th_grade": true,
	"5th_grade": true,
	"6th_grade": true,
}

// ParseGradeLevel maps an upstream grade code to a threshold tier.
// Unknown codes fall back to the secondary tier.
func ParseGradeLevel(code string) GradeLevel {
	if primaryGrades[code] {
		return GradePrimary
	}
	return GradeSecondary
}

// ══════════════════════════════════════════════════════════════════════════════
// SCORE RECORD
// ══════════════════════════════════════════════════════════════════════════════

// ScoreRecord is one cleaned per-student score row for a subject.
// Immutable once ingested.
type ScoreRecord struct {
	// StudentID identifies the student within the batch.
	StudentID string

	// SchoolID identifies the school the student belongs to.
	SchoolID string

	// Subject is the subject name, e.g. "math".
	Subject string

	// TotalScore is the student's total score for the subject.
	TotalScore float64

	// MaxScore is the full score of the subject's test.
	MaxScore float64

	// DimensionScores holds sub-scale scores keyed by dimension name.
	// Dimensions a student was not tested on are simply absent.
	DimensionScores map[string]float64
}

// Validate checks that a record is usable for statistics computation.
func (r ScoreRecord) Validate() error {
	if r.StudentID == "" {
		return shared.NewDomainError("assessment", "Validate", shared.ErrEmptyValue, "student_id is empty")
	}
	if r.SchoolID == "" {
		return shared.NewDomainError("assessment", "Validate", shared.ErrEmptyValue, "school_id is empty")
	}
	if r.Subject == "" {
		return shared.NewDomainError("assessment", "Validate", shared.ErrEmptyValue, "subject is empty")
	}
	if math.IsNaN(r.TotalScore) || math.IsInf(r.TotalScore, 0) {
		return shared.NewDomainError("assessment", "Validate", shared.ErrInvalidInput, "total_score is not a number")
	}
	if r.TotalScore < 0 {
		return shared.NewDomainError("assessment", "Validate", shared.ErrValueOutOfRange, "total_score is negative")
	}
	if r.MaxScore > 0 && r.TotalScore > r.MaxScore {
		return shared.NewDomainError("assessment", "Validate", shared.ErrValueOutOfRange, "total_score exceeds max_score")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DATA SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// DataSource supplies cleaned score rows for a batch. Implementations are
// read-only; the statistics engine never writes through this interface.
type DataSource interface {
	// FetchScores returns all cleaned score records for a batch.
	// An empty result is not an error; callers decide the policy.
	FetchScores(ctx context.Context, batchCode string) ([]ScoreRecord, error)

	// GradeLevel returns the threshold tier for a batch.
	GradeLevel(ctx context.Context, batchCode string) (GradeLevel, error)

	// DimensionMaxScores returns the dimension -> full score table for a batch
	// subject. Missing dimensions use the caller-supplied fallback.
	DimensionMaxScores(ctx context.Context, batchCode, subject string) (map[string]float64, error)
}
