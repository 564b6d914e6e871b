package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edustats-hub/assessment-hub/internal/domain/assessment"
	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCORE DATA SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// ScoreSource reads cleaned score rows and batch metadata produced by the
// upstream cleaning pipeline. Implements assessment.DataSource; strictly
// read-only.
type ScoreSource struct {
	conn *Connection
}

// NewScoreSource creates a new ScoreSource.
func NewScoreSource(conn *Connection) *ScoreSource {
	return &ScoreSource{conn: conn}
}

// FetchScores returns all cleaned score records for a batch.
func (s *ScoreSource) FetchScores(ctx context.Context, batchCode string) ([]assessment.ScoreRecord, error) {
	query := `
		SELECT student_id, school_id, subject_name, total_score, max_score, dimension_scores
		FROM student_cleaned_scores
		WHERE batch_code = $1
	`
	rows, err := s.conn.Query(ctx, query, batchCode)
	if err != nil {
		return nil, shared.WrapError("assessment", "FetchScores", shared.ErrPersistence, "query failed", err)
	}
	defer rows.Close()

	var records []assessment.ScoreRecord
	for rows.Next() {
		var rec assessment.ScoreRecord
		var dimensionsJSON []byte
		if err := rows.Scan(
			&rec.StudentID,
			&rec.SchoolID,
			&rec.Subject,
			&rec.TotalScore,
			&rec.MaxScore,
			&dimensionsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan score row: %w", err)
		}
		if len(dimensionsJSON) > 0 {
			if err := json.Unmarshal(dimensionsJSON, &rec.DimensionScores); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dimension scores: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GradeLevel returns the threshold tier for a batch. A missing metadata row
// maps to the secondary tier, same as an unknown grade code.
func (s *ScoreSource) GradeLevel(ctx context.Context, batchCode string) (assessment.GradeLevel, error) {
	var code string
	err := s.conn.QueryRow(ctx,
		`SELECT grade_level FROM batch_metadata WHERE batch_code = $1`, batchCode,
	).Scan(&code)
	if IsNoRows(err) {
		return assessment.GradeSecondary, nil
	}
	if err != nil {
		return "", shared.WrapError("assessment", "GradeLevel", shared.ErrPersistence, "query failed", err)
	}
	return assessment.ParseGradeLevel(code), nil
}

// DimensionMaxScores returns the dimension full-score table for one subject of
// a batch. Metadata stores the table nested by subject; a missing batch or
// subject yields a nil map, callers apply their fallback.
func (s *ScoreSource) DimensionMaxScores(ctx context.Context, batchCode, subject string) (map[string]float64, error) {
	var tableJSON []byte
	err := s.conn.QueryRow(ctx,
		`SELECT dimension_max_scores FROM batch_metadata WHERE batch_code = $1`, batchCode,
	).Scan(&tableJSON)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, shared.WrapError("assessment", "DimensionMaxScores", shared.ErrPersistence, "query failed", err)
	}

	var table map[string]map[string]float64
	if len(tableJSON) > 0 {
		if err := json.Unmarshal(tableJSON, &table); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dimension max scores: %w", err)
		}
	}
	return table[subject], nil
}
