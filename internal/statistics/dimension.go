package statistics

import (
	"sort"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
)

// DimensionConfig controls dimension (sub-scale) aggregation.
type DimensionConfig struct {
	// MaxScores maps dimension name to its full score.
	MaxScores map[string]float64

	// FallbackMaxScore is used for dimensions absent from MaxScores.
	// A non-positive fallback leaves the score rate nil.
	FallbackMaxScore float64
}

// AggregateDimensions groups per-student dimension scores by dimension key and
// computes count, mean, min, max, and score rate per dimension.
//
// Dimensions absent from a student's map are omitted for that student, never
// zero-filled; a dimension's count is therefore the number of students that
// were actually scored on it.
func AggregateDimensions(studentScores []map[string]float64, cfg DimensionConfig) map[string]*aggregation.DimensionStatistics {
	grouped := make(map[string][]float64)
	for _, scores := range studentScores {
		for dim, score := range scores {
			grouped[dim] = append(grouped[dim], score)
		}
	}

	result := make(map[string]*aggregation.DimensionStatistics, len(grouped))
	for dim, scores := range grouped {
		sort.Float64s(scores)

		maxScore, ok := cfg.MaxScores[dim]
		if !ok {
			maxScore = cfg.FallbackMaxScore
		}

		stats := &aggregation.DimensionStatistics{
			Name:     dim,
			Count:    len(scores),
			Mean:     Mean(scores),
			Min:      scores[0],
			Max:      scores[len(scores)-1],
			MaxScore: maxScore,
		}
		if maxScore > 0 {
			rate := round(stats.Mean/maxScore, precision)
			stats.ScoreRate = ptr(rate)
		}
		result[dim] = stats
	}

	return result
}
