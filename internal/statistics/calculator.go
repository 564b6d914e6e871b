// Package statistics implements the pure indicator computations of the
// assessment engine: basic statistics, difficulty, discrimination,
// educational percentiles, and tiered grade distributions.
//
// All functions are deterministic and side-effect free. Metrics that cannot
// be computed for an input are nil in the output, never NaN; an empty score
// slice yields the empty-metrics sentinel with count=0 and no error.
package statistics

import (
	"fmt"
	"math"
	"sort"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/assessment"
)

// precision is the fixed rounding applied to ratio metrics
// (difficulty, discrimination, rates).
const precision = 4

// discriminationMinN is the minimum sample size for a statistically
// meaningful discrimination index.
const discriminationMinN = 10

// discriminationGroupRatio selects the top/bottom group share.
const discriminationGroupRatio = 0.27

// Config enumerates the knobs of a subject computation.
type Config struct {
	// MaxScore is the full score of the subject's test.
	MaxScore float64

	// GradeLevel selects the grade-distribution threshold tier.
	GradeLevel assessment.GradeLevel

	// Percentiles lists the percentile points to compute (0-100).
	// Empty uses DefaultPercentiles.
	Percentiles []int
}

// DefaultPercentiles are the standard reporting points.
var DefaultPercentiles = []int{10, 25, 50, 75, 90}

// ══════════════════════════════════════════════════════════════════════════════
// BASIC STATISTICS
// ══════════════════════════════════════════════════════════════════════════════

// Mean returns the arithmetic mean. Zero for an empty slice.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// Median returns the middle value: the average of the two central values
// for even n. Zero for an empty slice.
func Median(scores []float64) float64 {
	n := len(scores)
	if n == 0 {
		return 0
	}
	sorted := ascending(scores)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// SampleStdDev returns the standard deviation with the sample (n-1)
// denominator. ok is false when n < 2.
func SampleStdDev(scores []float64) (stddev float64, ok bool) {
	n := len(scores)
	if n < 2 {
		return 0, false
	}
	mean := Mean(scores)
	sum := 0.0
	for _, s := range scores {
		d := s - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(n-1)), true
}

// ══════════════════════════════════════════════════════════════════════════════
// EDUCATIONAL INDICATORS
// ══════════════════════════════════════════════════════════════════════════════

// Percentile returns the score at percentile p using the educational-statistics
// floor algorithm: rank = floor(n*p/100) clamped to [0, n-1] on the ascending
// sorted array. No interpolation; the result is always a member of scores.
// ok is false for an empty slice.
func Percentile(scores []float64, p int) (value float64, ok bool) {
	n := len(scores)
	if n == 0 {
		return 0, false
	}
	sorted := ascending(scores)
	rank := int(math.Floor(float64(n) * float64(p) / 100.0))
	if rank < 0 {
		rank = 0
	}
	if rank > n-1 {
		rank = n - 1
	}
	return sorted[rank], true
}

// DifficultyCoefficient returns mean/maxScore rounded to fixed precision.
// ok is false when maxScore is not positive or scores is empty.
func DifficultyCoefficient(scores []float64, maxScore float64) (coef float64, ok bool) {
	if len(scores) == 0 || maxScore <= 0 {
		return 0, false
	}
	return round(Mean(scores)/maxScore, precision), true
}

// DiscriminationIndex measures how well the test separates high and low
// performers: scores are sorted descending, the top and bottom groups each
// take ceil(n*0.27) students (minimum 1), and the index is
// (mean(top) - mean(bottom)) / maxScore.
//
// ok is false when n < 10 (too small to be statistically meaningful) or
// maxScore is not positive.
func DiscriminationIndex(scores []float64, maxScore float64) (index float64, ok bool) {
	n := len(scores)
	if n < discriminationMinN || maxScore <= 0 {
		return 0, false
	}

	sorted := ascending(scores)
	groupSize := int(math.Ceil(float64(n) * discriminationGroupRatio))
	if groupSize < 1 {
		groupSize = 1
	}

	topMean := Mean(sorted[n-groupSize:])
	bottomMean := Mean(sorted[:groupSize])

	return round((topMean-bottomMean)/maxScore, precision), true
}

// PassRate returns the share of scores at or above 60% of maxScore.
// ok is false when maxScore is not positive or scores is empty.
func PassRate(scores []float64, maxScore float64) (rate float64, ok bool) {
	return rateAtOrAbove(scores, maxScore, 0.60)
}

// ExcellentRate returns the share of scores at or above 85% of maxScore.
// ok is false when maxScore is not positive or scores is empty.
func ExcellentRate(scores []float64, maxScore float64) (rate float64, ok bool) {
	return rateAtOrAbove(scores, maxScore, 0.85)
}

func rateAtOrAbove(scores []float64, maxScore, ratio float64) (float64, bool) {
	if len(scores) == 0 || maxScore <= 0 {
		return 0, false
	}
	count := 0
	threshold := maxScore * ratio
	for _, s := range scores {
		if s >= threshold {
			count++
		}
	}
	return round(float64(count)/float64(len(scores)), precision), true
}

// ══════════════════════════════════════════════════════════════════════════════
// GRADE DISTRIBUTION
// ══════════════════════════════════════════════════════════════════════════════

// bandThreshold is one half-open threshold band [low, high) of maxScore ratio.
// The top band is closed above (high = +Inf) and the bottom open below
// (low = -Inf), so every score falls in exactly one band.
type bandThreshold struct {
	label string
	low   float64
	high  float64
}

var primaryBands = []bandThreshold{
	{"excellent", 0.90, math.Inf(1)},
	{"good", 0.80, 0.90},
	{"pass", 0.60, 0.80},
	{"fail", math.Inf(-1), 0.60},
}

var secondaryBands = []bandThreshold{
	{"A", 0.85, math.Inf(1)},
	{"B", 0.70, 0.85},
	{"C", 0.60, 0.70},
	{"D", math.Inf(-1), 0.60},
}

// GradeDistributionFor partitions scores into the tier's threshold bands.
// Every score is counted exactly once; band counts sum to len(scores).
// Returns nil when maxScore is not positive or scores is empty.
func GradeDistributionFor(scores []float64, maxScore float64, tier assessment.GradeLevel) *aggregation.GradeDistribution {
	if len(scores) == 0 || maxScore <= 0 {
		return nil
	}

	thresholds := secondaryBands
	if tier == assessment.GradePrimary {
		thresholds = primaryBands
	}

	total := len(scores)
	bands := make([]aggregation.GradeBand, len(thresholds))
	for i, band := range thresholds {
		count := 0
		for _, s := range scores {
			ratio := s / maxScore
			if ratio >= band.low && ratio < band.high {
				count++
			}
		}
		bands[i] = aggregation.GradeBand{
			Label: band.label,
			Count: count,
			Rate:  round(float64(count)/float64(total), precision),
		}
	}

	return &aggregation.GradeDistribution{Tier: tier, Bands: bands}
}

// ══════════════════════════════════════════════════════════════════════════════
// FULL SUBJECT COMPUTATION
// ══════════════════════════════════════════════════════════════════════════════

// EmptyStatistics returns the documented sentinel for an empty score input:
// count=0 and every metric nil.
func EmptyStatistics() *aggregation.SubjectStatistics {
	return &aggregation.SubjectStatistics{
		Count:       0,
		Percentiles: map[string]float64{},
	}
}

// Calculate computes the full SubjectStatistics for one subject's scores.
// It never returns an error: an empty input yields EmptyStatistics, and
// individual metrics degrade to nil per their own rules.
func Calculate(scores []float64, cfg Config) *aggregation.SubjectStatistics {
	n := len(scores)
	if n == 0 {
		return EmptyStatistics()
	}

	sorted := ascending(scores)
	stats := &aggregation.SubjectStatistics{
		Count:       n,
		Percentiles: make(map[string]float64),
	}

	mean := Mean(sorted)
	stats.Mean = ptr(mean)
	stats.Median = ptr(Median(sorted))
	stats.Min = ptr(sorted[0])
	stats.Max = ptr(sorted[n-1])
	stats.Range = ptr(sorted[n-1] - sorted[0])

	if sd, ok := SampleStdDev(sorted); ok {
		stats.StdDev = ptr(sd)
	}
	if d, ok := DifficultyCoefficient(sorted, cfg.MaxScore); ok {
		stats.DifficultyCoefficient = ptr(d)
	}
	if d, ok := DiscriminationIndex(sorted, cfg.MaxScore); ok {
		stats.DiscriminationIndex = ptr(d)
	}
	if r, ok := PassRate(sorted, cfg.MaxScore); ok {
		stats.PassRate = ptr(r)
	}
	if r, ok := ExcellentRate(sorted, cfg.MaxScore); ok {
		stats.ExcellentRate = ptr(r)
	}

	points := cfg.Percentiles
	if len(points) == 0 {
		points = DefaultPercentiles
	}
	for _, p := range points {
		if v, ok := Percentile(sorted, p); ok {
			stats.Percentiles[percentileKey(p)] = v
		}
	}
	if p25, ok25 := stats.Percentiles["P25"]; ok25 {
		if p75, ok75 := stats.Percentiles["P75"]; ok75 {
			stats.IQR = ptr(p75 - p25)
		}
	}

	stats.GradeDistribution = GradeDistributionFor(sorted, cfg.MaxScore, cfg.GradeLevel)

	return stats
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// ascending returns a sorted copy; the input is never mutated.
func ascending(scores []float64) []float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	return sorted
}

func percentileKey(p int) string {
	return fmt.Sprintf("P%d", p)
}

func round(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

func ptr(v float64) *float64 {
	return &v
}
