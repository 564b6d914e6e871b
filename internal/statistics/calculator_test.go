package statistics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/assessment"
)

func TestCalculate_ReferenceBatch(t *testing.T) {
	// Scores 10..100, max 100: mean=55, P50 rank=floor(10*0.5)=5 -> 60.
	scores := []float64{50, 60, 70, 80, 90, 100, 10, 20, 30, 40}

	stats := Calculate(scores, Config{MaxScore: 100, GradeLevel: assessment.GradeSecondary})

	require.NotNil(t, stats.Mean)
	assert.InDelta(t, 55.0, *stats.Mean, 1e-9)
	assert.Equal(t, 10, stats.Count)

	require.Contains(t, stats.Percentiles, "P50")
	assert.InDelta(t, 60.0, stats.Percentiles["P50"], 1e-9)

	require.NotNil(t, stats.Median)
	assert.InDelta(t, 55.0, *stats.Median, 1e-9)

	require.NotNil(t, stats.Min)
	require.NotNil(t, stats.Max)
	assert.Equal(t, 10.0, *stats.Min)
	assert.Equal(t, 100.0, *stats.Max)

	require.NotNil(t, stats.DifficultyCoefficient)
	assert.InDelta(t, 0.55, *stats.DifficultyCoefficient, 1e-9)

	// n=10 is exactly the discrimination minimum.
	require.NotNil(t, stats.DiscriminationIndex)
	// group size = ceil(10*0.27) = 3; top {80,90,100} bottom {10,20,30}.
	assert.InDelta(t, 0.7, *stats.DiscriminationIndex, 1e-9)
}

func TestCalculate_EmptyInput(t *testing.T) {
	stats := Calculate(nil, Config{MaxScore: 100})

	assert.Equal(t, 0, stats.Count)
	assert.Nil(t, stats.Mean)
	assert.Nil(t, stats.Median)
	assert.Nil(t, stats.StdDev)
	assert.Nil(t, stats.Min)
	assert.Nil(t, stats.Max)
	assert.Nil(t, stats.DifficultyCoefficient)
	assert.Nil(t, stats.DiscriminationIndex)
	assert.Nil(t, stats.GradeDistribution)
	assert.Empty(t, stats.Percentiles)
}

func TestSampleStdDev(t *testing.T) {
	_, ok := SampleStdDev([]float64{42})
	assert.False(t, ok, "single observation has no sample std dev")

	sd, ok := SampleStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.True(t, ok)
	assert.InDelta(t, 2.138, sd, 0.001)
}

func TestPercentile_AlwaysMemberOfInput(t *testing.T) {
	inputs := [][]float64{
		{3.5},
		{1, 2},
		{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		{7, 7, 7, 7, 7},
		{99.5, 0.25, 42, 17, 88, 3},
	}

	for _, scores := range inputs {
		members := make(map[float64]bool, len(scores))
		for _, s := range scores {
			members[s] = true
		}
		for p := 0; p <= 100; p += 5 {
			v, ok := Percentile(scores, p)
			require.True(t, ok)
			assert.True(t, members[v], "P%d=%v must be present in %v", p, v, scores)
		}
	}
}

func TestPercentile_FloorRankClamped(t *testing.T) {
	scores := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	tests := []struct {
		p    int
		want float64
	}{
		{0, 10},    // rank 0
		{10, 20},   // floor(10*0.10)=1
		{50, 60},   // floor(10*0.50)=5
		{90, 100},  // floor(10*0.90)=9
		{100, 100}, // rank 10 clamped to 9
	}
	for _, tt := range tests {
		v, ok := Percentile(scores, tt.p)
		require.True(t, ok)
		assert.Equal(t, tt.want, v, "P%d", tt.p)
	}
}

func TestDiscriminationIndex_SmallSample(t *testing.T) {
	// n=5 is below the statistical minimum.
	_, ok := DiscriminationIndex([]float64{10, 20, 30, 40, 50}, 100)
	assert.False(t, ok)

	stats := Calculate([]float64{10, 20, 30, 40, 50}, Config{MaxScore: 100})
	assert.Nil(t, stats.DiscriminationIndex)
}

func TestDiscriminationIndex_Bounded(t *testing.T) {
	inputs := [][]float64{
		{0, 0, 0, 0, 0, 100, 100, 100, 100, 100},
		{50, 50, 50, 50, 50, 50, 50, 50, 50, 50},
		{12, 34, 56, 78, 90, 11, 23, 45, 67, 89, 5, 95},
	}
	for _, scores := range inputs {
		index, ok := DiscriminationIndex(scores, 100)
		require.True(t, ok)
		assert.GreaterOrEqual(t, index, -1.0)
		assert.LessOrEqual(t, index, 1.0)
	}
}

func TestDifficultyCoefficient(t *testing.T) {
	coef, ok := DifficultyCoefficient([]float64{60, 80}, 100)
	require.True(t, ok)
	assert.InDelta(t, 0.7, coef, 1e-9)
	assert.GreaterOrEqual(t, coef, 0.0)
	assert.LessOrEqual(t, coef, 1.0)

	// Zero max score yields no coefficient, not NaN.
	_, ok = DifficultyCoefficient([]float64{60, 80}, 0)
	assert.False(t, ok)
}

func TestGradeDistribution_PartitionsExactly(t *testing.T) {
	scores := []float64{5, 30, 59.9, 60, 65, 69.9, 70, 79, 84.9, 85, 90, 95, 100}

	for _, tier := range []assessment.GradeLevel{assessment.GradePrimary, assessment.GradeSecondary} {
		dist := GradeDistributionFor(scores, 100, tier)
		require.NotNil(t, dist, "tier %s", tier)
		assert.Equal(t, len(scores), dist.TotalCount(), "tier %s must partition all scores", tier)

		rateSum := 0.0
		for _, band := range dist.Bands {
			rateSum += band.Rate
		}
		assert.InDelta(t, 1.0, rateSum, 0.001, "tier %s rates", tier)
	}
}

func TestGradeDistribution_TierThresholds(t *testing.T) {
	scores := []float64{95, 85, 75, 65, 50}

	primary := GradeDistributionFor(scores, 100, assessment.GradePrimary)
	require.NotNil(t, primary)
	// 95 excellent; 85 good; 75,65 pass; 50 fail.
	assert.Equal(t, []int{1, 1, 2, 1}, bandCounts(primary.Bands))

	secondary := GradeDistributionFor(scores, 100, assessment.GradeSecondary)
	require.NotNil(t, secondary)
	// 95,85 A; 75 B; 65 C; 50 D.
	assert.Equal(t, []int{2, 1, 1, 1}, bandCounts(secondary.Bands))
}

func TestCalculate_IQRAndRates(t *testing.T) {
	scores := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	stats := Calculate(scores, Config{MaxScore: 100, GradeLevel: assessment.GradePrimary})

	require.NotNil(t, stats.IQR)
	p25 := stats.Percentiles["P25"]
	p75 := stats.Percentiles["P75"]
	assert.InDelta(t, p75-p25, *stats.IQR, 1e-9)

	require.NotNil(t, stats.PassRate)
	assert.InDelta(t, 0.5, *stats.PassRate, 1e-9) // 60..100

	require.NotNil(t, stats.ExcellentRate)
	assert.InDelta(t, 0.2, *stats.ExcellentRate, 1e-9) // 90, 100
}

func TestCalculate_NoNaNOnDegenerateInput(t *testing.T) {
	stats := Calculate([]float64{0, 0, 0}, Config{MaxScore: 0})

	assert.Nil(t, stats.DifficultyCoefficient)
	assert.Nil(t, stats.DiscriminationIndex)
	assert.Nil(t, stats.PassRate)
	assert.Nil(t, stats.GradeDistribution)
	require.NotNil(t, stats.Mean)
	assert.False(t, math.IsNaN(*stats.Mean))
}

func bandCounts(bands []aggregation.GradeBand) []int {
	counts := make([]int, len(bands))
	for i, b := range bands {
		counts[i] = b.Count
	}
	return counts
}
