package statistics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateDimensions(t *testing.T) {
	students := []map[string]float64{
		{"number_sense": 18, "geometry": 25},
		{"number_sense": 12, "geometry": 30},
		{"number_sense": 20}, // no geometry score for this student
	}

	result := AggregateDimensions(students, DimensionConfig{
		MaxScores:        map[string]float64{"number_sense": 20, "geometry": 40},
		FallbackMaxScore: 100,
	})

	require.Len(t, result, 2)

	ns := result["number_sense"]
	require.NotNil(t, ns)
	assert.Equal(t, 3, ns.Count)
	assert.InDelta(t, 50.0/3.0, ns.Mean, 1e-9)
	assert.Equal(t, 12.0, ns.Min)
	assert.Equal(t, 20.0, ns.Max)
	require.NotNil(t, ns.ScoreRate)
	assert.InDelta(t, 0.8333, *ns.ScoreRate, 1e-4)

	// Absent dimensions are omitted, never zero-filled.
	geo := result["geometry"]
	require.NotNil(t, geo)
	assert.Equal(t, 2, geo.Count)
	assert.InDelta(t, 27.5, geo.Mean, 1e-9)
}

func TestAggregateDimensions_FallbackMaxScore(t *testing.T) {
	students := []map[string]float64{
		{"reading": 40},
		{"reading": 60},
	}

	result := AggregateDimensions(students, DimensionConfig{
		MaxScores:        map[string]float64{},
		FallbackMaxScore: 100,
	})

	reading := result["reading"]
	require.NotNil(t, reading)
	assert.Equal(t, 100.0, reading.MaxScore)
	require.NotNil(t, reading.ScoreRate)
	assert.InDelta(t, 0.5, *reading.ScoreRate, 1e-9)
}

func TestAggregateDimensions_NoUsableMaxScore(t *testing.T) {
	students := []map[string]float64{{"writing": 10}}

	result := AggregateDimensions(students, DimensionConfig{FallbackMaxScore: 0})

	writing := result["writing"]
	require.NotNil(t, writing)
	assert.Nil(t, writing.ScoreRate, "no max score means no score rate, not a zero rate")
}

func TestAggregateDimensions_Empty(t *testing.T) {
	assert.Empty(t, AggregateDimensions(nil, DimensionConfig{FallbackMaxScore: 100}))
}
