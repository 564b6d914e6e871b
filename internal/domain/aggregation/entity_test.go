package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fptr(v float64) *float64 { return &v }

// sampleResult builds a fresh result with one fully populated subject. Each
// call allocates new maps and pointers so equivalence cannot rely on identity.
func sampleResult() *AggregationResult {
	return &AggregationResult{
		ID:        "id-1",
		BatchCode: "B-2026-01",
		Level:     LevelSchool,
		SchoolID:  "school-a",
		Subjects: map[string]*SubjectStatistics{
			"math": {
				Count:       5,
				Mean:        fptr(63.0),
				Median:      fptr(60.0),
				Min:         fptr(40.0),
				Max:         fptr(90.0),
				Percentiles: map[string]float64{"P50": 60},
			},
		},
		Status:        StatusCompleted,
		TotalStudents: 5,
		BadRows:       1,
		Version:       1,
		CreatedAt:     time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestEquivalent_IdenticalPayloads(t *testing.T) {
	assert.True(t, sampleResult().Equivalent(sampleResult()))
}

func TestEquivalent_IgnoresBookkeepingFields(t *testing.T) {
	a := sampleResult()
	b := sampleResult()
	b.ID = "id-2"
	b.Version = 7
	b.Duration = 3 * time.Second
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)

	// A re-upsert differs in identity and timestamps but not in payload; it
	// must be recognized as idempotent.
	assert.True(t, a.Equivalent(b))
}

func TestEquivalent_DetectsPayloadChanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *AggregationResult)
	}{
		{"changed mean", func(r *AggregationResult) { r.Subjects["math"].Mean = fptr(64.5) }},
		{"changed status", func(r *AggregationResult) { r.Status = StatusProcessing }},
		{"changed student count", func(r *AggregationResult) { r.TotalStudents = 6 }},
		{"changed bad rows", func(r *AggregationResult) { r.BadRows = 0 }},
		{"added subject", func(r *AggregationResult) { r.Subjects["physics"] = &SubjectStatistics{Count: 5} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := sampleResult()
			b := sampleResult()
			tt.mutate(b)
			assert.False(t, a.Equivalent(b))
		})
	}
}

func TestEquivalent_NilReceiverOrArgument(t *testing.T) {
	var nilResult *AggregationResult
	assert.True(t, nilResult.Equivalent(nil))
	assert.False(t, nilResult.Equivalent(sampleResult()))
	assert.False(t, sampleResult().Equivalent(nil))
}
