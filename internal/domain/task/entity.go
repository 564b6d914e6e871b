// Package task defines the asynchronous computation task entity and its
// lifecycle. A task wraps exactly one orchestration run for a batch.
package task

import (
	"context"
	"time"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a lifecycle transition is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STAGES
// ══════════════════════════════════════════════════════════════════════════════

// Stage names one phase of an orchestration run.
type Stage string

const (
	StageDataLoading  Stage = "data_loading"
	StageRegionalCalc Stage = "regional_calculation"
	StageSchoolCalc   Stage = "school_calculation"
	StageResultMerge  Stage = "result_merge"
)

// StageProgress tracks progress of one stage.
type StageProgress struct {
	Stage    Stage   `json:"stage"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"` // 0-100
}

// NewStages returns the stage breakdown of a fresh task.
func NewStages() []StageProgress {
	return []StageProgress{
		{Stage: StageDataLoading, Status: StatusPending},
		{Stage: StageRegionalCalc, Status: StatusPending},
		{Stage: StageSchoolCalc, Status: StatusPending},
		{Stage: StageResultMerge, Status: StatusPending},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TASK
// ══════════════════════════════════════════════════════════════════════════════

// Task is one asynchronous orchestration run.
type Task struct {
	ID        string
	BatchCode string
	Level     aggregation.Level
	SchoolID  string

	Status   Status
	Progress float64 // 0-100 overall
	Stages   []StageProgress

	StartedAt   time.Time
	CompletedAt *time.Time

	// Error is the human-readable failure reason; empty unless FAILED.
	Error string

	// SucceededSchools and FailedSchools preserve partial value of a run
	// that did not fully complete.
	SucceededSchools []string
	FailedSchools    []string
}

// Clone returns a deep copy safe to hand to callers while the task mutates.
func (t *Task) Clone() *Task {
	c := *t
	c.Stages = make([]StageProgress, len(t.Stages))
	copy(c.Stages, t.Stages)
	c.SucceededSchools = append([]string(nil), t.SucceededSchools...)
	c.FailedSchools = append([]string(nil), t.FailedSchools...)
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}

// Duration returns the task runtime so far, or total runtime once finished.
func (t *Task) Duration() time.Duration {
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(t.StartedAt)
	}
	return time.Since(t.StartedAt)
}

// Repository persists task rows. The in-memory manager state is the source
// of truth while a task runs; rows are written at lifecycle transitions.
type Repository interface {
	// Save inserts or updates a task row by id.
	Save(ctx context.Context, t *Task) error

	// Get returns a task by id.
	Get(ctx context.Context, id string) (*Task, error)

	// ListRecent returns recently started tasks, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Task, error)
}
