// Package taskmanager runs orchestrated batch computations as asynchronous
// tasks with progress tracking, cooperative cancellation, and a
// single-active-task-per-batch guarantee.
package taskmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
	"github.com/edustats-hub/assessment-hub/internal/domain/task"
	"github.com/edustats-hub/assessment-hub/internal/engine"
	"github.com/edustats-hub/assessment-hub/internal/infrastructure/messaging"
)

// Runner executes one batch computation. Satisfied by *engine.Orchestrator.
type Runner interface {
	Run(ctx context.Context, batchCode string, onProgress engine.ProgressFunc) (*engine.Outcome, error)
}

// Stats counts task outcomes since manager start.
type Stats struct {
	Total     int64
	Running   int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// ErrManagerClosed is returned by Submit after Shutdown.
var ErrManagerClosed = errors.New("taskmanager: manager is closed")

// Overall progress allocation per stage. School computation dominates the
// runtime, so it gets the widest band.
const (
	progressAfterLoading  = 10.0
	progressAfterRegional = 30.0
	progressAfterSchools  = 95.0
	progressDone          = 100.0
)

// ══════════════════════════════════════════════════════════════════════════════
// MANAGER
// ══════════════════════════════════════════════════════════════════════════════

// Manager is the single source of truth for live task state. Task rows are
// persisted at lifecycle transitions; while a task runs, the in-memory entry
// is authoritative.
type Manager struct {
	mu sync.Mutex

	runner Runner
	repo   task.Repository // optional
	bus    *messaging.Bus  // optional
	logger *slog.Logger

	tasks         map[string]*task.Task
	activeByBatch map[string]string // batch_code -> task id
	cancels       map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool

	stats Stats
}

// NewManager creates a Manager. repo and bus may be nil.
func NewManager(runner Runner, repo task.Repository, bus *messaging.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		runner:        runner,
		repo:          repo,
		bus:           bus,
		logger:        logger,
		tasks:         make(map[string]*task.Task),
		activeByBatch: make(map[string]string),
		cancels:       make(map[string]context.CancelFunc),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
	}
}

// Submit starts an asynchronous computation for a batch. If a task for the
// batch is already active, its handle is returned instead of starting a
// duplicate. The returned task is a snapshot.
func (m *Manager) Submit(ctx context.Context, batchCode string) (*task.Task, error) {
	if batchCode == "" {
		return nil, shared.NewDomainError("task", "Submit", shared.ErrEmptyValue, "batch_code is empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if existingID, ok := m.activeByBatch[batchCode]; ok {
		existing := m.tasks[existingID].Clone()
		m.mu.Unlock()
		m.logger.Info("returning existing task for active batch",
			"batch_code", batchCode, "task_id", existing.ID)
		return existing, nil
	}

	t := &task.Task{
		ID:        uuid.NewString(),
		BatchCode: batchCode,
		Level:     "",
		Status:    task.StatusPending,
		Stages:    task.NewStages(),
		StartedAt: time.Now().UTC(),
	}
	runCtx, cancel := context.WithCancel(m.baseCtx)

	m.tasks[t.ID] = t
	m.activeByBatch[batchCode] = t.ID
	m.cancels[t.ID] = cancel
	m.stats.Total++
	m.stats.Running++
	snapshot := t.Clone()
	m.wg.Add(1)
	m.mu.Unlock()

	m.saveRow(snapshot)

	go m.execute(runCtx, t.ID, batchCode)

	m.logger.Info("task submitted", "task_id", t.ID, "batch_code", batchCode)
	return snapshot, nil
}

// Get returns a snapshot of a task by id.
func (m *Manager) Get(taskID string) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// GetByBatch returns the active task for a batch, if any.
func (m *Manager) GetByBatch(batchCode string) (*task.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeByBatch[batchCode]
	if !ok {
		return nil, false
	}
	return m.tasks[id].Clone(), true
}

// Cancel requests cooperative cancellation of a task. Already-committed
// per-school results are kept; the task moves to CANCELLED once the run
// observes the cancellation. Returns false for unknown or finished tasks.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false
	}
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
	}
	m.logger.Info("task cancellation requested", "task_id", taskID, "batch_code", t.BatchCode)
	return true
}

// Stats returns outcome counters since manager start.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Shutdown cancels all running tasks and waits for them to settle, bounded
// by the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

func (m *Manager) execute(runCtx context.Context, taskID, batchCode string) {
	defer m.wg.Done()

	m.transition(taskID, task.StatusRunning, "")
	m.publishTask(shared.EventTaskStarted, taskID, batchCode, task.StatusRunning, "")

	outcome, err := m.runner.Run(runCtx, batchCode, m.progressFunc(taskID))
	m.finish(taskID, batchCode, outcome, err)
}

// progressFunc maps orchestrator stage progress onto the task's overall and
// per-stage progress.
func (m *Manager) progressFunc(taskID string) engine.ProgressFunc {
	return func(stage engine.Stage, completed, total int) {
		m.mu.Lock()
		defer m.mu.Unlock()

		t, ok := m.tasks[taskID]
		if !ok || t.Status.Terminal() {
			return
		}

		frac := 0.0
		if total > 0 {
			frac = float64(completed) / float64(total)
		}

		switch stage {
		case engine.StageFetching:
			setStage(t, task.StageDataLoading, frac)
			t.Progress = progressAfterLoading * frac
		case engine.StageCalculatingRegional:
			setStage(t, task.StageRegionalCalc, frac)
			t.Progress = progressAfterLoading + (progressAfterRegional-progressAfterLoading)*frac
		case engine.StageCalculatingSchools:
			setStage(t, task.StageSchoolCalc, frac)
			t.Progress = progressAfterRegional + (progressAfterSchools-progressAfterRegional)*frac
		case engine.StageMerging:
			setStage(t, task.StageResultMerge, frac)
			t.Progress = progressAfterSchools + (progressDone-progressAfterSchools)*frac
		}
	}
}

// finish applies the terminal state of a run.
func (m *Manager) finish(taskID, batchCode string, outcome *engine.Outcome, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if outcome != nil {
		t.SucceededSchools = append([]string(nil), outcome.SchoolsSucceeded...)
		t.FailedSchools = make([]string, 0, len(outcome.SchoolsFailed))
		for _, f := range outcome.SchoolsFailed {
			t.FailedSchools = append(t.FailedSchools, f.SchoolID)
		}
	}

	switch {
	case err == nil:
		t.Status = task.StatusCompleted
		t.Progress = progressDone
		for i := range t.Stages {
			t.Stages[i].Status = task.StatusCompleted
			t.Stages[i].Progress = progressDone
		}
		m.stats.Completed++
	case errors.Is(err, shared.ErrCancelled):
		t.Status = task.StatusCancelled
		t.Error = err.Error()
		m.stats.Cancelled++
	default:
		t.Status = task.StatusFailed
		t.Error = err.Error()
		m.stats.Failed++
	}
	t.CompletedAt = &now
	m.stats.Running--

	delete(m.activeByBatch, batchCode)
	if cancel, ok := m.cancels[taskID]; ok {
		cancel()
		delete(m.cancels, taskID)
	}
	snapshot := t.Clone()
	m.mu.Unlock()

	m.saveRow(snapshot)

	eventType := shared.EventTaskCompleted
	switch snapshot.Status {
	case task.StatusFailed:
		eventType = shared.EventTaskFailed
	case task.StatusCancelled:
		eventType = shared.EventTaskCancelled
	}
	m.publishTask(eventType, taskID, batchCode, snapshot.Status, snapshot.Error)

	if m.bus != nil && outcome != nil && outcome.Regional != nil {
		m.bus.Publish(context.Background(), shared.AggregationEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventAggregationSaved),
			BatchCode: outcome.Regional.BatchCode,
			Level:     string(outcome.Regional.Level),
			Version:   outcome.Regional.Version,
		})
	}

	m.logger.Info("task finished",
		"task_id", taskID, "batch_code", batchCode,
		"status", string(snapshot.Status),
		"succeeded_schools", len(snapshot.SucceededSchools),
		"failed_schools", len(snapshot.FailedSchools),
		"duration", snapshot.Duration())
}

// transition moves a task to a non-terminal lifecycle state.
func (m *Manager) transition(taskID string, status task.Status, errMsg string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || !t.Status.CanTransitionTo(status) {
		m.mu.Unlock()
		return
	}
	t.Status = status
	if errMsg != "" {
		t.Error = errMsg
	}
	snapshot := t.Clone()
	m.mu.Unlock()

	m.saveRow(snapshot)
}

// saveRow persists a task snapshot; persistence failures are logged only,
// memory stays authoritative.
func (m *Manager) saveRow(t *task.Task) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.Save(ctx, t); err != nil {
		m.logger.Warn("saving task row failed", "task_id", t.ID, "error", err)
	}
}

func (m *Manager) publishTask(eventType shared.EventType, taskID, batchCode string, status task.Status, errMsg string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), shared.TaskEvent{
		BaseEvent: shared.NewBaseEvent(eventType),
		TaskID:    taskID,
		BatchCode: batchCode,
		Status:    string(status),
		Error:     errMsg,
	})
}

func setStage(t *task.Task, stage task.Stage, frac float64) {
	for i := range t.Stages {
		if t.Stages[i].Stage != stage {
			continue
		}
		t.Stages[i].Progress = progressDone * frac
		if frac >= 1 {
			t.Stages[i].Status = task.StatusCompleted
		} else {
			t.Stages[i].Status = task.StatusRunning
		}
		return
	}
}
