package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
	"github.com/edustats-hub/assessment-hub/internal/domain/task"
)

// ══════════════════════════════════════════════════════════════════════════════
// TASK REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// TaskRepository persists task rows for observability across restarts. The
// in-memory manager remains authoritative while a task runs.
type TaskRepository struct {
	conn *Connection
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(conn *Connection) *TaskRepository {
	return &TaskRepository{conn: conn}
}

// Save inserts or updates a task row by id.
func (r *TaskRepository) Save(ctx context.Context, t *task.Task) error {
	stagesJSON, err := json.Marshal(t.Stages)
	if err != nil {
		return shared.WrapError("task", "Save", shared.ErrInvalidInput, "failed to marshal stages", err)
	}
	succeededJSON, err := json.Marshal(emptyIfNil(t.SucceededSchools))
	if err != nil {
		return shared.WrapError("task", "Save", shared.ErrInvalidInput, "failed to marshal succeeded schools", err)
	}
	failedJSON, err := json.Marshal(emptyIfNil(t.FailedSchools))
	if err != nil {
		return shared.WrapError("task", "Save", shared.ErrInvalidInput, "failed to marshal failed schools", err)
	}

	query := `
		INSERT INTO computation_tasks
			(id, batch_code, status, progress, stages, error_message,
			 succeeded_schools, failed_schools, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			stages = EXCLUDED.stages,
			error_message = EXCLUDED.error_message,
			succeeded_schools = EXCLUDED.succeeded_schools,
			failed_schools = EXCLUDED.failed_schools,
			completed_at = EXCLUDED.completed_at
	`
	_, err = r.conn.Exec(ctx, query,
		t.ID,
		t.BatchCode,
		string(t.Status),
		t.Progress,
		stagesJSON,
		t.Error,
		succeededJSON,
		failedJSON,
		t.StartedAt,
		t.CompletedAt,
	)
	if err != nil {
		return shared.WrapError("task", "Save", shared.ErrPersistence, "upsert failed", err)
	}
	return nil
}

// Get returns a task by id.
func (r *TaskRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	query := `
		SELECT id, batch_code, status, progress, stages, error_message,
		       succeeded_schools, failed_schools, started_at, completed_at
		FROM computation_tasks
		WHERE id = $1
	`
	return r.scanTask(r.conn.QueryRow(ctx, query, id))
}

// ListRecent returns recently started tasks, newest first.
func (r *TaskRepository) ListRecent(ctx context.Context, limit int) ([]*task.Task, error) {
	query := `
		SELECT id, batch_code, status, progress, stages, error_message,
		       succeeded_schools, failed_schools, started_at, completed_at
		FROM computation_tasks
		ORDER BY started_at DESC
		LIMIT $1
	`
	rows, err := r.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, shared.WrapError("task", "ListRecent", shared.ErrPersistence, "query failed", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	var status string
	var stagesJSON, succeededJSON, failedJSON []byte
	var completedAt *time.Time

	err := row.Scan(
		&t.ID,
		&t.BatchCode,
		&status,
		&t.Progress,
		&stagesJSON,
		&t.Error,
		&succeededJSON,
		&failedJSON,
		&t.StartedAt,
		&completedAt,
	)
	if IsNoRows(err) {
		return nil, shared.NewDomainError("task", "Get", shared.ErrNotFound, "task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}

	t.Status = task.Status(status)
	t.CompletedAt = completedAt
	if err := json.Unmarshal(stagesJSON, &t.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(succeededJSON, &t.SucceededSchools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal succeeded schools: %w", err)
	}
	if err := json.Unmarshal(failedJSON, &t.FailedSchools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed schools: %w", err)
	}
	return &t, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
