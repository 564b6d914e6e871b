package postgres

import (
	"context"
	"fmt"
)

// migrations are applied in order; each statement is idempotent.
// The student_cleaned_scores and batch_metadata tables are owned by the
// upstream cleaning pipeline; they are created here only for local
// development and are never written by this service.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS statistical_aggregations (
		id UUID PRIMARY KEY,
		batch_code TEXT NOT NULL,
		aggregation_level TEXT NOT NULL,
		school_id TEXT NOT NULL DEFAULT '',
		school_name TEXT NOT NULL DEFAULT '',
		subjects JSONB NOT NULL DEFAULT '{}',
		calculation_status TEXT NOT NULL,
		total_students INT NOT NULL DEFAULT 0,
		bad_rows INT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		school_total INT NOT NULL DEFAULT 0,
		school_succeeded INT NOT NULL DEFAULT 0,
		school_failed INT NOT NULL DEFAULT 0,
		data_version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (batch_code, aggregation_level, school_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_aggregations_batch
		ON statistical_aggregations (batch_code)`,

	`CREATE TABLE IF NOT EXISTS statistical_history (
		id UUID PRIMARY KEY,
		aggregation_id UUID NOT NULL,
		change_type TEXT NOT NULL,
		previous_snapshot JSONB,
		new_snapshot JSONB,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_history_aggregation
		ON statistical_history (aggregation_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS computation_tasks (
		id UUID PRIMARY KEY,
		batch_code TEXT NOT NULL,
		status TEXT NOT NULL,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		stages JSONB NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT '',
		succeeded_schools JSONB NOT NULL DEFAULT '[]',
		failed_schools JSONB NOT NULL DEFAULT '[]',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_batch
		ON computation_tasks (batch_code, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS student_cleaned_scores (
		batch_code TEXT NOT NULL,
		student_id TEXT NOT NULL,
		school_id TEXT NOT NULL,
		subject_name TEXT NOT NULL,
		total_score DOUBLE PRECISION NOT NULL,
		max_score DOUBLE PRECISION NOT NULL,
		dimension_scores JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (batch_code, student_id, subject_name)
	)`,

	`CREATE TABLE IF NOT EXISTS batch_metadata (
		batch_code TEXT PRIMARY KEY,
		grade_level TEXT NOT NULL DEFAULT '',
		dimension_max_scores JSONB NOT NULL DEFAULT '{}'
	)`,
}

// Migrate applies all migrations.
func Migrate(ctx context.Context, conn *Connection) error {
	for i, stmt := range migrations {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
