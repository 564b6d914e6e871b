package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/edustats-hub/assessment-hub/internal/domain/aggregation"
	"github.com/edustats-hub/assessment-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATION REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// AggregationRepository implements aggregation.Repository for PostgreSQL.
// One row per (batch_code, aggregation_level, school_id); updates bump
// data_version and append a history entry.
type AggregationRepository struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAggregationRepository creates a new AggregationRepository.
func NewAggregationRepository(conn *Connection, logger *slog.Logger) *AggregationRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregationRepository{conn: conn, logger: logger}
}

const aggregationColumns = `
	id, batch_code, aggregation_level, school_id, school_name, subjects,
	calculation_status, total_students, bad_rows, duration_ms,
	school_total, school_succeeded, school_failed,
	data_version, created_at, updated_at
`

// ─────────────────────────────────────────────────────────────────────────────
// Upsert
// ─────────────────────────────────────────────────────────────────────────────

// Upsert writes a result, keeping exactly one row per key. Re-upserting an
// identical result is a no-op; a changed result bumps the version and appends
// an immutable history entry carrying the prior snapshot. History failures
// are logged and never abort the primary write.
func (r *AggregationRepository) Upsert(ctx context.Context, result *aggregation.AggregationResult) error {
	subjectsJSON, err := json.Marshal(result.Subjects)
	if err != nil {
		return shared.WrapError("aggregation", "Upsert", shared.ErrInvalidInput, "failed to marshal subjects", err)
	}

	existing, err := r.Get(ctx, result.BatchCode, result.Level, result.SchoolID)
	if err != nil && !shared.IsNotFound(err) {
		return err
	}

	now := time.Now().UTC()

	if existing == nil {
		result.Version = 1
		result.CreatedAt = now
		result.UpdatedAt = now
		if err := r.insert(ctx, result, subjectsJSON); err != nil {
			// A concurrent first write for the same key degrades to an update.
			if !IsUniqueViolation(err) {
				return shared.WrapError("aggregation", "Upsert", shared.ErrPersistence, "insert failed", err)
			}
			existing, err = r.Get(ctx, result.BatchCode, result.Level, result.SchoolID)
			if err != nil {
				return err
			}
		} else {
			r.appendHistory(result.ID, aggregation.ChangeCreated, nil, result, "initial computation")
			return nil
		}
	}

	if existing.Equivalent(result) {
		return nil
	}

	result.ID = existing.ID
	result.Version = existing.Version + 1
	result.CreatedAt = existing.CreatedAt
	result.UpdatedAt = now

	query := `
		UPDATE statistical_aggregations SET
			school_name = $1,
			subjects = $2,
			calculation_status = $3,
			total_students = $4,
			bad_rows = $5,
			duration_ms = $6,
			data_version = $7,
			updated_at = $8
		WHERE batch_code = $9 AND aggregation_level = $10 AND school_id = $11
	`
	tag, err := r.conn.Exec(ctx, query,
		result.SchoolName,
		subjectsJSON,
		string(result.Status),
		result.TotalStudents,
		result.BadRows,
		result.Duration.Milliseconds(),
		result.Version,
		result.UpdatedAt,
		result.BatchCode,
		string(result.Level),
		result.SchoolID,
	)
	if err != nil {
		return shared.WrapError("aggregation", "Upsert", shared.ErrPersistence, "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return aggregation.ErrResultNotFound
	}

	r.appendHistory(result.ID, aggregation.ChangeUpdated, existing, result, "recomputation")
	return nil
}

func (r *AggregationRepository) insert(ctx context.Context, result *aggregation.AggregationResult, subjectsJSON []byte) error {
	query := `
		INSERT INTO statistical_aggregations (` + aggregationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.conn.Exec(ctx, query,
		result.ID,
		result.BatchCode,
		string(result.Level),
		result.SchoolID,
		result.SchoolName,
		subjectsJSON,
		string(result.Status),
		result.TotalStudents,
		result.BadRows,
		result.Duration.Milliseconds(),
		result.SchoolTotal,
		result.SchoolSucceeded,
		result.SchoolFailed,
		result.Version,
		result.CreatedAt,
		result.UpdatedAt,
	)
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// Get returns the latest version for a key, or ErrResultNotFound.
func (r *AggregationRepository) Get(ctx context.Context, batchCode string, level aggregation.Level, schoolID string) (*aggregation.AggregationResult, error) {
	query := `
		SELECT ` + aggregationColumns + `
		FROM statistical_aggregations
		WHERE batch_code = $1 AND aggregation_level = $2 AND school_id = $3
	`
	row := r.conn.QueryRow(ctx, query, batchCode, string(level), schoolID)
	return r.scanResult(row)
}

// GetRecent returns recently updated results, newest first.
func (r *AggregationRepository) GetRecent(ctx context.Context, limit int) ([]*aggregation.AggregationResult, error) {
	query := `
		SELECT ` + aggregationColumns + `
		FROM statistical_aggregations
		ORDER BY updated_at DESC
		LIMIT $1
	`
	rows, err := r.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, shared.WrapError("aggregation", "GetRecent", shared.ErrPersistence, "query failed", err)
	}
	defer rows.Close()

	var results []*aggregation.AggregationResult
	for rows.Next() {
		result, err := r.scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// GetBatchSummary returns per-level counts and status for a batch.
func (r *AggregationRepository) GetBatchSummary(ctx context.Context, batchCode string) (*aggregation.BatchSummary, error) {
	query := `
		SELECT aggregation_level, calculation_status, updated_at
		FROM statistical_aggregations
		WHERE batch_code = $1
	`
	rows, err := r.conn.Query(ctx, query, batchCode)
	if err != nil {
		return nil, shared.WrapError("aggregation", "GetBatchSummary", shared.ErrPersistence, "query failed", err)
	}
	defer rows.Close()

	summary := &aggregation.BatchSummary{BatchCode: batchCode}
	for rows.Next() {
		var level, status string
		var updatedAt time.Time
		if err := rows.Scan(&level, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch summary row: %w", err)
		}
		if updatedAt.After(summary.LastUpdatedAt) {
			summary.LastUpdatedAt = updatedAt
		}
		if aggregation.Level(level) == aggregation.LevelRegional {
			summary.HasRegional = true
			summary.RegionalStatus = aggregation.Status(status)
			continue
		}
		summary.SchoolTotal++
		switch aggregation.Status(status) {
		case aggregation.StatusCompleted:
			summary.SchoolCompleted++
		case aggregation.StatusFailed:
			summary.SchoolFailed++
		case aggregation.StatusProcessing:
			summary.SchoolProcessing++
		}
	}
	return summary, rows.Err()
}

// GetHistory returns the most recent history entries, newest first.
func (r *AggregationRepository) GetHistory(ctx context.Context, aggregationID string, limit int) ([]aggregation.HistoryEntry, error) {
	query := `
		SELECT id, aggregation_id, change_type, previous_snapshot, new_snapshot, reason, actor, created_at
		FROM statistical_history
		WHERE aggregation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.conn.Query(ctx, query, aggregationID, limit)
	if err != nil {
		return nil, shared.WrapError("aggregation", "GetHistory", shared.ErrPersistence, "query failed", err)
	}
	defer rows.Close()

	var entries []aggregation.HistoryEntry
	for rows.Next() {
		var entry aggregation.HistoryEntry
		var changeType string
		if err := rows.Scan(
			&entry.ID,
			&entry.AggregationID,
			&changeType,
			&entry.PreviousSnapshot,
			&entry.NewSnapshot,
			&entry.Reason,
			&entry.Actor,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.ChangeType = aggregation.ChangeType(changeType)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Status & counts
// ─────────────────────────────────────────────────────────────────────────────

// UpdateStatus applies a monotonic status transition to a result.
func (r *AggregationRepository) UpdateStatus(ctx context.Context, batchCode string, level aggregation.Level, schoolID string, status aggregation.Status, reason string) error {
	existing, err := r.Get(ctx, batchCode, level, schoolID)
	if err != nil {
		return err
	}
	if existing.Status == status {
		return nil
	}
	if !existing.Status.CanTransitionTo(status) {
		return shared.NewDomainError("aggregation", "UpdateStatus", shared.ErrStateTransition,
			fmt.Sprintf("cannot transition %s -> %s", existing.Status, status))
	}

	query := `
		UPDATE statistical_aggregations
		SET calculation_status = $1, updated_at = $2
		WHERE batch_code = $3 AND aggregation_level = $4 AND school_id = $5
	`
	if _, err := r.conn.Exec(ctx, query, string(status), time.Now().UTC(), batchCode, string(level), schoolID); err != nil {
		return shared.WrapError("aggregation", "UpdateStatus", shared.ErrPersistence, "update failed", err)
	}

	updated := *existing
	updated.Status = status
	r.appendHistory(existing.ID, aggregation.ChangeStatusChanged, existing, &updated, reason)
	return nil
}

// UpdateBatchCounts writes the fan-out counts onto the regional row.
func (r *AggregationRepository) UpdateBatchCounts(ctx context.Context, batchCode string, total, succeeded, failed int) error {
	query := `
		UPDATE statistical_aggregations
		SET school_total = $1, school_succeeded = $2, school_failed = $3, updated_at = $4
		WHERE batch_code = $5 AND aggregation_level = $6
	`
	tag, err := r.conn.Exec(ctx, query, total, succeeded, failed, time.Now().UTC(),
		batchCode, string(aggregation.LevelRegional))
	if err != nil {
		return shared.WrapError("aggregation", "UpdateBatchCounts", shared.ErrPersistence, "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return aggregation.ErrResultNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Deletion
// ─────────────────────────────────────────────────────────────────────────────

// DeleteBatch removes all results for a batch, recording deletion history.
func (r *AggregationRepository) DeleteBatch(ctx context.Context, batchCode string, reason string) (int64, error) {
	var deleted int64
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+aggregationColumns+` FROM statistical_aggregations WHERE batch_code = $1`,
			batchCode)
		if err != nil {
			return err
		}
		var results []*aggregation.AggregationResult
		for rows.Next() {
			result, err := r.scanResult(rows)
			if err != nil {
				rows.Close()
				return err
			}
			results = append(results, result)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, result := range results {
			snapshot, err := json.Marshal(result)
			if err != nil {
				continue
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO statistical_history
					(id, aggregation_id, change_type, previous_snapshot, new_snapshot, reason, actor, created_at)
				VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)`,
				uuid.NewString(), result.ID, string(aggregation.ChangeDeleted),
				snapshot, reason, "system", time.Now().UTC())
			if err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx,
			`DELETE FROM statistical_aggregations WHERE batch_code = $1`, batchCode)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, shared.WrapError("aggregation", "DeleteBatch", shared.ErrPersistence, "delete failed", err)
	}
	return deleted, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// appendHistory writes one immutable history entry. Failures are logged and
// never surfaced: the audit trail must not abort a committed primary write.
func (r *AggregationRepository) appendHistory(aggregationID string, changeType aggregation.ChangeType, previous, current *aggregation.AggregationResult, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var prevJSON, newJSON []byte
	var err error
	if previous != nil {
		if prevJSON, err = json.Marshal(previous); err != nil {
			r.logger.Warn("failed to marshal previous snapshot", "aggregation_id", aggregationID, "error", err)
			prevJSON = nil
		}
	}
	if current != nil {
		if newJSON, err = json.Marshal(current); err != nil {
			r.logger.Warn("failed to marshal new snapshot", "aggregation_id", aggregationID, "error", err)
			newJSON = nil
		}
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO statistical_history
			(id, aggregation_id, change_type, previous_snapshot, new_snapshot, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), aggregationID, string(changeType),
		prevJSON, newJSON, reason, "system", time.Now().UTC())
	if err != nil {
		r.logger.Warn("history write failed",
			"aggregation_id", aggregationID, "change_type", string(changeType), "error", err)
	}
}

// scanResult scans a single aggregation result from a row.
func (r *AggregationRepository) scanResult(row pgx.Row) (*aggregation.AggregationResult, error) {
	var result aggregation.AggregationResult
	var level, status string
	var subjectsJSON []byte
	var durationMs int64

	err := row.Scan(
		&result.ID,
		&result.BatchCode,
		&level,
		&result.SchoolID,
		&result.SchoolName,
		&subjectsJSON,
		&status,
		&result.TotalStudents,
		&result.BadRows,
		&durationMs,
		&result.SchoolTotal,
		&result.SchoolSucceeded,
		&result.SchoolFailed,
		&result.Version,
		&result.CreatedAt,
		&result.UpdatedAt,
	)
	if IsNoRows(err) {
		return nil, aggregation.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan aggregation result: %w", err)
	}

	result.Level = aggregation.Level(level)
	result.Status = aggregation.Status(status)
	result.Duration = time.Duration(durationMs) * time.Millisecond
	result.Subjects = map[string]*aggregation.SubjectStatistics{}
	if len(subjectsJSON) > 0 {
		if err := json.Unmarshal(subjectsJSON, &result.Subjects); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subjects: %w", err)
		}
	}
	return &result, nil
}
