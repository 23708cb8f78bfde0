package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const recordColumns = `
	blueprint_id, started_at, operation_id, target_id, lease_id, account_id,
	status, completed_at, duration_seconds, error_type, error_message, expires_at`

// RecordAttemptStart inserts the history record of a deployment attempt.
//
// Attempts that already failed at creation time arrive terminal; for those the
// blueprint and target health counters are incremented in the same transaction.
func (s *SQLiteStore) RecordAttemptStart(ctx context.Context, record *DeploymentRecord) error {
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.StartedAt.Add(DefaultHistoryRetention)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO deployment_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.BlueprintID,
			formatTime(record.StartedAt),
			record.OperationID,
			record.TargetID,
			record.LeaseID,
			record.AccountID,
			record.Status,
			formatNullTime(record.CompletedAt),
			nullFloat(record.DurationSeconds),
			record.ErrorType,
			record.ErrorMessage,
			formatTime(record.ExpiresAt),
		)
		if isConstraintViolation(err) {
			return fmt.Errorf("deployment %s: %w", record.OperationID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("failed to record deployment start: %w", err)
		}

		if !record.Status.Terminal() {
			return nil
		}

		completedAt := record.StartedAt
		if record.CompletedAt != nil {
			completedAt = *record.CompletedAt
		}
		var duration float64
		if record.DurationSeconds != nil {
			duration = *record.DurationSeconds
		}
		return applyHealth(ctx, tx, record.BlueprintID, record.TargetID, record.Status, completedAt, duration)
	})
}

// RecordAttemptTerminal moves a RUNNING record to its terminal status and
// updates blueprint and target health in a single transaction. A record that
// is already terminal yields ErrAlreadyTerminal and nothing changes.
func (s *SQLiteStore) RecordAttemptTerminal(ctx context.Context, update TerminalUpdate) (*DeploymentRecord, error) {
	if !update.Status.Terminal() {
		return nil, fmt.Errorf("status %q is not terminal", update.Status)
	}

	var record *DeploymentRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM deployment_records WHERE operation_id = ?`, update.OperationID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deployment %s: %w", update.OperationID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read deployment record: %w", err)
		}
		if current.Status.Terminal() {
			return fmt.Errorf("deployment %s: %w", update.OperationID, ErrAlreadyTerminal)
		}

		duration := update.CompletedAt.Sub(current.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE deployment_records
			SET status = ?, completed_at = ?, duration_seconds = ?, error_type = ?, error_message = ?
			WHERE operation_id = ? AND status = ?`,
			update.Status,
			formatTime(update.CompletedAt),
			duration,
			update.ErrorType,
			update.ErrorMessage,
			update.OperationID,
			DeploymentStatusRunning,
		)
		if err != nil {
			return fmt.Errorf("failed to record deployment outcome: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("deployment %s: %w", update.OperationID, ErrAlreadyTerminal)
		}

		if err := applyHealth(ctx, tx, current.BlueprintID, current.TargetID, update.Status, update.CompletedAt, duration); err != nil {
			return err
		}

		completedAt := update.CompletedAt.UTC()
		current.Status = update.Status
		current.CompletedAt = &completedAt
		current.DurationSeconds = &duration
		current.ErrorType = update.ErrorType
		current.ErrorMessage = update.ErrorMessage
		record = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// applyHealth increments the health counters of a blueprint and one of its
// targets in place. Rows that no longer exist are skipped.
func applyHealth(ctx context.Context, tx *sql.Tx, blueprintID, targetID string, status DeploymentStatus, at time.Time, duration float64) error {
	success := 0
	if status == DeploymentStatusSucceeded {
		success = 1
	}
	stamp := formatTime(at)

	set := `
		deployment_count = deployment_count + 1,
		success_count = success_count + ?,
		consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE consecutive_failures + 1 END,
		total_duration_seconds = total_duration_seconds + ?,
		last_success_at = CASE WHEN ? = 1 THEN ? ELSE last_success_at END,
		last_failure_at = CASE WHEN ? = 1 THEN last_failure_at ELSE ? END`
	args := []any{success, success, duration, success, stamp, success, stamp}

	if _, err := tx.ExecContext(ctx, `UPDATE blueprints SET `+set+` WHERE id = ?`,
		append(args, blueprintID)...); err != nil {
		return fmt.Errorf("failed to update blueprint health: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE deployment_targets SET `+set+` WHERE blueprint_id = ? AND id = ?`,
		append(args, blueprintID, targetID)...); err != nil {
		return fmt.Errorf("failed to update target health: %w", err)
	}

	return nil
}

// GetDeploymentRecord retrieves a deployment record by operation ID
func (s *SQLiteStore) GetDeploymentRecord(ctx context.Context, operationID string) (*DeploymentRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records WHERE operation_id = ?`, operationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", operationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment record: %w", err)
	}
	return record, nil
}

// ListDeploymentRecords returns a blueprint's deployment history, newest first.
func (s *SQLiteStore) ListDeploymentRecords(ctx context.Context, blueprintID string, page PageRequest) (*Page[*DeploymentRecord], error) {
	limit := pageLimit(page.Limit)

	query := `SELECT ` + recordColumns + ` FROM deployment_records WHERE blueprint_id = ?`
	args := []any{blueprintID}
	if page.Cursor != "" {
		keys, err := decodeCursor(page.Cursor, 2)
		if err != nil {
			return nil, err
		}
		query += ` AND (started_at < ? OR (started_at = ? AND operation_id < ?))`
		args = append(args, keys[0], keys[0], keys[1])
	}
	query += ` ORDER BY started_at DESC, operation_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment records: %w", err)
	}
	defer rows.Close()

	var records []*DeploymentRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployment records: %w", err)
	}

	result := &Page[*DeploymentRecord]{Items: records}
	if len(records) > limit {
		result.Items = records[:limit]
		last := result.Items[limit-1]
		result.NextCursor = encodeCursor(formatTime(last.StartedAt), last.OperationID)
	}
	return result, nil
}

// PruneDeploymentHistory deletes terminal records whose retention window has
// passed and returns how many were removed.
func (s *SQLiteStore) PruneDeploymentHistory(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM deployment_records WHERE expires_at <= ? AND status != ?`,
		formatTime(now), DeploymentStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deployment history: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func scanRecord(row rowScanner) (*DeploymentRecord, error) {
	var (
		record      DeploymentRecord
		startedAt   string
		completedAt sql.NullString
		duration    sql.NullFloat64
		expiresAt   string
	)

	err := row.Scan(
		&record.BlueprintID,
		&startedAt,
		&record.OperationID,
		&record.TargetID,
		&record.LeaseID,
		&record.AccountID,
		&record.Status,
		&completedAt,
		&duration,
		&record.ErrorType,
		&record.ErrorMessage,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if record.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if record.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if record.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	record.DurationSeconds = floatPtr(duration)

	return &record, nil
}
