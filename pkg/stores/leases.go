package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const leaseColumns = `
	user_email, uuid, status, aws_account_id, template_name, approved_by,
	max_spend, budget_thresholds, lease_duration_hours, expiration_date,
	duration_thresholds, total_cost_accrued, last_checked_date, start_date,
	expiry_reason, end_date, created_at, last_edit_time`

// CreateLease inserts a new lease. A lease with the same key yields ErrAlreadyExists.
func (s *SQLiteStore) CreateLease(ctx context.Context, lease *Lease) error {
	now := s.clock.Now().UTC()
	if lease.CreatedAt.IsZero() {
		lease.CreatedAt = now
	}

	budget, err := marshalColumn(lease.BudgetThresholds, "[]")
	if err != nil {
		return err
	}
	duration, err := marshalColumn(lease.DurationThresholds, "[]")
	if err != nil {
		return err
	}

	query := `INSERT INTO leases (` + leaseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		lease.UserEmail,
		lease.UUID,
		lease.Status,
		lease.AWSAccountID,
		lease.TemplateName,
		lease.ApprovedBy,
		nullFloat(lease.MaxSpend),
		budget,
		nullFloat(lease.LeaseDurationInHours),
		formatNullTime(lease.ExpirationDate),
		duration,
		lease.TotalCostAccrued,
		formatNullTime(lease.LastCheckedDate),
		formatNullTime(lease.StartDate),
		lease.ExpiryReason,
		formatNullTime(lease.EndDate),
		formatTime(lease.CreatedAt),
		formatTime(now),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("lease %s: %w", lease.LeaseKey, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	lease.LastEditTime = now
	return nil
}

// GetLease retrieves a lease by key
func (s *SQLiteStore) GetLease(ctx context.Context, key LeaseKey) (*Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE user_email = ? AND uuid = ?`

	lease, err := scanLease(s.db.QueryRowContext(ctx, query, key.UserEmail, key.UUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return lease, nil
}

// UpdateLease writes the lifecycle columns of a lease. When expected is set the
// write only happens if the stored LastEditTime still equals it, otherwise
// ErrConcurrentModification is returned and the row is left alone. On success
// lease.LastEditTime holds the new token.
//
// Cost and last-checked columns are not touched; see RecordLeaseCheck.
func (s *SQLiteStore) UpdateLease(ctx context.Context, lease *Lease, expected *time.Time) error {
	budget, err := marshalColumn(lease.BudgetThresholds, "[]")
	if err != nil {
		return err
	}
	duration, err := marshalColumn(lease.DurationThresholds, "[]")
	if err != nil {
		return err
	}

	var next time.Time
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		next, err = s.guardedUpdate(ctx, tx, "leases", "user_email = ? AND uuid = ?",
			[]any{lease.UserEmail, lease.UUID}, expected,
			func(nextToken, current string) (sql.Result, error) {
				return tx.ExecContext(ctx, `
					UPDATE leases SET
						status = ?, aws_account_id = ?, template_name = ?, approved_by = ?,
						max_spend = ?, budget_thresholds = ?, lease_duration_hours = ?,
						expiration_date = ?, duration_thresholds = ?, start_date = ?,
						expiry_reason = ?, end_date = ?, last_edit_time = ?
					WHERE user_email = ? AND uuid = ? AND last_edit_time = ?`,
					lease.Status,
					lease.AWSAccountID,
					lease.TemplateName,
					lease.ApprovedBy,
					nullFloat(lease.MaxSpend),
					budget,
					nullFloat(lease.LeaseDurationInHours),
					formatNullTime(lease.ExpirationDate),
					duration,
					formatNullTime(lease.StartDate),
					lease.ExpiryReason,
					formatNullTime(lease.EndDate),
					nextToken,
					lease.UserEmail,
					lease.UUID,
					current,
				)
			})
		return err
	})
	if err != nil {
		return fmt.Errorf("lease %s: %w", lease.LeaseKey, err)
	}

	lease.LastEditTime = next
	return nil
}

// RecordLeaseCheck stores the result of a monitoring pass. It is
// unconditional: concurrent cycles resolve last-writer-wins.
func (s *SQLiteStore) RecordLeaseCheck(ctx context.Context, key LeaseKey, totalCost float64, checkedAt time.Time) error {
	query := `
		UPDATE leases
		SET total_cost_accrued = ?, last_checked_date = ?
		WHERE user_email = ? AND uuid = ?
	`

	result, err := s.db.ExecContext(ctx, query, totalCost, formatTime(checkedAt), key.UserEmail, key.UUID)
	if err != nil {
		return fmt.Errorf("failed to record lease check: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("lease %s: %w", key, ErrNotFound)
	}

	return nil
}

// ListLeases returns one page of leases ordered by key.
func (s *SQLiteStore) ListLeases(ctx context.Context, filter LeaseFilter, page PageRequest) (*Page[*Lease], error) {
	limit := pageLimit(page.Limit)

	var (
		where []string
		args  []any
	)

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	if page.Cursor != "" {
		keys, err := decodeCursor(page.Cursor, 2)
		if err != nil {
			return nil, err
		}
		where = append(where, "(user_email > ? OR (user_email = ? AND uuid > ?))")
		args = append(args, keys[0], keys[0], keys[1])
	}

	query := `SELECT ` + leaseColumns + ` FROM leases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY user_email, uuid LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	var leases []*Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate leases: %w", err)
	}

	result := &Page[*Lease]{Items: leases}
	if len(leases) > limit {
		result.Items = leases[:limit]
		last := result.Items[limit-1]
		result.NextCursor = encodeCursor(last.UserEmail, last.UUID)
	}
	return result, nil
}

func scanLease(row rowScanner) (*Lease, error) {
	var (
		lease          Lease
		maxSpend       sql.NullFloat64
		budget         string
		durationHours  sql.NullFloat64
		expirationDate sql.NullString
		duration       string
		lastChecked    sql.NullString
		startDate      sql.NullString
		endDate        sql.NullString
		createdAt      string
		lastEdit       string
	)

	err := row.Scan(
		&lease.UserEmail,
		&lease.UUID,
		&lease.Status,
		&lease.AWSAccountID,
		&lease.TemplateName,
		&lease.ApprovedBy,
		&maxSpend,
		&budget,
		&durationHours,
		&expirationDate,
		&duration,
		&lease.TotalCostAccrued,
		&lastChecked,
		&startDate,
		&lease.ExpiryReason,
		&endDate,
		&createdAt,
		&lastEdit,
	)
	if err != nil {
		return nil, err
	}

	lease.MaxSpend = floatPtr(maxSpend)
	lease.LeaseDurationInHours = floatPtr(durationHours)

	if err := json.Unmarshal([]byte(budget), &lease.BudgetThresholds); err != nil {
		return nil, fmt.Errorf("failed to decode budget thresholds: %w", err)
	}
	if err := json.Unmarshal([]byte(duration), &lease.DurationThresholds); err != nil {
		return nil, fmt.Errorf("failed to decode duration thresholds: %w", err)
	}

	if lease.ExpirationDate, err = parseNullTime(expirationDate); err != nil {
		return nil, err
	}
	if lease.LastCheckedDate, err = parseNullTime(lastChecked); err != nil {
		return nil, err
	}
	if lease.StartDate, err = parseNullTime(startDate); err != nil {
		return nil, err
	}
	if lease.EndDate, err = parseNullTime(endDate); err != nil {
		return nil, err
	}
	if lease.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lease.LastEditTime, err = parseTime(lastEdit); err != nil {
		return nil, err
	}

	return &lease, nil
}
