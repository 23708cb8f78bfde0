package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const healthColumns = `
	deployment_count, success_count, consecutive_failures,
	total_duration_seconds, last_success_at, last_failure_at`

const blueprintColumns = `id, name, description, version, created_by, tags,` + healthColumns + `, created_at, last_edit_time`

const targetColumns = `blueprint_id, id, template_ref, regions, rollout,` + healthColumns + `, created_at, last_edit_time`

// CreateBlueprint inserts a blueprint and its deployment targets atomically.
// If any row collides with an existing key nothing is written and
// ErrAlreadyExists is returned.
func (s *SQLiteStore) CreateBlueprint(ctx context.Context, bp *Blueprint, targets ...*DeploymentTarget) error {
	now := s.clock.Now().UTC()

	if bp.CreatedAt.IsZero() {
		bp.CreatedAt = now
	}
	if bp.Version == 0 {
		bp.Version = 1
	}

	tags, err := marshalColumn(bp.Tags, "{}")
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blueprints (id, name, description, version, created_by, tags, created_at, last_edit_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			bp.ID, bp.Name, bp.Description, bp.Version, bp.CreatedBy, tags,
			formatTime(bp.CreatedAt), formatTime(now),
		)
		if isConstraintViolation(err) {
			return fmt.Errorf("blueprint %s: %w", bp.ID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("failed to create blueprint: %w", err)
		}

		for _, target := range targets {
			target.BlueprintID = bp.ID
			if target.CreatedAt.IsZero() {
				target.CreatedAt = now
			}
			if err := insertTarget(ctx, tx, target, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	bp.LastEditTime = now
	bp.Health = HealthMetrics{}
	for _, target := range targets {
		target.LastEditTime = now
		target.Health = HealthMetrics{}
	}
	return nil
}

func insertTarget(ctx context.Context, tx *sql.Tx, target *DeploymentTarget, now time.Time) error {
	regions, err := marshalColumn(target.Regions, "[]")
	if err != nil {
		return err
	}
	rollout, err := marshalColumn(target.Rollout, "{}")
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployment_targets (blueprint_id, id, template_ref, regions, rollout, created_at, last_edit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		target.BlueprintID, target.ID, target.TemplateRef, regions, rollout,
		formatTime(target.CreatedAt), formatTime(now),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("deployment target %s/%s: %w", target.BlueprintID, target.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create deployment target: %w", err)
	}
	return nil
}

// GetBlueprint retrieves a blueprint by ID
func (s *SQLiteStore) GetBlueprint(ctx context.Context, id string) (*Blueprint, error) {
	query := `SELECT ` + blueprintColumns + ` FROM blueprints WHERE id = ?`

	bp, err := scanBlueprint(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blueprint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blueprint: %w", err)
	}
	return bp, nil
}

// ListBlueprints returns one page of blueprints ordered by ID.
func (s *SQLiteStore) ListBlueprints(ctx context.Context, page PageRequest) (*Page[*Blueprint], error) {
	limit := pageLimit(page.Limit)

	query := `SELECT ` + blueprintColumns + ` FROM blueprints`
	var args []any
	if page.Cursor != "" {
		keys, err := decodeCursor(page.Cursor, 1)
		if err != nil {
			return nil, err
		}
		query += ` WHERE id > ?`
		args = append(args, keys[0])
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blueprints: %w", err)
	}
	defer rows.Close()

	var blueprints []*Blueprint
	for rows.Next() {
		bp, err := scanBlueprint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blueprint: %w", err)
		}
		blueprints = append(blueprints, bp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blueprints: %w", err)
	}

	result := &Page[*Blueprint]{Items: blueprints}
	if len(blueprints) > limit {
		result.Items = blueprints[:limit]
		result.NextCursor = encodeCursor(result.Items[limit-1].ID)
	}
	return result, nil
}

// UpdateBlueprint writes the descriptive fields of a blueprint and bumps its
// version. Health counters are never overwritten here.
func (s *SQLiteStore) UpdateBlueprint(ctx context.Context, bp *Blueprint, expected *time.Time) error {
	return s.UpdateBlueprintWithTargets(ctx, bp, expected, nil)
}

// UpdateBlueprintWithTargets updates a blueprint and any number of its targets
// in one transaction. Every entity is checked against its own expected token;
// one mismatch rolls back the whole update.
func (s *SQLiteStore) UpdateBlueprintWithTargets(ctx context.Context, bp *Blueprint, expected *time.Time, targets []TargetUpdate) error {
	tags, err := marshalColumn(bp.Tags, "{}")
	if err != nil {
		return err
	}

	var (
		bpEdit      time.Time
		version     int
		targetEdits = make([]time.Time, len(targets))
	)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		bpEdit, err = s.guardedUpdate(ctx, tx, "blueprints", "id = ?", []any{bp.ID}, expected,
			func(next, current string) (sql.Result, error) {
				return tx.ExecContext(ctx, `
					UPDATE blueprints
					SET name = ?, description = ?, tags = ?, version = version + 1, last_edit_time = ?
					WHERE id = ? AND last_edit_time = ?`,
					bp.Name, bp.Description, tags, next, bp.ID, current,
				)
			})
		if err != nil {
			return fmt.Errorf("blueprint %s: %w", bp.ID, err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT version FROM blueprints WHERE id = ?`, bp.ID).Scan(&version); err != nil {
			return fmt.Errorf("failed to read blueprint version: %w", err)
		}

		for i, tu := range targets {
			if tu.Target.BlueprintID == "" {
				tu.Target.BlueprintID = bp.ID
			}
			if tu.Target.BlueprintID != bp.ID {
				return fmt.Errorf("deployment target %s belongs to blueprint %s, not %s", tu.Target.ID, tu.Target.BlueprintID, bp.ID)
			}
			edit, err := s.updateTarget(ctx, tx, tu.Target, tu.Expected)
			if err != nil {
				return err
			}
			targetEdits[i] = edit
		}
		return nil
	})
	if err != nil {
		return err
	}

	bp.LastEditTime = bpEdit
	bp.Version = version
	for i, tu := range targets {
		tu.Target.LastEditTime = targetEdits[i]
	}
	return nil
}

// DeleteBlueprint removes a blueprint and, through the foreign key cascade,
// its deployment targets. Deployment history is kept.
func (s *SQLiteStore) DeleteBlueprint(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blueprints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete blueprint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("blueprint %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetDeploymentTarget retrieves a single target of a blueprint
func (s *SQLiteStore) GetDeploymentTarget(ctx context.Context, blueprintID, targetID string) (*DeploymentTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM deployment_targets WHERE blueprint_id = ? AND id = ?`

	target, err := scanTarget(s.db.QueryRowContext(ctx, query, blueprintID, targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment target %s/%s: %w", blueprintID, targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment target: %w", err)
	}
	return target, nil
}

// ListDeploymentTargets returns every target of a blueprint ordered by ID.
func (s *SQLiteStore) ListDeploymentTargets(ctx context.Context, blueprintID string) ([]*DeploymentTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM deployment_targets WHERE blueprint_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, blueprintID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment targets: %w", err)
	}
	defer rows.Close()

	var targets []*DeploymentTarget
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment target: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// UpdateDeploymentTarget writes the template, regions and rollout of a target.
func (s *SQLiteStore) UpdateDeploymentTarget(ctx context.Context, target *DeploymentTarget, expected *time.Time) error {
	var edit time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		edit, err = s.updateTarget(ctx, tx, target, expected)
		return err
	})
	if err != nil {
		return err
	}

	target.LastEditTime = edit
	return nil
}

func (s *SQLiteStore) updateTarget(ctx context.Context, tx *sql.Tx, target *DeploymentTarget, expected *time.Time) (time.Time, error) {
	regions, err := marshalColumn(target.Regions, "[]")
	if err != nil {
		return time.Time{}, err
	}
	rollout, err := marshalColumn(target.Rollout, "{}")
	if err != nil {
		return time.Time{}, err
	}

	edit, err := s.guardedUpdate(ctx, tx, "deployment_targets", "blueprint_id = ? AND id = ?",
		[]any{target.BlueprintID, target.ID}, expected,
		func(next, current string) (sql.Result, error) {
			return tx.ExecContext(ctx, `
				UPDATE deployment_targets
				SET template_ref = ?, regions = ?, rollout = ?, last_edit_time = ?
				WHERE blueprint_id = ? AND id = ? AND last_edit_time = ?`,
				target.TemplateRef, regions, rollout, next,
				target.BlueprintID, target.ID, current,
			)
		})
	if err != nil {
		return time.Time{}, fmt.Errorf("deployment target %s/%s: %w", target.BlueprintID, target.ID, err)
	}
	return edit, nil
}

func scanHealth(h *HealthMetrics, lastSuccess, lastFailure sql.NullString) error {
	var err error
	if h.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return err
	}
	if h.LastFailureAt, err = parseNullTime(lastFailure); err != nil {
		return err
	}
	return nil
}

func scanBlueprint(row rowScanner) (*Blueprint, error) {
	var (
		bp          Blueprint
		tags        string
		lastSuccess sql.NullString
		lastFailure sql.NullString
		createdAt   string
		lastEdit    string
	)

	err := row.Scan(
		&bp.ID,
		&bp.Name,
		&bp.Description,
		&bp.Version,
		&bp.CreatedBy,
		&tags,
		&bp.Health.DeploymentCount,
		&bp.Health.SuccessCount,
		&bp.Health.ConsecutiveFailures,
		&bp.Health.TotalDurationSeconds,
		&lastSuccess,
		&lastFailure,
		&createdAt,
		&lastEdit,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &bp.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode blueprint tags: %w", err)
	}
	if err := scanHealth(&bp.Health, lastSuccess, lastFailure); err != nil {
		return nil, err
	}
	if bp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if bp.LastEditTime, err = parseTime(lastEdit); err != nil {
		return nil, err
	}
	return &bp, nil
}

func scanTarget(row rowScanner) (*DeploymentTarget, error) {
	var (
		target      DeploymentTarget
		regions     string
		rollout     string
		lastSuccess sql.NullString
		lastFailure sql.NullString
		createdAt   string
		lastEdit    string
	)

	err := row.Scan(
		&target.BlueprintID,
		&target.ID,
		&target.TemplateRef,
		&regions,
		&rollout,
		&target.Health.DeploymentCount,
		&target.Health.SuccessCount,
		&target.Health.ConsecutiveFailures,
		&target.Health.TotalDurationSeconds,
		&lastSuccess,
		&lastFailure,
		&createdAt,
		&lastEdit,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(regions), &target.Regions); err != nil {
		return nil, fmt.Errorf("failed to decode target regions: %w", err)
	}
	if err := json.Unmarshal([]byte(rollout), &target.Rollout); err != nil {
		return nil, fmt.Errorf("failed to decode rollout policy: %w", err)
	}
	if err := scanHealth(&target.Health, lastSuccess, lastFailure); err != nil {
		return nil, err
	}
	if target.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if target.LastEditTime, err = parseTime(lastEdit); err != nil {
		return nil, err
	}
	return &target, nil
}
