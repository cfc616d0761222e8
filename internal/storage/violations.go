package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vigil-ai/vigil/internal/model"
)

const violationCols = `id, workspace_id, trace_id, rule_id, type, severity, message,
	detected_at, status, original_content, redacted_content, metadata,
	acknowledged_by, acknowledged_at, resolved_at`

// ViolationExists reports whether a violation already exists for a
// (rule_id, trace_id) pair. The detection engine checks this before insert;
// the unique index on the pair is the backstop under concurrent redelivery.
func (db *DB) ViolationExists(ctx context.Context, ruleID uuid.UUID, traceID string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM violations WHERE rule_id = $1 AND trace_id = $2)`,
		ruleID, traceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: violation exists: %w", err)
	}
	return exists, nil
}

// InsertViolation persists a new violation. A concurrent duplicate for the
// same (rule_id, trace_id) hits the unique index and returns ErrDuplicate,
// which callers treat as a no-op rather than a failure.
func (db *DB) InsertViolation(ctx context.Context, v model.Violation) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO violations (id, workspace_id, trace_id, rule_id, type, severity, message,
		                         detected_at, status, original_content, redacted_content, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.WorkspaceID, v.TraceID, v.RuleID, string(v.Type), string(v.Severity), v.Message,
		v.DetectedAt, string(v.Status), v.OriginalContent, v.RedactedContent, v.Metadata,
	)
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("storage: insert violation: %w", err)
	}
	return nil
}

// ListViolations returns a workspace's violations, optionally filtered by
// status, newest first, with the unfiltered-total for the same filter.
func (db *DB) ListViolations(ctx context.Context, workspaceID uuid.UUID, status *model.ViolationStatus, limit, offset int) ([]model.Violation, int, error) {
	if limit <= 0 {
		limit = 100
	}

	where := `WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != nil {
		where += ` AND status = $2`
		args = append(args, string(*status))
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM violations `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count violations: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM violations %s ORDER BY detected_at DESC LIMIT %d OFFSET %d`,
		violationCols, where, limit, offset)
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list violations: %w", err)
	}
	defer rows.Close()

	violations, err := scanViolations(rows)
	if err != nil {
		return nil, 0, err
	}
	return violations, total, nil
}

// GetViolation retrieves one violation, scoped by workspace.
func (db *DB) GetViolation(ctx context.Context, workspaceID, id uuid.UUID) (model.Violation, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+violationCols+` FROM violations WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	v, err := scanViolation(row)
	if err == pgx.ErrNoRows {
		return model.Violation{}, ErrNotFound
	}
	if err != nil {
		return model.Violation{}, fmt.Errorf("storage: get violation: %w", err)
	}
	return v, nil
}

// AcknowledgeViolation transitions an open violation to acknowledged.
// Acknowledging an already-acknowledged violation is idempotent: the stored
// actor and timestamp are kept and no error is returned. Acknowledging a
// resolved violation returns ErrInvalidTransition.
func (db *DB) AcknowledgeViolation(ctx context.Context, workspaceID, id uuid.UUID, actor string) (model.Violation, error) {
	v, err := db.GetViolation(ctx, workspaceID, id)
	if err != nil {
		return model.Violation{}, err
	}

	switch {
	case v.Status == model.ViolationStatusAcknowledged:
		return v, nil // idempotent re-acknowledge
	case !v.Status.CanTransition(model.ViolationStatusAcknowledged):
		return model.Violation{}, fmt.Errorf("%w: cannot acknowledge violation in status %q", ErrInvalidTransition, v.Status)
	}

	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE violations
		 SET status = 'acknowledged', acknowledged_by = $3, acknowledged_at = $4
		 WHERE workspace_id = $1 AND id = $2 AND status = 'open'`,
		workspaceID, id, actor, now)
	if err != nil {
		return model.Violation{}, fmt.Errorf("storage: acknowledge violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with another acknowledger; re-read for the stored actor.
		return db.GetViolation(ctx, workspaceID, id)
	}

	v.Status = model.ViolationStatusAcknowledged
	v.AcknowledgedBy = &actor
	v.AcknowledgedAt = &now
	return v, nil
}

// ResolveViolation transitions a violation to resolved. Resolving an
// already-resolved violation is idempotent.
func (db *DB) ResolveViolation(ctx context.Context, workspaceID, id uuid.UUID) (model.Violation, error) {
	v, err := db.GetViolation(ctx, workspaceID, id)
	if err != nil {
		return model.Violation{}, err
	}
	if v.Status == model.ViolationStatusResolved {
		return v, nil
	}

	now := time.Now().UTC()
	if _, err := db.pool.Exec(ctx,
		`UPDATE violations SET status = 'resolved', resolved_at = $3
		 WHERE workspace_id = $1 AND id = $2 AND status <> 'resolved'`,
		workspaceID, id, now); err != nil {
		return model.Violation{}, fmt.Errorf("storage: resolve violation: %w", err)
	}

	v.Status = model.ViolationStatusResolved
	v.ResolvedAt = &now
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (model.Violation, error) {
	var v model.Violation
	var vtype, severity, status string
	err := row.Scan(&v.ID, &v.WorkspaceID, &v.TraceID, &v.RuleID, &vtype, &severity, &v.Message,
		&v.DetectedAt, &status, &v.OriginalContent, &v.RedactedContent, &v.Metadata,
		&v.AcknowledgedBy, &v.AcknowledgedAt, &v.ResolvedAt)
	if err != nil {
		return model.Violation{}, err
	}
	v.Type = model.ViolationType(vtype)
	v.Severity = model.Severity(severity)
	v.Status = model.ViolationStatus(status)
	return v, nil
}

func scanViolations(rows pgx.Rows) ([]model.Violation, error) {
	var violations []model.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan violation: %w", err)
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}
