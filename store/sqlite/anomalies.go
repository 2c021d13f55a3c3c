/*
anomalies.go - Anomaly, conflict, and audit trail persistence

SEE ALSO:
  - sqlite.go: Schema and constraint translation
  - billing/store.go: AnomalyStore contract
  - billing/audit.go: AuditStore contract (audit_log is insert-only)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maji/billing-engine/billing"
)

const anomalyColumns = `id, type, description, severity, meter_assignment_id, cycle_id,
	reading_id, status, acknowledged_at, acknowledged_by, resolved_at, resolved_by,
	resolution_notes, created_at, updated_at`

// =============================================================================
// ANOMALIES
// =============================================================================

func (c *conn) CreateAnomaly(ctx context.Context, a billing.Anomaly) (billing.Anomaly, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO anomalies
		(type, description, severity, meter_assignment_id, cycle_id, reading_id, status,
		 acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_notes,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.Type),
		a.Description,
		string(a.Severity),
		a.MeterAssignmentID,
		a.CycleID,
		nullInt(a.ReadingID),
		string(a.Status),
		nullTime(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullTime(a.ResolvedAt),
		a.ResolvedBy,
		a.ResolutionNotes,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.Anomaly{}, translateConstraint(err, "create anomaly")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Anomaly{}, fmt.Errorf("create anomaly: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return a, nil
}

func (c *conn) GetAnomaly(ctx context.Context, id int64) (billing.Anomaly, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`, id)
	a, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Anomaly{}, &billing.NotFoundError{Kind: "anomaly", ID: id}
	}
	return a, err
}

func (c *conn) UpdateAnomaly(ctx context.Context, a billing.Anomaly) (billing.Anomaly, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE anomalies SET
			status = ?, acknowledged_at = ?, acknowledged_by = ?,
			resolved_at = ?, resolved_by = ?, resolution_notes = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Status),
		nullTime(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullTime(a.ResolvedAt),
		a.ResolvedBy,
		a.ResolutionNotes,
		now.Format(timeLayout),
		a.ID,
	)
	if err != nil {
		return billing.Anomaly{}, translateConstraint(err, "update anomaly")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.Anomaly{}, &billing.NotFoundError{Kind: "anomaly", ID: a.ID}
	}
	a.UpdatedAt = now
	return a, nil
}

func (c *conn) ListAnomalies(ctx context.Context, f billing.AnomalyFilter) ([]billing.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE 1=1`
	var args []any
	if f.MeterAssignmentID != 0 {
		query += ` AND meter_assignment_id = ?`
		args = append(args, f.MeterAssignmentID)
	}
	if f.CycleID != 0 {
		query += ` AND cycle_id = ?`
		args = append(args, f.CycleID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []billing.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

func scanAnomaly(row rowScanner) (billing.Anomaly, error) {
	var (
		a                    billing.Anomaly
		anomalyType          string
		severity, status     string
		readingID            sql.NullInt64
		ackAt, resolvedAt    sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &anomalyType, &a.Description, &severity, &a.MeterAssignmentID,
		&a.CycleID, &readingID, &status, &ackAt, &a.AcknowledgedBy,
		&resolvedAt, &a.ResolvedBy, &a.ResolutionNotes, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	a.Type = billing.AnomalyType(anomalyType)
	a.Severity = billing.AnomalySeverity(severity)
	a.Status = billing.AnomalyStatus(status)
	a.ReadingID = scanInt(readingID)
	a.AcknowledgedAt = scanTime(ackAt)
	a.ResolvedAt = scanTime(resolvedAt)
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		a.CreatedAt = *t
	}
	if t := scanTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		a.UpdatedAt = *t
	}
	return a, nil
}

// =============================================================================
// CONFLICTS
// =============================================================================

const conflictColumns = `id, type, description, severity, meter_assignment_id, cycle_id,
	reading_id, status, assigned_to, assigned_at, resolved_at, resolved_by,
	resolution_notes, created_at, updated_at`

func (c *conn) CreateConflict(ctx context.Context, cf billing.Conflict) (billing.Conflict, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(type, description, severity, meter_assignment_id, cycle_id, reading_id, status,
		 assigned_to, assigned_at, resolved_at, resolved_by, resolution_notes,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(cf.Type),
		cf.Description,
		string(cf.Severity),
		cf.MeterAssignmentID,
		nullInt(cf.CycleID),
		nullInt(cf.ReadingID),
		string(cf.Status),
		cf.AssignedTo,
		nullTime(cf.AssignedAt),
		nullTime(cf.ResolvedAt),
		cf.ResolvedBy,
		cf.ResolutionNotes,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.Conflict{}, translateConstraint(err, "create conflict")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Conflict{}, fmt.Errorf("create conflict: %w", err)
	}
	cf.ID = id
	cf.CreatedAt = now
	cf.UpdatedAt = now
	return cf, nil
}

func (c *conn) GetConflict(ctx context.Context, id int64) (billing.Conflict, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	cf, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Conflict{}, &billing.NotFoundError{Kind: "conflict", ID: id}
	}
	return cf, err
}

func (c *conn) UpdateConflict(ctx context.Context, cf billing.Conflict) (billing.Conflict, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE conflicts SET
			status = ?, assigned_to = ?, assigned_at = ?,
			resolved_at = ?, resolved_by = ?, resolution_notes = ?, updated_at = ?
		WHERE id = ?`,
		string(cf.Status),
		cf.AssignedTo,
		nullTime(cf.AssignedAt),
		nullTime(cf.ResolvedAt),
		cf.ResolvedBy,
		cf.ResolutionNotes,
		now.Format(timeLayout),
		cf.ID,
	)
	if err != nil {
		return billing.Conflict{}, translateConstraint(err, "update conflict")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.Conflict{}, &billing.NotFoundError{Kind: "conflict", ID: cf.ID}
	}
	cf.UpdatedAt = now
	return cf, nil
}

func (c *conn) ListConflicts(ctx context.Context, f billing.ConflictFilter) ([]billing.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE 1=1`
	var args []any
	if f.MeterAssignmentID != 0 {
		query += ` AND meter_assignment_id = ?`
		args = append(args, f.MeterAssignmentID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []billing.Conflict
	for rows.Next() {
		cf, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, cf)
	}
	return conflicts, rows.Err()
}

func scanConflict(row rowScanner) (billing.Conflict, error) {
	var (
		cf                     billing.Conflict
		conflictType           string
		severity, status       string
		cycleID, readingID     sql.NullInt64
		assignedAt, resolvedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&cf.ID, &conflictType, &cf.Description, &severity, &cf.MeterAssignmentID,
		&cycleID, &readingID, &status, &cf.AssignedTo, &assignedAt,
		&resolvedAt, &cf.ResolvedBy, &cf.ResolutionNotes, &createdAt, &updatedAt)
	if err != nil {
		return cf, err
	}
	cf.Type = billing.ConflictType(conflictType)
	cf.Severity = billing.ConflictSeverity(severity)
	cf.Status = billing.ConflictStatus(status)
	cf.CycleID = scanInt(cycleID)
	cf.ReadingID = scanInt(readingID)
	cf.AssignedAt = scanTime(assignedAt)
	cf.ResolvedAt = scanTime(resolvedAt)
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		cf.CreatedAt = *t
	}
	if t := scanTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		cf.UpdatedAt = *t
	}
	return cf, nil
}

// =============================================================================
// AUDIT TRAIL (billing.AuditStore)
// =============================================================================

func (c *conn) AppendAudit(ctx context.Context, e billing.AuditEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_kind, entity_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Actor,
		e.Action,
		e.EntityKind,
		e.EntityID,
		e.Detail,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return translateConstraint(err, "append audit entry")
	}
	return nil
}

func (c *conn) ListAudit(ctx context.Context, entityKind string, entityID int64) ([]billing.AuditEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_kind, entity_id, detail, created_at
		FROM audit_log
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY created_at ASC`, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityKind, &e.EntityID, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
			e.CreatedAt = *t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
