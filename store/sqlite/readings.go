/*
readings.go - Meter reading persistence

SEE ALSO:
  - sqlite.go: Schema, including the idx_readings_live and
    idx_readings_baseline uniqueness backstops
  - billing/store.go: ReadingStore contract
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

const readingColumns = `id, meter_assignment_id, cycle_id, absolute_value, type,
	consumption, has_rollover, submitted_at, submitted_by, submission_notes,
	approved, approved_at, approved_by, approval_notes,
	rejected, rejected_at, rejected_by, rejection_reason,
	rollover_verified_at, rollover_verified_by, created_at, updated_at`

func (c *conn) CreateReading(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	now := time.Now().UTC()
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = now
	}
	var consumption sql.NullString
	if r.Consumption != nil {
		consumption = sql.NullString{String: r.Consumption.String(), Valid: true}
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO readings
		(meter_assignment_id, cycle_id, absolute_value, type, consumption, has_rollover,
		 submitted_at, submitted_by, submission_notes, approved, approved_at, approved_by,
		 approval_notes, rejected, rejected_at, rejected_by, rejection_reason,
		 rollover_verified_at, rollover_verified_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MeterAssignmentID,
		r.CycleID,
		r.AbsoluteValue.String(),
		string(r.Type),
		consumption,
		boolInt(r.HasRollover),
		r.SubmittedAt.UTC().Format(timeLayout),
		r.SubmittedBy,
		r.SubmissionNotes,
		boolInt(r.Approved),
		nullTime(r.ApprovedAt),
		r.ApprovedBy,
		r.ApprovalNotes,
		boolInt(r.Rejected),
		nullTime(r.RejectedAt),
		r.RejectedBy,
		r.RejectionReason,
		nullTime(r.RolloverVerifiedAt),
		r.RolloverVerifiedBy,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.Reading{}, translateConstraint(err, "create reading")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Reading{}, fmt.Errorf("create reading: %w", err)
	}
	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now
	return r, nil
}

func (c *conn) GetReading(ctx context.Context, id int64) (billing.Reading, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Reading{}, &billing.NotFoundError{Kind: "reading", ID: id}
	}
	return r, err
}

func (c *conn) UpdateReading(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	now := time.Now().UTC()
	var consumption sql.NullString
	if r.Consumption != nil {
		consumption = sql.NullString{String: r.Consumption.String(), Valid: true}
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE readings SET
			consumption = ?, has_rollover = ?,
			approved = ?, approved_at = ?, approved_by = ?, approval_notes = ?,
			rejected = ?, rejected_at = ?, rejected_by = ?, rejection_reason = ?,
			rollover_verified_at = ?, rollover_verified_by = ?, updated_at = ?
		WHERE id = ?`,
		consumption,
		boolInt(r.HasRollover),
		boolInt(r.Approved),
		nullTime(r.ApprovedAt),
		r.ApprovedBy,
		r.ApprovalNotes,
		boolInt(r.Rejected),
		nullTime(r.RejectedAt),
		r.RejectedBy,
		r.RejectionReason,
		nullTime(r.RolloverVerifiedAt),
		r.RolloverVerifiedBy,
		now.Format(timeLayout),
		r.ID,
	)
	if err != nil {
		return billing.Reading{}, translateConstraint(err, "update reading")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.Reading{}, &billing.NotFoundError{Kind: "reading", ID: r.ID}
	}
	r.UpdatedAt = now
	return r, nil
}

func (c *conn) ListReadings(ctx context.Context, f billing.ReadingFilter) ([]billing.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE 1=1`
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
	if f.ApprovedOnly {
		query += ` AND approved = 1`
	}
	if !f.IncludeRejected {
		query += ` AND rejected = 0`
	}
	query += ` ORDER BY submitted_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var readings []billing.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (c *conn) BaselineFor(ctx context.Context, assignmentID int64) (billing.Reading, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings
		 WHERE meter_assignment_id = ? AND type = 'BASELINE' AND rejected = 0
		 LIMIT 1`, assignmentID)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Reading{}, fmt.Errorf("no baseline for assignment %d: %w",
			assignmentID, billing.ErrNotFound)
	}
	return r, err
}

func (c *conn) LiveReadingFor(ctx context.Context, assignmentID, cycleID int64) (billing.Reading, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings
		 WHERE meter_assignment_id = ? AND cycle_id = ? AND rejected = 0
		 LIMIT 1`, assignmentID, cycleID)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Reading{}, fmt.Errorf("no live reading for assignment %d cycle %d: %w",
			assignmentID, cycleID, billing.ErrNotFound)
	}
	return r, err
}

func (c *conn) LatestApprovedBefore(ctx context.Context, assignmentID, excludeReadingID int64) (billing.Reading, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings
		 WHERE meter_assignment_id = ? AND approved = 1 AND rejected = 0 AND id != ?
		 ORDER BY approved_at DESC, id DESC
		 LIMIT 1`, assignmentID, excludeReadingID)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Reading{}, fmt.Errorf("no approved reading for assignment %d: %w",
			assignmentID, billing.ErrNotFound)
	}
	return r, err
}

func scanReading(row rowScanner) (billing.Reading, error) {
	var (
		r                      billing.Reading
		absoluteValue          string
		readingType            string
		consumption            sql.NullString
		hasRollover, approved  int
		rejected               int
		submittedAt            string
		approvedAt, rejectedAt sql.NullString
		verifiedAt             sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&r.ID, &r.MeterAssignmentID, &r.CycleID, &absoluteValue, &readingType,
		&consumption, &hasRollover, &submittedAt, &r.SubmittedBy, &r.SubmissionNotes,
		&approved, &approvedAt, &r.ApprovedBy, &r.ApprovalNotes,
		&rejected, &rejectedAt, &r.RejectedBy, &r.RejectionReason,
		&verifiedAt, &r.RolloverVerifiedBy, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.AbsoluteValue = scanDecimal(absoluteValue)
	r.Type = billing.ReadingType(readingType)
	r.Consumption = scanNullDecimal(consumption)
	r.HasRollover = hasRollover != 0
	r.Approved = approved != 0
	r.Rejected = rejected != 0
	if t := scanTime(sql.NullString{String: submittedAt, Valid: true}); t != nil {
		r.SubmittedAt = *t
	}
	r.ApprovedAt = scanTime(approvedAt)
	r.RejectedAt = scanTime(rejectedAt)
	r.RolloverVerifiedAt = scanTime(verifiedAt)
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		r.CreatedAt = *t
	}
	if t := scanTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		r.UpdatedAt = *t
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
