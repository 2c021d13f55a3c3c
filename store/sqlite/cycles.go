/*
cycles.go - Cycle, meter assignment, and holiday persistence

SEE ALSO:
  - sqlite.go: Schema, transaction handling, value encoding helpers
  - billing/store.go: CycleStore and AssignmentRegistry contracts
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

const cycleColumns = `id, start_date, end_date, target_date, proposed_target_date,
	overridden_by, override_reason, status, created_at, updated_at`

// =============================================================================
// CYCLES (billing.CycleStore)
// =============================================================================

func (c *conn) CreateCycle(ctx context.Context, cy billing.Cycle) (billing.Cycle, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO cycles
		(start_date, end_date, target_date, proposed_target_date,
		 overridden_by, override_reason, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cy.StartDate.String(),
		cy.EndDate.String(),
		cy.TargetDate.String(),
		nullDate(cy.ProposedTargetDate),
		nullString(cy.OverriddenBy),
		nullString(cy.OverrideReason),
		string(cy.Status),
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.Cycle{}, translateConstraint(err, "create cycle")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Cycle{}, fmt.Errorf("create cycle: %w", err)
	}
	cy.ID = id
	cy.CreatedAt = now
	cy.UpdatedAt = now
	return cy, nil
}

func (c *conn) GetCycle(ctx context.Context, id int64) (billing.Cycle, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	cy, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Cycle{}, &billing.NotFoundError{Kind: "cycle", ID: id}
	}
	return cy, err
}

func (c *conn) UpdateCycle(ctx context.Context, cy billing.Cycle) (billing.Cycle, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE cycles SET
			start_date = ?, end_date = ?, target_date = ?, proposed_target_date = ?,
			overridden_by = ?, override_reason = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		cy.StartDate.String(),
		cy.EndDate.String(),
		cy.TargetDate.String(),
		nullDate(cy.ProposedTargetDate),
		nullString(cy.OverriddenBy),
		nullString(cy.OverrideReason),
		string(cy.Status),
		now.Format(timeLayout),
		cy.ID,
	)
	if err != nil {
		return billing.Cycle{}, translateConstraint(err, "update cycle")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.Cycle{}, &billing.NotFoundError{Kind: "cycle", ID: cy.ID}
	}
	cy.UpdatedAt = now
	return cy, nil
}

func (c *conn) ListCycles(ctx context.Context, f billing.CycleFilter) ([]billing.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.EndsBefore.IsZero() {
		query += ` AND end_date < ?`
		args = append(args, f.EndsBefore.String())
	}
	query += ` ORDER BY start_date ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []billing.Cycle
	for rows.Next() {
		cy, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, cy)
	}
	return cycles, rows.Err()
}

func (c *conn) OpenCycle(ctx context.Context) (billing.Cycle, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE status = 'OPEN' LIMIT 1`)
	cy, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Cycle{}, fmt.Errorf("no open cycle: %w", billing.ErrNotFound)
	}
	return cy, err
}

func (c *conn) CycleForDate(ctx context.Context, d billing.Date) (billing.Cycle, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles
		 WHERE start_date <= ? AND end_date >= ? LIMIT 1`,
		d.String(), d.String())
	cy, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Cycle{}, fmt.Errorf("no cycle contains %s: %w", d, billing.ErrNotFound)
	}
	return cy, err
}

func (c *conn) OverlappingCycle(ctx context.Context, start, end billing.Date) (billing.Cycle, error) {
	// Inclusive interval intersection: existing.start <= end AND existing.end >= start.
	row := c.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles
		 WHERE start_date <= ? AND end_date >= ? LIMIT 1`,
		end.String(), start.String())
	cy, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Cycle{}, fmt.Errorf("no overlapping cycle: %w", billing.ErrNotFound)
	}
	return cy, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (billing.Cycle, error) {
	var (
		cy                   billing.Cycle
		start, end, target   string
		proposed             sql.NullString
		overriddenBy, reason sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&cy.ID, &start, &end, &target, &proposed,
		&overriddenBy, &reason, &status, &createdAt, &updatedAt)
	if err != nil {
		return cy, err
	}
	cy.StartDate = scanDate(start)
	cy.EndDate = scanDate(end)
	cy.TargetDate = scanDate(target)
	if proposed.Valid && proposed.String != "" {
		d := scanDate(proposed.String)
		cy.ProposedTargetDate = &d
	}
	cy.OverriddenBy = overriddenBy.String
	cy.OverrideReason = reason.String
	cy.Status = billing.CycleStatus(status)
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		cy.CreatedAt = *t
	}
	if t := scanTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		cy.UpdatedAt = *t
	}
	return cy, nil
}

// =============================================================================
// METER ASSIGNMENTS (billing.AssignmentRegistry)
// =============================================================================

func (c *conn) AssignmentStatus(ctx context.Context, id int64) (billing.AssignmentStatus, error) {
	var status string
	err := c.db.QueryRowContext(ctx,
		`SELECT status FROM meter_assignments WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &billing.NotFoundError{Kind: "assignment", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("assignment status: %w", err)
	}
	return billing.AssignmentStatus(status), nil
}

func (c *conn) AssignmentIdentity(ctx context.Context, id int64) (billing.AssignmentIdentity, error) {
	var identity billing.AssignmentIdentity
	err := c.db.QueryRowContext(ctx,
		`SELECT id, client_id, meter_id, meter_serial FROM meter_assignments WHERE id = ?`, id).
		Scan(&identity.AssignmentID, &identity.ClientID, &identity.MeterID, &identity.MeterSerial)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.AssignmentIdentity{}, &billing.NotFoundError{Kind: "assignment", ID: id}
	}
	if err != nil {
		return billing.AssignmentIdentity{}, fmt.Errorf("assignment identity: %w", err)
	}
	return identity, nil
}

func (c *conn) ActiveAssignmentIDs(ctx context.Context) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM meter_assignments WHERE status = 'ACTIVE' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active assignments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateAssignment registers a meter assignment. The billing engine only
// consumes assignments; this exists so deployments without an external
// registry can seed them.
func (c *conn) CreateAssignment(ctx context.Context, clientID, meterID int64, serial string) (billing.AssignmentIdentity, error) {
	now := nowStamp()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO meter_assignments (client_id, meter_id, meter_serial, status, created_at, updated_at)
		VALUES (?, ?, ?, 'ACTIVE', ?, ?)`,
		clientID, meterID, serial, now, now)
	if err != nil {
		return billing.AssignmentIdentity{}, translateConstraint(err, "create assignment")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.AssignmentIdentity{}, fmt.Errorf("create assignment: %w", err)
	}
	return billing.AssignmentIdentity{
		AssignmentID: id,
		ClientID:     clientID,
		MeterID:      meterID,
		MeterSerial:  serial,
	}, nil
}

// SetAssignmentStatus activates or deactivates an assignment.
func (c *conn) SetAssignmentStatus(ctx context.Context, id int64, status billing.AssignmentStatus) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE meter_assignments SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowStamp(), id)
	if err != nil {
		return translateConstraint(err, "set assignment status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &billing.NotFoundError{Kind: "assignment", ID: id}
	}
	return nil
}

// =============================================================================
// HOLIDAYS (billing.HolidayProvider)
// =============================================================================

func (c *conn) IsHoliday(d billing.Date) (bool, error) {
	var count int
	err := c.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM holidays WHERE date = ?`, d.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("holiday lookup: %w", err)
	}
	return count > 0, nil
}

// AddHoliday registers a non-working day. Adding the same date and name
// twice is a no-op.
func (c *conn) AddHoliday(ctx context.Context, d billing.Date, name string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO holidays (date, name) VALUES (?, ?)`,
		d.String(), name)
	if err != nil {
		return translateConstraint(err, "add holiday")
	}
	return nil
}

// ListHolidays returns all registered holidays in date order.
func (c *conn) ListHolidays(ctx context.Context) (map[billing.Date]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT date, name FROM holidays ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("list holidays: %w", err)
	}
	defer rows.Close()

	holidays := map[billing.Date]string{}
	for rows.Next() {
		var date, name string
		if err := rows.Scan(&date, &name); err != nil {
			return nil, err
		}
		holidays[scanDate(date)] = name
	}
	return holidays, rows.Err()
}
