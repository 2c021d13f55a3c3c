/*
ledger.go - Ledger entry, payment, and penalty persistence

APPEND-ONLY:
  ledger_entries has no UPDATE or DELETE anywhere in this package.
  The idx_ledger_charge and idx_ledger_penalty partial unique indexes
  backstop the idempotency rules enforced in billing/ledger.go.

SEE ALSO:
  - sqlite.go: Schema and constraint translation
  - billing/store.go: LedgerStore, PaymentStore, PenaltyStore contracts
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

const entryColumns = `id, meter_assignment_id, cycle_id, entry_type, amount, is_credit,
	description, ref_charge_id, ref_payment_id, ref_penalty_id, created_by, created_at`

// =============================================================================
// LEDGER ENTRIES (billing.LedgerStore)
// =============================================================================

func (c *conn) AppendEntry(ctx context.Context, e billing.LedgerEntry) (billing.LedgerEntry, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(meter_assignment_id, cycle_id, entry_type, amount, is_credit, description,
		 ref_charge_id, ref_payment_id, ref_penalty_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MeterAssignmentID,
		e.CycleID,
		string(e.EntryType),
		e.Amount.String(),
		boolInt(e.IsCredit),
		e.Description,
		nullInt(e.RefChargeID),
		nullInt(e.RefPaymentID),
		nullInt(e.RefPenaltyID),
		e.CreatedBy,
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.LedgerEntry{}, translateConstraint(err, "append ledger entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	return e, nil
}

func (c *conn) GetEntry(ctx context.Context, id int64) (billing.LedgerEntry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.LedgerEntry{}, &billing.NotFoundError{Kind: "ledger entry", ID: id}
	}
	return e, err
}

func (c *conn) ListEntries(ctx context.Context, f billing.LedgerFilter) ([]billing.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE 1=1`
	var args []any
	if f.MeterAssignmentID != 0 {
		query += ` AND meter_assignment_id = ?`
		args = append(args, f.MeterAssignmentID)
	}
	if f.CycleID != 0 {
		query += ` AND cycle_id = ?`
		args = append(args, f.CycleID)
	}
	if f.EntryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, string(f.EntryType))
	}
	if f.RefPaymentID != 0 {
		query += ` AND ref_payment_id = ?`
		args = append(args, f.RefPaymentID)
	}
	if f.RefPenaltyID != 0 {
		query += ` AND ref_penalty_id = ?`
		args = append(args, f.RefPenaltyID)
	}
	if f.RefChargeID != 0 {
		query += ` AND ref_charge_id = ?`
		args = append(args, f.RefChargeID)
	}
	// Oldest first so FIFO allocation can walk the result directly.
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *conn) ChargeFor(ctx context.Context, assignmentID, cycleID int64) (billing.LedgerEntry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE meter_assignment_id = ? AND cycle_id = ? AND entry_type = 'CHARGE'
		 LIMIT 1`, assignmentID, cycleID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.LedgerEntry{}, fmt.Errorf("no charge for assignment %d cycle %d: %w",
			assignmentID, cycleID, billing.ErrNotFound)
	}
	return e, err
}

func scanEntry(row rowScanner) (billing.LedgerEntry, error) {
	var (
		e         billing.LedgerEntry
		entryType string
		amount    string
		isCredit  int
		refCharge sql.NullInt64
		refPay    sql.NullInt64
		refPen    sql.NullInt64
		createdAt string
	)
	err := row.Scan(&e.ID, &e.MeterAssignmentID, &e.CycleID, &entryType, &amount, &isCredit,
		&e.Description, &refCharge, &refPay, &refPen, &e.CreatedBy, &createdAt)
	if err != nil {
		return e, err
	}
	e.EntryType = billing.LedgerEntryType(entryType)
	e.Amount = scanDecimal(amount)
	e.IsCredit = isCredit != 0
	e.RefChargeID = scanInt(refCharge)
	e.RefPaymentID = scanInt(refPay)
	e.RefPenaltyID = scanInt(refPen)
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		e.CreatedAt = *t
	}
	return e, nil
}

// =============================================================================
// PAYMENTS (billing.PaymentStore)
// =============================================================================

const paymentColumns = `id, client_id, meter_assignment_id, cycle_id, amount,
	reference, method, notes, recorded_by, received_at, created_at`

func (c *conn) CreatePayment(ctx context.Context, p billing.Payment) (billing.Payment, error) {
	now := time.Now().UTC()
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = now
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO payments
		(client_id, meter_assignment_id, cycle_id, amount, reference, method, notes,
		 recorded_by, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ClientID,
		p.MeterAssignmentID,
		nullInt(p.CycleID),
		p.Amount.String(),
		p.Reference,
		p.Method,
		p.Notes,
		p.RecordedBy,
		p.ReceivedAt.UTC().Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.Payment{}, translateConstraint(err, "create payment")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	return p, nil
}

func (c *conn) GetPayment(ctx context.Context, id int64) (billing.Payment, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Payment{}, &billing.NotFoundError{Kind: "payment", ID: id}
	}
	return p, err
}

func (c *conn) ListPayments(ctx context.Context, assignmentID int64) ([]billing.Payment, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE meter_assignment_id = ? ORDER BY received_at ASC, id ASC`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row rowScanner) (billing.Payment, error) {
	var (
		p          billing.Payment
		cycleID    sql.NullInt64
		amount     string
		receivedAt string
		createdAt  string
	)
	err := row.Scan(&p.ID, &p.ClientID, &p.MeterAssignmentID, &cycleID, &amount,
		&p.Reference, &p.Method, &p.Notes, &p.RecordedBy, &receivedAt, &createdAt)
	if err != nil {
		return p, err
	}
	p.CycleID = scanInt(cycleID)
	p.Amount = scanDecimal(amount)
	if t := scanTime(sql.NullString{String: receivedAt, Valid: true}); t != nil {
		p.ReceivedAt = *t
	}
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	return p, nil
}

// =============================================================================
// PENALTIES (billing.PenaltyStore)
// =============================================================================

const penaltyColumns = `id, meter_assignment_id, cycle_id, amount, reason, notes,
	status, imposed_by, imposed_at, waived_at, waived_by, created_at, updated_at`

func (c *conn) CreatePenalty(ctx context.Context, p billing.Penalty) (billing.Penalty, error) {
	now := time.Now().UTC()
	if p.ImposedAt.IsZero() {
		p.ImposedAt = now
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO penalties
		(meter_assignment_id, cycle_id, amount, reason, notes, status, imposed_by,
		 imposed_at, waived_at, waived_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.MeterAssignmentID,
		nullInt(p.CycleID),
		p.Amount.String(),
		p.Reason,
		p.Notes,
		string(p.Status),
		p.ImposedBy,
		p.ImposedAt.UTC().Format(timeLayout),
		nullTime(p.WaivedAt),
		p.WaivedBy,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		return billing.Penalty{}, translateConstraint(err, "create penalty")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return billing.Penalty{}, fmt.Errorf("create penalty: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return p, nil
}

func (c *conn) GetPenalty(ctx context.Context, id int64) (billing.Penalty, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+penaltyColumns+` FROM penalties WHERE id = ?`, id)
	p, err := scanPenalty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Penalty{}, &billing.NotFoundError{Kind: "penalty", ID: id}
	}
	return p, err
}

func (c *conn) UpdatePenalty(ctx context.Context, p billing.Penalty) (billing.Penalty, error) {
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE penalties SET
			amount = ?, reason = ?, notes = ?, status = ?,
			waived_at = ?, waived_by = ?, updated_at = ?
		WHERE id = ?`,
		p.Amount.String(),
		p.Reason,
		p.Notes,
		string(p.Status),
		nullTime(p.WaivedAt),
		p.WaivedBy,
		now.Format(timeLayout),
		p.ID,
	)
	if err != nil {
		return billing.Penalty{}, translateConstraint(err, "update penalty")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.Penalty{}, &billing.NotFoundError{Kind: "penalty", ID: p.ID}
	}
	p.UpdatedAt = now
	return p, nil
}

func (c *conn) ListPenalties(ctx context.Context, assignmentID int64) ([]billing.Penalty, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+penaltyColumns+` FROM penalties
		 WHERE meter_assignment_id = ? ORDER BY imposed_at ASC, id ASC`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list penalties: %w", err)
	}
	defer rows.Close()

	var penalties []billing.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		penalties = append(penalties, p)
	}
	return penalties, rows.Err()
}

func scanPenalty(row rowScanner) (billing.Penalty, error) {
	var (
		p         billing.Penalty
		cycleID   sql.NullInt64
		amount    string
		status    string
		imposedAt string
		waivedAt  sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.ID, &p.MeterAssignmentID, &cycleID, &amount, &p.Reason, &p.Notes,
		&status, &p.ImposedBy, &imposedAt, &waivedAt, &p.WaivedBy, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.CycleID = scanInt(cycleID)
	p.Amount = scanDecimal(amount)
	p.Status = billing.PenaltyStatus(status)
	if t := scanTime(sql.NullString{String: imposedAt, Valid: true}); t != nil {
		p.ImposedAt = *t
	}
	p.WaivedAt = scanTime(waivedAt)
	if t := scanTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	if t := scanTime(sql.NullString{String: updatedAt, Valid: true}); t != nil {
		p.UpdatedAt = *t
	}
	return p, nil
}
