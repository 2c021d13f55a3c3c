/*
ledger.go - Append-only ledger engine, balances, payments, penalties

PURPOSE:
  Every financial movement for a meter assignment is an immutable
  LedgerEntry. This file owns entry creation (with the idempotency
  rules), balance computation, FIFO payment allocation, and the
  penalty record lifecycle.

KEY RULES:
  - Entries are never edited or deleted; corrections are ADJUSTMENT entries
  - One CHARGE per (assignment, cycle): re-posting reports "skipped"
  - One PENALTY entry per penalty record: re-applying reports "skipped"
  - FIFO allocation walks unpaid charges oldest-first, creating one
    PAYMENT credit per charge for min(remaining payment, charge
    remaining); whatever is left after all charges are covered comes
    back as a carried credit, never silently discarded
  - Allocation is idempotent per payment: a payment that already has
    PAYMENT entries referencing it is not re-allocated

SEE ALSO:
  - types.go: LedgerEntry, Balance, OpenCharge, Payment, Penalty
  - cycle.go: Bulk charge generation built on the same idempotency rule
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerEngine owns the financial ledger of each meter assignment.
type LedgerEngine struct {
	store TxStore
	audit *AuditLog
	log   *zap.Logger
}

func NewLedgerEngine(store TxStore, audit *AuditLog, log *zap.Logger) *LedgerEngine {
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerEngine{store: store, audit: audit, log: log}
}

// =============================================================================
// ENTRY CREATION
// =============================================================================

// CreateEntry appends a manual ledger entry, normally an ADJUSTMENT.
// CHARGE entries still pass through the one-per-(assignment, cycle)
// idempotency check.
func (l *LedgerEngine) CreateEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	if e.Amount.Sign() < 0 {
		return LedgerEntry{}, fmt.Errorf("entry amount cannot be negative: %w", ErrValidation)
	}
	switch e.EntryType {
	case EntryCharge, EntryAdjustment, EntryPayment, EntryPenalty:
	default:
		return LedgerEntry{}, fmt.Errorf("unknown entry type %q: %w", e.EntryType, ErrValidation)
	}
	if e.EntryType == EntryCharge {
		return l.CreateChargeFor(ctx, e.MeterAssignmentID, e.CycleID, e.Amount, e.CreatedBy)
	}

	created, err := l.store.AppendEntry(ctx, e)
	if err != nil {
		return LedgerEntry{}, err
	}
	l.audit.Append(ctx, e.CreatedBy, "ledger.append", "ledger_entry", created.ID,
		fmt.Sprintf("%s %s", created.EntryType, created.Amount))
	return created, nil
}

// CreateChargeFor appends the CHARGE entry for (assignment, cycle).
// Idempotent: if a charge already exists the existing entry is returned
// with ErrDuplicate, which callers report as "skipped".
func (l *LedgerEngine) CreateChargeFor(ctx context.Context, assignmentID, cycleID int64, amount decimal.Decimal, actor string) (LedgerEntry, error) {
	if amount.Sign() <= 0 {
		return LedgerEntry{}, fmt.Errorf("charge amount must be positive: %w", ErrValidation)
	}

	var created LedgerEntry
	err := l.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.ChargeFor(ctx, assignmentID, cycleID)
		if err == nil {
			created = existing
			return fmt.Errorf("charge for assignment %d cycle %d exists as entry %d: %w",
				assignmentID, cycleID, existing.ID, ErrDuplicate)
		}
		if !IsNotFound(err) {
			return err
		}
		created, err = tx.AppendEntry(ctx, LedgerEntry{
			MeterAssignmentID: assignmentID,
			CycleID:           cycleID,
			EntryType:         EntryCharge,
			Amount:            amount.Round(2),
			IsCredit:          false,
			Description:       fmt.Sprintf("Cycle %d charge", cycleID),
			CreatedBy:         actor,
		})
		return err
	})
	if err != nil {
		return created, err
	}
	l.audit.Append(ctx, actor, "ledger.charge", "ledger_entry", created.ID, created.Amount.String())
	return created, nil
}

// =============================================================================
// BALANCE
// =============================================================================

// ComputeBalance folds all entries of an assignment into totals:
// net = sum of debit amounts - sum of credit amounts, plus a signed
// per-type breakdown for display.
func (l *LedgerEngine) ComputeBalance(ctx context.Context, assignmentID int64) (Balance, error) {
	entries, err := l.store.ListEntries(ctx, LedgerFilter{MeterAssignmentID: assignmentID})
	if err != nil {
		return Balance{}, err
	}
	b := Balance{
		MeterAssignmentID: assignmentID,
		ByType:            map[LedgerEntryType]decimal.Decimal{},
	}
	for _, e := range entries {
		if e.IsCredit {
			b.TotalCredits = b.TotalCredits.Add(e.Amount)
		} else {
			b.TotalDebits = b.TotalDebits.Add(e.Amount)
		}
		b.ByType[e.EntryType] = b.ByType[e.EntryType].Add(e.SignedAmount())
	}
	b.Net = b.TotalDebits.Sub(b.TotalCredits)
	return b, nil
}

// OpenCharges lists an assignment's CHARGE entries oldest-first with
// their unpaid remainder, skipping fully paid charges.
func (l *LedgerEngine) OpenCharges(ctx context.Context, assignmentID int64) ([]OpenCharge, error) {
	return openChargesIn(ctx, l.store, assignmentID)
}

func openChargesIn(ctx context.Context, store Store, assignmentID int64) ([]OpenCharge, error) {
	charges, err := store.ListEntries(ctx, LedgerFilter{
		MeterAssignmentID: assignmentID,
		EntryType:         EntryCharge,
	})
	if err != nil {
		return nil, err
	}
	var open []OpenCharge
	for _, charge := range charges {
		allocations, err := store.ListEntries(ctx, LedgerFilter{
			MeterAssignmentID: assignmentID,
			EntryType:         EntryPayment,
			RefChargeID:       charge.ID,
		})
		if err != nil {
			return nil, err
		}
		allocated := decimal.Zero
		for _, a := range allocations {
			allocated = allocated.Add(a.Amount)
		}
		remaining := charge.Amount.Sub(allocated)
		if remaining.Sign() <= 0 {
			continue
		}
		open = append(open, OpenCharge{Entry: charge, Allocated: allocated, Remaining: remaining})
	}
	return open, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment stores a received payment, resolving the client from the
// assignment when the caller does not supply one.
func (l *LedgerEngine) RecordPayment(ctx context.Context, p Payment) (Payment, error) {
	if p.Amount.Sign() <= 0 {
		return Payment{}, fmt.Errorf("payment amount must be positive: %w", ErrValidation)
	}
	if p.ClientID == 0 {
		identity, err := l.store.AssignmentIdentity(ctx, p.MeterAssignmentID)
		if err != nil {
			return Payment{}, err
		}
		p.ClientID = identity.ClientID
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now().UTC()
	}
	created, err := l.store.CreatePayment(ctx, p)
	if err != nil {
		return Payment{}, err
	}
	l.audit.Append(ctx, p.RecordedBy, "payment.record", "payment", created.ID, created.Amount.String())
	return created, nil
}

// AllocationResult reports one FIFO allocation run.
type AllocationResult struct {
	Entries       []LedgerEntry
	Allocated     decimal.Decimal
	CarriedCredit decimal.Decimal
}

// AllocatePaymentFIFO applies a payment to the assignment's unpaid
// charges oldest-first. Each covered charge gets one PAYMENT credit
// entry of min(remaining payment, charge remaining); anything left after
// all charges are exhausted is reported as CarriedCredit.
//
// Idempotent per payment: if PAYMENT entries referencing this payment
// already exist, they are returned with ErrDuplicate and nothing new is
// written.
func (l *LedgerEngine) AllocatePaymentFIFO(ctx context.Context, paymentID int64, actor string) (AllocationResult, error) {
	var result AllocationResult
	err := l.store.WithTx(ctx, func(tx Store) error {
		payment, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}

		prior, err := tx.ListEntries(ctx, LedgerFilter{RefPaymentID: paymentID})
		if err != nil {
			return err
		}
		if len(prior) > 0 {
			result.Entries = prior
			for _, e := range prior {
				result.Allocated = result.Allocated.Add(e.Amount)
			}
			result.CarriedCredit = payment.Amount.Sub(result.Allocated)
			return fmt.Errorf("payment %d is already allocated: %w", paymentID, ErrDuplicate)
		}

		open, err := openChargesIn(ctx, tx, payment.MeterAssignmentID)
		if err != nil {
			return err
		}

		remaining := payment.Amount
		for _, charge := range open {
			if remaining.Sign() <= 0 {
				break
			}
			allocation := decimal.Min(remaining, charge.Remaining)
			chargeID := charge.Entry.ID
			pid := paymentID
			entry, err := tx.AppendEntry(ctx, LedgerEntry{
				MeterAssignmentID: payment.MeterAssignmentID,
				CycleID:           charge.Entry.CycleID,
				EntryType:         EntryPayment,
				Amount:            allocation.Round(2),
				IsCredit:          true,
				Description:       fmt.Sprintf("Payment %d allocated to charge %d", paymentID, chargeID),
				RefChargeID:       &chargeID,
				RefPaymentID:      &pid,
				CreatedBy:         actor,
			})
			if err != nil {
				return err
			}
			result.Entries = append(result.Entries, entry)
			result.Allocated = result.Allocated.Add(allocation)
			remaining = remaining.Sub(allocation)
		}
		result.CarriedCredit = remaining
		return nil
	})
	if err != nil {
		return result, err
	}

	l.audit.Append(ctx, actor, "payment.allocate_fifo", "payment", paymentID,
		fmt.Sprintf("allocated=%s carried=%s", result.Allocated, result.CarriedCredit))
	if result.CarriedCredit.Sign() > 0 {
		l.log.Info("payment exceeds open charges, credit carried",
			zap.Int64("payment_id", paymentID),
			zap.String("carried_credit", result.CarriedCredit.String()))
	}
	return result, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

// ImposePenalty records a penalty in APPLIED status. Posting it to the
// ledger is the separate ApplyPenaltyToLedger step.
func (l *LedgerEngine) ImposePenalty(ctx context.Context, p Penalty) (Penalty, error) {
	if p.Amount.Sign() <= 0 {
		return Penalty{}, fmt.Errorf("penalty amount must be positive: %w", ErrValidation)
	}
	if p.Reason == "" {
		return Penalty{}, fmt.Errorf("penalty reason required: %w", ErrValidation)
	}
	p.Status = PenaltyApplied
	if p.ImposedAt.IsZero() {
		p.ImposedAt = time.Now().UTC()
	}
	created, err := l.store.CreatePenalty(ctx, p)
	if err != nil {
		return Penalty{}, err
	}
	l.audit.Append(ctx, p.ImposedBy, "penalty.impose", "penalty", created.ID, created.Amount.String())
	return created, nil
}

// WaivePenalty moves APPLIED -> WAIVED, recording the waiving actor.
// A waived penalty can no longer be posted to the ledger.
func (l *LedgerEngine) WaivePenalty(ctx context.Context, penaltyID int64, actor, notes string) (Penalty, error) {
	var waived Penalty
	err := l.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		if p.Status == PenaltyWaived {
			return fmt.Errorf("penalty %d is already waived: %w", penaltyID, ErrInvalidState)
		}
		now := time.Now().UTC()
		p.Status = PenaltyWaived
		p.WaivedAt = &now
		p.WaivedBy = actor
		if notes != "" {
			p.Notes = notes
		}
		waived, err = tx.UpdatePenalty(ctx, p)
		return err
	})
	if err != nil {
		return Penalty{}, err
	}
	l.audit.Append(ctx, actor, "penalty.waive", "penalty", penaltyID, notes)
	return waived, nil
}

// ApplyPenaltyToLedger posts an APPLIED penalty as a PENALTY debit.
// Idempotent: a penalty already on the ledger comes back with
// ErrDuplicate and the existing entry.
func (l *LedgerEngine) ApplyPenaltyToLedger(ctx context.Context, penaltyID int64, actor string) (LedgerEntry, error) {
	var created LedgerEntry
	err := l.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		if p.Status != PenaltyApplied {
			return fmt.Errorf("penalty %d is %s, not %s: %w", penaltyID, p.Status, PenaltyApplied, ErrInvalidState)
		}

		existing, err := tx.ListEntries(ctx, LedgerFilter{RefPenaltyID: penaltyID})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			created = existing[0]
			return fmt.Errorf("penalty %d already posted as entry %d: %w",
				penaltyID, existing[0].ID, ErrDuplicate)
		}

		var cycleID int64
		if p.CycleID != nil {
			cycleID = *p.CycleID
		}
		pid := penaltyID
		created, err = tx.AppendEntry(ctx, LedgerEntry{
			MeterAssignmentID: p.MeterAssignmentID,
			CycleID:           cycleID,
			EntryType:         EntryPenalty,
			Amount:            p.Amount.Round(2),
			IsCredit:          false,
			Description:       p.Reason,
			RefPenaltyID:      &pid,
			CreatedBy:         actor,
		})
		return err
	})
	if err != nil {
		return created, err
	}
	l.audit.Append(ctx, actor, "penalty.apply", "ledger_entry", created.ID, created.Amount.String())
	return created, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (l *LedgerEngine) Entries(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error) {
	return l.store.ListEntries(ctx, f)
}

func (l *LedgerEngine) Payments(ctx context.Context, assignmentID int64) ([]Payment, error) {
	return l.store.ListPayments(ctx, assignmentID)
}

func (l *LedgerEngine) Penalties(ctx context.Context, assignmentID int64) ([]Penalty, error) {
	return l.store.ListPenalties(ctx, assignmentID)
}
