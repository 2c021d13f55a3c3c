/*
ledger_test.go - Ledger, payment allocation, and penalty tests

CORE DESIGN UNDER TEST:
- Entries are append-only; balances are folded from entries on demand
- One CHARGE per (assignment, cycle), one PENALTY entry per penalty
- FIFO allocation walks open charges oldest-first and never silently
  drops an overpayment: the surplus comes back as carried credit
- Allocation is idempotent per payment
*/
package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maji/billing-engine/billing"
)

// =============================================================================
// CHARGES AND BALANCE
// =============================================================================

func TestCreateChargeFor_SecondCharge_SkippedWithExisting(t *testing.T) {
	// GIVEN: A charge already posted for (assignment, cycle)
	// WHEN: Posting it again
	// THEN: ErrDuplicate with the original entry, nothing new written

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)

	first, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("250000.00"), "admin")
	require.NoError(t, err)

	second, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("99.99"), "admin")
	assert.True(t, billing.IsDuplicate(err))
	assert.Equal(t, first.ID, second.ID)

	entries, err := e.ledger.Entries(ctx, billing.LedgerFilter{MeterAssignmentID: assignmentID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestComputeBalance_DebitsMinusCredits(t *testing.T) {
	// GIVEN: A 250000.00 charge and an allocated 300.00 payment
	// WHEN: Computing the balance
	// THEN: net = 249700.00 with a per-type breakdown

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	_, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("250000.00"), "admin")
	require.NoError(t, err)

	payment, err := e.ledger.RecordPayment(ctx, billing.Payment{
		MeterAssignmentID: assignmentID,
		Amount:            dec("300.00"),
		Method:            "cash",
		RecordedBy:        "cashier",
	})
	require.NoError(t, err)
	_, err = e.ledger.AllocatePaymentFIFO(ctx, payment.ID, "cashier")
	require.NoError(t, err)

	balance, err := e.ledger.ComputeBalance(ctx, assignmentID)
	require.NoError(t, err)
	assert.True(t, balance.TotalDebits.Equal(dec("250000.00")))
	assert.True(t, balance.TotalCredits.Equal(dec("300.00")))
	assert.True(t, balance.Net.Equal(dec("249700.00")),
		"expected 249700.00, got %s", balance.Net)
	assert.True(t, balance.ByType[billing.EntryCharge].Equal(dec("250000.00")))
	assert.True(t, balance.ByType[billing.EntryPayment].Equal(dec("-300.00")))
}

func TestCreateEntry_CreditAdjustment_ReducesNet(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	_, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("100.00"), "admin")
	require.NoError(t, err)

	_, err = e.ledger.CreateEntry(ctx, billing.LedgerEntry{
		MeterAssignmentID: assignmentID,
		EntryType:         billing.EntryAdjustment,
		Amount:            dec("40.00"),
		IsCredit:          true,
		Description:       "billing dispute settled in client's favor",
		CreatedBy:         "admin",
	})
	require.NoError(t, err)

	balance, err := e.ledger.ComputeBalance(ctx, assignmentID)
	require.NoError(t, err)
	assert.True(t, balance.Net.Equal(dec("60.00")))
}

func TestCreateEntry_UnknownType_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)

	_, err := e.ledger.CreateEntry(context.Background(), billing.LedgerEntry{
		MeterAssignmentID: assignmentID,
		EntryType:         "REFUND",
		Amount:            dec("10"),
	})
	assert.True(t, billing.IsValidation(err))
}

// =============================================================================
// FIFO PAYMENT ALLOCATION
// =============================================================================

func TestAllocatePaymentFIFO_PartialPayment_OneEntry(t *testing.T) {
	// GIVEN: An open charge of 250000.00
	// WHEN: Allocating a 300.00 payment
	// THEN: One PAYMENT credit of 300.00 referencing the charge, no carry

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	charge, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("250000.00"), "admin")
	require.NoError(t, err)

	payment, err := e.ledger.RecordPayment(ctx, billing.Payment{
		MeterAssignmentID: assignmentID,
		Amount:            dec("300.00"),
		RecordedBy:        "cashier",
	})
	require.NoError(t, err)

	result, err := e.ledger.AllocatePaymentFIFO(ctx, payment.ID, "cashier")
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	entry := result.Entries[0]
	assert.Equal(t, billing.EntryPayment, entry.EntryType)
	assert.True(t, entry.IsCredit)
	assert.True(t, entry.Amount.Equal(dec("300.00")))
	require.NotNil(t, entry.RefChargeID)
	assert.Equal(t, charge.ID, *entry.RefChargeID)
	require.NotNil(t, entry.RefPaymentID)
	assert.Equal(t, payment.ID, *entry.RefPaymentID)
	assert.True(t, result.Allocated.Equal(dec("300.00")))
	assert.True(t, result.CarriedCredit.IsZero())
}

func TestAllocatePaymentFIFO_SpansCharges_OldestFirst(t *testing.T) {
	// GIVEN: Open charges of 100.00 (cycle 1) and 200.00 (cycle 2)
	// WHEN: Allocating a 250.00 payment
	// THEN: The first charge is fully covered, the second partially,
	//       leaving 50.00 open on it

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	first, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("100.00"), "admin")
	require.NoError(t, err)
	second, err := e.ledger.CreateChargeFor(ctx, assignmentID, 2, dec("200.00"), "admin")
	require.NoError(t, err)

	payment, err := e.ledger.RecordPayment(ctx, billing.Payment{
		MeterAssignmentID: assignmentID,
		Amount:            dec("250.00"),
		RecordedBy:        "cashier",
	})
	require.NoError(t, err)

	result, err := e.ledger.AllocatePaymentFIFO(ctx, payment.ID, "cashier")
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, first.ID, *result.Entries[0].RefChargeID)
	assert.True(t, result.Entries[0].Amount.Equal(dec("100.00")))
	assert.Equal(t, second.ID, *result.Entries[1].RefChargeID)
	assert.True(t, result.Entries[1].Amount.Equal(dec("150.00")))
	assert.True(t, result.CarriedCredit.IsZero())

	open, err := e.ledger.OpenCharges(ctx, assignmentID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].Entry.ID)
	assert.True(t, open[0].Remaining.Equal(dec("50.00")))
}

func TestAllocatePaymentFIFO_Overpayment_CreditCarried(t *testing.T) {
	// GIVEN: One open charge of 100.00
	// WHEN: Allocating a 150.00 payment
	// THEN: 100.00 allocated, 50.00 reported as carried credit

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	_, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("100.00"), "admin")
	require.NoError(t, err)

	payment, err := e.ledger.RecordPayment(ctx, billing.Payment{
		MeterAssignmentID: assignmentID,
		Amount:            dec("150.00"),
		RecordedBy:        "cashier",
	})
	require.NoError(t, err)

	result, err := e.ledger.AllocatePaymentFIFO(ctx, payment.ID, "cashier")
	require.NoError(t, err)
	assert.True(t, result.Allocated.Equal(dec("100.00")))
	assert.True(t, result.CarriedCredit.Equal(dec("50.00")))
}

func TestAllocatePaymentFIFO_SecondRun_Idempotent(t *testing.T) {
	// GIVEN: A payment already allocated
	// WHEN: Allocating it again
	// THEN: ErrDuplicate with the prior entries, no new credits

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	_, err := e.ledger.CreateChargeFor(ctx, assignmentID, 1, dec("250000.00"), "admin")
	require.NoError(t, err)
	payment, err := e.ledger.RecordPayment(ctx, billing.Payment{
		MeterAssignmentID: assignmentID,
		Amount:            dec("300.00"),
		RecordedBy:        "cashier",
	})
	require.NoError(t, err)
	_, err = e.ledger.AllocatePaymentFIFO(ctx, payment.ID, "cashier")
	require.NoError(t, err)

	rerun, err := e.ledger.AllocatePaymentFIFO(ctx, payment.ID, "cashier")
	assert.True(t, billing.IsDuplicate(err))
	require.Len(t, rerun.Entries, 1)
	assert.True(t, rerun.Allocated.Equal(dec("300.00")))

	credits, err := e.ledger.Entries(ctx, billing.LedgerFilter{
		MeterAssignmentID: assignmentID,
		EntryType:         billing.EntryPayment,
	})
	require.NoError(t, err)
	assert.Len(t, credits, 1)
}

func TestRecordPayment_ResolvesClientFromAssignment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	identity, err := e.store.CreateAssignment(ctx, 42, 7, "MTR-042")
	require.NoError(t, err)

	payment, err := e.ledger.RecordPayment(ctx, billing.Payment{
		MeterAssignmentID: identity.AssignmentID,
		Amount:            dec("25.00"),
		RecordedBy:        "cashier",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), payment.ClientID)
}

func TestRecordPayment_NonPositiveAmount_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)

	_, err := e.ledger.RecordPayment(context.Background(), billing.Payment{
		MeterAssignmentID: assignmentID,
		Amount:            dec("0"),
		RecordedBy:        "cashier",
	})
	assert.True(t, billing.IsValidation(err))
}

// =============================================================================
// PENALTIES
// =============================================================================

func TestPenalty_ImposeApplyReapply(t *testing.T) {
	// GIVEN: An imposed penalty
	// WHEN: Posting it to the ledger twice
	// THEN: One PENALTY debit; the second post is a duplicate skip

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)

	penalty, err := e.ledger.ImposePenalty(ctx, billing.Penalty{
		MeterAssignmentID: assignmentID,
		Amount:            dec("5000.00"),
		Reason:            "late payment",
		ImposedBy:         "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.PenaltyApplied, penalty.Status)

	entry, err := e.ledger.ApplyPenaltyToLedger(ctx, penalty.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPenalty, entry.EntryType)
	assert.True(t, entry.Amount.Equal(dec("5000.00")))
	require.NotNil(t, entry.RefPenaltyID)
	assert.Equal(t, penalty.ID, *entry.RefPenaltyID)

	again, err := e.ledger.ApplyPenaltyToLedger(ctx, penalty.ID, "admin")
	assert.True(t, billing.IsDuplicate(err))
	assert.Equal(t, entry.ID, again.ID)
}

func TestPenalty_WaivedCannotBePosted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	penalty, err := e.ledger.ImposePenalty(ctx, billing.Penalty{
		MeterAssignmentID: assignmentID,
		Amount:            dec("5000.00"),
		Reason:            "late payment",
		ImposedBy:         "admin",
	})
	require.NoError(t, err)

	waived, err := e.ledger.WaivePenalty(ctx, penalty.ID, "supervisor", "first offense")
	require.NoError(t, err)
	assert.Equal(t, billing.PenaltyWaived, waived.Status)
	assert.Equal(t, "supervisor", waived.WaivedBy)

	_, err = e.ledger.ApplyPenaltyToLedger(ctx, penalty.ID, "admin")
	assert.True(t, billing.IsInvalidState(err))
}

func TestPenalty_WaiveTwice_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	penalty, err := e.ledger.ImposePenalty(ctx, billing.Penalty{
		MeterAssignmentID: assignmentID,
		Amount:            dec("100.00"),
		Reason:            "tampering",
		ImposedBy:         "admin",
	})
	require.NoError(t, err)
	_, err = e.ledger.WaivePenalty(ctx, penalty.ID, "supervisor", "")
	require.NoError(t, err)

	_, err = e.ledger.WaivePenalty(ctx, penalty.ID, "supervisor", "")
	assert.True(t, billing.IsInvalidState(err))
}

func TestPenalty_MissingReason_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)

	_, err := e.ledger.ImposePenalty(context.Background(), billing.Penalty{
		MeterAssignmentID: assignmentID,
		Amount:            dec("100.00"),
		ImposedBy:         "admin",
	})
	assert.True(t, billing.IsValidation(err))
}
