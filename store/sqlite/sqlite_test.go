/*
sqlite_test.go - Schema constraint backstops and transaction behavior

CORE DESIGN UNDER TEST:
  The service layer checks every invariant before writing, but the
  schema repeats the critical ones as partial unique indexes so a race
  can never corrupt the data. These tests hit the store directly to
  prove the backstops hold without the service layer in front.
*/
package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maji/billing-engine/billing"
	"github.com/maji/billing-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func date(t *testing.T, s string) billing.Date {
	t.Helper()
	d, err := billing.ParseDate(s)
	require.NoError(t, err)
	return d
}

func seedCycle(t *testing.T, store *sqlite.Store, status billing.CycleStatus) billing.Cycle {
	t.Helper()
	c, err := store.CreateCycle(context.Background(), billing.Cycle{
		StartDate:  date(t, "2025-06-01"),
		EndDate:    date(t, "2025-06-30"),
		TargetDate: date(t, "2025-06-25"),
		Status:     status,
	})
	require.NoError(t, err)
	return c
}

func seedAssignment(t *testing.T, store *sqlite.Store) int64 {
	t.Helper()
	identity, err := store.CreateAssignment(context.Background(), 1, 1, "MTR-001")
	require.NoError(t, err)
	return identity.AssignmentID
}

// =============================================================================
// CONSTRAINT BACKSTOPS
// =============================================================================

func TestBackstop_SecondOpenCycle_Rejected(t *testing.T) {
	// GIVEN: An OPEN cycle written directly to the store
	// WHEN: Inserting a second OPEN cycle, bypassing the service checks
	// THEN: The idx_cycles_one_open index rejects it as InvalidState

	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, billing.CycleOpen)

	_, err := store.CreateCycle(ctx, billing.Cycle{
		StartDate:  date(t, "2025-07-01"),
		EndDate:    date(t, "2025-07-31"),
		TargetDate: date(t, "2025-07-25"),
		Status:     billing.CycleOpen,
	})

	require.Error(t, err)
	assert.True(t, billing.IsInvalidState(err))
}

func TestBackstop_TwoClosedCycles_Allowed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCycle(t, store, billing.CycleClosed)

	_, err := store.CreateCycle(ctx, billing.Cycle{
		StartDate:  date(t, "2025-07-01"),
		EndDate:    date(t, "2025-07-31"),
		TargetDate: date(t, "2025-07-25"),
		Status:     billing.CycleClosed,
	})
	assert.NoError(t, err, "the partial index only guards OPEN")
}

func TestBackstop_SecondLiveReading_Rejected(t *testing.T) {
	// GIVEN: A live (non-rejected) reading for (assignment, cycle)
	// WHEN: Inserting another directly
	// THEN: idx_readings_live rejects it as Duplicate; a rejected row
	//       does not block the slot

	store := newTestStore(t)
	ctx := context.Background()
	cycle := seedCycle(t, store, billing.CycleOpen)
	assignmentID := seedAssignment(t, store)

	reading := billing.Reading{
		MeterAssignmentID: assignmentID,
		CycleID:           cycle.ID,
		AbsoluteValue:     decimal.RequireFromString("1500"),
		Type:              billing.ReadingNormal,
		SubmittedBy:       "reader",
	}
	_, err := store.CreateReading(ctx, reading)
	require.NoError(t, err)

	_, err = store.CreateReading(ctx, reading)
	assert.True(t, billing.IsDuplicate(err))

	rejected := reading
	rejected.Rejected = true
	now := time.Now().UTC()
	rejected.RejectedAt = &now
	rejected.RejectedBy = "admin"
	_, err = store.CreateReading(ctx, rejected)
	assert.NoError(t, err, "rejected rows must not occupy the live slot")
}

func TestBackstop_SecondBaseline_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cycle := seedCycle(t, store, billing.CycleOpen)
	assignmentID := seedAssignment(t, store)

	baseline := billing.Reading{
		MeterAssignmentID: assignmentID,
		CycleID:           cycle.ID,
		AbsoluteValue:     decimal.RequireFromString("1000"),
		Type:              billing.ReadingBaseline,
		SubmittedBy:       "admin",
	}
	_, err := store.CreateReading(ctx, baseline)
	require.NoError(t, err)

	// A baseline for a different cycle still collides: one per assignment.
	other := seedCycle(t, store, billing.CycleClosed)
	baseline.CycleID = other.ID
	_, err = store.CreateReading(ctx, baseline)
	assert.True(t, billing.IsDuplicate(err))
}

func TestBackstop_SecondCharge_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	assignmentID := seedAssignment(t, store)

	charge := billing.LedgerEntry{
		MeterAssignmentID: assignmentID,
		CycleID:           1,
		EntryType:         billing.EntryCharge,
		Amount:            decimal.RequireFromString("100.00"),
		CreatedBy:         "admin",
	}
	_, err := store.AppendEntry(ctx, charge)
	require.NoError(t, err)

	_, err = store.AppendEntry(ctx, charge)
	assert.True(t, billing.IsDuplicate(err))

	// Other entry types are not limited per cycle.
	adjustment := charge
	adjustment.EntryType = billing.EntryAdjustment
	_, err = store.AppendEntry(ctx, adjustment)
	require.NoError(t, err)
	_, err = store.AppendEntry(ctx, adjustment)
	assert.NoError(t, err)
}

func TestBackstop_SecondPenaltyEntry_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	assignmentID := seedAssignment(t, store)

	penaltyID := int64(7)
	entry := billing.LedgerEntry{
		MeterAssignmentID: assignmentID,
		EntryType:         billing.EntryPenalty,
		Amount:            decimal.RequireFromString("5000.00"),
		RefPenaltyID:      &penaltyID,
		CreatedBy:         "admin",
	}
	_, err := store.AppendEntry(ctx, entry)
	require.NoError(t, err)

	_, err = store.AppendEntry(ctx, entry)
	assert.True(t, billing.IsDuplicate(err))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_ErrorRollsBack(t *testing.T) {
	// GIVEN: A transaction that writes a cycle and then fails
	// WHEN: The transaction function returns an error
	// THEN: The cycle is not persisted

	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx billing.Store) error {
		_, err := tx.CreateCycle(ctx, billing.Cycle{
			StartDate:  date(t, "2025-06-01"),
			EndDate:    date(t, "2025-06-30"),
			TargetDate: date(t, "2025-06-25"),
			Status:     billing.CycleOpen,
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	cycles, err := store.ListCycles(ctx, billing.CycleFilter{})
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestWithTx_CommitPersists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var created billing.Cycle
	err := store.WithTx(ctx, func(tx billing.Store) error {
		var err error
		created, err = tx.CreateCycle(ctx, billing.Cycle{
			StartDate:  date(t, "2025-06-01"),
			EndDate:    date(t, "2025-06-30"),
			TargetDate: date(t, "2025-06-25"),
			Status:     billing.CycleOpen,
		})
		return err
	})
	require.NoError(t, err)

	got, err := store.GetCycle(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.CycleOpen, got.Status)
}

// =============================================================================
// LOOKUPS AND ROUND-TRIPS
// =============================================================================

func TestGetCycle_Missing_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetCycle(context.Background(), 404)

	var nfErr *billing.NotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "cycle", nfErr.Kind)
	assert.True(t, billing.IsNotFound(err))
}

func TestCycleForDate_InclusiveBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := seedCycle(t, store, billing.CycleOpen)

	for _, day := range []string{"2025-06-01", "2025-06-15", "2025-06-30"} {
		got, err := store.CycleForDate(ctx, date(t, day))
		require.NoError(t, err, day)
		assert.Equal(t, c.ID, got.ID)
	}

	_, err := store.CycleForDate(ctx, date(t, "2025-07-01"))
	assert.True(t, billing.IsNotFound(err))
}

func TestReading_DecimalRoundTrip(t *testing.T) {
	// Amounts are stored as TEXT; four decimal places must survive intact.
	store := newTestStore(t)
	ctx := context.Background()
	cycle := seedCycle(t, store, billing.CycleOpen)
	assignmentID := seedAssignment(t, store)

	value := decimal.RequireFromString("99999.9999")
	created, err := store.CreateReading(ctx, billing.Reading{
		MeterAssignmentID: assignmentID,
		CycleID:           cycle.ID,
		AbsoluteValue:     value,
		Type:              billing.ReadingNormal,
		SubmittedBy:       "reader",
	})
	require.NoError(t, err)

	got, err := store.GetReading(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.AbsoluteValue.Equal(value), "got %s", got.AbsoluteValue)
}

func TestLatestApprovedBefore_SameSecondOrdering(t *testing.T) {
	// GIVEN: Two approvals in the same second, the later one carrying a
	//        sub-second fraction and the earlier one landing on the
	//        whole second, inserted later so id order cannot mask it
	// WHEN: Resolving the latest approved reading
	// THEN: The chronologically later reading wins; timestamps are
	//       compared as TEXT, so the stored form must be fixed-width

	store := newTestStore(t)
	ctx := context.Background()
	juneCycle := seedCycle(t, store, billing.CycleClosed)
	julyCycle, err := store.CreateCycle(ctx, billing.Cycle{
		StartDate:  date(t, "2025-07-01"),
		EndDate:    date(t, "2025-07-31"),
		TargetDate: date(t, "2025-07-25"),
		Status:     billing.CycleClosed,
	})
	require.NoError(t, err)
	assignmentID := seedAssignment(t, store)

	whole := time.Date(2025, time.June, 10, 12, 0, 5, 0, time.UTC)
	fraction := whole.Add(900 * time.Millisecond)

	later, err := store.CreateReading(ctx, billing.Reading{
		MeterAssignmentID: assignmentID,
		CycleID:           julyCycle.ID,
		AbsoluteValue:     decimal.RequireFromString("1500"),
		Type:              billing.ReadingNormal,
		SubmittedBy:       "reader",
		Approved:          true,
		ApprovedAt:        &fraction,
		ApprovedBy:        "admin",
	})
	require.NoError(t, err)

	_, err = store.CreateReading(ctx, billing.Reading{
		MeterAssignmentID: assignmentID,
		CycleID:           juneCycle.ID,
		AbsoluteValue:     decimal.RequireFromString("1000"),
		Type:              billing.ReadingNormal,
		SubmittedBy:       "reader",
		Approved:          true,
		ApprovedAt:        &whole,
		ApprovedBy:        "admin",
	})
	require.NoError(t, err)

	got, err := store.LatestApprovedBefore(ctx, assignmentID, 0)
	require.NoError(t, err)
	assert.Equal(t, later.ID, got.ID)
	assert.True(t, got.AbsoluteValue.Equal(decimal.RequireFromString("1500")))
}

func TestAssignmentRegistry_StatusAndIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	identity, err := store.CreateAssignment(ctx, 42, 7, "MTR-042")
	require.NoError(t, err)

	status, err := store.AssignmentStatus(ctx, identity.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, billing.AssignmentActive, status)

	require.NoError(t, store.SetAssignmentStatus(ctx, identity.AssignmentID, billing.AssignmentInactive))
	status, err = store.AssignmentStatus(ctx, identity.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, billing.AssignmentInactive, status)

	got, err := store.AssignmentIdentity(ctx, identity.AssignmentID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ClientID)
	assert.Equal(t, "MTR-042", got.MeterSerial)
}

func TestHolidays_AddIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := date(t, "2025-12-25")

	require.NoError(t, store.AddHoliday(ctx, day, "Christmas"))
	require.NoError(t, store.AddHoliday(ctx, day, "Christmas"))

	holiday, err := store.IsHoliday(day)
	require.NoError(t, err)
	assert.True(t, holiday)

	all, err := store.ListHolidays(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
