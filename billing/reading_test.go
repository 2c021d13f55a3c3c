/*
reading_test.go - Reading submission, approval, and rollover tests

CORE DESIGN UNDER TEST:
- Submission requires an explicit baseline; the first value is never
  silently promoted to one
- One live reading per (assignment, cycle); rejected readings free the slot
- Consumption is resolved at approval from the latest approved reading
  of any type, so a baseline serves as the previous value
- A negative difference flags a rollover and keeps the signed raw value
  until an admin verifies the meter maximum or rejects the claim
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
// BASELINE RULES
// =============================================================================

func TestSubmit_NoBaseline_RejectedWithConflict(t *testing.T) {
	// GIVEN: An active assignment with no baseline reading
	// WHEN: Submitting a normal reading
	// THEN: Rejected with MissingBaselineError and a HIGH MISSING_BASELINE
	//       conflict is opened for admin follow-up

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)

	_, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID,
		CycleID:           cycle.ID,
		AbsoluteValue:     dec("1500.0000"),
		SubmittedBy:       "reader",
	})

	var missingErr *billing.MissingBaselineError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, assignmentID, missingErr.MeterAssignmentID)
	assert.True(t, billing.IsInvalidState(err),
		"missing baseline is a lifecycle gap, not bad input")
	assert.False(t, billing.IsValidation(err))

	conflicts, err := e.tracker.Conflicts(ctx, billing.ConflictFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.ConflictMissingBaseline,
	})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, billing.ConflictOpen, conflicts[0].Status)
	assert.Equal(t, billing.ConflictHigh, conflicts[0].Severity)
}

func TestCreateBaseline_Twice_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)

	_, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	require.NoError(t, err)

	_, err = e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1100"), "admin", "")
	assert.True(t, billing.IsDuplicate(err))
}

func TestCreateBaseline_InactiveAssignment_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	require.NoError(t, e.store.SetAssignmentStatus(ctx, assignmentID, billing.AssignmentInactive))

	_, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	assert.True(t, billing.IsValidation(err))
}

// =============================================================================
// NORMAL SUBMISSION AND APPROVAL
// =============================================================================

func TestApprove_BaselineAsPrevious_ComputesConsumption(t *testing.T) {
	// GIVEN: An approved baseline of 1000.0000
	// WHEN: Submitting and approving a reading of 1500.0000
	// THEN: Consumption is 500.0000 with no rollover

	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)

	approved := approvedConsumption(t, e, assignmentID, cycle.ID, "1000.0000", "1500.0000")

	require.NotNil(t, approved.Consumption)
	assert.True(t, approved.Consumption.Equal(dec("500.0000")),
		"expected 500.0000, got %s", approved.Consumption)
	assert.False(t, approved.HasRollover)
	assert.Equal(t, "admin", approved.ApprovedBy)
}

func TestSubmit_SecondLiveReading_RejectedWithAnomaly(t *testing.T) {
	// GIVEN: A live reading already submitted for this assignment and cycle
	// WHEN: Submitting another
	// THEN: Rejected with DuplicateReadingError and a DOUBLE_SUBMISSION
	//       anomaly pointing at the existing reading

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	b, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	require.NoError(t, err)
	_, err = e.readings.Approve(ctx, b.ID, "admin", "", nil)
	require.NoError(t, err)

	first, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1500"), SubmittedBy: "reader",
	})
	require.NoError(t, err)

	_, err = e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1600"), SubmittedBy: "reader",
	})

	var dupErr *billing.DuplicateReadingError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ExistingReadingID)
	assert.True(t, billing.IsDuplicate(err))

	anomalies, err := e.tracker.Anomalies(ctx, billing.AnomalyFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.AnomalyDoubleSubmission,
	})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
}

func TestSubmit_AfterRejection_SlotFreed(t *testing.T) {
	// GIVEN: A submitted reading that an admin rejected
	// WHEN: Submitting a corrected value in the same cycle
	// THEN: The new submission is accepted

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	b, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	require.NoError(t, err)
	_, err = e.readings.Approve(ctx, b.ID, "admin", "", nil)
	require.NoError(t, err)

	first, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("9999"), SubmittedBy: "reader",
	})
	require.NoError(t, err)
	_, err = e.readings.Reject(ctx, first.ID, "admin", "misread dial")
	require.NoError(t, err)

	second, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1550"), SubmittedBy: "reader",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSubmit_ClosedCycle_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	_, err := e.cycles.Transition(ctx, cycle.ID, billing.CyclePendingReview, "admin")
	require.NoError(t, err)

	_, err = e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1500"), SubmittedBy: "reader",
	})
	assert.True(t, billing.IsInvalidState(err))
}

func TestSubmit_PastTargetDate_ToleratedWithAnomaly(t *testing.T) {
	// GIVEN: An OPEN cycle whose target date (June 10) has passed (today June 15)
	// WHEN: Submitting a reading
	// THEN: The submission succeeds but a LATE_SUBMISSION anomaly is raised

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle, err := e.cycles.Create(ctx,
		mustDate(t, "2025-06-01"), mustDate(t, "2025-06-30"), mustDate(t, "2025-06-10"),
		billing.CycleOpen, "admin")
	require.NoError(t, err)
	b, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	require.NoError(t, err)
	_, err = e.readings.Approve(ctx, b.ID, "admin", "", nil)
	require.NoError(t, err)

	reading, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1500"), SubmittedBy: "reader",
	})
	require.NoError(t, err)

	anomalies, err := e.tracker.Anomalies(ctx, billing.AnomalyFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.AnomalyLateSubmission,
	})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.NotNil(t, anomalies[0].ReadingID)
	assert.Equal(t, reading.ID, *anomalies[0].ReadingID)
}

func TestApprove_WithOverride_OverrideWins(t *testing.T) {
	// GIVEN: A submitted reading of 1500 against an approved baseline of 1000
	// WHEN: Approving with an admin consumption override of 450
	// THEN: The override is stored instead of the computed 500

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	b, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	require.NoError(t, err)
	_, err = e.readings.Approve(ctx, b.ID, "admin", "", nil)
	require.NoError(t, err)
	r, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1500"), SubmittedBy: "reader",
	})
	require.NoError(t, err)

	override := dec("450")
	approved, err := e.readings.Approve(ctx, r.ID, "admin", "estimated, meter fogged", &override)
	require.NoError(t, err)
	require.NotNil(t, approved.Consumption)
	assert.True(t, approved.Consumption.Equal(dec("450")))
	assert.False(t, approved.HasRollover)
}

func TestApprove_AlreadyApproved_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	approved := approvedConsumption(t, e, assignmentID, cycle.ID, "1000", "1500")

	_, err := e.readings.Approve(ctx, approved.ID, "admin", "", nil)
	assert.True(t, billing.IsInvalidState(err))
}

func TestApprove_NoApprovedPrevious_Rejected(t *testing.T) {
	// GIVEN: A baseline that exists but was never approved
	// WHEN: Approving a normal reading
	// THEN: Rejected, there is no approved previous value to diff against

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	_, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("1000"), "admin", "")
	require.NoError(t, err)

	r, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("1500"), SubmittedBy: "reader",
	})
	require.NoError(t, err)

	_, err = e.readings.Approve(ctx, r.ID, "admin", "", nil)
	assert.True(t, billing.IsValidation(err))
}

// =============================================================================
// ROLLOVER LIFECYCLE
// =============================================================================

// rolloverFixture walks an assignment to an approved reading flagged as
// rollover: approved values 1000 then 1500 in June, then 200 in July.
func rolloverFixture(t *testing.T, e *testEngine) (assignmentID int64, flagged billing.Reading) {
	t.Helper()
	ctx := context.Background()
	assignmentID = newAssignment(t, e)
	cycle1 := openJuneCycle(t, e)
	approvedConsumption(t, e, assignmentID, cycle1.ID, "1000.0000", "1500.0000")
	_, err := e.cycles.Transition(ctx, cycle1.ID, billing.CyclePendingReview, "admin")
	require.NoError(t, err)

	cycle2, err := e.cycles.Create(ctx,
		mustDate(t, "2025-07-01"), mustDate(t, "2025-07-31"), mustDate(t, "2025-07-25"),
		billing.CycleOpen, "admin")
	require.NoError(t, err)
	r, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle2.ID,
		AbsoluteValue: dec("200.0000"), SubmittedBy: "reader",
	})
	require.NoError(t, err)
	flagged, err = e.readings.Approve(ctx, r.ID, "admin", "", nil)
	require.NoError(t, err)
	return assignmentID, flagged
}

func TestApprove_ValueBelowPrevious_FlagsRollover(t *testing.T) {
	// GIVEN: Last approved value 1500
	// WHEN: Approving a reading of 200
	// THEN: Rollover flagged, the signed raw difference (-1300) is kept,
	//       and both a CRITICAL anomaly and a HIGH conflict are raised

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID, flagged := rolloverFixture(t, e)

	assert.True(t, flagged.HasRollover)
	require.NotNil(t, flagged.Consumption)
	assert.True(t, flagged.Consumption.Equal(dec("-1300.0000")),
		"expected -1300.0000, got %s", flagged.Consumption)

	anomalies, err := e.tracker.Anomalies(ctx, billing.AnomalyFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.AnomalyRolloverWithoutLimit,
	})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, billing.SeverityCritical, anomalies[0].Severity)

	conflicts, err := e.tracker.Conflicts(ctx, billing.ConflictFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.ConflictReadingRollover,
	})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestVerifyRollover_ComputesWrappedConsumption(t *testing.T) {
	// GIVEN: A flagged rollover (previous 1500, current 200)
	// WHEN: Verifying with meter maximum 99999.9999
	// THEN: consumption = (99999.9999 - 1500) + 200 = 98699.9999

	e := newTestEngine(t)
	ctx := context.Background()
	_, flagged := rolloverFixture(t, e)

	verified, err := e.readings.VerifyRollover(ctx, flagged.ID, dec("99999.9999"), "admin")
	require.NoError(t, err)
	assert.False(t, verified.HasRollover)
	require.NotNil(t, verified.Consumption)
	assert.True(t, verified.Consumption.Equal(dec("98699.9999")),
		"expected 98699.9999, got %s", verified.Consumption)
	assert.Equal(t, "admin", verified.RolloverVerifiedBy)
	assert.True(t, verified.Approved, "verification must not disturb approval")
}

func TestVerifyRollover_MaxBelowPrevious_Rejected(t *testing.T) {
	e := newTestEngine(t)
	_, flagged := rolloverFixture(t, e)

	_, err := e.readings.VerifyRollover(context.Background(), flagged.ID, dec("1000"), "admin")
	assert.True(t, billing.IsValidation(err))
}

func TestVerifyRollover_NoRolloverFlag_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	approved := approvedConsumption(t, e, assignmentID, cycle.ID, "1000", "1500")

	_, err := e.readings.VerifyRollover(context.Background(), approved.ID, dec("99999"), "admin")
	assert.True(t, billing.IsInvalidState(err))
}

func TestRejectRolloverAsError_ClearsApprovalAndFreesSlot(t *testing.T) {
	// GIVEN: A flagged rollover in the July cycle
	// WHEN: An admin rejects the claim as a reporting mistake
	// THEN: The reading is rejected, loses its approval and consumption,
	//       and the corrected value can be resubmitted in the same cycle

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID, flagged := rolloverFixture(t, e)

	rejected, err := e.readings.RejectRolloverAsError(ctx, flagged.ID, "admin", "transposed digits")
	require.NoError(t, err)
	assert.True(t, rejected.Rejected)
	assert.False(t, rejected.Approved)
	assert.False(t, rejected.HasRollover)
	assert.Nil(t, rejected.Consumption)

	_, err = e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: flagged.CycleID,
		AbsoluteValue: dec("2000.0000"), SubmittedBy: "reader",
	})
	require.NoError(t, err)
}

// =============================================================================
// NEAR-ROLLOVER THRESHOLD ALERTS
// =============================================================================

func TestNearRolloverAlert_RaisedOnceAndDeduplicated(t *testing.T) {
	// GIVEN: A reading at 95000, past the 90000 threshold
	// WHEN: The reading is submitted and later approved
	// THEN: Exactly one DETECTED METER_ROLLOVER_THRESHOLD anomaly exists

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)
	b, err := e.readings.CreateBaseline(ctx, assignmentID, cycle.ID, dec("80000"), "admin", "")
	require.NoError(t, err)
	_, err = e.readings.Approve(ctx, b.ID, "admin", "", nil)
	require.NoError(t, err)

	r, err := e.readings.Submit(ctx, billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("95000"), SubmittedBy: "reader",
	})
	require.NoError(t, err)
	_, err = e.readings.Approve(ctx, r.ID, "admin", "", nil)
	require.NoError(t, err)

	anomalies, err := e.tracker.Anomalies(ctx, billing.AnomalyFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.AnomalyMeterRolloverThreshold,
	})
	require.NoError(t, err)
	require.Len(t, anomalies, 1, "threshold alert must be deduplicated")
	assert.Equal(t, billing.AnomalyDetected, anomalies[0].Status)
}

func TestSubmit_NegativeValue_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)
	cycle := openJuneCycle(t, e)

	_, err := e.readings.Submit(context.Background(), billing.SubmitRequest{
		MeterAssignmentID: assignmentID, CycleID: cycle.ID,
		AbsoluteValue: dec("-5"), SubmittedBy: "reader",
	})
	assert.True(t, billing.IsValidation(err))
}
