/*
anomaly_test.go - Anomaly and conflict lifecycle tests

CORE DESIGN UNDER TEST:
- Anomalies walk DETECTED -> ACKNOWLEDGED -> RESOLVED strictly
- Conflicts walk OPEN -> ASSIGNED_TO_ADMIN -> RESOLVED -> ARCHIVED strictly
- Recording is best-effort and never fails the primary operation
*/
package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maji/billing-engine/billing"
)

func seedAnomaly(t *testing.T, e *testEngine, assignmentID int64) billing.Anomaly {
	t.Helper()
	ctx := context.Background()
	e.tracker.RecordAnomaly(ctx, billing.Anomaly{
		Type:              billing.AnomalyMissingReading,
		Description:       "no reading received before cycle close",
		Severity:          billing.SeverityWarning,
		MeterAssignmentID: assignmentID,
		CycleID:           1,
	})
	anomalies, err := e.tracker.Anomalies(ctx, billing.AnomalyFilter{MeterAssignmentID: assignmentID})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	return anomalies[0]
}

func seedConflict(t *testing.T, e *testEngine, assignmentID int64) billing.Conflict {
	t.Helper()
	ctx := context.Background()
	e.tracker.RecordConflict(ctx, billing.Conflict{
		Type:              billing.ConflictDuplicateReading,
		Description:       "two field teams visited the same meter",
		Severity:          billing.ConflictMedium,
		MeterAssignmentID: assignmentID,
	})
	conflicts, err := e.tracker.Conflicts(ctx, billing.ConflictFilter{MeterAssignmentID: assignmentID})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	return conflicts[0]
}

// =============================================================================
// ANOMALY LIFECYCLE
// =============================================================================

func TestAnomaly_AcknowledgeThenResolve(t *testing.T) {
	// GIVEN: A DETECTED anomaly
	// WHEN: Acknowledging and then resolving it
	// THEN: Status and actor fields advance at each step

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	a := seedAnomaly(t, e, assignmentID)
	assert.Equal(t, billing.AnomalyDetected, a.Status)

	acked, err := e.tracker.AcknowledgeAnomaly(ctx, a.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, billing.AnomalyAcknowledged, acked.Status)
	assert.Equal(t, "admin", acked.AcknowledgedBy)

	resolved, err := e.tracker.ResolveAnomaly(ctx, a.ID, "admin", "reader confirmed vacancy")
	require.NoError(t, err)
	assert.Equal(t, billing.AnomalyResolved, resolved.Status)
	assert.Equal(t, "reader confirmed vacancy", resolved.ResolutionNotes)
}

func TestAnomaly_ResolveWithoutAcknowledge_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)
	a := seedAnomaly(t, e, assignmentID)

	_, err := e.tracker.ResolveAnomaly(context.Background(), a.ID, "admin", "")
	assert.True(t, billing.IsInvalidState(err))
}

func TestAnomaly_AcknowledgeTwice_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	a := seedAnomaly(t, e, assignmentID)
	_, err := e.tracker.AcknowledgeAnomaly(ctx, a.ID, "admin")
	require.NoError(t, err)

	_, err = e.tracker.AcknowledgeAnomaly(ctx, a.ID, "admin")
	assert.True(t, billing.IsInvalidState(err))
}

func TestAnomaly_Missing_NotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.tracker.AcknowledgeAnomaly(context.Background(), 9999, "admin")
	assert.True(t, billing.IsNotFound(err))
}

// =============================================================================
// CONFLICT LIFECYCLE
// =============================================================================

func TestConflict_FullLifecycle(t *testing.T) {
	// GIVEN: An OPEN conflict
	// WHEN: Assigning, resolving, then archiving it
	// THEN: Each step succeeds and records the acting admin

	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	c := seedConflict(t, e, assignmentID)
	assert.Equal(t, billing.ConflictOpen, c.Status)

	assigned, err := e.tracker.AssignConflict(ctx, c.ID, "field-supervisor")
	require.NoError(t, err)
	assert.Equal(t, billing.ConflictAssignedToAdmin, assigned.Status)
	assert.Equal(t, "field-supervisor", assigned.AssignedTo)

	resolved, err := e.tracker.ResolveConflict(ctx, c.ID, "field-supervisor", "kept the earlier visit")
	require.NoError(t, err)
	assert.Equal(t, billing.ConflictResolved, resolved.Status)

	archived, err := e.tracker.ArchiveConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.ConflictArchived, archived.Status)
}

func TestConflict_ResolveWithoutAssignment_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)
	c := seedConflict(t, e, assignmentID)

	_, err := e.tracker.ResolveConflict(context.Background(), c.ID, "admin", "")
	assert.True(t, billing.IsInvalidState(err))
}

func TestConflict_ArchiveUnresolved_Rejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	assignmentID := newAssignment(t, e)
	c := seedConflict(t, e, assignmentID)
	_, err := e.tracker.AssignConflict(ctx, c.ID, "admin")
	require.NoError(t, err)

	_, err = e.tracker.ArchiveConflict(ctx, c.ID)
	assert.True(t, billing.IsInvalidState(err))
}

func TestConflict_AssignEmptyAdmin_Rejected(t *testing.T) {
	e := newTestEngine(t)
	assignmentID := newAssignment(t, e)
	c := seedConflict(t, e, assignmentID)

	_, err := e.tracker.AssignConflict(context.Background(), c.ID, "")
	assert.True(t, billing.IsValidation(err))
}
