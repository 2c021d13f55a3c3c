/*
anomaly.go - Anomaly and conflict tracker

PURPOSE:
  Detected irregularities are recorded as Anomalies (for review) or
  Conflicts (blocking issues requiring an admin decision). Each has its
  own strictly ordered lifecycle. Recording is best-effort relative to
  the operation that detected the issue: a failed insert is logged and
  the triggering operation still succeeds.

LIFECYCLES:
  Anomaly:  DETECTED -> ACKNOWLEDGED -> RESOLVED
  Conflict: OPEN -> ASSIGNED_TO_ADMIN -> RESOLVED -> ARCHIVED

KEY RULES:
  - Resolving an anomaly requires prior acknowledgement
  - Resolving a conflict requires prior assignment
  - Archiving a conflict requires prior resolution
  - Near-rollover alerts are deduplicated: at most one DETECTED
    METER_ROLLOVER_THRESHOLD anomaly per assignment

SEE ALSO:
  - reading.go: Primary producer of anomalies and conflicts
  - types.go: Anomaly/Conflict entities and enumerations
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Tracker records and manages anomalies and conflicts.
type Tracker struct {
	store Store
	log   *zap.Logger
}

func NewTracker(store Store, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: store, log: log}
}

// =============================================================================
// RECORDING - Best-effort, called from detection sites
// =============================================================================

// RecordAnomaly inserts a DETECTED anomaly. Failures are logged, never
// returned: anomaly bookkeeping must not fail the triggering operation.
func (t *Tracker) RecordAnomaly(ctx context.Context, a Anomaly) {
	a.Status = AnomalyDetected
	if _, err := t.store.CreateAnomaly(ctx, a); err != nil {
		t.log.Warn("anomaly record failed",
			zap.String("type", string(a.Type)),
			zap.Int64("assignment_id", a.MeterAssignmentID),
			zap.Error(err))
	}
}

// RecordConflict inserts an OPEN conflict, best-effort.
func (t *Tracker) RecordConflict(ctx context.Context, c Conflict) {
	c.Status = ConflictOpen
	if _, err := t.store.CreateConflict(ctx, c); err != nil {
		t.log.Warn("conflict record failed",
			zap.String("type", string(c.Type)),
			zap.Int64("assignment_id", c.MeterAssignmentID),
			zap.Error(err))
	}
}

// RecordNearRolloverAlert raises a CRITICAL METER_ROLLOVER_THRESHOLD
// anomaly unless the assignment already has one awaiting acknowledgement.
func (t *Tracker) RecordNearRolloverAlert(ctx context.Context, assignmentID, cycleID, readingID int64, value fmt.Stringer) {
	existing, err := t.store.ListAnomalies(ctx, AnomalyFilter{
		MeterAssignmentID: assignmentID,
		Type:              AnomalyMeterRolloverThreshold,
		Status:            AnomalyDetected,
	})
	if err != nil {
		t.log.Warn("near-rollover dedup lookup failed", zap.Int64("assignment_id", assignmentID), zap.Error(err))
		return
	}
	if len(existing) > 0 {
		return
	}
	rid := readingID
	t.RecordAnomaly(ctx, Anomaly{
		Type:              AnomalyMeterRolloverThreshold,
		Description:       fmt.Sprintf("meter reading %s is approaching the meter maximum", value),
		Severity:          SeverityCritical,
		MeterAssignmentID: assignmentID,
		CycleID:           cycleID,
		ReadingID:         &rid,
	})
}

// =============================================================================
// ANOMALY LIFECYCLE
// =============================================================================

// AcknowledgeAnomaly moves DETECTED -> ACKNOWLEDGED.
func (t *Tracker) AcknowledgeAnomaly(ctx context.Context, id int64, actor string) (Anomaly, error) {
	a, err := t.store.GetAnomaly(ctx, id)
	if err != nil {
		return Anomaly{}, err
	}
	if a.Status != AnomalyDetected {
		return Anomaly{}, fmt.Errorf("anomaly %d is %s, not %s: %w",
			id, a.Status, AnomalyDetected, ErrInvalidState)
	}
	now := time.Now().UTC()
	a.Status = AnomalyAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = actor
	return t.store.UpdateAnomaly(ctx, a)
}

// ResolveAnomaly moves ACKNOWLEDGED -> RESOLVED. Resolving straight from
// DETECTED is rejected.
func (t *Tracker) ResolveAnomaly(ctx context.Context, id int64, actor, notes string) (Anomaly, error) {
	a, err := t.store.GetAnomaly(ctx, id)
	if err != nil {
		return Anomaly{}, err
	}
	if a.Status != AnomalyAcknowledged {
		return Anomaly{}, fmt.Errorf("anomaly %d is %s, not %s: %w",
			id, a.Status, AnomalyAcknowledged, ErrInvalidState)
	}
	now := time.Now().UTC()
	a.Status = AnomalyResolved
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	a.ResolutionNotes = notes
	return t.store.UpdateAnomaly(ctx, a)
}

// =============================================================================
// CONFLICT LIFECYCLE
// =============================================================================

// AssignConflict moves OPEN -> ASSIGNED_TO_ADMIN.
func (t *Tracker) AssignConflict(ctx context.Context, id int64, admin string) (Conflict, error) {
	c, err := t.store.GetConflict(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	if c.Status != ConflictOpen {
		return Conflict{}, fmt.Errorf("conflict %d is %s, not %s: %w",
			id, c.Status, ConflictOpen, ErrInvalidState)
	}
	if admin == "" {
		return Conflict{}, fmt.Errorf("assignee required: %w", ErrValidation)
	}
	now := time.Now().UTC()
	c.Status = ConflictAssignedToAdmin
	c.AssignedTo = admin
	c.AssignedAt = &now
	return t.store.UpdateConflict(ctx, c)
}

// ResolveConflict moves ASSIGNED_TO_ADMIN -> RESOLVED. An unassigned
// conflict cannot be resolved.
func (t *Tracker) ResolveConflict(ctx context.Context, id int64, actor, notes string) (Conflict, error) {
	c, err := t.store.GetConflict(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	if c.Status != ConflictAssignedToAdmin {
		return Conflict{}, fmt.Errorf("conflict %d is %s, not %s: %w",
			id, c.Status, ConflictAssignedToAdmin, ErrInvalidState)
	}
	now := time.Now().UTC()
	c.Status = ConflictResolved
	c.ResolvedAt = &now
	c.ResolvedBy = actor
	c.ResolutionNotes = notes
	return t.store.UpdateConflict(ctx, c)
}

// ArchiveConflict moves RESOLVED -> ARCHIVED.
func (t *Tracker) ArchiveConflict(ctx context.Context, id int64) (Conflict, error) {
	c, err := t.store.GetConflict(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	if c.Status != ConflictResolved {
		return Conflict{}, fmt.Errorf("conflict %d is %s, not %s: %w",
			id, c.Status, ConflictResolved, ErrInvalidState)
	}
	c.Status = ConflictArchived
	return t.store.UpdateConflict(ctx, c)
}

// Anomalies lists anomalies matching the filter.
func (t *Tracker) Anomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error) {
	return t.store.ListAnomalies(ctx, f)
}

// Conflicts lists conflicts matching the filter.
func (t *Tracker) Conflicts(ctx context.Context, f ConflictFilter) ([]Conflict, error) {
	return t.store.ListConflicts(ctx, f)
}
