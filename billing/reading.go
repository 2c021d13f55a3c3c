/*
reading.go - Reading reconciler: submission, approval, rollover handling

PURPOSE:
  Accepts reported meter values, enforces the baseline-first and
  one-per-cycle rules, computes consumption at approval time, and
  manages meter rollover claims until an admin resolves them.

SUBMISSION VALIDATION ORDER (first failing check wins):
  1. Assignment exists and is ACTIVE
  2. Cycle exists and is OPEN
  3. A baseline reading exists for the assignment (submission never
     creates one implicitly; CreateBaseline is the privileged path)
  4. No live reading exists for this (assignment, cycle) pair
  5. Late submission (today past the target date) is tolerated but
     raises a LATE_SUBMISSION anomaly

CONSUMPTION MATH (at approval):
  raw = current.absolute_value - previous_approved.absolute_value
  raw >= 0: consumption = raw, no rollover
  raw <  0: rollover flagged, the raw signed value is kept until
            verify_rollover supplies the meter maximum:
            consumption = (max - previous) + current
  An admin consumption override at approval always wins and clears the
  rollover flag.

SEE ALSO:
  - anomaly.go: Tracker used for rollover/late/duplicate bookkeeping
  - cycle.go: GenerateCharges consumes the approved values produced here
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciler validates and approves meter readings.
type Reconciler struct {
	store    TxStore
	tracker  *Tracker
	calendar Calendar
	audit    *AuditLog
	cfg      Config
	log      *zap.Logger
}

func NewReconciler(store TxStore, tracker *Tracker, calendar Calendar, audit *AuditLog, cfg Config, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, tracker: tracker, calendar: calendar, audit: audit, cfg: cfg, log: log}
}

// =============================================================================
// BASELINE CREATION
// =============================================================================

// CreateBaseline records the reference reading for a new assignment.
// This is the only path that creates a BASELINE: ordinary submission
// rejects assignments without one instead of treating the first value
// as baseline.
func (r *Reconciler) CreateBaseline(ctx context.Context, assignmentID, cycleID int64, value decimal.Decimal, actor, notes string) (Reading, error) {
	if value.Sign() < 0 {
		return Reading{}, fmt.Errorf("absolute value cannot be negative: %w", ErrValidation)
	}
	status, err := r.store.AssignmentStatus(ctx, assignmentID)
	if err != nil {
		return Reading{}, err
	}
	if status != AssignmentActive {
		return Reading{}, fmt.Errorf("assignment %d is %s: %w", assignmentID, status, ErrValidation)
	}

	var created Reading
	err = r.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetCycle(ctx, cycleID); err != nil {
			return err
		}
		existing, err := tx.BaselineFor(ctx, assignmentID)
		if err == nil {
			return fmt.Errorf("assignment %d already has baseline reading %d: %w",
				assignmentID, existing.ID, ErrDuplicate)
		}
		if !IsNotFound(err) {
			return err
		}
		created, err = tx.CreateReading(ctx, Reading{
			MeterAssignmentID: assignmentID,
			CycleID:           cycleID,
			AbsoluteValue:     value,
			Type:              ReadingBaseline,
			SubmittedAt:       time.Now().UTC(),
			SubmittedBy:       actor,
			SubmissionNotes:   notes,
		})
		return err
	})
	if err != nil {
		return Reading{}, err
	}
	r.audit.Append(ctx, actor, "reading.create_baseline", "reading", created.ID, value.String())
	return created, nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitRequest carries a NORMAL reading submission.
type SubmitRequest struct {
	MeterAssignmentID int64
	CycleID           int64
	AbsoluteValue     decimal.Decimal
	SubmittedBy       string
	Notes             string
}

// Submit validates and stores a NORMAL reading. Anomaly and conflict
// records raised by the checks are written after the reading commits
// and never fail the submission.
func (r *Reconciler) Submit(ctx context.Context, req SubmitRequest) (Reading, error) {
	if req.AbsoluteValue.Sign() < 0 {
		return Reading{}, fmt.Errorf("absolute value cannot be negative: %w", ErrValidation)
	}

	status, err := r.store.AssignmentStatus(ctx, req.MeterAssignmentID)
	if err != nil {
		return Reading{}, err
	}
	if status != AssignmentActive {
		return Reading{}, fmt.Errorf("assignment %d is %s: %w", req.MeterAssignmentID, status, ErrValidation)
	}

	cycle, err := r.store.GetCycle(ctx, req.CycleID)
	if err != nil {
		return Reading{}, err
	}
	if cycle.Status != CycleOpen {
		return Reading{}, fmt.Errorf("cycle %d is %s, not accepting submissions: %w",
			req.CycleID, cycle.Status, ErrInvalidState)
	}

	if _, err := r.store.BaselineFor(ctx, req.MeterAssignmentID); err != nil {
		if IsNotFound(err) {
			r.tracker.RecordConflict(ctx, Conflict{
				Type:              ConflictMissingBaseline,
				Description:       fmt.Sprintf("reading submitted for assignment %d which has no baseline", req.MeterAssignmentID),
				Severity:          ConflictHigh,
				MeterAssignmentID: req.MeterAssignmentID,
				CycleID:           &req.CycleID,
			})
			return Reading{}, &MissingBaselineError{MeterAssignmentID: req.MeterAssignmentID}
		}
		return Reading{}, err
	}

	if existing, err := r.store.LiveReadingFor(ctx, req.MeterAssignmentID, req.CycleID); err == nil {
		r.tracker.RecordAnomaly(ctx, Anomaly{
			Type:              AnomalyDoubleSubmission,
			Description:       fmt.Sprintf("second reading submitted for assignment %d in cycle %d", req.MeterAssignmentID, req.CycleID),
			Severity:          SeverityWarning,
			MeterAssignmentID: req.MeterAssignmentID,
			CycleID:           req.CycleID,
			ReadingID:         &existing.ID,
		})
		return Reading{}, &DuplicateReadingError{
			MeterAssignmentID: req.MeterAssignmentID,
			CycleID:           req.CycleID,
			ExistingReadingID: existing.ID,
		}
	} else if !IsNotFound(err) {
		return Reading{}, err
	}

	created, err := r.store.CreateReading(ctx, Reading{
		MeterAssignmentID: req.MeterAssignmentID,
		CycleID:           req.CycleID,
		AbsoluteValue:     req.AbsoluteValue,
		Type:              ReadingNormal,
		SubmittedAt:       time.Now().UTC(),
		SubmittedBy:       req.SubmittedBy,
		SubmissionNotes:   req.Notes,
	})
	if err != nil {
		return Reading{}, err
	}

	r.postSubmissionChecks(ctx, created, cycle)
	r.audit.Append(ctx, req.SubmittedBy, "reading.submit", "reading", created.ID, req.AbsoluteValue.String())
	return created, nil
}

// postSubmissionChecks raises the best-effort anomalies a successful
// submission can trigger: late submission, apparent rollover against the
// last approved value, and the near-rollover threshold alert.
func (r *Reconciler) postSubmissionChecks(ctx context.Context, created Reading, cycle Cycle) {
	rid := created.ID

	if r.calendar.Today().After(cycle.TargetDate) {
		r.tracker.RecordAnomaly(ctx, Anomaly{
			Type:              AnomalyLateSubmission,
			Description:       fmt.Sprintf("reading submitted after cycle %d deadline %s", cycle.ID, cycle.TargetDate),
			Severity:          SeverityWarning,
			MeterAssignmentID: created.MeterAssignmentID,
			CycleID:           cycle.ID,
			ReadingID:         &rid,
		})
	}

	if prev, err := r.store.LatestApprovedBefore(ctx, created.MeterAssignmentID, created.ID); err == nil {
		if created.AbsoluteValue.LessThan(prev.AbsoluteValue) {
			r.tracker.RecordAnomaly(ctx, Anomaly{
				Type: AnomalyNegativeConsumption,
				Description: fmt.Sprintf("reading %s below previous approved value %s, possible meter rollover",
					created.AbsoluteValue, prev.AbsoluteValue),
				Severity:          SeverityWarning,
				MeterAssignmentID: created.MeterAssignmentID,
				CycleID:           cycle.ID,
				ReadingID:         &rid,
			})
		}
	} else if !IsNotFound(err) {
		r.log.Warn("previous reading lookup failed", zap.Int64("reading_id", created.ID), zap.Error(err))
	}

	if created.AbsoluteValue.GreaterThanOrEqual(r.cfg.NearRolloverThreshold) {
		r.tracker.RecordNearRolloverAlert(ctx, created.MeterAssignmentID, cycle.ID, created.ID, created.AbsoluteValue)
	}
}

// =============================================================================
// APPROVAL AND REJECTION
// =============================================================================

// Approve marks a reading approved and resolves its consumption.
// overrideConsumption, when non-nil, is an admin-supplied value that
// wins over the computed difference and clears any rollover flag.
func (r *Reconciler) Approve(ctx context.Context, readingID int64, actor, notes string, overrideConsumption *decimal.Decimal) (Reading, error) {
	var approved Reading
	var rolledOver bool
	err := r.store.WithTx(ctx, func(tx Store) error {
		reading, err := tx.GetReading(ctx, readingID)
		if err != nil {
			return err
		}
		if reading.Approved {
			return fmt.Errorf("reading %d is already approved: %w", readingID, ErrInvalidState)
		}
		if reading.Rejected {
			return fmt.Errorf("reading %d was rejected: %w", readingID, ErrInvalidState)
		}

		now := time.Now().UTC()
		reading.Approved = true
		reading.ApprovedAt = &now
		reading.ApprovedBy = actor
		reading.ApprovalNotes = notes

		if reading.Type == ReadingBaseline {
			reading.Consumption = nil
			reading.HasRollover = false
			approved, err = tx.UpdateReading(ctx, reading)
			return err
		}

		prev, err := tx.LatestApprovedBefore(ctx, reading.MeterAssignmentID, reading.ID)
		if err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("no approved previous reading for assignment %d: %w",
					reading.MeterAssignmentID, ErrValidation)
			}
			return err
		}

		switch {
		case overrideConsumption != nil:
			if overrideConsumption.Sign() < 0 {
				return fmt.Errorf("consumption override cannot be negative: %w", ErrValidation)
			}
			v := *overrideConsumption
			reading.Consumption = &v
			reading.HasRollover = false
		default:
			raw := reading.AbsoluteValue.Sub(prev.AbsoluteValue)
			reading.Consumption = &raw
			// Negative difference means the meter wrapped; keep the raw
			// signed value until verify_rollover supplies the meter maximum.
			reading.HasRollover = raw.Sign() < 0
			rolledOver = reading.HasRollover
		}

		approved, err = tx.UpdateReading(ctx, reading)
		return err
	})
	if err != nil {
		return Reading{}, err
	}

	if rolledOver {
		rid := approved.ID
		r.tracker.RecordAnomaly(ctx, Anomaly{
			Type:              AnomalyRolloverWithoutLimit,
			Description:       fmt.Sprintf("approved reading %d has negative consumption, meter maximum unknown", approved.ID),
			Severity:          SeverityCritical,
			MeterAssignmentID: approved.MeterAssignmentID,
			CycleID:           approved.CycleID,
			ReadingID:         &rid,
		})
		r.tracker.RecordConflict(ctx, Conflict{
			Type:              ConflictReadingRollover,
			Description:       fmt.Sprintf("reading %d flagged as rollover, awaiting meter maximum", approved.ID),
			Severity:          ConflictHigh,
			MeterAssignmentID: approved.MeterAssignmentID,
			CycleID:           &approved.CycleID,
			ReadingID:         &rid,
		})
	}
	if approved.AbsoluteValue.GreaterThanOrEqual(r.cfg.NearRolloverThreshold) {
		r.tracker.RecordNearRolloverAlert(ctx, approved.MeterAssignmentID, approved.CycleID, approved.ID, approved.AbsoluteValue)
	}
	r.audit.Append(ctx, actor, "reading.approve", "reading", approved.ID, notes)
	return approved, nil
}

// Reject marks an unapproved reading rejected. The reading stays on
// record; it simply stops counting toward the one-per-cycle rule so a
// corrected value can be submitted.
func (r *Reconciler) Reject(ctx context.Context, readingID int64, actor, reason string) (Reading, error) {
	var rejected Reading
	err := r.store.WithTx(ctx, func(tx Store) error {
		reading, err := tx.GetReading(ctx, readingID)
		if err != nil {
			return err
		}
		if reading.Approved {
			return fmt.Errorf("reading %d is approved, cannot reject: %w", readingID, ErrInvalidState)
		}
		if reading.Rejected {
			return fmt.Errorf("reading %d is already rejected: %w", readingID, ErrInvalidState)
		}
		now := time.Now().UTC()
		reading.Rejected = true
		reading.RejectedAt = &now
		reading.RejectedBy = actor
		reading.RejectionReason = reason
		rejected, err = tx.UpdateReading(ctx, reading)
		return err
	})
	if err != nil {
		return Reading{}, err
	}
	r.audit.Append(ctx, actor, "reading.reject", "reading", readingID, reason)
	return rejected, nil
}

// =============================================================================
// ROLLOVER RESOLUTION
// =============================================================================

// VerifyRollover resolves a flagged rollover using the meter's maximum
// value: consumption = (max - previous) + current.
func (r *Reconciler) VerifyRollover(ctx context.Context, readingID int64, maxMeterValue decimal.Decimal, actor string) (Reading, error) {
	var verified Reading
	err := r.store.WithTx(ctx, func(tx Store) error {
		reading, err := tx.GetReading(ctx, readingID)
		if err != nil {
			return err
		}
		if !reading.HasRollover {
			return fmt.Errorf("reading %d has no rollover to verify: %w", readingID, ErrInvalidState)
		}
		prev, err := tx.LatestApprovedBefore(ctx, reading.MeterAssignmentID, reading.ID)
		if err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("no approved previous reading for assignment %d: %w",
					reading.MeterAssignmentID, ErrValidation)
			}
			return err
		}
		if maxMeterValue.LessThan(prev.AbsoluteValue) {
			return fmt.Errorf("meter maximum %s below previous reading %s: %w",
				maxMeterValue, prev.AbsoluteValue, ErrValidation)
		}

		consumption := maxMeterValue.Sub(prev.AbsoluteValue).Add(reading.AbsoluteValue)
		now := time.Now().UTC()
		reading.Consumption = &consumption
		reading.HasRollover = false
		reading.RolloverVerifiedAt = &now
		reading.RolloverVerifiedBy = actor
		verified, err = tx.UpdateReading(ctx, reading)
		return err
	})
	if err != nil {
		return Reading{}, err
	}
	r.audit.Append(ctx, actor, "reading.verify_rollover", "reading", readingID, maxMeterValue.String())
	return verified, nil
}

// RejectRolloverAsError marks a rollover claim as a reporting mistake.
// The reading is rejected (not deleted) and loses its approval, so the
// submitter can resubmit the corrected value in the same cycle.
func (r *Reconciler) RejectRolloverAsError(ctx context.Context, readingID int64, actor, reason string) (Reading, error) {
	var rejected Reading
	err := r.store.WithTx(ctx, func(tx Store) error {
		reading, err := tx.GetReading(ctx, readingID)
		if err != nil {
			return err
		}
		if !reading.HasRollover {
			return fmt.Errorf("reading %d has no rollover to reject: %w", readingID, ErrInvalidState)
		}
		now := time.Now().UTC()
		reading.Approved = false
		reading.ApprovedAt = nil
		reading.ApprovedBy = ""
		reading.ApprovalNotes = ""
		reading.Consumption = nil
		reading.HasRollover = false
		reading.Rejected = true
		reading.RejectedAt = &now
		reading.RejectedBy = actor
		reading.RejectionReason = reason
		rejected, err = tx.UpdateReading(ctx, reading)
		return err
	})
	if err != nil {
		return Reading{}, err
	}
	r.audit.Append(ctx, actor, "reading.reject_rollover", "reading", readingID, reason)
	return rejected, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (r *Reconciler) Get(ctx context.Context, id int64) (Reading, error) {
	return r.store.GetReading(ctx, id)
}

func (r *Reconciler) List(ctx context.Context, f ReadingFilter) ([]Reading, error) {
	return r.store.ListReadings(ctx, f)
}
