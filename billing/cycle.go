/*
cycle.go - Billing cycle state machine and charge generation

PURPOSE:
  Owns the cycle lifecycle (OPEN -> PENDING_REVIEW -> APPROVED -> CLOSED
  -> ARCHIVED), the "one open cycle" invariant, non-overlapping date
  ranges, batch scheduling with working-day deadline adjustment, and the
  generation of CHARGE ledger entries from approved readings.

KEY RULES:
  - At most one cycle is OPEN system-wide; date ranges never overlap
    (inclusive boundaries count as overlapping)
  - Transitions follow the typed table in types.go; anything else is
    InvalidState
  - Scheduling is partial-failure: later cycles are still attempted when
    an earlier one fails, and the errors come back joined
  - Charge generation is idempotent per (assignment, cycle): existing
    charges are skipped and counted, never duplicated
  - Charges use rate * total consumption, rounded to 2 decimal places
    half away from zero

SEE ALSO:
  - types.go: Cycle entity, CanTransition
  - ledger.go: Balance and allocation over the entries created here
  - calendar.go: Working-day snapping for target dates
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CycleService manages billing cycles.
type CycleService struct {
	store    TxStore
	calendar Calendar
	audit    *AuditLog
	cfg      Config
	log      *zap.Logger
}

func NewCycleService(store TxStore, calendar Calendar, audit *AuditLog, cfg Config, log *zap.Logger) *CycleService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CycleService{store: store, calendar: calendar, audit: audit, cfg: cfg, log: log}
}

// =============================================================================
// CREATION AND SCHEDULING
// =============================================================================

// Create validates and persists one cycle.
//
// WORKFLOW:
//  1. Date sanity: start < end, start <= target <= end
//  2. No overlap with any existing cycle
//  3. If creating OPEN, no other cycle may be OPEN
func (s *CycleService) Create(ctx context.Context, start, end, target Date, status CycleStatus, actor string) (Cycle, error) {
	if status == "" {
		status = CycleOpen
	}
	if !start.Before(end) {
		return Cycle{}, fmt.Errorf("end date %s must be after start date %s: %w", end, start, ErrValidation)
	}
	if target.Before(start) || target.After(end) {
		return Cycle{}, fmt.Errorf("target date %s outside cycle range %s to %s: %w", target, start, end, ErrValidation)
	}
	if _, ok := cycleTransitions[status]; !ok {
		return Cycle{}, fmt.Errorf("unknown cycle status %q: %w", status, ErrValidation)
	}

	var created Cycle
	err := s.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.OverlappingCycle(ctx, start, end)
		if err == nil {
			return &OverlapError{ExistingID: existing.ID, Start: existing.StartDate, End: existing.EndDate}
		}
		if !IsNotFound(err) {
			return err
		}
		if status == CycleOpen {
			open, err := tx.OpenCycle(ctx)
			if err == nil {
				return fmt.Errorf("cycle %d is already OPEN: %w", open.ID, ErrInvalidState)
			}
			if !IsNotFound(err) {
				return err
			}
		}
		created, err = tx.CreateCycle(ctx, Cycle{
			StartDate:  start,
			EndDate:    end,
			TargetDate: target,
			Status:     status,
		})
		return err
	})
	if err != nil {
		return Cycle{}, err
	}
	s.audit.Append(ctx, actor, "cycle.create", "cycle", created.ID,
		fmt.Sprintf("%s to %s, target %s", start, end, target))
	return created, nil
}

// ScheduleRequest describes a batch of back-to-back cycles.
type ScheduleRequest struct {
	Start              Date
	Count              int
	LengthDays         int
	WindowDays         int // target date falls this many days after cycle end
	AdjustToWorkingDay bool
}

// Schedule creates Count back-to-back cycles: cycle N+1 starts the day
// after cycle N ends, and each target date is end + WindowDays, snapped
// back to the previous working day when adjustment is on.
//
// Partial failure: a cycle that fails validation does not stop the rest.
// The successes are returned together with the joined errors.
func (s *CycleService) Schedule(ctx context.Context, req ScheduleRequest, actor string) ([]Cycle, error) {
	if req.Count <= 0 || req.LengthDays <= 0 {
		return nil, fmt.Errorf("count and length must be positive: %w", ErrValidation)
	}
	if req.WindowDays < 0 {
		return nil, fmt.Errorf("submission window cannot be negative: %w", ErrValidation)
	}

	var created []Cycle
	var errs []error
	start := req.Start
	for i := 0; i < req.Count; i++ {
		end := start.AddDays(req.LengthDays - 1)
		target := end.AddDays(req.WindowDays)
		if req.AdjustToWorkingDay {
			snapped, err := s.calendar.NearestWorkingDay(target, SnapPrevious)
			if err != nil {
				errs = append(errs, fmt.Errorf("cycle %d: %w", i+1, err))
				start = end.AddDays(1)
				continue
			}
			target = snapped
		}

		// Create enforces start <= target <= end; a window that pushes the
		// deadline past the cycle end surfaces here as a per-cycle error.
		c, err := s.Create(ctx, start, end, target, CycleOpen, actor)
		if err != nil {
			errs = append(errs, fmt.Errorf("cycle %d: %w", i+1, err))
		} else {
			created = append(created, c)
		}
		start = end.AddDays(1)
	}
	return created, errors.Join(errs...)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition moves a cycle to a new status, enforcing the lifecycle table.
func (s *CycleService) Transition(ctx context.Context, cycleID int64, to CycleStatus, actor string) (Cycle, error) {
	var updated Cycle
	err := s.store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if !CanTransition(c.Status, to) {
			return &TransitionError{CycleID: cycleID, From: c.Status, To: to}
		}
		c.Status = to
		updated, err = tx.UpdateCycle(ctx, c)
		return err
	})
	if err != nil {
		return Cycle{}, err
	}
	s.audit.Append(ctx, actor, "cycle.transition", "cycle", cycleID, string(to))
	return updated, nil
}

// AutoTransitionOverdue moves every OPEN cycle whose target date has
// passed to PENDING_REVIEW. Safe to call repeatedly: a second call finds
// nothing OPEN and does nothing.
func (s *CycleService) AutoTransitionOverdue(ctx context.Context, actor string) ([]Cycle, error) {
	today := s.calendar.Today()
	open, err := s.store.ListCycles(ctx, CycleFilter{Status: CycleOpen})
	if err != nil {
		return nil, err
	}
	var transitioned []Cycle
	for _, c := range open {
		if !c.TargetDate.Before(today) {
			continue
		}
		updated, err := s.Transition(ctx, c.ID, CyclePendingReview, actor)
		if err != nil {
			// A concurrent transition already moved it; skip, don't fail the sweep.
			if IsInvalidState(err) {
				continue
			}
			return transitioned, err
		}
		transitioned = append(transitioned, updated)
	}
	return transitioned, nil
}

// OverrideTargetDate replaces an OPEN cycle's submission deadline,
// preserving the originally scheduled date in ProposedTargetDate.
func (s *CycleService) OverrideTargetDate(ctx context.Context, cycleID int64, newTarget Date, actor, reason string) (Cycle, error) {
	var updated Cycle
	err := s.store.WithTx(ctx, func(tx Store) error {
		c, err := tx.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if c.Status != CycleOpen {
			return fmt.Errorf("cycle %d is %s, deadline can only change while OPEN: %w",
				cycleID, c.Status, ErrInvalidState)
		}
		if newTarget.Before(c.StartDate) || newTarget.After(c.EndDate) {
			return fmt.Errorf("target date %s outside cycle range %s to %s: %w",
				newTarget, c.StartDate, c.EndDate, ErrValidation)
		}
		if c.ProposedTargetDate == nil {
			original := c.TargetDate
			c.ProposedTargetDate = &original
		}
		c.TargetDate = newTarget
		c.OverriddenBy = actor
		c.OverrideReason = reason
		updated, err = tx.UpdateCycle(ctx, c)
		return err
	})
	if err != nil {
		return Cycle{}, err
	}
	s.audit.Append(ctx, actor, "cycle.override_target", "cycle", cycleID, newTarget.String())
	return updated, nil
}

// =============================================================================
// CHARGE GENERATION
// =============================================================================

// ChargeSummary reports the outcome of one charge-generation run.
type ChargeSummary struct {
	Created           int
	SkippedExisting   int
	SkippedZeroAmount int
}

// GenerateCharges creates CHARGE ledger entries for a cycle's approved
// consumption.
//
// WORKFLOW:
//  1. Cycle must be PENDING_REVIEW or APPROVED
//  2. Sum approved consumption per assignment, skipping readings with
//     unresolved rollovers, nil consumption, or negative values
//  3. Per assignment: skip zero totals, skip assignments that already
//     have a charge for this cycle, otherwise append
//     amount = total * rate rounded to 2 decimal places
//
// The whole run executes in one transaction. Calling it again creates
// nothing and reports everything as skipped_existing.
func (s *CycleService) GenerateCharges(ctx context.Context, cycleID int64, ratePerUnit decimal.Decimal, actor string) ([]LedgerEntry, ChargeSummary, error) {
	if ratePerUnit.IsZero() {
		ratePerUnit = s.cfg.DefaultRatePerUnit
	}
	if ratePerUnit.Sign() <= 0 {
		return nil, ChargeSummary{}, fmt.Errorf("rate must be positive: %w", ErrValidation)
	}

	var entries []LedgerEntry
	var summary ChargeSummary
	err := s.store.WithTx(ctx, func(tx Store) error {
		cycle, err := tx.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status != CyclePendingReview && cycle.Status != CycleApproved {
			return fmt.Errorf("cycle %d must be %s or %s to generate charges, is %s: %w",
				cycleID, CyclePendingReview, CycleApproved, cycle.Status, ErrInvalidState)
		}

		readings, err := tx.ListReadings(ctx, ReadingFilter{CycleID: cycleID, ApprovedOnly: true})
		if err != nil {
			return err
		}

		totals := map[int64]decimal.Decimal{}
		for _, r := range readings {
			if r.Consumption == nil || r.HasRollover {
				continue
			}
			if r.Consumption.Sign() < 0 {
				continue
			}
			totals[r.MeterAssignmentID] = totals[r.MeterAssignmentID].Add(*r.Consumption)
		}

		// Deterministic order for stable summaries and test output.
		ids := make([]int64, 0, len(totals))
		for id := range totals {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, assignmentID := range ids {
			total := totals[assignmentID]
			if total.Sign() <= 0 {
				summary.SkippedZeroAmount++
				continue
			}
			if _, err := tx.ChargeFor(ctx, assignmentID, cycleID); err == nil {
				summary.SkippedExisting++
				continue
			} else if !IsNotFound(err) {
				return err
			}

			amount := total.Mul(ratePerUnit).Round(2)
			entry, err := tx.AppendEntry(ctx, LedgerEntry{
				MeterAssignmentID: assignmentID,
				CycleID:           cycleID,
				EntryType:         EntryCharge,
				Amount:            amount,
				IsCredit:          false,
				Description: fmt.Sprintf("Cycle %d charge: %s m3 @ %s per m3",
					cycleID, total.String(), ratePerUnit.String()),
				CreatedBy: actor,
			})
			if err != nil {
				// Constraint backstop caught a concurrent charge.
				if IsDuplicate(err) {
					summary.SkippedExisting++
					continue
				}
				return err
			}
			entries = append(entries, entry)
			summary.Created++
		}
		return nil
	})
	if err != nil {
		return nil, ChargeSummary{}, err
	}
	s.audit.Append(ctx, actor, "cycle.generate_charges", "cycle", cycleID,
		fmt.Sprintf("created=%d skipped_existing=%d skipped_zero=%d",
			summary.Created, summary.SkippedExisting, summary.SkippedZeroAmount))
	s.log.Info("cycle charges generated",
		zap.Int64("cycle_id", cycleID),
		zap.Int("created", summary.Created),
		zap.Int("skipped_existing", summary.SkippedExisting),
		zap.Int("skipped_zero", summary.SkippedZeroAmount))
	return entries, summary, nil
}

// =============================================================================
// ARCHIVING
// =============================================================================

// archiveMonthDays approximates a month for the archive age gate, as the
// cutoff has always been computed in 30-day months.
const archiveMonthDays = 30

// ArchivableCycles lists CLOSED cycles whose end date is at least
// cutoffMonths old. Zero cutoffMonths uses the configured default.
func (s *CycleService) ArchivableCycles(ctx context.Context, cutoffMonths int) ([]Cycle, error) {
	if cutoffMonths <= 0 {
		cutoffMonths = s.cfg.ArchiveCutoffMonths
	}
	cutoff := s.calendar.Today().AddDays(-cutoffMonths * archiveMonthDays)
	return s.store.ListCycles(ctx, CycleFilter{
		Status:     CycleClosed,
		EndsBefore: cutoff.AddDays(1),
	})
}

// ArchiveOldCycles transitions every archivable cycle to ARCHIVED and
// returns the count. Idempotent: archived cycles no longer match.
func (s *CycleService) ArchiveOldCycles(ctx context.Context, cutoffMonths int, actor string) (int, error) {
	eligible, err := s.ArchivableCycles(ctx, cutoffMonths)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, c := range eligible {
		if _, err := s.Transition(ctx, c.ID, CycleArchived, actor); err != nil {
			if IsInvalidState(err) {
				continue
			}
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (s *CycleService) Get(ctx context.Context, id int64) (Cycle, error) {
	return s.store.GetCycle(ctx, id)
}

func (s *CycleService) List(ctx context.Context, f CycleFilter) ([]Cycle, error) {
	return s.store.ListCycles(ctx, f)
}

// Open returns the currently OPEN cycle accepting submissions.
func (s *CycleService) Open(ctx context.Context) (Cycle, error) {
	return s.store.OpenCycle(ctx)
}

// ForDate returns the cycle containing d.
func (s *CycleService) ForDate(ctx context.Context, d Date) (Cycle, error) {
	return s.store.CycleForDate(ctx, d)
}
