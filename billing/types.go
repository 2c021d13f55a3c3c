/*
Package billing provides the core billing cycle and consumption
reconciliation engine for a water utility.

PURPOSE:
  This package contains the domain types and algorithms that govern
  billing periods, meter-reading submission and approval, consumption
  calculation with rollover handling, and the append-only financial
  ledger that supports balance computation and FIFO payment allocation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cycle: A billing period with a reading-submission deadline and a
    strict lifecycle (OPEN -> PENDING_REVIEW -> APPROVED -> CLOSED -> ARCHIVED)
  - Reading: A reported absolute meter value (BASELINE or NORMAL)
  - LedgerEntry: An immutable financial movement (charge, payment, penalty, adjustment)
  - Payment/Penalty: Records that feed the ledger via explicit, idempotent steps
  - Anomaly/Conflict: Detected issues with their own review lifecycles

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified; corrections are
     new ADJUSTMENT entries
  2. Precision: decimal.Decimal for all meter values and money
  3. Typed lifecycles: status enumerations with explicit transition
     tables checked in code before any write
  4. Sign convention: LedgerEntry.Amount is always non-negative; the
     balance effect is carried by IsCredit

SEE ALSO:
  - cycle.go: Cycle state machine and charge generation
  - reading.go: Reading reconciler (submission, approval, rollover)
  - ledger.go: Ledger engine, balance, payments, penalties
  - anomaly.go: Anomaly/conflict tracker
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CYCLE - Billing period with state machine
// =============================================================================

type CycleStatus string

const (
	CycleOpen          CycleStatus = "OPEN"           // Accepting reading submissions
	CyclePendingReview CycleStatus = "PENDING_REVIEW" // Window closed, awaiting admin review
	CycleApproved      CycleStatus = "APPROVED"       // Admin approved, charges generated
	CycleClosed        CycleStatus = "CLOSED"         // Billing complete, payments processed
	CycleArchived      CycleStatus = "ARCHIVED"       // Historical, terminal
)

// cycleTransitions is the full lifecycle graph. Anything not listed here
// is an invalid transition.
var cycleTransitions = map[CycleStatus][]CycleStatus{
	CycleOpen:          {CyclePendingReview},
	CyclePendingReview: {CycleApproved},
	CycleApproved:      {CycleClosed},
	CycleClosed:        {CycleArchived},
	CycleArchived:      {},
}

// CanTransition reports whether from -> to is a legal cycle transition.
func CanTransition(from, to CycleStatus) bool {
	for _, next := range cycleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cycle is a billing period.
//
// INVARIANTS:
//   - StartDate < EndDate, StartDate <= TargetDate <= EndDate
//   - At most one cycle is OPEN system-wide
//   - Cycle date ranges never overlap (inclusive boundaries)
//   - Cycles are never deleted; ARCHIVED is terminal
type Cycle struct {
	ID         int64
	StartDate  Date
	EndDate    Date
	TargetDate Date // Deadline for reading submissions

	// Override metadata: set only when an admin replaced the scheduled
	// target date. ProposedTargetDate keeps the original value.
	ProposedTargetDate *Date
	OverriddenBy       string
	OverrideReason     string

	Status    CycleStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contains reports whether d falls within [StartDate, EndDate].
func (c Cycle) Contains(d Date) bool {
	return !d.Before(c.StartDate) && !d.After(c.EndDate)
}

// Overlaps reports whether [start, end] intersects this cycle's range.
// Inclusive boundaries count as overlapping.
func (c Cycle) Overlaps(start, end Date) bool {
	return !c.StartDate.After(end) && !c.EndDate.Before(start)
}

// =============================================================================
// READING - Reported meter value
// =============================================================================

type ReadingType string

const (
	ReadingBaseline ReadingType = "BASELINE" // First, reference reading for an assignment
	ReadingNormal   ReadingType = "NORMAL"   // Subsequent readings
)

// Reading is a reported absolute meter value.
//
// INVARIANTS:
//   - Exactly one BASELINE per meter assignment, created before any
//     NORMAL reading is accepted
//   - At most one live (non-rejected) reading per (assignment, cycle)
//   - Approved <=> ApprovedBy and ApprovedAt both set
//   - Consumption is nil for BASELINE and until approval for NORMAL;
//     while a rollover is unresolved it holds the raw signed (negative)
//     difference
type Reading struct {
	ID                int64
	MeterAssignmentID int64
	CycleID           int64

	// Absolute meter value, fixed-point with 4 decimal places.
	AbsoluteValue decimal.Decimal
	Type          ReadingType

	Consumption *decimal.Decimal
	HasRollover bool

	SubmittedAt     time.Time
	SubmittedBy     string
	SubmissionNotes string

	Approved      bool
	ApprovedAt    *time.Time
	ApprovedBy    string
	ApprovalNotes string

	// Rejection is a status transition, not removal. A rejected reading
	// no longer counts toward the one-per-(assignment,cycle) rule, so the
	// submitter can resubmit a corrected value.
	Rejected        bool
	RejectedAt      *time.Time
	RejectedBy      string
	RejectionReason string

	RolloverVerifiedAt *time.Time
	RolloverVerifiedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable financial movement
// =============================================================================

type LedgerEntryType string

const (
	EntryCharge     LedgerEntryType = "CHARGE"     // Debit for billed consumption
	EntryAdjustment LedgerEntryType = "ADJUSTMENT" // Manual correction (sign via IsCredit)
	EntryPayment    LedgerEntryType = "PAYMENT"    // Credit from an allocated payment
	EntryPenalty    LedgerEntryType = "PENALTY"    // Debit from an applied penalty
)

// LedgerEntry records one financial movement for a meter assignment.
//
// INVARIANTS:
//   - Amount >= 0; the sign of the balance effect is carried by IsCredit
//   - Append-only: created once, never mutated or deleted
//   - At most one CHARGE per (assignment, cycle)
//   - At most one PENALTY entry per penalty record
type LedgerEntry struct {
	ID                int64
	MeterAssignmentID int64
	CycleID           int64
	EntryType         LedgerEntryType
	Amount            decimal.Decimal
	IsCredit          bool // true decreases the balance
	Description       string

	// Cross-references used for idempotency and allocation tracking.
	// PAYMENT entries reference the payment they allocate and the charge
	// they were applied against; PENALTY entries reference their penalty.
	RefChargeID  *int64
	RefPaymentID *int64
	RefPenaltyID *int64

	CreatedBy string
	CreatedAt time.Time
}

// SignedAmount returns the balance effect of the entry: positive for
// debits, negative for credits.
func (e LedgerEntry) SignedAmount() decimal.Decimal {
	if e.IsCredit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// OpenCharge is a CHARGE entry together with the amount still unpaid
// after subtracting all PAYMENT entries allocated against it.
type OpenCharge struct {
	Entry     LedgerEntry
	Allocated decimal.Decimal
	Remaining decimal.Decimal
}

// Balance is the computed financial position of a meter assignment.
// ByType holds the signed net effect per entry type (debits positive,
// credits negative), for display breakdowns.
type Balance struct {
	MeterAssignmentID int64
	TotalDebits       decimal.Decimal
	TotalCredits      decimal.Decimal
	Net               decimal.Decimal
	ByType            map[LedgerEntryType]decimal.Decimal
}

// =============================================================================
// PAYMENT / PENALTY
// =============================================================================

// Payment is a received customer payment. It is independent of the
// ledger: allocation to charges produces derived PAYMENT entries.
type Payment struct {
	ID                int64
	ClientID          int64
	MeterAssignmentID int64
	CycleID           *int64
	Amount            decimal.Decimal
	Reference         string
	Method            string // cash, mobile money, bank transfer
	Notes             string
	RecordedBy        string
	ReceivedAt        time.Time
	CreatedAt         time.Time
}

type PenaltyStatus string

const (
	PenaltyApplied PenaltyStatus = "APPLIED"
	PenaltyWaived  PenaltyStatus = "WAIVED"
)

// Penalty is a manually imposed charge. Posting it to the ledger is a
// separate, idempotent step.
//
// INVARIANT: Waived <=> WaivedAt and WaivedBy both set.
type Penalty struct {
	ID                int64
	MeterAssignmentID int64
	CycleID           *int64
	Amount            decimal.Decimal
	Reason            string
	Notes             string
	Status            PenaltyStatus
	ImposedBy         string
	ImposedAt         time.Time
	WaivedAt          *time.Time
	WaivedBy          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// ANOMALY - System-detected irregularity
// =============================================================================

type AnomalyType string

const (
	AnomalyNegativeConsumption    AnomalyType = "NEGATIVE_CONSUMPTION"     // Apparent decrease (possible rollover)
	AnomalyDoubleSubmission       AnomalyType = "DOUBLE_SUBMISSION"        // Multiple readings in same cycle
	AnomalyLateSubmission         AnomalyType = "LATE_SUBMISSION"          // Submitted after cycle target date
	AnomalyMissingBaseline        AnomalyType = "MISSING_BASELINE"         // No baseline reading for assignment
	AnomalyMissingReading         AnomalyType = "MISSING_READING"          // Expected reading not submitted
	AnomalyRolloverWithoutLimit   AnomalyType = "ROLLOVER_WITHOUT_LIMIT"   // Rollover detected, meter max unknown
	AnomalyMeterRolloverThreshold AnomalyType = "METER_ROLLOVER_THRESHOLD" // Reading near meter maximum
)

type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "INFO"
	SeverityWarning  AnomalySeverity = "WARNING"
	SeverityCritical AnomalySeverity = "CRITICAL"
)

type AnomalyStatus string

const (
	AnomalyDetected     AnomalyStatus = "DETECTED"
	AnomalyAcknowledged AnomalyStatus = "ACKNOWLEDGED"
	AnomalyResolved     AnomalyStatus = "RESOLVED"
)

// Anomaly is a system-detected issue recorded for human review.
//
// INVARIANT: acknowledgement/resolution timestamps and actors are set
// iff the status requires them; ACKNOWLEDGED is a prerequisite for
// RESOLVED.
type Anomaly struct {
	ID                int64
	Type              AnomalyType
	Description       string
	Severity          AnomalySeverity
	MeterAssignmentID int64
	CycleID           int64
	ReadingID         *int64
	Status            AnomalyStatus

	AcknowledgedAt  *time.Time
	AcknowledgedBy  string
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// CONFLICT - Issue requiring an admin decision
// =============================================================================

type ConflictType string

const (
	ConflictReadingRollover  ConflictType = "READING_ROLLOVER"
	ConflictMissingBaseline  ConflictType = "MISSING_BASELINE"
	ConflictDuplicateReading ConflictType = "DUPLICATE_READING"
	ConflictOutOfWindow      ConflictType = "OUT_OF_WINDOW"
)

type ConflictSeverity string

const (
	ConflictLow    ConflictSeverity = "LOW"
	ConflictMedium ConflictSeverity = "MEDIUM"
	ConflictHigh   ConflictSeverity = "HIGH"
)

type ConflictStatus string

const (
	ConflictOpen            ConflictStatus = "OPEN"
	ConflictAssignedToAdmin ConflictStatus = "ASSIGNED_TO_ADMIN"
	ConflictResolved        ConflictStatus = "RESOLVED"
	ConflictArchived        ConflictStatus = "ARCHIVED"
)

// Conflict is an irregularity that blocks billing progress until an
// admin decides.
//
// INVARIANTS:
//   - Assignment fields set iff status >= ASSIGNED_TO_ADMIN
//   - Resolving an unassigned (OPEN) conflict is rejected
//   - Archive only permitted from RESOLVED
type Conflict struct {
	ID                int64
	Type              ConflictType
	Description       string
	Severity          ConflictSeverity
	MeterAssignmentID int64
	CycleID           *int64
	ReadingID         *int64
	Status            ConflictStatus

	AssignedTo      string
	AssignedAt      *time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// METER ASSIGNMENT - External registry types
// =============================================================================

type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "ACTIVE"
	AssignmentInactive AssignmentStatus = "INACTIVE"
)

// AssignmentIdentity resolves the client and meter behind an assignment.
type AssignmentIdentity struct {
	AssignmentID int64
	ClientID     int64
	MeterID      int64
	MeterSerial  string
}

// =============================================================================
// CONFIG - Explicit configuration passed at construction time
// =============================================================================

// Config carries the tunable constants of the engine. There is no
// process-wide settings singleton: components receive a Config value
// when constructed.
type Config struct {
	// NearRolloverThreshold raises a CRITICAL anomaly when a reading's
	// absolute value reaches it (meter approaching its maximum).
	NearRolloverThreshold decimal.Decimal

	// DefaultRatePerUnit is the charge rate applied when the caller of
	// charge generation does not supply one.
	DefaultRatePerUnit decimal.Decimal

	// ArchiveCutoffMonths gates cycle archiving: only CLOSED cycles whose
	// end date is at least this many months old may be archived.
	ArchiveCutoffMonths int
}

// DefaultConfig returns the engine defaults: a 90,000-unit near-rollover
// threshold (for ~100,000-unit meters) and a 36-month archive gate.
func DefaultConfig() Config {
	return Config{
		NearRolloverThreshold: decimal.New(90000, 0),
		DefaultRatePerUnit:    decimal.New(500, 0),
		ArchiveCutoffMonths:   36,
	}
}
