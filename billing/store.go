/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Services depend on these interfaces, never on a concrete database.
  The SQLite store implements all of them; tests may implement narrow
  subsets.

KEY CONCEPTS:
  - One small interface per concern, composed into Store
  - TxStore adds atomic multi-write execution: WithTx runs a function
    against a transactional view of the full Store
  - Create methods assign the entity ID and timestamps and return the
    stored value
  - Update methods persist the full entity; services mutate a copy
    loaded in the same transaction

SEE ALSO:
  - store/sqlite/sqlite.go: Production implementation
  - cycle.go, reading.go, ledger.go, anomaly.go: Consumers
*/
package billing

import "context"

// =============================================================================
// PER-CONCERN INTERFACES
// =============================================================================

// CycleStore persists billing cycles.
type CycleStore interface {
	CreateCycle(ctx context.Context, c Cycle) (Cycle, error)
	GetCycle(ctx context.Context, id int64) (Cycle, error)
	UpdateCycle(ctx context.Context, c Cycle) (Cycle, error)
	ListCycles(ctx context.Context, f CycleFilter) ([]Cycle, error)
	// OpenCycle returns the single OPEN cycle, or ErrNotFound.
	OpenCycle(ctx context.Context) (Cycle, error)
	// CycleForDate returns the cycle whose range contains d, or ErrNotFound.
	CycleForDate(ctx context.Context, d Date) (Cycle, error)
	// OverlappingCycle returns any cycle whose range intersects [start, end],
	// or ErrNotFound when the range is free.
	OverlappingCycle(ctx context.Context, start, end Date) (Cycle, error)
}

// CycleFilter narrows ListCycles. Zero values mean "any".
type CycleFilter struct {
	Status     CycleStatus
	EndsBefore Date // cycles with EndDate strictly before this date
}

// ReadingStore persists meter readings.
type ReadingStore interface {
	CreateReading(ctx context.Context, r Reading) (Reading, error)
	GetReading(ctx context.Context, id int64) (Reading, error)
	UpdateReading(ctx context.Context, r Reading) (Reading, error)
	ListReadings(ctx context.Context, f ReadingFilter) ([]Reading, error)
	// BaselineFor returns the baseline reading of an assignment, or ErrNotFound.
	BaselineFor(ctx context.Context, assignmentID int64) (Reading, error)
	// LiveReadingFor returns the non-rejected reading for (assignment, cycle),
	// or ErrNotFound.
	LiveReadingFor(ctx context.Context, assignmentID, cycleID int64) (Reading, error)
	// LatestApprovedBefore returns the most recently approved reading of the
	// assignment excluding the given reading ID, or ErrNotFound.
	LatestApprovedBefore(ctx context.Context, assignmentID, excludeReadingID int64) (Reading, error)
}

// ReadingFilter narrows ListReadings. Zero values mean "any".
type ReadingFilter struct {
	MeterAssignmentID int64
	CycleID           int64
	Type              ReadingType
	ApprovedOnly      bool
	IncludeRejected   bool
}

// LedgerStore persists the append-only financial ledger. There are no
// update or delete methods: corrections are new ADJUSTMENT entries.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	GetEntry(ctx context.Context, id int64) (LedgerEntry, error)
	ListEntries(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error)
	// ChargeFor returns the CHARGE entry for (assignment, cycle), or ErrNotFound.
	ChargeFor(ctx context.Context, assignmentID, cycleID int64) (LedgerEntry, error)
}

// LedgerFilter narrows ListEntries. Zero values mean "any". Results are
// ordered oldest first so FIFO allocation can consume them directly.
type LedgerFilter struct {
	MeterAssignmentID int64
	CycleID           int64
	EntryType         LedgerEntryType
	RefPaymentID      int64
	RefPenaltyID      int64
	RefChargeID       int64
}

// PaymentStore persists received payments.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	ListPayments(ctx context.Context, assignmentID int64) ([]Payment, error)
}

// PenaltyStore persists penalty records.
type PenaltyStore interface {
	CreatePenalty(ctx context.Context, p Penalty) (Penalty, error)
	GetPenalty(ctx context.Context, id int64) (Penalty, error)
	UpdatePenalty(ctx context.Context, p Penalty) (Penalty, error)
	ListPenalties(ctx context.Context, assignmentID int64) ([]Penalty, error)
}

// AnomalyStore persists anomalies and conflicts.
type AnomalyStore interface {
	CreateAnomaly(ctx context.Context, a Anomaly) (Anomaly, error)
	GetAnomaly(ctx context.Context, id int64) (Anomaly, error)
	UpdateAnomaly(ctx context.Context, a Anomaly) (Anomaly, error)
	ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error)

	CreateConflict(ctx context.Context, c Conflict) (Conflict, error)
	GetConflict(ctx context.Context, id int64) (Conflict, error)
	UpdateConflict(ctx context.Context, c Conflict) (Conflict, error)
	ListConflicts(ctx context.Context, f ConflictFilter) ([]Conflict, error)
}

// AnomalyFilter narrows ListAnomalies. Zero values mean "any".
type AnomalyFilter struct {
	MeterAssignmentID int64
	CycleID           int64
	Type              AnomalyType
	Status            AnomalyStatus
}

// ConflictFilter narrows ListConflicts. Zero values mean "any".
type ConflictFilter struct {
	MeterAssignmentID int64
	Type              ConflictType
	Status            ConflictStatus
}

// AssignmentRegistry resolves meter assignments. The billing engine
// treats assignments as externally managed; it only needs status and
// identity.
type AssignmentRegistry interface {
	AssignmentStatus(ctx context.Context, id int64) (AssignmentStatus, error)
	AssignmentIdentity(ctx context.Context, id int64) (AssignmentIdentity, error)
	// ActiveAssignmentIDs lists all ACTIVE assignments, for cycle-wide
	// operations like charge generation.
	ActiveAssignmentIDs(ctx context.Context) ([]int64, error)
}

// =============================================================================
// COMPOSED STORE
// =============================================================================

// Store is the full persistence surface the engine requires.
type Store interface {
	CycleStore
	ReadingStore
	LedgerStore
	PaymentStore
	PenaltyStore
	AnomalyStore
	AssignmentRegistry
}

// TxStore is a Store that can execute a function atomically. The Store
// passed to fn sees and buffers writes inside one transaction; a non-nil
// error from fn rolls everything back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
