/*
dto.go - Request and response shapes for the HTTP API

PURPOSE:
  Decouples the wire format from the domain types. Amounts travel as
  decimal strings, dates as "2006-01-02". DTO conversion lives next to
  the types so handlers stay thin.

SEE ALSO:
  - handlers.go: Produces and consumes these shapes
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/maji/billing-engine/billing"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CYCLES
// =============================================================================

type CreateCycleRequest struct {
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	TargetDate string `json:"target_date"`
	Actor      string `json:"actor"`
}

type ScheduleCyclesRequest struct {
	StartDate          string `json:"start_date"`
	Count              int    `json:"count"`
	CycleLengthDays    int    `json:"cycle_length_days"`
	WindowDays         int    `json:"submission_window_days"`
	AdjustToWorkingDay bool   `json:"adjust_to_working_day"`
	Actor              string `json:"actor"`
}

type ScheduleCyclesResponse struct {
	Created []CycleDTO `json:"created"`
	Errors  string     `json:"errors,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

type OverrideTargetDateRequest struct {
	TargetDate string `json:"target_date"`
	Actor      string `json:"actor"`
	Reason     string `json:"reason"`
}

type GenerateChargesRequest struct {
	RatePerUnit *decimal.Decimal `json:"rate_per_unit,omitempty"`
	Actor       string           `json:"actor"`
}

type GenerateChargesResponse struct {
	Created           int              `json:"created"`
	SkippedExisting   int              `json:"skipped_existing"`
	SkippedZeroAmount int              `json:"skipped_zero_amount"`
	Entries           []LedgerEntryDTO `json:"entries"`
}

type ArchiveCyclesRequest struct {
	Actor string `json:"actor"`
}

type CycleDTO struct {
	ID                 int64   `json:"id"`
	StartDate          string  `json:"start_date"`
	EndDate            string  `json:"end_date"`
	TargetDate         string  `json:"target_date"`
	ProposedTargetDate *string `json:"proposed_target_date,omitempty"`
	OverriddenBy       string  `json:"overridden_by,omitempty"`
	OverrideReason     string  `json:"override_reason,omitempty"`
	Status             string  `json:"status"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func toCycleDTO(c billing.Cycle) CycleDTO {
	dto := CycleDTO{
		ID:             c.ID,
		StartDate:      c.StartDate.String(),
		EndDate:        c.EndDate.String(),
		TargetDate:     c.TargetDate.String(),
		OverriddenBy:   c.OverriddenBy,
		OverrideReason: c.OverrideReason,
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
	if c.ProposedTargetDate != nil {
		s := c.ProposedTargetDate.String()
		dto.ProposedTargetDate = &s
	}
	return dto
}

func toCycleDTOs(cycles []billing.Cycle) []CycleDTO {
	dtos := make([]CycleDTO, 0, len(cycles))
	for _, c := range cycles {
		dtos = append(dtos, toCycleDTO(c))
	}
	return dtos
}

// =============================================================================
// READINGS
// =============================================================================

type CreateBaselineRequest struct {
	MeterAssignmentID int64           `json:"meter_assignment_id"`
	CycleID           int64           `json:"cycle_id"`
	AbsoluteValue     decimal.Decimal `json:"absolute_value"`
	Actor             string          `json:"actor"`
	Notes             string          `json:"notes,omitempty"`
}

type SubmitReadingRequest struct {
	MeterAssignmentID int64           `json:"meter_assignment_id"`
	CycleID           int64           `json:"cycle_id"`
	AbsoluteValue     decimal.Decimal `json:"absolute_value"`
	SubmittedBy       string          `json:"submitted_by"`
	Notes             string          `json:"notes,omitempty"`
}

type ApproveReadingRequest struct {
	Actor               string           `json:"actor"`
	Notes               string           `json:"notes,omitempty"`
	ConsumptionOverride *decimal.Decimal `json:"consumption_override,omitempty"`
}

type RejectReadingRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type VerifyRolloverRequest struct {
	MaxMeterValue decimal.Decimal `json:"max_meter_value"`
	Actor         string          `json:"actor"`
}

type ReadingDTO struct {
	ID                 int64   `json:"id"`
	MeterAssignmentID  int64   `json:"meter_assignment_id"`
	CycleID            int64   `json:"cycle_id"`
	AbsoluteValue      string  `json:"absolute_value"`
	Type               string  `json:"type"`
	Consumption        *string `json:"consumption,omitempty"`
	HasRollover        bool    `json:"has_rollover"`
	SubmittedAt        string  `json:"submitted_at"`
	SubmittedBy        string  `json:"submitted_by"`
	SubmissionNotes    string  `json:"submission_notes,omitempty"`
	Approved           bool    `json:"approved"`
	ApprovedAt         *string `json:"approved_at,omitempty"`
	ApprovedBy         string  `json:"approved_by,omitempty"`
	ApprovalNotes      string  `json:"approval_notes,omitempty"`
	Rejected           bool    `json:"rejected"`
	RejectedAt         *string `json:"rejected_at,omitempty"`
	RejectedBy         string  `json:"rejected_by,omitempty"`
	RejectionReason    string  `json:"rejection_reason,omitempty"`
	RolloverVerifiedBy string  `json:"rollover_verified_by,omitempty"`
}

func toReadingDTO(r billing.Reading) ReadingDTO {
	dto := ReadingDTO{
		ID:                 r.ID,
		MeterAssignmentID:  r.MeterAssignmentID,
		CycleID:            r.CycleID,
		AbsoluteValue:      r.AbsoluteValue.String(),
		Type:               string(r.Type),
		HasRollover:        r.HasRollover,
		SubmittedAt:        r.SubmittedAt.Format(time.RFC3339),
		SubmittedBy:        r.SubmittedBy,
		SubmissionNotes:    r.SubmissionNotes,
		Approved:           r.Approved,
		ApprovedBy:         r.ApprovedBy,
		ApprovalNotes:      r.ApprovalNotes,
		Rejected:           r.Rejected,
		RejectedBy:         r.RejectedBy,
		RejectionReason:    r.RejectionReason,
		RolloverVerifiedBy: r.RolloverVerifiedBy,
	}
	if r.Consumption != nil {
		s := r.Consumption.String()
		dto.Consumption = &s
	}
	if r.ApprovedAt != nil {
		s := r.ApprovedAt.Format(time.RFC3339)
		dto.ApprovedAt = &s
	}
	if r.RejectedAt != nil {
		s := r.RejectedAt.Format(time.RFC3339)
		dto.RejectedAt = &s
	}
	return dto
}

func toReadingDTOs(readings []billing.Reading) []ReadingDTO {
	dtos := make([]ReadingDTO, 0, len(readings))
	for _, r := range readings {
		dtos = append(dtos, toReadingDTO(r))
	}
	return dtos
}

// =============================================================================
// LEDGER / PAYMENTS / PENALTIES
// =============================================================================

type CreateAdjustmentRequest struct {
	MeterAssignmentID int64           `json:"meter_assignment_id"`
	CycleID           int64           `json:"cycle_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	IsCredit          bool            `json:"is_credit"`
	Description       string          `json:"description"`
	Actor             string          `json:"actor"`
}

type LedgerEntryDTO struct {
	ID                int64  `json:"id"`
	MeterAssignmentID int64  `json:"meter_assignment_id"`
	CycleID           int64  `json:"cycle_id"`
	EntryType         string `json:"entry_type"`
	Amount            string `json:"amount"`
	IsCredit          bool   `json:"is_credit"`
	Description       string `json:"description"`
	RefChargeID       *int64 `json:"ref_charge_id,omitempty"`
	RefPaymentID      *int64 `json:"ref_payment_id,omitempty"`
	RefPenaltyID      *int64 `json:"ref_penalty_id,omitempty"`
	CreatedBy         string `json:"created_by"`
	CreatedAt         string `json:"created_at"`
}

func toLedgerEntryDTO(e billing.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:                e.ID,
		MeterAssignmentID: e.MeterAssignmentID,
		CycleID:           e.CycleID,
		EntryType:         string(e.EntryType),
		Amount:            e.Amount.String(),
		IsCredit:          e.IsCredit,
		Description:       e.Description,
		RefChargeID:       e.RefChargeID,
		RefPaymentID:      e.RefPaymentID,
		RefPenaltyID:      e.RefPenaltyID,
		CreatedBy:         e.CreatedBy,
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
}

func toLedgerEntryDTOs(entries []billing.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toLedgerEntryDTO(e))
	}
	return dtos
}

type BalanceDTO struct {
	MeterAssignmentID int64             `json:"meter_assignment_id"`
	TotalDebits       string            `json:"total_debits"`
	TotalCredits      string            `json:"total_credits"`
	NetBalance        string            `json:"net_balance"`
	Breakdown         map[string]string `json:"breakdown"`
}

func toBalanceDTO(b billing.Balance) BalanceDTO {
	breakdown := make(map[string]string, len(b.ByType))
	for t, v := range b.ByType {
		breakdown[string(t)] = v.String()
	}
	return BalanceDTO{
		MeterAssignmentID: b.MeterAssignmentID,
		TotalDebits:       b.TotalDebits.String(),
		TotalCredits:      b.TotalCredits.String(),
		NetBalance:        b.Net.String(),
		Breakdown:         breakdown,
	}
}

type OpenChargeDTO struct {
	Entry     LedgerEntryDTO `json:"entry"`
	Remaining string         `json:"remaining"`
}

func toOpenChargeDTOs(charges []billing.OpenCharge) []OpenChargeDTO {
	dtos := make([]OpenChargeDTO, 0, len(charges))
	for _, oc := range charges {
		dtos = append(dtos, OpenChargeDTO{
			Entry:     toLedgerEntryDTO(oc.Entry),
			Remaining: oc.Remaining.String(),
		})
	}
	return dtos
}

type RecordPaymentRequest struct {
	MeterAssignmentID int64           `json:"meter_assignment_id"`
	CycleID           *int64          `json:"cycle_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Reference         string          `json:"reference,omitempty"`
	Method            string          `json:"method,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	RecordedBy        string          `json:"recorded_by"`
}

type PaymentDTO struct {
	ID                int64  `json:"id"`
	ClientID          int64  `json:"client_id"`
	MeterAssignmentID int64  `json:"meter_assignment_id"`
	CycleID           *int64 `json:"cycle_id,omitempty"`
	Amount            string `json:"amount"`
	Reference         string `json:"reference,omitempty"`
	Method            string `json:"method,omitempty"`
	RecordedBy        string `json:"recorded_by"`
	ReceivedAt        string `json:"received_at"`
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                p.ID,
		ClientID:          p.ClientID,
		MeterAssignmentID: p.MeterAssignmentID,
		CycleID:           p.CycleID,
		Amount:            p.Amount.String(),
		Reference:         p.Reference,
		Method:            p.Method,
		RecordedBy:        p.RecordedBy,
		ReceivedAt:        p.ReceivedAt.Format(time.RFC3339),
	}
}

type AllocationDTO struct {
	Entries       []LedgerEntryDTO `json:"entries"`
	Allocated     string           `json:"allocated"`
	CarriedCredit string           `json:"carried_credit"`
}

func toAllocationDTO(res billing.AllocationResult) AllocationDTO {
	return AllocationDTO{
		Entries:       toLedgerEntryDTOs(res.Entries),
		Allocated:     res.Allocated.String(),
		CarriedCredit: res.CarriedCredit.String(),
	}
}

type ImposePenaltyRequest struct {
	MeterAssignmentID int64           `json:"meter_assignment_id"`
	CycleID           *int64          `json:"cycle_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Reason            string          `json:"reason"`
	Notes             string          `json:"notes,omitempty"`
	Actor             string          `json:"actor"`
}

type PenaltyDTO struct {
	ID                int64   `json:"id"`
	MeterAssignmentID int64   `json:"meter_assignment_id"`
	CycleID           *int64  `json:"cycle_id,omitempty"`
	Amount            string  `json:"amount"`
	Reason            string  `json:"reason"`
	Notes             string  `json:"notes,omitempty"`
	Status            string  `json:"status"`
	ImposedBy         string  `json:"imposed_by"`
	ImposedAt         string  `json:"imposed_at"`
	WaivedAt          *string `json:"waived_at,omitempty"`
	WaivedBy          string  `json:"waived_by,omitempty"`
}

func toPenaltyDTO(p billing.Penalty) PenaltyDTO {
	dto := PenaltyDTO{
		ID:                p.ID,
		MeterAssignmentID: p.MeterAssignmentID,
		CycleID:           p.CycleID,
		Amount:            p.Amount.String(),
		Reason:            p.Reason,
		Notes:             p.Notes,
		Status:            string(p.Status),
		ImposedBy:         p.ImposedBy,
		ImposedAt:         p.ImposedAt.Format(time.RFC3339),
		WaivedBy:          p.WaivedBy,
	}
	if p.WaivedAt != nil {
		s := p.WaivedAt.Format(time.RFC3339)
		dto.WaivedAt = &s
	}
	return dto
}

func toPenaltyDTOs(penalties []billing.Penalty) []PenaltyDTO {
	dtos := make([]PenaltyDTO, 0, len(penalties))
	for _, p := range penalties {
		dtos = append(dtos, toPenaltyDTO(p))
	}
	return dtos
}

// =============================================================================
// ANOMALIES / CONFLICTS
// =============================================================================

type ActorRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes,omitempty"`
}

type AssignConflictRequest struct {
	Admin string `json:"admin"`
	Actor string `json:"actor"`
}

type AnomalyDTO struct {
	ID                int64  `json:"id"`
	Type              string `json:"type"`
	Description       string `json:"description"`
	Severity          string `json:"severity"`
	MeterAssignmentID int64  `json:"meter_assignment_id"`
	CycleID           int64  `json:"cycle_id"`
	ReadingID         *int64 `json:"reading_id,omitempty"`
	Status            string `json:"status"`
	AcknowledgedBy    string `json:"acknowledged_by,omitempty"`
	ResolvedBy        string `json:"resolved_by,omitempty"`
	ResolutionNotes   string `json:"resolution_notes,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toAnomalyDTO(a billing.Anomaly) AnomalyDTO {
	return AnomalyDTO{
		ID:                a.ID,
		Type:              string(a.Type),
		Description:       a.Description,
		Severity:          string(a.Severity),
		MeterAssignmentID: a.MeterAssignmentID,
		CycleID:           a.CycleID,
		ReadingID:         a.ReadingID,
		Status:            string(a.Status),
		AcknowledgedBy:    a.AcknowledgedBy,
		ResolvedBy:        a.ResolvedBy,
		ResolutionNotes:   a.ResolutionNotes,
		CreatedAt:         a.CreatedAt.Format(time.RFC3339),
	}
}

func toAnomalyDTOs(anomalies []billing.Anomaly) []AnomalyDTO {
	dtos := make([]AnomalyDTO, 0, len(anomalies))
	for _, a := range anomalies {
		dtos = append(dtos, toAnomalyDTO(a))
	}
	return dtos
}

type ConflictDTO struct {
	ID                int64  `json:"id"`
	Type              string `json:"type"`
	Description       string `json:"description"`
	Severity          string `json:"severity"`
	MeterAssignmentID int64  `json:"meter_assignment_id"`
	CycleID           *int64 `json:"cycle_id,omitempty"`
	ReadingID         *int64 `json:"reading_id,omitempty"`
	Status            string `json:"status"`
	AssignedTo        string `json:"assigned_to,omitempty"`
	ResolvedBy        string `json:"resolved_by,omitempty"`
	ResolutionNotes   string `json:"resolution_notes,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toConflictDTO(c billing.Conflict) ConflictDTO {
	return ConflictDTO{
		ID:                c.ID,
		Type:              string(c.Type),
		Description:       c.Description,
		Severity:          string(c.Severity),
		MeterAssignmentID: c.MeterAssignmentID,
		CycleID:           c.CycleID,
		ReadingID:         c.ReadingID,
		Status:            string(c.Status),
		AssignedTo:        c.AssignedTo,
		ResolvedBy:        c.ResolvedBy,
		ResolutionNotes:   c.ResolutionNotes,
		CreatedAt:         c.CreatedAt.Format(time.RFC3339),
	}
}

func toConflictDTOs(conflicts []billing.Conflict) []ConflictDTO {
	dtos := make([]ConflictDTO, 0, len(conflicts))
	for _, c := range conflicts {
		dtos = append(dtos, toConflictDTO(c))
	}
	return dtos
}

// =============================================================================
// ASSIGNMENTS / HOLIDAYS
// =============================================================================

type CreateAssignmentRequest struct {
	ClientID    int64  `json:"client_id"`
	MeterID     int64  `json:"meter_id"`
	MeterSerial string `json:"meter_serial,omitempty"`
}

type AssignmentDTO struct {
	ID int64 `json:"id"`
}

type AuditEntryDTO struct {
	ID         string `json:"id"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	EntityKind string `json:"entity_kind"`
	EntityID   int64  `json:"entity_id"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  string `json:"created_at"`
}

func toAuditEntryDTOs(entries []billing.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AuditEntryDTO{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     e.Action,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		})
	}
	return dtos
}

type CreateHolidayRequest struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

type HolidayDTO struct {
	Date string `json:"date"`
	Name string `json:"name"`
}
