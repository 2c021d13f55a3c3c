/*
handlers.go - HTTP handlers for the billing engine

PURPOSE:
  Thin translation layer between HTTP and the billing services. Handlers
  decode a request DTO, call exactly one service method, and encode the
  result. All domain rules live in the billing package; the only logic
  here is error-to-status mapping.

ERROR MAPPING:
  - billing.IsNotFound     -> 404
  - billing.IsValidation   -> 400
  - billing.IsInvalidState -> 409
  - billing.IsDuplicate    -> 409
  - anything else          -> 500

SEE ALSO:
  - dto.go: Wire shapes
  - server.go: Route table
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/maji/billing-engine/billing"
)

// AdminStore covers the registry operations the API exposes that sit
// outside the billing engine proper: assignment onboarding and the
// holiday calendar.
type AdminStore interface {
	CreateAssignment(ctx context.Context, clientID, meterID int64, serial string) (billing.AssignmentIdentity, error)
	SetAssignmentStatus(ctx context.Context, id int64, status billing.AssignmentStatus) error
	AddHoliday(ctx context.Context, d billing.Date, name string) error
	ListHolidays(ctx context.Context) (map[billing.Date]string, error)
}

// Handler bundles the services behind the HTTP surface.
type Handler struct {
	cycles   *billing.CycleService
	readings *billing.Reconciler
	ledger   *billing.LedgerEngine
	tracker  *billing.Tracker
	audit    *billing.AuditLog
	admin    AdminStore
	cfg      billing.Config
	log      *zap.Logger
}

func NewHandler(
	cycles *billing.CycleService,
	readings *billing.Reconciler,
	ledger *billing.LedgerEngine,
	tracker *billing.Tracker,
	audit *billing.AuditLog,
	admin AdminStore,
	cfg billing.Config,
	log *zap.Logger,
) *Handler {
	return &Handler{
		cycles:   cycles,
		readings: readings,
		ledger:   ledger,
		tracker:  tracker,
		audit:    audit,
		admin:    admin,
		cfg:      cfg,
		log:      log,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps billing sentinel errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case billing.IsInvalidState(err), billing.IsDuplicate(err):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param, err)
		return 0, false
	}
	return id, true
}

func parseDateField(w http.ResponseWriter, name, value string) (billing.Date, bool) {
	d, err := billing.ParseDate(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return billing.Date{}, false
	}
	return d, true
}

// queryID parses an optional integer query parameter. Absent means
// "no filter"; a malformed value is a client error, not a wildcard.
func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return 0, false
	}
	return v, true
}

// =============================================================================
// CYCLES
// =============================================================================

func (h *Handler) createCycle(w http.ResponseWriter, r *http.Request) {
	var req CreateCycleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start, ok := parseDateField(w, "start_date", req.StartDate)
	if !ok {
		return
	}
	end, ok := parseDateField(w, "end_date", req.EndDate)
	if !ok {
		return
	}
	target, ok := parseDateField(w, "target_date", req.TargetDate)
	if !ok {
		return
	}

	cycle, err := h.cycles.Create(r.Context(), start, end, target, billing.CycleOpen, req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to create cycle", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCycleDTO(cycle))
}

func (h *Handler) scheduleCycles(w http.ResponseWriter, r *http.Request) {
	var req ScheduleCyclesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	start, ok := parseDateField(w, "start_date", req.StartDate)
	if !ok {
		return
	}

	created, err := h.cycles.Schedule(r.Context(), billing.ScheduleRequest{
		Start:              start,
		Count:              req.Count,
		LengthDays:         req.CycleLengthDays,
		WindowDays:         req.WindowDays,
		AdjustToWorkingDay: req.AdjustToWorkingDay,
	}, req.Actor)
	if err != nil && len(created) == 0 {
		h.writeDomainError(w, "failed to schedule cycles", err)
		return
	}

	// Partial success is still success: later cycles fail the one-OPEN
	// check by design, and the caller gets both halves.
	resp := ScheduleCyclesResponse{Created: toCycleDTOs(created)}
	if err != nil {
		resp.Errors = err.Error()
	}
	status := http.StatusCreated
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	f := billing.CycleFilter{
		Status: billing.CycleStatus(r.URL.Query().Get("status")),
	}
	cycles, err := h.cycles.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "failed to list cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTOs(cycles))
}

func (h *Handler) getCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cycleID")
	if !ok {
		return
	}
	cycle, err := h.cycles.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to get cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(cycle))
}

func (h *Handler) openCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.cycles.Open(r.Context())
	if err != nil {
		h.writeDomainError(w, "no open cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(cycle))
}

func (h *Handler) cycleForDate(w http.ResponseWriter, r *http.Request) {
	d, ok := parseDateField(w, "date", r.URL.Query().Get("date"))
	if !ok {
		return
	}
	cycle, err := h.cycles.ForDate(r.Context(), d)
	if err != nil {
		h.writeDomainError(w, "no cycle for date", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(cycle))
}

func (h *Handler) transitionCycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cycleID")
	if !ok {
		return
	}
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cycle, err := h.cycles.Transition(r.Context(), id, billing.CycleStatus(req.Status), req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to transition cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(cycle))
}

func (h *Handler) autoTransitionCycles(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	moved, err := h.cycles.AutoTransitionOverdue(r.Context(), req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to auto-transition cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTOs(moved))
}

func (h *Handler) overrideTargetDate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cycleID")
	if !ok {
		return
	}
	var req OverrideTargetDateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, ok := parseDateField(w, "target_date", req.TargetDate)
	if !ok {
		return
	}
	cycle, err := h.cycles.OverrideTargetDate(r.Context(), id, target, req.Actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, "failed to override target date", err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTO(cycle))
}

func (h *Handler) generateCharges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "cycleID")
	if !ok {
		return
	}
	var req GenerateChargesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rate := h.cfg.DefaultRatePerUnit
	if req.RatePerUnit != nil {
		rate = *req.RatePerUnit
	}
	entries, summary, err := h.cycles.GenerateCharges(r.Context(), id, rate, req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to generate charges", err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateChargesResponse{
		Created:           summary.Created,
		SkippedExisting:   summary.SkippedExisting,
		SkippedZeroAmount: summary.SkippedZeroAmount,
		Entries:           toLedgerEntryDTOs(entries),
	})
}

func (h *Handler) archiveCycles(w http.ResponseWriter, r *http.Request) {
	var req ArchiveCyclesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	archived, err := h.cycles.ArchiveOldCycles(r.Context(), h.cfg.ArchiveCutoffMonths, req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to archive cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": archived})
}

// =============================================================================
// READINGS
// =============================================================================

func (h *Handler) createBaseline(w http.ResponseWriter, r *http.Request) {
	var req CreateBaselineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.readings.CreateBaseline(r.Context(),
		req.MeterAssignmentID, req.CycleID, req.AbsoluteValue, req.Actor, req.Notes)
	if err != nil {
		h.writeDomainError(w, "failed to create baseline", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReadingDTO(reading))
}

func (h *Handler) submitReading(w http.ResponseWriter, r *http.Request) {
	var req SubmitReadingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.readings.Submit(r.Context(), billing.SubmitRequest{
		MeterAssignmentID: req.MeterAssignmentID,
		CycleID:           req.CycleID,
		AbsoluteValue:     req.AbsoluteValue,
		SubmittedBy:       req.SubmittedBy,
		Notes:             req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, "failed to submit reading", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReadingDTO(reading))
}

func (h *Handler) listReadings(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := queryID(w, r, "meter_assignment_id")
	if !ok {
		return
	}
	cycleID, ok := queryID(w, r, "cycle_id")
	if !ok {
		return
	}
	q := r.URL.Query()
	f := billing.ReadingFilter{
		MeterAssignmentID: assignmentID,
		CycleID:           cycleID,
		Type:              billing.ReadingType(q.Get("type")),
		ApprovedOnly:      q.Get("approved") == "true",
		IncludeRejected:   q.Get("include_rejected") == "true",
	}
	readings, err := h.readings.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "failed to list readings", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTOs(readings))
}

func (h *Handler) getReading(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "readingID")
	if !ok {
		return
	}
	reading, err := h.readings.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to get reading", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(reading))
}

func (h *Handler) approveReading(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "readingID")
	if !ok {
		return
	}
	var req ApproveReadingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.readings.Approve(r.Context(), id, req.Actor, req.Notes, req.ConsumptionOverride)
	if err != nil {
		h.writeDomainError(w, "failed to approve reading", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(reading))
}

func (h *Handler) rejectReading(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "readingID")
	if !ok {
		return
	}
	var req RejectReadingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.readings.Reject(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, "failed to reject reading", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(reading))
}

func (h *Handler) verifyRollover(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "readingID")
	if !ok {
		return
	}
	var req VerifyRolloverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.readings.VerifyRollover(r.Context(), id, req.MaxMeterValue, req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to verify rollover", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(reading))
}

func (h *Handler) rejectRollover(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "readingID")
	if !ok {
		return
	}
	var req RejectReadingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reading, err := h.readings.RejectRolloverAsError(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, "failed to reject rollover", err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(reading))
}

// =============================================================================
// LEDGER / PAYMENTS / PENALTIES
// =============================================================================

func (h *Handler) createAdjustment(w http.ResponseWriter, r *http.Request) {
	var req CreateAdjustmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := h.ledger.CreateEntry(r.Context(), billing.LedgerEntry{
		MeterAssignmentID: req.MeterAssignmentID,
		CycleID:           req.CycleID,
		EntryType:         billing.EntryAdjustment,
		Amount:            req.Amount,
		IsCredit:          req.IsCredit,
		Description:       req.Description,
		CreatedBy:         req.Actor,
	})
	if err != nil {
		h.writeDomainError(w, "failed to create adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

func (h *Handler) listLedgerEntries(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := queryID(w, r, "meter_assignment_id")
	if !ok {
		return
	}
	cycleID, ok := queryID(w, r, "cycle_id")
	if !ok {
		return
	}
	f := billing.LedgerFilter{
		MeterAssignmentID: assignmentID,
		CycleID:           cycleID,
		EntryType:         billing.LedgerEntryType(r.URL.Query().Get("entry_type")),
	}
	entries, err := h.ledger.Entries(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "failed to list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

func (h *Handler) assignmentBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	balance, err := h.ledger.ComputeBalance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

func (h *Handler) assignmentLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	entries, err := h.ledger.Entries(r.Context(), billing.LedgerFilter{MeterAssignmentID: id})
	if err != nil {
		h.writeDomainError(w, "failed to list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

func (h *Handler) assignmentOpenCharges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	charges, err := h.ledger.OpenCharges(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to list open charges", err)
		return
	}
	writeJSON(w, http.StatusOK, toOpenChargeDTOs(charges))
}

func (h *Handler) assignmentPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	payments, err := h.ledger.Payments(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, 0, len(payments))
	for _, p := range payments {
		dtos = append(dtos, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) assignmentPenalties(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	penalties, err := h.ledger.Penalties(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to list penalties", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTOs(penalties))
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payment, err := h.ledger.RecordPayment(r.Context(), billing.Payment{
		MeterAssignmentID: req.MeterAssignmentID,
		CycleID:           req.CycleID,
		Amount:            req.Amount,
		Reference:         req.Reference,
		Method:            req.Method,
		Notes:             req.Notes,
		RecordedBy:        req.RecordedBy,
	})
	if err != nil {
		h.writeDomainError(w, "failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(payment))
}

func (h *Handler) allocatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "paymentID")
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.ledger.AllocatePaymentFIFO(r.Context(), id, req.Actor)
	if err != nil && !billing.IsDuplicate(err) {
		h.writeDomainError(w, "failed to allocate payment", err)
		return
	}
	// A repeated allocation returns the prior entries unchanged.
	writeJSON(w, http.StatusOK, toAllocationDTO(result))
}

func (h *Handler) imposePenalty(w http.ResponseWriter, r *http.Request) {
	var req ImposePenaltyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	penalty, err := h.ledger.ImposePenalty(r.Context(), billing.Penalty{
		MeterAssignmentID: req.MeterAssignmentID,
		CycleID:           req.CycleID,
		Amount:            req.Amount,
		Reason:            req.Reason,
		Notes:             req.Notes,
		ImposedBy:         req.Actor,
	})
	if err != nil {
		h.writeDomainError(w, "failed to impose penalty", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPenaltyDTO(penalty))
}

func (h *Handler) waivePenalty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "penaltyID")
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	penalty, err := h.ledger.WaivePenalty(r.Context(), id, req.Actor, req.Notes)
	if err != nil {
		h.writeDomainError(w, "failed to waive penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toPenaltyDTO(penalty))
}

func (h *Handler) applyPenalty(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "penaltyID")
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := h.ledger.ApplyPenaltyToLedger(r.Context(), id, req.Actor)
	if err != nil && !billing.IsDuplicate(err) {
		h.writeDomainError(w, "failed to apply penalty", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(entry))
}

// =============================================================================
// ANOMALIES / CONFLICTS
// =============================================================================

func (h *Handler) listAnomalies(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := queryID(w, r, "meter_assignment_id")
	if !ok {
		return
	}
	cycleID, ok := queryID(w, r, "cycle_id")
	if !ok {
		return
	}
	q := r.URL.Query()
	f := billing.AnomalyFilter{
		MeterAssignmentID: assignmentID,
		CycleID:           cycleID,
		Type:              billing.AnomalyType(q.Get("type")),
		Status:            billing.AnomalyStatus(q.Get("status")),
	}
	anomalies, err := h.tracker.Anomalies(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "failed to list anomalies", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyDTOs(anomalies))
}

func (h *Handler) acknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "anomalyID")
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	anomaly, err := h.tracker.AcknowledgeAnomaly(r.Context(), id, req.Actor)
	if err != nil {
		h.writeDomainError(w, "failed to acknowledge anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyDTO(anomaly))
}

func (h *Handler) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "anomalyID")
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	anomaly, err := h.tracker.ResolveAnomaly(r.Context(), id, req.Actor, req.Notes)
	if err != nil {
		h.writeDomainError(w, "failed to resolve anomaly", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyDTO(anomaly))
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	assignmentID, ok := queryID(w, r, "meter_assignment_id")
	if !ok {
		return
	}
	q := r.URL.Query()
	f := billing.ConflictFilter{
		MeterAssignmentID: assignmentID,
		Type:              billing.ConflictType(q.Get("type")),
		Status:            billing.ConflictStatus(q.Get("status")),
	}
	conflicts, err := h.tracker.Conflicts(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "failed to list conflicts", err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictDTOs(conflicts))
}

func (h *Handler) assignConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conflictID")
	if !ok {
		return
	}
	var req AssignConflictRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conflict, err := h.tracker.AssignConflict(r.Context(), id, req.Admin)
	if err != nil {
		h.writeDomainError(w, "failed to assign conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictDTO(conflict))
}

func (h *Handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conflictID")
	if !ok {
		return
	}
	var req ActorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conflict, err := h.tracker.ResolveConflict(r.Context(), id, req.Actor, req.Notes)
	if err != nil {
		h.writeDomainError(w, "failed to resolve conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictDTO(conflict))
}

func (h *Handler) archiveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conflictID")
	if !ok {
		return
	}
	conflict, err := h.tracker.ArchiveConflict(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "failed to archive conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictDTO(conflict))
}

// =============================================================================
// ASSIGNMENTS / HOLIDAYS / AUDIT
// =============================================================================

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	identity, err := h.admin.CreateAssignment(r.Context(), req.ClientID, req.MeterID, req.MeterSerial)
	if err != nil {
		h.writeDomainError(w, "failed to create assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, AssignmentDTO{ID: identity.AssignmentID})
}

func (h *Handler) setAssignmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "assignmentID")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	status := billing.AssignmentStatus(req.Status)
	if status != billing.AssignmentActive && status != billing.AssignmentInactive {
		writeError(w, http.StatusBadRequest, "invalid status", nil)
		return
	}
	if err := h.admin.SetAssignmentStatus(r.Context(), id, status); err != nil {
		h.writeDomainError(w, "failed to set assignment status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *Handler) addHoliday(w http.ResponseWriter, r *http.Request) {
	var req CreateHolidayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, ok := parseDateField(w, "date", req.Date)
	if !ok {
		return
	}
	if err := h.admin.AddHoliday(r.Context(), d, req.Name); err != nil {
		h.writeDomainError(w, "failed to add holiday", err)
		return
	}
	writeJSON(w, http.StatusCreated, HolidayDTO{Date: d.String(), Name: req.Name})
}

func (h *Handler) listHolidays(w http.ResponseWriter, r *http.Request) {
	holidays, err := h.admin.ListHolidays(r.Context())
	if err != nil {
		h.writeDomainError(w, "failed to list holidays", err)
		return
	}
	dtos := make([]HolidayDTO, 0, len(holidays))
	for d, name := range holidays {
		dtos = append(dtos, HolidayDTO{Date: d.String(), Name: name})
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].Date < dtos[j].Date })
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("entity_kind")
	entityID, ok := queryID(w, r, "entity_id")
	if !ok {
		return
	}
	entries, err := h.audit.Entries(r.Context(), kind, entityID)
	if err != nil {
		h.writeDomainError(w, "failed to list audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditEntryDTOs(entries))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
