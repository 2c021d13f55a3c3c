/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Query-parameter filter parsing (absent vs malformed)
- Domain error to HTTP status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maji/billing-engine/billing"
	"github.com/maji/billing-engine/store/sqlite"
)

type testServer struct {
	store  *sqlite.Store
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	cfg := billing.DefaultConfig()
	audit := billing.NewAuditLog(store, logger)
	tracker := billing.NewTracker(store, logger)
	calendar := billing.NewWorkingDayCalendar(store)
	calendar.Now = func() time.Time {
		return time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)
	}
	cycles := billing.NewCycleService(store, calendar, audit, cfg, logger)
	readings := billing.NewReconciler(store, tracker, calendar, audit, cfg, logger)
	ledger := billing.NewLedgerEngine(store, audit, logger)

	handler := NewHandler(cycles, readings, ledger, tracker, audit, store, cfg, logger)
	return &testServer{store: store, router: NewRouter(handler, nil)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestListReadings_MalformedIDFilter_BadRequest(t *testing.T) {
	// GIVEN: A running server
	// WHEN: Listing readings with a non-numeric cycle_id filter
	// THEN: 400, not a silent fall-through to "any cycle"

	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/readings?cycle_id=abc", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/readings?meter_assignment_id=1x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReadings_AbsentFilter_OK(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/readings", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitReading_NoBaseline_Conflict(t *testing.T) {
	// GIVEN: An active assignment in an open cycle, with no baseline
	// WHEN: Submitting a normal reading over HTTP
	// THEN: 409, the lifecycle is not ready for submissions

	s := newTestServer(t)
	ctx := context.Background()
	identity, err := s.store.CreateAssignment(ctx, 1, 1, "MTR-001")
	require.NoError(t, err)

	start, _ := billing.ParseDate("2025-06-01")
	end, _ := billing.ParseDate("2025-06-30")
	target, _ := billing.ParseDate("2025-06-25")
	cycle, err := s.store.CreateCycle(ctx, billing.Cycle{
		StartDate:  start,
		EndDate:    end,
		TargetDate: target,
		Status:     billing.CycleOpen,
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/readings", SubmitReadingRequest{
		MeterAssignmentID: identity.AssignmentID,
		CycleID:           cycle.ID,
		AbsoluteValue:     decimal.RequireFromString("1500.0000"),
		SubmittedBy:       "reader",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}
