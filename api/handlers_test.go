/*
handlers_test.go - HTTP tests for the inventory API

Tests for:
- Vial receipt and listing
- Dispense recording
- Error mapping (400 / 404 / 409)
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/controlled-inventory/archive"
	"github.com/warp/controlled-inventory/inventory"
	"github.com/warp/controlled-inventory/metrics"
	"github.com/warp/controlled-inventory/store/sqlite"
)

// 09:00 in the clinic's timezone.
var testNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  http.Handler
	archive *archive.Memory
}

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	loc, err := inventory.LoadLocation(inventory.DefaultTimezone)
	require.NoError(t, err)
	pools, err := inventory.NewPoolRegistry(inventory.DefaultPools()...)
	require.NoError(t, err)

	engine := inventory.NewEngine(store, pools,
		inventory.WithLocation(loc),
		inventory.WithClock(func() time.Time { return testNow }),
	)
	return NewHandler(engine, store, zerolog.Nop())
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	loc, err := inventory.LoadLocation(inventory.DefaultTimezone)
	require.NoError(t, err)
	pools, err := inventory.NewPoolRegistry(inventory.DefaultPools()...)
	require.NoError(t, err)

	prom := metrics.New()
	archived := archive.NewMemory()
	engine := inventory.NewEngine(store, pools,
		inventory.WithLocation(loc),
		inventory.WithClock(func() time.Time { return testNow }),
		inventory.WithMetrics(prom),
		inventory.WithArchiver(archived),
	)
	h := NewHandler(engine, store, zerolog.Nop())
	return &testServer{
		handler: h,
		router:  NewRouter(h, RouterOptions{Metrics: prom.Handler(), Scenarios: true}),
		archive: archived,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// LEDGER
// =============================================================================

func TestReceiveVial_AssignsLabelAndLists(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Receiving two vials without labels
	// THEN: Labels are generated in sequence and listing is FIFO ordered

	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/vials", map[string]any{
		"pool_id": "cb-30ml", "size_ml": 30, "received_at": "2025-06-01T09:00:00Z", "lot_number": "LOT-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[inventory.Vial](t, rec)
	assert.Equal(t, "V0001", first.Label)
	assert.True(t, first.RemainingML.Equal(inventory.ML(30)))

	rec = s.do(t, http.MethodPost, "/api/vials", map[string]any{
		"pool_id": "cb-30ml", "size_ml": "30", "received_at": "2025-05-01T09:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/vials?pool=cb-30ml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vials := decode[[]inventory.Vial](t, rec)
	require.Len(t, vials, 2)
	assert.Equal(t, "V0002", vials[0].Label, "older receipt first")
	assert.Equal(t, "V0001", vials[1].Label)
}

func TestReceiveVial_ValidationError(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/vials", map[string]any{"pool_id": "cb-30ml", "size_ml": 0})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_error", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "size_ml", details["field"])
}

func TestReceiveVial_InvalidBody(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/vials", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListVials_UnknownPool(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/vials?pool=nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestRecordDispense_FIFOAttributionAndNoStock(t *testing.T) {
	// GIVEN: One 10 ml TopRX vial
	// WHEN: Dispensing by pool, then dispensing from an empty pool
	// THEN: The FIFO vial is decremented; the empty pool is a 400

	s := setupTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/vials", map[string]any{"pool_id": "toprx-10ml", "size_ml": 10})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/dispenses", map[string]any{
		"pool_id": "toprx-10ml", "dispensed_ml": "1.25", "waste_ml": "0.05", "created_by": "nurse-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[inventory.Dispense](t, rec)
	assert.Equal(t, "V0001", d.VialLabel)

	rec = s.do(t, http.MethodGet, "/api/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summaries := decode[[]inventory.PoolSummary](t, rec)
	require.Len(t, summaries, 2)
	for _, sum := range summaries {
		if sum.Pool.ID == "toprx-10ml" {
			assert.True(t, sum.TotalML.Equal(inventory.MustML("8.7")), sum.TotalML.String())
		}
	}

	rec = s.do(t, http.MethodPost, "/api/dispenses", map[string]any{"pool_id": "cb-30ml", "dispensed_ml": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_UnknownPool(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/pools/nope/reconcile", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconcile_CommitWithoutRequester(t *testing.T) {
	// GIVEN: A pool with pending reassignments
	// WHEN: Committing with no requester
	// THEN: 400 naming the field; nothing is written or archived

	s := setupTestServer(t)
	require.NoError(t, s.handler.loadSplitEventScenario(context.Background()))

	rec := s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile", ReconcileRequest{Commit: true})

	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_error", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "requester", details["field"])
	assert.Empty(t, s.archive.Keys(""))

	v2, err := s.handler.Store.GetVialByLabel(context.Background(), "V0002")
	require.NoError(t, err)
	assert.True(t, v2.RemainingML.Equal(inventory.ML(30)))
}

func TestReconcile_TextFormat(t *testing.T) {
	s := setupTestServer(t)
	require.NoError(t, s.handler.loadSplitEventScenario(context.Background()))

	rec := s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile?format=text", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "DRY RUN")
	assert.Contains(t, rec.Body.String(), "Reassignments (2)")
}

// =============================================================================
// CHECKS
// =============================================================================

func TestSubmitCheck_AndTodayGate(t *testing.T) {
	// GIVEN: An empty ledger and no check today
	// WHEN: Querying the gate, submitting a zero count, querying again
	// THEN: The gate flips from required to completed

	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/checks/today?type=evening", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	before := decode[CheckStatusResponse](t, rec)
	assert.False(t, before.Completed)
	assert.True(t, before.RequiredBeforeDispensing)

	rec = s.do(t, http.MethodPost, "/api/checks", CheckRequest{
		CheckType:   "evening",
		PerformedBy: "nurse-1",
		Counts: []inventory.PhysicalCount{
			{PoolID: "cb-30ml"},
			{PoolID: "toprx-10ml"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	check := decode[inventory.CheckRecord](t, rec)
	assert.Equal(t, inventory.Day("2025-06-10"), check.Day)
	assert.Equal(t, inventory.StatusCompleted, check.Status)

	rec = s.do(t, http.MethodGet, "/api/checks/today?type=evening", nil)
	after := decode[CheckStatusResponse](t, rec)
	assert.True(t, after.Completed)
	assert.Contains(t, after.Display, "Evening Controlled Substance Check - 2025-06-10")
}

func TestSubmitCheck_MissingPoolIsValidationError(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/checks", CheckRequest{
		CheckType:   "morning",
		PerformedBy: "nurse-1",
		Counts:      []inventory.PhysicalCount{{PoolID: "cb-30ml"}},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTodayCheck_BadType(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/checks/today?type=noon", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckHistory_BadDays(t *testing.T) {
	s := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/checks/history?days=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/checks/history?days=0", nil).Code)

	rec := s.do(t, http.MethodGet, "/api/checks/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestResolveCheck_NotFoundAndBadDay(t *testing.T) {
	s := setupTestServer(t)
	body := ResolveCheckRequest{ResolvedBy: "charge", Notes: "explained"}

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/checks/2025-06-10/morning/resolve", body).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/checks/june/morning/resolve", body).Code)
}

func TestDailySummary_DefaultsToToday(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/checks/summary", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[inventory.DailySummary](t, rec)
	assert.Equal(t, inventory.Day("2025-06-10"), summary.Day)
	assert.False(t, summary.Morning.Completed)
	assert.Len(t, summary.Inventory, 2)
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestCreateAdjustment_OverwritesVolumes(t *testing.T) {
	// GIVEN: Two 30 ml vials on the books (60 ml)
	// WHEN: Adjusting to a physical count of 1 full + 12 ml
	// THEN: First vial stays full, second is set to 12 ml

	s := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.receive(ctx, "V0001", 30, testNow.AddDate(0, 0, -3)))
	require.NoError(t, s.handler.receive(ctx, "V0002", 30, testNow.AddDate(0, 0, -2)))

	rec := s.do(t, http.MethodPost, "/api/adjustments", AdjustmentRequest{
		AdjustedBy: "pharmacist",
		Counts:     []inventory.PhysicalCount{{PoolID: "cb-30ml", FullVials: 1, PartialML: inventory.ML(12)}},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[inventory.AdjustResult](t, rec)
	assert.True(t, res.Adjusted)
	require.Len(t, res.Pools, 1)
	require.Len(t, res.Pools[0].Changes, 1)
	assert.Equal(t, "V0002", res.Pools[0].Changes[0].Label)
	assert.True(t, res.Pools[0].Changes[0].AfterML.Equal(inventory.ML(12)))
}

func TestCreateAdjustment_RequiresAdjuster(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/adjustments", AdjustmentRequest{
		Counts: []inventory.PhysicalCount{{PoolID: "cb-30ml"}},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HEALTH & METRICS
// =============================================================================

func TestHealth(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "2025-06-10", resp.Today)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "controlled_inventory_reconcile_runs_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accounting", &inventory.AccountingError{PoolID: "cb-30ml"}, http.StatusConflict},
		{"not found", inventory.ErrVialNotFound, http.StatusNotFound},
		{"validation", &inventory.ValidationError{Field: "x"}, http.StatusBadRequest},
		{"duplicate", inventory.ErrDuplicateLabel, http.StatusBadRequest},
		{"transaction", &inventory.TransactionError{Op: "reconcile", Err: io.ErrUnexpectedEOF}, http.StatusServiceUnavailable},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
