/*
scenarios_test.go - Demo scenarios exercised end to end

PURPOSE:
	Loads each scenario and drives the API the way a demo would, asserting
	the documented outcome. These double as integration tests for the
	reconciler, the check classifier and the error mapping.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/controlled-inventory/inventory"
)

func loadScenario(t *testing.T, s *testServer, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_SplitEvent(t *testing.T) {
	// GIVEN: Vials received day 1 and day 3, dispenses 12, 20, 10 ml on V0001
	// WHEN: Dry run, then commit
	// THEN: V0001 drains to 0, V0002 ends at 18 ml, the second run is a no-op

	s := setupTestServer(t)
	loadScenario(t, s, "split-event")

	rec := s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dry := decode[inventory.ReconciliationReport](t, rec)
	assert.False(t, dry.Committed)
	assert.Len(t, dry.Reassignments, 2)
	assert.Equal(t, 1, dry.SplitEvents)

	rec = s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile", ReconcileRequest{Commit: true, Requester: "admin"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	committed := decode[inventory.ReconciliationReport](t, rec)
	assert.True(t, committed.Committed)
	assert.NotEmpty(t, committed.RunID)
	assert.Equal(t, []string{"reconciliations/cb-30ml/" + committed.RunID + ".json"}, s.archive.Keys("reconciliations/"))

	rec = s.do(t, http.MethodGet, "/api/vials?pool=cb-30ml&include_empty=true", nil)
	vials := decode[[]inventory.Vial](t, rec)
	require.Len(t, vials, 2)
	assert.True(t, vials[0].RemainingML.IsZero())
	assert.False(t, vials[0].Active)
	assert.True(t, vials[1].RemainingML.Equal(inventory.ML(18)))

	rec = s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile", nil)
	again := decode[inventory.ReconciliationReport](t, rec)
	assert.Empty(t, again.Reassignments)
	assert.Equal(t, 0, again.ChangedVials())
}

func TestScenario_OverThreshold(t *testing.T) {
	// GIVEN: 52.5 ml on the books, 50 ml counted this morning
	// WHEN: Querying the gate, then resolving
	// THEN: Check is flagged with +2.5 ml, then resolved

	s := setupTestServer(t)
	loadScenario(t, s, "over-threshold")

	rec := s.do(t, http.MethodGet, "/api/checks/today?type=morning", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[CheckStatusResponse](t, rec)
	require.True(t, st.Completed)
	assert.Equal(t, inventory.StatusDiscrepancyFlagged, st.Check.Status)
	assert.True(t, st.Check.DiscrepancyFound)
	pc, ok := st.Check.Pool("cb-30ml")
	require.True(t, ok)
	assert.True(t, pc.SystemML.Equal(inventory.MustML("52.5")))
	assert.True(t, pc.DiscrepancyML.Equal(inventory.MustML("2.5")))
	assert.Contains(t, st.Display, "Discrepancy: +2.5ml")

	rec = s.do(t, http.MethodPost, "/api/checks/2025-06-10/morning/resolve", ResolveCheckRequest{
		ResolvedBy: "charge-nurse", Notes: "spill documented on waste log",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[inventory.CheckRecord](t, rec)
	assert.Equal(t, inventory.StatusDiscrepancyResolved, resolved.Status)

	rec = s.do(t, http.MethodGet, "/api/checks/history?days=7", nil)
	history := decode[[]inventory.CheckRecord](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, inventory.StatusDiscrepancyResolved, history[0].Status)
}

func TestScenario_AutoWaste(t *testing.T) {
	// GIVEN: 28.3 ml on the books, 27.9 ml counted
	// WHEN: Loading the scenario
	// THEN: Check completes with an auto-waste note and no discrepancy flag

	s := setupTestServer(t)
	loadScenario(t, s, "auto-waste")

	rec := s.do(t, http.MethodGet, "/api/checks/summary?day=2025-06-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[inventory.DailySummary](t, rec)
	assert.True(t, summary.Morning.Completed)
	assert.False(t, summary.Morning.DiscrepancyFound)
	assert.Equal(t, inventory.StatusCompleted, summary.Morning.Status)

	rec = s.do(t, http.MethodGet, "/api/checks/today?type=morning", nil)
	st := decode[CheckStatusResponse](t, rec)
	assert.Contains(t, st.Check.Notes, "CB 30ml auto-waste: 0.4ml (within threshold)")
}

func TestScenario_Overdraw(t *testing.T) {
	// GIVEN: 65 ml dispensed against one 30 ml vial
	// WHEN: Reconciling
	// THEN: 409 naming the second dispense, and nothing is written

	s := setupTestServer(t)
	loadScenario(t, s, "overdraw")

	rec := s.do(t, http.MethodPost, "/api/pools/cb-30ml/reconcile", ReconcileRequest{Commit: true, Requester: "admin"})

	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Empty(t, s.archive.Keys(""))
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "accounting_error", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, details["dispense_id"])
	assert.True(t, strings.Contains(details["message"].(string), "cb-30ml"))
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	s := setupTestServer(t)
	loadScenario(t, s, "split-event")
	loadScenario(t, s, "overdraw")

	rec := s.do(t, http.MethodGet, "/api/vials?pool=cb-30ml&include_empty=true", nil)
	assert.Len(t, decode[[]inventory.Vial](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "overdraw", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenarioRoutes_DisabledByDefault(t *testing.T) {
	h := setupTestHandler(t)
	router := NewRouter(h, RouterOptions{})
	s := &testServer{handler: h, router: router}

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/scenarios", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestScenarioLoaders_Direct(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadOverdrawScenario(ctx))

	_, err := h.Engine.Reconcile(ctx, "cb-30ml", inventory.ReconcileOptions{})
	var ae *inventory.AccountingError
	require.ErrorAs(t, err, &ae)
	assert.EqualValues(t, 2, ae.DispenseID)
}
