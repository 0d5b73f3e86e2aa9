/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the database with small, known ledgers that exercise each
	reconciliation path. Dates are relative to the engine's operational
	day so the physical checks land on "today".

AVAILABLE SCENARIOS:

	split-event:    Two 30 ml vials, one dispense straddles both (FIFO reassignment)
	over-threshold: 52.5 ml on the books, 50 ml counted (flagged check)
	auto-waste:     28.3 ml on the books, 27.9 ml counted (auto-waste note)
	overdraw:       65 ml dispensed against one 30 ml vial (accounting error)

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Receive vials through the engine
 3. Record dispenses through the engine
 4. Optionally submit a physical check

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "split-event"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.
	They assume the default pools (cb-30ml, toprx-10ml).
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/controlled-inventory/inventory"
)

const scenarioPool inventory.PoolID = "cb-30ml"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "split-event",
		Name:        "Split Dispense",
		Description: "Vials received day 1 and day 3; dispenses of 12, 20 and 10 ml all recorded against the first vial",
		Pool:        string(scenarioPool),
		Expect:      "Reconcile moves the 20 ml event to V0002; V0001 ends at 0 ml, V0002 at 18 ml",
	},
	{
		ID:          "over-threshold",
		Name:        "Discrepancy Over Threshold",
		Description: "System total 52.5 ml, morning count 50 ml",
		Pool:        string(scenarioPool),
		Expect:      "Morning check flagged with a 2.5 ml discrepancy",
	},
	{
		ID:          "auto-waste",
		Name:        "Auto-Waste Within Threshold",
		Description: "System total 28.3 ml, morning count 27.9 ml",
		Pool:        string(scenarioPool),
		Expect:      "Morning check completed with a 0.4 ml auto-waste note",
	},
	{
		ID:          "overdraw",
		Name:        "Overdrawn Pool",
		Description: "Dispenses of 20, 25 and 20 ml against a single 30 ml vial",
		Pool:        string(scenarioPool),
		Expect:      "Reconcile fails with an accounting error naming the second dispense",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "split-event":
		load = h.loadSplitEventScenario
	case "over-threshold":
		load = h.loadOverThresholdScenario
	case "auto-waste":
		load = h.loadAutoWasteScenario
	case "overdraw":
		load = h.loadOverdrawScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadSplitEventScenario: 30 + 30 ml, dispenses 12, 20, 10 all on V0001.
func (h *Handler) loadSplitEventScenario(ctx context.Context) error {
	if err := h.receive(ctx, "V0001", 30, h.daysAgo(7)); err != nil {
		return err
	}
	if err := h.receive(ctx, "V0002", 30, h.daysAgo(5)); err != nil {
		return err
	}
	for i, ml := range []string{"12", "20", "10"} {
		if err := h.dispense(ctx, "V0001", ml, h.daysAgo(4-i)); err != nil {
			return err
		}
	}
	return nil
}

// loadOverThresholdScenario: 52.5 ml on the books, 50 ml counted.
func (h *Handler) loadOverThresholdScenario(ctx context.Context) error {
	if err := h.receive(ctx, "V0001", 30, h.daysAgo(6)); err != nil {
		return err
	}
	if err := h.receive(ctx, "V0002", 30, h.daysAgo(5)); err != nil {
		return err
	}
	if err := h.dispense(ctx, "V0001", "7.5", h.daysAgo(2)); err != nil {
		return err
	}
	return h.morningCheck(ctx, inventory.PhysicalCount{
		PoolID: scenarioPool, FullVials: 1, PartialML: decimal.NewFromInt(20),
	})
}

// loadAutoWasteScenario: 28.3 ml on the books, 27.9 ml counted.
func (h *Handler) loadAutoWasteScenario(ctx context.Context) error {
	if err := h.receive(ctx, "V0001", 30, h.daysAgo(3)); err != nil {
		return err
	}
	if err := h.dispense(ctx, "V0001", "1.7", h.daysAgo(1)); err != nil {
		return err
	}
	return h.morningCheck(ctx, inventory.PhysicalCount{
		PoolID: scenarioPool, PartialML: decimal.RequireFromString("27.9"),
	})
}

// loadOverdrawScenario: 65 ml dispensed from a single 30 ml vial.
func (h *Handler) loadOverdrawScenario(ctx context.Context) error {
	if err := h.receive(ctx, "V0001", 30, h.daysAgo(5)); err != nil {
		return err
	}
	for i, ml := range []string{"20", "25", "20"} {
		if err := h.dispense(ctx, "V0001", ml, h.daysAgo(4-i)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// LOADER HELPERS
// =============================================================================

// daysAgo is 09:00 operational time, n days before today.
func (h *Handler) daysAgo(n int) time.Time {
	loc := h.Engine.Location()
	today, err := time.ParseInLocation("2006-01-02", h.Engine.Today().String(), loc)
	if err != nil {
		today = time.Now().In(loc)
	}
	return today.AddDate(0, 0, -n).Add(9 * time.Hour)
}

func (h *Handler) receive(ctx context.Context, label string, sizeML int64, at time.Time) error {
	_, err := h.Engine.ReceiveVial(ctx, inventory.VialInput{
		Label:      label,
		PoolID:     scenarioPool,
		SizeML:     decimal.NewFromInt(sizeML),
		ReceivedAt: at,
		Notes:      "scenario",
	})
	return err
}

func (h *Handler) dispense(ctx context.Context, label, ml string, at time.Time) error {
	_, err := h.Engine.RecordDispense(ctx, inventory.DispenseInput{
		VialLabel:   label,
		DispensedML: decimal.RequireFromString(ml),
		DispensedAt: at,
		CreatedBy:   "scenario",
	})
	return err
}

// morningCheck submits today's morning count. Pools other than the
// scenario pool are counted exactly as the system reports them.
func (h *Handler) morningCheck(ctx context.Context, count inventory.PhysicalCount) error {
	summaries, err := h.Engine.PoolInventory(ctx)
	if err != nil {
		return err
	}
	counts := []inventory.PhysicalCount{count}
	for _, s := range summaries {
		if s.Pool.ID == count.PoolID {
			continue
		}
		counts = append(counts, inventory.PhysicalCount{
			PoolID: s.Pool.ID, FullVials: s.FullVials, PartialML: s.PartialML,
		})
	}
	_, err = h.Engine.SubmitCheck(ctx, inventory.CheckInput{
		CheckType:       inventory.CheckMorning,
		PerformedBy:     "demo-nurse",
		PerformedByName: "Demo Nurse",
		Counts:          counts,
		Notes:           "scenario",
	})
	return err
}
