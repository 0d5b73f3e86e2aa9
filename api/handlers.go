/*
handlers.go - HTTP API handlers for the controlled-substance inventory

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.
  No inventory rule lives here.

ENDPOINTS:
  Inventory:
    GET    /api/pools                        Live totals per pool
    GET    /api/vials?pool=&include_empty=   List vials in FIFO order
    POST   /api/vials                        Receive a vial
    POST   /api/dispenses                    Record a dispense

  Reconciliation:
    POST   /api/pools/{pool}/reconcile       FIFO run, dry run unless commit=true
                                             ?format=text for the plain report

  Physical checks:
    GET    /api/checks/today?type=morning    Dispensing gate
    POST   /api/checks                       Submit a count
    POST   /api/checks/{day}/{type}/resolve  Resolve a flagged check
    GET    /api/checks/history?days=30       Audit export, newest first
    GET    /api/checks/summary?day=          Morning/evening summary

  Adjustments:
    POST   /api/adjustments                  Overwrite volumes from a count

  Audits:
    GET    /api/audits                       Latest scheduled dry run per pool

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, no stock
  - 404: Unknown pool, vial or check
  - 409: Fatal accounting error (dispenses exceed received stock)
  - 503: Transaction failed and was rolled back; safe to retry
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Deploy behind the clinic's authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/controlled-inventory/inventory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the handlers need beyond the engine.
type Store interface {
	inventory.TxStore
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *inventory.Engine
	Store  Store
	// Audits is optional; nil when the scheduler is disabled.
	Audits *AuditScheduler

	log zerolog.Logger

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler. The engine must be built on store.
func NewHandler(engine *inventory.Engine, store Store, logger zerolog.Logger) *Handler {
	return &Handler{
		Engine: engine,
		Store:  store,
		log:    logger,
	}
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// ListPools returns live totals for every configured pool.
func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Engine.PoolInventory(r.Context())
	if err != nil {
		h.fail(w, "Failed to load inventory", err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// ListVials returns vials in FIFO order.
func (h *Handler) ListVials(w http.ResponseWriter, r *http.Request) {
	f := inventory.VialFilter{
		PoolID:       inventory.PoolID(r.URL.Query().Get("pool")),
		IncludeEmpty: r.URL.Query().Get("include_empty") == "true",
	}
	if f.PoolID != "" {
		if _, err := h.Engine.Pools().Get(f.PoolID); err != nil {
			h.fail(w, "Unknown pool", err)
			return
		}
	}

	vials, err := h.Engine.ListVials(r.Context(), f)
	if err != nil {
		h.fail(w, "Failed to list vials", err)
		return
	}
	if vials == nil {
		vials = []inventory.Vial{}
	}
	writeJSON(w, http.StatusOK, vials)
}

// ReceiveVial adds stock to the vial ledger.
func (h *Handler) ReceiveVial(w http.ResponseWriter, r *http.Request) {
	var req ReceiveVialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	vial, err := h.Engine.ReceiveVial(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, "Failed to receive vial", err)
		return
	}
	writeJSON(w, http.StatusCreated, vial)
}

// RecordDispense appends a dispense event.
func (h *Handler) RecordDispense(w http.ResponseWriter, r *http.Request) {
	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	d, err := h.Engine.RecordDispense(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, "Failed to record dispense", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// Reconcile runs the FIFO allocator for one pool. An empty body is a dry run.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pool := inventory.PoolID(chi.URLParam(r, "pool"))
	report, err := h.Engine.Reconcile(r.Context(), pool, inventory.ReconcileOptions{
		Commit:    req.Commit,
		Requester: req.Requester,
	})
	if err != nil {
		h.fail(w, "Reconciliation failed", err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, report.String())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// CHECK HANDLERS
// =============================================================================

// TodayCheck answers whether today's check of ?type= has been done.
func (h *Handler) TodayCheck(w http.ResponseWriter, r *http.Request) {
	t := inventory.CheckType(r.URL.Query().Get("type"))
	if t == "" {
		t = inventory.CheckMorning
	}

	st, err := h.Engine.TodayCheckStatus(r.Context(), t)
	if err != nil {
		h.fail(w, "Failed to get check status", err)
		return
	}

	resp := CheckStatusResponse{TodayStatus: st}
	if st.Check != nil {
		resp.Display = inventory.FormatCheck(st.Check, h.Engine.Location())
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitCheck records today's physical count.
func (h *Handler) SubmitCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Engine.SubmitCheck(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, "Failed to submit check", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ResolveCheck annotates a flagged check.
func (h *Handler) ResolveCheck(w http.ResponseWriter, r *http.Request) {
	day, err := inventory.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid day (use YYYY-MM-DD)", err)
		return
	}
	t := inventory.CheckType(chi.URLParam(r, "type"))

	var req ResolveCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Engine.ResolveCheck(r.Context(), day, t, req.ResolvedBy, req.Notes)
	if err != nil {
		h.fail(w, "Failed to resolve check", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CheckHistory returns checks for the last ?days= days (default 30).
func (h *Handler) CheckHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid days", err)
			return
		}
		days = n
	}

	recs, err := h.Engine.CheckHistory(r.Context(), days)
	if err != nil {
		h.fail(w, "Failed to load check history", err)
		return
	}
	if recs == nil {
		recs = []inventory.CheckRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// DailySummary reports both shifts for ?day= (default today).
func (h *Handler) DailySummary(w http.ResponseWriter, r *http.Request) {
	day := h.Engine.Today()
	if s := r.URL.Query().Get("day"); s != "" {
		d, err := inventory.ParseDay(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid day (use YYYY-MM-DD)", err)
			return
		}
		day = d
	}

	summary, err := h.Engine.DailySummary(r.Context(), day)
	if err != nil {
		h.fail(w, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// ADJUSTMENT HANDLERS
// =============================================================================

// CreateAdjustment overwrites vial volumes to match a physical count.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.AdjustToPhysical(r.Context(), inventory.AdjustInput{
		Counts:     req.Counts,
		AdjustedBy: req.AdjustedBy,
	})
	if err != nil {
		h.fail(w, "Adjustment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAudits returns the scheduler's latest dry-run result per pool.
func (h *Handler) ListAudits(w http.ResponseWriter, r *http.Request) {
	results := []AuditResult{}
	if h.Audits != nil {
		if last := h.Audits.LastResults(); last != nil {
			results = last
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok", Today: h.Engine.Today().String()}
	if err := h.Store.Ping(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("health check: database unreachable")
		resp.Status = "degraded"
		resp.Database = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors to HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrAccounting):
		return http.StatusConflict, "accounting_error"
	case inventory.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, inventory.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case inventory.IsClientError(err):
		return http.StatusBadRequest, "bad_request"
	case inventory.IsRetryable(err):
		return http.StatusServiceUnavailable, "transaction_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// fail writes an engine error. Structured errors carry their fields as details.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var ve *inventory.ValidationError
	var ae *inventory.AccountingError
	switch {
	case errors.As(err, &ve):
		resp.Details = map[string]string{"field": ve.Field, "message": ve.Message}
	case errors.As(err, &ae):
		resp.Details = map[string]any{
			"pool_id":      ae.PoolID,
			"dispense_id":  ae.DispenseID,
			"requested_ml": ae.RequestedML,
			"shortfall_ml": ae.ShortfallML,
			"received_ml":  ae.ReceivedML,
			"message":      ae.Error(),
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", status).Msg(message)
	}
	writeJSON(w, status, resp)
}

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
