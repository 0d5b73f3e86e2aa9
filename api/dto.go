/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON shapes accepted by the HTTP API. Engine result types
  (ReconciliationReport, CheckRecord, PoolSummary, AdjustResult) already
  carry JSON tags and are returned as-is; only requests and envelope types
  live here.

DESIGN:
  - Volumes are decimal.Decimal: accepted as JSON numbers or strings,
    written as strings so no precision is lost
  - Timestamps are RFC 3339; omitted times default to "now" in the engine
  - Request DTOs convert to engine inputs via toInput()

SEE ALSO:
  - handlers.go: Uses these DTOs
  - inventory/engine.go: Engine input types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/controlled-inventory/inventory"
)

// =============================================================================
// VIAL DTOs
// =============================================================================

// ReceiveVialRequest is the request body for receiving stock.
type ReceiveVialRequest struct {
	Label       string           `json:"label"`
	PoolID      string           `json:"pool_id"`
	SizeML      decimal.Decimal  `json:"size_ml"`
	RemainingML *decimal.Decimal `json:"remaining_ml,omitempty"`
	ReceivedAt  *time.Time       `json:"received_at,omitempty"`
	LotNumber   string           `json:"lot_number"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Notes       string           `json:"notes"`
}

func (r ReceiveVialRequest) toInput() inventory.VialInput {
	in := inventory.VialInput{
		Label:       r.Label,
		PoolID:      inventory.PoolID(r.PoolID),
		SizeML:      r.SizeML,
		RemainingML: r.RemainingML,
		LotNumber:   r.LotNumber,
		ExpiresAt:   r.ExpiresAt,
		Notes:       r.Notes,
	}
	if r.ReceivedAt != nil {
		in.ReceivedAt = *r.ReceivedAt
	}
	return in
}

// =============================================================================
// DISPENSE DTOs
// =============================================================================

// DispenseRequest is the request body for recording a dispense.
type DispenseRequest struct {
	PoolID      string          `json:"pool_id"`
	VialLabel   string          `json:"vial_label"`
	DispensedML decimal.Decimal `json:"dispensed_ml"`
	WasteML     decimal.Decimal `json:"waste_ml"`
	DispensedAt *time.Time      `json:"dispensed_at,omitempty"`
	SubjectRef  string          `json:"subject_ref"`
	CreatedBy   string          `json:"created_by"`
}

func (r DispenseRequest) toInput() inventory.DispenseInput {
	in := inventory.DispenseInput{
		PoolID:      inventory.PoolID(r.PoolID),
		VialLabel:   r.VialLabel,
		DispensedML: r.DispensedML,
		WasteML:     r.WasteML,
		SubjectRef:  r.SubjectRef,
		CreatedBy:   r.CreatedBy,
	}
	if r.DispensedAt != nil {
		in.DispensedAt = *r.DispensedAt
	}
	return in
}

// =============================================================================
// RECONCILIATION DTOs
// =============================================================================

// ReconcileRequest triggers a FIFO run. Omitting commit means dry run.
// Requester is required with commit.
type ReconcileRequest struct {
	Commit    bool   `json:"commit"`
	Requester string `json:"requester"`
}

// =============================================================================
// CHECK DTOs
// =============================================================================

// CheckRequest is a physical count submission.
type CheckRequest struct {
	CheckType        string                    `json:"check_type"`
	PerformedBy      string                    `json:"performed_by"`
	PerformedByName  string                    `json:"performed_by_name"`
	Counts           []inventory.PhysicalCount `json:"counts"`
	Notes            string                    `json:"notes"`
	DiscrepancyNotes string                    `json:"discrepancy_notes"`
}

func (r CheckRequest) toInput() inventory.CheckInput {
	return inventory.CheckInput{
		CheckType:        inventory.CheckType(r.CheckType),
		PerformedBy:      r.PerformedBy,
		PerformedByName:  r.PerformedByName,
		Counts:           r.Counts,
		Notes:            r.Notes,
		DiscrepancyNotes: r.DiscrepancyNotes,
	}
}

// ResolveCheckRequest explains a flagged discrepancy.
type ResolveCheckRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes"`
}

// CheckStatusResponse wraps the dispensing gate with a display string.
type CheckStatusResponse struct {
	*inventory.TodayStatus
	Display string `json:"display,omitempty"`
}

// =============================================================================
// ADJUSTMENT DTOs
// =============================================================================

// AdjustmentRequest overwrites vial volumes from a physical count.
type AdjustmentRequest struct {
	AdjustedBy string                    `json:"adjusted_by"`
	Counts     []inventory.PhysicalCount `json:"counts"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pool        string `json:"pool"`
	Expect      string `json:"expect"`
}

// LoadScenarioRequest selects a scenario by id.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// COMMON DTOs
// =============================================================================

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Today    string `json:"today"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
