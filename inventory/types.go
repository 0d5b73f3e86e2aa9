/*
Package inventory provides the controlled-substance reconciliation engine.

PURPOSE:
  Tracks physical vials of a scheduled medication, allocates dispense events
  against those vials in strict first-in-first-out order, compares ledger
  state against staff physical counts, and rewrites vial volumes when the
  two disagree. Every mutation leaves an audit row behind.

KEY CONCEPTS IN THIS FILE (types.go):
  - Vial: one physical container, identified by a human-readable label
  - Dispense: one consumption event (dispensed + waste) attributed to a vial
  - Reassignment: audit record of a dispense moving from one vial to another
  - VialAdjustment: audit record of a vial volume overwrite
  - Epsilon: tolerance absorbing rounding noise in volume comparisons

DESIGN PRINCIPLES:
  1. Ledgers are the source of truth; totals are computed, never cached
  2. Precision: volumes use decimal.Decimal, never float64
  3. Attribution changes are logged, not silently overwritten
  4. Pure algorithms (Allocate, Distribute, Classify) are separate from I/O

SEE ALSO:
  - fifo.go: FIFO allocation over the two ledgers
  - check.go: Physical count reconciliation
  - adjust.go: Adjustment distribution
  - store.go: Persistence interfaces
*/
package inventory

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VOLUME HELPERS
// =============================================================================

// Epsilon absorbs rounding noise without treating a vial that still holds
// clinically meaningful volume as exhausted.
var Epsilon = decimal.RequireFromString("0.001")

// ML builds a volume in milliliters.
func ML(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// MustML parses a decimal literal, panicking on malformed input. Test and
// fixture use only.
func MustML(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// VolumeScale is the number of decimal places volumes are stored with.
const VolumeScale = 3

// checkScale rejects volumes finer than 0.001 ml, which NUMERIC(10,3)
// columns would round.
func checkScale(field string, v decimal.Decimal) error {
	if !v.Equal(v.Truncate(VolumeScale)) {
		return invalid(field, "%s has more than %d decimal places", v.String(), VolumeScale)
	}
	return nil
}

// nearlyEqual reports whether a and b differ by at most Epsilon.
func nearlyEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	VialID     int64
	DispenseID int64
	PoolID     string
)

// =============================================================================
// VIAL LEDGER
// =============================================================================

// Vial is one physical container. RemainingML stays within [0, SizeML].
type Vial struct {
	ID          VialID          `db:"id" json:"id"`
	Label       string          `db:"label" json:"label"`
	PoolID      PoolID          `db:"pool_id" json:"pool_id"`
	SizeML      decimal.Decimal `db:"size_ml" json:"size_ml"`
	RemainingML decimal.Decimal `db:"remaining_ml" json:"remaining_ml"`
	ReceivedAt  time.Time       `db:"received_at" json:"received_at"`
	Active      bool            `db:"active" json:"active"`
	LotNumber   string          `db:"lot_number" json:"lot_number,omitempty"`
	ExpiresAt   *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	Notes       string          `db:"notes" json:"notes,omitempty"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// IsFull reports whether the vial is untouched.
func (v Vial) IsFull() bool {
	return v.RemainingML.GreaterThanOrEqual(v.SizeML.Sub(Epsilon))
}

// IsEmpty reports whether the vial holds no usable volume.
func (v Vial) IsEmpty() bool {
	return v.RemainingML.LessThanOrEqual(Epsilon)
}

// fifoLess orders vials by receipt time, then label.
func fifoLess(a, b Vial) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return LabelLess(a.Label, b.Label)
}

// LabelLess orders labels of the form V<n> by n, so V10000 follows V9999.
// Labels outside that form fall back to string order after numbered ones.
func LabelLess(a, b string) bool {
	na, okA := labelNumber(a)
	nb, okB := labelNumber(b)
	switch {
	case okA && okB:
		if na != nb {
			return na < nb
		}
		return a < b
	case okA != okB:
		return okA
	}
	return a < b
}

func labelNumber(label string) (int, bool) {
	digits, ok := strings.CutPrefix(label, "V")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// VialFilter narrows ListVials.
type VialFilter struct {
	PoolID       PoolID // empty = all pools
	IncludeEmpty bool   // include retired vials
}

// =============================================================================
// DISPENSE LEDGER
// =============================================================================

// Dispense is one consumption event. Amounts are immutable once written;
// only the vial attribution may change, and only through a Reassignment.
type Dispense struct {
	ID          DispenseID      `db:"id" json:"id"`
	PoolID      PoolID          `db:"pool_id" json:"pool_id"`
	VialID      VialID          `db:"vial_id" json:"vial_id"`
	VialLabel   string          `db:"vial_label" json:"vial_label"`
	DispensedML decimal.Decimal `db:"dispensed_ml" json:"dispensed_ml"`
	WasteML     decimal.Decimal `db:"waste_ml" json:"waste_ml"`
	DispensedAt time.Time       `db:"dispensed_at" json:"dispensed_at"`
	SubjectRef  string          `db:"subject_ref" json:"subject_ref,omitempty"`
	CreatedBy   string          `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// TotalML is the volume the event removed from stock.
func (d Dispense) TotalML() decimal.Decimal {
	return d.DispensedML.Add(d.WasteML)
}

// Reassignment moves a dispense from one vial to another.
type Reassignment struct {
	DispenseID DispenseID `db:"dispense_id" json:"dispense_id"`
	FromVialID VialID     `db:"from_vial_id" json:"from_vial_id"`
	FromLabel  string     `db:"from_label" json:"from_label"`
	ToVialID   VialID     `db:"to_vial_id" json:"to_vial_id"`
	ToLabel    string     `db:"to_label" json:"to_label"`
	RunID      string     `db:"run_id" json:"run_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AdjustmentReason records which operation overwrote a vial volume.
type AdjustmentReason string

const (
	ReasonPhysicalCount AdjustmentReason = "physical_count"
	ReasonFIFOReconcile AdjustmentReason = "fifo_reconcile"
)

// VialAdjustment is the before/after log row for a vial volume overwrite.
type VialAdjustment struct {
	ID         int64            `db:"id" json:"id"`
	VialID     VialID           `db:"vial_id" json:"vial_id"`
	Label      string           `db:"label" json:"label"`
	BeforeML   decimal.Decimal  `db:"before_ml" json:"before_ml"`
	AfterML    decimal.Decimal  `db:"after_ml" json:"after_ml"`
	Reason     AdjustmentReason `db:"reason" json:"reason"`
	AdjustedBy string           `db:"adjusted_by" json:"adjusted_by"`
	RunID      string           `db:"run_id" json:"run_id"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}

// VolumeUpdate is a pending overwrite of one vial's remaining volume.
// RemainingML must lie within [0, SizeML].
type VolumeUpdate struct {
	VialID      VialID
	RemainingML decimal.Decimal
	Active      bool
	UpdatedAt   time.Time
}
