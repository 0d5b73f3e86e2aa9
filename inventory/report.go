package inventory

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILIATION REPORT
// =============================================================================

// VialStatus buckets a vial after reconciliation.
type VialStatus string

const (
	VialEmpty      VialStatus = "empty"
	VialFull       VialStatus = "full"
	VialInProgress VialStatus = "in_progress"
)

// VialLine is one row of the per-vial section of a report.
type VialLine struct {
	VialID   VialID          `json:"vial_id"`
	Label    string          `json:"label"`
	SizeML   decimal.Decimal `json:"size_ml"`
	BeforeML decimal.Decimal `json:"before_ml"`
	AfterML  decimal.Decimal `json:"after_ml"`
	Status   VialStatus      `json:"status"`
	Changed  bool            `json:"changed"`
}

// ReconciliationReport summarizes a FIFO run. It carries no wall-clock
// values, so two dry runs over unchanged data render identically.
type ReconciliationReport struct {
	PoolID           PoolID          `json:"pool_id"`
	PoolName         string          `json:"pool_name"`
	Committed        bool            `json:"committed"`
	RunID            string          `json:"run_id,omitempty"`
	Vials            []VialLine      `json:"vials"`
	EmptyCount       int             `json:"empty_count"`
	FullCount        int             `json:"full_count"`
	InProgressCount  int             `json:"in_progress_count"`
	ReceivedML       decimal.Decimal `json:"received_ml"`
	ConsumedML       decimal.Decimal `json:"consumed_ml"`
	TotalRemainingML decimal.Decimal `json:"total_remaining_ml"`
	EquivalentVials  decimal.Decimal `json:"equivalent_vials"`
	DispenseCount    int             `json:"dispense_count"`
	SplitEvents      int             `json:"split_events"`
	Reassignments    []Reassignment  `json:"reassignments"`
}

// NewReport builds the report for a plan.
func NewReport(pool Pool, plan *Plan) *ReconciliationReport {
	r := &ReconciliationReport{
		PoolID:           pool.ID,
		PoolName:         pool.Name,
		ReceivedML:       decimal.Zero,
		ConsumedML:       plan.ConsumedML,
		TotalRemainingML: decimal.Zero,
		DispenseCount:    plan.DispenseCount,
		SplitEvents:      plan.SplitEvents(),
		Reassignments:    plan.Reassignments,
	}
	if r.Reassignments == nil {
		r.Reassignments = []Reassignment{}
	}

	for _, s := range plan.Vials {
		status := VialInProgress
		switch {
		case s.AfterML.LessThanOrEqual(Epsilon):
			status = VialEmpty
			r.EmptyCount++
		case s.AfterML.GreaterThanOrEqual(s.Vial.SizeML.Sub(Epsilon)):
			status = VialFull
			r.FullCount++
		default:
			r.InProgressCount++
		}
		r.ReceivedML = r.ReceivedML.Add(s.Vial.SizeML)
		r.TotalRemainingML = r.TotalRemainingML.Add(s.AfterML)
		r.Vials = append(r.Vials, VialLine{
			VialID:   s.Vial.ID,
			Label:    s.Vial.Label,
			SizeML:   s.Vial.SizeML,
			BeforeML: s.BeforeML,
			AfterML:  s.AfterML,
			Status:   status,
			Changed:  s.Changed(),
		})
	}
	if r.Vials == nil {
		r.Vials = []VialLine{}
	}

	if pool.NominalSizeML.IsPositive() {
		r.EquivalentVials = r.TotalRemainingML.DivRound(pool.NominalSizeML, 2)
	}
	return r
}

// ChangedVials counts vials whose volume or active flag will change.
func (r *ReconciliationReport) ChangedVials() int {
	n := 0
	for _, v := range r.Vials {
		if v.Changed {
			n++
		}
	}
	return n
}

// String renders the report for terminals and notifications.
func (r *ReconciliationReport) String() string {
	var b strings.Builder

	mode := "DRY RUN (no changes)"
	if r.Committed {
		mode = "COMMITTED"
	}
	fmt.Fprintf(&b, "=== FIFO RECONCILIATION: %s ===\n", r.PoolName)
	fmt.Fprintf(&b, "Mode: %s\n\n", mode)

	fmt.Fprintf(&b, "%-10s %8s %10s %10s  %s\n", "VIAL", "SIZE", "BEFORE", "AFTER", "STATUS")
	for _, v := range r.Vials {
		marker := ""
		if v.Changed {
			marker = " *"
		}
		fmt.Fprintf(&b, "%-10s %8s %10s %10s  %s%s\n",
			v.Label, v.SizeML.StringFixed(1), v.BeforeML.StringFixed(3), v.AfterML.StringFixed(3), v.Status, marker)
	}

	fmt.Fprintf(&b, "\nReassignments (%d):\n", len(r.Reassignments))
	for _, ra := range r.Reassignments {
		fmt.Fprintf(&b, "  dispense %d: %s -> %s\n", ra.DispenseID, labelOrUnknown(ra.FromLabel), ra.ToLabel)
	}

	fmt.Fprintf(&b, "\n=== SUMMARY ===\n")
	fmt.Fprintf(&b, "Dispenses: %d (%d split across vials)\n", r.DispenseCount, r.SplitEvents)
	fmt.Fprintf(&b, "Vials: %d empty, %d full, %d in progress\n", r.EmptyCount, r.FullCount, r.InProgressCount)
	fmt.Fprintf(&b, "Received: %sml\n", r.ReceivedML.StringFixed(1))
	fmt.Fprintf(&b, "Used: %sml\n", r.ConsumedML.StringFixed(1))
	fmt.Fprintf(&b, "Remaining: %sml (%s vials)\n", r.TotalRemainingML.StringFixed(1), r.EquivalentVials.StringFixed(2))
	return b.String()
}

func labelOrUnknown(label string) string {
	if label == "" {
		return "(unattributed)"
	}
	return label
}
