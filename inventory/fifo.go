/*
fifo.go - First-in-first-out allocation of dispenses to vials

PURPOSE:
  Re-derives which vial(s) every dispense event drew from, given the whole
  vial ledger and the whole dispense ledger of one pool. The result is a
  Plan: new remaining volumes per vial plus the dispense reassignments
  needed to make recorded attribution match FIFO order.

ORDERING:
  Vials:     ReceivedAt ASC, Label ASC
  Dispenses: DispensedAt ASC, ID ASC

ALGORITHM:
  Each vial has a used accumulator starting at 0. For each dispense,
  remove = dispensed + waste. While remove > Epsilon:
    - skip the current vial if size - used <= Epsilon
    - take = min(remove, size - used); used += take; remove -= take
    - advance once size - used < Epsilon
  Running out of vials with remove > Epsilon is an AccountingError.
  Final remaining per vial = max(0, size - used).

  Only one vial is ever partially used at a time: the cursor never moves
  backwards, and it only moves forward when the current vial is drained.

REASSIGNMENT:
  At most one per event, pointing at the vial that satisfied the tail of
  the request, and only when it differs from the recorded vial. A split
  event stays attributed to the later vial; the per-vial draw is in
  Plan.Allocations.

PURITY:
  Allocate reads only its arguments and keeps all cursor state local, so it
  is safe to call concurrently and gives identical output for identical
  input.

USAGE:
  plan, err := inventory.Allocate("cb-30ml", vials, dispenses)
  for _, r := range plan.Reassignments { ... }
  for _, v := range plan.Changed() { ... }
*/
package inventory

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PLAN
// =============================================================================

// Plan is the output of Allocate.
type Plan struct {
	PoolID        PoolID
	Vials         []VialState // FIFO order
	Reassignments []Reassignment
	Allocations   []Allocation
	ConsumedML    decimal.Decimal // sum of dispensed + waste over all events
	DispenseCount int
}

// VialState pairs a vial with its recomputed volume.
type VialState struct {
	Vial     Vial
	UsedML   decimal.Decimal
	BeforeML decimal.Decimal
	AfterML  decimal.Decimal
}

// Active reports whether the vial still holds usable volume after the plan.
func (s VialState) Active() bool {
	return s.AfterML.GreaterThan(Epsilon)
}

// Changed reports whether applying the plan alters the stored vial.
func (s VialState) Changed() bool {
	return !s.BeforeML.Equal(s.AfterML) || s.Vial.Active != s.Active()
}

// Allocation is one slice of a dispense drawn from one vial.
type Allocation struct {
	DispenseID DispenseID
	VialID     VialID
	Label      string
	TakenML    decimal.Decimal
}

// Changed returns the vials whose stored state differs from the plan.
func (p *Plan) Changed() []VialState {
	var out []VialState
	for _, s := range p.Vials {
		if s.Changed() {
			out = append(out, s)
		}
	}
	return out
}

// SplitEvents counts dispenses drawn from more than one vial.
func (p *Plan) SplitEvents() int {
	seen := make(map[DispenseID]int)
	for _, a := range p.Allocations {
		seen[a.DispenseID]++
	}
	n := 0
	for _, c := range seen {
		if c > 1 {
			n++
		}
	}
	return n
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocate runs the FIFO walk for one pool. Inputs are not modified.
func Allocate(pool PoolID, vials []Vial, dispenses []Dispense) (*Plan, error) {
	ordered := make([]Vial, len(vials))
	copy(ordered, vials)
	sort.SliceStable(ordered, func(i, j int) bool { return fifoLess(ordered[i], ordered[j]) })

	events := make([]Dispense, len(dispenses))
	copy(events, dispenses)
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].DispensedAt.Equal(events[j].DispensedAt) {
			return events[i].DispensedAt.Before(events[j].DispensedAt)
		}
		return events[i].ID < events[j].ID
	})

	used := make([]decimal.Decimal, len(ordered))
	for i := range used {
		used[i] = decimal.Zero
	}

	plan := &Plan{PoolID: pool, ConsumedML: decimal.Zero, DispenseCount: len(events)}
	cursor := 0

	for _, ev := range events {
		requested := ev.TotalML()
		plan.ConsumedML = plan.ConsumedML.Add(requested)
		remove := requested
		last := -1

		for remove.GreaterThan(Epsilon) && cursor < len(ordered) {
			v := ordered[cursor]
			available := v.SizeML.Sub(used[cursor])
			if available.LessThanOrEqual(Epsilon) {
				cursor++
				continue
			}

			take := minDec(remove, available)
			used[cursor] = used[cursor].Add(take)
			remove = remove.Sub(take)
			last = cursor
			plan.Allocations = append(plan.Allocations, Allocation{
				DispenseID: ev.ID,
				VialID:     v.ID,
				Label:      v.Label,
				TakenML:    take,
			})

			if v.SizeML.Sub(used[cursor]).LessThan(Epsilon) {
				cursor++
			}
		}

		if remove.GreaterThan(Epsilon) {
			return nil, &AccountingError{
				PoolID:      pool,
				DispenseID:  ev.ID,
				RequestedML: requested,
				ShortfallML: remove,
				ReceivedML:  totalSize(ordered),
			}
		}

		if last >= 0 && ordered[last].ID != ev.VialID {
			plan.Reassignments = append(plan.Reassignments, Reassignment{
				DispenseID: ev.ID,
				FromVialID: ev.VialID,
				FromLabel:  ev.VialLabel,
				ToVialID:   ordered[last].ID,
				ToLabel:    ordered[last].Label,
			})
		}
	}

	plan.Vials = make([]VialState, len(ordered))
	for i, v := range ordered {
		plan.Vials[i] = VialState{
			Vial:     v,
			UsedML:   used[i],
			BeforeML: v.RemainingML,
			AfterML:  maxDec(decimal.Zero, v.SizeML.Sub(used[i])),
		}
	}
	return plan, nil
}

func totalSize(vials []Vial) decimal.Decimal {
	total := decimal.Zero
	for _, v := range vials {
		total = total.Add(v.SizeML)
	}
	return total
}
