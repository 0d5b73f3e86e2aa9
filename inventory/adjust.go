/*
adjust.go - Rewrite vial volumes to match a physical count

PURPOSE:
  When a pool's counted volume differs from its ledger volume by more than
  AdjustThresholdML, the pool's vials are overwritten so the ledger matches
  the shelf.

DISTRIBUTION (pure, see Distribute):
  Vials with remaining volume, ordered by label ascending, each receive
  min(left, size); once left hits zero the rest get zero. The result has
  full vials first, at most one partial, then empties: the same shape the
  FIFO walk produces.

AUDIT:
  Only vials whose volume actually changes are written. Each write gets a
  VialAdjustment row with before and after values. No vial is deleted and
  no volume goes below zero.
*/
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdjustThresholdML is the gap below which no adjustment is made.
var AdjustThresholdML = ML(0.5)

// VialChange is one planned or applied volume overwrite.
type VialChange struct {
	VialID   VialID          `json:"vial_id"`
	Label    string          `json:"label"`
	BeforeML decimal.Decimal `json:"before_ml"`
	AfterML  decimal.Decimal `json:"after_ml"`
}

// Distribution is the output of Distribute.
type Distribution struct {
	Changes    []VialChange
	AssignedML decimal.Decimal
	LeftoverML decimal.Decimal // physical volume no vial could hold
}

// Distribute spreads physicalML over vials by label. Vials without
// remaining volume are ignored.
func Distribute(vials []Vial, physicalML decimal.Decimal) Distribution {
	ordered := make([]Vial, 0, len(vials))
	for _, v := range vials {
		if v.RemainingML.IsPositive() {
			ordered = append(ordered, v)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return LabelLess(ordered[i].Label, ordered[j].Label) })

	left := maxDec(decimal.Zero, physicalML)
	out := Distribution{AssignedML: decimal.Zero}
	for _, v := range ordered {
		give := minDec(left, v.SizeML)
		left = left.Sub(give)
		out.AssignedML = out.AssignedML.Add(give)
		if !give.Equal(v.RemainingML) {
			out.Changes = append(out.Changes, VialChange{
				VialID:   v.ID,
				Label:    v.Label,
				BeforeML: v.RemainingML,
				AfterML:  give,
			})
		}
	}
	out.LeftoverML = left
	return out
}

// AdjustInput is a staff-initiated adjustment.
type AdjustInput struct {
	Counts     []PhysicalCount
	AdjustedBy string
}

// PoolAdjustment is the per-pool outcome.
type PoolAdjustment struct {
	PoolID     PoolID          `json:"pool_id"`
	Adjusted   bool            `json:"adjusted"`
	SystemML   decimal.Decimal `json:"system_ml"`
	PhysicalML decimal.Decimal `json:"physical_ml"`
	Changes    []VialChange    `json:"changes"`
	Detail     string          `json:"detail"`
}

// AdjustResult is returned by AdjustToPhysical.
type AdjustResult struct {
	Adjusted bool             `json:"adjusted"`
	RunID    string           `json:"run_id,omitempty"`
	Pools    []PoolAdjustment `json:"pools"`
}

// AdjustToPhysical overwrites vial volumes in each counted pool whose gap
// exceeds AdjustThresholdML. All pools commit together or not at all.
func (e *Engine) AdjustToPhysical(ctx context.Context, in AdjustInput) (*AdjustResult, error) {
	in.AdjustedBy = strings.TrimSpace(in.AdjustedBy)
	if in.AdjustedBy == "" {
		return nil, invalid("adjusted_by", "required")
	}
	counts, err := e.validateCounts(in.Counts, false)
	if err != nil {
		return nil, err
	}

	var ids []PoolID
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	unlock := e.locks.Lock(ids...)
	defer unlock()

	runID := uuid.NewString()
	result := &AdjustResult{}

	err = e.store.WithTx(ctx, TxOptions{LockKeys: lockKeys(ids)}, func(tx Store) error {
		result.Pools = result.Pools[:0]
		now := e.now().UTC()
		for _, id := range ids {
			pool, _ := e.pools.Get(id)
			vials, err := tx.ListVials(ctx, VialFilter{PoolID: id})
			if err != nil {
				return err
			}

			system := summarize(pool, vials).TotalML
			physical := physicalTotal(pool, counts[id])
			pa := PoolAdjustment{PoolID: id, SystemML: system, PhysicalML: physical, Changes: []VialChange{}}

			if system.Sub(physical).Abs().LessThanOrEqual(AdjustThresholdML) {
				pa.Detail = fmt.Sprintf("%s within %sml, no change", pool.Name, AdjustThresholdML.StringFixed(1))
				result.Pools = append(result.Pools, pa)
				continue
			}

			dist := Distribute(vials, physical)
			if dist.LeftoverML.GreaterThan(Epsilon) {
				return invalid("counts", "%s: physical %sml exceeds the %sml capacity of vials on hand",
					pool.Name, physical.StringFixed(1), dist.AssignedML.StringFixed(1))
			}

			for _, c := range dist.Changes {
				if err := tx.UpdateVialVolume(ctx, VolumeUpdate{
					VialID:      c.VialID,
					RemainingML: c.AfterML,
					Active:      c.AfterML.GreaterThan(Epsilon),
					UpdatedAt:   now,
				}); err != nil {
					return fmt.Errorf("update vial %s: %w", c.Label, err)
				}
				if err := tx.AppendAdjustment(ctx, VialAdjustment{
					VialID:     c.VialID,
					Label:      c.Label,
					BeforeML:   c.BeforeML,
					AfterML:    c.AfterML,
					Reason:     ReasonPhysicalCount,
					AdjustedBy: in.AdjustedBy,
					RunID:      runID,
					CreatedAt:  now,
				}); err != nil {
					return err
				}
			}

			pa.Adjusted = true
			pa.Changes = append(pa.Changes, dist.Changes...)
			pa.Detail = fmt.Sprintf("%s adjusted: system had %sml -> physical %sml",
				pool.Name, system.StringFixed(1), physical.StringFixed(1))
			result.Pools = append(result.Pools, pa)
		}
		return nil
	})
	if err != nil {
		return nil, wrapTx("adjust to physical", err)
	}

	for _, pa := range result.Pools {
		if !pa.Adjusted {
			continue
		}
		result.Adjusted = true
		e.metrics.ObserveAdjustment(pa.PoolID, len(pa.Changes))
		for _, c := range pa.Changes {
			e.log.Info().
				Str("pool", string(pa.PoolID)).
				Str("vial", c.Label).
				Str("before_ml", c.BeforeML.StringFixed(3)).
				Str("after_ml", c.AfterML.StringFixed(3)).
				Str("adjusted_by", in.AdjustedBy).
				Msg("vial volume adjusted")
		}
	}

	if result.Adjusted {
		result.RunID = runID
		if body, err := json.Marshal(result); err == nil {
			e.archiveJSON(ctx, fmt.Sprintf("adjustments/%s.json", runID), body)
		}
	}
	return result, nil
}
