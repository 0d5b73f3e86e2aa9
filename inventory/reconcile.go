package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ReconcileOptions controls a FIFO run. The zero value is a dry run.
// Requester is required when Commit is set; it is recorded on every
// volume rewrite.
type ReconcileOptions struct {
	Commit    bool
	Requester string
}

// Reconcile re-derives vial attribution for one pool. In dry-run mode the
// plan is computed and reported without writing. With Commit set, every
// reassignment and volume update is applied in the same transaction that
// read the ledgers, or none is.
func (e *Engine) Reconcile(ctx context.Context, id PoolID, opts ReconcileOptions) (*ReconciliationReport, error) {
	opts.Requester = strings.TrimSpace(opts.Requester)
	if opts.Commit && opts.Requester == "" {
		return nil, invalid("requester", "required to commit")
	}
	pool, err := e.pools.Get(id)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	log := e.log.With().Str("pool", string(id)).Bool("commit", opts.Commit).Logger()

	var report *ReconciliationReport
	runID := ""
	if opts.Commit {
		runID = uuid.NewString()
	}

	txOpts := TxOptions{LockKeys: lockKeys([]PoolID{id}), ReadOnly: !opts.Commit}
	err = e.store.WithTx(ctx, txOpts, func(tx Store) error {
		vials, err := tx.ListVials(ctx, VialFilter{PoolID: id, IncludeEmpty: true})
		if err != nil {
			return err
		}
		dispenses, err := tx.ListDispenses(ctx, id)
		if err != nil {
			return err
		}

		plan, err := Allocate(id, vials, dispenses)
		if err != nil {
			return err
		}
		report = NewReport(pool, plan)
		if !opts.Commit {
			return nil
		}

		now := e.now().UTC()
		for _, r := range plan.Reassignments {
			r.RunID = runID
			r.CreatedAt = now
			if err := tx.ReassignDispense(ctx, r); err != nil {
				return fmt.Errorf("reassign dispense %d: %w", r.DispenseID, err)
			}
		}
		for _, s := range plan.Changed() {
			if err := tx.UpdateVialVolume(ctx, VolumeUpdate{
				VialID:      s.Vial.ID,
				RemainingML: s.AfterML,
				Active:      s.Active(),
				UpdatedAt:   now,
			}); err != nil {
				return fmt.Errorf("update vial %s: %w", s.Vial.Label, err)
			}
			if err := tx.AppendAdjustment(ctx, VialAdjustment{
				VialID:     s.Vial.ID,
				Label:      s.Vial.Label,
				BeforeML:   s.BeforeML,
				AfterML:    s.AfterML,
				Reason:     ReasonFIFOReconcile,
				AdjustedBy: opts.Requester,
				RunID:      runID,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		report.Committed = true
		report.RunID = runID
		return nil
	})
	if err != nil {
		if isFatal(err) {
			log.Error().Err(err).Msg("fifo reconciliation halted")
		} else {
			log.Error().Err(err).Msg("fifo reconciliation failed")
		}
		err = wrapTx("reconcile "+string(id), err)
		e.metrics.ObserveReconcile(id, false, 0, err)
		return nil, err
	}

	e.metrics.ObserveReconcile(id, report.Committed, len(report.Reassignments), nil)
	log.Info().
		Str("run_id", runID).
		Int("dispenses", report.DispenseCount).
		Int("reassignments", len(report.Reassignments)).
		Int("vials_changed", report.ChangedVials()).
		Str("remaining_ml", report.TotalRemainingML.StringFixed(3)).
		Msg("fifo reconciliation complete")

	if report.Committed {
		if body, err := json.Marshal(report); err == nil {
			e.archiveJSON(ctx, fmt.Sprintf("reconciliations/%s/%s.json", id, runID), body)
		}
	}
	return report, nil
}
