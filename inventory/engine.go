/*
engine.go - Reconciliation engine entry point

PURPOSE:
  Engine is the surface the API, CLI and batch jobs call. It validates
  input, serializes per-pool work, runs the pure algorithms inside a store
  transaction, and reports outcomes to logs, metrics and the archive.

OPERATIONS:
  ReceiveVial        add stock to the vial ledger
  RecordDispense     append a dispense and decrement its vial
  Reconcile          FIFO re-derivation (reconcile.go)
  SubmitCheck        physical count (check.go)
  TodayCheckStatus   dispensing gate (check.go)
  CheckHistory       audit export (check.go)
  AdjustToPhysical   overwrite volumes from a count (adjust.go)
  PoolInventory      live totals per pool

CONCURRENCY:
  Reconcile and AdjustToPhysical hold the in-process PoolLocker and the
  store-level lock for their pools. RecordDispense takes neither.

USAGE:
  engine := inventory.NewEngine(store, pools,
      inventory.WithLogger(logger),
      inventory.WithLocation(loc),
  )
  report, err := engine.Reconcile(ctx, "cb-30ml", inventory.ReconcileOptions{})
*/
package inventory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine coordinates the ledgers and the reconciliation algorithms.
type Engine struct {
	store   TxStore
	pools   *PoolRegistry
	locks   *PoolLocker
	loc     *time.Location
	now     func() time.Time
	log     zerolog.Logger
	metrics Metrics
	archive Archiver
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option     { return func(e *Engine) { e.log = l } }
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }
func WithMetrics(m Metrics) Option           { return func(e *Engine) { e.metrics = m } }
func WithArchiver(a Archiver) Option         { return func(e *Engine) { e.archive = a } }

// NewEngine builds an engine. Without WithLocation the operational day is
// computed in UTC.
func NewEngine(store TxStore, pools *PoolRegistry, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		pools:   pools,
		locks:   NewPoolLocker(),
		loc:     time.UTC,
		now:     time.Now,
		log:     zerolog.Nop(),
		metrics: NopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pools exposes the configured pool registry.
func (e *Engine) Pools() *PoolRegistry { return e.pools }

// Location is the operational timezone.
func (e *Engine) Location() *time.Location { return e.loc }

// Today is the current operational day.
func (e *Engine) Today() Day { return DayOf(e.now(), e.loc) }

// =============================================================================
// VIAL RECEIPT
// =============================================================================

// VialInput describes newly received stock.
type VialInput struct {
	Label       string
	PoolID      PoolID // empty = classify by size
	SizeML      decimal.Decimal
	RemainingML *decimal.Decimal // nil = full
	ReceivedAt  time.Time        // zero = now
	LotNumber   string
	ExpiresAt   *time.Time
	Notes       string
}

// ReceiveVial adds a vial to the ledger. A blank label is replaced by the
// next V#### label.
func (e *Engine) ReceiveVial(ctx context.Context, in VialInput) (*Vial, error) {
	if !in.SizeML.IsPositive() {
		return nil, invalid("size_ml", "must be positive")
	}
	if err := checkScale("size_ml", in.SizeML); err != nil {
		return nil, err
	}
	var pool Pool
	if in.PoolID != "" {
		p, err := e.pools.Get(in.PoolID)
		if err != nil {
			return nil, err
		}
		pool = p
	} else {
		p, ok := e.pools.ClassifyBySize(in.SizeML)
		if !ok {
			return nil, invalid("pool_id", "no pool accepts a %s ml vial", in.SizeML.String())
		}
		pool = p
	}

	remaining := in.SizeML
	if in.RemainingML != nil {
		remaining = *in.RemainingML
	}
	if remaining.IsNegative() || remaining.GreaterThan(in.SizeML) {
		return nil, invalid("remaining_ml", "must be between 0 and %s", in.SizeML.String())
	}
	if err := checkScale("remaining_ml", remaining); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	v := &Vial{
		Label:       strings.TrimSpace(in.Label),
		PoolID:      pool.ID,
		SizeML:      in.SizeML,
		RemainingML: remaining,
		ReceivedAt:  receivedAt.UTC(),
		Active:      remaining.GreaterThan(Epsilon),
		LotNumber:   in.LotNumber,
		ExpiresAt:   in.ExpiresAt,
		Notes:       in.Notes,
		UpdatedAt:   now,
	}

	opts := TxOptions{}
	if v.Label == "" {
		opts.LockKeys = []string{LabelLockKey}
	}
	err := e.store.WithTx(ctx, opts, func(tx Store) error {
		if v.Label == "" {
			label, err := tx.NextVialLabel(ctx)
			if err != nil {
				return err
			}
			v.Label = label
		}
		return tx.CreateVial(ctx, v)
	})
	if err != nil {
		return nil, wrapTx("receive vial", err)
	}

	e.log.Info().
		Str("pool", string(v.PoolID)).
		Str("label", v.Label).
		Str("size_ml", v.SizeML.String()).
		Msg("vial received")
	return v, nil
}

// ListVials returns vials matching f in FIFO order.
func (e *Engine) ListVials(ctx context.Context, f VialFilter) ([]Vial, error) {
	vials, err := e.store.ListVials(ctx, f)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(vials, func(i, j int) bool { return fifoLess(vials[i], vials[j]) })
	return vials, nil
}

// =============================================================================
// DISPENSE RECORDING
// =============================================================================

// DispenseInput describes one consumption event.
type DispenseInput struct {
	PoolID      PoolID // required when VialLabel is blank
	VialLabel   string // blank = current FIFO vial
	DispensedML decimal.Decimal
	WasteML     decimal.Decimal
	DispensedAt time.Time // zero = now
	SubjectRef  string
	CreatedBy   string
}

// RecordDispense appends a dispense and decrements the attributed vial,
// flooring at zero. Attribution is a best guess; Reconcile corrects it.
func (e *Engine) RecordDispense(ctx context.Context, in DispenseInput) (*Dispense, error) {
	if in.DispensedML.IsNegative() {
		return nil, invalid("dispensed_ml", "must not be negative")
	}
	if in.WasteML.IsNegative() {
		return nil, invalid("waste_ml", "must not be negative")
	}
	if err := checkScale("dispensed_ml", in.DispensedML); err != nil {
		return nil, err
	}
	if err := checkScale("waste_ml", in.WasteML); err != nil {
		return nil, err
	}
	if in.VialLabel == "" && in.PoolID == "" {
		return nil, invalid("vial_label", "vial label or pool id required")
	}
	if in.PoolID != "" {
		if _, err := e.pools.Get(in.PoolID); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	at := in.DispensedAt
	if at.IsZero() {
		at = now
	}

	var d *Dispense
	var overdrawn decimal.Decimal
	err := e.store.WithTx(ctx, TxOptions{}, func(tx Store) error {
		vial, err := e.attributeVial(ctx, tx, in)
		if err != nil {
			return err
		}

		d = &Dispense{
			PoolID:      vial.PoolID,
			VialID:      vial.ID,
			VialLabel:   vial.Label,
			DispensedML: in.DispensedML,
			WasteML:     in.WasteML,
			DispensedAt: at.UTC(),
			SubjectRef:  in.SubjectRef,
			CreatedBy:   in.CreatedBy,
			CreatedAt:   now,
		}
		if err := tx.CreateDispense(ctx, d); err != nil {
			return err
		}

		after := vial.RemainingML.Sub(d.TotalML())
		if after.IsNegative() {
			overdrawn = after.Neg()
			after = decimal.Zero
		}
		return tx.UpdateVialVolume(ctx, VolumeUpdate{
			VialID:      vial.ID,
			RemainingML: after,
			Active:      after.GreaterThan(Epsilon),
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return nil, wrapTx("record dispense", err)
	}

	evt := e.log.Info()
	if overdrawn.IsPositive() {
		evt = e.log.Warn().Str("overdrawn_ml", overdrawn.String())
	}
	evt.Int64("dispense_id", int64(d.ID)).
		Str("pool", string(d.PoolID)).
		Str("vial", d.VialLabel).
		Str("total_ml", d.TotalML().String()).
		Msg("dispense recorded")
	return d, nil
}

// attributeVial returns the vial a dispense draws from, locked for the
// rest of the transaction so the decrement reads the latest volume.
func (e *Engine) attributeVial(ctx context.Context, tx Store, in DispenseInput) (*Vial, error) {
	if in.VialLabel != "" {
		v, err := tx.GetVialByLabel(ctx, in.VialLabel)
		if err != nil {
			return nil, err
		}
		if in.PoolID != "" && v.PoolID != in.PoolID {
			return nil, invalid("vial_label", "%s belongs to pool %s, not %s", v.Label, v.PoolID, in.PoolID)
		}
		return tx.LockVial(ctx, v.ID)
	}

	vials, err := tx.ListVials(ctx, VialFilter{PoolID: in.PoolID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(vials, func(i, j int) bool { return fifoLess(vials[i], vials[j]) })
	for i := range vials {
		if !vials[i].RemainingML.GreaterThan(Epsilon) {
			continue
		}
		// A concurrent dispense may have drained it since the list.
		v, err := tx.LockVial(ctx, vials[i].ID)
		if err != nil {
			return nil, err
		}
		if v.RemainingML.GreaterThan(Epsilon) {
			return v, nil
		}
	}
	return nil, ErrNoStock
}

// =============================================================================
// POOL INVENTORY
// =============================================================================

// PoolSummary is a live view of one pool.
type PoolSummary struct {
	Pool            Pool            `json:"pool"`
	ActiveVials     int             `json:"active_vials"`
	FullVials       int             `json:"full_vials"`
	PartialVials    int             `json:"partial_vials"`
	PartialML       decimal.Decimal `json:"partial_ml"`
	TotalML         decimal.Decimal `json:"total_ml"`
	EquivalentVials decimal.Decimal `json:"equivalent_vials"`
	LowStock        bool            `json:"low_stock"`
}

func summarize(pool Pool, vials []Vial) PoolSummary {
	s := PoolSummary{Pool: pool, PartialML: decimal.Zero, TotalML: decimal.Zero, EquivalentVials: decimal.Zero}
	for _, v := range vials {
		if v.PoolID != pool.ID || !v.Active || !v.RemainingML.IsPositive() {
			continue
		}
		s.ActiveVials++
		s.TotalML = s.TotalML.Add(v.RemainingML)
		if v.IsFull() {
			s.FullVials++
		} else {
			s.PartialVials++
			s.PartialML = s.PartialML.Add(v.RemainingML)
		}
	}
	if pool.NominalSizeML.IsPositive() {
		s.EquivalentVials = s.TotalML.DivRound(pool.NominalSizeML, 2)
	}
	s.LowStock = s.ActiveVials <= pool.LowStockVials
	return s
}

// PoolInventory returns live totals for every configured pool.
func (e *Engine) PoolInventory(ctx context.Context) ([]PoolSummary, error) {
	vials, err := e.store.ListVials(ctx, VialFilter{})
	if err != nil {
		return nil, err
	}
	var out []PoolSummary
	for _, p := range e.pools.All() {
		s := summarize(p, vials)
		e.metrics.SetPoolVolume(p.ID, s.ActiveVials, s.TotalML)
		out = append(out, s)
	}
	return out, nil
}

// archiveJSON stores a committed result. Failure is logged; the ledger
// commit already happened.
func (e *Engine) archiveJSON(ctx context.Context, key string, body []byte) {
	if e.archive == nil {
		return
	}
	if err := e.archive.Put(ctx, key, body); err != nil {
		e.log.Warn().Err(err).Str("key", key).Msg("archive failed")
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrAccounting)
}
