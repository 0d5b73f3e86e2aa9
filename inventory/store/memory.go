// Package store provides an in-memory inventory.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/controlled-inventory/inventory"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type checkKey struct {
	Day  inventory.Day
	Type inventory.CheckType
}

type state struct {
	vials         map[inventory.VialID]inventory.Vial
	dispenses     map[inventory.DispenseID]inventory.Dispense
	reassignments []inventory.Reassignment
	adjustments   []inventory.VialAdjustment
	checks        map[checkKey]inventory.CheckRecord
	nextVial      inventory.VialID
	nextDispense  inventory.DispenseID
	nextAdjust    int64
}

func newState() state {
	return state{
		vials:     make(map[inventory.VialID]inventory.Vial),
		dispenses: make(map[inventory.DispenseID]inventory.Dispense),
		checks:    make(map[checkKey]inventory.CheckRecord),
	}
}

func (s state) clone() state {
	c := s
	c.vials = make(map[inventory.VialID]inventory.Vial, len(s.vials))
	for k, v := range s.vials {
		c.vials[k] = v
	}
	c.dispenses = make(map[inventory.DispenseID]inventory.Dispense, len(s.dispenses))
	for k, v := range s.dispenses {
		c.dispenses[k] = v
	}
	c.checks = make(map[checkKey]inventory.CheckRecord, len(s.checks))
	for k, v := range s.checks {
		c.checks[k] = cloneCheck(v)
	}
	c.reassignments = append([]inventory.Reassignment(nil), s.reassignments...)
	c.adjustments = append([]inventory.VialAdjustment(nil), s.adjustments...)
	return c
}

func cloneCheck(c inventory.CheckRecord) inventory.CheckRecord {
	c.Pools = append(inventory.PoolCounts(nil), c.Pools...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Memory is a TxStore over plain maps. WithTx snapshots state and restores
// it when fn fails.
type Memory struct {
	mu sync.RWMutex
	st state
}

var _ inventory.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx runs fn with the store locked. Lock keys are implied by the
// store-wide lock.
func (m *Memory) WithTx(ctx context.Context, _ inventory.TxOptions, fn func(inventory.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	err := fn(&view{st: &m.st})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// Non-transactional calls lock and delegate to a view.

func (m *Memory) read(fn func(*view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{st: &m.st})
}

func (m *Memory) write(fn func(*view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: &m.st})
}

func (m *Memory) CreateVial(ctx context.Context, v *inventory.Vial) error {
	return m.write(func(tv *view) error { return tv.CreateVial(ctx, v) })
}

func (m *Memory) GetVial(ctx context.Context, id inventory.VialID) (out *inventory.Vial, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.GetVial(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) LockVial(ctx context.Context, id inventory.VialID) (*inventory.Vial, error) {
	return m.GetVial(ctx, id)
}

func (m *Memory) GetVialByLabel(ctx context.Context, label string) (out *inventory.Vial, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.GetVialByLabel(ctx, label)
		return err
	})
	return out, err
}

func (m *Memory) ListVials(ctx context.Context, f inventory.VialFilter) (out []inventory.Vial, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.ListVials(ctx, f)
		return err
	})
	return out, err
}

func (m *Memory) UpdateVialVolume(ctx context.Context, u inventory.VolumeUpdate) error {
	return m.write(func(tv *view) error { return tv.UpdateVialVolume(ctx, u) })
}

func (m *Memory) NextVialLabel(ctx context.Context) (out string, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.NextVialLabel(ctx)
		return err
	})
	return out, err
}

func (m *Memory) CreateDispense(ctx context.Context, d *inventory.Dispense) error {
	return m.write(func(tv *view) error { return tv.CreateDispense(ctx, d) })
}

func (m *Memory) ListDispenses(ctx context.Context, pool inventory.PoolID) (out []inventory.Dispense, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.ListDispenses(ctx, pool)
		return err
	})
	return out, err
}

func (m *Memory) ReassignDispense(ctx context.Context, r inventory.Reassignment) error {
	return m.write(func(tv *view) error { return tv.ReassignDispense(ctx, r) })
}

func (m *Memory) ListReassignments(ctx context.Context, id inventory.DispenseID) (out []inventory.Reassignment, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.ListReassignments(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) AppendAdjustment(ctx context.Context, a inventory.VialAdjustment) error {
	return m.write(func(tv *view) error { return tv.AppendAdjustment(ctx, a) })
}

func (m *Memory) ListAdjustments(ctx context.Context, id inventory.VialID) (out []inventory.VialAdjustment, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.ListAdjustments(ctx, id)
		return err
	})
	return out, err
}

func (m *Memory) UpsertCheck(ctx context.Context, c *inventory.CheckRecord) error {
	return m.write(func(tv *view) error { return tv.UpsertCheck(ctx, c) })
}

func (m *Memory) GetCheck(ctx context.Context, day inventory.Day, t inventory.CheckType) (out *inventory.CheckRecord, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.GetCheck(ctx, day, t)
		return err
	})
	return out, err
}

func (m *Memory) ListChecksSince(ctx context.Context, from inventory.Day) (out []inventory.CheckRecord, err error) {
	err = m.read(func(tv *view) error {
		out, err = tv.ListChecksSince(ctx, from)
		return err
	})
	return out, err
}

// =============================================================================
// VIEW - operates on state with the caller holding the lock
// =============================================================================

type view struct {
	st *state
}

func (tv *view) CreateVial(_ context.Context, v *inventory.Vial) error {
	for _, existing := range tv.st.vials {
		if existing.Label == v.Label {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateLabel, v.Label)
		}
	}
	tv.st.nextVial++
	v.ID = tv.st.nextVial
	tv.st.vials[v.ID] = *v
	return nil
}

func (tv *view) GetVial(_ context.Context, id inventory.VialID) (*inventory.Vial, error) {
	v, ok := tv.st.vials[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, id)
	}
	return &v, nil
}

// LockVial is GetVial: WithTx already holds the store-wide lock.
func (tv *view) LockVial(ctx context.Context, id inventory.VialID) (*inventory.Vial, error) {
	return tv.GetVial(ctx, id)
}

func (tv *view) GetVialByLabel(_ context.Context, label string) (*inventory.Vial, error) {
	for _, v := range tv.st.vials {
		if v.Label == label {
			out := v
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", inventory.ErrVialNotFound, label)
}

func (tv *view) ListVials(_ context.Context, f inventory.VialFilter) ([]inventory.Vial, error) {
	var out []inventory.Vial
	for _, v := range tv.st.vials {
		if f.PoolID != "" && v.PoolID != f.PoolID {
			continue
		}
		if !f.IncludeEmpty && !v.Active {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return inventory.LabelLess(out[i].Label, out[j].Label)
	})
	return out, nil
}

func (tv *view) UpdateVialVolume(_ context.Context, u inventory.VolumeUpdate) error {
	v, ok := tv.st.vials[u.VialID]
	if !ok {
		return fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, u.VialID)
	}
	if u.RemainingML.IsNegative() || u.RemainingML.GreaterThan(v.SizeML) {
		return fmt.Errorf("vial %s: remaining %s outside [0, %s]", v.Label, u.RemainingML, v.SizeML)
	}
	v.RemainingML = u.RemainingML
	v.Active = u.Active
	v.UpdatedAt = u.UpdatedAt
	tv.st.vials[u.VialID] = v
	return nil
}

func (tv *view) NextVialLabel(_ context.Context) (string, error) {
	highest := 0
	for _, v := range tv.st.vials {
		var n int
		if _, err := fmt.Sscanf(v.Label, "V%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("V%04d", highest+1), nil
}

func (tv *view) CreateDispense(_ context.Context, d *inventory.Dispense) error {
	v, ok := tv.st.vials[d.VialID]
	if !ok {
		return fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, d.VialID)
	}
	tv.st.nextDispense++
	d.ID = tv.st.nextDispense
	d.VialLabel = v.Label
	tv.st.dispenses[d.ID] = *d
	return nil
}

func (tv *view) ListDispenses(_ context.Context, pool inventory.PoolID) ([]inventory.Dispense, error) {
	var out []inventory.Dispense
	for _, d := range tv.st.dispenses {
		if d.PoolID != pool {
			continue
		}
		d.VialLabel = tv.st.vials[d.VialID].Label
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispensedAt.Equal(out[j].DispensedAt) {
			return out[i].DispensedAt.Before(out[j].DispensedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tv *view) ReassignDispense(_ context.Context, r inventory.Reassignment) error {
	d, ok := tv.st.dispenses[r.DispenseID]
	if !ok {
		return fmt.Errorf("dispense %d not found", r.DispenseID)
	}
	if _, ok := tv.st.vials[r.ToVialID]; !ok {
		return fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, r.ToVialID)
	}
	d.VialID = r.ToVialID
	tv.st.dispenses[d.ID] = d
	tv.st.reassignments = append(tv.st.reassignments, r)
	return nil
}

func (tv *view) ListReassignments(_ context.Context, id inventory.DispenseID) ([]inventory.Reassignment, error) {
	var out []inventory.Reassignment
	for _, r := range tv.st.reassignments {
		if r.DispenseID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (tv *view) AppendAdjustment(_ context.Context, a inventory.VialAdjustment) error {
	tv.st.nextAdjust++
	a.ID = tv.st.nextAdjust
	tv.st.adjustments = append(tv.st.adjustments, a)
	return nil
}

func (tv *view) ListAdjustments(_ context.Context, id inventory.VialID) ([]inventory.VialAdjustment, error) {
	var out []inventory.VialAdjustment
	for _, a := range tv.st.adjustments {
		if a.VialID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (tv *view) UpsertCheck(_ context.Context, c *inventory.CheckRecord) error {
	k := checkKey{Day: c.Day, Type: c.CheckType}
	if existing, ok := tv.st.checks[k]; ok {
		c.ID = existing.ID
	}
	tv.st.checks[k] = cloneCheck(*c)
	return nil
}

func (tv *view) GetCheck(_ context.Context, day inventory.Day, t inventory.CheckType) (*inventory.CheckRecord, error) {
	c, ok := tv.st.checks[checkKey{Day: day, Type: t}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", inventory.ErrCheckNotFound, day, t)
	}
	out := cloneCheck(c)
	return &out, nil
}

func (tv *view) ListChecksSince(_ context.Context, from inventory.Day) ([]inventory.CheckRecord, error) {
	var out []inventory.CheckRecord
	for _, c := range tv.st.checks {
		if c.Day >= from {
			out = append(out, cloneCheck(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].PerformedAt.After(out[j].PerformedAt)
	})
	return out, nil
}
