/*
pool.go - Substance pool definitions and lookup

PURPOSE:
  A pool is the set of vials and dispenses belonging to one controlled
  product line. Pools are reconciled independently of each other.

CLASSIFICATION:
  Every vial carries an explicit pool_id. Size ranges (MinSizeML, MaxSizeML)
  exist only to classify legacy imports that arrive without one; they are
  never consulted once a vial is stored.

USAGE:
  pools, err := inventory.NewPoolRegistry(inventory.DefaultPools()...)
  cb, err := pools.Get("cb-30ml")
  legacy, ok := pools.ClassifyBySize(inventory.ML(30))

SEE ALSO:
  - factory/pool.go: JSON pool definitions
*/
package inventory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Pool describes one product line.
type Pool struct {
	ID            PoolID          `json:"id"`
	Name          string          `json:"name"`
	NominalSizeML decimal.Decimal `json:"nominal_size_ml"`

	// Legacy size classification: MinSizeML inclusive, MaxSizeML exclusive.
	// A zero bound is open.
	MinSizeML decimal.Decimal `json:"min_size_ml"`
	MaxSizeML decimal.Decimal `json:"max_size_ml"`

	// LowStockVials flags the pool as low when active vials fall to this count.
	LowStockVials int `json:"low_stock_vials"`
}

func (p Pool) validate() error {
	if p.ID == "" {
		return invalid("pool.id", "required")
	}
	if !p.NominalSizeML.IsPositive() {
		return invalid("pool.nominal_size_ml", "must be positive for pool %s", p.ID)
	}
	if err := checkScale("pool.nominal_size_ml", p.NominalSizeML); err != nil {
		return err
	}
	if p.MinSizeML.IsNegative() || p.MaxSizeML.IsNegative() {
		return invalid("pool.size_range", "bounds must be non-negative for pool %s", p.ID)
	}
	if p.MaxSizeML.IsPositive() && p.MaxSizeML.LessThanOrEqual(p.MinSizeML) {
		return invalid("pool.size_range", "max must exceed min for pool %s", p.ID)
	}
	return nil
}

func (p Pool) matchesSize(size decimal.Decimal) bool {
	if size.LessThan(p.MinSizeML) {
		return false
	}
	if p.MaxSizeML.IsPositive() && size.GreaterThanOrEqual(p.MaxSizeML) {
		return false
	}
	return true
}

// DefaultPools returns the two product lines the clinic stocks: 30 ml
// multi-dose vials and 10 ml vials, split at 20 ml for legacy imports.
func DefaultPools() []Pool {
	return []Pool{
		{
			ID:            "cb-30ml",
			Name:          "CB 30ml",
			NominalSizeML: ML(30),
			MinSizeML:     ML(20),
			LowStockVials: 2,
		},
		{
			ID:            "toprx-10ml",
			Name:          "TopRX 10ml",
			NominalSizeML: ML(10),
			MaxSizeML:     ML(20),
			LowStockVials: 3,
		},
	}
}

// =============================================================================
// POOL REGISTRY
// =============================================================================

// PoolRegistry holds the configured pools in declaration order.
type PoolRegistry struct {
	mu    sync.RWMutex
	pools map[PoolID]Pool
	order []PoolID
}

// NewPoolRegistry validates and registers the given pools.
func NewPoolRegistry(pools ...Pool) (*PoolRegistry, error) {
	r := &PoolRegistry{pools: make(map[PoolID]Pool)}
	for _, p := range pools {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a pool. Registering an existing id is an error.
func (r *PoolRegistry) Register(p Pool) error {
	if err := p.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.ID]; ok {
		return invalid("pool.id", "%s registered twice", p.ID)
	}
	r.pools[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// Get returns the pool with the given id.
func (r *PoolRegistry) Get(id PoolID) (Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrPoolNotFound, id)
	}
	return p, nil
}

// All returns pools in registration order.
func (r *PoolRegistry) All() []Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.pools[id])
	}
	return out
}

// IDs returns pool ids sorted ascending. Lock acquisition uses this order.
func (r *PoolRegistry) IDs() []PoolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]PoolID, len(r.order))
	copy(ids, r.order)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ClassifyBySize finds the first pool whose legacy size range contains size.
func (r *PoolRegistry) ClassifyBySize(size decimal.Decimal) (Pool, bool) {
	for _, p := range r.All() {
		if p.matchesSize(size) {
			return p, true
		}
	}
	return Pool{}, false
}
