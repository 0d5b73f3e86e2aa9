/*
store.go - Persistence interfaces for the vial and dispense ledgers

PURPOSE:
  Defines the boundary between reconciliation logic and the database.
  Implementations: SQLite and PostgreSQL (store/sqlstore), in-memory
  (inventory/store).

LEDGER CONTRACT:
  - Dispense amounts are never updated. Only vial_id changes, and only via
    ReassignDispense, which writes an audit row in the same call.
  - Vial volumes change through UpdateVialVolume. Callers that overwrite a
    volume append a VialAdjustment alongside it. Read-modify-write of one
    vial reads it through LockVial first.
  - Checks are upserted per (day, check type) and never deleted.

ATOMICITY:
  WithTx runs fn against a transaction-scoped Store. Every read the planner
  needs goes through that Store so the plan and the writes see one snapshot.
  fn returning an error rolls back everything.

LOCKING:
  TxOptions.LockKeys are acquired inside the transaction (PostgreSQL
  advisory locks, SQLite IMMEDIATE transactions) and held until commit.

SEE ALSO:
  - store/sqlstore/store.go: SQL implementation
  - inventory/store/memory.go: In-memory implementation for tests
*/
package inventory

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the ledger persistence surface.
type Store interface {
	// Vials
	CreateVial(ctx context.Context, v *Vial) error
	GetVial(ctx context.Context, id VialID) (*Vial, error)
	GetVialByLabel(ctx context.Context, label string) (*Vial, error)
	// LockVial re-reads a vial and holds its row until the transaction ends.
	LockVial(ctx context.Context, id VialID) (*Vial, error)
	ListVials(ctx context.Context, f VialFilter) ([]Vial, error)
	UpdateVialVolume(ctx context.Context, u VolumeUpdate) error
	NextVialLabel(ctx context.Context) (string, error)

	// Dispenses
	CreateDispense(ctx context.Context, d *Dispense) error
	ListDispenses(ctx context.Context, pool PoolID) ([]Dispense, error)
	ReassignDispense(ctx context.Context, r Reassignment) error
	ListReassignments(ctx context.Context, dispenseID DispenseID) ([]Reassignment, error)

	// Audit
	AppendAdjustment(ctx context.Context, a VialAdjustment) error
	ListAdjustments(ctx context.Context, vialID VialID) ([]VialAdjustment, error)

	// Checks
	UpsertCheck(ctx context.Context, c *CheckRecord) error
	GetCheck(ctx context.Context, day Day, t CheckType) (*CheckRecord, error)
	ListChecksSince(ctx context.Context, from Day) ([]CheckRecord, error)
}

// TxOptions configures WithTx.
type TxOptions struct {
	// LockKeys are serialized across processes for the life of the transaction.
	LockKeys []string
	// ReadOnly hints that fn performs no writes.
	ReadOnly bool
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, opts TxOptions, fn func(Store) error) error
}

// PoolLockKey is the cross-process lock key for reconciliation of a pool.
func PoolLockKey(id PoolID) string { return "pool:" + string(id) }

// LabelLockKey serializes label generation.
const LabelLockKey = "vial-labels"

// =============================================================================
// COLLABORATORS
// =============================================================================

// Metrics receives engine outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveReconcile(pool PoolID, committed bool, reassignments int, err error)
	ObserveCheck(t CheckType, status CheckStatus)
	ObserveAdjustment(pool PoolID, vialsChanged int)
	SetPoolVolume(pool PoolID, activeVials int, totalML decimal.Decimal)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveReconcile(PoolID, bool, int, error) {}
func (NopMetrics) ObserveCheck(CheckType, CheckStatus) {}
func (NopMetrics) ObserveAdjustment(PoolID, int) {}
func (NopMetrics) SetPoolVolume(PoolID, int, decimal.Decimal) {}

// Archiver stores committed reports outside the database.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) error
}
