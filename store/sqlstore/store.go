/*
Package sqlstore implements inventory.TxStore on top of database/sql via sqlx.

PURPOSE:
  One query layer shared by the SQLite and PostgreSQL backends. Queries are
  written with ? placeholders and rebound for the driver, so the only
  per-database code is the schema and the Dialect.

KEY TABLES:
  vials:                   vial ledger, label UNIQUE
  dispenses:               dispense ledger, amounts never updated
  dispense_reassignments:  audit of vial_id changes on dispenses
  vial_adjustments:        audit of remaining_ml overwrites
  controlled_substance_checks: one row per (check_date, check_type)

VALUE ENCODING:
  Volumes are decimal.Decimal (TEXT in SQLite, NUMERIC in PostgreSQL).
  Timestamps are written in UTC. check_date is a YYYY-MM-DD string so
  ordering and range filters work the same on both databases. Per-pool check
  snapshots live in one JSON column (inventory.PoolCounts).

TRANSACTIONS:
  WithTx opens a transaction, takes the Dialect's lock for every
  TxOptions.LockKeys entry, then hands fn a Store bound to that transaction.
  All reads inside fn go through the transaction.

SEE ALSO:
  - store/sqlite: SQLite schema and dialect
  - store/postgres: PostgreSQL schema and dialect
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/controlled-inventory/inventory"
)

// Dialect captures what differs between databases.
type Dialect struct {
	// Lock serializes key for the life of tx. Nil means the transaction
	// itself is already exclusive.
	Lock func(ctx context.Context, tx *sqlx.Tx, key string) error
	// TxOptions maps engine options to driver options.
	TxOptions func(opts inventory.TxOptions) *sql.TxOptions
	// IsUniqueViolation recognizes a unique constraint failure.
	IsUniqueViolation func(err error) bool
	// RowLock is appended to single-row reads that precede a write.
	RowLock string
}

// Store implements inventory.TxStore.
type Store struct {
	*queries
	db      *sqlx.DB
	dialect Dialect
}

var _ inventory.TxStore = (*Store)(nil)

// New wraps an open, migrated database.
func New(db *sqlx.DB, d Dialect) *Store {
	return &Store{
		queries: &queries{q: db, dialect: d},
		db:      db,
		dialect: d,
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// resetOrder deletes children before parents.
var resetOrder = []string{
	"dispense_reassignments",
	"vial_adjustments",
	"dispenses",
	"vials",
	"controlled_substance_checks",
}

// Reset deletes every row. Used by demo scenarios in development.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range resetOrder {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, opts inventory.TxOptions, fn func(inventory.Store) error) error {
	var txOpts *sql.TxOptions
	if s.dialect.TxOptions != nil {
		txOpts = s.dialect.TxOptions(opts)
	}
	tx, err := s.db.BeginTxx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.dialect.Lock != nil {
		keys := append([]string(nil), opts.LockKeys...)
		sort.Strings(keys)
		for _, k := range keys {
			if err := s.dialect.Lock(ctx, tx, k); err != nil {
				return fmt.Errorf("failed to lock %s: %w", k, err)
			}
		}
	}

	if err := fn(&queries{q: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// queries runs every statement against either the database or a transaction.
type queries struct {
	q       sqlx.ExtContext
	dialect Dialect
}

func (s *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, s.q, dest, s.q.Rebind(query), args...)
}

func (s *queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, s.q, dest, s.q.Rebind(query), args...)
}

func (s *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.q.Rebind(query), args...)
}

func (s *queries) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := s.q.QueryRowxContext(ctx, s.q.Rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

func (s *queries) unique(err error) bool {
	return s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err)
}

// =============================================================================
// VIALS
// =============================================================================

const vialColumns = `id, label, pool_id, size_ml, remaining_ml, received_at, active,
	lot_number, expires_at, notes, updated_at`

func (s *queries) CreateVial(ctx context.Context, v *inventory.Vial) error {
	id, err := s.insertID(ctx, `
		INSERT INTO vials
		(label, pool_id, size_ml, remaining_ml, received_at, active, lot_number, expires_at, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.Label, v.PoolID, v.SizeML, v.RemainingML, v.ReceivedAt.UTC(), v.Active,
		v.LotNumber, utcPtr(v.ExpiresAt), v.Notes, v.UpdatedAt.UTC(),
	)
	if err != nil {
		if s.unique(err) {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateLabel, v.Label)
		}
		return fmt.Errorf("failed to insert vial: %w", err)
	}
	v.ID = inventory.VialID(id)
	return nil
}

func (s *queries) GetVial(ctx context.Context, id inventory.VialID) (*inventory.Vial, error) {
	var v inventory.Vial
	err := s.get(ctx, &v, `SELECT `+vialColumns+` FROM vials WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vial: %w", err)
	}
	return &v, nil
}

func (s *queries) LockVial(ctx context.Context, id inventory.VialID) (*inventory.Vial, error) {
	var v inventory.Vial
	err := s.get(ctx, &v, `SELECT `+vialColumns+` FROM vials WHERE id = ?`+s.dialect.RowLock, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock vial: %w", err)
	}
	return &v, nil
}

func (s *queries) GetVialByLabel(ctx context.Context, label string) (*inventory.Vial, error) {
	var v inventory.Vial
	err := s.get(ctx, &v, `SELECT `+vialColumns+` FROM vials WHERE label = ?`, label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", inventory.ErrVialNotFound, label)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vial: %w", err)
	}
	return &v, nil
}

func (s *queries) ListVials(ctx context.Context, f inventory.VialFilter) ([]inventory.Vial, error) {
	var (
		where []string
		args  []any
	)
	if f.PoolID != "" {
		where = append(where, "pool_id = ?")
		args = append(args, f.PoolID)
	}
	if !f.IncludeEmpty {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	query := `SELECT ` + vialColumns + ` FROM vials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at ASC, label ASC"

	out := []inventory.Vial{}
	if err := s.sel(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list vials: %w", err)
	}
	return out, nil
}

// UpdateVialVolume checks the bound against size_ml in Go; SQLite stores
// volumes as TEXT and cannot compare them numerically.
func (s *queries) UpdateVialVolume(ctx context.Context, u inventory.VolumeUpdate) error {
	var size decimal.Decimal
	err := s.get(ctx, &size, `SELECT size_ml FROM vials WHERE id = ?`, u.VialID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", inventory.ErrVialNotFound, u.VialID)
	}
	if err != nil {
		return fmt.Errorf("failed to get vial %d: %w", u.VialID, err)
	}
	if u.RemainingML.IsNegative() || u.RemainingML.GreaterThan(size) {
		return fmt.Errorf("vial %d: remaining %s outside [0, %s]", u.VialID, u.RemainingML, size)
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.exec(ctx, `
		UPDATE vials SET remaining_ml = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		u.RemainingML, u.Active, updatedAt.UTC(), u.VialID,
	)
	if err != nil {
		return fmt.Errorf("failed to update vial %d: %w", u.VialID, err)
	}
	return nil
}

func (s *queries) NextVialLabel(ctx context.Context) (string, error) {
	var labels []string
	if err := s.sel(ctx, &labels, `SELECT label FROM vials WHERE label LIKE 'V%'`); err != nil {
		return "", fmt.Errorf("failed to scan labels: %w", err)
	}
	highest := 0
	for _, l := range labels {
		var n int
		if _, err := fmt.Sscanf(l, "V%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("V%04d", highest+1), nil
}

// =============================================================================
// DISPENSES
// =============================================================================

func (s *queries) CreateDispense(ctx context.Context, d *inventory.Dispense) error {
	id, err := s.insertID(ctx, `
		INSERT INTO dispenses
		(pool_id, vial_id, dispensed_ml, waste_ml, dispensed_at, subject_ref, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.PoolID, d.VialID, d.DispensedML, d.WasteML, d.DispensedAt.UTC(),
		d.SubjectRef, d.CreatedBy, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispense: %w", err)
	}
	d.ID = inventory.DispenseID(id)
	return nil
}

func (s *queries) ListDispenses(ctx context.Context, pool inventory.PoolID) ([]inventory.Dispense, error) {
	out := []inventory.Dispense{}
	err := s.sel(ctx, &out, `
		SELECT d.id, d.pool_id, d.vial_id, v.label AS vial_label, d.dispensed_ml, d.waste_ml,
		       d.dispensed_at, d.subject_ref, d.created_by, d.created_at
		FROM dispenses d
		JOIN vials v ON v.id = d.vial_id
		WHERE d.pool_id = ?
		ORDER BY d.dispensed_at ASC, d.id ASC`, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispenses: %w", err)
	}
	return out, nil
}

func (s *queries) ReassignDispense(ctx context.Context, r inventory.Reassignment) error {
	res, err := s.exec(ctx, `UPDATE dispenses SET vial_id = ? WHERE id = ? AND vial_id = ?`,
		r.ToVialID, r.DispenseID, r.FromVialID)
	if err != nil {
		return fmt.Errorf("failed to reassign dispense %d: %w", r.DispenseID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dispense %d is no longer attributed to vial %d", r.DispenseID, r.FromVialID)
	}
	_, err = s.exec(ctx, `
		INSERT INTO dispense_reassignments
		(dispense_id, from_vial_id, from_label, to_vial_id, to_label, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DispenseID, r.FromVialID, r.FromLabel, r.ToVialID, r.ToLabel, r.RunID, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record reassignment: %w", err)
	}
	return nil
}

func (s *queries) ListReassignments(ctx context.Context, id inventory.DispenseID) ([]inventory.Reassignment, error) {
	out := []inventory.Reassignment{}
	err := s.sel(ctx, &out, `
		SELECT dispense_id, from_vial_id, from_label, to_vial_id, to_label, run_id, created_at
		FROM dispense_reassignments
		WHERE dispense_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list reassignments: %w", err)
	}
	return out, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *queries) AppendAdjustment(ctx context.Context, a inventory.VialAdjustment) error {
	_, err := s.insertID(ctx, `
		INSERT INTO vial_adjustments
		(vial_id, label, before_ml, after_ml, reason, adjusted_by, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.VialID, a.Label, a.BeforeML, a.AfterML, a.Reason, a.AdjustedBy, a.RunID, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append adjustment: %w", err)
	}
	return nil
}

func (s *queries) ListAdjustments(ctx context.Context, id inventory.VialID) ([]inventory.VialAdjustment, error) {
	out := []inventory.VialAdjustment{}
	err := s.sel(ctx, &out, `
		SELECT id, vial_id, label, before_ml, after_ml, reason, adjusted_by, run_id, created_at
		FROM vial_adjustments
		WHERE vial_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjustments: %w", err)
	}
	return out, nil
}

// =============================================================================
// CHECKS
// =============================================================================

const checkColumns = `id, check_date, check_type, performed_by, performed_by_name, performed_at,
	pool_counts, discrepancy_found, notes, discrepancy_notes, status,
	resolved_by, resolved_at, resolution_notes, updated_at`

// UpsertCheck inserts or overwrites the row for (Day, CheckType) in one
// statement, so concurrent submissions resolve to last write wins. The
// existing id is kept and copied back onto c.
func (s *queries) UpsertCheck(ctx context.Context, c *inventory.CheckRecord) error {
	var id string
	err := s.q.QueryRowxContext(ctx, s.q.Rebind(`
		INSERT INTO controlled_substance_checks (`+checkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(check_date, check_type) DO UPDATE SET
			performed_by = excluded.performed_by,
			performed_by_name = excluded.performed_by_name,
			performed_at = excluded.performed_at,
			pool_counts = excluded.pool_counts,
			discrepancy_found = excluded.discrepancy_found,
			notes = excluded.notes,
			discrepancy_notes = excluded.discrepancy_notes,
			status = excluded.status,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at,
			resolution_notes = excluded.resolution_notes,
			updated_at = excluded.updated_at
		RETURNING id`),
		c.ID, c.Day, c.CheckType, c.PerformedBy, c.PerformedByName, c.PerformedAt.UTC(),
		c.Pools, c.DiscrepancyFound, c.Notes, c.DiscrepancyNotes, c.Status,
		c.ResolvedBy, utcPtr(c.ResolvedAt), c.ResolutionNotes, c.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to upsert check: %w", err)
	}
	c.ID = id
	return nil
}

func (s *queries) GetCheck(ctx context.Context, day inventory.Day, t inventory.CheckType) (*inventory.CheckRecord, error) {
	var c inventory.CheckRecord
	err := s.get(ctx, &c, `SELECT `+checkColumns+` FROM controlled_substance_checks
		WHERE check_date = ? AND check_type = ?`, day, t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", inventory.ErrCheckNotFound, day, t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get check: %w", err)
	}
	return &c, nil
}

func (s *queries) ListChecksSince(ctx context.Context, from inventory.Day) ([]inventory.CheckRecord, error) {
	out := []inventory.CheckRecord{}
	err := s.sel(ctx, &out, `SELECT `+checkColumns+` FROM controlled_substance_checks
		WHERE check_date >= ?
		ORDER BY check_date DESC, performed_at DESC`, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list checks: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
