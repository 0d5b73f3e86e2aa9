/*
Package postgres provides the PostgreSQL-backed inventory store.

PURPOSE:
  Multi-process deployments. Connections come from a pgxpool.Pool exposed
  to database/sql through pgx's stdlib adapter, so the sqlstore queries run
  unchanged.

CONCURRENCY:
  TxOptions.LockKeys become transaction-scoped advisory locks
  (pg_advisory_xact_lock), released automatically on commit or rollback.
  Transactions run at READ COMMITTED: under REPEATABLE READ the snapshot
  would be taken by the lock statement itself, before the previous holder
  committed. Single-vial read-modify-write (dispense decrements) reads the
  row FOR UPDATE, so concurrent dispenses on one vial queue on the row.
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/warp/controlled-inventory/inventory"
	"github.com/warp/controlled-inventory/store/sqlstore"
)

const uniqueViolation = "23505"

// Config holds connection settings.
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config) (*sqlstore.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return sqlstore.New(db, Dialect()), nil
}

// Dialect returns the PostgreSQL query dialect.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Lock: func(ctx context.Context, tx *sqlx.Tx, key string) error {
			_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
			return err
		},
		TxOptions: func(opts inventory.TxOptions) *sql.TxOptions {
			return &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: opts.ReadOnly}
		},
		IsUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
		},
		RowLock: " FOR UPDATE",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS vials (
    id BIGSERIAL PRIMARY KEY,
    label TEXT NOT NULL UNIQUE,
    pool_id TEXT NOT NULL,
    size_ml NUMERIC(10,3) NOT NULL CHECK (size_ml > 0),
    remaining_ml NUMERIC(10,3) NOT NULL CHECK (remaining_ml >= 0 AND remaining_ml <= size_ml),
    received_at TIMESTAMPTZ NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    lot_number TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ,
    notes TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vials_pool_fifo ON vials(pool_id, received_at, label);

CREATE TABLE IF NOT EXISTS dispenses (
    id BIGSERIAL PRIMARY KEY,
    pool_id TEXT NOT NULL,
    vial_id BIGINT NOT NULL REFERENCES vials(id),
    dispensed_ml NUMERIC(10,3) NOT NULL CHECK (dispensed_ml >= 0),
    waste_ml NUMERIC(10,3) NOT NULL DEFAULT 0 CHECK (waste_ml >= 0),
    dispensed_at TIMESTAMPTZ NOT NULL,
    subject_ref TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispenses_pool_fifo ON dispenses(pool_id, dispensed_at, id);

CREATE TABLE IF NOT EXISTS dispense_reassignments (
    id BIGSERIAL PRIMARY KEY,
    dispense_id BIGINT NOT NULL REFERENCES dispenses(id),
    from_vial_id BIGINT NOT NULL,
    from_label TEXT NOT NULL,
    to_vial_id BIGINT NOT NULL,
    to_label TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reassignments_dispense ON dispense_reassignments(dispense_id);

CREATE TABLE IF NOT EXISTS vial_adjustments (
    id BIGSERIAL PRIMARY KEY,
    vial_id BIGINT NOT NULL REFERENCES vials(id),
    label TEXT NOT NULL,
    before_ml NUMERIC(10,3) NOT NULL,
    after_ml NUMERIC(10,3) NOT NULL,
    reason TEXT NOT NULL,
    adjusted_by TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adjustments_vial ON vial_adjustments(vial_id);

CREATE TABLE IF NOT EXISTS controlled_substance_checks (
    id TEXT PRIMARY KEY,
    check_date TEXT NOT NULL,
    check_type TEXT NOT NULL CHECK (check_type IN ('morning', 'evening')),
    performed_by TEXT NOT NULL,
    performed_by_name TEXT NOT NULL DEFAULT '',
    performed_at TIMESTAMPTZ NOT NULL,
    pool_counts JSONB NOT NULL DEFAULT '[]',
    discrepancy_found BOOLEAN NOT NULL DEFAULT FALSE,
    notes TEXT NOT NULL DEFAULT '',
    discrepancy_notes TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    resolved_by TEXT NOT NULL DEFAULT '',
    resolved_at TIMESTAMPTZ,
    resolution_notes TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (check_date, check_type)
);
`
