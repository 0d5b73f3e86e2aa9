/*
Package sqlite provides the SQLite-backed inventory store.

PURPOSE:
  Single-file deployment and tests. Queries live in store/sqlstore; this
  package owns the connection settings, schema and dialect.

CONCURRENCY:
  Transactions begin IMMEDIATE (_txlock=immediate), so a writer holds the
  database lock from BEGIN to COMMIT. With one open connection that makes
  every WithTx call exclusive and TxOptions.LockKeys need no extra work.

WAL MODE:
  Opened with WAL so readers outside a transaction don't block on the
  writer.

USAGE:
  store, err := sqlite.New("./data/inventory.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/controlled-inventory/inventory"
	"github.com/warp/controlled-inventory/store/sqlstore"
)

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and serializes writers.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return sqlstore.New(db, Dialect()), nil
}

// Dialect returns the SQLite query dialect.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		TxOptions: func(inventory.TxOptions) *sql.TxOptions { return nil },
		IsUniqueViolation: func(err error) bool {
			var se sqlite3.Error
			if errors.As(err, &se) {
				return se.ExtendedCode == sqlite3.ErrConstraintUnique
			}
			return false
		},
	}
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schema = `
	-- Vial ledger
	CREATE TABLE IF NOT EXISTS vials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL UNIQUE,
		pool_id TEXT NOT NULL,
		size_ml TEXT NOT NULL,
		remaining_ml TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		lot_number TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP,
		notes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_vials_pool_fifo
		ON vials(pool_id, received_at, label);

	-- Dispense ledger (amounts immutable)
	CREATE TABLE IF NOT EXISTS dispenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pool_id TEXT NOT NULL,
		vial_id INTEGER NOT NULL REFERENCES vials(id),
		dispensed_ml TEXT NOT NULL,
		waste_ml TEXT NOT NULL DEFAULT '0',
		dispensed_at TIMESTAMP NOT NULL,
		subject_ref TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dispenses_pool_fifo
		ON dispenses(pool_id, dispensed_at, id);

	-- Attribution audit
	CREATE TABLE IF NOT EXISTS dispense_reassignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dispense_id INTEGER NOT NULL REFERENCES dispenses(id),
		from_vial_id INTEGER NOT NULL,
		from_label TEXT NOT NULL,
		to_vial_id INTEGER NOT NULL,
		to_label TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reassignments_dispense
		ON dispense_reassignments(dispense_id);

	-- Volume overwrite audit
	CREATE TABLE IF NOT EXISTS vial_adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vial_id INTEGER NOT NULL REFERENCES vials(id),
		label TEXT NOT NULL,
		before_ml TEXT NOT NULL,
		after_ml TEXT NOT NULL,
		reason TEXT NOT NULL,
		adjusted_by TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_vial
		ON vial_adjustments(vial_id);

	-- Physical count checks, one per operational day and shift
	CREATE TABLE IF NOT EXISTS controlled_substance_checks (
		id TEXT PRIMARY KEY,
		check_date TEXT NOT NULL,
		check_type TEXT NOT NULL CHECK (check_type IN ('morning', 'evening')),
		performed_by TEXT NOT NULL,
		performed_by_name TEXT NOT NULL DEFAULT '',
		performed_at TIMESTAMP NOT NULL,
		pool_counts TEXT NOT NULL DEFAULT '[]',
		discrepancy_found BOOLEAN NOT NULL DEFAULT FALSE,
		notes TEXT NOT NULL DEFAULT '',
		discrepancy_notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMP,
		resolution_notes TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(check_date, check_type)
	);
`
