package postgres

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/warp/controlled-inventory/inventory"
)

func TestDialect(t *testing.T) {
	d := Dialect()

	assert.Equal(t, " FOR UPDATE", d.RowLock, "dispense decrements must lock the vial row")
	assert.Equal(t, sql.LevelReadCommitted, d.TxOptions(inventory.TxOptions{}).Isolation)
	assert.True(t, d.TxOptions(inventory.TxOptions{ReadOnly: true}).ReadOnly)

	assert.True(t, d.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, d.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, d.IsUniqueViolation(errors.New("boom")))
}
