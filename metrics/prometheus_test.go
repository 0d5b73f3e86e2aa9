package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/controlled-inventory/inventory"
)

func TestPrometheus_RecordsOutcomes(t *testing.T) {
	p := New()

	p.ObserveReconcile("cb-30ml", true, 2, nil)
	p.ObserveReconcile("cb-30ml", false, 0, &inventory.AccountingError{PoolID: "cb-30ml"})
	p.ObserveReconcile("cb-30ml", false, 0, &inventory.TransactionError{Op: "reconcile", Err: errors.New("db down")})
	p.ObserveCheck(inventory.CheckMorning, inventory.StatusDiscrepancyFlagged)
	p.ObserveAdjustment("toprx-10ml", 3)
	p.SetPoolVolume("cb-30ml", 2, inventory.MustML("48.5"))

	assert.Equal(t, 1.0, testutil.ToFloat64(p.reconciles.WithLabelValues("cb-30ml", "true", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reconciles.WithLabelValues("cb-30ml", "false", "accounting_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reconciles.WithLabelValues("cb-30ml", "false", "transaction_failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.reassignments.WithLabelValues("cb-30ml", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.checks.WithLabelValues("morning", "discrepancy_flagged")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.adjustments.WithLabelValues("toprx-10ml")))
	assert.Equal(t, 48.5, testutil.ToFloat64(p.volume.WithLabelValues("cb-30ml")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := New()
	p.SetPoolVolume("cb-30ml", 1, inventory.ML(30))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `controlled_inventory_remaining_ml{pool="cb-30ml"} 30`))
}
