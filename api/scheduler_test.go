package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/controlled-inventory/inventory"
)

func TestAuditScheduler_RunOnceReportsDriftAndErrors(t *testing.T) {
	// GIVEN: A pool with pending reassignments and a pool with no stock
	// WHEN: Running one audit pass
	// THEN: Drift is reported per pool and nothing is committed

	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadSplitEventScenario(ctx))

	s := NewAuditScheduler(h.Engine, zerolog.Nop())
	results := s.RunOnce(ctx)

	require.Len(t, results, 2)
	assert.Equal(t, inventory.PoolID("cb-30ml"), results[0].PoolID)
	assert.Equal(t, 2, results[0].Reassignments)
	assert.Equal(t, 1, results[0].ChangedVials)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, inventory.PoolID("toprx-10ml"), results[1].PoolID)
	assert.Zero(t, results[1].Reassignments)

	v2, err := h.Store.GetVialByLabel(ctx, "V0002")
	require.NoError(t, err)
	assert.True(t, v2.RemainingML.Equal(inventory.ML(30)), "audit must not commit")

	assert.Equal(t, results, s.LastResults())
}

func TestAuditScheduler_AccountingErrorIsRecorded(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadOverdrawScenario(ctx))

	results := NewAuditScheduler(h.Engine, zerolog.Nop()).RunOnce(ctx)

	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Error, "shortfall")
}

func TestAuditScheduler_StartStop(t *testing.T) {
	h := setupTestHandler(t)
	s := NewAuditScheduler(h.Engine, zerolog.Nop())
	s.Interval = time.Hour

	s.Start()
	require.Eventually(t, func() bool { return len(s.LastResults()) == 2 }, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestAuditScheduler_Disabled(t *testing.T) {
	h := setupTestHandler(t)
	s := NewAuditScheduler(h.Engine, zerolog.Nop())
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Empty(t, s.LastResults())
}

func TestListAudits(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/audits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	s.handler.Audits = NewAuditScheduler(s.handler.Engine, zerolog.Nop())
	s.handler.Audits.RunOnce(context.Background())

	rec = s.do(t, http.MethodGet, "/api/audits", nil)
	assert.Len(t, decode[[]AuditResult](t, rec), 2)
}
