package inventory_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/controlled-inventory/inventory"
)

func counts(cbFull int, cbPartial float64, rxFull int, rxPartial float64) []inventory.PhysicalCount {
	return []inventory.PhysicalCount{
		{PoolID: "cb-30ml", FullVials: cbFull, PartialML: inventory.ML(cbPartial)},
		{PoolID: "toprx-10ml", FullVials: rxFull, PartialML: inventory.ML(rxPartial)},
	}
}

// =============================================================================
// CLASSIFY
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		system    float64
		physical  float64
		diff      float64
		found     bool
		autoWaste bool
	}{
		{"exact match", 30, 30, 0, false, false},
		{"small loss", 28.3, 27.9, 0.4, false, true},
		{"at threshold", 30, 28, 2, false, true},
		{"just over threshold", 30, 27.9, 2.1, true, false},
		{"surplus over threshold", 50, 52.5, -2.5, true, false},
		{"small surplus", 10, 10.5, -0.5, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := inventory.Classify(inventory.ML(tt.system), inventory.ML(tt.physical), inventory.DiscrepancyThresholdML)

			assert.Equal(t, tt.found, c.DiscrepancyFound)
			assert.Equal(t, tt.autoWaste, c.AutoWaste)
			assertML(t, tt.diff, c.DiscrepancyML)
		})
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitCheck_DiscrepancyAboveThresholdIsFlagged(t *testing.T) {
	// GIVEN: CB pool holds 52.5ml (one full, one at 22.5)
	// WHEN: Staff count 1 full + 20ml
	// THEN: Discrepancy of 2.5ml, status discrepancy_flagged

	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))
	f.receive("V0002", "cb-30ml", 30, day(2))
	f.dispense("V0001", 7.5, day(3))

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType:   inventory.CheckMorning,
		PerformedBy: "nurse-1",
		Counts:      counts(1, 20, 0, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, inventory.Day("2025-06-10"), rec.Day)
	assert.True(t, rec.DiscrepancyFound)
	assert.Equal(t, inventory.StatusDiscrepancyFlagged, rec.Status)

	cb, ok := rec.Pool("cb-30ml")
	require.True(t, ok)
	assertML(t, 52.5, cb.SystemML)
	assertML(t, 50, cb.PhysicalML)
	assertML(t, 2.5, cb.DiscrepancyML)
	assert.Equal(t, 2, cb.SystemVials)

	rx, ok := rec.Pool("toprx-10ml")
	require.True(t, ok)
	assert.False(t, rx.DiscrepancyFound)
}

func TestSubmitCheck_SmallGapGetsAutoWasteNote(t *testing.T) {
	// GIVEN: CB pool holds 28.3ml
	// WHEN: Staff count 27.9ml
	// THEN: No discrepancy; the 0.4ml gap is noted as auto-waste

	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))
	f.dispense("V0001", 1.7, day(2))

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType:   inventory.CheckEvening,
		PerformedBy: "nurse-1",
		Counts:      counts(0, 27.9, 0, 0),
		Notes:       "all good",
	})
	require.NoError(t, err)

	assert.False(t, rec.DiscrepancyFound)
	assert.Equal(t, inventory.StatusCompleted, rec.Status)
	assert.Equal(t, "all good | CB 30ml auto-waste: 0.4ml (within threshold)", rec.Notes)
}

func TestSubmitCheck_ExplanationMarksResolved(t *testing.T) {
	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType:        inventory.CheckMorning,
		PerformedBy:      "nurse-1",
		Counts:           counts(0, 25, 0, 0),
		DiscrepancyNotes: "vial dropped, witnessed by J.",
	})
	require.NoError(t, err)

	assert.True(t, rec.DiscrepancyFound)
	assert.Equal(t, inventory.StatusDiscrepancyResolved, rec.Status)
}

func TestSubmitCheck_ResubmitOverwritesInPlace(t *testing.T) {
	// GIVEN: A morning check already recorded today
	// WHEN: Submitting the morning check again
	// THEN: Same record id; new counts replace the old

	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))

	first, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "nurse-1", Counts: counts(0, 20, 0, 0),
	})
	require.NoError(t, err)
	assert.True(t, first.DiscrepancyFound)

	f.now = f.now.Add(30 * time.Minute)
	second, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "nurse-2", Counts: counts(1, 0, 0, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	stored, err := f.store.GetCheck(f.ctx, second.Day, inventory.CheckMorning)
	require.NoError(t, err)
	assert.Equal(t, "nurse-2", stored.PerformedBy)
	assert.Equal(t, inventory.StatusCompleted, stored.Status)

	history, err := f.engine.CheckHistory(f.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSubmitCheck_SnapshotIsNotRecomputed(t *testing.T) {
	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "nurse-1", Counts: counts(1, 0, 0, 0),
	})
	require.NoError(t, err)

	f.dispense("V0001", 10, f.now)

	stored, err := f.store.GetCheck(f.ctx, rec.Day, inventory.CheckMorning)
	require.NoError(t, err)
	cb, _ := stored.Pool("cb-30ml")
	assertML(t, 30, cb.SystemML)
}

func TestSubmitCheck_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input inventory.CheckInput
	}{
		{"bad check type", inventory.CheckInput{CheckType: "noon", PerformedBy: "n", Counts: counts(0, 0, 0, 0)}},
		{"missing performer", inventory.CheckInput{CheckType: inventory.CheckMorning, Counts: counts(0, 0, 0, 0)}},
		{"no counts", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n"}},
		{"negative full vials", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n", Counts: counts(-1, 0, 0, 0)}},
		{"negative partial", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n", Counts: counts(0, -0.5, 0, 0)}},
		{"partial larger than a vial", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n", Counts: counts(0, 31, 0, 0)}},
		{"missing pool", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n", Counts: counts(0, 0, 0, 0)[:1]}},
		{"unknown pool", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n", Counts: append(counts(0, 0, 0, 0), inventory.PhysicalCount{PoolID: "x"})}},
		{"duplicate pool", inventory.CheckInput{CheckType: inventory.CheckMorning, PerformedBy: "n", Counts: append(counts(0, 0, 0, 0), inventory.PhysicalCount{PoolID: "cb-30ml"})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.engine.SubmitCheck(f.ctx, tt.input)

			require.Error(t, err)
			assert.True(t, errors.Is(err, inventory.ErrValidation), "got %v", err)
			history, herr := f.engine.CheckHistory(f.ctx, 7)
			require.NoError(t, herr)
			assert.Empty(t, history)
		})
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func TestTodayCheckStatus_GatesDispensing(t *testing.T) {
	f := newFixture(t)

	st, err := f.engine.TodayCheckStatus(f.ctx, inventory.CheckMorning)
	require.NoError(t, err)
	assert.False(t, st.Completed)
	assert.True(t, st.RequiredBeforeDispensing)
	assert.Nil(t, st.Check)

	_, err = f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "nurse-1", Counts: counts(0, 0, 0, 0),
	})
	require.NoError(t, err)

	st, err = f.engine.TodayCheckStatus(f.ctx, inventory.CheckMorning)
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.False(t, st.RequiredBeforeDispensing)
	require.NotNil(t, st.Check)

	evening, err := f.engine.TodayCheckStatus(f.ctx, inventory.CheckEvening)
	require.NoError(t, err)
	assert.False(t, evening.Completed)
}

func TestTodayCheckStatus_UsesOperationalTimezone(t *testing.T) {
	// GIVEN: 03:00 UTC on June 11, which is still June 10 in Denver
	// WHEN: Submitting a check
	// THEN: It belongs to June 10

	f := newFixture(t)
	f.now = time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC)

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckEvening, PerformedBy: "nurse-1", Counts: counts(0, 0, 0, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, inventory.Day("2025-06-10"), rec.Day)
}

func TestCheckHistory_NewestFirst(t *testing.T) {
	f := newFixture(t)
	submit := func(at time.Time, ct inventory.CheckType) {
		f.now = at
		_, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
			CheckType: ct, PerformedBy: "nurse-1", Counts: counts(0, 0, 0, 0),
		})
		require.NoError(t, err)
	}
	submit(time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC), inventory.CheckMorning)
	submit(time.Date(2025, 6, 8, 15, 0, 0, 0, time.UTC), inventory.CheckMorning)
	submit(time.Date(2025, 6, 9, 15, 0, 0, 0, time.UTC), inventory.CheckMorning)
	submit(time.Date(2025, 6, 9, 23, 0, 0, 0, time.UTC), inventory.CheckEvening)
	f.now = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

	history, err := f.engine.CheckHistory(f.ctx, 7)
	require.NoError(t, err)

	require.Len(t, history, 3)
	assert.Equal(t, inventory.CheckEvening, history[0].CheckType)
	assert.Equal(t, inventory.Day("2025-06-09"), history[1].Day)
	assert.Equal(t, inventory.Day("2025-06-08"), history[2].Day)

	_, err = f.engine.CheckHistory(f.ctx, 0)
	assert.True(t, errors.Is(err, inventory.ErrValidation))
}

// =============================================================================
// RESOLVE + SUMMARY
// =============================================================================

func TestResolveCheck(t *testing.T) {
	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "nurse-1", Counts: counts(0, 20, 0, 0),
	})
	require.NoError(t, err)
	require.Equal(t, inventory.StatusDiscrepancyFlagged, rec.Status)

	resolved, err := f.engine.ResolveCheck(f.ctx, rec.Day, inventory.CheckMorning, "supervisor", "recount found a vial")
	require.NoError(t, err)

	assert.Equal(t, inventory.StatusDiscrepancyResolved, resolved.Status)
	assert.Equal(t, "supervisor", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "recount found a vial", resolved.DiscrepancyNotes)

	_, err = f.engine.ResolveCheck(f.ctx, rec.Day, inventory.CheckMorning, "supervisor", "again")
	assert.True(t, errors.Is(err, inventory.ErrValidation))

	_, err = f.engine.ResolveCheck(f.ctx, rec.Day, inventory.CheckEvening, "supervisor", "none")
	assert.True(t, inventory.IsNotFound(err))
}

func TestDailySummary(t *testing.T) {
	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))

	_, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "n1", PerformedByName: "Nurse One", Counts: counts(1, 0, 0, 0),
	})
	require.NoError(t, err)

	sum, err := f.engine.DailySummary(f.ctx, f.engine.Today())
	require.NoError(t, err)

	assert.True(t, sum.Morning.Completed)
	assert.Equal(t, "Nurse One", sum.Morning.PerformedBy)
	assert.Equal(t, inventory.StatusCompleted, sum.Morning.Status)
	assert.False(t, sum.Evening.Completed)
	require.Len(t, sum.Inventory, 2)
	assertML(t, 30, sum.Inventory[0].TotalML)
}

func TestFormatCheck(t *testing.T) {
	f := newFixture(t)
	f.receive("V0001", "cb-30ml", 30, day(1))

	rec, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType: inventory.CheckMorning, PerformedBy: "n1", PerformedByName: "Nurse One", Counts: counts(0, 27, 0, 0),
	})
	require.NoError(t, err)

	text := inventory.FormatCheck(rec, f.loc)

	assert.Contains(t, text, "Morning Controlled Substance Check - 2025-06-10")
	assert.Contains(t, text, "By: Nurse One at 9:00 AM")
	assert.Contains(t, text, "Physical: 0 full + 27.0ml partial = 27.0ml")
	assert.Contains(t, text, "Discrepancy: +3.0ml")
	assert.Equal(t, 1, strings.Count(text, "Discrepancy:"))
}

func TestSubmitCheck_RejectsPartialFinerThanStoredPrecision(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SubmitCheck(f.ctx, inventory.CheckInput{
		CheckType:   inventory.CheckMorning,
		PerformedBy: "nurse-1",
		Counts: []inventory.PhysicalCount{
			{PoolID: "cb-30ml", PartialML: inventory.MustML("12.3456")},
			{PoolID: "toprx-10ml"},
		},
	})

	var ve *inventory.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "counts.partial_ml", ve.Field)
}
