/*
check.go - Physical count reconciliation

PURPOSE:
  Staff count each pool (full vials + ml in the open vial). The engine
  snapshots the ledger's system totals at that instant, computes
  discrepancy = system - physical per pool, classifies it, and upserts one
  audit record per (operational day, check type).

CLASSIFICATION (pure, see Classify):
  |d| <= 2.0 ml   not a discrepancy. A non-zero gap gets an auto-waste note
                  so small expected losses stay traceable.
  |d| >  2.0 ml   discrepancy. Status is discrepancy_flagged, or
                  discrepancy_resolved when an explanation came with the
                  submission.

SNAPSHOT:
  System totals are written into the record and never recomputed. Later
  ledger changes do not rewrite history.

GATE:
  TodayCheckStatus tells the dispensing workflow whether today's check
  exists. Enforcing the block is the caller's job.

STATE:
  Absent -> Completed | DiscrepancyFlagged | DiscrepancyResolved
  Resubmitting the same (day, type) overwrites in place. ResolveCheck moves
  a flagged check to resolved.
*/
package inventory

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPES
// =============================================================================

// CheckType is the shift a count belongs to.
type CheckType string

const (
	CheckMorning CheckType = "morning"
	CheckEvening CheckType = "evening"
)

func (t CheckType) Valid() bool { return t == CheckMorning || t == CheckEvening }

// CheckStatus is the outcome of a count.
type CheckStatus string

const (
	StatusCompleted           CheckStatus = "completed"
	StatusDiscrepancyFlagged  CheckStatus = "discrepancy_flagged"
	StatusDiscrepancyResolved CheckStatus = "discrepancy_resolved"
)

// DiscrepancyThresholdML is the tolerance for needle dead-space and
// measurement noise.
var DiscrepancyThresholdML = ML(2.0)

// PhysicalCount is what staff report for one pool.
type PhysicalCount struct {
	PoolID    PoolID          `json:"pool_id"`
	FullVials int             `json:"full_vials"`
	PartialML decimal.Decimal `json:"partial_ml"`
}

// PoolCount is the per-pool snapshot stored on a check.
type PoolCount struct {
	PoolID            PoolID          `json:"pool_id"`
	PoolName          string          `json:"pool_name"`
	SystemVials       int             `json:"system_vials"`
	SystemML          decimal.Decimal `json:"system_ml"`
	PhysicalFullVials int             `json:"physical_full_vials"`
	PhysicalPartialML decimal.Decimal `json:"physical_partial_ml"`
	PhysicalML        decimal.Decimal `json:"physical_ml"`
	DiscrepancyML     decimal.Decimal `json:"discrepancy_ml"`
	DiscrepancyFound  bool            `json:"discrepancy_found"`
}

// PoolCounts is stored as a JSON column.
type PoolCounts []PoolCount

// CheckRecord is one audit snapshot keyed by (Day, CheckType).
type CheckRecord struct {
	ID               string      `db:"id" json:"id"`
	Day              Day         `db:"check_date" json:"check_date"`
	CheckType        CheckType   `db:"check_type" json:"check_type"`
	PerformedBy      string      `db:"performed_by" json:"performed_by"`
	PerformedByName  string      `db:"performed_by_name" json:"performed_by_name"`
	PerformedAt      time.Time   `db:"performed_at" json:"performed_at"`
	Pools            PoolCounts  `db:"pool_counts" json:"pools"`
	DiscrepancyFound bool        `db:"discrepancy_found" json:"discrepancy_found"`
	Notes            string      `db:"notes" json:"notes,omitempty"`
	DiscrepancyNotes string      `db:"discrepancy_notes" json:"discrepancy_notes,omitempty"`
	Status           CheckStatus `db:"status" json:"status"`
	ResolvedBy       string      `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNotes  string      `db:"resolution_notes" json:"resolution_notes,omitempty"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// Pool returns the snapshot for one pool.
func (c *CheckRecord) Pool(id PoolID) (PoolCount, bool) {
	for _, p := range c.Pools {
		if p.PoolID == id {
			return p, true
		}
	}
	return PoolCount{}, false
}

// =============================================================================
// CLASSIFICATION - pure
// =============================================================================

// Classification is the verdict for one pool.
type Classification struct {
	DiscrepancyML    decimal.Decimal
	DiscrepancyFound bool
	AutoWaste        bool
}

// Classify compares system and physical totals. The sign of the gap does
// not affect the verdict.
func Classify(systemML, physicalML, threshold decimal.Decimal) Classification {
	d := systemML.Sub(physicalML)
	abs := d.Abs()
	found := abs.GreaterThan(threshold)
	return Classification{
		DiscrepancyML:    d,
		DiscrepancyFound: found,
		AutoWaste:        !found && abs.GreaterThan(Epsilon),
	}
}

func autoWasteNote(pool Pool, d decimal.Decimal) string {
	return fmt.Sprintf("%s auto-waste: %sml (within threshold)", pool.Name, d.Abs().StringFixed(1))
}

// =============================================================================
// SUBMIT
// =============================================================================

// CheckInput is a staff submission.
type CheckInput struct {
	CheckType        CheckType
	PerformedBy      string
	PerformedByName  string
	Counts           []PhysicalCount
	Notes            string
	DiscrepancyNotes string
}

// validateCounts rejects malformed counts before any I/O. When requireAll
// is set, every configured pool must appear.
func (e *Engine) validateCounts(counts []PhysicalCount, requireAll bool) (map[PoolID]PhysicalCount, error) {
	if len(counts) == 0 {
		return nil, invalid("counts", "at least one pool count required")
	}
	byPool := make(map[PoolID]PhysicalCount, len(counts))
	for _, c := range counts {
		pool, err := e.pools.Get(c.PoolID)
		if err != nil {
			return nil, invalid("counts.pool_id", "unknown pool %q", c.PoolID)
		}
		if _, dup := byPool[c.PoolID]; dup {
			return nil, invalid("counts.pool_id", "pool %s counted twice", c.PoolID)
		}
		if c.FullVials < 0 {
			return nil, invalid("counts.full_vials", "must not be negative for pool %s", c.PoolID)
		}
		if c.PartialML.IsNegative() {
			return nil, invalid("counts.partial_ml", "must not be negative for pool %s", c.PoolID)
		}
		if err := checkScale("counts.partial_ml", c.PartialML); err != nil {
			return nil, err
		}
		if c.PartialML.GreaterThan(pool.NominalSizeML) {
			return nil, invalid("counts.partial_ml", "%s ml exceeds the %s ml vial size for pool %s",
				c.PartialML.String(), pool.NominalSizeML.String(), c.PoolID)
		}
		byPool[c.PoolID] = c
	}
	if requireAll {
		for _, p := range e.pools.All() {
			if _, ok := byPool[p.ID]; !ok {
				return nil, invalid("counts", "missing count for pool %s", p.ID)
			}
		}
	}
	return byPool, nil
}

func physicalTotal(pool Pool, c PhysicalCount) decimal.Decimal {
	return pool.NominalSizeML.Mul(decimal.NewFromInt(int64(c.FullVials))).Add(c.PartialML)
}

// SubmitCheck records a physical count for today's (day, type).
func (e *Engine) SubmitCheck(ctx context.Context, in CheckInput) (*CheckRecord, error) {
	if !in.CheckType.Valid() {
		return nil, invalid("check_type", "must be morning or evening, got %q", in.CheckType)
	}
	if strings.TrimSpace(in.PerformedBy) == "" {
		return nil, invalid("performed_by", "required")
	}
	counts, err := e.validateCounts(in.Counts, true)
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec := &CheckRecord{
		ID:               uuid.NewString(),
		Day:              DayOf(now, e.loc),
		CheckType:        in.CheckType,
		PerformedBy:      in.PerformedBy,
		PerformedByName:  in.PerformedByName,
		PerformedAt:      now.UTC(),
		DiscrepancyNotes: strings.TrimSpace(in.DiscrepancyNotes),
		UpdatedAt:        now.UTC(),
	}

	err = e.store.WithTx(ctx, TxOptions{}, func(tx Store) error {
		vials, err := tx.ListVials(ctx, VialFilter{})
		if err != nil {
			return err
		}

		var wasteNotes []string
		for _, pool := range e.pools.All() {
			sys := summarize(pool, vials)
			c := counts[pool.ID]
			physical := physicalTotal(pool, c)
			cl := Classify(sys.TotalML, physical, DiscrepancyThresholdML)

			rec.Pools = append(rec.Pools, PoolCount{
				PoolID:            pool.ID,
				PoolName:          pool.Name,
				SystemVials:       sys.ActiveVials,
				SystemML:          sys.TotalML,
				PhysicalFullVials: c.FullVials,
				PhysicalPartialML: c.PartialML,
				PhysicalML:        physical,
				DiscrepancyML:     cl.DiscrepancyML,
				DiscrepancyFound:  cl.DiscrepancyFound,
			})
			if cl.DiscrepancyFound {
				rec.DiscrepancyFound = true
			}
			if cl.AutoWaste {
				wasteNotes = append(wasteNotes, autoWasteNote(pool, cl.DiscrepancyML))
			}
		}

		rec.Notes = joinNotes(in.Notes, wasteNotes...)
		rec.Status = StatusCompleted
		if rec.DiscrepancyFound {
			rec.Status = StatusDiscrepancyFlagged
			if rec.DiscrepancyNotes != "" {
				rec.Status = StatusDiscrepancyResolved
			}
		}
		return tx.UpsertCheck(ctx, rec)
	})
	if err != nil {
		return nil, wrapTx("submit check", err)
	}

	e.metrics.ObserveCheck(rec.CheckType, rec.Status)
	evt := e.log.Info()
	if rec.Status == StatusDiscrepancyFlagged {
		evt = e.log.Warn()
	}
	evt.Str("day", string(rec.Day)).
		Str("check_type", string(rec.CheckType)).
		Str("status", string(rec.Status)).
		Str("performed_by", rec.PerformedBy).
		Msg("physical check recorded")
	return rec, nil
}

func joinNotes(user string, extra ...string) string {
	var parts []string
	if s := strings.TrimSpace(user); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, extra...)
	return strings.Join(parts, " | ")
}

// =============================================================================
// QUERIES
// =============================================================================

// TodayStatus answers the dispensing gate.
type TodayStatus struct {
	Day                      Day          `json:"day"`
	CheckType                CheckType    `json:"check_type"`
	Completed                bool         `json:"completed"`
	Check                    *CheckRecord `json:"check,omitempty"`
	RequiredBeforeDispensing bool         `json:"required_before_dispensing"`
}

// TodayCheckStatus reports whether today's check of the given type exists.
func (e *Engine) TodayCheckStatus(ctx context.Context, t CheckType) (*TodayStatus, error) {
	if !t.Valid() {
		return nil, invalid("check_type", "must be morning or evening, got %q", t)
	}
	day := e.Today()
	st := &TodayStatus{Day: day, CheckType: t}

	rec, err := e.store.GetCheck(ctx, day, t)
	switch {
	case errors.Is(err, ErrCheckNotFound):
		st.RequiredBeforeDispensing = true
		return st, nil
	case err != nil:
		return nil, err
	}
	st.Completed = true
	st.Check = rec
	return st, nil
}

// CheckHistory returns checks from the last `days` operational days,
// newest first.
func (e *Engine) CheckHistory(ctx context.Context, days int) ([]CheckRecord, error) {
	if days <= 0 {
		return nil, invalid("days", "must be positive")
	}
	from := e.Today().AddDays(-days)
	recs, err := e.store.ListChecksSince(ctx, from)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Day != recs[j].Day {
			return recs[i].Day > recs[j].Day
		}
		return recs[i].PerformedAt.After(recs[j].PerformedAt)
	})
	return recs, nil
}

// ResolveCheck annotates a flagged check with its explanation.
func (e *Engine) ResolveCheck(ctx context.Context, day Day, t CheckType, resolvedBy, notes string) (*CheckRecord, error) {
	if !t.Valid() {
		return nil, invalid("check_type", "must be morning or evening, got %q", t)
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, invalid("resolved_by", "required")
	}
	if strings.TrimSpace(notes) == "" {
		return nil, invalid("resolution_notes", "required")
	}

	var rec *CheckRecord
	err := e.store.WithTx(ctx, TxOptions{}, func(tx Store) error {
		r, err := tx.GetCheck(ctx, day, t)
		if err != nil {
			return err
		}
		if r.Status != StatusDiscrepancyFlagged {
			return invalid("status", "check %s/%s is %s, only flagged checks can be resolved", day, t, r.Status)
		}
		now := e.now().UTC()
		r.Status = StatusDiscrepancyResolved
		r.ResolvedBy = resolvedBy
		r.ResolvedAt = &now
		r.ResolutionNotes = strings.TrimSpace(notes)
		if r.DiscrepancyNotes == "" {
			r.DiscrepancyNotes = r.ResolutionNotes
		}
		r.UpdatedAt = now
		rec = r
		return tx.UpsertCheck(ctx, r)
	})
	if err != nil {
		return nil, wrapTx("resolve check", err)
	}

	e.metrics.ObserveCheck(rec.CheckType, rec.Status)
	e.log.Info().
		Str("day", string(day)).
		Str("check_type", string(t)).
		Str("resolved_by", resolvedBy).
		Msg("discrepancy resolved")
	return rec, nil
}

// =============================================================================
// DAILY SUMMARY
// =============================================================================

// ShiftSummary condenses one check for dashboards.
type ShiftSummary struct {
	Completed        bool        `json:"completed"`
	PerformedAt      *time.Time  `json:"performed_at,omitempty"`
	PerformedBy      string      `json:"performed_by,omitempty"`
	Status           CheckStatus `json:"status,omitempty"`
	DiscrepancyFound bool        `json:"discrepancy_found"`
	Reason           string      `json:"reason,omitempty"`
}

// DailySummary is the morning/evening picture for one day.
type DailySummary struct {
	Day       Day           `json:"day"`
	Morning   ShiftSummary  `json:"morning"`
	Evening   ShiftSummary  `json:"evening"`
	Inventory []PoolSummary `json:"inventory"`
}

// DailySummary reports both shifts for day plus live pool totals.
func (e *Engine) DailySummary(ctx context.Context, day Day) (*DailySummary, error) {
	out := &DailySummary{Day: day}
	for _, t := range []CheckType{CheckMorning, CheckEvening} {
		rec, err := e.store.GetCheck(ctx, day, t)
		if errors.Is(err, ErrCheckNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		at := rec.PerformedAt
		s := ShiftSummary{
			Completed:        true,
			PerformedAt:      &at,
			PerformedBy:      rec.PerformedByName,
			Status:           rec.Status,
			DiscrepancyFound: rec.DiscrepancyFound,
			Reason:           rec.DiscrepancyNotes,
		}
		if s.PerformedBy == "" {
			s.PerformedBy = rec.PerformedBy
		}
		if t == CheckMorning {
			out.Morning = s
		} else {
			out.Evening = s
		}
	}

	inv, err := e.PoolInventory(ctx)
	if err != nil {
		return nil, err
	}
	out.Inventory = inv
	return out, nil
}

// =============================================================================
// JSON COLUMN
// =============================================================================

// Value implements driver.Valuer for the pool_counts column.
func (p PoolCounts) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]PoolCount(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for the pool_counts column.
func (p *PoolCounts) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("pool_counts: unsupported type %T", src)
	}
	return json.Unmarshal(raw, (*[]PoolCount)(p))
}
