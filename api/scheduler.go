/*
scheduler.go - Periodic dry-run reconciliation

PURPOSE:
  Runs a dry-run FIFO reconciliation for every pool on a fixed interval and
  logs drift: vials whose stored volume differs from the FIFO result,
  pending reassignments, and fatal accounting errors. It never commits.
  Each pass also refreshes the pool volume gauges.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Pools are audited one at a time; one pool failing does not stop the rest
  - The last result per pool is kept for the API and tests

CONFIGURATION:
  - Interval: How often to audit (default: 1 hour, AUDIT_INTERVAL)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual runs, optional commit)
  - inventory/reconcile.go: Engine.Reconcile
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/controlled-inventory/inventory"
)

// AuditResult is the outcome of one pool's dry run.
type AuditResult struct {
	PoolID        inventory.PoolID `json:"pool_id"`
	RanAt         time.Time        `json:"ran_at"`
	ChangedVials  int              `json:"changed_vials"`
	Reassignments int              `json:"reassignments"`
	Error         string           `json:"error,omitempty"`
}

// AuditScheduler runs dry-run reconciliations in the background.
type AuditScheduler struct {
	Engine   *inventory.Engine
	Interval time.Duration
	Enabled  bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	resultsMu sync.RWMutex
	results   map[inventory.PoolID]AuditResult
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(engine *inventory.Engine, logger zerolog.Logger) *AuditScheduler {
	return &AuditScheduler{
		Engine:   engine,
		Interval: time.Hour,
		Enabled:  true,
		log:      logger.With().Str("component", "audit_scheduler").Logger(),
		results:  make(map[inventory.PoolID]AuditResult),
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight pass.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("stopped")
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.RunOnce(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunOnce audits every pool and refreshes the inventory gauges.
func (s *AuditScheduler) RunOnce(ctx context.Context) []AuditResult {
	var out []AuditResult
	for _, id := range s.Engine.Pools().IDs() {
		if ctx.Err() != nil {
			break
		}
		res := AuditResult{PoolID: id, RanAt: time.Now().UTC()}

		report, err := s.Engine.Reconcile(ctx, id, inventory.ReconcileOptions{Requester: "scheduler"})
		switch {
		case err != nil:
			res.Error = err.Error()
			s.log.Error().Err(err).Str("pool", string(id)).Msg("dry run failed")
		default:
			res.ChangedVials = report.ChangedVials()
			res.Reassignments = len(report.Reassignments)
			if res.ChangedVials > 0 || res.Reassignments > 0 {
				s.log.Warn().
					Str("pool", string(id)).
					Int("changed_vials", res.ChangedVials).
					Int("reassignments", res.Reassignments).
					Msg("ledger drift: reconciliation pending")
			}
		}

		s.resultsMu.Lock()
		s.results[id] = res
		s.resultsMu.Unlock()
		out = append(out, res)
	}

	if _, err := s.Engine.PoolInventory(ctx); err != nil {
		s.log.Error().Err(err).Msg("inventory refresh failed")
	}
	return out
}

// LastResults returns the latest result per pool, in pool order.
func (s *AuditScheduler) LastResults() []AuditResult {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	var out []AuditResult
	for _, id := range s.Engine.Pools().IDs() {
		if r, ok := s.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
