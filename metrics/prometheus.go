// Package metrics exports engine outcomes to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/controlled-inventory/inventory"
)

const namespace = "controlled_inventory"

// Prometheus implements inventory.Metrics on its own registry.
type Prometheus struct {
	registry      *prometheus.Registry
	reconciles    *prometheus.CounterVec
	reassignments *prometheus.CounterVec
	checks        *prometheus.CounterVec
	adjustments   *prometheus.CounterVec
	activeVials   *prometheus.GaugeVec
	volume        *prometheus.GaugeVec
}

var _ inventory.Metrics = (*Prometheus)(nil)

// New registers all collectors, plus Go runtime and process collectors.
func New() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "FIFO reconciliation runs by pool, mode and outcome.",
		}, []string{"pool", "committed", "outcome"}),
		reassignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassignments_total",
			Help:      "Dispense reassignments planned or applied.",
		}, []string{"pool", "committed"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "physical_checks_total",
			Help:      "Physical count checks by type and status.",
		}, []string{"check_type", "status"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vial_adjustments_total",
			Help:      "Vials overwritten from a physical count.",
		}, []string{"pool"}),
		activeVials: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_vials",
			Help:      "Vials in stock with remaining volume.",
		}, []string{"pool"}),
		volume: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_ml",
			Help:      "Total remaining volume in milliliters.",
		}, []string{"pool"}),
	}
	p.registry.MustRegister(
		p.reconciles, p.reassignments, p.checks, p.adjustments, p.activeVials, p.volume,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ObserveReconcile(pool inventory.PoolID, committed bool, reassignments int, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case inventory.IsRetryable(err):
		outcome = "transaction_failed"
	default:
		outcome = "accounting_error"
	}
	c := strconv.FormatBool(committed)
	p.reconciles.WithLabelValues(string(pool), c, outcome).Inc()
	if reassignments > 0 {
		p.reassignments.WithLabelValues(string(pool), c).Add(float64(reassignments))
	}
}

func (p *Prometheus) ObserveCheck(t inventory.CheckType, status inventory.CheckStatus) {
	p.checks.WithLabelValues(string(t), string(status)).Inc()
}

func (p *Prometheus) ObserveAdjustment(pool inventory.PoolID, vialsChanged int) {
	p.adjustments.WithLabelValues(string(pool)).Add(float64(vialsChanged))
}

func (p *Prometheus) SetPoolVolume(pool inventory.PoolID, activeVials int, totalML decimal.Decimal) {
	p.activeVials.WithLabelValues(string(pool)).Set(float64(activeVials))
	p.volume.WithLabelValues(string(pool)).Set(totalML.InexactFloat64())
}
