// Package metrics exposes Prometheus collectors for the simulation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketsim"

// Metrics is the set of simulation collectors, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Ticks           prometheus.Counter
	BranchRuns      *prometheus.CounterVec
	BranchErrors    *prometheus.CounterVec
	BranchDuration  *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	Events          *prometheus.CounterVec
	Revenue         prometheus.Counter
	Penalties       prometheus.Counter
	QueueDepth      prometheus.Gauge
	InFlightTicks   prometheus.Gauge
	ActiveContracts prometheus.Gauge
	Sentiment       prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticks handled by the orchestrator",
		}),
		BranchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_runs_total",
			Help:      "Tick branch executions",
		}, []string{"branch"}),
		BranchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branch_errors_total",
			Help:      "Tick branches that failed or panicked",
		}, []string{"branch"}),
		BranchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "branch_duration_seconds",
			Help:      "Tick branch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"branch"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_decisions_total",
			Help:      "Offer evaluations by outcome",
		}, []string{"outcome"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Published simulation events by name",
		}, []string{"name"}),
		Revenue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "net_revenue_total",
			Help:      "Net revenue settled (base minus penalties)",
		}),
		Penalties: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_penalties_total",
			Help:      "SLA penalties settled",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Demand requests waiting for evaluation",
		}),
		InFlightTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_ticks",
			Help:      "Ticks whose fan-out has not finished",
		}),
		ActiveContracts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_contracts",
			Help:      "ACTIVE contracts seen by the last health sweep",
		}),
		Sentiment: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_sentiment",
			Help:      "Market sentiment of the last tick (0-1)",
		}),
	}
	m.registry.MustRegister(
		m.Ticks, m.BranchRuns, m.BranchErrors, m.BranchDuration, m.Decisions, m.Events,
		m.Revenue, m.Penalties, m.QueueDepth, m.InFlightTicks, m.ActiveContracts, m.Sentiment,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBranch records one branch run.
func (m *Metrics) ObserveBranch(branch string, took time.Duration, failed bool) {
	m.BranchRuns.WithLabelValues(branch).Inc()
	m.BranchDuration.WithLabelValues(branch).Observe(took.Seconds())
	if failed {
		m.BranchErrors.WithLabelValues(branch).Inc()
	}
}
