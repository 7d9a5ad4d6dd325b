// Package metrics exposes Prometheus metrics for the sync engine.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for stores, coordinators and sessions.
type Metrics struct {
	// Derived view recomputations and publications
	Recomputations    prometheus.Counter
	Publications      prometheus.Counter
	RecomputeDuration prometheus.Histogram

	// Callbacks that arrived after teardown and were ignored
	DroppedCallbacks prometheus.Counter

	// Coordinator state entries by state name
	StateTransitions *prometheus.CounterVec

	// Subscribe calls that replaced an existing listener
	SubscriptionReplacements prometheus.Counter

	// Identities with a live coordinator
	ActiveSessions prometheus.Gauge
}

// New creates a Metrics instance registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Recomputations: f.NewCounter(prometheus.CounterOpts{
			Name: "cashflow_sync_recomputations_total",
			Help: "Total derived view recomputations",
		}),
		Publications: f.NewCounter(prometheus.CounterOpts{
			Name: "cashflow_sync_publications_total",
			Help: "Total derived views published to watchers",
		}),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cashflow_sync_recompute_duration_seconds",
			Help:    "Duration of a derived view recomputation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		DroppedCallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "cashflow_sync_dropped_callbacks_total",
			Help: "Change callbacks dropped because their subscription was torn down",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cashflow_sync_state_transitions_total",
			Help: "Coordinator state entries by state",
		}, []string{"state"}),
		SubscriptionReplacements: f.NewCounter(prometheus.CounterOpts{
			Name: "cashflow_store_subscription_replacements_total",
			Help: "Subscribe calls that replaced an existing listener",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cashflow_sessions_active",
			Help: "Identities with a live sync coordinator",
		}),
	}
}

// ObserveRecompute records one recomputation and its duration.
func (m *Metrics) ObserveRecompute(d time.Duration) {
	if m != nil {
		m.Recomputations.Inc()
		m.RecomputeDuration.Observe(d.Seconds())
	}
}

// IncPublication records a published view.
func (m *Metrics) IncPublication() {
	if m != nil {
		m.Publications.Inc()
	}
}

// IncDroppedCallback records a callback ignored after teardown.
func (m *Metrics) IncDroppedCallback() {
	if m != nil {
		m.DroppedCallbacks.Inc()
	}
}

// IncState records entry into a coordinator state.
func (m *Metrics) IncState(state string) {
	if m != nil {
		m.StateTransitions.WithLabelValues(state).Inc()
	}
}

// IncSubscriptionReplacement records a replaced listener.
func (m *Metrics) IncSubscriptionReplacement() {
	if m != nil {
		m.SubscriptionReplacements.Inc()
	}
}

// SetActiveSessions records the number of live coordinators.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}
