// Package metrics exposes the Prometheus collectors the registrar core
// updates on every decision: counts by decision kind, HALT counts by
// invariant, and the hot-path latency histogram of the concurrency model.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	registrar "github.com/tiger/audio-registrar/api/registrar"
)

// Collectors bundles the registrar's Prometheus metrics. A process embeds
// one instance and passes it to core.New; metrics.New registers on the
// given registerer (use prometheus.NewRegistry() in tests to avoid global
// registry collisions).
type Collectors struct {
	DecisionsTotal *prometheus.CounterVec
	HaltsTotal     *prometheus.CounterVec
	PolicyDenials  *prometheus.CounterVec
	RequestLatency prometheus.Histogram
}

// New registers and returns a fresh Collectors against reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "decisions_total",
			Help:      "Transition decisions by outcome.",
		}, []string{"decision"}),
		HaltsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "halts_total",
			Help:      "Fatal HALT violations by invariant id.",
		}, []string{"invariant_id"}),
		PolicyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "registrar",
			Name:      "policy_denials_total",
			Help:      "Requests denied by the policy pre-filter, by reason.",
		}, []string{"invariant_id"}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "registrar",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request() latency.",
			Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}),
	}
}

// Noop returns a Collectors registered against a private, discarded
// registry — for callers (tests, CLI one-shots) that want the core's
// metrics calls to be harmless no-ops without wiring a real exporter.
func Noop() *Collectors {
	return New(prometheus.NewRegistry())
}

// ObserveDecision implements core.Metrics.
func (c *Collectors) ObserveDecision(decision registrar.Decision) {
	c.DecisionsTotal.WithLabelValues(string(decision)).Inc()
}

// ObserveHalt implements core.Metrics.
func (c *Collectors) ObserveHalt(invariantID string) {
	c.HaltsTotal.WithLabelValues(invariantID).Inc()
}

// ObservePolicyDenial implements core.Metrics.
func (c *Collectors) ObservePolicyDenial(invariantID string) {
	c.PolicyDenials.WithLabelValues(invariantID).Inc()
}

// ObserveLatency implements core.Metrics.
func (c *Collectors) ObserveLatency(d time.Duration) {
	c.RequestLatency.Observe(d.Seconds())
}
