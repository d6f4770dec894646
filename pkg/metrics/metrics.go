// Package metrics defines the Prometheus collectors exported by rmbadge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rmbadge"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	upstreamRequests *prometheus.CounterVec
	upstreamRetries  prometheus.Counter
	logins           *prometheus.CounterVec
	counters         *prometheus.GaugeVec
	badges           *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream HTTP requests by outcome.",
		}, []string{"method", "outcome"}),
		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream requests retried after a rate-limit class status.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_logins_total",
			Help:      "Upstream authentication attempts by status.",
		}, []string{"status"}),
		counters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregate_total",
			Help:      "Last estimate of the upstream aggregate counters.",
		}, []string{"kind"}),
		badges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badge_requests_total",
			Help:      "Badge generation requests by result.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.upstreamRequests, m.upstreamRetries, m.logins, m.counters, m.badges)
	return m
}

func (m *Metrics) UpstreamRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) UpstreamRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}

func (m *Metrics) Login(status string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(status).Inc()
}

// Aggregates publishes the current counter snapshot.
func (m *Metrics) Aggregates(challenges, users int) {
	if m == nil {
		return
	}
	m.counters.WithLabelValues("challenges").Set(float64(challenges))
	m.counters.WithLabelValues("users").Set(float64(users))
}

func (m *Metrics) Badge(status string) {
	if m == nil {
		return
	}
	m.badges.WithLabelValues(status).Inc()
}
