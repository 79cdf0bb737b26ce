// Package metrics exposes the operational counters and gauges for a
// running rconfd process: passes, backend fetches, Vault renewals and hook
// invocations, served over an optional HTTP listener on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds one process's counters, registered against its own
// registry so multiple instances (as in tests) never collide on the
// default global registerer.
type Metrics struct {
	registry *prometheus.Registry

	passesTotal    *prometheus.CounterVec
	fetchesTotal   *prometheus.CounterVec
	tokenRenewals  *prometheus.CounterVec
	leaseRenewals  *prometheus.CounterVec
	hooksTotal     *prometheus.CounterVec
}

// New creates a Metrics instance with all series registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		passesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rconfd_passes_total",
			Help: "Total number of collect-resolve-manifest passes, by outcome",
		}, []string{"outcome"}),
		fetchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rconfd_secret_fetches_total",
			Help: "Total number of backend fetches, by backend and outcome",
		}, []string{"backend", "outcome"}),
		tokenRenewals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rconfd_vault_token_renewals_total",
			Help: "Total number of Vault token renewal attempts, by outcome",
		}, []string{"outcome"}),
		leaseRenewals: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rconfd_vault_lease_renewals_total",
			Help: "Total number of Vault lease renewal attempts, by outcome",
		}, []string{"outcome"}),
		hooksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rconfd_hook_invocations_total",
			Help: "Total number of hook invocations, by hook name and outcome",
		}, []string{"hook", "outcome"}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// PassCompleted records one full pass, successful or not.
func (m *Metrics) PassCompleted(ok bool) {
	if m == nil {
		return
	}
	m.passesTotal.WithLabelValues(outcome(ok)).Inc()
}

// FetchCompleted records one backend fetch.
func (m *Metrics) FetchCompleted(backend string, ok bool) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(backend, outcome(ok)).Inc()
}

// TokenRenewed records one Vault token renewal attempt.
func (m *Metrics) TokenRenewed(ok bool) {
	if m == nil {
		return
	}
	m.tokenRenewals.WithLabelValues(outcome(ok)).Inc()
}

// LeaseRenewed records one Vault lease renewal attempt.
func (m *Metrics) LeaseRenewed(ok bool) {
	if m == nil {
		return
	}
	m.leaseRenewals.WithLabelValues(outcome(ok)).Inc()
}

// HookInvoked records one hook invocation.
func (m *Metrics) HookInvoked(hook string, ok bool) {
	if m == nil {
		return
	}
	m.hooksTotal.WithLabelValues(hook, outcome(ok)).Inc()
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
