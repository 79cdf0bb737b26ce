package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rconfd/internal/metrics"
)

func TestPassCompletedIncrementsByOutcome(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.PassCompleted(true)
	m.PassCompleted(false)

	body := scrape(t, m)
	assert.Contains(t, body, `rconfd_passes_total{outcome="success"} 1`)
	assert.Contains(t, body, `rconfd_passes_total{outcome="failure"} 1`)
}

func TestFetchCompletedLabelsByBackend(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.FetchCompleted("vault", true)
	m.FetchCompleted("env", true)
	m.FetchCompleted("vault", false)

	body := scrape(t, m)
	assert.Contains(t, body, `rconfd_secret_fetches_total{backend="vault",outcome="success"} 1`)
	assert.Contains(t, body, `rconfd_secret_fetches_total{backend="env",outcome="success"} 1`)
	assert.Contains(t, body, `rconfd_secret_fetches_total{backend="vault",outcome="failure"} 1`)
}

func TestTokenAndLeaseRenewals(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.TokenRenewed(true)
	m.LeaseRenewed(false)

	body := scrape(t, m)
	assert.Contains(t, body, `rconfd_vault_token_renewals_total{outcome="success"} 1`)
	assert.Contains(t, body, `rconfd_vault_lease_renewals_total{outcome="failure"} 1`)
}

func TestHookInvoked(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.HookInvoked("modified", true)
	m.HookInvoked("ready", true)

	body := scrape(t, m)
	assert.Contains(t, body, `rconfd_hook_invocations_total{hook="modified",outcome="success"} 1`)
	assert.Contains(t, body, `rconfd_hook_invocations_total{hook="ready",outcome="success"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.PassCompleted(true)
		m.FetchCompleted("vault", false)
		m.TokenRenewed(true)
		m.LeaseRenewed(true)
		m.HookInvoked("ready", true)
	})
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}
