package prommetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

var _ subscription.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestMetrics_RecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordTransition(subscription.StatePremium, subscription.StateBasic, subscription.ReasonPaymentFailed)
	m.RecordTransition(subscription.StatePremium, subscription.StateBasic, subscription.ReasonPaymentFailed)

	f, ok := gather(t, reg)["test_subscription_transitions_total"]
	require.True(t, ok)
	require.Len(t, f.GetMetric(), 1)
	metric := f.GetMetric()[0]
	assert.Equal(t, 2.0, metric.GetCounter().GetValue())

	labels := make(map[string]string)
	for _, l := range metric.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, map[string]string{
		"from":   "active(premium)",
		"to":     "active(basic)",
		"reason": "payment_failed",
	}, labels)
}

func TestMetrics_StaleAndLookups(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStaleEvent("paddle", "subscription.canceled")
	m.RecordPackageLookup("product", false)
	m.RecordPackageLookup("product", true)
	m.RecordPackageLookup("product", true)

	families := gather(t, reg)
	require.Contains(t, families, "test_subscription_stale_events_total")
	lookups, ok := families["test_subscription_package_lookups_total"]
	require.True(t, ok)

	var hits, misses float64
	for _, metric := range lookups.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() != "cache_hit" {
				continue
			}
			if l.GetValue() == "true" {
				hits = metric.GetCounter().GetValue()
			} else {
				misses = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, hits)
	assert.Equal(t, 1.0, misses)
}
