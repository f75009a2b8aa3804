package prommetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tickerpilot/subsync/pkg/subscription"
)

// Metrics implements subscription.Metrics using Prometheus.
type Metrics struct {
	transitionsTotal    *prometheus.CounterVec
	staleEventsTotal    *prometheus.CounterVec
	packageLookupsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "transitions_total",
			Help:      "Total number of entitlement state transitions.",
		}, []string{"from", "to", "reason"}),

		staleEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "stale_events_total",
			Help:      "Total number of provider events skipped as older than the stored state.",
		}, []string{"provider", "event_type"}),

		packageLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "package_lookups_total",
			Help:      "Total number of package lookups by source and cache result.",
		}, []string{"source", "cache_hit"}),
	}
}

func (m *Metrics) RecordTransition(from, to subscription.State, reason string) {
	m.transitionsTotal.WithLabelValues(string(from), string(to), reason).Inc()
}

func (m *Metrics) RecordStaleEvent(provider, eventType string) {
	m.staleEventsTotal.WithLabelValues(provider, eventType).Inc()
}

func (m *Metrics) RecordPackageLookup(source string, cacheHit bool) {
	m.packageLookupsTotal.WithLabelValues(source, strconv.FormatBool(cacheHit)).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
