package subscription

// Metrics defines the interface for tracking reconciliation outcomes.
type Metrics interface {
	// RecordTransition records a subscription moving between entitlement states.
	RecordTransition(from, to State, reason string)

	// RecordStaleEvent records an event skipped because the row already reflects newer state.
	RecordStaleEvent(provider, eventType string)

	// RecordPackageLookup records a resolver lookup and whether the cache served it.
	RecordPackageLookup(source string, cacheHit bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordTransition(_, _ State, _ string) {}
func (n *NoopMetrics) RecordStaleEvent(_, _ string)          {}
func (n *NoopMetrics) RecordPackageLookup(_ string, _ bool)  {}
