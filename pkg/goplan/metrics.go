package goplan

import "time"

// Metrics defines the interface for tracking reconciliation and storage operations.
type Metrics interface {
	// RecordDecision records the reconciler's verdict for an event type.
	RecordDecision(eventType string, decision Decision)

	// RecordPlanChange records a stored plan transition. from is empty for new records.
	RecordPlanChange(from, to Plan)

	// RecordClaim records the outcome of a login sync.
	RecordClaim(outcome ClaimOutcome)

	// RecordCacheHit records a cache hit for a specific cache type.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(eventType string, decision Decision)                          {}
func (n *NoopMetrics) RecordPlanChange(from, to Plan)                                              {}
func (n *NoopMetrics) RecordClaim(outcome ClaimOutcome)                                            {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                             {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
