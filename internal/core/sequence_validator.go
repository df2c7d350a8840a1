package core

import (
	"PowerPerp/internal/observability"
)

// PriceSequenceValidator orders inbound price observations per pool.
// Stale observations are ignored, gaps are tolerated and counted.
// Not thread-safe; only accessed under the controller lock.
type PriceSequenceValidator struct {
	expectedNextSeq map[string]int64 // pool -> next expected sequence
	metrics         *observability.Metrics
}

func NewPriceSequenceValidator(metrics *observability.Metrics) *PriceSequenceValidator {
	return &PriceSequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// Accept reports whether the observation is new and advances the pool's
// expected sequence.
func (sv *PriceSequenceValidator) Accept(pool string, priceSequence int64) bool {
	expected := sv.expectedNextSeq[pool]
	if priceSequence < expected {
		return false
	}
	if priceSequence > expected && expected > 0 && sv.metrics != nil {
		sv.metrics.PriceSequenceGaps.WithLabelValues(pool).Inc()
	}
	sv.expectedNextSeq[pool] = priceSequence + 1
	return true
}

// Expected returns the next expected sequence for a pool
func (sv *PriceSequenceValidator) Expected(pool string) int64 {
	return sv.expectedNextSeq[pool]
}

// Partitions returns a copy of the validator state for snapshots
func (sv *PriceSequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Restore loads validator state (used during recovery)
func (sv *PriceSequenceValidator) Restore(partitions map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(partitions))
	for k, v := range partitions {
		sv.expectedNextSeq[k] = v
	}
}
