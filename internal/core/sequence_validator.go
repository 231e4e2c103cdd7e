package core

import (
	"fmt"

	"LendLedger/internal/observability"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks source sequence ordering for operation streams.
// Operation streams are strict: a gap or an out-of-order new event is an
// error the ingestion layer must resolve by redelivery.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed; the dedup layer will drop it.
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ErrStalePrice reports a price update older than the last applied one.
var ErrStalePrice = fmt.Errorf("stale price update")

// ValidatePriceSequence validates price updates. Prices are level-triggered:
// gaps are tolerated (the newest price wins) but stale updates must never
// overwrite a fresher one.
func (sv *SequenceValidator) ValidatePriceSequence(
	market string,
	priceSequence int64,
) error {
	// Sequence zero means the update never rode a feed (operator write over
	// HTTP). It carries no ordering claim, so it neither fails the staleness
	// check nor advances the feed's expected sequence.
	if priceSequence == 0 {
		return nil
	}

	partition := fmt.Sprintf("price:%s", market)

	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		return ErrStalePrice
	}

	if priceSequence > expected && expected > 0 && sv.metrics != nil {
		// Gap: acceptable for prices, worth counting.
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}

	sv.expectedNextSeq[partition] = priceSequence + 1
	return nil
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes the expected sequence (used during recovery).
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
