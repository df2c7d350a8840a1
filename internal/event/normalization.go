package event

import (
	"math/big"
	"time"
)

// NormalizationUpdated is emitted whenever a settlement moves the factor.
type NormalizationUpdated struct {
	PreviousFactor *big.Int      `json:"previous_factor"`
	Factor         *big.Int      `json:"factor"`
	Index          *big.Int      `json:"index"`
	Mark           *big.Int      `json:"mark"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	At             time.Time     `json:"at"`
}

func (e *NormalizationUpdated) EventType() EventType  { return EventTypeNormalizationUpdated }
func (e *NormalizationUpdated) Vault() (uint64, bool) { return 0, false }
