package event

import (
	"fmt"
	"math/big"
	"time"
)

// PriceObserved is an inbound pool price observation feeding the oracle.
type PriceObserved struct {
	Pool          string    `json:"pool"`
	Price         *big.Int  `json:"price"`
	PriceSequence int64     `json:"price_sequence"` // monotonic per pool, gaps tolerated
	ObservedAt    time.Time `json:"observed_at"`
}

func (e *PriceObserved) EventType() EventType  { return EventTypePriceObserved }
func (e *PriceObserved) Vault() (uint64, bool) { return 0, false }

func (e *PriceObserved) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", e.Pool, e.PriceSequence)
}
