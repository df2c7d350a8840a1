// Package oracle exposes time-weighted average prices to the ledger with
// period and staleness guards.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrStaleOracle: no valid observation covers the requested period.
	ErrStaleOracle = errors.New("oracle: stale price")

	// ErrOracleUnavailable: the price source failed, its breaker is open or it
	// has no observation at all.
	ErrOracleUnavailable = errors.New("oracle: unavailable")

	// ErrPeriodTooShort: the requested period is below the configured minimum.
	ErrPeriodTooShort = errors.New("oracle: twap period below minimum")

	// ErrNoObservations: the source has nothing recorded for the pool.
	ErrNoObservations = errors.New("oracle: no price observations available")

	// ErrInsufficientHistory: observations exist but do not cover the period.
	ErrInsufficientHistory = errors.New("oracle: insufficient price history for twap")

	// ErrUnknownPool: the pool or asset pair is not registered with the source.
	ErrUnknownPool = errors.New("oracle: unknown pool")
)

// PoolRef identifies a priced pool, e.g. "eth-usdc" or "osqth-eth".
type PoolRef string

// Oracle is the contract the ledger depends on.
type Oracle interface {
	// GetTwap returns the wad price of base denominated in quote averaged over period.
	GetTwap(ctx context.Context, pool PoolRef, base, quote string, period time.Duration, allowFallback bool) (*big.Int, error)
}

// Source computes TWAPs from recorded observations. Twap must fail with
// ErrNoObservations or ErrInsufficientHistory when the period is not covered.
type Source interface {
	Twap(ctx context.Context, pool PoolRef, base, quote string, period time.Duration) (*big.Int, error)
	// MaxPeriod is the longest period the source can currently serve.
	MaxPeriod(ctx context.Context, pool PoolRef) (time.Duration, error)
}
