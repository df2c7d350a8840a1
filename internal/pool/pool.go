// Package pool is the liquidity pool contract the periphery trades against,
// plus an in-process constant product implementation used by simulations
// and tests.
package pool

import (
	"context"
	"errors"
	"math/big"

	"PowerPerp/internal/ledger"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientRepayment: a flash swap callback returned without paying
	// what it owed.
	ErrInsufficientRepayment = errors.New("pool: insufficient repayment")

	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrUnsupportedPair       = errors.New("pool: unsupported token pair")
	ErrLocked                = errors.New("pool: locked")
	ErrZeroAmount            = errors.New("pool: zero amount")
)

// SwapParams describes a plain swap. Amount is the exact input for
// SwapExactIn and the exact output for SwapExactOut.
type SwapParams struct {
	Payer     uuid.UUID
	Recipient uuid.UUID
	TokenIn   ledger.AssetID
	TokenOut  ledger.AssetID
	Amount    *big.Int
}

type SwapResult struct {
	AmountIn  *big.Int
	AmountOut *big.Int
}

// FlashParams describes a flash swap: the output is delivered before the
// callback runs, the input is owed by the time it returns.
type FlashParams struct {
	Recipient uuid.UUID
	TokenIn   ledger.AssetID
	TokenOut  ledger.AssetID
	Amount    *big.Int
	ExactIn   bool // Amount is the input owed; otherwise the output delivered
}

// FlashSettlement tells the callback what it received and what it owes.
type FlashSettlement struct {
	Pool       string
	TokenIn    ledger.AssetID
	AmountOwed *big.Int
	TokenOut   ledger.AssetID
	AmountOut  *big.Int
}

// FlashCallback is invoked by FlashSwap with the caller's data.
type FlashCallback interface {
	OnFlashSwap(ctx context.Context, s FlashSettlement, data any) error
}

// Pool is a two-token pool. All methods must run inside a controller unit.
type Pool interface {
	ID() string

	SwapExactIn(ctx context.Context, p SwapParams) (SwapResult, error)
	SwapExactOut(ctx context.Context, p SwapParams) (SwapResult, error)

	QuoteExactIn(ctx context.Context, tokenIn, tokenOut ledger.AssetID, amountIn *big.Int) (*big.Int, error)
	QuoteExactOut(ctx context.Context, tokenIn, tokenOut ledger.AssetID, amountOut *big.Int) (*big.Int, error)

	FlashSwap(ctx context.Context, p FlashParams, cb FlashCallback, data any) (SwapResult, error)

	// Pay transfers amount of asset from payer into the pool. Flash
	// callbacks repay through it.
	Pay(ctx context.Context, payer uuid.UUID, asset ledger.AssetID, amount *big.Int) error
}
