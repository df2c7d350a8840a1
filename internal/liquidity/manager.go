// Package liquidity is the LP position manager contract and a full-range
// simulation over the constant product pool.
package liquidity

import (
	"context"
	"errors"
	"math/big"

	"github.com/google/uuid"
)

var (
	ErrPositionNotFound = errors.New("liquidity: position not found")
	ErrNotPositionOwner = errors.New("liquidity: caller does not own position")
	ErrUnsupportedRange = errors.New("liquidity: unsupported tick range")
	ErrInvalidLiquidity = errors.New("liquidity: invalid liquidity amount")
)

// PositionInfo is the manager's view of a position. Token0 is the
// derivative and token1 the base asset.
type PositionInfo struct {
	TokenID   uint64
	Owner     uuid.UUID
	Pool      string
	TickLower int32
	TickUpper int32
	Liquidity *big.Int
	Owed0     *big.Int // removed but not yet collected
	Owed1     *big.Int
}

// MintParams opens a position funded by Payer and owned by Owner.
type MintParams struct {
	Owner          uuid.UUID
	Payer          uuid.UUID
	TickLower      int32
	TickUpper      int32
	Amount0Desired *big.Int
	Amount1Desired *big.Int
}

// Amounts is what a liquidity change moved.
type Amounts struct {
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

// Manager is the contract the ledger and periphery depend on.
type Manager interface {
	MintPosition(ctx context.Context, p MintParams) (uint64, Amounts, error)
	IncreaseLiquidity(ctx context.Context, tokenID uint64, payer uuid.UUID, amount0Desired, amount1Desired *big.Int) (Amounts, error)
	DecreaseLiquidity(ctx context.Context, tokenID uint64, caller uuid.UUID, liquidity *big.Int) (Amounts, error)
	Collect(ctx context.Context, tokenID uint64, caller, recipient uuid.UUID) (Amounts, error)
	PositionInfo(ctx context.Context, tokenID uint64) (PositionInfo, error)
	OwnerOf(ctx context.Context, tokenID uint64) (uuid.UUID, error)
	TransferPosition(ctx context.Context, tokenID uint64, from, to uuid.UUID) error
}
