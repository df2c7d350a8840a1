package core

import (
	"errors"

	"PowerPerp/internal/ledger"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/pool"
	"PowerPerp/internal/state"
)

var (
	ErrDuplicateRequest   = errors.New("core: duplicate request")
	ErrNoLiquidityManager = errors.New("core: no lp position manager configured")
	ErrWrongPool          = errors.New("core: lp position is not in the derivative pool")
	ErrStalePrice         = errors.New("core: stale price observation")
	ErrUnknownAsset       = errors.New("core: unknown asset")
)

// RejectReason maps an operation error onto a short metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, state.ErrUndercollateralized):
		return "undercollateralized"
	case errors.Is(err, state.ErrDustVault):
		return "dust_vault"
	case errors.Is(err, state.ErrNotOwnerOrOperator), errors.Is(err, state.ErrNotOwner):
		return "unauthorized"
	case errors.Is(err, state.ErrVaultSafe):
		return "vault_safe"
	case errors.Is(err, state.ErrExceedsHalfDebt):
		return "exceeds_half_debt"
	case errors.Is(err, state.ErrVaultNotFound):
		return "vault_not_found"
	case errors.Is(err, oracle.ErrOracleUnavailable), errors.Is(err, oracle.ErrStaleOracle):
		return "oracle"
	case errors.Is(err, pool.ErrInsufficientRepayment):
		return "insufficient_repayment"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	default:
		return "other"
	}
}
