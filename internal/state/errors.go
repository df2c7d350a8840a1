package state

import "errors"

var (
	ErrUndercollateralized = errors.New("vault: undercollateralized")
	ErrExceedsHalfDebt     = errors.New("liquidation: debt to repay exceeds half of vault debt")
	ErrVaultSafe           = errors.New("liquidation: vault is safe")
	ErrNotOwnerOrOperator  = errors.New("vault: caller is not owner or operator")
	ErrNotOwner            = errors.New("vault: caller is not owner")
	ErrDustVault           = errors.New("vault: collateral below minimum for open debt")
	ErrVaultNotFound       = errors.New("vault: not found")
	ErrInvalidAmount       = errors.New("vault: invalid amount")
	ErrBurnExceedsDebt     = errors.New("vault: burn amount exceeds debt")
	ErrWithdrawExceeds     = errors.New("vault: withdraw amount exceeds collateral")
	ErrLPPositionAttached  = errors.New("vault: lp position already attached")
	ErrNoLPPosition        = errors.New("vault: no lp position attached")
)
