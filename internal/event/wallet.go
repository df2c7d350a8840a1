package event

import (
	"math/big"

	"github.com/google/uuid"
)

// WalletDeposited: assets entered the ledger from outside.
type WalletDeposited struct {
	DepositID uuid.UUID `json:"deposit_id"`
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    *big.Int  `json:"amount"`
}

func (e *WalletDeposited) EventType() EventType  { return EventTypeWalletDeposited }
func (e *WalletDeposited) Vault() (uint64, bool) { return 0, false }

// WalletWithdrawn: assets left the ledger.
type WalletWithdrawn struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Amount       *big.Int  `json:"amount"`
}

func (e *WalletWithdrawn) EventType() EventType  { return EventTypeWalletWithdrawn }
func (e *WalletWithdrawn) Vault() (uint64, bool) { return 0, false }
