package event

import (
	"math/big"

	"github.com/google/uuid"
)

type VaultOpened struct {
	VaultID uint64    `json:"vault_id"`
	Owner   uuid.UUID `json:"owner"`
}

func (e *VaultOpened) EventType() EventType  { return EventTypeVaultOpened }
func (e *VaultOpened) Vault() (uint64, bool) { return e.VaultID, true }

type CollateralDeposited struct {
	VaultID uint64    `json:"vault_id"`
	Caller  uuid.UUID `json:"caller"`
	Amount  *big.Int  `json:"amount"`
}

func (e *CollateralDeposited) EventType() EventType  { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) Vault() (uint64, bool) { return e.VaultID, true }

type CollateralWithdrawn struct {
	VaultID uint64    `json:"vault_id"`
	Caller  uuid.UUID `json:"caller"`
	Amount  *big.Int  `json:"amount"`
}

func (e *CollateralWithdrawn) EventType() EventType  { return EventTypeCollateralWithdrawn }
func (e *CollateralWithdrawn) Vault() (uint64, bool) { return e.VaultID, true }

// ShortMinted: Amount is the normalized short amount, Debt its economic
// value at the factor in force.
type ShortMinted struct {
	VaultID uint64    `json:"vault_id"`
	Caller  uuid.UUID `json:"caller"`
	Amount  *big.Int  `json:"amount"`
	Debt    *big.Int  `json:"debt"`
}

func (e *ShortMinted) EventType() EventType  { return EventTypeShortMinted }
func (e *ShortMinted) Vault() (uint64, bool) { return e.VaultID, true }

type ShortBurned struct {
	VaultID uint64    `json:"vault_id"`
	Caller  uuid.UUID `json:"caller"`
	Amount  *big.Int  `json:"amount"`
	Debt    *big.Int  `json:"debt"`
}

func (e *ShortBurned) EventType() EventType  { return EventTypeShortBurned }
func (e *ShortBurned) Vault() (uint64, bool) { return e.VaultID, true }

type OperatorUpdated struct {
	VaultID  uint64    `json:"vault_id"`
	Operator uuid.UUID `json:"operator"`
}

func (e *OperatorUpdated) EventType() EventType  { return EventTypeOperatorUpdated }
func (e *OperatorUpdated) Vault() (uint64, bool) { return e.VaultID, true }

type VaultTransferred struct {
	VaultID uint64    `json:"vault_id"`
	From    uuid.UUID `json:"from"`
	To      uuid.UUID `json:"to"`
}

func (e *VaultTransferred) EventType() EventType  { return EventTypeVaultTransferred }
func (e *VaultTransferred) Vault() (uint64, bool) { return e.VaultID, true }

type LPPositionDeposited struct {
	VaultID   uint64   `json:"vault_id"`
	TokenID   uint64   `json:"token_id"`
	Liquidity *big.Int `json:"liquidity"`
}

func (e *LPPositionDeposited) EventType() EventType  { return EventTypeLPPositionDeposited }
func (e *LPPositionDeposited) Vault() (uint64, bool) { return e.VaultID, true }

// LPPositionWithdrawn is emitted when a position leaves a vault, either
// returned to the owner or redeemed during a liquidation.
type LPPositionWithdrawn struct {
	VaultID  uint64    `json:"vault_id"`
	TokenID  uint64    `json:"token_id"`
	Redeemed bool      `json:"redeemed"`
	To       uuid.UUID `json:"to"`
}

func (e *LPPositionWithdrawn) EventType() EventType  { return EventTypeLPPositionWithdrawn }
func (e *LPPositionWithdrawn) Vault() (uint64, bool) { return e.VaultID, true }
