package event

import (
	"math/big"

	"github.com/google/uuid"
)

// VaultLiquidated is the liquidation record {vault, debt repaid, collateral seized}.
type VaultLiquidated struct {
	VaultID          uint64    `json:"vault_id"`
	Liquidator       uuid.UUID `json:"liquidator"`
	DebtRepaid       *big.Int  `json:"debt_repaid"`
	CollateralSeized *big.Int  `json:"collateral_seized"`
	Kind             string    `json:"kind"`
	LPRedeemed       bool      `json:"lp_redeemed"`
	Factor           *big.Int  `json:"factor"`
	EthUsd           *big.Int  `json:"eth_usd"`
}

func (e *VaultLiquidated) EventType() EventType  { return EventTypeVaultLiquidated }
func (e *VaultLiquidated) Vault() (uint64, bool) { return e.VaultID, true }
