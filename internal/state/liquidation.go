package state

import (
	"fmt"
	"math/big"

	fpmath "PowerPerp/internal/math"

	"github.com/google/uuid"
)

// LiquidationKind classifies a liquidation outcome.
type LiquidationKind int

const (
	LiquidationPartial LiquidationKind = iota
	LiquidationFull
	// LiquidationReducedDebtOnly: redeeming the attached LP position made the
	// vault safe, nothing was repaid by the liquidator.
	LiquidationReducedDebtOnly
)

func (k LiquidationKind) String() string {
	switch k {
	case LiquidationPartial:
		return "Partial"
	case LiquidationFull:
		return "Full"
	case LiquidationReducedDebtOnly:
		return "ReducedDebtOnly"
	default:
		return "Unknown"
	}
}

// LiquidationRecord is emitted for every successful Liquidate call.
type LiquidationRecord struct {
	VaultID          uint64
	Liquidator       uuid.UUID
	DebtRepaid       *big.Int // normalized short amount burned
	CollateralSeized *big.Int // ETH paid to the liquidator
	Kind             LiquidationKind
	LPRedeemed       bool
	Factor           *big.Int
	EthUsd           *big.Int
}

// LiquidationEngine computes liquidation amounts. It does not move funds.
type LiquidationEngine struct {
	calc *CollateralCalculator
}

func NewLiquidationEngine(calc *CollateralCalculator) *LiquidationEngine {
	return &LiquidationEngine{calc: calc}
}

// MaxRepayable returns the largest debtToRepay accepted for v: half the
// short amount, or all of it when a half liquidation would leave debt worth
// less than DustDebtValue.
func (le *LiquidationEngine) MaxRepayable(v *Vault, p Prices) *big.Int {
	half := new(big.Int).Rsh(v.ShortAmount, 1)
	remaining := new(big.Int).Sub(v.ShortAmount, half)
	if le.calc.DebtValue(remaining, p.Factor, p.EthUsd).Cmp(le.calc.params.DustDebtValue) < 0 {
		return fpmath.Copy(v.ShortAmount)
	}
	return half
}

// Seizure returns the collateral owed for repaying debtToRepay:
// debtValue * (1 + bonus), capped at collateral.
func (le *LiquidationEngine) Seizure(v *Vault, debtToRepay *big.Int, p Prices) *big.Int {
	value := le.calc.DebtValue(debtToRepay, p.Factor, p.EthUsd)
	bonusFactor := new(big.Int).Add(fpmath.Wad, le.calc.params.LiquidationBonus)
	seized := fpmath.WadMul(value, bonusFactor)
	return fpmath.Min(seized, v.CollateralAmount)
}

// Plan validates a liquidation of v and returns the amounts to apply. v
// must already have any LP position redeemed.
func (le *LiquidationEngine) Plan(v *Vault, liquidator uuid.UUID, debtToRepay *big.Int, p Prices) (*LiquidationRecord, error) {
	val, err := le.calc.Value(v, p)
	if err != nil {
		return nil, err
	}
	if le.calc.IsSafe(val) {
		return nil, fmt.Errorf("%w: vault=%d", ErrVaultSafe, v.ID)
	}
	if debtToRepay == nil || debtToRepay.Sign() <= 0 {
		return nil, fmt.Errorf("%w: debt to repay must be positive", ErrInvalidAmount)
	}

	maxRepay := le.MaxRepayable(v, p)
	if debtToRepay.Cmp(maxRepay) > 0 {
		return nil, fmt.Errorf("%w: vault=%d repay=%s max=%s",
			ErrExceedsHalfDebt, v.ID, debtToRepay, maxRepay)
	}

	kind := LiquidationPartial
	if debtToRepay.Cmp(v.ShortAmount) == 0 {
		kind = LiquidationFull
	}
	return &LiquidationRecord{
		VaultID:          v.ID,
		Liquidator:       liquidator,
		DebtRepaid:       fpmath.Copy(debtToRepay),
		CollateralSeized: le.Seizure(v, debtToRepay, p),
		Kind:             kind,
		Factor:           fpmath.Copy(p.Factor),
		EthUsd:           fpmath.Copy(p.EthUsd),
	}, nil
}
