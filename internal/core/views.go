package core

import (
	"context"
	"math/big"
	"time"

	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VaultView is a vault evaluated at the expected normalization factor.
// Views never settle normalization.
type VaultView struct {
	Vault            *state.Vault
	Factor           *big.Int
	EthUsd           *big.Int
	Debt             *big.Int // economic oSQTH debt
	Valuation        *state.Valuation
	Ratio            *big.Int // nil without debt
	LiquidationPrice *big.Int // ETH/USD at which the vault turns unsafe, nil without debt
	Status           state.VaultStatus
}

// FundingView summarizes the funding state at the current clock.
type FundingView struct {
	Factor       *big.Int
	LastUpdate   time.Time
	Index        *big.Int
	Mark         *big.Int
	PeriodRate   decimal.Decimal // ln(mark/index) over one funding period
	DailyRate    decimal.Decimal
	FundingCycle time.Duration
}

// viewPrices reads the price context a read-only call evaluates against.
func (c *Controller) viewPrices(ctx context.Context, withDerivative bool) (state.Prices, error) {
	factor, err := c.norm.Expected(ctx, c.clock())
	if err != nil {
		return state.Prices{}, err
	}
	ethUsd, err := c.feed.EthUsd(ctx)
	if err != nil {
		return state.Prices{}, err
	}
	p := state.Prices{Factor: factor, EthUsd: ethUsd}
	if withDerivative {
		if p.Derivative, err = c.feed.DerivativeEth(ctx); err != nil {
			return state.Prices{}, err
		}
	}
	return p, nil
}

func (c *Controller) viewVault(ctx context.Context, id uint64) (*state.Vault, error) {
	v, err := c.vaults.Get(id)
	if err != nil {
		return nil, err
	}
	if v.LPPosition != nil && c.lpm != nil {
		info, err := c.lpm.PositionInfo(ctx, v.LPPosition.TokenID)
		if err != nil {
			return nil, err
		}
		v.LPPosition.Liquidity = fpmath.Copy(info.Liquidity)
	}
	return v, nil
}

func (c *Controller) evaluate(v *state.Vault, p state.Prices) (*VaultView, error) {
	val, err := c.calc.Value(v, p)
	if err != nil {
		return nil, err
	}
	return &VaultView{
		Vault:            v,
		Factor:           p.Factor,
		EthUsd:           p.EthUsd,
		Debt:             fpmath.WadMul(v.ShortAmount, p.Factor),
		Valuation:        val,
		Ratio:            val.Ratio(),
		LiquidationPrice: c.calc.LiquidationPrice(v.CollateralAmount, v.ShortAmount, p.Factor),
		Status:           c.calc.Status(val),
	}, nil
}

// VaultView returns one vault with its collateralization at the current
// clock.
func (c *Controller) VaultView(ctx context.Context, id uint64) (*VaultView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.viewVault(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := c.viewPrices(ctx, v.LPPosition != nil)
	if err != nil {
		return nil, err
	}
	return c.evaluate(v, p)
}

// IsVaultSafe reports whether a vault passes the collateral ratio check.
func (c *Controller) IsVaultSafe(ctx context.Context, id uint64) (bool, error) {
	view, err := c.VaultView(ctx, id)
	if err != nil {
		return false, err
	}
	return view.Status != state.VaultStatusLiquidatable, nil
}

// LiquidatableVaults scans every open vault and returns the ids that can
// be liquidated now, in id order.
func (c *Controller) LiquidatableVaults(ctx context.Context) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var base *state.Prices
	var ids []uint64
	for _, v := range c.vaults.All() {
		if !v.HasDebt() {
			continue
		}
		if base == nil || (v.LPPosition != nil && base.Derivative == nil) {
			p, err := c.viewPrices(ctx, v.LPPosition != nil)
			if err != nil {
				return nil, err
			}
			base = &p
		}
		if v.LPPosition != nil && c.lpm != nil {
			info, err := c.lpm.PositionInfo(ctx, v.LPPosition.TokenID)
			if err != nil {
				return nil, err
			}
			v.LPPosition.Liquidity = info.Liquidity
		}
		val, err := c.calc.Value(v, *base)
		if err != nil {
			return nil, err
		}
		if c.calc.Status(val) == state.VaultStatusLiquidatable {
			ids = append(ids, v.ID)
		}
	}
	return ids, nil
}

// Vaults returns copies of every open vault record.
func (c *Controller) Vaults() []*state.Vault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vaults.All()
}

// OwnerOf returns the vault NFT owner.
func (c *Controller) OwnerOf(id uint64) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vaults.OwnerOf(id)
}

// ExpectedNormalizationFactor previews the factor a settlement at the
// current clock would produce.
func (c *Controller) ExpectedNormalizationFactor(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.norm.Expected(ctx, c.clock())
}

// Normalization returns the last settled record.
func (c *Controller) Normalization() state.NormalizationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.norm.State()
}

// Index returns the index price in ETH per normalized unit.
func (c *Controller) Index(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ethUsd, err := c.feed.EthUsd(ctx)
	if err != nil {
		return nil, err
	}
	return c.feed.Index(ethUsd), nil
}

// Mark returns the mark price in ETH per normalized unit at the expected
// factor.
func (c *Controller) Mark(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	factor, err := c.norm.Expected(ctx, c.clock())
	if err != nil {
		return nil, err
	}
	deriv, err := c.feed.DerivativeEth(ctx)
	if err != nil {
		return nil, err
	}
	return c.feed.Mark(deriv, factor), nil
}

// Funding returns index, mark and the implied funding rates.
func (c *Controller) Funding(ctx context.Context) (*FundingView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	factor, err := c.norm.Expected(ctx, c.clock())
	if err != nil {
		return nil, err
	}
	ethUsd, err := c.feed.EthUsd(ctx)
	if err != nil {
		return nil, err
	}
	deriv, err := c.feed.DerivativeEth(ctx)
	if err != nil {
		return nil, err
	}
	index := c.feed.Index(ethUsd)
	mark := c.feed.Mark(deriv, factor)

	period, err := fpmath.ImpliedFunding(mark, index, c.params.FundingPeriod, c.params.FundingPeriod)
	if err != nil {
		return nil, err
	}
	daily, err := fpmath.ImpliedFunding(mark, index, c.params.FundingPeriod, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return &FundingView{
		Factor:       factor,
		LastUpdate:   c.norm.State().LastUpdate,
		Index:        index,
		Mark:         mark,
		PeriodRate:   period,
		DailyRate:    daily,
		FundingCycle: c.params.FundingPeriod,
	}, nil
}

// WalletBalance returns an identity's committed balance.
func (c *Controller) WalletBalance(owner uuid.UUID, asset ledger.AssetID) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.book.WalletBalance(owner, asset)
}
