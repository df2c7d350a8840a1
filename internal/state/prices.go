package state

import (
	"context"
	"fmt"
	"math/big"

	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/oracle"
)

// Asset symbols as the oracle knows them.
const (
	SymbolETH   = "ETH"
	SymbolUSDC  = "USDC"
	SymbolOSQTH = "OSQTH"
)

// PriceFeedConfig names the two pools the protocol prices from.
type PriceFeedConfig struct {
	EthUsdPool   oracle.PoolRef // ETH priced in USDC
	DerivEthPool oracle.PoolRef // oSQTH priced in ETH
}

// DefaultPriceFeedConfig uses the simulated pool names.
func DefaultPriceFeedConfig() PriceFeedConfig {
	return PriceFeedConfig{EthUsdPool: "eth-usdc", DerivEthPool: "osqth-eth"}
}

// PriceFeed reads the index and mark inputs through the oracle adapter.
type PriceFeed struct {
	oracle oracle.Oracle
	cfg    PriceFeedConfig
	params *ProtocolParams
}

func NewPriceFeed(o oracle.Oracle, cfg PriceFeedConfig, params *ProtocolParams) *PriceFeed {
	return &PriceFeed{oracle: o, cfg: cfg, params: params}
}

// Config returns the pool names in use.
func (pf *PriceFeed) Config() PriceFeedConfig {
	return pf.cfg
}

// EthUsd returns the ETH/USD TWAP over the configured period.
func (pf *PriceFeed) EthUsd(ctx context.Context) (*big.Int, error) {
	p, err := pf.oracle.GetTwap(ctx, pf.cfg.EthUsdPool, SymbolETH, SymbolUSDC, pf.params.TwapPeriod, pf.params.OracleFallback)
	if err != nil {
		return nil, fmt.Errorf("eth/usd twap: %w", err)
	}
	return p, nil
}

// DerivativeEth returns the oSQTH/ETH TWAP (ETH per oSQTH, wad).
func (pf *PriceFeed) DerivativeEth(ctx context.Context) (*big.Int, error) {
	p, err := pf.oracle.GetTwap(ctx, pf.cfg.DerivEthPool, SymbolOSQTH, SymbolETH, pf.params.TwapPeriod, pf.params.OracleFallback)
	if err != nil {
		return nil, fmt.Errorf("osqth/eth twap: %w", err)
	}
	return p, nil
}

// Index converts an ETH/USD price into ETH per normalized unit.
func (pf *PriceFeed) Index(ethUsd *big.Int) *big.Int {
	return fpmath.Div(ethUsd, pf.params.IndexScale, fpmath.RoundDown)
}

// Mark converts the oSQTH/ETH price into ETH per normalized unit.
func (pf *PriceFeed) Mark(derivEth, factor *big.Int) *big.Int {
	return fpmath.WadDiv(derivEth, factor)
}

// Prices is the price context one settlement unit evaluates vaults against.
// Derivative is only read when an LP position must be valued.
type Prices struct {
	Factor     *big.Int
	EthUsd     *big.Int
	Derivative *big.Int
}
