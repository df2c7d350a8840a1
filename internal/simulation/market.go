// Package simulation builds the in-process market the engine prices from:
// an observation store for both feeds, the oSQTH/ETH pool and its position
// manager, all sharing one ledger book.
package simulation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/liquidity"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/pool"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MarketMaker owns the vault and LP position that seed the pool.
var MarketMaker = uuid.MustParse("00000000-0000-0000-0000-00000000feed")

// MarketConfig describes the simulated market.
type MarketConfig struct {
	Feeds     state.PriceFeedConfig
	FeeBps    int64
	MinPeriod time.Duration
	Clock     func() time.Time
	Metrics   *observability.Metrics
}

// Market is the pool side of the engine.
type Market struct {
	cfg          MarketConfig
	Book         *ledger.Book
	Observations *oracle.ObservationStore
	Oracle       *oracle.Adapter
	Pool         *pool.ConstantProductPool
	Positions    *liquidity.PoolManager
}

// NewMarket registers both feeds and builds the derivative pool. Swaps in
// the pool record their committed spot price as derivative observations.
func NewMarket(cfg MarketConfig) *Market {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Feeds.EthUsdPool == "" {
		cfg.Feeds = state.DefaultPriceFeedConfig()
	}
	obs := oracle.NewObservationStore(cfg.Clock)
	obs.Register(cfg.Feeds.EthUsdPool, state.SymbolETH, state.SymbolUSDC)
	obs.Register(cfg.Feeds.DerivEthPool, state.SymbolOSQTH, state.SymbolETH)

	book := ledger.NewBook()
	p := pool.NewConstantProductPool(pool.Config{
		ID:             string(cfg.Feeds.DerivEthPool),
		Token0:         ledger.AssetOSQTH,
		Token1:         ledger.AssetETH,
		FeeBps:         cfg.FeeBps,
		ObservationRef: cfg.Feeds.DerivEthPool,
	}, book, obs, cfg.Clock)

	return &Market{
		cfg:          cfg,
		Book:         book,
		Observations: obs,
		Oracle: oracle.NewAdapter(obs, oracle.AdapterConfig{
			MinPeriod:   cfg.MinPeriod,
			BreakerName: "twap",
		}, cfg.Metrics),
		Pool:      p,
		Positions: liquidity.NewPoolManager("positions", p, book),
	}
}

// ControllerConfig returns a core.Config with the market wired in. The
// caller fills persistence and observability fields.
func (m *Market) ControllerConfig(params *state.ProtocolParams, genesis time.Time) core.Config {
	return core.Config{
		Params:    params,
		Oracle:    m.Oracle,
		PriceFeed: m.cfg.Feeds,
		Genesis:   genesis,
		Clock:     m.cfg.Clock,
		Book:      m.Book,
		Liquidity: m.Positions,
		Prices:    m.Observations,
		Metrics:   m.cfg.Metrics,
	}
}

// Attach registers the pool with c so swaps roll back with failed units.
// Call before restoring a snapshot.
func (m *Market) Attach(c *core.Controller) {
	c.Register(m.Pool)
}

// SeedPrices records one observation per feed, backdated by window so a
// full TWAP is available immediately.
func (m *Market) SeedPrices(ethUsd, osqthEth *big.Int, window time.Duration) error {
	at := m.cfg.Clock().Add(-window)
	if err := m.Observations.Record(m.cfg.Feeds.EthUsdPool, ethUsd, at); err != nil {
		return fmt.Errorf("seed eth/usd: %w", err)
	}
	if err := m.Observations.Record(m.cfg.Feeds.DerivEthPool, osqthEth, at); err != nil {
		return fmt.Errorf("seed osqth/eth: %w", err)
	}
	return nil
}

// Seeded reports whether the pool already holds liquidity.
func (m *Market) Seeded() bool {
	return m.Pool.TotalLiquidity().Sign() > 0
}

// SeedLiquidity funds MarketMaker, mints osqth against a vault at twice the
// larger of its index and pool value, and adds it to the pool at the
// osqthEth price. It returns the maker's vault id.
func (m *Market) SeedLiquidity(ctx context.Context, c *core.Controller, osqth, ethUsd, osqthEth *big.Int, logger zerolog.Logger) (uint64, error) {
	ethSide := fpmath.WadMul(osqth, osqthEth)
	debtValue := new(big.Int).Quo(fpmath.WadMul(osqth, ethUsd), c.Params().IndexScale)
	collateral := new(big.Int).Mul(ethSide, big.NewInt(2))
	if debtValue.Cmp(ethSide) > 0 {
		collateral = new(big.Int).Mul(debtValue, big.NewInt(2))
	}
	funding := new(big.Int).Add(collateral, ethSide)

	if err := c.DepositWallet(ctx, "sim:seed:fund", MarketMaker, ledger.AssetETH, funding); err != nil {
		return 0, fmt.Errorf("fund market maker: %w", err)
	}
	var vaultID uint64
	err := c.Atomic(ctx, "seed_liquidity", "sim:seed:liquidity", func(s *core.Session) error {
		id, err := s.OpenOrAdjust(MarketMaker, 0, osqth, collateral)
		if err != nil {
			return err
		}
		vaultID = id
		_, _, err = m.Positions.MintPosition(s.Context(), liquidity.MintParams{
			Owner:          MarketMaker,
			Payer:          MarketMaker,
			TickLower:      fpmath.FullRangeTickLower,
			TickUpper:      fpmath.FullRangeTickUpper,
			Amount0Desired: osqth,
			Amount1Desired: ethSide,
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("seed liquidity: %w", err)
	}
	logger.Info().
		Uint64("vault_id", vaultID).
		Str("osqth", fpmath.FormatWad(osqth)).
		Str("eth", fpmath.FormatWad(ethSide)).
		Msg("seeded pool liquidity")
	return vaultID, nil
}
