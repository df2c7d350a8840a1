package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/periphery"
	"PowerPerp/internal/pool"
	"PowerPerp/internal/simulation"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type simulateOpts struct {
	paramsFile string
	ethUsd     string
	osqthEth   string
	poolDepth  string
	mint       string
	collateral string
	shock      string
	elapsed    time.Duration
}

var decimalHundred = decimal.NewFromInt(100)

var (
	simShort      = uuid.MustParse("00000000-0000-0000-0000-00000000051a")
	simLiquidator = uuid.MustParse("00000000-0000-0000-0000-00000000110d")
)

func simulateCmd(ctx context.Context) *cobra.Command {
	var o simulateOpts
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted short, price shock and liquidation in memory",
		Long: "Seeds a simulated oSQTH/ETH pool, opens a short through the periphery,\n" +
			"moves ETH/USD by --shock, lets --elapsed pass, and liquidates the vault\n" +
			"if it turned unsafe. Nothing is persisted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(ctx, cmd.OutOrStdout(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.paramsFile, "params", "", "YAML parameter file")
	f.StringVar(&o.ethUsd, "eth-usd", "3000", "initial ETH/USD")
	f.StringVar(&o.osqthEth, "osqth-eth", "0.3", "initial oSQTH/ETH")
	f.StringVar(&o.poolDepth, "pool-depth", "10000", "oSQTH seeded into the pool")
	f.StringVar(&o.mint, "mint", "100", "oSQTH the short mints")
	f.StringVar(&o.collateral, "collateral", "50", "ETH collateral of the short")
	f.StringVar(&o.shock, "shock", "0.2", "relative ETH/USD move")
	f.DurationVar(&o.elapsed, "elapsed", 24*time.Hour, "time between the shock and the liquidation")
	return cmd
}

type simAmounts struct {
	ethUsd, osqthEth, depth, mint, collateral, shock *big.Int
}

func (o simulateOpts) parse() (simAmounts, error) {
	var a simAmounts
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"eth-usd", o.ethUsd, &a.ethUsd},
		{"osqth-eth", o.osqthEth, &a.osqthEth},
		{"pool-depth", o.poolDepth, &a.depth},
		{"mint", o.mint, &a.mint},
		{"collateral", o.collateral, &a.collateral},
		{"shock", o.shock, &a.shock},
	}
	for _, f := range fields {
		v, err := fpmath.ParseWad(f.raw)
		if err != nil {
			return a, fmt.Errorf("--%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return a, nil
}

func runSimulation(ctx context.Context, w io.Writer, o simulateOpts) error {
	amt, err := o.parse()
	if err != nil {
		return err
	}
	params, err := loadParams(o.paramsFile)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	clock := func() time.Time { return now }
	market := simulation.NewMarket(simulation.MarketConfig{FeeBps: 30, Clock: clock})
	if err := market.SeedPrices(amt.ethUsd, amt.osqthEth, params.TwapPeriod); err != nil {
		return err
	}

	out := make(chan core.CoreOutput, 256)
	var wg sync.WaitGroup
	var events int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range out {
			events += len(u.Envelopes)
		}
	}()

	logger := observability.NewConsoleLogger("simulate", os.Stderr)
	ccfg := market.ControllerConfig(params, now)
	ccfg.Logger = &logger
	c, err := core.NewController(ccfg, out, nil)
	if err != nil {
		return err
	}
	market.Attach(c)
	helper := periphery.NewHelper(c, market.Pool, market.Positions, nil).WithLogger(logger)

	if _, err := market.SeedLiquidity(ctx, c, amt.depth, amt.ethUsd, amt.osqthEth, logger); err != nil {
		return err
	}

	// Open the short.
	if err := c.DepositWallet(ctx, "", simShort, ledger.AssetETH, amt.collateral); err != nil {
		return err
	}
	op, err := helper.OpenShort(ctx, simShort, "", periphery.OpenShortParams{
		MintAmount:       amt.mint,
		CollateralAmount: amt.collateral,
	})
	if err != nil {
		return fmt.Errorf("open short: %w", err)
	}
	fmt.Fprintf(w, "opened vault %d: minted %s oSQTH, sold for %s ETH\n",
		op.VaultID, fpmath.FormatWad(amt.mint), fpmath.FormatWad(op.NetETH))
	if err := printVault(ctx, w, c, op.VaultID, "after open"); err != nil {
		return err
	}

	// Shock ETH/USD, then let the new price fill the TWAP window.
	shocked := fpmath.WadMul(amt.ethUsd, new(big.Int).Add(fpmath.Wad, amt.shock))
	if err := c.RecordPrice(ctx, &event.PriceObserved{
		Pool:          "eth-usdc",
		Price:         shocked,
		PriceSequence: 1,
		ObservedAt:    now,
	}); err != nil {
		return fmt.Errorf("record shock: %w", err)
	}
	now = now.Add(o.elapsed)
	if o.elapsed < params.TwapPeriod {
		now = now.Add(params.TwapPeriod - o.elapsed)
	}
	if err := c.Poke(ctx); err != nil {
		return fmt.Errorf("poke: %w", err)
	}
	fmt.Fprintf(w, "\nETH/USD %s -> %s, %s later\n", fpmath.FormatWad(amt.ethUsd), fpmath.FormatWad(shocked), o.elapsed)
	if err := printVault(ctx, w, c, op.VaultID, "after shock"); err != nil {
		return err
	}
	if err := printFunding(ctx, w, c); err != nil {
		return err
	}

	ids, err := c.LiquidatableVaults(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := liquidateHalf(ctx, c, market.Pool, id)
		if err != nil {
			return fmt.Errorf("liquidate vault %d: %w", id, err)
		}
		fmt.Fprintf(w, "\nliquidated vault %d (%s): repaid %s oSQTH, seized %s ETH\n",
			rec.VaultID, rec.Kind, fpmath.FormatWad(rec.DebtRepaid), fpmath.FormatWad(rec.CollateralSeized))
		if err := printVault(ctx, w, c, id, "after liquidation"); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "\nno vault is liquidatable")
	}

	close(out)
	wg.Wait()
	fmt.Fprintf(w, "\n%d events, final sequence %d\n", events, c.Sequence()-1)
	return nil
}

// liquidateHalf buys half of the vault's debt from the pool and repays it.
func liquidateHalf(ctx context.Context, c *core.Controller, p pool.Pool, id uint64) (*state.LiquidationRecord, error) {
	view, err := c.VaultView(ctx, id)
	if err != nil {
		return nil, err
	}
	half := new(big.Int).Quo(view.Vault.ShortAmount, big.NewInt(2))
	budget := new(big.Int).Mul(view.Vault.CollateralAmount, big.NewInt(2))
	if err := c.DepositWallet(ctx, "", simLiquidator, ledger.AssetETH, budget); err != nil {
		return nil, err
	}

	var rec *state.LiquidationRecord
	err = c.Atomic(ctx, "liquidate", "", func(s *core.Session) error {
		if _, err := p.SwapExactOut(s.Context(), pool.SwapParams{
			Payer:     simLiquidator,
			Recipient: simLiquidator,
			TokenIn:   ledger.AssetETH,
			TokenOut:  ledger.AssetOSQTH,
			Amount:    half,
		}); err != nil {
			return err
		}
		var err error
		rec, err = s.Liquidate(simLiquidator, id, half)
		return err
	})
	return rec, err
}

func printVault(ctx context.Context, w io.Writer, c *core.Controller, id uint64, label string) error {
	view, err := c.VaultView(ctx, id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "vault %d %s\n", id, label)
	fmt.Fprintf(tw, "  collateral\t%s ETH\n", fpmath.FormatWad(view.Vault.CollateralAmount))
	fmt.Fprintf(tw, "  short\t%s oSQTH\n", fpmath.FormatWad(view.Vault.ShortAmount))
	fmt.Fprintf(tw, "  status\t%s\n", view.Status)
	if view.Ratio != nil {
		fmt.Fprintf(tw, "  ratio\t%s\n", fpmath.FormatWad(view.Ratio))
	}
	if view.LiquidationPrice != nil {
		fmt.Fprintf(tw, "  liquidation ETH/USD\t%s\n", fpmath.FormatWad(view.LiquidationPrice))
	}
	return tw.Flush()
}

func printFunding(ctx context.Context, w io.Writer, c *core.Controller) error {
	f, err := c.Funding(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "normalization\n")
	fmt.Fprintf(tw, "  factor\t%s\n", fpmath.FormatWad(f.Factor))
	fmt.Fprintf(tw, "  index\t%s ETH\n", fpmath.FormatWad(f.Index))
	fmt.Fprintf(tw, "  mark\t%s ETH\n", fpmath.FormatWad(f.Mark))
	fmt.Fprintf(tw, "  daily funding\t%s%%\n", f.DailyRate.Mul(decimalHundred).StringFixed(4))
	return tw.Flush()
}
