package periphery_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/liquidity"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/periphery"
	"PowerPerp/internal/pool"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")
	maker = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

type fixedOracle map[oracle.PoolRef]*big.Int

func (o fixedOracle) GetTwap(_ context.Context, pool oracle.PoolRef, _, _ string, _ time.Duration, _ bool) (*big.Int, error) {
	p, ok := o[pool]
	if !ok {
		return nil, oracle.ErrStaleOracle
	}
	return new(big.Int).Set(p), nil
}

type fixture struct {
	ctx     context.Context
	c       *core.Controller
	pool    *pool.ConstantProductPool
	lpm     *liquidity.PoolManager
	helper  *periphery.Helper
	persist chan core.CoreOutput
}

func wad(s string) *big.Int { return fpmath.MustParseWad(s) }

// newFixture prices ETH at 3000 USD and oSQTH at 0.3 ETH, and seeds the
// pool with 1000 oSQTH / 300 ETH minted by a market maker vault.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	book := ledger.NewBook()
	clock := func() time.Time { return epoch }
	p := pool.NewConstantProductPool(pool.Config{
		ID:     "osqth-eth",
		Token0: ledger.AssetOSQTH,
		Token1: ledger.AssetETH,
		FeeBps: 30,
	}, book, nil, clock)
	lpm := liquidity.NewPoolManager("positions", p, book)

	logger := observability.NewNopLogger()
	persist := make(chan core.CoreOutput, 1024)
	c, err := core.NewController(core.Config{
		Oracle:    fixedOracle{"eth-usdc": wad("3000"), "osqth-eth": wad("0.3")},
		Genesis:   epoch,
		Clock:     clock,
		Book:      book,
		Liquidity: lpm,
		Logger:    &logger,
	}, persist, nil)
	require.NoError(t, err)
	c.Register(p)

	f := &fixture{
		ctx:     context.Background(),
		c:       c,
		pool:    p,
		lpm:     lpm,
		helper:  periphery.NewHelper(c, p, lpm, nil).WithLogger(logger),
		persist: persist,
	}

	f.fund(t, maker, "750")
	err = c.Atomic(f.ctx, "seed", "", func(s *core.Session) error {
		if _, err := s.OpenOrAdjust(maker, 0, wad("1000"), wad("450")); err != nil {
			return err
		}
		_, _, err := lpm.MintPosition(s.Context(), liquidity.MintParams{
			Owner:          maker,
			Payer:          maker,
			TickLower:      fpmath.FullRangeTickLower,
			TickUpper:      fpmath.FullRangeTickUpper,
			Amount0Desired: wad("1000"),
			Amount1Desired: wad("300"),
		})
		return err
	})
	require.NoError(t, err)
	f.drain()
	return f
}

func (f *fixture) fund(t *testing.T, who uuid.UUID, eth string) {
	t.Helper()
	err := f.c.Atomic(f.ctx, "deposit_wallet", "", func(s *core.Session) error {
		return s.DepositWallet(who, ledger.AssetETH, wad(eth))
	})
	require.NoError(t, err)
}

func (f *fixture) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-f.persist:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func (f *fixture) vault(t *testing.T, id uint64) *state.Vault {
	t.Helper()
	view, err := f.c.VaultView(f.ctx, id)
	require.NoError(t, err)
	return view.Vault
}

func (f *fixture) eth(who uuid.UUID) *big.Int   { return f.c.WalletBalance(who, ledger.AssetETH) }
func (f *fixture) osqth(who uuid.UUID) *big.Int { return f.c.WalletBalance(who, ledger.AssetOSQTH) }

func (f *fixture) requireHelperEmpty(t *testing.T) {
	t.Helper()
	assert.Zero(t, f.eth(periphery.HelperIdentity).Sign())
	assert.Zero(t, f.osqth(periphery.HelperIdentity).Sign())
}

func assertWad(t *testing.T, want, got *big.Int, msg string) {
	t.Helper()
	assert.Equal(t, 0, want.Cmp(got), "%s: want %s, got %s", msg, fpmath.FormatWad(want), fpmath.FormatWad(got))
}

func (f *fixture) openWithFlash(t *testing.T) uint64 {
	t.Helper()
	op, err := f.helper.FlashswapSellLongWMint(f.ctx, alice, "", periphery.SellLongWMintParams{
		MintAmount:       wad("100"),
		CollateralAmount: wad("45"),
	})
	require.NoError(t, err)
	return op.VaultID
}

func TestFlashswapSellLongWMint_OpensAndSells(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "20")
	f.drain()

	proceeds, err := f.pool.QuoteExactIn(f.ctx, ledger.AssetOSQTH, ledger.AssetETH, wad("100"))
	require.NoError(t, err)

	op, err := f.helper.FlashswapSellLongWMint(f.ctx, alice, "sell-1", periphery.SellLongWMintParams{
		MintAmount:       wad("100"),
		CollateralAmount: wad("45"),
		MinToReceive:     proceeds,
	})
	require.NoError(t, err)
	assert.Equal(t, periphery.StateSettled, op.State)

	v := f.vault(t, op.VaultID)
	assertWad(t, wad("45"), v.CollateralAmount, "collateral")
	assertWad(t, wad("100"), v.ShortAmount, "short")
	assertWad(t, new(big.Int).Sub(proceeds, wad("45")), op.NetETH, "net eth")
	assert.Zero(t, op.NetOSQTH.Sign())
	assertWad(t, new(big.Int).Add(wad("20"), op.NetETH), f.eth(alice), "alice eth")
	f.requireHelperEmpty(t)

	outs := f.drain()
	require.Len(t, outs, 1)
	last := outs[0].Envelopes[len(outs[0].Envelopes)-1]
	require.Equal(t, event.EventTypeCompositeSettled, last.EventType)
	decoded, err := event.Decode(last.EventType, last.Payload)
	require.NoError(t, err)
	settled := decoded.(*event.CompositeSettled)
	assert.Equal(t, "flashswap_sell_long_w_mint", settled.Kind)
	assert.Equal(t, op.VaultID, settled.VaultID)
}

func TestFlashswapSellLongWMint_SlippageRevertsEverything(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "20")
	r0, r1 := f.pool.Reserves()
	vaults := len(f.c.Vaults())

	proceeds, err := f.pool.QuoteExactIn(f.ctx, ledger.AssetOSQTH, ledger.AssetETH, wad("100"))
	require.NoError(t, err)

	_, err = f.helper.FlashswapSellLongWMint(f.ctx, alice, "", periphery.SellLongWMintParams{
		MintAmount:       wad("100"),
		CollateralAmount: wad("45"),
		MinToReceive:     new(big.Int).Add(proceeds, big.NewInt(1)),
	})
	require.ErrorIs(t, err, periphery.ErrSlippageExceeded)

	r0After, r1After := f.pool.Reserves()
	assertWad(t, r0, r0After, "osqth reserve")
	assertWad(t, r1, r1After, "eth reserve")
	assert.Len(t, f.c.Vaults(), vaults)
	assertWad(t, wad("20"), f.eth(alice), "alice eth")
	f.requireHelperEmpty(t)
}

func TestFlashswapSellLongWMint_Undercollateralized(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "20")
	r0, _ := f.pool.Reserves()

	_, err := f.helper.FlashswapSellLongWMint(f.ctx, alice, "", periphery.SellLongWMintParams{
		MintAmount:       wad("100"),
		CollateralAmount: wad("30"),
	})
	require.ErrorIs(t, err, state.ErrUndercollateralized)

	r0After, _ := f.pool.Reserves()
	assertWad(t, r0, r0After, "osqth reserve")
	assertWad(t, wad("20"), f.eth(alice), "alice eth")
}

func TestFlashswapSellLongWMint_TopUpMissing(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "1")

	_, err := f.helper.FlashswapSellLongWMint(f.ctx, alice, "", periphery.SellLongWMintParams{
		MintAmount:       wad("100"),
		CollateralAmount: wad("45"),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assertWad(t, wad("1"), f.eth(alice), "alice eth")
}

func TestFlashswapWBurnBuyLong_ClosesAndBuysLong(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "20")
	id := f.openWithFlash(t)

	cost, err := f.pool.QuoteExactOut(f.ctx, ledger.AssetETH, ledger.AssetOSQTH, wad("110"))
	require.NoError(t, err)

	_, err = f.helper.FlashswapWBurnBuyLong(f.ctx, alice, "", periphery.BurnBuyLongParams{
		VaultID:              id,
		BurnAmount:           wad("100"),
		BuyAmount:            wad("10"),
		CollateralToWithdraw: wad("45"),
		MaxToPay:             new(big.Int).Sub(cost, big.NewInt(1)),
	})
	require.ErrorIs(t, err, periphery.ErrSlippageExceeded)

	ethBefore := f.eth(alice)
	op, err := f.helper.FlashswapWBurnBuyLong(f.ctx, alice, "", periphery.BurnBuyLongParams{
		VaultID:              id,
		BurnAmount:           wad("100"),
		BuyAmount:            wad("10"),
		CollateralToWithdraw: wad("45"),
		MaxToPay:             cost,
	})
	require.NoError(t, err)

	v := f.vault(t, id)
	assert.Zero(t, v.ShortAmount.Sign())
	assert.Zero(t, v.CollateralAmount.Sign())
	assertWad(t, wad("10"), f.osqth(alice), "long kept")
	assertWad(t, new(big.Int).Sub(wad("45"), cost), op.NetETH, "net eth")
	assertWad(t, new(big.Int).Add(ethBefore, op.NetETH), f.eth(alice), "alice eth")
	f.requireHelperEmpty(t)
}

func TestFlashswapWBurnBuyLong_RequiresVaultAuthority(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "20")
	id := f.openWithFlash(t)

	mallory := uuid.New()
	f.fund(t, mallory, "100")
	_, err := f.helper.FlashswapWBurnBuyLong(f.ctx, mallory, "", periphery.BurnBuyLongParams{
		VaultID:              id,
		BurnAmount:           wad("100"),
		CollateralToWithdraw: wad("45"),
	})
	require.ErrorIs(t, err, state.ErrNotOwnerOrOperator)
	assertWad(t, wad("100"), f.eth(mallory), "mallory eth")
}

func TestOpenShortCloseShort(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "50")

	proceeds, err := f.pool.QuoteExactIn(f.ctx, ledger.AssetOSQTH, ledger.AssetETH, wad("100"))
	require.NoError(t, err)
	opened, err := f.helper.OpenShort(f.ctx, alice, "", periphery.OpenShortParams{
		MintAmount:       wad("100"),
		CollateralAmount: wad("45"),
		MinToReceive:     proceeds,
	})
	require.NoError(t, err)
	assertWad(t, new(big.Int).Sub(proceeds, wad("45")), opened.NetETH, "open net eth")
	assert.Zero(t, f.osqth(alice).Sign())

	cost, err := f.pool.QuoteExactOut(f.ctx, ledger.AssetETH, ledger.AssetOSQTH, wad("100"))
	require.NoError(t, err)
	closed, err := f.helper.CloseShort(f.ctx, alice, "", periphery.CloseShortParams{
		VaultID:              opened.VaultID,
		BurnAmount:           wad("100"),
		CollateralToWithdraw: wad("45"),
		MaxToPay:             cost,
	})
	require.NoError(t, err)
	assertWad(t, new(big.Int).Sub(wad("45"), cost), closed.NetETH, "close net eth")
	assert.Zero(t, f.vault(t, opened.VaultID).ShortAmount.Sign())
}

func TestBatchMintLp_AttachesPosition(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")

	op, err := f.helper.BatchMintLp(f.ctx, alice, "", periphery.BatchMintLpParams{
		MintAmount:          wad("100"),
		CollateralToDeposit: wad("45"),
		CollateralToLp:      wad("30"),
		Attach:              true,
	})
	require.NoError(t, err)
	require.NotZero(t, op.TokenID)

	owner, err := f.lpm.OwnerOf(f.ctx, op.TokenID)
	require.NoError(t, err)
	assert.Equal(t, core.ControllerIdentity, owner)

	v := f.vault(t, op.VaultID)
	require.NotNil(t, v.LPPosition)
	assert.Equal(t, op.TokenID, v.LPPosition.TokenID)
	assertWad(t, wad("45"), v.CollateralAmount, "collateral")

	safe, err := f.c.IsVaultSafe(f.ctx, op.VaultID)
	require.NoError(t, err)
	assert.True(t, safe)
}

func TestBatchMintLp_MinAmountsEnforced(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")

	_, err := f.helper.BatchMintLp(f.ctx, alice, "", periphery.BatchMintLpParams{
		MintAmount:          wad("100"),
		CollateralToDeposit: wad("45"),
		CollateralToLp:      wad("30"),
		Amount1Min:          wad("31"),
	})
	require.ErrorIs(t, err, periphery.ErrSlippageExceeded)
	assert.Len(t, f.lpm.Positions(), 1)
	assertWad(t, wad("100"), f.eth(alice), "alice eth")
}

func (f *fixture) mintLp(t *testing.T) *periphery.Operation {
	t.Helper()
	op, err := f.helper.BatchMintLp(f.ctx, alice, "", periphery.BatchMintLpParams{
		MintAmount:          wad("100"),
		CollateralToDeposit: wad("45"),
		CollateralToLp:      wad("30"),
	})
	require.NoError(t, err)
	return op
}

func TestCloseShortWithUserNft(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")
	minted := f.mintLp(t)
	ethBefore := f.eth(alice)

	op, err := f.helper.CloseShortWithUserNft(f.ctx, alice, "", periphery.CloseWithNftParams{
		VaultID:              minted.VaultID,
		TokenID:              minted.TokenID,
		BurnAmount:           wad("100"),
		CollateralToWithdraw: wad("45"),
	})
	require.NoError(t, err)

	v := f.vault(t, minted.VaultID)
	assert.Zero(t, v.ShortAmount.Sign())
	assert.Zero(t, v.CollateralAmount.Sign())

	info, err := f.lpm.PositionInfo(f.ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Zero(t, info.Liquidity.Sign())
	assert.Equal(t, alice, info.Owner)

	// Collateral plus roughly the LP ETH comes back.
	assert.Equal(t, 1, op.NetETH.Cmp(wad("74")))
	assertWad(t, new(big.Int).Add(ethBefore, op.NetETH), f.eth(alice), "alice eth")
	f.requireHelperEmpty(t)
}

func TestCloseShortWithUserNft_PartialLiquidityWithDeficit(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")
	minted := f.mintLp(t)
	before, err := f.lpm.PositionInfo(f.ctx, minted.TokenID)
	require.NoError(t, err)

	// Half the liquidity leaves about 50 oSQTH short of the burn; the rest
	// is flash-bought.
	op, err := f.helper.CloseShortWithUserNft(f.ctx, alice, "", periphery.CloseWithNftParams{
		VaultID:              minted.VaultID,
		TokenID:              minted.TokenID,
		LiquidityPercentage:  wad("0.5"),
		BurnAmount:           wad("100"),
		CollateralToWithdraw: wad("45"),
		LimitPrice:           wad("0.35"),
	})
	require.NoError(t, err)
	assert.Equal(t, periphery.StateSettled, op.State)

	after, err := f.lpm.PositionInfo(f.ctx, minted.TokenID)
	require.NoError(t, err)
	assertWad(t, new(big.Int).Sub(before.Liquidity, fpmath.WadMul(before.Liquidity, wad("0.5"))), after.Liquidity, "remaining liquidity")
	assert.Zero(t, f.vault(t, minted.VaultID).ShortAmount.Sign())
	f.requireHelperEmpty(t)
}

func TestCloseShortWithUserNft_LimitPrice(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")
	minted := f.mintLp(t)

	_, err := f.helper.CloseShortWithUserNft(f.ctx, alice, "", periphery.CloseWithNftParams{
		VaultID:              minted.VaultID,
		TokenID:              minted.TokenID,
		LiquidityPercentage:  wad("0.5"),
		BurnAmount:           wad("100"),
		CollateralToWithdraw: wad("45"),
		LimitPrice:           wad("0.2"),
	})
	require.ErrorIs(t, err, periphery.ErrSlippageExceeded)

	info, err := f.lpm.PositionInfo(f.ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Liquidity.Sign(), "liquidity must be restored")
}

func TestSellAll(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")
	minted := f.mintLp(t)

	op, err := f.helper.SellAll(f.ctx, alice, "", periphery.SellAllParams{
		TokenID:    minted.TokenID,
		LimitPrice: wad("0.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, op.NetETH.Sign())
	assert.Zero(t, op.NetOSQTH.Sign())

	info, err := f.lpm.PositionInfo(f.ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Zero(t, info.Liquidity.Sign())
}

func TestRebalanceWithoutVault(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")
	minted := f.mintLp(t)

	op, err := f.helper.RebalanceWithoutVault(f.ctx, alice, "", periphery.RebalanceParams{
		TokenID:      minted.TokenID,
		OSQTHDesired: wad("50"),
		ETHDesired:   wad("15"),
		LimitPrice:   wad("0.25"),
	})
	require.NoError(t, err)
	require.NotEqual(t, minted.TokenID, op.TokenID)

	info, err := f.lpm.PositionInfo(f.ctx, op.TokenID)
	require.NoError(t, err)
	assert.Equal(t, alice, info.Owner)
	assert.Equal(t, 1, info.Liquidity.Sign())

	old, err := f.lpm.PositionInfo(f.ctx, minted.TokenID)
	require.NoError(t, err)
	assert.Zero(t, old.Liquidity.Sign())
}

func TestDuplicateKeyRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, "100")

	params := periphery.OpenShortParams{MintAmount: wad("100"), CollateralAmount: wad("45")}
	_, err := f.helper.OpenShort(f.ctx, alice, "open-1", params)
	require.NoError(t, err)
	_, err = f.helper.OpenShort(f.ctx, alice, "open-1", params)
	require.ErrorIs(t, err, core.ErrDuplicateRequest)
}

func TestOnFlashSwap_RejectsForeignCallback(t *testing.T) {
	f := newFixture(t)
	err := f.helper.OnFlashSwap(f.ctx, pool.FlashSettlement{}, "not a continuation")
	require.ErrorIs(t, err, periphery.ErrUnexpectedCallback)
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to periphery.State
		ok       bool
	}{
		{periphery.StateInitiated, periphery.StateCallbackPending, true},
		{periphery.StateInitiated, periphery.StateSettled, true},
		{periphery.StateInitiated, periphery.StateReverted, true},
		{periphery.StateCallbackPending, periphery.StateSettled, true},
		{periphery.StateCallbackPending, periphery.StateReverted, true},
		{periphery.StateCallbackPending, periphery.StateInitiated, false},
		{periphery.StateSettled, periphery.StateReverted, false},
		{periphery.StateReverted, periphery.StateSettled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s → %s", tc.from, tc.to)
	}
	assert.True(t, periphery.StateSettled.IsTerminal())
	assert.False(t, periphery.StateCallbackPending.IsTerminal())
}
