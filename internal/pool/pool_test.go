package pool_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/pool"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	lp     = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	trader = uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func wad(s string) *big.Int { return fpmath.MustParseWad(s) }

func newPool(t *testing.T, obs *oracle.ObservationStore) (*pool.ConstantProductPool, *ledger.Book) {
	t.Helper()
	book := ledger.NewBook()
	require.NoError(t, book.Deposit(lp, ledger.AssetOSQTH, wad("1000")))
	require.NoError(t, book.Deposit(lp, ledger.AssetETH, wad("300")))
	require.NoError(t, book.Deposit(trader, ledger.AssetOSQTH, wad("100")))
	require.NoError(t, book.Deposit(trader, ledger.AssetETH, wad("100")))

	p := pool.NewConstantProductPool(pool.Config{
		ID:             "osqth-eth",
		Token0:         ledger.AssetOSQTH,
		Token1:         ledger.AssetETH,
		FeeBps:         30,
		ObservationRef: "osqth-eth",
	}, book, obs, func() time.Time { return now })

	liq, a0, a1, err := p.AddLiquidity(lp, wad("1000"), wad("300"))
	require.NoError(t, err)
	assert.Equal(t, 1, liq.Sign())
	assert.Equal(t, 0, a0.Cmp(wad("1000")))
	assert.Equal(t, 0, a1.Cmp(wad("300")))
	return p, book
}

func TestSwapExactIn_ConstantProductWithFee(t *testing.T) {
	p, book := newPool(t, nil)
	ctx := context.Background()

	// out = 100*0.997*300 / (1000 + 100*0.997)
	want := fpmath.MulDiv(wad("29910"), fpmath.Wad, wad("1099.7"), fpmath.RoundDown)
	quote, err := p.QuoteExactIn(ctx, ledger.AssetOSQTH, ledger.AssetETH, wad("100"))
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(quote), "quote %s", fpmath.FormatWad(quote))

	res, err := p.SwapExactIn(ctx, pool.SwapParams{
		Payer: trader, Recipient: trader,
		TokenIn: ledger.AssetOSQTH, TokenOut: ledger.AssetETH,
		Amount: wad("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, quote.Cmp(res.AmountOut))

	r0, r1 := p.Reserves()
	assert.Equal(t, 0, r0.Cmp(wad("1100")))
	assert.Equal(t, 0, new(big.Int).Sub(wad("300"), quote).Cmp(r1))
	assert.Zero(t, book.WalletBalance(trader, ledger.AssetOSQTH).Sign())
}

func TestSwapExactOut_RoundsInputUp(t *testing.T) {
	p, _ := newPool(t, nil)
	ctx := context.Background()

	in, err := p.QuoteExactOut(ctx, ledger.AssetETH, ledger.AssetOSQTH, wad("100"))
	require.NoError(t, err)
	out, err := p.QuoteExactIn(ctx, ledger.AssetETH, ledger.AssetOSQTH, in)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.Cmp(wad("100")), 0, "paying the quoted input must buy at least the output")

	_, err = p.QuoteExactOut(ctx, ledger.AssetETH, ledger.AssetOSQTH, wad("1000"))
	require.ErrorIs(t, err, pool.ErrInsufficientLiquidity)
	_, err = p.QuoteExactIn(ctx, ledger.AssetETH, ledger.AssetUSDC, wad("1"))
	require.ErrorIs(t, err, pool.ErrUnsupportedPair)
}

type callbackFunc func(ctx context.Context, s pool.FlashSettlement, data any) error

func (f callbackFunc) OnFlashSwap(ctx context.Context, s pool.FlashSettlement, data any) error {
	return f(ctx, s, data)
}

func TestFlashSwap_RepaidInCallback(t *testing.T) {
	p, book := newPool(t, nil)
	ctx := context.Background()

	var seen pool.FlashSettlement
	res, err := p.FlashSwap(ctx, pool.FlashParams{
		Recipient: trader,
		TokenIn:   ledger.AssetOSQTH,
		TokenOut:  ledger.AssetETH,
		Amount:    wad("10"),
		ExactIn:   true,
	}, callbackFunc(func(ctx context.Context, s pool.FlashSettlement, data any) error {
		seen = s
		assert.Equal(t, "payload", data)
		_, err := p.SwapExactIn(ctx, pool.SwapParams{Payer: trader, Recipient: trader, TokenIn: ledger.AssetETH, TokenOut: ledger.AssetOSQTH, Amount: wad("1")})
		assert.ErrorIs(t, err, pool.ErrLocked, "pool must be locked during the callback")
		return p.Pay(ctx, trader, ledger.AssetOSQTH, s.AmountOwed)
	}), "payload")
	require.NoError(t, err)
	assert.Equal(t, 0, seen.AmountOwed.Cmp(wad("10")))
	assert.Equal(t, 0, seen.AmountOut.Cmp(res.AmountOut))
	assert.Equal(t, 0, new(big.Int).Add(wad("100"), res.AmountOut).Cmp(book.WalletBalance(trader, ledger.AssetETH)))
}

func TestFlashSwap_InsufficientRepayment(t *testing.T) {
	p, _ := newPool(t, nil)
	ctx := context.Background()

	_, err := p.FlashSwap(ctx, pool.FlashParams{
		Recipient: trader,
		TokenIn:   ledger.AssetETH,
		TokenOut:  ledger.AssetOSQTH,
		Amount:    wad("10"),
	}, callbackFunc(func(ctx context.Context, s pool.FlashSettlement, _ any) error {
		short := new(big.Int).Sub(s.AmountOwed, big.NewInt(1))
		return p.Pay(ctx, trader, ledger.AssetETH, short)
	}), nil)
	require.ErrorIs(t, err, pool.ErrInsufficientRepayment)

	boom := errors.New("boom")
	_, err = p.FlashSwap(ctx, pool.FlashParams{
		Recipient: trader,
		TokenIn:   ledger.AssetETH,
		TokenOut:  ledger.AssetOSQTH,
		Amount:    wad("10"),
	}, callbackFunc(func(context.Context, pool.FlashSettlement, any) error { return boom }), nil)
	require.ErrorIs(t, err, boom)
}

func TestRemoveLiquidity_ProRata(t *testing.T) {
	p, book := newPool(t, nil)
	half := new(big.Int).Div(p.TotalLiquidity(), big.NewInt(2))

	a0, a1, err := p.RemoveLiquidity(half, ledger.NewWalletKey(lp, ledger.AssetOSQTH), ledger.NewWalletKey(lp, ledger.AssetETH))
	require.NoError(t, err)
	assert.InDelta(t, 500, wadFloat(a0), 1e-9)
	assert.InDelta(t, 150, wadFloat(a1), 1e-9)
	assert.Equal(t, 0, a1.Cmp(book.WalletBalance(lp, ledger.AssetETH)))

	_, _, err = p.RemoveLiquidity(p.TotalLiquidity().Add(p.TotalLiquidity(), big.NewInt(1)), ledger.NewWalletKey(lp, ledger.AssetOSQTH), ledger.NewWalletKey(lp, ledger.AssetETH))
	require.ErrorIs(t, err, pool.ErrInsufficientLiquidity)
}

func TestCheckpointRollbackAndCommit(t *testing.T) {
	obs := oracle.NewObservationStore(func() time.Time { return now })
	obs.Register("osqth-eth", "oSQTH", "ETH")
	p, _ := newPool(t, obs)
	p.Commit()

	cp := p.Checkpoint()
	before := p.TotalLiquidity()
	_, _, _, err := p.AddLiquidity(trader, wad("10"), wad("3"))
	require.NoError(t, err)
	p.Rollback(cp)
	assert.Equal(t, 0, before.Cmp(p.TotalLiquidity()))

	latest, err := obs.Latest("osqth-eth")
	require.NoError(t, err)
	assert.Equal(t, 0, wad("0.3").Cmp(latest.Price))

	data, err := p.MarshalSnapshot()
	require.NoError(t, err)
	other, _ := newPool(t, nil)
	require.NoError(t, other.RestoreSnapshot(data))
	assert.Equal(t, 0, before.Cmp(other.TotalLiquidity()))
	assert.Equal(t, "pool:osqth-eth", p.SnapshotName())
}

func wadFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(fpmath.Wad)).Float64()
	return f
}
