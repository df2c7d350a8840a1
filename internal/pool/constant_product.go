package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/oracle"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const feeDenominator = 10_000

// Config describes a constant product pool. Prices are quoted as token1 per
// token0.
type Config struct {
	ID             string
	Token0         ledger.AssetID
	Token1         ledger.AssetID
	FeeBps         int64
	ObservationRef oracle.PoolRef // where committed prices are recorded; empty disables
}

// ConstantProductPool is an x*y=k pool whose reserves live in the shared
// ledger book. Non-ledger state (total liquidity, pending observation) is
// checkpointed by the controller alongside the book.
type ConstantProductPool struct {
	cfg    Config
	book   *ledger.Book
	obs    *oracle.ObservationStore
	now    func() time.Time
	logger zerolog.Logger

	totalLiquidity *big.Int
	locked         bool
	dirty          bool
}

type poolCheckpoint struct {
	liquidity *big.Int
	dirty     bool
}

func NewConstantProductPool(cfg Config, book *ledger.Book, obs *oracle.ObservationStore, now func() time.Time) *ConstantProductPool {
	if now == nil {
		now = time.Now
	}
	return &ConstantProductPool{
		cfg:            cfg,
		book:           book,
		obs:            obs,
		now:            now,
		logger:         observability.NewLogger("pool"),
		totalLiquidity: new(big.Int),
	}
}

func (p *ConstantProductPool) ID() string { return p.cfg.ID }

// Tokens returns token0 and token1.
func (p *ConstantProductPool) Tokens() (ledger.AssetID, ledger.AssetID) {
	return p.cfg.Token0, p.cfg.Token1
}

func (p *ConstantProductPool) reserveKey(asset ledger.AssetID) ledger.AccountKey {
	return ledger.PoolReserveKey(p.cfg.ID, asset)
}

// Reserves returns the token0 and token1 reserves.
func (p *ConstantProductPool) Reserves() (*big.Int, *big.Int) {
	return p.book.Balance(p.reserveKey(p.cfg.Token0)), p.book.Balance(p.reserveKey(p.cfg.Token1))
}

// TotalLiquidity returns the liquidity units outstanding.
func (p *ConstantProductPool) TotalLiquidity() *big.Int {
	return fpmath.Copy(p.totalLiquidity)
}

// Spot returns token1 per token0 as a wad, or zero for an empty pool.
func (p *ConstantProductPool) Spot() *big.Int {
	r0, r1 := p.Reserves()
	if r0.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.WadDiv(r1, r0)
}

func (p *ConstantProductPool) orient(tokenIn, tokenOut ledger.AssetID) (rIn, rOut *big.Int, err error) {
	switch {
	case tokenIn == p.cfg.Token0 && tokenOut == p.cfg.Token1:
		r0, r1 := p.Reserves()
		return r0, r1, nil
	case tokenIn == p.cfg.Token1 && tokenOut == p.cfg.Token0:
		r0, r1 := p.Reserves()
		return r1, r0, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s -> %s on %s", ErrUnsupportedPair, tokenIn, tokenOut, p.cfg.ID)
	}
}

func (p *ConstantProductPool) amountOut(amountIn, rIn, rOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if rIn.Sign() == 0 || rOut.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(feeDenominator-p.cfg.FeeBps))
	num := new(big.Int).Mul(inWithFee, rOut)
	den := new(big.Int).Mul(rIn, big.NewInt(feeDenominator))
	den.Add(den, inWithFee)
	out := fpmath.Div(num, den, fpmath.RoundDown)
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: output rounds to zero", ErrInsufficientLiquidity)
	}
	return out, nil
}

func (p *ConstantProductPool) amountIn(amountOut, rIn, rOut *big.Int) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if amountOut.Cmp(rOut) >= 0 || rIn.Sign() == 0 {
		return nil, fmt.Errorf("%w: want %s, reserve %s", ErrInsufficientLiquidity, amountOut, rOut)
	}
	num := new(big.Int).Mul(rIn, amountOut)
	num.Mul(num, big.NewInt(feeDenominator))
	den := new(big.Int).Sub(rOut, amountOut)
	den.Mul(den, big.NewInt(feeDenominator-p.cfg.FeeBps))
	return fpmath.Div(num, den, fpmath.RoundUp), nil
}

func (p *ConstantProductPool) QuoteExactIn(_ context.Context, tokenIn, tokenOut ledger.AssetID, amountIn *big.Int) (*big.Int, error) {
	rIn, rOut, err := p.orient(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return p.amountOut(amountIn, rIn, rOut)
}

func (p *ConstantProductPool) QuoteExactOut(_ context.Context, tokenIn, tokenOut ledger.AssetID, amountOut *big.Int) (*big.Int, error) {
	rIn, rOut, err := p.orient(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return p.amountIn(amountOut, rIn, rOut)
}

func (p *ConstantProductPool) settle(payer, recipient uuid.UUID, tokenIn, tokenOut ledger.AssetID, in, out *big.Int) error {
	if err := p.book.Transfer(ledger.NewWalletKey(payer, tokenIn), p.reserveKey(tokenIn), in, ledger.JournalTypeSwap); err != nil {
		return fmt.Errorf("swap on %s: pay %s: %w", p.cfg.ID, tokenIn, err)
	}
	if err := p.book.Transfer(p.reserveKey(tokenOut), ledger.NewWalletKey(recipient, tokenOut), out, ledger.JournalTypeSwap); err != nil {
		return fmt.Errorf("swap on %s: deliver %s: %w", p.cfg.ID, tokenOut, err)
	}
	p.dirty = true
	return nil
}

func (p *ConstantProductPool) SwapExactIn(ctx context.Context, sp SwapParams) (SwapResult, error) {
	if p.locked {
		return SwapResult{}, ErrLocked
	}
	out, err := p.QuoteExactIn(ctx, sp.TokenIn, sp.TokenOut, sp.Amount)
	if err != nil {
		return SwapResult{}, err
	}
	if err := p.settle(sp.Payer, sp.Recipient, sp.TokenIn, sp.TokenOut, sp.Amount, out); err != nil {
		return SwapResult{}, err
	}
	return SwapResult{AmountIn: fpmath.Copy(sp.Amount), AmountOut: out}, nil
}

func (p *ConstantProductPool) SwapExactOut(ctx context.Context, sp SwapParams) (SwapResult, error) {
	if p.locked {
		return SwapResult{}, ErrLocked
	}
	in, err := p.QuoteExactOut(ctx, sp.TokenIn, sp.TokenOut, sp.Amount)
	if err != nil {
		return SwapResult{}, err
	}
	if err := p.settle(sp.Payer, sp.Recipient, sp.TokenIn, sp.TokenOut, in, sp.Amount); err != nil {
		return SwapResult{}, err
	}
	return SwapResult{AmountIn: in, AmountOut: fpmath.Copy(sp.Amount)}, nil
}

// FlashSwap delivers the output to the recipient, runs the callback and then
// checks that the input reserve grew by at least the owed amount. The pool
// is locked against nested swaps while the callback runs.
func (p *ConstantProductPool) FlashSwap(ctx context.Context, fp FlashParams, cb FlashCallback, data any) (SwapResult, error) {
	if p.locked {
		return SwapResult{}, ErrLocked
	}
	rIn, rOut, err := p.orient(fp.TokenIn, fp.TokenOut)
	if err != nil {
		return SwapResult{}, err
	}

	var in, out *big.Int
	if fp.ExactIn {
		in = fpmath.Copy(fp.Amount)
		out, err = p.amountOut(fp.Amount, rIn, rOut)
	} else {
		out = fpmath.Copy(fp.Amount)
		in, err = p.amountIn(fp.Amount, rIn, rOut)
	}
	if err != nil {
		return SwapResult{}, err
	}

	before := p.book.Balance(p.reserveKey(fp.TokenIn))
	if err := p.book.Transfer(p.reserveKey(fp.TokenOut), ledger.NewWalletKey(fp.Recipient, fp.TokenOut), out, ledger.JournalTypeSwap); err != nil {
		return SwapResult{}, fmt.Errorf("flash swap on %s: %w", p.cfg.ID, err)
	}

	p.locked = true
	cbErr := cb.OnFlashSwap(ctx, FlashSettlement{
		Pool:       p.cfg.ID,
		TokenIn:    fp.TokenIn,
		AmountOwed: fpmath.Copy(in),
		TokenOut:   fp.TokenOut,
		AmountOut:  fpmath.Copy(out),
	}, data)
	p.locked = false
	if cbErr != nil {
		return SwapResult{}, cbErr
	}

	after := p.book.Balance(p.reserveKey(fp.TokenIn))
	paid := new(big.Int).Sub(after, before)
	if paid.Cmp(in) < 0 {
		return SwapResult{}, fmt.Errorf("%w: pool=%s owed=%s paid=%s", ErrInsufficientRepayment, p.cfg.ID, in, paid)
	}
	p.dirty = true
	return SwapResult{AmountIn: in, AmountOut: out}, nil
}

func (p *ConstantProductPool) Pay(_ context.Context, payer uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	if asset != p.cfg.Token0 && asset != p.cfg.Token1 {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedPair, asset, p.cfg.ID)
	}
	if err := p.book.Transfer(ledger.NewWalletKey(payer, asset), p.reserveKey(asset), amount, ledger.JournalTypeFlashRepay); err != nil {
		return fmt.Errorf("pay %s into %s: %w", asset, p.cfg.ID, err)
	}
	return nil
}

// AddLiquidity takes up to the desired amounts from payer in the current
// reserve ratio and returns the liquidity minted. The first deposit sets
// the price and mints sqrt(amount0*amount1).
func (p *ConstantProductPool) AddLiquidity(payer uuid.UUID, amount0Desired, amount1Desired *big.Int) (liquidity, amount0, amount1 *big.Int, err error) {
	if p.locked {
		return nil, nil, nil, ErrLocked
	}
	if !fpmath.IsPositive(amount0Desired) || !fpmath.IsPositive(amount1Desired) {
		return nil, nil, nil, ErrZeroAmount
	}
	r0, r1 := p.Reserves()

	if p.totalLiquidity.Sign() == 0 {
		liquidity = fpmath.ISqrt(new(big.Int).Mul(amount0Desired, amount1Desired))
		amount0, amount1 = fpmath.Copy(amount0Desired), fpmath.Copy(amount1Desired)
	} else {
		l0 := fpmath.MulDiv(amount0Desired, p.totalLiquidity, r0, fpmath.RoundDown)
		l1 := fpmath.MulDiv(amount1Desired, p.totalLiquidity, r1, fpmath.RoundDown)
		liquidity = fpmath.Min(l0, l1)
		amount0 = fpmath.MulDiv(liquidity, r0, p.totalLiquidity, fpmath.RoundUp)
		amount1 = fpmath.MulDiv(liquidity, r1, p.totalLiquidity, fpmath.RoundUp)
	}
	if liquidity.Sign() == 0 {
		return nil, nil, nil, fmt.Errorf("%w: liquidity rounds to zero", ErrInsufficientLiquidity)
	}

	if err := p.book.Transfer(ledger.NewWalletKey(payer, p.cfg.Token0), p.reserveKey(p.cfg.Token0), amount0, ledger.JournalTypeLiquidityAdd); err != nil {
		return nil, nil, nil, fmt.Errorf("add liquidity to %s: %w", p.cfg.ID, err)
	}
	if err := p.book.Transfer(ledger.NewWalletKey(payer, p.cfg.Token1), p.reserveKey(p.cfg.Token1), amount1, ledger.JournalTypeLiquidityAdd); err != nil {
		return nil, nil, nil, fmt.Errorf("add liquidity to %s: %w", p.cfg.ID, err)
	}
	p.totalLiquidity.Add(p.totalLiquidity, liquidity)
	p.dirty = true
	return liquidity, amount0, amount1, nil
}

// RemoveLiquidity burns liquidity and moves the pro-rata reserves to the
// given accounts.
func (p *ConstantProductPool) RemoveLiquidity(liquidity *big.Int, to0, to1 ledger.AccountKey) (amount0, amount1 *big.Int, err error) {
	if p.locked {
		return nil, nil, ErrLocked
	}
	if !fpmath.IsPositive(liquidity) || liquidity.Cmp(p.totalLiquidity) > 0 {
		return nil, nil, fmt.Errorf("%w: remove %s of %s", ErrInsufficientLiquidity, liquidity, p.totalLiquidity)
	}
	r0, r1 := p.Reserves()
	amount0 = fpmath.MulDiv(liquidity, r0, p.totalLiquidity, fpmath.RoundDown)
	amount1 = fpmath.MulDiv(liquidity, r1, p.totalLiquidity, fpmath.RoundDown)

	if err := p.book.Transfer(p.reserveKey(p.cfg.Token0), to0, amount0, ledger.JournalTypeLiquidityRemove); err != nil {
		return nil, nil, fmt.Errorf("remove liquidity from %s: %w", p.cfg.ID, err)
	}
	if err := p.book.Transfer(p.reserveKey(p.cfg.Token1), to1, amount1, ledger.JournalTypeLiquidityRemove); err != nil {
		return nil, nil, fmt.Errorf("remove liquidity from %s: %w", p.cfg.ID, err)
	}
	p.totalLiquidity.Sub(p.totalLiquidity, liquidity)
	p.dirty = true
	return amount0, amount1, nil
}

// Checkpoint captures non-ledger pool state.
func (p *ConstantProductPool) Checkpoint() any {
	return poolCheckpoint{liquidity: fpmath.Copy(p.totalLiquidity), dirty: p.dirty}
}

func (p *ConstantProductPool) Rollback(cp any) {
	c, ok := cp.(poolCheckpoint)
	if !ok {
		return
	}
	p.totalLiquidity = c.liquidity
	p.dirty = c.dirty
	p.locked = false
}

// Commit records the post-unit spot price as an oracle observation.
func (p *ConstantProductPool) Commit() {
	if !p.dirty || p.obs == nil || p.cfg.ObservationRef == "" {
		p.dirty = false
		return
	}
	p.dirty = false
	spot := p.Spot()
	if spot.Sign() == 0 {
		return
	}
	if err := p.obs.Record(p.cfg.ObservationRef, spot, p.now()); err != nil {
		p.logger.Warn().Err(err).Str("pool", p.cfg.ID).Msg("failed to record price observation")
	}
}

type poolSnapshot struct {
	TotalLiquidity *big.Int `json:"total_liquidity"`
}

func (p *ConstantProductPool) SnapshotName() string { return "pool:" + p.cfg.ID }

// MarshalSnapshot encodes the non-ledger pool state. Reserves are ledger
// balances and travel with the book.
func (p *ConstantProductPool) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(poolSnapshot{TotalLiquidity: p.totalLiquidity})
}

func (p *ConstantProductPool) RestoreSnapshot(data []byte) error {
	var snap poolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore pool %s: %w", p.cfg.ID, err)
	}
	if snap.TotalLiquidity == nil {
		snap.TotalLiquidity = new(big.Int)
	}
	p.totalLiquidity = snap.TotalLiquidity
	return nil
}
