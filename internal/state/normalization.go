package state

import (
	"context"
	"fmt"
	"math/big"
	"time"

	fpmath "PowerPerp/internal/math"
)

// NormalizationState is the single process-wide funding record.
type NormalizationState struct {
	Factor     *big.Int // wad, 1e18 at genesis
	LastUpdate time.Time
}

func (s NormalizationState) clone() NormalizationState {
	return NormalizationState{Factor: fpmath.Copy(s.Factor), LastUpdate: s.LastUpdate}
}

// NormalizationUpdate describes one settlement that moved the factor.
type NormalizationUpdate struct {
	PreviousFactor *big.Int
	Factor         *big.Int
	Index          *big.Int // ETH per normalized unit
	Mark           *big.Int // ETH per normalized unit, before clamping
	Elapsed        time.Duration
	At             time.Time
}

// NormalizationEngine settles funding in kind by decaying (or growing) the
// factor that converts stored short amounts into economic debt. Settle must
// run before any vault read or write inside a settlement unit.
type NormalizationEngine struct {
	state  NormalizationState
	feed   *PriceFeed
	params *ProtocolParams
}

// NewNormalizationEngine starts at factor 1.0 with genesis as the last update.
func NewNormalizationEngine(feed *PriceFeed, params *ProtocolParams, genesis time.Time) *NormalizationEngine {
	return &NormalizationEngine{
		state:  NormalizationState{Factor: new(big.Int).Set(fpmath.Wad), LastUpdate: genesis},
		feed:   feed,
		params: params,
	}
}

// Factor returns the last settled factor. It does not settle.
func (ne *NormalizationEngine) Factor() *big.Int {
	return fpmath.Copy(ne.state.Factor)
}

// State returns a copy of the current record.
func (ne *NormalizationEngine) State() NormalizationState {
	return ne.state.clone()
}

// Restore replaces the record (snapshot or database recovery).
func (ne *NormalizationEngine) Restore(s NormalizationState) {
	ne.state = s.clone()
}

// Settle advances the factor to now. A zero or negative elapsed time is a
// no-op and returns ok=false. On oracle failure the record is unchanged.
func (ne *NormalizationEngine) Settle(ctx context.Context, now time.Time) (NormalizationUpdate, bool, error) {
	elapsed := now.Sub(ne.state.LastUpdate)
	if elapsed <= 0 {
		return NormalizationUpdate{}, false, nil
	}

	next, index, mark, err := ne.compute(ctx, elapsed)
	if err != nil {
		return NormalizationUpdate{}, false, err
	}

	upd := NormalizationUpdate{
		PreviousFactor: fpmath.Copy(ne.state.Factor),
		Factor:         fpmath.Copy(next),
		Index:          index,
		Mark:           mark,
		Elapsed:        elapsed,
		At:             now,
	}
	ne.state = NormalizationState{Factor: next, LastUpdate: now}
	return upd, true, nil
}

// Expected previews the factor Settle would produce at now without
// mutating the record.
func (ne *NormalizationEngine) Expected(ctx context.Context, now time.Time) (*big.Int, error) {
	elapsed := now.Sub(ne.state.LastUpdate)
	if elapsed <= 0 {
		return fpmath.Copy(ne.state.Factor), nil
	}
	next, _, _, err := ne.compute(ctx, elapsed)
	return next, err
}

func (ne *NormalizationEngine) compute(ctx context.Context, elapsed time.Duration) (next, index, mark *big.Int, err error) {
	ethUsd, err := ne.feed.EthUsd(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("settle normalization: %w", err)
	}
	derivEth, err := ne.feed.DerivativeEth(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("settle normalization: %w", err)
	}

	index = ne.feed.Index(ethUsd)
	mark = ne.feed.Mark(derivEth, ne.state.Factor)
	if index.Sign() == 0 || mark.Sign() == 0 {
		return nil, nil, nil, fmt.Errorf("settle normalization: zero price index=%s mark=%s", index, mark)
	}

	next, err = fpmath.NextNormalizationFactor(
		ne.state.Factor, index, mark,
		ne.params.LowerMarkRatio, ne.params.UpperMarkRatio,
		elapsed, ne.params.FundingPeriod,
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("settle normalization: %w", err)
	}
	return next, index, mark, nil
}

// Checkpoint captures the record for Rollback.
func (ne *NormalizationEngine) Checkpoint() any {
	return ne.state.clone()
}

// Rollback restores a checkpointed record.
func (ne *NormalizationEngine) Rollback(cp any) {
	if s, ok := cp.(NormalizationState); ok {
		ne.state = s
	}
}

// DebtAmount converts a stored short amount into economic debt (oSQTH).
func (ne *NormalizationEngine) DebtAmount(shortAmount *big.Int) *big.Int {
	return fpmath.WadMul(shortAmount, ne.state.Factor)
}

// ShortAmountFromDebt converts economic debt back into a stored short
// amount, rounding down.
func (ne *NormalizationEngine) ShortAmountFromDebt(debt *big.Int) *big.Int {
	return fpmath.WadDiv(debt, ne.state.Factor)
}
