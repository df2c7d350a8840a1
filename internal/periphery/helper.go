// Package periphery composes pool trades and vault mutations into single
// atomic operations. Flash swaps deliver the pool output first and run the
// vault mutation in the pool callback; the pool verifies repayment before
// the swap returns, and any failure rolls the whole unit back.
package periphery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/liquidity"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/pool"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrSlippageExceeded: a declared min/max bound on the caller's net flow
	// was violated.
	ErrSlippageExceeded = errors.New("periphery: slippage exceeded")

	ErrInvalidTransition  = errors.New("periphery: invalid operation state transition")
	ErrUnexpectedCallback = errors.New("periphery: unexpected flash callback")
	ErrInvalidAmount      = errors.New("periphery: invalid amount")
)

// HelperIdentity receives flash swap output before it is forwarded to the
// caller. Its wallet is empty between operations.
var HelperIdentity = uuid.NewSHA1(uuid.NameSpaceURL, []byte("powerperp:periphery"))

// Helper runs composite operations against one oSQTH/ETH pool and its
// position manager.
type Helper struct {
	c       *core.Controller
	pool    pool.Pool
	lpm     liquidity.Manager
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewHelper(c *core.Controller, p pool.Pool, lpm liquidity.Manager, metrics *observability.Metrics) *Helper {
	return &Helper{
		c:       c,
		pool:    p,
		lpm:     lpm,
		metrics: metrics,
		logger:  observability.NewLogger("periphery"),
	}
}

// WithLogger replaces the component logger.
func (h *Helper) WithLogger(l zerolog.Logger) *Helper {
	h.logger = l
	return h
}

// flashData is the continuation carried through the pool into OnFlashSwap.
type flashData struct {
	op *Operation
	fn func(pool.FlashSettlement) error
}

// OnFlashSwap implements pool.FlashCallback.
func (h *Helper) OnFlashSwap(_ context.Context, fs pool.FlashSettlement, data any) error {
	fd, ok := data.(*flashData)
	if !ok || fd.op.State != StateCallbackPending {
		return ErrUnexpectedCallback
	}
	return fd.fn(fs)
}

// flash requests a flash swap whose output lands on HelperIdentity and runs
// fn inside the pool callback.
func (h *Helper) flash(ctx context.Context, op *Operation, fp pool.FlashParams, fn func(pool.FlashSettlement) error) (pool.SwapResult, error) {
	if op.State != StateCallbackPending {
		if err := op.transition(StateCallbackPending); err != nil {
			return pool.SwapResult{}, err
		}
	}
	op.flashes++
	fp.Recipient = HelperIdentity
	return h.pool.FlashSwap(ctx, fp, h, &flashData{op: op, fn: fn})
}

// forward hands flash output from the helper to the caller.
func (h *Helper) forward(s *core.Session, to uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	return s.Transfer(HelperIdentity, to, asset, amount)
}

// run executes fn as one atomic unit and closes the operation with a
// CompositeSettled event carrying the caller's net flows.
func (h *Helper) run(ctx context.Context, kind Kind, caller uuid.UUID, key string, fn func(*core.Session, *Operation) error) (*Operation, error) {
	start := time.Now()
	var op *Operation
	err := h.c.Atomic(ctx, kind.String(), key, func(s *core.Session) error {
		op = newOperation(s.OperationID(), kind, caller)
		ethBefore := s.WalletBalance(caller, ledger.AssetETH)
		sqthBefore := s.WalletBalance(caller, ledger.AssetOSQTH)

		if err := fn(s, op); err != nil {
			return err
		}
		for _, asset := range []ledger.AssetID{ledger.AssetETH, ledger.AssetOSQTH} {
			if err := h.forward(s, caller, asset, s.WalletBalance(HelperIdentity, asset)); err != nil {
				return err
			}
		}

		op.NetETH = new(big.Int).Sub(s.WalletBalance(caller, ledger.AssetETH), ethBefore)
		op.NetOSQTH = new(big.Int).Sub(s.WalletBalance(caller, ledger.AssetOSQTH), sqthBefore)
		if err := op.transition(StateSettled); err != nil {
			return err
		}
		return s.Emit(&event.CompositeSettled{
			OperationID: op.ID,
			Kind:        kind.String(),
			Caller:      caller,
			VaultID:     op.VaultID,
			NetETH:      fpmath.Copy(op.NetETH),
			NetOSQTH:    fpmath.Copy(op.NetOSQTH),
			TokenID:     op.TokenID,
		})
	})
	if err != nil {
		if op != nil && op.State.CanTransitionTo(StateReverted) {
			op.State = StateReverted
		}
		h.record(kind, StateReverted, start)
		h.logger.Debug().Err(err).
			Str("kind", kind.String()).
			Str("caller", caller.String()).
			Msg("composite operation reverted")
		return nil, err
	}
	h.record(kind, StateSettled, start)
	h.logger.Debug().
		Str("kind", kind.String()).
		Str("operation_id", op.ID.String()).
		Str("net_eth", fpmath.FormatWad(op.NetETH)).
		Str("net_osqth", fpmath.FormatWad(op.NetOSQTH)).
		Int("flash_swaps", op.flashes).
		Msg("composite operation settled")
	return op, nil
}

func (h *Helper) record(kind Kind, st State, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.CompositeOps.WithLabelValues(kind.String(), st.String()).Inc()
	h.metrics.CompositeOpDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}

// minProceeds is the least ETH acceptable for selling amount at limitPrice
// (ETH per oSQTH). nil when unbounded.
func minProceeds(amount, limitPrice *big.Int) *big.Int {
	if limitPrice == nil {
		return nil
	}
	return fpmath.WadMul(amount, limitPrice)
}

// maxCost is the most ETH acceptable for buying amount at limitPrice.
func maxCost(amount, limitPrice *big.Int) *big.Int {
	if limitPrice == nil {
		return nil
	}
	return fpmath.WadMulUp(amount, limitPrice)
}

func checkAtLeast(what string, got, min *big.Int) error {
	if min != nil && got.Cmp(min) < 0 {
		return fmt.Errorf("%w: %s %s below minimum %s", ErrSlippageExceeded, what, fpmath.FormatWad(got), fpmath.FormatWad(min))
	}
	return nil
}

func checkAtMost(what string, got, max *big.Int) error {
	if max != nil && got.Cmp(max) > 0 {
		return fmt.Errorf("%w: %s %s above maximum %s", ErrSlippageExceeded, what, fpmath.FormatWad(got), fpmath.FormatWad(max))
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
