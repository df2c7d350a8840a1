package periphery

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Kind identifies a composite operation.
type Kind int32

const (
	KindFlashswapSellLongWMint Kind = iota
	KindFlashswapWBurnBuyLong
	KindOpenShort
	KindCloseShort
	KindBatchMintLp
	KindRebalanceWithoutVault
	KindCloseShortWithUserNft
	KindSellAll
)

func (k Kind) String() string {
	switch k {
	case KindFlashswapSellLongWMint:
		return "flashswap_sell_long_w_mint"
	case KindFlashswapWBurnBuyLong:
		return "flashswap_w_burn_buy_long"
	case KindOpenShort:
		return "open_short"
	case KindCloseShort:
		return "close_short"
	case KindBatchMintLp:
		return "batch_mint_lp"
	case KindRebalanceWithoutVault:
		return "rebalance_without_vault"
	case KindCloseShortWithUserNft:
		return "close_short_with_user_nft"
	case KindSellAll:
		return "sell_all"
	default:
		return "unknown"
	}
}

// State of a composite operation.
// Initiated → CallbackPending → Settled | Reverted. Operations without a
// flash swap go straight from Initiated to Settled or Reverted.
type State int32

const (
	StateInitiated       State = iota
	StateCallbackPending       // flash swap requested, pool callback not yet run
	StateSettled
	StateReverted
)

func (st State) String() string {
	switch st {
	case StateInitiated:
		return "Initiated"
	case StateCallbackPending:
		return "CallbackPending"
	case StateSettled:
		return "Settled"
	case StateReverted:
		return "Reverted"
	default:
		return "Unknown"
	}
}

var transitions = map[State][]State{
	StateInitiated: {
		StateCallbackPending,
		StateSettled,
		StateReverted,
	},
	StateCallbackPending: {
		StateSettled,
		StateReverted,
	},
	StateSettled:  {},
	StateReverted: {},
}

// CanTransitionTo reports whether next is a legal successor.
func (st State) CanTransitionTo(next State) bool {
	for _, a := range transitions[st] {
		if next == a {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Settled and Reverted.
func (st State) IsTerminal() bool {
	return st == StateSettled || st == StateReverted
}

// Operation tracks one composite call. It lives only for the duration of
// the atomic unit that runs it; the committed result is the
// CompositeSettled event.
type Operation struct {
	ID      uuid.UUID
	Kind    Kind
	Caller  uuid.UUID
	State   State
	VaultID uint64
	TokenID uint64

	// Net flows from the caller's point of view, positive when received.
	NetETH   *big.Int
	NetOSQTH *big.Int

	flashes int
}

func newOperation(id uuid.UUID, kind Kind, caller uuid.UUID) *Operation {
	return &Operation{
		ID:       id,
		Kind:     kind,
		Caller:   caller,
		State:    StateInitiated,
		NetETH:   new(big.Int),
		NetOSQTH: new(big.Int),
	}
}

func (o *Operation) transition(next State) error {
	if !o.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, o.Kind, o.State, next)
	}
	o.State = next
	return nil
}
