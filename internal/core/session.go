package core

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
)

type pendingEvent struct {
	evt     event.Event
	payload []byte
}

// Session is the handle a settlement unit mutates state through. It is
// only valid inside the Atomic call that created it.
type Session struct {
	ctx  context.Context
	c    *Controller
	op   string
	key  string
	opID uuid.UUID
	now  time.Time

	settled bool
	ethUsd  *big.Int
	deriv   *big.Int

	events []pendingEvent
	hooks  []func()
}

func newSession(ctx context.Context, c *Controller, op, key string, now time.Time) *Session {
	return &Session{
		ctx:  ctx,
		c:    c,
		op:   op,
		key:  key,
		opID: uuid.New(),
		now:  now,
	}
}

// Context returns the unit's context.
func (s *Session) Context() context.Context { return s.ctx }

// OperationID identifies the unit; every envelope it emits carries it.
func (s *Session) OperationID() uuid.UUID { return s.opID }

// Now is the unit's clock reading. It does not advance within a unit.
func (s *Session) Now() time.Time { return s.now }

// Emit queues an event for the unit's output.
func (s *Session) Emit(evt event.Event) error {
	payload, err := event.Encode(evt)
	if err != nil {
		return err
	}
	s.events = append(s.events, pendingEvent{evt: evt, payload: payload})
	return nil
}

// afterCommit defers fn until the unit commits. Rolled back units drop it.
func (s *Session) afterCommit(fn func()) {
	s.hooks = append(s.hooks, fn)
}

// Settle advances normalization to the unit's clock once per unit. It
// reports whether the factor moved.
func (s *Session) Settle() (bool, error) {
	if s.settled {
		return false, nil
	}
	upd, moved, err := s.c.norm.Settle(s.ctx, s.now)
	if err != nil {
		return false, err
	}
	s.settled = true
	if !moved {
		return false, nil
	}
	s.afterCommit(func() {
		s.c.logger.Info().
			Str("previous_factor", fpmath.FormatWad(upd.PreviousFactor)).
			Str("factor", fpmath.FormatWad(upd.Factor)).
			Str("index", fpmath.FormatWad(upd.Index)).
			Str("mark", fpmath.FormatWad(upd.Mark)).
			Dur("elapsed", upd.Elapsed).
			Msg("normalization factor updated")
	})
	return true, s.Emit(&event.NormalizationUpdated{
		PreviousFactor: upd.PreviousFactor,
		Factor:         upd.Factor,
		Index:          upd.Index,
		Mark:           upd.Mark,
		Elapsed:        upd.Elapsed,
		At:             upd.At,
	})
}

// Factor returns the settled normalization factor.
func (s *Session) Factor() (*big.Int, error) {
	if _, err := s.Settle(); err != nil {
		return nil, err
	}
	return s.c.norm.Factor(), nil
}

// Prices returns the unit's price context. The derivative TWAP is only
// read when withDerivative is set; both reads are cached for the unit.
func (s *Session) Prices(withDerivative bool) (state.Prices, error) {
	factor, err := s.Factor()
	if err != nil {
		return state.Prices{}, err
	}
	if s.ethUsd == nil {
		if s.ethUsd, err = s.c.feed.EthUsd(s.ctx); err != nil {
			return state.Prices{}, err
		}
	}
	if withDerivative && s.deriv == nil {
		if s.deriv, err = s.c.feed.DerivativeEth(s.ctx); err != nil {
			return state.Prices{}, err
		}
	}
	return state.Prices{Factor: factor, EthUsd: s.ethUsd, Derivative: s.deriv}, nil
}

func (s *Session) pricesFor(v *state.Vault) (state.Prices, error) {
	return s.Prices(v.LPPosition != nil)
}

// Vault returns a copy of a vault with its LP liquidity refreshed.
func (s *Session) Vault(vaultID uint64) (*state.Vault, error) {
	v, err := s.c.vaults.Get(vaultID)
	if err != nil {
		return nil, err
	}
	if err := s.refreshLP(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Session) refreshLP(v *state.Vault) error {
	if v.LPPosition == nil || s.c.lpm == nil {
		return nil
	}
	info, err := s.c.lpm.PositionInfo(s.ctx, v.LPPosition.TokenID)
	if err != nil {
		return fmt.Errorf("vault %d: %w", v.ID, err)
	}
	v.LPPosition.Liquidity = fpmath.Copy(info.Liquidity)
	return nil
}

func (s *Session) authorize(vaultID uint64, caller uuid.UUID) (*state.Vault, error) {
	if !s.c.vaults.IsOwnerOrOperator(vaultID, caller) {
		if _, ok := s.c.vaults.OwnerOf(vaultID); !ok {
			return nil, fmt.Errorf("%w: id=%d", state.ErrVaultNotFound, vaultID)
		}
		return nil, fmt.Errorf("%w: vault=%d caller=%s", state.ErrNotOwnerOrOperator, vaultID, caller)
	}
	return s.Vault(vaultID)
}

// checkVault enforces the post-condition, and the minimum collateral when
// checkFloor is set. Burns that withdraw nothing skip the floor so an
// undersized vault can always be wound down.
func (s *Session) checkVault(v *state.Vault, checkFloor bool) error {
	if checkFloor {
		if err := s.c.calc.CheckMinCollateral(v); err != nil {
			return err
		}
	}
	p, err := s.pricesFor(v)
	if err != nil {
		return err
	}
	return s.c.calc.CheckPostCondition(v, p)
}

func nonNegative(name string, v *big.Int) (*big.Int, error) {
	if v == nil {
		return new(big.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %s is negative", state.ErrInvalidAmount, name, v)
	}
	return v, nil
}

// OpenOrAdjust mints mintAmount of normalized short against the vault and
// moves collateralDelta ETH in (positive) or out (negative). vaultID 0
// opens a new vault owned by caller. Returns the vault id.
func (s *Session) OpenOrAdjust(caller uuid.UUID, vaultID uint64, mintAmount, collateralDelta *big.Int) (uint64, error) {
	mint, err := nonNegative("mint amount", mintAmount)
	if err != nil {
		return 0, err
	}
	if collateralDelta == nil {
		collateralDelta = new(big.Int)
	}
	if _, err := s.Settle(); err != nil {
		return 0, err
	}

	var v *state.Vault
	if vaultID == 0 {
		v = s.c.vaults.Create(caller)
		if err := s.Emit(&event.VaultOpened{VaultID: v.ID, Owner: caller}); err != nil {
			return 0, err
		}
	} else if v, err = s.authorize(vaultID, caller); err != nil {
		return 0, err
	}

	switch collateralDelta.Sign() {
	case 1:
		if err := s.depositCollateral(v, caller, collateralDelta); err != nil {
			return 0, err
		}
	case -1:
		if err := s.withdrawCollateral(v, caller, new(big.Int).Neg(collateralDelta)); err != nil {
			return 0, err
		}
	}

	if mint.Sign() > 0 {
		if err := s.c.book.Transfer(ledger.SupplyKey(), ledger.NewWalletKey(caller, ledger.AssetOSQTH), mint, ledger.JournalTypeMint); err != nil {
			return 0, fmt.Errorf("mint vault %d: %w", v.ID, err)
		}
		v.ShortAmount.Add(v.ShortAmount, mint)
		if err := s.Emit(&event.ShortMinted{
			VaultID: v.ID,
			Caller:  caller,
			Amount:  fpmath.Copy(mint),
			Debt:    s.c.norm.DebtAmount(mint),
		}); err != nil {
			return 0, err
		}
	}

	if err := s.checkVault(v, mint.Sign() > 0 || collateralDelta.Sign() < 0); err != nil {
		return 0, err
	}
	if err := s.c.vaults.Put(v); err != nil {
		return 0, err
	}
	return v.ID, nil
}

// OpenOrAdjustWithDebt is OpenOrAdjust with the mint expressed as
// economic debt (oSQTH) instead of normalized short amount.
func (s *Session) OpenOrAdjustWithDebt(caller uuid.UUID, vaultID uint64, debt, collateralDelta *big.Int) (uint64, error) {
	d, err := nonNegative("debt", debt)
	if err != nil {
		return 0, err
	}
	if _, err := s.Settle(); err != nil {
		return 0, err
	}
	return s.OpenOrAdjust(caller, vaultID, s.c.norm.ShortAmountFromDebt(d), collateralDelta)
}

// BurnAndWithdraw burns burnAmount of the caller's oSQTH against the
// vault's short and pays withdrawAmount ETH to the caller.
func (s *Session) BurnAndWithdraw(caller uuid.UUID, vaultID uint64, burnAmount, withdrawAmount *big.Int) error {
	burn, err := nonNegative("burn amount", burnAmount)
	if err != nil {
		return err
	}
	withdraw, err := nonNegative("withdraw amount", withdrawAmount)
	if err != nil {
		return err
	}
	if _, err := s.Settle(); err != nil {
		return err
	}
	v, err := s.authorize(vaultID, caller)
	if err != nil {
		return err
	}
	if burn.Cmp(v.ShortAmount) > 0 {
		return fmt.Errorf("%w: vault=%d burn=%s short=%s", state.ErrBurnExceedsDebt, v.ID, burn, v.ShortAmount)
	}

	if burn.Sign() > 0 {
		if err := s.burn(v, caller, burn); err != nil {
			return err
		}
	}
	if withdraw.Sign() > 0 {
		if err := s.withdrawCollateral(v, caller, withdraw); err != nil {
			return err
		}
	}

	if err := s.checkVault(v, withdraw.Sign() > 0); err != nil {
		return err
	}
	return s.c.vaults.Put(v)
}

// Deposit adds ETH collateral from the caller's wallet.
func (s *Session) Deposit(caller uuid.UUID, vaultID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", state.ErrInvalidAmount)
	}
	if vaultID == 0 {
		return fmt.Errorf("%w: id=0", state.ErrVaultNotFound)
	}
	_, err := s.OpenOrAdjust(caller, vaultID, nil, amount)
	return err
}

// Withdraw removes ETH collateral to the caller's wallet.
func (s *Session) Withdraw(caller uuid.UUID, vaultID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw must be positive", state.ErrInvalidAmount)
	}
	return s.BurnAndWithdraw(caller, vaultID, nil, amount)
}

func (s *Session) depositCollateral(v *state.Vault, from uuid.UUID, amount *big.Int) error {
	if err := s.c.book.Transfer(ledger.NewWalletKey(from, ledger.AssetETH), ledger.VaultCollateralKey(), amount, ledger.JournalTypeCollateralDeposit); err != nil {
		return fmt.Errorf("deposit to vault %d: %w", v.ID, err)
	}
	v.CollateralAmount.Add(v.CollateralAmount, amount)
	return s.Emit(&event.CollateralDeposited{VaultID: v.ID, Caller: from, Amount: fpmath.Copy(amount)})
}

func (s *Session) withdrawCollateral(v *state.Vault, to uuid.UUID, amount *big.Int) error {
	if amount.Cmp(v.CollateralAmount) > 0 {
		return fmt.Errorf("%w: vault=%d withdraw=%s collateral=%s", state.ErrWithdrawExceeds, v.ID, amount, v.CollateralAmount)
	}
	if err := s.c.book.Transfer(ledger.VaultCollateralKey(), ledger.NewWalletKey(to, ledger.AssetETH), amount, ledger.JournalTypeCollateralWithdraw); err != nil {
		return fmt.Errorf("withdraw from vault %d: %w", v.ID, err)
	}
	v.CollateralAmount.Sub(v.CollateralAmount, amount)
	return s.Emit(&event.CollateralWithdrawn{VaultID: v.ID, Caller: to, Amount: fpmath.Copy(amount)})
}

func (s *Session) burn(v *state.Vault, from uuid.UUID, amount *big.Int) error {
	if err := s.c.book.Transfer(ledger.NewWalletKey(from, ledger.AssetOSQTH), ledger.SupplyKey(), amount, ledger.JournalTypeBurn); err != nil {
		return fmt.Errorf("burn from vault %d: %w", v.ID, err)
	}
	v.ShortAmount.Sub(v.ShortAmount, amount)
	return s.Emit(&event.ShortBurned{
		VaultID: v.ID,
		Caller:  from,
		Amount:  fpmath.Copy(amount),
		Debt:    s.c.norm.DebtAmount(amount),
	})
}

// UpdateOperator sets or clears (uuid.Nil) the vault's operator.
func (s *Session) UpdateOperator(caller uuid.UUID, vaultID uint64, operator uuid.UUID) error {
	if err := s.c.vaults.UpdateOperator(vaultID, caller, operator); err != nil {
		return err
	}
	return s.Emit(&event.OperatorUpdated{VaultID: vaultID, Operator: operator})
}

// TransferVault hands vault ownership to newOwner.
func (s *Session) TransferVault(caller uuid.UUID, vaultID uint64, newOwner uuid.UUID) error {
	if err := s.c.vaults.Transfer(vaultID, caller, newOwner); err != nil {
		return err
	}
	return s.Emit(&event.VaultTransferred{VaultID: vaultID, From: caller, To: newOwner})
}

// DepositWallet credits an identity from outside the ledger.
func (s *Session) DepositWallet(owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	name, ok := ledger.GetAssetName(asset)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", state.ErrInvalidAmount)
	}
	if err := s.c.book.Deposit(owner, asset, amount); err != nil {
		return err
	}
	return s.Emit(&event.WalletDeposited{DepositID: s.opID, UserID: owner, Asset: name, Amount: fpmath.Copy(amount)})
}

// WithdrawWallet debits an identity to outside the ledger.
func (s *Session) WithdrawWallet(owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	name, ok := ledger.GetAssetName(asset)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw must be positive", state.ErrInvalidAmount)
	}
	if err := s.c.book.Withdraw(owner, asset, amount); err != nil {
		return err
	}
	return s.Emit(&event.WalletWithdrawn{WithdrawalID: s.opID, UserID: owner, Asset: name, Amount: fpmath.Copy(amount)})
}

// Transfer moves an asset between two identities.
func (s *Session) Transfer(from, to uuid.UUID, asset ledger.AssetID, amount *big.Int) error {
	return s.c.book.Transfer(ledger.NewWalletKey(from, asset), ledger.NewWalletKey(to, asset), amount, ledger.JournalTypeTransfer)
}

// WalletBalance reads an identity's balance including this unit's changes.
func (s *Session) WalletBalance(owner uuid.UUID, asset ledger.AssetID) *big.Int {
	return s.c.book.WalletBalance(owner, asset)
}

// DebtAmount converts a normalized short amount at the settled factor.
func (s *Session) DebtAmount(shortAmount *big.Int) (*big.Int, error) {
	if _, err := s.Settle(); err != nil {
		return nil, err
	}
	return s.c.norm.DebtAmount(shortAmount), nil
}

// ShortAmountFromDebt converts economic debt at the settled factor.
func (s *Session) ShortAmountFromDebt(debt *big.Int) (*big.Int, error) {
	if _, err := s.Settle(); err != nil {
		return nil, err
	}
	return s.c.norm.ShortAmountFromDebt(debt), nil
}
