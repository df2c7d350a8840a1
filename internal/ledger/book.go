package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Book is the shared balance sheet of every identity, vault collateral
// account, pool reserve and position escrow. All asset movement goes
// through Transfer, which journals and applies it immediately. Changes made
// since a checkpoint can be undone with Rollback.
type Book struct {
	tracker   *BalanceTracker
	generator *JournalGenerator
	validator *InvariantValidator
}

func NewBook() *Book {
	tracker := NewBalanceTracker()
	return &Book{
		tracker:   tracker,
		generator: NewJournalGenerator(0),
		validator: NewInvariantValidator(tracker),
	}
}

// Tracker exposes the underlying balances (read side, snapshots).
func (b *Book) Tracker() *BalanceTracker {
	return b.tracker
}

// Validator exposes the invariant checks.
func (b *Book) Validator() *InvariantValidator {
	return b.validator
}

// Begin starts the batch of one operation.
func (b *Book) Begin(eventRef string, sequence int64, timestamp int64) {
	b.generator.Begin(eventRef, sequence, timestamp)
}

// Transfer moves amount from one account to another. A zero amount is a
// no-op; the source must cover the amount unless it may go negative.
func (b *Book) Transfer(from, to AccountKey, amount *big.Int, jt JournalType) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("transfer %s -> %s: negative amount %s", from.AccountPath(), to.AccountPath(), amount)
	}
	if err := b.tracker.ValidateSufficient(from, amount); err != nil {
		return err
	}
	j, err := b.generator.Generate(from, to, amount, jt)
	if err != nil {
		return err
	}
	b.tracker.ApplyJournal(j)
	return nil
}

// Deposit credits an identity from the external boundary.
func (b *Book) Deposit(owner uuid.UUID, assetID AssetID, amount *big.Int) error {
	return b.Transfer(NewExternalAccountKey(SubTypeExternalDeposits, assetID), NewWalletKey(owner, assetID), amount, JournalTypeDeposit)
}

// Withdraw debits an identity to the external boundary.
func (b *Book) Withdraw(owner uuid.UUID, assetID AssetID, amount *big.Int) error {
	return b.Transfer(NewWalletKey(owner, assetID), NewExternalAccountKey(SubTypeExternalWithdrawals, assetID), amount, JournalTypeWithdrawal)
}

// Balance returns the balance of an account.
func (b *Book) Balance(key AccountKey) *big.Int {
	return b.tracker.GetBalance(key)
}

// WalletBalance returns what an identity holds of an asset.
func (b *Book) WalletBalance(owner uuid.UUID, assetID AssetID) *big.Int {
	return b.tracker.GetWalletBalance(owner, assetID)
}

// Checkpoint marks the current position in the open batch.
func (b *Book) Checkpoint() any {
	return b.generator.Len()
}

// Rollback reverts every journal applied after the checkpoint.
func (b *Book) Rollback(cp any) {
	n, _ := cp.(int)
	journals := b.generator.Journals()
	for i := len(journals) - 1; i >= n; i-- {
		b.tracker.RevertJournal(journals[i])
	}
	b.generator.Truncate(n)
}

// Finish closes the open batch. It returns nil when nothing was journaled.
func (b *Book) Finish() *Batch {
	batch := b.generator.Finish()
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	return batch
}

// Restore loads balances from a snapshot.
func (b *Book) Restore(balances map[AccountKey]*big.Int) {
	for k, v := range balances {
		b.tracker.SetBalance(k, v)
	}
}
