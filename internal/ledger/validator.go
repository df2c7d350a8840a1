package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInsufficientBalance is returned when a transfer would overdraw an account.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateWalletNonNegative checks an identity's holdings are >= 0
func (v *InvariantValidator) ValidateWalletNonNegative(owner uuid.UUID, assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewWalletKey(owner, assetID))
}

// ValidateAccounts checks every account touched by the batch
func (v *InvariantValidator) ValidateAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		if err := v.tracker.ValidateNonNegative(j.DebitAccount); err != nil {
			return err
		}
		if err := v.tracker.ValidateNonNegative(j.CreditAccount); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", assetID, total)
		}
	}

	return nil
}
