package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewWalletKey(owner, ledger.AssetETH)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:ETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	path := ledger.PoolReserveKey("osqth-eth", ledger.AssetOSQTH).AccountPath()
	if path != "system:osqth-eth:pool_reserve:OSQTH" {
		t.Errorf("got %q, want %q", path, "system:osqth-eth:pool_reserve:OSQTH")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	keys := []ledger.AccountKey{
		ledger.NewWalletKey(owner, ledger.AssetOSQTH),
		ledger.VaultCollateralKey(),
		ledger.SupplyKey(),
		ledger.PoolReserveKey("osqth-eth", ledger.AssetETH),
		ledger.EscrowKey("positions", ledger.AssetOSQTH),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, ledger.AssetETH),
	}
	for _, want := range keys {
		got, err := ledger.ParseAccountPath(want.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", want.AccountPath(), err)
		}
		if got != want {
			t.Errorf("parse %s: got %+v, want %+v", want.AccountPath(), got, want)
		}
	}

	for _, bad := range []string{"", "user:not-a-uuid:wallet:ETH", "system:x:nope:ETH", "external:deposits:DOGE"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("parse %q: expected error", bad)
		}
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetETH)
	if key.AccountPath() != "external:deposits:ETH" {
		t.Errorf("got %q, want %q", key.AccountPath(), "external:deposits:ETH")
	}
}

func TestGetAssetID(t *testing.T) {
	id, ok := ledger.GetAssetID("OSQTH")
	if !ok || id != ledger.AssetOSQTH {
		t.Fatalf("OSQTH should map to %d, got %d (ok=%v)", ledger.AssetOSQTH, id, ok)
	}
	if _, ok := ledger.GetAssetID("DOGE"); ok {
		t.Error("DOGE should not be a known asset")
	}
}

func TestMayGoNegative(t *testing.T) {
	if !ledger.SupplyKey().MayGoNegative() {
		t.Error("supply account must be allowed to go negative")
	}
	if ledger.VaultCollateralKey().MayGoNegative() {
		t.Error("vault collateral must not go negative")
	}
	if ledger.NewWalletKey(uuid.New(), ledger.AssetETH).MayGoNegative() {
		t.Error("wallets must not go negative")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_RejectsNonPositive(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewWalletKey(uuid.New(), ledger.AssetETH),
			CreditAccount: ledger.VaultCollateralKey(),
			AssetID:       ledger.AssetETH,
			Amount:        big.NewInt(0),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatchValidate_RejectsMixedAssets(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewWalletKey(uuid.New(), ledger.AssetOSQTH),
			CreditAccount: ledger.VaultCollateralKey(),
			AssetID:       ledger.AssetETH,
			Amount:        big.NewInt(1),
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("expected error for mixed assets")
	}
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_DepositAndTransfer(t *testing.T) {
	book := ledger.NewBook()
	alice := uuid.New()
	bob := uuid.New()

	book.Begin("op-1", 1, 0)
	if err := book.Deposit(alice, ledger.AssetETH, fpmath.WadFromInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := book.Transfer(ledger.NewWalletKey(alice, ledger.AssetETH), ledger.NewWalletKey(bob, ledger.AssetETH),
		fpmath.WadFromInt(4), ledger.JournalTypeTransfer); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := book.WalletBalance(alice, ledger.AssetETH); got.Cmp(fpmath.WadFromInt(6)) != 0 {
		t.Errorf("alice: got %s, want 6e18", got)
	}
	if got := book.WalletBalance(bob, ledger.AssetETH); got.Cmp(fpmath.WadFromInt(4)) != 0 {
		t.Errorf("bob: got %s, want 4e18", got)
	}

	batch := book.Finish()
	if batch == nil || len(batch.Journals) != 2 {
		t.Fatalf("expected batch with 2 journals, got %+v", batch)
	}
	if batch.EventRef != "op-1" || batch.Sequence != 1 {
		t.Errorf("batch header: ref=%q seq=%d", batch.EventRef, batch.Sequence)
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("finished batch should validate: %v", err)
	}
}

func TestBook_RejectsOverdraw(t *testing.T) {
	book := ledger.NewBook()
	alice := uuid.New()

	err := book.Transfer(ledger.NewWalletKey(alice, ledger.AssetETH), ledger.VaultCollateralKey(),
		fpmath.WadFromInt(1), ledger.JournalTypeCollateralDeposit)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if book.Balance(ledger.VaultCollateralKey()).Sign() != 0 {
		t.Error("failed transfer must not change balances")
	}
}

func TestBook_ZeroTransferIsNoop(t *testing.T) {
	book := ledger.NewBook()
	if err := book.Transfer(ledger.NewWalletKey(uuid.New(), ledger.AssetETH), ledger.VaultCollateralKey(),
		big.NewInt(0), ledger.JournalTypeCollateralDeposit); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	if book.Finish() != nil {
		t.Error("zero transfer should not journal")
	}
}

func TestBook_RollbackToCheckpoint(t *testing.T) {
	book := ledger.NewBook()
	alice := uuid.New()

	book.Begin("op-1", 1, 0)
	_ = book.Deposit(alice, ledger.AssetETH, fpmath.WadFromInt(10))
	cp := book.Checkpoint()

	_ = book.Transfer(ledger.NewWalletKey(alice, ledger.AssetETH), ledger.VaultCollateralKey(),
		fpmath.WadFromInt(3), ledger.JournalTypeCollateralDeposit)
	_ = book.Transfer(ledger.SupplyKey(), ledger.NewWalletKey(alice, ledger.AssetOSQTH),
		fpmath.WadFromInt(1), ledger.JournalTypeMint)

	book.Rollback(cp)

	if got := book.WalletBalance(alice, ledger.AssetETH); got.Cmp(fpmath.WadFromInt(10)) != 0 {
		t.Errorf("alice ETH after rollback: got %s, want 10e18", got)
	}
	if got := book.WalletBalance(alice, ledger.AssetOSQTH); got.Sign() != 0 {
		t.Errorf("alice OSQTH after rollback: got %s, want 0", got)
	}
	if got := book.Balance(ledger.SupplyKey()); got.Sign() != 0 {
		t.Errorf("supply after rollback: got %s, want 0", got)
	}

	batch := book.Finish()
	if batch == nil || len(batch.Journals) != 1 {
		t.Fatalf("only the deposit should remain journaled, got %+v", batch)
	}
}

func TestBook_GlobalBalanceIsZeroSum(t *testing.T) {
	book := ledger.NewBook()
	alice := uuid.New()

	_ = book.Deposit(alice, ledger.AssetETH, fpmath.WadFromInt(5))
	_ = book.Transfer(ledger.SupplyKey(), ledger.NewWalletKey(alice, ledger.AssetOSQTH),
		fpmath.WadFromInt(2), ledger.JournalTypeMint)

	if err := book.Validator().ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should be zero-sum: %v", err)
	}
}
