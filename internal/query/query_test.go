package query_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/persistence"
	"PowerPerp/internal/projection"
	"PowerPerp/internal/query"
	"PowerPerp/internal/state"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	at    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func wad(s string) *big.Int { return fpmath.MustParseWad(s) }

type fakeEngine struct {
	view    *core.VaultView
	funding *core.FundingView
	seq     int64
}

func (f *fakeEngine) VaultView(_ context.Context, id uint64) (*core.VaultView, error) {
	if f.view == nil || f.view.Vault.ID != id {
		return nil, state.ErrVaultNotFound
	}
	return f.view, nil
}

func (f *fakeEngine) Funding(context.Context) (*core.FundingView, error) { return f.funding, nil }

func (f *fakeEngine) LiquidatableVaults(context.Context) ([]uint64, error) { return []uint64{3}, nil }

func (f *fakeEngine) Sequence() int64 { return f.seq }

func newEngine() *fakeEngine {
	v := state.NewVault(1, alice)
	v.CollateralAmount = wad("45")
	v.ShortAmount = wad("0.01")
	v.Version = 2
	return &fakeEngine{
		seq: 10,
		view: &core.VaultView{
			Vault:  v,
			Factor: wad("1"),
			EthUsd: wad("3000"),
			Debt:   wad("0.01"),
			Valuation: &state.Valuation{
				Collateral:     wad("45"),
				EffectiveShort: wad("0.01"),
				DebtValue:      wad("30"),
				LPEth:          fpmath.Zero(),
				LPDerivative:   fpmath.Zero(),
			},
			Ratio:            wad("1.5"),
			LiquidationPrice: wad("3000"),
			Status:           state.VaultStatusSafe,
		},
		funding: &core.FundingView{
			Factor:       wad("0.999"),
			LastUpdate:   at,
			Index:        wad("9000000"),
			Mark:         wad("9090000"),
			PeriodRate:   decimal.RequireFromString("0.00995"),
			DailyRate:    decimal.RequireFromString("0.01393"),
			FundingCycle: 420 * time.Hour,
		},
	}
}

func TestGetVault_RendersDecimals(t *testing.T) {
	qs := query.NewQueryService(nil, newEngine(), nil, nil)

	r, err := qs.GetVault(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "45", r.Collateral.String())
	assert.Equal(t, "0.01", r.ShortAmount.String())
	assert.Equal(t, "1.5", r.CollateralRatio.String())
	assert.Equal(t, "Safe", r.Status)
	assert.Nil(t, r.Operator)
	assert.Equal(t, int64(9), r.AsOfSequence)

	_, err = qs.GetVault(context.Background(), 99)
	assert.True(t, errors.Is(err, state.ErrVaultNotFound))
}

func TestGetFunding_IncludesRecentHistory(t *testing.T) {
	h := projection.NewNormalizationHistory(4)
	h.Add(projection.NormalizationPoint{
		Sequence:       5,
		PreviousFactor: wad("1"),
		Factor:         wad("0.999"),
		Index:          wad("9000000"),
		Mark:           wad("9090000"),
		Elapsed:        time.Hour,
		At:             at,
	})
	qs := query.NewQueryService(nil, newEngine(), nil, h)

	r, err := qs.GetFunding(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "0.999", r.Factor.String())
	assert.Equal(t, "420h0m0s", r.FundingCycle)
	require.Len(t, r.Recent, 1)
	assert.Equal(t, int64(3_600_000), r.Recent[0].ElapsedMs)
}

type memVaultStore struct {
	records []persistence.VaultRecord
}

func (m *memVaultStore) GetVault(_ context.Context, id uint64) (*persistence.VaultRecord, error) {
	for i := range m.records {
		if m.records[i].VaultID == id {
			return &m.records[i], nil
		}
	}
	return nil, persistence.ErrVaultNotFound
}

func (m *memVaultStore) VaultsByOwner(_ context.Context, owner uuid.UUID) ([]persistence.VaultRecord, error) {
	var out []persistence.VaultRecord
	for _, r := range m.records {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestListVaultsByOwner(t *testing.T) {
	store := &memVaultStore{records: []persistence.VaultRecord{
		{VaultID: 1, Owner: alice, Collateral: wad("45"), ShortAmount: wad("0.01"), Version: 2, UpdatedSequence: 8},
		{VaultID: 2, Owner: uuid.New(), Collateral: wad("1"), ShortAmount: fpmath.Zero()},
	}}
	qs := query.NewQueryService(nil, newEngine(), store, nil)

	out, err := qs.ListVaultsByOwner(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "45", out[0].Collateral.String())
	assert.Equal(t, int64(8), out[0].UpdatedSequence)

	_, err = qs.GetStoredVault(context.Background(), 7)
	assert.ErrorIs(t, err, persistence.ErrVaultNotFound)
}

func TestGetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT last_sequence FROM projections\.watermark`).
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(14)))
	mock.ExpectQuery(`FROM projections\.balances`).
		WithArgs(ledger.NewWalletKey(alice, ledger.AssetETH).AccountPath(), int16(1)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("2500000000000000000"))

	qs := query.NewQueryService(db, newEngine(), nil, nil)
	r, err := qs.GetBalance(context.Background(), alice, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "2.5", r.Balance.String())
	assert.Equal(t, int64(14), r.AsOfSequence)

	_, err = qs.GetBalance(context.Background(), alice, "DOGE")
	assert.ErrorIs(t, err, core.ErrUnknownAsset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJournalHistory_Paginates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	jid, bid := uuid.New(), uuid.New()
	mock.ExpectQuery(`FROM event_log\.journal`).
		WithArgs("user:"+alice.String()+":%", int64(40), 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account",
			"asset_id", "amount", "journal_type", "timestamp",
		}).AddRow(jid.String(), bid.String(), "op", int64(39),
			"user:"+alice.String()+":wallet:ETH", "external:deposits:ETH",
			int16(1), "1000000000000000000", int32(ledger.JournalTypeDeposit), at.UnixMicro()))

	before := int64(40)
	qs := query.NewQueryService(db, newEngine(), nil, nil)
	entries, err := qs.GetJournalHistory(context.Background(), alice, 2, &before)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ETH", entries[0].Asset)
	assert.Equal(t, "1", entries[0].Amount.String())
	assert.Equal(t, ledger.JournalTypeDeposit.String(), entries[0].JournalType)
	assert.True(t, entries[0].Timestamp.Equal(at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLiquidations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keeper := uuid.New()
	mock.ExpectQuery(`FROM projections\.liquidations`).
		WithArgs(int64(4), 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"sequence", "vault_id", "liquidator", "kind", "debt_repaid", "collateral_seized",
			"lp_redeemed", "factor", "eth_usd", "timestamp",
		}).AddRow(int64(21), int64(4), keeper.String(), "partial", "5000000000000000",
			"24750000000000000000", false, "999000000000000000", "3000000000000000000000", at))

	qs := query.NewQueryService(db, newEngine(), nil, nil)
	out, err := qs.GetLiquidations(context.Background(), 4, 20)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, keeper, out[0].Liquidator)
	assert.Equal(t, "24.75", out[0].CollateralSeized.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyIntegrity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`projections\.watermark`).
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(int64(50)))
	mock.ExpectQuery(`FROM event_log\.events e1`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(17)))
	mock.ExpectQuery(`SUM\(balance\)`).
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "total"}).AddRow(int16(2), "-1000000000000000"))

	qs := query.NewQueryService(db, newEngine(), nil, nil)
	report, err := qs.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{17}, report.HashChainBreaks)
	require.Len(t, report.UnbalancedAssets, 1)
	assert.Equal(t, "OSQTH", report.UnbalancedAssets[0].Asset)
	assert.Equal(t, "-0.001", report.UnbalancedAssets[0].Imbalance.String())
	require.NoError(t, mock.ExpectationsWereMet())
}
