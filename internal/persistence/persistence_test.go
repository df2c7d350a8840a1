package persistence_test

import (
	"context"
	"encoding/json"
	"math/big"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/persistence"
	"PowerPerp/internal/state"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	opID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	at    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func wad(s string) *big.Int { return fpmath.MustParseWad(s) }

func sampleOutput(t *testing.T) core.CoreOutput {
	t.Helper()
	payload, err := event.Encode(&event.CollateralDeposited{VaultID: 7, Caller: alice, Amount: wad("45")})
	require.NoError(t, err)

	vid := uint64(7)
	batchID := uuid.New()
	v := state.NewVault(7, alice)
	v.CollateralAmount = wad("45")
	v.ShortAmount = wad("0.01")
	v.Version = 3

	return core.CoreOutput{
		OperationID: opID,
		Op:          "open_or_adjust",
		Envelopes: []*event.EventEnvelope{{
			Sequence:       12,
			OperationID:    opID,
			IdempotencyKey: "req-1",
			EventType:      event.EventTypeCollateralDeposited,
			VaultID:        &vid,
			Timestamp:      at,
			Payload:        payload,
			StateHash:      [32]byte{1},
			PrevHash:       [32]byte{2},
		}},
		Batch: &ledger.Batch{
			BatchID:   batchID,
			EventRef:  opID.String(),
			Sequence:  12,
			Timestamp: at.UnixMicro(),
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				EventRef:      opID.String(),
				Sequence:      12,
				DebitAccount:  ledger.VaultCollateralKey(),
				CreditAccount: ledger.NewWalletKey(alice, ledger.AssetETH),
				AssetID:       ledger.AssetETH,
				Amount:        wad("45"),
				JournalType:   ledger.JournalTypeCollateralDeposit,
				Timestamp:     at.UnixMicro(),
			}},
		},
		Vaults:        []*state.Vault{v},
		ClosedVaults:  []uint64{3},
		Owners:        map[uint64]uuid.UUID{7: alice},
		Normalization: state.NormalizationState{Factor: wad("0.99"), LastUpdate: at},
		Participants: map[string]json.RawMessage{
			"positions:positions": json.RawMessage(`{"next_id":2}`),
			"pool:osqth-eth":      json.RawMessage(`{"total_liquidity":5}`),
		},
	}
}

func TestUnitFromOutput(t *testing.T) {
	u := persistence.UnitFromOutput(sampleOutput(t))

	require.Len(t, u.Events, 1)
	assert.Equal(t, "CollateralDeposited", u.Events[0].EventType)
	assert.Equal(t, uint64(7), *u.Events[0].VaultID)
	assert.Len(t, u.Events[0].StateHash, 32)
	assert.Equal(t, int64(12), u.LastSequence)

	assert.Equal(t, "req-1", u.Operation.IdempotencyKey)
	assert.Equal(t, int64(12), *u.Operation.FirstSequence)

	require.Len(t, u.Journals, 1)
	assert.Equal(t, "45000000000000000000", u.Journals[0].Amount)
	assert.Equal(t, "system:controller:vault_collateral:ETH", u.Journals[0].DebitAccount)

	require.Len(t, u.Vaults, 1)
	assert.Nil(t, u.Vaults[0].Operator)
	assert.Equal(t, "10000000000000000", u.Vaults[0].ShortAmount)
	assert.Equal(t, []uint64{3}, u.Closed)
	assert.Equal(t, "990000000000000000", u.Normalization.Factor)

	require.Len(t, u.Participants, 2)
	assert.Equal(t, "pool:osqth-eth", u.Participants[0].Name)
	assert.Equal(t, "positions:positions", u.Participants[1].Name)
}

type recordingInvalidator struct{ ids []uint64 }

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...uint64) error {
	r.ids = append(r.ids, ids...)
	return nil
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log\.operations`).
		WithArgs(opID, "open_or_adjust", "req-1", int64(12), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_log\.events`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO event_log\.journal`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.vaults`).
		WithArgs(int64(7), alice, nil, "45000000000000000000", "10000000000000000", nil, int64(3), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM ledger\.vaults WHERE vault_id = ANY`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.vault_owners`).WithArgs(int64(7), alice).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.normalization`).
		WithArgs("990000000000000000", at, int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.participants`).
		WithArgs("pool:osqth-eth", []byte(`{"total_liquidity":5}`), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger\.participants`).
		WithArgs("positions:positions", sqlmock.AnyArg(), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 1)
	published := make(chan core.CoreOutput, 1)
	cache := &recordingInvalidator{}
	w := persistence.NewPersistenceWorker(db, in, 10, time.Hour, nil).
		WithCache(cache).
		WithPublisher(published).
		WithLogger(observability.NewNopLogger())

	in <- sampleOutput(t)
	close(in)
	require.NoError(t, w.Run(context.Background()))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.ElementsMatch(t, []uint64{7, 3}, cache.ids)
	require.Len(t, published, 1)
	assert.Equal(t, opID, (<-published).OperationID)
}

func TestPersistenceWorker_RollsBackFailedUnit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	out := sampleOutput(t)
	out.Envelopes[0].IdempotencyKey = ""

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO event_log\.events`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	in := make(chan core.CoreOutput, 1)
	published := make(chan core.CoreOutput, 1)
	w := persistence.NewPersistenceWorker(db, in, 10, time.Hour, nil).
		WithPublisher(published).
		WithLogger(observability.NewNopLogger())
	in <- out
	close(in)
	require.NoError(t, w.Run(context.Background()))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, published, "units are published only after they are durable")
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM event_log\.operations`).
		WithArgs("open_short", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`FROM event_log\.operations`).
		WithArgs("open_short", "k2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectQuery(`SELECT op, idempotency_key FROM`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"op", "idempotency_key"}).
			AddRow("open_short", "k0").
			AddRow("open_short", "k1"))

	c := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := c.IsDuplicate("open_short", "k1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = c.IsDuplicate("open_short", "k2")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := c.RecentKeys(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"open_short:k0", "open_short:k1"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func sampleSnapshot() *core.SnapshotState {
	v := state.NewVault(1, alice)
	v.CollateralAmount = wad("45")
	v.ShortAmount = wad("0.01")
	return &core.SnapshotState{
		Sequence:  9,
		StateHash: [32]byte{9},
		Balances: map[ledger.AccountKey]*big.Int{
			ledger.NewWalletKey(alice, ledger.AssetETH): wad("5"),
			ledger.VaultCollateralKey():                 wad("45"),
			ledger.SupplyKey():                          new(big.Int).Neg(wad("0.01")),
		},
		Vaults:          []*state.Vault{v},
		Owners:          map[uint64]uuid.UUID{1: alice},
		NextVaultID:     2,
		Normalization:   state.NormalizationState{Factor: wad("1"), LastUpdate: at},
		PriceSequences:  map[string]int64{"eth-usdc": 4},
		IdempotencyKeys: []string{"open_or_adjust:a"},
		Participants:    map[string]json.RawMessage{"pool:osqth-eth": json.RawMessage(`{"total":"1"}`)},
	}
}

func TestSnapshotManager_SaveAndLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	data := persistence.SnapshotFromState(sampleSnapshot(), at)
	encoded, err := json.Marshal(data)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO event_log\.snapshots`).
		WithArgs(sqlmock.AnyArg(), int64(9), encoded, data.StateHash, 1, len(encoded), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event_log\.snapshots SET verified = TRUE`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT data, format_version FROM event_log\.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"data", "format_version"}).AddRow(encoded, 1))

	sm := persistence.NewSnapshotManager(db)
	size, err := sm.SaveSnapshot(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), size)
	require.NoError(t, sm.MarkVerified(context.Background(), 9))

	loaded, err := sm.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	restored, err := loaded.State()
	require.NoError(t, err)

	assert.Equal(t, int64(9), restored.Sequence)
	assert.Equal(t, [32]byte{9}, restored.StateHash)
	assert.Len(t, restored.Balances, 3)
	assert.Equal(t, 0, wad("-0.01").Cmp(restored.Balances[ledger.SupplyKey()]))
	assert.Equal(t, alice, restored.Owners[1])
	assert.Equal(t, 0, wad("45").Cmp(restored.Vaults[0].CollateralAmount))
	assert.JSONEq(t, `{"total":"1"}`, string(restored.Participants["pool:osqth-eth"]))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotManager_LoadLatestSnapshot_ColdStart(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM event_log\.snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"data", "format_version"}))

	snap, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotManager_RollForward(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bob := uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
	price, err := event.Encode(&event.PriceObserved{Pool: "eth-usdc", Price: wad("3100"), PriceSequence: 8, ObservedAt: at})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM event_log\.events`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(11)))
	mock.ExpectQuery(`FROM event_log\.journal`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"debit_account", "credit_account", "amount"}).
			AddRow("user:"+bob.String()+":wallet:ETH", "external:deposits:ETH", "7000000000000000000").
			AddRow(ledger.VaultCollateralKey().AccountPath(), "user:"+bob.String()+":wallet:ETH", "7000000000000000000"))
	mock.ExpectQuery(`FROM ledger\.vaults`).
		WillReturnRows(sqlmock.NewRows([]string{"vault_id", "owner", "operator", "collateral", "short_amount", "lp_token_id", "version"}).
			AddRow(int64(1), alice.String(), nil, "45000000000000000000", "10000000000000000", nil, int64(1)).
			AddRow(int64(2), bob.String(), nil, "7000000000000000000", "0", nil, int64(1)))
	mock.ExpectQuery(`SELECT vault_id, owner FROM ledger\.vault_owners`).
		WillReturnRows(sqlmock.NewRows([]string{"vault_id", "owner"}).
			AddRow(int64(1), alice.String()).
			AddRow(int64(2), bob.String()))
	mock.ExpectQuery(`FROM ledger\.normalization`).
		WillReturnRows(sqlmock.NewRows([]string{"factor", "last_update"}).AddRow("999000000000000000", at.Add(time.Hour)))
	mock.ExpectQuery(`SELECT payload FROM event_log\.events`).
		WithArgs(int64(9), "PriceObserved").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(price))
	mock.ExpectQuery(`SELECT op, idempotency_key FROM event_log\.operations`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"op", "idempotency_key"}).AddRow("deposit", "b1"))
	mock.ExpectQuery(`SELECT name, state FROM ledger\.participants`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "state"}).
			AddRow("pool:osqth-eth", []byte(`{"total_liquidity":42}`)))
	mock.ExpectQuery(`SELECT state_hash FROM event_log\.events`).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(make([]byte, 32)))

	snap, err := persistence.NewSnapshotManager(db).RollForward(context.Background(), sampleSnapshot())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(11), snap.Sequence)
	assert.Equal(t, 0, wad("52").Cmp(snap.Balances[ledger.VaultCollateralKey()]))
	assert.Zero(t, snap.Balances[ledger.NewWalletKey(bob, ledger.AssetETH)].Sign())
	assert.Len(t, snap.Vaults, 2)
	assert.Equal(t, uint64(3), snap.NextVaultID)
	assert.Equal(t, bob, snap.Owners[2])
	assert.Equal(t, 0, wad("0.999").Cmp(snap.Normalization.Factor))
	assert.Equal(t, int64(9), snap.PriceSequences["eth-usdc"])
	assert.Contains(t, snap.IdempotencyKeys, "deposit:b1")
	assert.JSONEq(t, `{"total_liquidity":42}`, string(snap.Participants["pool:osqth-eth"]))
}

func TestSnapshotManager_RollForward_EmptyLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT MAX\(sequence\)`).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	snap, err := persistence.NewSnapshotManager(db).RollForward(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestMigrator_UpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000001_event_log.up.sql":   {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql": {Data: []byte("DROP SCHEMA event_log;")},
		"000002_vaults.up.sql":      {Data: []byte("CREATE SCHEMA ledger;")},
		"000002_vaults.down.sql":    {Data: []byte("DROP SCHEMA ledger;")},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS public\.schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM public\.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE SCHEMA ledger;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO public\.schema_migrations`).
		WithArgs("000002", "000002_vaults.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := persistence.NewMigrator(db, files).WithLogger(observability.NewNopLogger()).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000002_vaults.up.sql":   {Data: []byte("CREATE SCHEMA ledger;")},
		"000002_vaults.down.sql": {Data: []byte("DROP SCHEMA ledger;")},
	}

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version, filename FROM public\.schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_vaults.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP SCHEMA ledger;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM public\.schema_migrations`).WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, persistence.NewMigrator(db, files).WithLogger(observability.NewNopLogger()).Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeVaultStore struct {
	calls int
	rec   *persistence.VaultRecord
}

func (f *fakeVaultStore) GetVault(context.Context, uint64) (*persistence.VaultRecord, error) {
	f.calls++
	return f.rec, nil
}

func (f *fakeVaultStore) VaultsByOwner(context.Context, uuid.UUID) ([]persistence.VaultRecord, error) {
	return []persistence.VaultRecord{*f.rec}, nil
}

func TestCachedVaultStore_ReadThroughAndInvalidate(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	rec := &persistence.VaultRecord{
		VaultID:     7,
		Owner:       alice,
		Collateral:  wad("45"),
		ShortAmount: wad("0.01"),
		Version:     3,
	}
	primary := &fakeVaultStore{rec: rec}
	store := persistence.NewCachedVaultStore(primary, rdb, time.Minute)
	encoded, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectGet("powerperp:vault:7").RedisNil()
	mock.ExpectSet("powerperp:vault:7", encoded, time.Minute).SetVal("OK")
	got, err := store.GetVault(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, wad("45").Cmp(got.Collateral))
	assert.Equal(t, 1, primary.calls)

	mock.ExpectGet("powerperp:vault:7").SetVal(string(encoded))
	got, err = store.GetVault(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, 1, primary.calls, "second read is served from redis")

	mock.ExpectDel("powerperp:vault:7", "powerperp:vault:8").SetVal(1)
	require.NoError(t, store.Invalidate(context.Background(), 7, 8))
	require.NoError(t, mock.ExpectationsWereMet())
}
