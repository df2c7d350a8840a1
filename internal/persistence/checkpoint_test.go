package persistence_test

import (
	"context"
	"testing"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateSource struct{ st *core.SnapshotState }

func (s stateSource) CreateSnapshotState() (*core.SnapshotState, error) { return s.st, nil }

func TestCheckpointer_VerifiesOnceLogCatchesUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	hash := [32]byte{9}
	mock.ExpectExec(`INSERT INTO event_log\.snapshots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT state_hash FROM event_log\.events`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}))
	mock.ExpectQuery(`SELECT state_hash FROM event_log\.events`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(hash[:]))
	mock.ExpectExec(`UPDATE event_log\.snapshots SET verified = TRUE`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	cp := persistence.NewCheckpointer(persistence.NewSnapshotManager(db), stateSource{sampleSnapshot()}, metrics).
		WithLogger(observability.NewNopLogger()).
		WithWait(time.Millisecond, time.Second)

	seq, err := cp.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)
	assert.Equal(t, float64(9), testutil.ToFloat64(metrics.SnapshotLastSeq))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SnapshotTaken))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointer_HashMismatchLeavesUnverified(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	other := [32]byte{7}
	mock.ExpectExec(`INSERT INTO event_log\.snapshots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT state_hash FROM event_log\.events`).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}).AddRow(other[:]))

	cp := persistence.NewCheckpointer(persistence.NewSnapshotManager(db), stateSource{sampleSnapshot()}, nil).
		WithLogger(observability.NewNopLogger())

	_, err = cp.Take(context.Background())
	assert.ErrorContains(t, err, "differs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointer_LogNeverCatchesUp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO event_log\.snapshots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT state_hash FROM event_log\.events`).
		WillReturnRows(sqlmock.NewRows([]string{"state_hash"}))

	cp := persistence.NewCheckpointer(persistence.NewSnapshotManager(db), stateSource{sampleSnapshot()}, nil).
		WithLogger(observability.NewNopLogger()).
		WithWait(time.Hour, 30*time.Millisecond)

	_, err = cp.Take(context.Background())
	assert.ErrorIs(t, err, persistence.ErrSnapshotAhead)
}

func TestCheckpointer_NothingEmitted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := sampleSnapshot()
	st.Sequence = -1
	seq, err := persistence.NewCheckpointer(persistence.NewSnapshotManager(db), stateSource{st}, nil).Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}
