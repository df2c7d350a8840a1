package oracle_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time { return c.t }

func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

const ethUsd = oracle.PoolRef("eth-usdc")

func newStore(t *testing.T) (*oracle.ObservationStore, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := oracle.NewObservationStore(clock.Now)
	store.Register(ethUsd, "ETH", "USDC")
	return store, clock
}

func TestObservationStore_TimeWeighted(t *testing.T) {
	store, clock := newStore(t)
	require.NoError(t, store.Record(ethUsd, fpmath.WadFromInt(3000), clock.Now()))
	clock.Advance(10 * time.Minute)
	require.NoError(t, store.Record(ethUsd, fpmath.WadFromInt(4000), clock.Now()))
	clock.Advance(10 * time.Minute)

	// last 20 minutes: half at 3000, half at 4000
	twap, err := store.Twap(context.Background(), ethUsd, "ETH", "USDC", 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, twap.Cmp(fpmath.WadFromInt(3500)), "got %s", twap)

	// last 5 minutes: only the 4000 observation
	twap, err = store.Twap(context.Background(), ethUsd, "ETH", "USDC", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, twap.Cmp(fpmath.WadFromInt(4000)), "got %s", twap)
}

func TestObservationStore_InversePair(t *testing.T) {
	store, clock := newStore(t)
	require.NoError(t, store.Record(ethUsd, fpmath.WadFromInt(2000), clock.Now()))
	clock.Advance(time.Hour)

	twap, err := store.Twap(context.Background(), ethUsd, "USDC", "ETH", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, twap.Cmp(fpmath.MustParseWad("0.0005")), "got %s", twap)
}

func TestObservationStore_InsufficientHistory(t *testing.T) {
	store, clock := newStore(t)
	_, err := store.Twap(context.Background(), ethUsd, "ETH", "USDC", time.Minute)
	assert.ErrorIs(t, err, oracle.ErrNoObservations)

	require.NoError(t, store.Record(ethUsd, fpmath.WadFromInt(3000), clock.Now()))
	clock.Advance(time.Minute)
	_, err = store.Twap(context.Background(), ethUsd, "ETH", "USDC", 7*time.Minute)
	assert.ErrorIs(t, err, oracle.ErrInsufficientHistory)
}

func TestObservationStore_UnknownPair(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Twap(context.Background(), ethUsd, "ETH", "OSQTH", time.Minute)
	assert.ErrorIs(t, err, oracle.ErrUnknownPool)
	assert.ErrorIs(t, store.Record("nope", big.NewInt(1), time.Now()), oracle.ErrUnknownPool)
}

func TestAdapter_RejectsShortPeriod(t *testing.T) {
	store, _ := newStore(t)
	adapter := oracle.NewAdapter(store, oracle.AdapterConfig{MinPeriod: 5 * time.Minute}, nil)

	_, err := adapter.GetTwap(context.Background(), ethUsd, "ETH", "USDC", time.Minute, true)
	assert.ErrorIs(t, err, oracle.ErrPeriodTooShort)
	assert.ErrorIs(t, err, oracle.ErrStaleOracle)
}

func TestAdapter_FallbackPolicy(t *testing.T) {
	store, clock := newStore(t)
	adapter := oracle.NewAdapter(store, oracle.AdapterConfig{MinPeriod: time.Minute}, nil)
	require.NoError(t, store.Record(ethUsd, fpmath.WadFromInt(3000), clock.Now()))
	clock.Advance(2 * time.Minute)

	_, err := adapter.GetTwap(context.Background(), ethUsd, "ETH", "USDC", 7*time.Minute, false)
	assert.ErrorIs(t, err, oracle.ErrStaleOracle)

	price, err := adapter.GetTwap(context.Background(), ethUsd, "ETH", "USDC", 7*time.Minute, true)
	require.NoError(t, err)
	assert.Equal(t, 0, price.Cmp(fpmath.WadFromInt(3000)), "got %s", price)
}

func TestAdapter_FallbackWithoutAnyObservation(t *testing.T) {
	store, _ := newStore(t)
	adapter := oracle.NewAdapter(store, oracle.AdapterConfig{MinPeriod: time.Minute}, nil)

	for _, fallback := range []bool{true, false} {
		_, err := adapter.GetTwap(context.Background(), ethUsd, "ETH", "USDC", 7*time.Minute, fallback)
		assert.ErrorIs(t, err, oracle.ErrOracleUnavailable)
		assert.ErrorIs(t, err, oracle.ErrNoObservations)
		assert.NotErrorIs(t, err, oracle.ErrStaleOracle)
	}
}

type failingSource struct{ calls int }

func (f *failingSource) Twap(context.Context, oracle.PoolRef, string, string, time.Duration) (*big.Int, error) {
	f.calls++
	return nil, errors.New("rpc timeout")
}

func (f *failingSource) MaxPeriod(context.Context, oracle.PoolRef) (time.Duration, error) {
	return 0, errors.New("rpc timeout")
}

func TestAdapter_BreakerOpensOnSourceFailures(t *testing.T) {
	src := &failingSource{}
	adapter := oracle.NewAdapter(src, oracle.AdapterConfig{MinPeriod: time.Minute, BreakerMaxFailures: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := adapter.GetTwap(context.Background(), ethUsd, "ETH", "USDC", 7*time.Minute, true)
		assert.ErrorIs(t, err, oracle.ErrOracleUnavailable)
	}
	// breaker is open: the source is not called again
	_, err := adapter.GetTwap(context.Background(), ethUsd, "ETH", "USDC", 7*time.Minute, true)
	assert.ErrorIs(t, err, oracle.ErrOracleUnavailable)
	assert.Equal(t, 2, src.calls)
}
