package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	fpmath "PowerPerp/internal/math"
)

// MaxObservations is the number of observations kept per pool.
const MaxObservations = 1024

// PricePoint is one price observation, quoted as base/quote of the pool.
type PricePoint struct {
	Price     *big.Int
	Timestamp time.Time
}

type poolObservations struct {
	base   string
	quote  string
	points []PricePoint
}

// ObservationStore is an in-memory Source. Each pool is registered with its
// base/quote orientation; asking for the inverse pair returns the inverse of
// the averaged price.
type ObservationStore struct {
	mu    sync.RWMutex
	pools map[PoolRef]*poolObservations
	now   func() time.Time
}

func NewObservationStore(now func() time.Time) *ObservationStore {
	if now == nil {
		now = time.Now
	}
	return &ObservationStore{
		pools: make(map[PoolRef]*poolObservations),
		now:   now,
	}
}

// Register declares a pool and the orientation of the prices recorded for it.
func (s *ObservationStore) Register(pool PoolRef, base, quote string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool]; ok {
		return
	}
	s.pools[pool] = &poolObservations{base: base, quote: quote, points: make([]PricePoint, 0, 64)}
}

// Record appends an observation. Observations older than the latest one are
// dropped, as are non-positive prices.
func (s *ObservationStore) Record(pool PoolRef, price *big.Int, at time.Time) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("record %s: non-positive price", pool)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obs, ok := s.pools[pool]
	if !ok {
		return fmt.Errorf("record %s: %w", pool, ErrUnknownPool)
	}
	if n := len(obs.points); n > 0 && at.Before(obs.points[n-1].Timestamp) {
		return nil
	}
	obs.points = append(obs.points, PricePoint{Price: new(big.Int).Set(price), Timestamp: at})
	if len(obs.points) > MaxObservations {
		excess := len(obs.points) - MaxObservations
		copy(obs.points, obs.points[excess:])
		obs.points = obs.points[:MaxObservations]
	}
	return nil
}

// Latest returns the most recent observation of a pool.
func (s *ObservationStore) Latest(pool PoolRef) (PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.pools[pool]
	if !ok {
		return PricePoint{}, ErrUnknownPool
	}
	if len(obs.points) == 0 {
		return PricePoint{}, ErrNoObservations
	}
	p := obs.points[len(obs.points)-1]
	return PricePoint{Price: new(big.Int).Set(p.Price), Timestamp: p.Timestamp}, nil
}

// MaxPeriod implements Source.
func (s *ObservationStore) MaxPeriod(_ context.Context, pool PoolRef) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.pools[pool]
	if !ok {
		return 0, ErrUnknownPool
	}
	if len(obs.points) == 0 {
		return 0, ErrNoObservations
	}
	return s.now().Sub(obs.points[0].Timestamp), nil
}

// Twap implements Source. Each observation's price holds until the next one;
// the window is [now-period, now] and must be fully covered.
func (s *ObservationStore) Twap(_ context.Context, pool PoolRef, base, quote string, period time.Duration) (*big.Int, error) {
	if period <= 0 {
		return nil, fmt.Errorf("twap %s: period must be positive", pool)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs, ok := s.pools[pool]
	if !ok {
		return nil, fmt.Errorf("twap %s: %w", pool, ErrUnknownPool)
	}
	invert := false
	switch {
	case obs.base == base && obs.quote == quote:
	case obs.base == quote && obs.quote == base:
		invert = true
	default:
		return nil, fmt.Errorf("twap %s %s/%s: %w", pool, base, quote, ErrUnknownPool)
	}
	if len(obs.points) == 0 {
		return nil, ErrNoObservations
	}

	now := s.now()
	start := now.Add(-period)
	if obs.points[0].Timestamp.After(start) {
		return nil, fmt.Errorf("twap %s: oldest observation %s after window start %s: %w",
			pool, obs.points[0].Timestamp.Format(time.RFC3339), start.Format(time.RFC3339), ErrInsufficientHistory)
	}

	weighted := new(big.Int)
	var total int64
	for i, p := range obs.points {
		from := p.Timestamp
		to := now
		if i+1 < len(obs.points) {
			to = obs.points[i+1].Timestamp
		}
		if to.After(now) {
			to = now
		}
		if !to.After(start) {
			continue
		}
		if from.Before(start) {
			from = start
		}
		d := int64(to.Sub(from))
		if d <= 0 {
			continue
		}
		weighted.Add(weighted, new(big.Int).Mul(p.Price, big.NewInt(d)))
		total += d
	}

	var twap *big.Int
	if total == 0 {
		// Zero-length window at the newest observation.
		twap = new(big.Int).Set(obs.points[len(obs.points)-1].Price)
	} else {
		twap = weighted.Quo(weighted, big.NewInt(total))
	}

	if invert {
		if twap.Sign() == 0 {
			return nil, fmt.Errorf("twap %s: zero price cannot be inverted", pool)
		}
		return fpmath.Div(fpmath.WadSquared, twap, fpmath.RoundDown), nil
	}
	return twap, nil
}
