package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/observability"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// AdapterConfig configures the oracle adapter.
type AdapterConfig struct {
	MinPeriod time.Duration // shortest TWAP window accepted

	// Breaker settings; zero values pick the defaults below.
	BreakerName        string
	BreakerTimeout     time.Duration
	BreakerMaxFailures uint32
}

// Adapter guards a Source with a minimum period, an explicit fallback policy
// and a circuit breaker. It implements Oracle.
type Adapter struct {
	source    Source
	minPeriod time.Duration
	breaker   *gobreaker.CircuitBreaker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewAdapter(source Source, cfg AdapterConfig, metrics *observability.Metrics) *Adapter {
	name := cfg.BreakerName
	if name == "" {
		name = "oracle"
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}

	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = timeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= maxFailures
	}
	// Missing history is a property of the data, not a source outage.
	st.IsSuccessful = func(err error) bool {
		return err == nil || isCoverageError(err)
	}

	logger := observability.NewLogger("oracle")
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("oracle breaker state change")
	}

	return &Adapter{
		source:    source,
		minPeriod: cfg.MinPeriod,
		breaker:   gobreaker.NewCircuitBreaker(st),
		metrics:   metrics,
		logger:    logger,
	}
}

// GetTwap implements Oracle.
func (a *Adapter) GetTwap(ctx context.Context, pool PoolRef, base, quote string, period time.Duration, allowFallback bool) (*big.Int, error) {
	if period < a.minPeriod {
		return nil, fmt.Errorf("%w: %w: requested=%s min=%s", ErrStaleOracle, ErrPeriodTooShort, period, a.minPeriod)
	}

	price, err := a.twap(ctx, pool, base, quote, period)
	if err == nil {
		return price, nil
	}
	// Nothing recorded at all: no window, fallback or not, can be served.
	if !isCoverageError(err) || errors.Is(err, ErrNoObservations) {
		a.recordError(pool, "unavailable")
		return nil, fmt.Errorf("%w: %s: %w", ErrOracleUnavailable, pool, err)
	}
	if !allowFallback {
		a.recordError(pool, "stale")
		return nil, fmt.Errorf("%w: %s: %w", ErrStaleOracle, pool, err)
	}

	// Fallback: the longest window the source can serve right now.
	maxPeriod, perr := a.source.MaxPeriod(ctx, pool)
	if perr != nil || maxPeriod <= 0 {
		a.recordError(pool, "stale")
		return nil, fmt.Errorf("%w: %s: no fallback window: %w", ErrStaleOracle, pool, err)
	}
	price, err = a.twap(ctx, pool, base, quote, maxPeriod)
	if err != nil {
		a.recordError(pool, "stale")
		return nil, fmt.Errorf("%w: %s: fallback: %w", ErrStaleOracle, pool, err)
	}
	a.logger.Debug().
		Str("pool", string(pool)).
		Dur("requested", period).
		Dur("served", maxPeriod).
		Msg("twap served from fallback window")
	return price, nil
}

func (a *Adapter) twap(ctx context.Context, pool PoolRef, base, quote string, period time.Duration) (*big.Int, error) {
	res, err := a.breaker.Execute(func() (interface{}, error) {
		return a.source.Twap(ctx, pool, base, quote, period)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), nil
}

func (a *Adapter) recordError(pool PoolRef, kind string) {
	if a.metrics != nil {
		a.metrics.OracleErrors.WithLabelValues(string(pool), kind).Inc()
	}
}

func isCoverageError(err error) bool {
	return errors.Is(err, ErrNoObservations) || errors.Is(err, ErrInsufficientHistory)
}
