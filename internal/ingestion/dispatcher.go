package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/oracle"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Applier is the part of the controller inbound messages drive.
type Applier interface {
	RecordPrice(ctx context.Context, obs *event.PriceObserved) error
	DepositWallet(ctx context.Context, key string, owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error
	WithdrawWallet(ctx context.Context, key string, owner uuid.UUID, asset ledger.AssetID, amount *big.Int) error
}

// Dispatcher parses raw messages and applies them to the controller one
// at a time. A message is acked once its unit committed or was rejected
// for good (duplicate, stale, invalid); it is nacked only when the
// failure may clear on redelivery.
type Dispatcher struct {
	applier  Applier
	prefixes map[string]string
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(applier Applier, subjects []SubjectConfig, metrics *observability.Metrics) *Dispatcher {
	prefixes := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		prefixes[strings.TrimSuffix(cfg.Subject, ".>")] = cfg.EventType
	}
	return &Dispatcher{
		applier:  applier,
		prefixes: prefixes,
		metrics:  metrics,
		logger:   observability.NewLogger("ingestion"),
	}
}

// WithLogger replaces the component logger.
func (d *Dispatcher) WithLogger(l zerolog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// Run drains rawChan until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or nacks it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	eventType := resolveEventType(raw.Subject, d.prefixes)
	if eventType == "" {
		d.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		d.count("unknown", "invalid")
		raw.AckFunc()
		return
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		d.count(eventType, "invalid")
		raw.AckFunc()
		return
	}

	err = d.Apply(ctx, evt)
	switch {
	case err == nil:
		d.count(eventType, "applied")
		raw.AckFunc()
	case errors.Is(err, core.ErrDuplicateRequest), errors.Is(err, core.ErrStalePrice):
		d.logger.Debug().Err(err).Str("subject", raw.Subject).Msg("message already applied")
		d.count(eventType, "duplicate")
		raw.AckFunc()
	case Retryable(err):
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("apply failed, redelivering")
		d.count(eventType, "retry")
		raw.NakFunc()
	default:
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("message rejected")
		d.count(eventType, "rejected")
		raw.AckFunc()
	}
}

// Apply runs a parsed event as a controller unit. Wallet messages use
// their deposit or withdrawal id as the request key.
func (d *Dispatcher) Apply(ctx context.Context, evt event.Event) error {
	switch e := evt.(type) {
	case *event.PriceObserved:
		return d.applier.RecordPrice(ctx, e)
	case *event.WalletDeposited:
		asset, _ := ledger.GetAssetID(e.Asset)
		return d.applier.DepositWallet(ctx, e.DepositID.String(), e.UserID, asset, e.Amount)
	case *event.WalletWithdrawn:
		asset, _ := ledger.GetAssetID(e.Asset)
		return d.applier.WithdrawWallet(ctx, e.WithdrawalID.String(), e.UserID, asset, e.Amount)
	default:
		return fmt.Errorf("no handler for %s", evt.EventType())
	}
}

// Retryable reports whether a failed unit may succeed on redelivery.
func Retryable(err error) bool {
	return errors.Is(err, oracle.ErrOracleUnavailable) ||
		errors.Is(err, oracle.ErrStaleOracle) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func (d *Dispatcher) count(eventType, outcome string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(eventType, outcome).Inc()
	}
}

// resolveEventType finds the event type for a subject by longest prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestType = evtType
		}
	}
	return bestType
}
