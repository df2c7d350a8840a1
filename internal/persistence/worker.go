package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/observability"

	"github.com/rs/zerolog"
)

// VaultInvalidator drops cached vault reads after their rows change.
type VaultInvalidator interface {
	Invalidate(ctx context.Context, ids ...uint64) error
}

// PersistenceWorker drains the persist channel and batch-writes units to
// Postgres. The controller sends on that channel blocking, so a slow
// worker stalls the controller instead of losing a unit.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration

	cache   VaultInvalidator
	publish chan<- core.CoreOutput

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// WithCache invalidates cached vault reads after each flush.
func (pw *PersistenceWorker) WithCache(c VaultInvalidator) *PersistenceWorker {
	pw.cache = c
	return pw
}

// WithPublisher forwards every durably written unit to ch. Sends never
// block; a full channel drops the unit for publishing only.
func (pw *PersistenceWorker) WithPublisher(ch chan<- core.CoreOutput) *PersistenceWorker {
	pw.publish = ch
	return pw
}

// WithLogger replaces the component logger.
func (pw *PersistenceWorker) WithLogger(l zerolog.Logger) *PersistenceWorker {
	pw.logger = l
	return pw
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("units", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("units", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write lands
// or ctx is cancelled; cancellation gets one last attempt on a fresh
// context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("units", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Debug().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	tx, err := pw.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	var events, journals int
	lastSeq := int64(-1)
	var touched []uint64
	for _, out := range batch {
		u := UnitFromOutput(out)
		if err := pw.writer.WriteUnit(ctx, tx, u); err != nil {
			pw.countError("write_unit")
			return fmt.Errorf("unit %s (%s): %w", out.OperationID, out.Op, err)
		}
		events += len(u.Events)
		journals += len(u.Journals)
		if u.LastSequence > lastSeq {
			lastSeq = u.LastSequence
		}
		for _, v := range u.Vaults {
			touched = append(touched, v.VaultID)
		}
		touched = append(touched, u.Closed...)
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.cache != nil && len(touched) > 0 {
		if err := pw.cache.Invalidate(ctx, touched...); err != nil {
			pw.logger.Warn().Err(err).Int("vaults", len(touched)).Msg("vault cache invalidation failed")
		}
	}
	if pw.publish != nil {
		for _, out := range batch {
			select {
			case pw.publish <- out:
			default:
				if pw.metrics != nil {
					pw.metrics.PublishDrops.Inc()
				}
			}
		}
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(events))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		if lastSeq >= 0 {
			pw.metrics.PersistLastSequence.Set(float64(lastSeq))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
