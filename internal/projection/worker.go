package projection

import (
	"context"
	"database/sql"
	"fmt"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates read-model tables from committed units. The
// controller feeds it without blocking and drops units when it falls
// behind; RebuildProjections restores the tables from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	history   *NormalizationHistory
	lastSeq   int64
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		logger:    observability.NewLogger("projection"),
	}
}

// WithHistory also feeds normalization updates into h.
func (pw *ProjectionWorker) WithHistory(h *NormalizationHistory) *ProjectionWorker {
	pw.history = h
	return pw
}

// WithLogger replaces the component logger.
func (pw *ProjectionWorker) WithLogger(l zerolog.Logger) *ProjectionWorker {
	pw.logger = l
	return pw
}

// WithWatermark skips units at or below seq, typically the value
// returned by LoadWatermark after a rebuild.
func (pw *ProjectionWorker) WithWatermark(seq int64) *ProjectionWorker {
	pw.lastSeq = seq
	return pw
}

// LastSequence is the highest sequence applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run applies units until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, out); err != nil {
				pw.logger.Warn().Err(err).
					Str("operation_id", out.OperationID.String()).
					Msg("projection update failed")
			}
		}
	}
}

// Apply projects one unit in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := lastSequence(out)
	if seq >= 0 && seq <= pw.lastSeq {
		return nil
	}
	if seq < 0 {
		seq = pw.lastSeq
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			amount := j.Amount.String()
			if err := upsertBalance(ctx, tx, j.DebitAccount.AccountPath(), uint16(j.AssetID), amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
			if err := upsertBalance(ctx, tx, j.CreditAccount.AccountPath(), uint16(j.AssetID), "-"+amount, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	var updates []NormalizationPoint
	for _, env := range out.Envelopes {
		switch env.EventType {
		case event.EventTypeVaultLiquidated:
			if err := insertLiquidation(ctx, tx, env); err != nil {
				return fmt.Errorf("liquidation projection: %w", err)
			}
		case event.EventTypeNormalizationUpdated:
			p, err := insertNormalization(ctx, tx, env)
			if err != nil {
				return fmt.Errorf("normalization projection: %w", err)
			}
			updates = append(updates, p)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = seq
	if pw.history != nil {
		for _, p := range updates {
			pw.history.Add(p)
		}
	}
	return nil
}

func lastSequence(out core.CoreOutput) int64 {
	if n := len(out.Envelopes); n > 0 {
		return out.Envelopes[n-1].Sequence
	}
	return -1
}

// Debits raise an account's balance and credits lower it, matching the
// in-memory ledger.
func upsertBalance(ctx context.Context, tx *sql.Tx, account string, asset uint16, delta string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance, last_sequence = $4
	`, account, int16(asset), delta, seq)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope) error {
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	l := evt.(*event.VaultLiquidated)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, vault_id, liquidator, kind, debt_repaid, collateral_seized, lp_redeemed, factor, eth_usd, timestamp)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8::numeric, $9::numeric, $10)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, int64(l.VaultID), l.Liquidator, l.Kind,
		l.DebtRepaid.String(), l.CollateralSeized.String(), l.LPRedeemed,
		l.Factor.String(), l.EthUsd.String(), env.Timestamp)
	return err
}

func insertNormalization(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope) (NormalizationPoint, error) {
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return NormalizationPoint{}, err
	}
	n := evt.(*event.NormalizationUpdated)
	p := NormalizationPoint{
		Sequence:       env.Sequence,
		PreviousFactor: n.PreviousFactor,
		Factor:         n.Factor,
		Index:          n.Index,
		Mark:           n.Mark,
		Elapsed:        n.Elapsed,
		At:             n.At,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.normalization_history
			(sequence, previous_factor, factor, index_price, mark_price, elapsed_ms, at)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, p.Sequence, p.PreviousFactor.String(), p.Factor.String(),
		p.Index.String(), p.Mark.String(), p.Elapsed.Milliseconds(), p.At)
	return p, err
}

// LoadWatermark returns the last projected sequence, -1 when nothing has
// been projected.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// RebuildProjections recomputes every projection table from the event log
// and moves the watermark to its head.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.liquidations`,
		`TRUNCATE projections.normalization_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence
			FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, vault_id, liquidator, kind, debt_repaid, collateral_seized, lp_redeemed, factor, eth_usd, timestamp)
		SELECT
			sequence,
			(payload->>'vault_id')::bigint,
			(payload->>'liquidator')::uuid,
			payload->>'kind',
			(payload->>'debt_repaid')::numeric,
			(payload->>'collateral_seized')::numeric,
			(payload->>'lp_redeemed')::boolean,
			(payload->>'factor')::numeric,
			(payload->>'eth_usd')::numeric,
			timestamp
		FROM event_log.events
		WHERE event_type = $1
	`, event.EventTypeVaultLiquidated.String()); err != nil {
		return fmt.Errorf("rebuild liquidations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.normalization_history
			(sequence, previous_factor, factor, index_price, mark_price, elapsed_ms, at)
		SELECT
			sequence,
			(payload->>'previous_factor')::numeric,
			(payload->>'factor')::numeric,
			(payload->>'index')::numeric,
			(payload->>'mark')::numeric,
			(payload->>'elapsed_ns')::bigint / 1000000,
			(payload->>'at')::timestamptz
		FROM event_log.events
		WHERE event_type = $1
	`, event.EventTypeNormalizationUpdated.String()); err != nil {
		return fmt.Errorf("rebuild normalization history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), -1), NOW() FROM event_log.events
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	return tx.Commit()
}
