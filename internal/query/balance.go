package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GetBalance returns an identity's projected wallet balance for one asset.
func (qs *QueryService) GetBalance(ctx context.Context, identity uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", asset, core.ErrUnknownAsset)
	}
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewWalletKey(identity, assetID).AccountPath()
	var raw string
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, path, int16(assetID)).Scan(&raw)
	balance := decimal.Zero
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		if balance, err = wadFromNumeric(raw); err != nil {
			return nil, err
		}
	}

	return &BalanceResponse{
		Identity:     identity,
		Asset:        asset,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetJournalHistory returns journal entries touching an identity's
// accounts, newest first. beforeSequence is the cursor from the previous
// page.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	identity uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", identity)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var assetID int16
		var amount string
		var journalType int32
		var micros int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &amount,
			&journalType, &micros,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = wadFromNumeric(amount); err != nil {
			return nil, err
		}
		e.Asset = assetName(assetID)
		e.JournalType = ledger.JournalType(journalType).String()
		e.Timestamp = time.UnixMicro(micros).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func assetName(id int16) string {
	if name, ok := ledger.GetAssetName(ledger.AssetID(id)); ok {
		return name
	}
	return fmt.Sprintf("asset-%d", id)
}
