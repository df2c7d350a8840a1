package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"PowerPerp/internal/core"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/persistence"
	"PowerPerp/internal/projection"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine is the part of the controller the query layer reads. Views
// evaluate at the current clock without settling.
type Engine interface {
	VaultView(ctx context.Context, id uint64) (*core.VaultView, error)
	Funding(ctx context.Context) (*core.FundingView, error)
	LiquidatableVaults(ctx context.Context) ([]uint64, error)
	Sequence() int64
}

// QueryService answers reads. Vault and funding views come from the live
// controller; balances and history come from the projection tables and
// carry the projection watermark as as_of_sequence.
type QueryService struct {
	db      *sql.DB
	engine  Engine
	vaults  persistence.VaultStore
	history *projection.NormalizationHistory
}

func NewQueryService(db *sql.DB, engine Engine, vaults persistence.VaultStore, history *projection.NormalizationHistory) *QueryService {
	return &QueryService{db: db, engine: engine, vaults: vaults, history: history}
}

// GetVault returns a live vault view.
func (qs *QueryService) GetVault(ctx context.Context, id uint64) (*VaultResponse, error) {
	view, err := qs.engine.VaultView(ctx, id)
	if err != nil {
		return nil, err
	}
	v := view.Vault
	r := &VaultResponse{
		VaultID:      v.ID,
		Owner:        v.Owner,
		Collateral:   fpmath.WadToDecimal(v.CollateralAmount),
		ShortAmount:  fpmath.WadToDecimal(v.ShortAmount),
		Debt:         fpmath.WadToDecimal(view.Debt),
		DebtValue:    fpmath.WadToDecimal(view.Valuation.DebtValue),
		LPEth:        fpmath.WadToDecimal(view.Valuation.LPEth),
		LPDerivative: fpmath.WadToDecimal(view.Valuation.LPDerivative),
		Factor:       fpmath.WadToDecimal(view.Factor),
		EthUsd:       fpmath.WadToDecimal(view.EthUsd),
		Status:       view.Status.String(),
		Version:      v.Version,
		AsOfSequence: qs.engine.Sequence() - 1,
	}
	if v.Operator != uuid.Nil {
		op := v.Operator
		r.Operator = &op
	}
	if v.LPPosition != nil {
		id := v.LPPosition.TokenID
		r.LPTokenID = &id
	}
	r.CollateralRatio = optionalWad(view.Ratio)
	r.LiquidationPrice = optionalWad(view.LiquidationPrice)
	return r, nil
}

// ListVaultsByOwner returns the persisted vaults of an owner.
func (qs *QueryService) ListVaultsByOwner(ctx context.Context, owner uuid.UUID) ([]StoredVaultResponse, error) {
	if qs.vaults == nil {
		return nil, errors.New("query: no vault store configured")
	}
	records, err := qs.vaults.VaultsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]StoredVaultResponse, 0, len(records))
	for _, r := range records {
		out = append(out, StoredVaultResponse{
			VaultID:         r.VaultID,
			Owner:           r.Owner,
			Operator:        r.Operator,
			Collateral:      fpmath.WadToDecimal(r.Collateral),
			ShortAmount:     fpmath.WadToDecimal(r.ShortAmount),
			LPTokenID:       r.LPTokenID,
			Version:         r.Version,
			UpdatedSequence: r.UpdatedSequence,
		})
	}
	return out, nil
}

// GetStoredVault returns one persisted vault, through the cache when one
// is configured.
func (qs *QueryService) GetStoredVault(ctx context.Context, id uint64) (*StoredVaultResponse, error) {
	if qs.vaults == nil {
		return nil, errors.New("query: no vault store configured")
	}
	r, err := qs.vaults.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StoredVaultResponse{
		VaultID:         r.VaultID,
		Owner:           r.Owner,
		Operator:        r.Operator,
		Collateral:      fpmath.WadToDecimal(r.Collateral),
		ShortAmount:     fpmath.WadToDecimal(r.ShortAmount),
		LPTokenID:       r.LPTokenID,
		Version:         r.Version,
		UpdatedSequence: r.UpdatedSequence,
	}, nil
}

// LiquidatableVaults lists the vault ids a keeper can act on now.
func (qs *QueryService) LiquidatableVaults(ctx context.Context) ([]uint64, error) {
	return qs.engine.LiquidatableVaults(ctx)
}

// GetFunding returns the funding summary and the latest factor moves.
func (qs *QueryService) GetFunding(ctx context.Context, recent int) (*FundingResponse, error) {
	f, err := qs.engine.Funding(ctx)
	if err != nil {
		return nil, err
	}
	r := &FundingResponse{
		Factor:       fpmath.WadToDecimal(f.Factor),
		LastUpdate:   f.LastUpdate,
		Index:        fpmath.WadToDecimal(f.Index),
		Mark:         fpmath.WadToDecimal(f.Mark),
		PeriodRate:   f.PeriodRate,
		DailyRate:    f.DailyRate,
		FundingCycle: f.FundingCycle.String(),
		AsOfSequence: qs.engine.Sequence() - 1,
	}
	if qs.history != nil && recent > 0 {
		for _, p := range qs.history.Recent(recent) {
			r.Recent = append(r.Recent, NormalizationEntry{
				Sequence:       p.Sequence,
				PreviousFactor: fpmath.WadToDecimal(p.PreviousFactor),
				Factor:         fpmath.WadToDecimal(p.Factor),
				Index:          fpmath.WadToDecimal(p.Index),
				Mark:           fpmath.WadToDecimal(p.Mark),
				ElapsedMs:      p.Elapsed.Milliseconds(),
				At:             p.At,
			})
		}
	}
	return r, nil
}

// GetNormalizationHistory pages through projected factor moves, newest
// first. beforeSequence is the cursor from the previous page.
func (qs *QueryService) GetNormalizationHistory(ctx context.Context, limit int, beforeSequence *int64) ([]NormalizationEntry, error) {
	query := `
		SELECT sequence, previous_factor::text, factor::text, index_price::text, mark_price::text, elapsed_ms, at
		FROM projections.normalization_history
	`
	args := []interface{}{}
	argIdx := 1
	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
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

	var out []NormalizationEntry
	for rows.Next() {
		var e NormalizationEntry
		var prev, factor, index, mark string
		if err := rows.Scan(&e.Sequence, &prev, &factor, &index, &mark, &e.ElapsedMs, &e.At); err != nil {
			return nil, err
		}
		if e.PreviousFactor, err = wadFromNumeric(prev); err != nil {
			return nil, err
		}
		if e.Factor, err = wadFromNumeric(factor); err != nil {
			return nil, err
		}
		if e.Index, err = wadFromNumeric(index); err != nil {
			return nil, err
		}
		if e.Mark, err = wadFromNumeric(mark); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLiquidations returns the projected liquidations of one vault, newest
// first.
func (qs *QueryService) GetLiquidations(ctx context.Context, vaultID uint64, limit int) ([]LiquidationEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, vault_id, liquidator, kind, debt_repaid::text, collateral_seized::text,
		       lp_redeemed, factor::text, eth_usd::text, timestamp
		FROM projections.liquidations
		WHERE vault_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, int64(vaultID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var e LiquidationEntry
		var id int64
		var repaid, seized, factor, ethUsd string
		if err := rows.Scan(&e.Sequence, &id, &e.Liquidator, &e.Kind, &repaid, &seized,
			&e.LPRedeemed, &factor, &ethUsd, &e.Timestamp); err != nil {
			return nil, err
		}
		e.VaultID = uint64(id)
		if e.DebtRepaid, err = wadFromNumeric(repaid); err != nil {
			return nil, err
		}
		if e.CollateralSeized, err = wadFromNumeric(seized); err != nil {
			return nil, err
		}
		if e.Factor, err = wadFromNumeric(factor); err != nil {
			return nil, err
		}
		if e.EthUsd, err = wadFromNumeric(ethUsd); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// every asset's projected balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::text AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID int16
		var total string
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		imbalance, err := wadFromNumeric(total)
		if err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     assetName(assetID),
			Imbalance: imbalance,
		})
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, balanceRows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// wadFromNumeric renders a NUMERIC wad column read as text.
func wadFromNumeric(s string) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("query: numeric %q", s)
	}
	return fpmath.WadToDecimal(v), nil
}

func optionalWad(v *big.Int) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := fpmath.WadToDecimal(v)
	return &d
}
