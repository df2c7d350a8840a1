package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts leave the query layer as decimals rendered from wads, so a
// client reads "45.5" rather than 45500000000000000000.

// VaultResponse is a vault evaluated at the current clock.
type VaultResponse struct {
	VaultID          uint64           `json:"vault_id"`
	Owner            uuid.UUID        `json:"owner"`
	Operator         *uuid.UUID       `json:"operator,omitempty"`
	Collateral       decimal.Decimal  `json:"collateral"`
	ShortAmount      decimal.Decimal  `json:"short_amount"`
	Debt             decimal.Decimal  `json:"debt"`
	DebtValue        decimal.Decimal  `json:"debt_value"`
	LPTokenID        *uint64          `json:"lp_token_id,omitempty"`
	LPEth            decimal.Decimal  `json:"lp_eth"`
	LPDerivative     decimal.Decimal  `json:"lp_derivative"`
	CollateralRatio  *decimal.Decimal `json:"collateral_ratio,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	Factor           decimal.Decimal  `json:"normalization_factor"`
	EthUsd           decimal.Decimal  `json:"eth_usd"`
	Status           string           `json:"status"`
	Version          int64            `json:"version"`
	AsOfSequence     int64            `json:"as_of_sequence"`
}

// StoredVaultResponse is a vault as last persisted.
type StoredVaultResponse struct {
	VaultID         uint64          `json:"vault_id"`
	Owner           uuid.UUID       `json:"owner"`
	Operator        *uuid.UUID      `json:"operator,omitempty"`
	Collateral      decimal.Decimal `json:"collateral"`
	ShortAmount     decimal.Decimal `json:"short_amount"`
	LPTokenID       *uint64         `json:"lp_token_id,omitempty"`
	Version         int64           `json:"version"`
	UpdatedSequence int64           `json:"updated_sequence"`
}

// BalanceResponse is an identity's projected wallet balance.
type BalanceResponse struct {
	Identity     uuid.UUID       `json:"identity"`
	Asset        string          `json:"asset"`
	Balance      decimal.Decimal `json:"balance"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// FundingResponse summarizes normalization and funding.
type FundingResponse struct {
	Factor       decimal.Decimal      `json:"normalization_factor"`
	LastUpdate   time.Time            `json:"last_update"`
	Index        decimal.Decimal      `json:"index"`
	Mark         decimal.Decimal      `json:"mark"`
	PeriodRate   decimal.Decimal      `json:"period_rate"`
	DailyRate    decimal.Decimal      `json:"daily_rate"`
	FundingCycle string               `json:"funding_cycle"`
	Recent       []NormalizationEntry `json:"recent,omitempty"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// NormalizationEntry is one factor move.
type NormalizationEntry struct {
	Sequence       int64           `json:"sequence"`
	PreviousFactor decimal.Decimal `json:"previous_factor"`
	Factor         decimal.Decimal `json:"factor"`
	Index          decimal.Decimal `json:"index"`
	Mark           decimal.Decimal `json:"mark"`
	ElapsedMs      int64           `json:"elapsed_ms"`
	At             time.Time       `json:"at"`
}

// LiquidationEntry is one recorded liquidation.
type LiquidationEntry struct {
	Sequence         int64           `json:"sequence"`
	VaultID          uint64          `json:"vault_id"`
	Liquidator       uuid.UUID       `json:"liquidator"`
	Kind             string          `json:"kind"`
	DebtRepaid       decimal.Decimal `json:"debt_repaid"`
	CollateralSeized decimal.Decimal `json:"collateral_seized"`
	LPRedeemed       bool            `json:"lp_redeemed"`
	Factor           decimal.Decimal `json:"normalization_factor"`
	EthUsd           decimal.Decimal `json:"eth_usd"`
	Timestamp        time.Time       `json:"timestamp"`
}

// JournalHistoryEntry is a journal entry touching an identity.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID       `json:"journal_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
