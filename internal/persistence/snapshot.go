package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
)

const snapshotFormatVersion = 1

// SnapshotManager stores controller snapshots and rebuilds state that was
// committed after the latest one.
type SnapshotManager struct {
	db *sql.DB
}

// BalanceEntry is one ledger account in a snapshot.
type BalanceEntry struct {
	Account string   `json:"account"`
	Amount  *big.Int `json:"amount"`
}

// SnapshotData is the JSON form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64                      `json:"sequence"`
	StateHash       []byte                     `json:"state_hash"`
	Balances        []BalanceEntry             `json:"balances"`
	Vaults          []*state.Vault             `json:"vaults"`
	Owners          map[uint64]uuid.UUID       `json:"owners"`
	NextVaultID     uint64                     `json:"next_vault_id"`
	Normalization   state.NormalizationState   `json:"normalization"`
	PriceSequences  map[string]int64           `json:"price_sequences"`
	IdempotencyKeys []string                   `json:"idempotency_keys"`
	Participants    map[string]json.RawMessage `json:"participants"`
	CreatedAt       time.Time                  `json:"created_at"`
}

// SnapshotFromState converts a controller snapshot for storage.
func SnapshotFromState(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	d := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Vaults:          s.Vaults,
		Owners:          s.Owners,
		NextVaultID:     s.NextVaultID,
		Normalization:   s.Normalization,
		PriceSequences:  s.PriceSequences,
		IdempotencyKeys: s.IdempotencyKeys,
		Participants:    s.Participants,
		CreatedAt:       createdAt,
	}
	for key, amount := range s.Balances {
		if amount.Sign() == 0 {
			continue
		}
		d.Balances = append(d.Balances, BalanceEntry{Account: key.AccountPath(), Amount: amount})
	}
	return d
}

// State converts stored data back into a controller snapshot.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]*big.Int, len(d.Balances)),
		Vaults:          d.Vaults,
		Owners:          d.Owners,
		NextVaultID:     d.NextVaultID,
		Normalization:   d.Normalization,
		PriceSequences:  d.PriceSequences,
		IdempotencyKeys: d.IdempotencyKeys,
		Participants:    d.Participants,
	}
	if len(d.StateHash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	copy(s.StateHash[:], d.StateHash)
	for _, b := range d.Balances {
		key, err := ledger.ParseAccountPath(b.Account)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Balances[key] = new(big.Int).Set(b.Amount)
	}
	if s.Owners == nil {
		s.Owners = make(map[uint64]uuid.UUID)
	}
	if s.PriceSequences == nil {
		s.PriceSequences = make(map[string]int64)
	}
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// MarkVerified flags a snapshot as usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	var version int
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("load snapshot: unsupported format version %d", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// GetLatestSequence returns the highest logged sequence, -1 for an empty
// log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// StateHashAt returns the chained hash logged at sequence.
func (sm *SnapshotManager) StateHashAt(ctx context.Context, sequence int64) ([32]byte, error) {
	var out [32]byte
	var h []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&h)
	if err != nil {
		return out, fmt.Errorf("state hash at %d: %w", sequence, err)
	}
	if len(h) != len(out) {
		return out, fmt.Errorf("state hash at %d has %d bytes", sequence, len(h))
	}
	copy(out[:], h)
	return out, nil
}

// RollForward brings a snapshot up to the head of the log: journals after
// the snapshot are applied to balances, vault records, owners and the
// normalization record are taken from their tables, as is the state of
// simulated pools and positions. Price sequences and request keys are
// recovered from the log. A nil snap starts from genesis and stays nil
// while the log is empty.
func (sm *SnapshotManager) RollForward(ctx context.Context, snap *core.SnapshotState) (*core.SnapshotState, error) {
	head, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	if snap == nil {
		if head < 0 {
			return nil, nil
		}
		snap = &core.SnapshotState{
			Sequence:       -1,
			Balances:       make(map[ledger.AccountKey]*big.Int),
			Owners:         make(map[uint64]uuid.UUID),
			NextVaultID:    1,
			PriceSequences: make(map[string]int64),
		}
	}
	if head <= snap.Sequence {
		return snap, nil
	}

	if err := sm.applyJournals(ctx, snap); err != nil {
		return nil, err
	}
	if err := sm.loadVaults(ctx, snap); err != nil {
		return nil, err
	}
	if err := sm.loadNormalization(ctx, snap); err != nil {
		return nil, err
	}
	if err := sm.replayPriceSequences(ctx, snap); err != nil {
		return nil, err
	}
	if err := sm.loadOperationKeys(ctx, snap); err != nil {
		return nil, err
	}
	if err := sm.loadParticipants(ctx, snap); err != nil {
		return nil, err
	}

	tip, err := sm.StateHashAt(ctx, head)
	if err != nil {
		return nil, err
	}
	snap.Sequence = head
	snap.StateHash = tip
	return snap, nil
}

func (sm *SnapshotManager) applyJournals(ctx context.Context, snap *core.SnapshotState) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT debit_account, credit_account, amount::text
		FROM event_log.journal
		WHERE sequence > $1
		ORDER BY sequence ASC, timestamp ASC
	`, snap.Sequence)
	if err != nil {
		return fmt.Errorf("load journals: %w", err)
	}
	defer rows.Close()

	slot := func(k ledger.AccountKey) *big.Int {
		b, ok := snap.Balances[k]
		if !ok {
			b = new(big.Int)
			snap.Balances[k] = b
		}
		return b
	}
	for rows.Next() {
		var debit, credit, amount string
		if err := rows.Scan(&debit, &credit, &amount); err != nil {
			return err
		}
		dk, err := ledger.ParseAccountPath(debit)
		if err != nil {
			return err
		}
		ck, err := ledger.ParseAccountPath(credit)
		if err != nil {
			return err
		}
		amt, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return fmt.Errorf("journal amount %q", amount)
		}
		slot(dk).Add(slot(dk), amt)
		slot(ck).Sub(slot(ck), amt)
	}
	return rows.Err()
}

func (sm *SnapshotManager) loadVaults(ctx context.Context, snap *core.SnapshotState) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT vault_id, owner, operator, collateral::text, short_amount::text, lp_token_id, version
		FROM ledger.vaults
		ORDER BY vault_id
	`)
	if err != nil {
		return fmt.Errorf("load vaults: %w", err)
	}
	defer rows.Close()

	prior := make(map[uint64]*state.Vault, len(snap.Vaults))
	for _, v := range snap.Vaults {
		prior[v.ID] = v
	}

	var vaults []*state.Vault
	for rows.Next() {
		var (
			id, version       int64
			owner             uuid.UUID
			operator          uuid.NullUUID
			collateral, short string
			lpToken           sql.NullInt64
		)
		if err := rows.Scan(&id, &owner, &operator, &collateral, &short, &lpToken, &version); err != nil {
			return err
		}
		v := state.NewVault(uint64(id), owner)
		if operator.Valid {
			v.Operator = operator.UUID
		}
		if _, ok := v.CollateralAmount.SetString(collateral, 10); !ok {
			return fmt.Errorf("vault %d collateral %q", id, collateral)
		}
		if _, ok := v.ShortAmount.SetString(short, 10); !ok {
			return fmt.Errorf("vault %d short amount %q", id, short)
		}
		if lpToken.Valid {
			ref := &state.LPPositionRef{TokenID: uint64(lpToken.Int64), Liquidity: new(big.Int)}
			if p, ok := prior[uint64(id)]; ok && p.LPPosition != nil && p.LPPosition.TokenID == ref.TokenID {
				ref.TickLower, ref.TickUpper = p.LPPosition.TickLower, p.LPPosition.TickUpper
			}
			v.LPPosition = ref
		}
		v.Version = version
		vaults = append(vaults, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	snap.Vaults = vaults

	ownerRows, err := sm.db.QueryContext(ctx, `SELECT vault_id, owner FROM ledger.vault_owners`)
	if err != nil {
		return fmt.Errorf("load owners: %w", err)
	}
	defer ownerRows.Close()
	for ownerRows.Next() {
		var id int64
		var owner uuid.UUID
		if err := ownerRows.Scan(&id, &owner); err != nil {
			return err
		}
		snap.Owners[uint64(id)] = owner
		if uint64(id) >= snap.NextVaultID {
			snap.NextVaultID = uint64(id) + 1
		}
	}
	return ownerRows.Err()
}

func (sm *SnapshotManager) loadNormalization(ctx context.Context, snap *core.SnapshotState) error {
	var factor string
	var lastUpdate time.Time
	err := sm.db.QueryRowContext(ctx, `
		SELECT factor::text, last_update FROM ledger.normalization WHERE id = 1
	`).Scan(&factor, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load normalization: %w", err)
	}
	f, ok := new(big.Int).SetString(factor, 10)
	if !ok {
		return fmt.Errorf("normalization factor %q", factor)
	}
	snap.Normalization = state.NormalizationState{Factor: f, LastUpdate: lastUpdate}
	return nil
}

func (sm *SnapshotManager) replayPriceSequences(ctx context.Context, snap *core.SnapshotState) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT payload FROM event_log.events
		WHERE sequence > $1 AND event_type = $2
		ORDER BY sequence ASC
	`, snap.Sequence, event.EventTypePriceObserved.String())
	if err != nil {
		return fmt.Errorf("load price observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		evt, err := event.Decode(event.EventTypePriceObserved, payload)
		if err != nil {
			return err
		}
		obs := evt.(*event.PriceObserved)
		if next := obs.PriceSequence + 1; next > snap.PriceSequences[obs.Pool] {
			snap.PriceSequences[obs.Pool] = next
		}
	}
	return rows.Err()
}

func (sm *SnapshotManager) loadOperationKeys(ctx context.Context, snap *core.SnapshotState) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT op, idempotency_key FROM event_log.operations
		WHERE first_sequence > $1 AND idempotency_key <> ''
		ORDER BY first_sequence ASC
	`, snap.Sequence)
	if err != nil {
		return fmt.Errorf("load operation keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var op, key string
		if err := rows.Scan(&op, &key); err != nil {
			return err
		}
		snap.IdempotencyKeys = append(snap.IdempotencyKeys, op+":"+key)
	}
	return rows.Err()
}

func (sm *SnapshotManager) loadParticipants(ctx context.Context, snap *core.SnapshotState) error {
	rows, err := sm.db.QueryContext(ctx, `SELECT name, state FROM ledger.participants`)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	if snap.Participants == nil {
		snap.Participants = make(map[string]json.RawMessage)
	}
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return err
		}
		snap.Participants[name] = json.RawMessage(data)
	}
	return rows.Err()
}
