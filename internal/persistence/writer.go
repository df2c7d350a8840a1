package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"PowerPerp/internal/core"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventRow is a row of event_log.events.
type EventRow struct {
	Sequence       int64
	OperationID    uuid.UUID
	EventType      string
	IdempotencyKey string
	VaultID        *uint64
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow is a row of event_log.journal. Amount is a decimal string so
// wad values survive the trip into NUMERIC(78,0).
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// VaultRow is a row of ledger.vaults.
type VaultRow struct {
	VaultID     uint64
	Owner       uuid.UUID
	Operator    *uuid.UUID
	Collateral  string
	ShortAmount string
	LPTokenID   *uint64
	Version     int64
}

// OperationRow records one committed settlement unit.
type OperationRow struct {
	OperationID    uuid.UUID
	Op             string
	IdempotencyKey string
	FirstSequence  *int64
	CommittedAt    time.Time
}

// NormalizationRow is the single ledger.normalization record.
type NormalizationRow struct {
	Factor     string
	LastUpdate time.Time
}

// ParticipantRow is the latest state of one simulated participant
// (a pool, a position manager).
type ParticipantRow struct {
	Name  string
	State []byte
}

// Unit is one committed controller output flattened into rows.
type Unit struct {
	Operation     OperationRow
	Events        []EventRow
	Journals      []JournalRow
	Vaults        []VaultRow
	Closed        []uint64
	Owners        map[uint64]uuid.UUID
	Normalization NormalizationRow
	Participants  []ParticipantRow
	LastSequence  int64 // -1 when the unit emitted no events
}

// UnitFromOutput converts a controller output into rows.
func UnitFromOutput(out core.CoreOutput) Unit {
	u := Unit{
		Operation: OperationRow{
			OperationID: out.OperationID,
			Op:          out.Op,
		},
		Closed:       out.ClosedVaults,
		Owners:       out.Owners,
		LastSequence: -1,
	}

	for _, env := range out.Envelopes {
		state, prev := env.StateHash, env.PrevHash
		u.Events = append(u.Events, EventRow{
			Sequence:       env.Sequence,
			OperationID:    env.OperationID,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			VaultID:        env.VaultID,
			Payload:        env.Payload,
			StateHash:      state[:],
			PrevHash:       prev[:],
			Timestamp:      env.Timestamp,
		})
		u.LastSequence = env.Sequence
	}
	if len(out.Envelopes) > 0 {
		first := out.Envelopes[0]
		seq := first.Sequence
		u.Operation.FirstSequence = &seq
		u.Operation.IdempotencyKey = first.IdempotencyKey
		u.Operation.CommittedAt = first.Timestamp
	}
	if out.Batch != nil {
		if u.Operation.CommittedAt.IsZero() {
			u.Operation.CommittedAt = time.UnixMicro(out.Batch.Timestamp).UTC()
		}
		for _, j := range out.Batch.Journals {
			u.Journals = append(u.Journals, JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.String(),
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	for _, v := range out.Vaults {
		row := VaultRow{
			VaultID:     v.ID,
			Owner:       v.Owner,
			Collateral:  v.CollateralAmount.String(),
			ShortAmount: v.ShortAmount.String(),
			Version:     v.Version,
		}
		if v.Operator != uuid.Nil {
			op := v.Operator
			row.Operator = &op
		}
		if v.LPPosition != nil {
			id := v.LPPosition.TokenID
			row.LPTokenID = &id
		}
		u.Vaults = append(u.Vaults, row)
	}

	names := make([]string, 0, len(out.Participants))
	for name := range out.Participants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u.Participants = append(u.Participants, ParticipantRow{Name: name, State: out.Participants[name]})
	}

	if out.Normalization.Factor != nil {
		u.Normalization = NormalizationRow{
			Factor:     out.Normalization.Factor.String(),
			LastUpdate: out.Normalization.LastUpdate,
		}
	}
	return u
}

// EventLogWriter writes units with multi-row INSERTs inside a caller
// supplied transaction.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB returns the underlying handle.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch appends events. Re-writing a sequence is a no-op.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, operation_id, event_type, idempotency_key, vault_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)
	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		var vaultID interface{}
		if e.VaultID != nil {
			vaultID = int64(*e.VaultID)
		}
		args = append(args,
			e.Sequence, e.OperationID, e.EventType, e.IdempotencyKey, vaultID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch appends journal entries.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)
	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d::numeric, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int16(j.AssetID), j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// RecordOperation stores the unit's request key. The controller already
// refused duplicates, so a conflicting row is left as is.
func (w *EventLogWriter) RecordOperation(ctx context.Context, tx *sql.Tx, op OperationRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_log.operations (operation_id, op, idempotency_key, first_sequence, committed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, op.OperationID, op.Op, op.IdempotencyKey, op.FirstSequence, op.CommittedAt)
	return err
}

// UpsertVaults writes the latest record of every touched vault. Older
// versions never overwrite newer ones.
func (w *EventLogWriter) UpsertVaults(ctx context.Context, tx *sql.Tx, seq int64, vaults []VaultRow) error {
	for _, v := range vaults {
		var lp interface{}
		if v.LPTokenID != nil {
			lp = int64(*v.LPTokenID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.vaults
				(vault_id, owner, operator, collateral, short_amount, lp_token_id, version, updated_sequence)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
			ON CONFLICT (vault_id) DO UPDATE SET
				owner = EXCLUDED.owner,
				operator = EXCLUDED.operator,
				collateral = EXCLUDED.collateral,
				short_amount = EXCLUDED.short_amount,
				lp_token_id = EXCLUDED.lp_token_id,
				version = EXCLUDED.version,
				updated_sequence = EXCLUDED.updated_sequence
			WHERE ledger.vaults.version <= EXCLUDED.version
		`, int64(v.VaultID), v.Owner, v.Operator, v.Collateral, v.ShortAmount, lp, v.Version, seq); err != nil {
			return fmt.Errorf("upsert vault %d: %w", v.VaultID, err)
		}
	}
	return nil
}

// DeleteVaults drops the records of vaults that emptied.
func (w *EventLogWriter) DeleteVaults(ctx context.Context, tx *sql.Tx, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	arr := make([]int64, len(ids))
	for i, id := range ids {
		arr[i] = int64(id)
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM ledger.vaults WHERE vault_id = ANY($1)`, pq.Array(arr))
	return err
}

// UpsertOwners records vault NFT ownership.
func (w *EventLogWriter) UpsertOwners(ctx context.Context, tx *sql.Tx, owners map[uint64]uuid.UUID) error {
	for id, owner := range owners {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.vault_owners (vault_id, owner) VALUES ($1, $2)
			ON CONFLICT (vault_id) DO UPDATE SET owner = EXCLUDED.owner
		`, int64(id), owner); err != nil {
			return fmt.Errorf("upsert owner %d: %w", id, err)
		}
	}
	return nil
}

// WriteNormalization replaces the normalization record.
func (w *EventLogWriter) WriteNormalization(ctx context.Context, tx *sql.Tx, seq int64, n NormalizationRow) error {
	if n.Factor == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.normalization (id, factor, last_update, updated_sequence)
		VALUES (1, $1::numeric, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			factor = EXCLUDED.factor,
			last_update = EXCLUDED.last_update,
			updated_sequence = EXCLUDED.updated_sequence
		WHERE ledger.normalization.last_update <= EXCLUDED.last_update
	`, n.Factor, n.LastUpdate, seq)
	return err
}

// UpsertParticipants replaces the stored state of each participant. Units
// are written in commit order, so the last write is the newest state.
func (w *EventLogWriter) UpsertParticipants(ctx context.Context, tx *sql.Tx, seq int64, rows []ParticipantRow) error {
	for _, p := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.participants (name, state, updated_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET
				state = EXCLUDED.state,
				updated_sequence = EXCLUDED.updated_sequence
		`, p.Name, p.State, seq); err != nil {
			return fmt.Errorf("upsert participant %s: %w", p.Name, err)
		}
	}
	return nil
}

// WriteUnit writes every row of one unit in tx.
func (w *EventLogWriter) WriteUnit(ctx context.Context, tx *sql.Tx, u Unit) error {
	if u.Operation.IdempotencyKey != "" {
		if err := w.RecordOperation(ctx, tx, u.Operation); err != nil {
			return err
		}
	}
	if err := w.WriteEventBatch(ctx, tx, u.Events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteJournalBatch(ctx, tx, u.Journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := w.UpsertVaults(ctx, tx, u.LastSequence, u.Vaults); err != nil {
		return err
	}
	if err := w.DeleteVaults(ctx, tx, u.Closed); err != nil {
		return fmt.Errorf("delete vaults: %w", err)
	}
	if err := w.UpsertOwners(ctx, tx, u.Owners); err != nil {
		return err
	}
	if err := w.WriteNormalization(ctx, tx, u.LastSequence, u.Normalization); err != nil {
		return fmt.Errorf("write normalization: %w", err)
	}
	return w.UpsertParticipants(ctx, tx, u.LastSequence, u.Participants)
}
