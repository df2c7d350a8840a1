package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrVaultNotFound is returned when no vault row exists.
var ErrVaultNotFound = errors.New("persistence: vault not found")

// VaultRecord is the persisted view of a vault as of UpdatedSequence.
type VaultRecord struct {
	VaultID         uint64     `json:"vault_id"`
	Owner           uuid.UUID  `json:"owner"`
	Operator        *uuid.UUID `json:"operator,omitempty"`
	Collateral      *big.Int   `json:"collateral"`
	ShortAmount     *big.Int   `json:"short_amount"`
	LPTokenID       *uint64    `json:"lp_token_id,omitempty"`
	Version         int64      `json:"version"`
	UpdatedSequence int64      `json:"updated_sequence"`
}

// VaultStore reads persisted vault rows.
type VaultStore interface {
	GetVault(ctx context.Context, id uint64) (*VaultRecord, error)
	VaultsByOwner(ctx context.Context, owner uuid.UUID) ([]VaultRecord, error)
}

// PostgresVaultStore reads ledger.vaults.
type PostgresVaultStore struct {
	db *sql.DB
}

func NewPostgresVaultStore(db *sql.DB) *PostgresVaultStore {
	return &PostgresVaultStore{db: db}
}

const vaultColumns = `vault_id, owner, operator, collateral::text, short_amount::text, lp_token_id, version, updated_sequence`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVault(row rowScanner) (*VaultRecord, error) {
	var (
		id, version, seq  int64
		owner             uuid.UUID
		operator          uuid.NullUUID
		collateral, short string
		lpToken           sql.NullInt64
	)
	if err := row.Scan(&id, &owner, &operator, &collateral, &short, &lpToken, &version, &seq); err != nil {
		return nil, err
	}
	r := &VaultRecord{
		VaultID:         uint64(id),
		Owner:           owner,
		Version:         version,
		UpdatedSequence: seq,
	}
	if operator.Valid {
		op := operator.UUID
		r.Operator = &op
	}
	var ok bool
	if r.Collateral, ok = new(big.Int).SetString(collateral, 10); !ok {
		return nil, fmt.Errorf("vault %d collateral %q", id, collateral)
	}
	if r.ShortAmount, ok = new(big.Int).SetString(short, 10); !ok {
		return nil, fmt.Errorf("vault %d short amount %q", id, short)
	}
	if lpToken.Valid {
		t := uint64(lpToken.Int64)
		r.LPTokenID = &t
	}
	return r, nil
}

func (s *PostgresVaultStore) GetVault(ctx context.Context, id uint64) (*VaultRecord, error) {
	r, err := scanVault(s.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM ledger.vaults WHERE vault_id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vault %d: %w", id, ErrVaultNotFound)
	}
	return r, err
}

func (s *PostgresVaultStore) VaultsByOwner(ctx context.Context, owner uuid.UUID) ([]VaultRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM ledger.vaults WHERE owner = $1 ORDER BY vault_id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VaultRecord
	for rows.Next() {
		r, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CachedVaultStore puts a Redis read-through cache in front of a
// VaultStore. The persistence worker invalidates entries after each
// flush, so a cached record is never newer than Postgres.
type CachedVaultStore struct {
	primary VaultStore
	rdb     *redis.Client
	ttl     time.Duration
}

func NewCachedVaultStore(primary VaultStore, rdb *redis.Client, ttl time.Duration) *CachedVaultStore {
	return &CachedVaultStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedVaultStore) GetVault(ctx context.Context, id uint64) (*VaultRecord, error) {
	data, err := s.rdb.Get(ctx, vaultKey(id)).Bytes()
	if err == nil {
		var r VaultRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, vaultKey(id), data, s.ttl)
	}
	return r, nil
}

// VaultsByOwner is not cached.
func (s *CachedVaultStore) VaultsByOwner(ctx context.Context, owner uuid.UUID) ([]VaultRecord, error) {
	return s.primary.VaultsByOwner(ctx, owner)
}

// Invalidate drops cached records.
func (s *CachedVaultStore) Invalidate(ctx context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = vaultKey(id)
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func vaultKey(id uint64) string { return fmt.Sprintf("powerperp:vault:%d", id) }
