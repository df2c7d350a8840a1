package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeVaultCollateral // ETH locked in vaults
	SubTypeSupply          // mint/burn counterparty, negative by construction
	SubTypePoolReserve     // liquidity pool reserves, entity = pool name
	SubTypePositionEscrow  // collected-but-unclaimed LP amounts

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	AssetETH   AssetID = 1 // base asset, collateral
	AssetOSQTH AssetID = 2 // power perpetual, normalized units
	AssetUSDC  AssetID = 3 // index quote
)

var (
	assetToID = map[string]AssetID{
		"ETH":   AssetETH,
		"OSQTH": AssetOSQTH,
		"USDC":  AssetUSDC,
	}
	idToAsset = map[AssetID]string{
		AssetETH:   "ETH",
		AssetOSQTH: "OSQTH",
		AssetUSDC:  "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

func (a AssetID) String() string {
	if name, ok := idToAsset[a]; ok {
		return name
	}
	return fmt.Sprintf("asset(%d)", uint16(a))
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletKey creates the holding account of an identity
func NewWalletKey(owner uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// VaultCollateralKey is where all vault collateral sits.
func VaultCollateralKey() AccountKey {
	return NewSystemAccountKey("controller", SubTypeVaultCollateral, AssetETH)
}

// SupplyKey is the counterparty of mint and burn journals for the derivative.
func SupplyKey() AccountKey {
	return NewSystemAccountKey("controller", SubTypeSupply, AssetOSQTH)
}

// PoolReserveKey is the reserve account of a liquidity pool.
func PoolReserveKey(pool string, assetID AssetID) AccountKey {
	return NewSystemAccountKey(pool, SubTypePoolReserve, assetID)
}

// EscrowKey holds liquidity removed from a pool until it is collected.
func EscrowKey(manager string, assetID AssetID) AccountKey {
	return NewSystemAccountKey(manager, SubTypePositionEscrow, assetID)
}

// MayGoNegative reports whether the account is allowed a negative balance.
// Only boundary accounts (external) and the derivative supply account are.
func (k AccountKey) MayGoNegative() bool {
	return k.Scope == AccountScopeExternal || k.SubType == SubTypeSupply
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName := k.AssetID.String()

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", k.entityName(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) entityName() string {
	n := 0
	for n < len(k.EntityID) && k.EntityID[n] != 0 {
		n++
	}
	return string(k.EntityID[:n])
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeVaultCollateral:
		return "vault_collateral"
	case SubTypeSupply:
		return "supply"
	case SubTypePoolReserve:
		return "pool_reserve"
	case SubTypePositionEscrow:
		return "position_escrow"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

var subTypeNames = map[string]AccountSubType{
	"wallet":           SubTypeWallet,
	"vault_collateral": SubTypeVaultCollateral,
	"supply":           SubTypeSupply,
	"pool_reserve":     SubTypePoolReserve,
	"position_escrow":  SubTypePositionEscrow,
	"deposits":         SubTypeExternalDeposits,
	"withdrawals":      SubTypeExternalWithdrawals,
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	asset := func(name string) (AssetID, error) {
		id, ok := GetAssetID(name)
		if !ok {
			return 0, fmt.Errorf("account path %q: unknown asset %q", path, name)
		}
		return id, nil
	}
	subType := func(name string) (AccountSubType, error) {
		st, ok := subTypeNames[name]
		if !ok {
			return 0, fmt.Errorf("account path %q: unknown sub-type %q", path, name)
		}
		return st, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return AccountKey{Scope: AccountScopeUser, EntityID: owner, SubType: st, AssetID: id}, nil

	case len(parts) == 4 && parts[0] == "system":
		if len(parts[1]) > 16 {
			return AccountKey{}, fmt.Errorf("account path %q: entity name too long", path)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(parts[1], st, id), nil

	case len(parts) == 3 && parts[0] == "external":
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st, id), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
