package state

import (
	"math/big"

	"github.com/google/uuid"
)

// LPPositionRef is an external liquidity position attached to a vault as
// extra collateral.
type LPPositionRef struct {
	TokenID   uint64
	TickLower int32
	TickUpper int32
	Liquidity *big.Int
}

// Vault is one short position: ETH collateral against normalized oSQTH debt.
type Vault struct {
	ID               uint64
	Owner            uuid.UUID
	Operator         uuid.UUID // uuid.Nil when no operator is set
	CollateralAmount *big.Int  // ETH wei
	ShortAmount      *big.Int  // normalized oSQTH units
	LPPosition       *LPPositionRef
	Version          int64 // bumped on every mutation
}

// NewVault returns an empty vault owned by owner.
func NewVault(id uint64, owner uuid.UUID) *Vault {
	return &Vault{
		ID:               id,
		Owner:            owner,
		CollateralAmount: new(big.Int),
		ShortAmount:      new(big.Int),
	}
}

// IsEmpty reports whether the vault holds nothing and can be dropped.
func (v *Vault) IsEmpty() bool {
	return v.CollateralAmount.Sign() == 0 && v.ShortAmount.Sign() == 0 && v.LPPosition == nil
}

// HasDebt reports shortAmount > 0.
func (v *Vault) HasDebt() bool {
	return v.ShortAmount.Sign() > 0
}

// Clone returns a deep copy.
func (v *Vault) Clone() *Vault {
	c := *v
	c.CollateralAmount = new(big.Int).Set(v.CollateralAmount)
	c.ShortAmount = new(big.Int).Set(v.ShortAmount)
	if v.LPPosition != nil {
		lp := *v.LPPosition
		lp.Liquidity = new(big.Int).Set(v.LPPosition.Liquidity)
		c.LPPosition = &lp
	}
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (v *Vault) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendUint64LE(buf, v.ID)
	buf = append(buf, v.Owner[:]...)
	buf = append(buf, v.Operator[:]...)
	buf = appendBigInt(buf, v.CollateralAmount)
	buf = appendBigInt(buf, v.ShortAmount)

	if v.LPPosition == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = appendUint64LE(buf, v.LPPosition.TokenID)
		buf = appendUint64LE(buf, uint64(uint32(v.LPPosition.TickLower)))
		buf = appendUint64LE(buf, uint64(uint32(v.LPPosition.TickUpper)))
		buf = appendBigInt(buf, v.LPPosition.Liquidity)
	}

	buf = appendUint64LE(buf, uint64(v.Version))
	return buf
}

// appendBigInt writes sign, length and big-endian magnitude.
func appendBigInt(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, 0, 0)
	}
	mag := v.Bytes()
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
