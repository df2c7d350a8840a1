package event

import (
	"math/big"

	"github.com/google/uuid"
)

// CompositeSettled closes a periphery operation. Net flows are signed from
// the caller's point of view: positive means the caller received.
type CompositeSettled struct {
	OperationID uuid.UUID `json:"operation_id"`
	Kind        string    `json:"kind"`
	Caller      uuid.UUID `json:"caller"`
	VaultID     uint64    `json:"vault_id"`
	NetETH      *big.Int  `json:"net_eth"`
	NetOSQTH    *big.Int  `json:"net_osqth"`
	TokenID     uint64    `json:"token_id,omitempty"`
}

func (e *CompositeSettled) EventType() EventType { return EventTypeCompositeSettled }

func (e *CompositeSettled) Vault() (uint64, bool) {
	return e.VaultID, e.VaultID != 0
}
