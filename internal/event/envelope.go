package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletDeposited
	EventTypeWalletWithdrawn
	EventTypeVaultOpened
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeShortMinted
	EventTypeShortBurned
	EventTypeOperatorUpdated
	EventTypeVaultTransferred
	EventTypeLPPositionDeposited
	EventTypeLPPositionWithdrawn
	EventTypeNormalizationUpdated
	EventTypeVaultLiquidated
	EventTypeCompositeSettled
	EventTypePriceObserved
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the controller
	Sequence int64

	// Atomic unit the event was committed in; several envelopes share it
	OperationID uuid.UUID

	// Caller supplied dedup key (may be empty)
	IdempotencyKey string

	EventType EventType

	// Vault context (nil for global events)
	VaultID *uint64

	// Injected clock time of the unit (NOT wall-clock at persist time)
	Timestamp time.Time

	// JSON-encoded event
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType

	// Vault returns the vault context, ok=false for global events
	Vault() (uint64, bool)
}

func (et EventType) String() string {
	switch et {
	case EventTypeWalletDeposited:
		return "WalletDeposited"
	case EventTypeWalletWithdrawn:
		return "WalletWithdrawn"
	case EventTypeVaultOpened:
		return "VaultOpened"
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case EventTypeShortMinted:
		return "ShortMinted"
	case EventTypeShortBurned:
		return "ShortBurned"
	case EventTypeOperatorUpdated:
		return "OperatorUpdated"
	case EventTypeVaultTransferred:
		return "VaultTransferred"
	case EventTypeLPPositionDeposited:
		return "LPPositionDeposited"
	case EventTypeLPPositionWithdrawn:
		return "LPPositionWithdrawn"
	case EventTypeNormalizationUpdated:
		return "NormalizationUpdated"
	case EventTypeVaultLiquidated:
		return "VaultLiquidated"
	case EventTypeCompositeSettled:
		return "CompositeSettled"
	case EventTypePriceObserved:
		return "PriceObserved"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeWalletDeposited; et <= EventTypePriceObserved; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
}

// Encode marshals an event payload for the envelope.
func Encode(evt Event) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return b, nil
}

// Decode unmarshals an envelope payload into its typed event.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeWalletDeposited:
		evt = &WalletDeposited{}
	case EventTypeWalletWithdrawn:
		evt = &WalletWithdrawn{}
	case EventTypeVaultOpened:
		evt = &VaultOpened{}
	case EventTypeCollateralDeposited:
		evt = &CollateralDeposited{}
	case EventTypeCollateralWithdrawn:
		evt = &CollateralWithdrawn{}
	case EventTypeShortMinted:
		evt = &ShortMinted{}
	case EventTypeShortBurned:
		evt = &ShortBurned{}
	case EventTypeOperatorUpdated:
		evt = &OperatorUpdated{}
	case EventTypeVaultTransferred:
		evt = &VaultTransferred{}
	case EventTypeLPPositionDeposited:
		evt = &LPPositionDeposited{}
	case EventTypeLPPositionWithdrawn:
		evt = &LPPositionWithdrawn{}
	case EventTypeNormalizationUpdated:
		evt = &NormalizationUpdated{}
	case EventTypeVaultLiquidated:
		evt = &VaultLiquidated{}
	case EventTypeCompositeSettled:
		evt = &CompositeSettled{}
	case EventTypePriceObserved:
		evt = &PriceObserved{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
