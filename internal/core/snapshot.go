package core

import (
	"encoding/json"
	"fmt"
	"math/big"

	"PowerPerp/internal/ledger"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
)

// Snapshotter is a participant that carries its own state in snapshots
// (simulated pools, position managers).
type Snapshotter interface {
	SnapshotName() string
	MarshalSnapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

// SnapshotState is the in-memory state needed to resume the controller.
type SnapshotState struct {
	Sequence        int64 // last assigned sequence, -1 when nothing was emitted
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]*big.Int
	Vaults          []*state.Vault
	Owners          map[uint64]uuid.UUID
	NextVaultID     uint64
	Normalization   state.NormalizationState
	PriceSequences  map[string]int64
	IdempotencyKeys []string
	Participants    map[string]json.RawMessage
}

// CreateSnapshotState captures the current state. It takes the controller
// lock, so it never observes a half-applied unit.
func (c *Controller) CreateSnapshotState() (*SnapshotState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.Tip(),
		Balances:        c.book.Tracker().Snapshot(),
		Vaults:          c.vaults.All(),
		Owners:          c.vaults.Owners(),
		NextVaultID:     c.vaults.NextID(),
		Normalization:   c.norm.State(),
		PriceSequences:  c.priceSeq.Partitions(),
		IdempotencyKeys: c.idempotency.Keys(),
		Participants:    make(map[string]json.RawMessage),
	}
	for _, p := range c.participants {
		sn, ok := p.(Snapshotter)
		if !ok {
			continue
		}
		data, err := sn.MarshalSnapshot()
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", sn.SnapshotName(), err)
		}
		snap.Participants[sn.SnapshotName()] = data
	}
	return snap, nil
}

// RestoreFromSnapshot loads a snapshot. Participants must be registered
// before restoring so their state is picked up.
func (c *Controller) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence = snap.Sequence + 1
	c.hasher.SetTip(snap.StateHash)
	c.book.Restore(snap.Balances)
	c.vaults.Restore(snap.Vaults, snap.Owners, snap.NextVaultID)
	c.norm.Restore(snap.Normalization)
	c.priceSeq.Restore(snap.PriceSequences)
	c.idempotency.Warm(snap.IdempotencyKeys)

	for _, p := range c.participants {
		sn, ok := p.(Snapshotter)
		if !ok {
			continue
		}
		data, ok := snap.Participants[sn.SnapshotName()]
		if !ok {
			continue
		}
		if err := sn.RestoreSnapshot(data); err != nil {
			return fmt.Errorf("restore %s: %w", sn.SnapshotName(), err)
		}
		c.committed[sn.SnapshotName()] = append([]byte(nil), data...)
	}
	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("vaults", len(snap.Vaults)).
		Msg("restored from snapshot")
	return nil
}

// WarmLRU loads recently committed request keys into the idempotency cache.
func (c *Controller) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.Warm(keys)
}

// Sequence returns the next sequence to assign.
func (c *Controller) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// StateHash returns the hash chain tip.
func (c *Controller) StateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.Tip()
}
