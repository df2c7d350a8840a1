package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// VaultManager owns vault records and the ownership registry (the vault
// NFT). An emptied vault record is dropped; its ownership entry survives so
// the owner can reuse the id.
//
// Reads hand out clones; writes go through Put so every change lands in the
// undo log used by Rollback.
type VaultManager struct {
	vaults map[uint64]*Vault
	owners map[uint64]uuid.UUID
	nextID uint64

	undo  []vaultUndo
	dirty map[uint64]struct{}
}

type vaultUndo struct {
	id          uint64
	prev        *Vault // nil: record did not exist
	prevOwner   uuid.UUID
	ownerExists bool
	prevNextID  uint64
}

func NewVaultManager() *VaultManager {
	return &VaultManager{
		vaults: make(map[uint64]*Vault),
		owners: make(map[uint64]uuid.UUID),
		nextID: 1,
		dirty:  make(map[uint64]struct{}),
	}
}

func (vm *VaultManager) record(id uint64) {
	u := vaultUndo{id: id, prevNextID: vm.nextID}
	if v, ok := vm.vaults[id]; ok {
		u.prev = v.Clone()
	}
	u.prevOwner, u.ownerExists = vm.owners[id]
	vm.undo = append(vm.undo, u)
	vm.dirty[id] = struct{}{}
}

// Create mints a new vault id owned by owner.
func (vm *VaultManager) Create(owner uuid.UUID) *Vault {
	id := vm.nextID
	vm.record(id)
	vm.nextID++
	v := NewVault(id, owner)
	vm.vaults[id] = v
	vm.owners[id] = owner
	return v.Clone()
}

// Get returns a copy of the vault. Ids that were minted but emptied return
// a fresh empty vault.
func (vm *VaultManager) Get(id uint64) (*Vault, error) {
	if v, ok := vm.vaults[id]; ok {
		return v.Clone(), nil
	}
	owner, ok := vm.owners[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrVaultNotFound, id)
	}
	return NewVault(id, owner), nil
}

// Put stores v, dropping the record when it is empty. The operator grant
// goes with the record.
func (vm *VaultManager) Put(v *Vault) error {
	owner, ok := vm.owners[v.ID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrVaultNotFound, v.ID)
	}
	if v.Owner != owner {
		return fmt.Errorf("vault %d: owner changed outside Transfer", v.ID)
	}
	vm.record(v.ID)
	stored := v.Clone()
	stored.Version++
	if stored.IsEmpty() {
		delete(vm.vaults, v.ID)
	} else {
		vm.vaults[v.ID] = stored
	}
	return nil
}

// OwnerOf returns the vault NFT owner.
func (vm *VaultManager) OwnerOf(id uint64) (uuid.UUID, bool) {
	owner, ok := vm.owners[id]
	return owner, ok
}

// IsOwnerOrOperator is the capability check every mutating entrypoint uses.
func (vm *VaultManager) IsOwnerOrOperator(id uint64, identity uuid.UUID) bool {
	owner, ok := vm.owners[id]
	if !ok {
		return false
	}
	if owner == identity {
		return true
	}
	v, ok := vm.vaults[id]
	return ok && v.Operator != uuid.Nil && v.Operator == identity
}

// UpdateOperator replaces the delegated operator. Owner only; an emptied
// vault has no record to carry the grant and reports ErrVaultNotFound.
func (vm *VaultManager) UpdateOperator(id uint64, caller, operator uuid.UUID) error {
	owner, ok := vm.owners[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrVaultNotFound, id)
	}
	if owner != caller {
		return fmt.Errorf("%w: vault=%d caller=%s", ErrNotOwner, id, caller)
	}
	v, ok := vm.vaults[id]
	if !ok {
		return fmt.Errorf("%w: id=%d is empty", ErrVaultNotFound, id)
	}
	vm.record(id)
	v.Operator = operator
	v.Version++
	return nil
}

// Transfer moves vault ownership. The operator grant is cleared.
func (vm *VaultManager) Transfer(id uint64, caller, newOwner uuid.UUID) error {
	owner, ok := vm.owners[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrVaultNotFound, id)
	}
	if owner != caller {
		return fmt.Errorf("%w: vault=%d caller=%s", ErrNotOwner, id, caller)
	}
	if newOwner == uuid.Nil {
		return fmt.Errorf("vault %d: transfer to nil identity", id)
	}
	vm.record(id)
	vm.owners[id] = newOwner
	if v, ok := vm.vaults[id]; ok {
		v.Owner = newOwner
		v.Operator = uuid.Nil
		v.Version++
	}
	return nil
}

// Checkpoint marks the undo log position.
func (vm *VaultManager) Checkpoint() any {
	return len(vm.undo)
}

// Rollback undoes every change after the checkpoint.
func (vm *VaultManager) Rollback(cp any) {
	n, _ := cp.(int)
	for i := len(vm.undo) - 1; i >= n; i-- {
		u := vm.undo[i]
		if u.prev == nil {
			delete(vm.vaults, u.id)
		} else {
			vm.vaults[u.id] = u.prev
		}
		if u.ownerExists {
			vm.owners[u.id] = u.prevOwner
		} else {
			delete(vm.owners, u.id)
		}
		vm.nextID = u.prevNextID
	}
	vm.undo = vm.undo[:n]
}

// Commit clears the undo log and returns the ids touched since the last commit.
func (vm *VaultManager) Commit() []uint64 {
	ids := make([]uint64, 0, len(vm.dirty))
	for id := range vm.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	vm.undo = vm.undo[:0]
	vm.dirty = make(map[uint64]struct{})
	return ids
}

// Discard clears the dirty set after a full rollback.
func (vm *VaultManager) Discard() {
	vm.undo = vm.undo[:0]
	vm.dirty = make(map[uint64]struct{})
}

// All returns copies of every live vault ordered by id.
func (vm *VaultManager) All() []*Vault {
	out := make([]*Vault, 0, len(vm.vaults))
	for _, v := range vm.vaults {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owners returns a copy of the ownership registry (for snapshots).
func (vm *VaultManager) Owners() map[uint64]uuid.UUID {
	out := make(map[uint64]uuid.UUID, len(vm.owners))
	for k, v := range vm.owners {
		out[k] = v
	}
	return out
}

// NextID returns the id the next Create will use.
func (vm *VaultManager) NextID() uint64 {
	return vm.nextID
}

// Count returns the number of live vault records.
func (vm *VaultManager) Count() int {
	return len(vm.vaults)
}

// Restore loads state from a snapshot.
func (vm *VaultManager) Restore(vaults []*Vault, owners map[uint64]uuid.UUID, nextID uint64) {
	vm.vaults = make(map[uint64]*Vault, len(vaults))
	for _, v := range vaults {
		vm.vaults[v.ID] = v.Clone()
	}
	vm.owners = make(map[uint64]uuid.UUID, len(owners))
	for k, v := range owners {
		vm.owners[k] = v
	}
	vm.nextID = nextID
	vm.Discard()
}
