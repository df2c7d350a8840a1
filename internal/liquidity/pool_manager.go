package liquidity

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"PowerPerp/internal/ledger"
	fpmath "PowerPerp/internal/math"
	"PowerPerp/internal/pool"

	"github.com/google/uuid"
)

type position struct {
	info PositionInfo
}

func (p *position) clone() *position {
	c := *p
	c.info.Liquidity = fpmath.Copy(p.info.Liquidity)
	c.info.Owed0 = fpmath.Copy(p.info.Owed0)
	c.info.Owed1 = fpmath.Copy(p.info.Owed1)
	return &c
}

type managerCheckpoint struct {
	positions map[uint64]*position
	nextID    uint64
}

// PoolManager issues full-range positions on one ConstantProductPool.
// Removed liquidity waits in the manager's escrow account until collected.
type PoolManager struct {
	name      string
	pool      *pool.ConstantProductPool
	book      *ledger.Book
	positions map[uint64]*position
	nextID    uint64
}

func NewPoolManager(name string, p *pool.ConstantProductPool, book *ledger.Book) *PoolManager {
	return &PoolManager{
		name:      name,
		pool:      p,
		book:      book,
		positions: make(map[uint64]*position),
		nextID:    1,
	}
}

func (m *PoolManager) escrow(asset ledger.AssetID) ledger.AccountKey {
	return ledger.EscrowKey(m.name, asset)
}

func (m *PoolManager) get(tokenID uint64) (*position, error) {
	pos, ok := m.positions[tokenID]
	if !ok {
		return nil, fmt.Errorf("%w: token=%d", ErrPositionNotFound, tokenID)
	}
	return pos, nil
}

func (m *PoolManager) owned(tokenID uint64, caller uuid.UUID) (*position, error) {
	pos, err := m.get(tokenID)
	if err != nil {
		return nil, err
	}
	if pos.info.Owner != caller {
		return nil, fmt.Errorf("%w: token=%d caller=%s", ErrNotPositionOwner, tokenID, caller)
	}
	return pos, nil
}

func (m *PoolManager) MintPosition(_ context.Context, p MintParams) (uint64, Amounts, error) {
	if p.TickLower != fpmath.FullRangeTickLower || p.TickUpper != fpmath.FullRangeTickUpper {
		return 0, Amounts{}, fmt.Errorf("%w: [%d, %d]", ErrUnsupportedRange, p.TickLower, p.TickUpper)
	}
	liq, a0, a1, err := m.pool.AddLiquidity(p.Payer, p.Amount0Desired, p.Amount1Desired)
	if err != nil {
		return 0, Amounts{}, fmt.Errorf("mint position: %w", err)
	}
	id := m.nextID
	m.nextID++
	m.positions[id] = &position{info: PositionInfo{
		TokenID:   id,
		Owner:     p.Owner,
		Pool:      m.pool.ID(),
		TickLower: p.TickLower,
		TickUpper: p.TickUpper,
		Liquidity: liq,
		Owed0:     new(big.Int),
		Owed1:     new(big.Int),
	}}
	return id, Amounts{Liquidity: fpmath.Copy(liq), Amount0: a0, Amount1: a1}, nil
}

func (m *PoolManager) IncreaseLiquidity(_ context.Context, tokenID uint64, payer uuid.UUID, amount0Desired, amount1Desired *big.Int) (Amounts, error) {
	pos, err := m.get(tokenID)
	if err != nil {
		return Amounts{}, err
	}
	liq, a0, a1, err := m.pool.AddLiquidity(payer, amount0Desired, amount1Desired)
	if err != nil {
		return Amounts{}, fmt.Errorf("increase liquidity %d: %w", tokenID, err)
	}
	pos.info.Liquidity.Add(pos.info.Liquidity, liq)
	return Amounts{Liquidity: liq, Amount0: a0, Amount1: a1}, nil
}

func (m *PoolManager) DecreaseLiquidity(_ context.Context, tokenID uint64, caller uuid.UUID, liquidity *big.Int) (Amounts, error) {
	pos, err := m.owned(tokenID, caller)
	if err != nil {
		return Amounts{}, err
	}
	if !fpmath.IsPositive(liquidity) || liquidity.Cmp(pos.info.Liquidity) > 0 {
		return Amounts{}, fmt.Errorf("%w: token=%d remove=%s has=%s", ErrInvalidLiquidity, tokenID, liquidity, pos.info.Liquidity)
	}
	t0, t1 := m.pool.Tokens()
	a0, a1, err := m.pool.RemoveLiquidity(liquidity, m.escrow(t0), m.escrow(t1))
	if err != nil {
		return Amounts{}, fmt.Errorf("decrease liquidity %d: %w", tokenID, err)
	}
	pos.info.Liquidity.Sub(pos.info.Liquidity, liquidity)
	pos.info.Owed0.Add(pos.info.Owed0, a0)
	pos.info.Owed1.Add(pos.info.Owed1, a1)
	return Amounts{Liquidity: fpmath.Copy(liquidity), Amount0: a0, Amount1: a1}, nil
}

func (m *PoolManager) Collect(_ context.Context, tokenID uint64, caller, recipient uuid.UUID) (Amounts, error) {
	pos, err := m.owned(tokenID, caller)
	if err != nil {
		return Amounts{}, err
	}
	t0, t1 := m.pool.Tokens()
	a0, a1 := pos.info.Owed0, pos.info.Owed1
	if err := m.book.Transfer(m.escrow(t0), ledger.NewWalletKey(recipient, t0), a0, ledger.JournalTypeLiquidityCollect); err != nil {
		return Amounts{}, fmt.Errorf("collect %d: %w", tokenID, err)
	}
	if err := m.book.Transfer(m.escrow(t1), ledger.NewWalletKey(recipient, t1), a1, ledger.JournalTypeLiquidityCollect); err != nil {
		return Amounts{}, fmt.Errorf("collect %d: %w", tokenID, err)
	}
	pos.info.Owed0, pos.info.Owed1 = new(big.Int), new(big.Int)
	return Amounts{Liquidity: new(big.Int), Amount0: a0, Amount1: a1}, nil
}

func (m *PoolManager) PositionInfo(_ context.Context, tokenID uint64) (PositionInfo, error) {
	pos, err := m.get(tokenID)
	if err != nil {
		return PositionInfo{}, err
	}
	return pos.clone().info, nil
}

func (m *PoolManager) OwnerOf(_ context.Context, tokenID uint64) (uuid.UUID, error) {
	pos, err := m.get(tokenID)
	if err != nil {
		return uuid.Nil, err
	}
	return pos.info.Owner, nil
}

func (m *PoolManager) TransferPosition(_ context.Context, tokenID uint64, from, to uuid.UUID) error {
	pos, err := m.owned(tokenID, from)
	if err != nil {
		return err
	}
	pos.info.Owner = to
	return nil
}

// Positions returns every position ordered by token id.
func (m *PoolManager) Positions() []PositionInfo {
	out := make([]PositionInfo, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.clone().info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Restore loads positions from a snapshot.
func (m *PoolManager) Restore(positions []PositionInfo, nextID uint64) {
	m.positions = make(map[uint64]*position, len(positions))
	for _, info := range positions {
		p := &position{info: info}
		m.positions[info.TokenID] = p.clone()
	}
	m.nextID = nextID
}

// NextID returns the token id the next mint will use.
func (m *PoolManager) NextID() uint64 {
	return m.nextID
}

func (m *PoolManager) Checkpoint() any {
	cp := managerCheckpoint{positions: make(map[uint64]*position, len(m.positions)), nextID: m.nextID}
	for id, p := range m.positions {
		cp.positions[id] = p.clone()
	}
	return cp
}

func (m *PoolManager) Rollback(cp any) {
	c, ok := cp.(managerCheckpoint)
	if !ok {
		return
	}
	m.positions = make(map[uint64]*position, len(c.positions))
	for id, p := range c.positions {
		m.positions[id] = p.clone()
	}
	m.nextID = c.nextID
}

type managerSnapshot struct {
	Positions []PositionInfo `json:"positions"`
	NextID    uint64         `json:"next_id"`
}

func (m *PoolManager) SnapshotName() string { return "positions:" + m.name }

func (m *PoolManager) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(managerSnapshot{Positions: m.Positions(), NextID: m.nextID})
}

func (m *PoolManager) RestoreSnapshot(data []byte) error {
	var snap managerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("restore %s: %w", m.name, err)
	}
	m.Restore(snap.Positions, snap.NextID)
	return nil
}
