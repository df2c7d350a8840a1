package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"PowerPerp/internal/event"
	"PowerPerp/internal/ledger"
	"PowerPerp/internal/liquidity"
	"PowerPerp/internal/observability"
	"PowerPerp/internal/oracle"
	"PowerPerp/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ControllerIdentity holds LP positions attached to vaults and receives
// redeemed liquidity during liquidations.
var ControllerIdentity = uuid.NewSHA1(uuid.NameSpaceURL, []byte("powerperp:controller"))

// Participant is any in-memory state a settlement unit may touch. The
// controller checkpoints every participant when a unit begins and rolls
// them back in reverse order when it fails.
type Participant interface {
	Checkpoint() any
	Rollback(cp any)
}

// committer is implemented by participants that flush deferred work
// (price observations, caches) once a unit commits.
type committer interface {
	Commit()
}

// PriceSink receives accepted price observations.
type PriceSink interface {
	Record(pool oracle.PoolRef, price *big.Int, at time.Time) error
}

// Config wires a Controller.
type Config struct {
	Params    *state.ProtocolParams
	Oracle    oracle.Oracle
	PriceFeed state.PriceFeedConfig
	Genesis   time.Time

	// Clock is the injected time source. Defaults to time.Now.
	Clock func() time.Time

	StartSequence       int64
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker

	// Book defaults to a fresh ledger. Pools and position managers that
	// share it are registered with Register.
	Book      *ledger.Book
	Liquidity liquidity.Manager
	Prices    PriceSink

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

// CoreOutput is everything one committed settlement unit produced.
type CoreOutput struct {
	OperationID   uuid.UUID
	Op            string
	Envelopes     []*event.EventEnvelope
	Batch         *ledger.Batch
	Vaults        []*state.Vault // records written by the unit
	ClosedVaults  []uint64       // records dropped because they emptied
	Owners        map[uint64]uuid.UUID
	Normalization state.NormalizationState
	StateDigest   []byte
	// Participants holds the snapshot of every participant whose state
	// changed in the unit, keyed by SnapshotName.
	Participants map[string]json.RawMessage
}

// Controller is the ledger context: one lock, one clock, and every piece
// of state a settlement unit reads or writes. All mutation happens inside
// Atomic.
type Controller struct {
	mu sync.Mutex

	clock  func() time.Time
	params *state.ProtocolParams

	book   *ledger.Book
	vaults *state.VaultManager
	feed   *state.PriceFeed
	norm   *state.NormalizationEngine
	calc   *state.CollateralCalculator
	liq    *state.LiquidationEngine
	lpm    liquidity.Manager
	prices PriceSink

	participants []Participant
	committed    map[string][]byte // last emitted participant state

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	priceSeq    *PriceSequenceValidator

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewController(cfg Config, persistChan, projectionChan chan<- CoreOutput) (*Controller, error) {
	if cfg.Params == nil {
		cfg.Params = state.DefaultParams()
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("new controller: %w", err)
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("new controller: oracle is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Genesis.IsZero() {
		cfg.Genesis = cfg.Clock()
	}
	if cfg.PriceFeed == (state.PriceFeedConfig{}) {
		cfg.PriceFeed = state.DefaultPriceFeedConfig()
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = 100_000
	}
	if cfg.Book == nil {
		cfg.Book = ledger.NewBook()
	}
	logger := observability.NewLogger("core")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	feed := state.NewPriceFeed(cfg.Oracle, cfg.PriceFeed, cfg.Params)
	calc := state.NewCollateralCalculator(cfg.Params)

	c := &Controller{
		clock:          cfg.Clock,
		params:         cfg.Params,
		book:           cfg.Book,
		vaults:         state.NewVaultManager(),
		feed:           feed,
		norm:           state.NewNormalizationEngine(feed, cfg.Params, cfg.Genesis),
		calc:           calc,
		liq:            state.NewLiquidationEngine(calc),
		lpm:            cfg.Liquidity,
		prices:         cfg.Prices,
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.DBChecker, cfg.Metrics),
		priceSeq:       NewPriceSequenceValidator(cfg.Metrics),
		metrics:        cfg.Metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		committed:      make(map[string][]byte),
	}
	c.participants = []Participant{c.book, c.vaults, c.norm}
	if p, ok := cfg.Liquidity.(Participant); ok {
		c.participants = append(c.participants, p)
		c.baseline(p)
	}
	return c, nil
}

// baseline records a participant's current state as already emitted, so
// only later changes reach the outputs.
func (c *Controller) baseline(p Participant) {
	sn, ok := p.(Snapshotter)
	if !ok {
		return
	}
	if data, err := sn.MarshalSnapshot(); err == nil {
		c.committed[sn.SnapshotName()] = data
	}
}

// Register adds a participant (a pool, a position manager) whose state
// must roll back with the unit.
func (c *Controller) Register(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.participants {
		if existing == p {
			return
		}
	}
	c.participants = append(c.participants, p)
	c.baseline(p)
}

// Book exposes the shared ledger so pools and position managers can be
// built on top of it.
func (c *Controller) Book() *ledger.Book {
	return c.book
}

// Params returns the protocol parameters in force.
func (c *Controller) Params() *state.ProtocolParams {
	return c.params
}

// Now returns the injected clock's time.
func (c *Controller) Now() time.Time {
	return c.clock()
}

// Atomic runs fn as one settlement unit. Every participant is checkpointed
// first; if fn fails they are rolled back and nothing leaves the core. On
// success the unit's events, journals and touched vaults are emitted as a
// single CoreOutput. A non-empty idempotencyKey that already committed
// under the same op returns ErrDuplicateRequest.
func (c *Controller) Atomic(ctx context.Context, op, idempotencyKey string, fn func(*Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	if idempotencyKey != "" && c.idempotency.IsDuplicate(op, idempotencyKey) {
		c.reject(op, ErrDuplicateRequest)
		return fmt.Errorf("%s %q: %w", op, idempotencyKey, ErrDuplicateRequest)
	}

	s := newSession(ctx, c, op, idempotencyKey, c.clock())
	c.book.Begin(s.opID.String(), c.sequence, s.now.UnixMicro())

	checkpoints := make([]any, len(c.participants))
	for i, p := range c.participants {
		checkpoints[i] = p.Checkpoint()
	}

	if err := fn(s); err != nil {
		for i := len(c.participants) - 1; i >= 0; i-- {
			c.participants[i].Rollback(checkpoints[i])
		}
		c.book.Finish()
		c.vaults.Discard()
		c.reject(op, err)
		if c.metrics != nil {
			c.metrics.CoreRollbacks.WithLabelValues(op).Inc()
		}
		ev := c.logger.Debug()
		if reason := RejectReason(err); reason == "oracle" || reason == "other" {
			ev = c.logger.Warn()
		}
		ev.Err(err).
			Str("op", op).
			Str("operation_id", s.opID.String()).
			Msg("settlement unit rolled back")
		return err
	}

	out := c.commit(s)
	c.emit(out)
	for _, hook := range s.hooks {
		hook()
	}

	if idempotencyKey != "" {
		c.idempotency.MarkProcessed(op, idempotencyKey)
	}

	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.VaultsOpen.Set(float64(c.vaults.Count()))
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(c.norm.Factor()), big.NewFloat(1e18)).Float64()
		c.metrics.NormalizationFactor.Set(f)
		if out.Batch != nil {
			for _, j := range out.Batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}
	return nil
}

func (c *Controller) reject(op string, err error) {
	if c.metrics != nil {
		c.metrics.CoreOpsRejected.WithLabelValues(op, RejectReason(err)).Inc()
	}
}

// commit closes the unit: validates the batch, flushes committers and
// chains one envelope per emitted event.
func (c *Controller) commit(s *Session) CoreOutput {
	batch := c.book.Finish()
	if batch != nil {
		if err := c.book.Validator().ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.book.Validator().ValidateAccounts(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	touched := c.vaults.Commit()
	for _, p := range c.participants {
		if cm, ok := p.(committer); ok {
			cm.Commit()
		}
	}

	out := CoreOutput{
		OperationID:   s.opID,
		Op:            s.op,
		Batch:         batch,
		Owners:        make(map[uint64]uuid.UUID, len(touched)),
		Normalization: c.norm.State(),
		Participants:  c.changedParticipants(),
	}
	for _, id := range touched {
		if owner, ok := c.vaults.OwnerOf(id); ok {
			out.Owners[id] = owner
		}
		v, err := c.vaults.Get(id)
		if err != nil || v.IsEmpty() {
			out.ClosedVaults = append(out.ClosedVaults, id)
			continue
		}
		out.Vaults = append(out.Vaults, v)
	}
	out.StateDigest = c.computeStateDigest(batch, out.Vaults, out.ClosedVaults, out.Normalization)

	out.Envelopes = make([]*event.EventEnvelope, 0, len(s.events))
	for _, pe := range s.events {
		h := sha256.New()
		h.Write(pe.payload)
		h.Write(out.StateDigest)

		seq := c.sequence
		stateHash, prevHash := c.hasher.Next(seq, h.Sum(nil))
		env := &event.EventEnvelope{
			Sequence:       seq,
			OperationID:    s.opID,
			IdempotencyKey: s.key,
			EventType:      pe.evt.EventType(),
			Timestamp:      s.now,
			Payload:        pe.payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}
		if id, ok := pe.evt.Vault(); ok {
			vid := id
			env.VaultID = &vid
		}
		out.Envelopes = append(out.Envelopes, env)
		c.sequence++
	}
	return out
}

// changedParticipants marshals every Snapshotter and returns those whose
// state differs from what the last unit emitted.
func (c *Controller) changedParticipants() map[string]json.RawMessage {
	var changed map[string]json.RawMessage
	for _, p := range c.participants {
		sn, ok := p.(Snapshotter)
		if !ok {
			continue
		}
		name := sn.SnapshotName()
		data, err := sn.MarshalSnapshot()
		if err != nil {
			c.logger.Error().Err(err).Str("participant", name).Msg("participant state not emitted")
			continue
		}
		if bytes.Equal(c.committed[name], data) {
			continue
		}
		c.committed[name] = data
		if changed == nil {
			changed = make(map[string]json.RawMessage)
		}
		changed[name] = data
	}
	return changed
}

// emit hands a committed unit to the output channels.
// Persistence: blocking send, the controller stalls until the writer
// drains. Projections: non-blocking, dropped when full.
func (c *Controller) emit(out CoreOutput) {
	if len(out.Envelopes) == 0 && out.Batch == nil && len(out.Participants) == 0 {
		return
	}
	if c.persistChan != nil {
		c.persistChan <- out
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// computeStateDigest hashes the unit's effect: journals, touched vault
// records and the normalization record.
func (c *Controller) computeStateDigest(batch *ledger.Batch, vaults []*state.Vault, closed []uint64, norm state.NormalizationState) []byte {
	h := sha256.New()
	var buf [8]byte

	if batch != nil {
		for _, j := range batch.Journals {
			h.Write(j.JournalID[:])
			h.Write([]byte(j.DebitAccount.AccountPath()))
			h.Write([]byte(j.CreditAccount.AccountPath()))
			h.Write(j.Amount.Bytes())
			binary.LittleEndian.PutUint32(buf[:4], uint32(j.JournalType))
			h.Write(buf[:4])
		}
	}
	for _, v := range vaults {
		h.Write(v.CanonicalBytes())
	}
	for _, id := range closed {
		binary.LittleEndian.PutUint64(buf[:], id)
		h.Write(buf[:])
	}
	h.Write(norm.Factor.Bytes())
	binary.LittleEndian.PutUint64(buf[:], uint64(norm.LastUpdate.UnixNano()))
	h.Write(buf[:])

	return h.Sum(nil)
}

// Poke settles normalization and nothing else. Poking twice at the same
// instant is a no-op the second time.
func (c *Controller) Poke(ctx context.Context) error {
	var moved bool
	err := c.Atomic(ctx, "poke", "", func(s *Session) error {
		var err error
		moved, err = s.Settle()
		return err
	})
	if err != nil {
		return err
	}
	if c.metrics != nil {
		outcome := "noop"
		if moved {
			outcome = "moved"
		}
		c.metrics.NormalizationPokes.WithLabelValues(outcome).Inc()
	}
	return nil
}

// RecordPrice feeds an inbound observation to the price sink. Replays
// and out-of-order observations return ErrStalePrice; gaps are accepted.
func (c *Controller) RecordPrice(ctx context.Context, obs *event.PriceObserved) error {
	if c.prices == nil {
		return fmt.Errorf("record price: no price sink configured")
	}
	if obs.Price == nil || obs.Price.Sign() <= 0 {
		return fmt.Errorf("record price %s: %w", obs.Pool, state.ErrInvalidAmount)
	}
	return c.Atomic(ctx, "record_price", obs.IdempotencyKey(), func(s *Session) error {
		if obs.PriceSequence < c.priceSeq.Expected(obs.Pool) {
			return fmt.Errorf("%s seq=%d expected>=%d: %w",
				obs.Pool, obs.PriceSequence, c.priceSeq.Expected(obs.Pool), ErrStalePrice)
		}
		if err := c.prices.Record(oracle.PoolRef(obs.Pool), obs.Price, obs.ObservedAt); err != nil {
			return fmt.Errorf("record price %s: %w", obs.Pool, err)
		}
		c.priceSeq.Accept(obs.Pool, obs.PriceSequence)
		return s.Emit(obs)
	})
}
