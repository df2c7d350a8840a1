package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/observability"

	"github.com/rs/zerolog"
)

// ErrSnapshotAhead means the log never caught up with a snapshot, which is
// left unverified.
var ErrSnapshotAhead = errors.New("snapshot ahead of event log")

// StateSource produces the controller state to snapshot.
type StateSource interface {
	CreateSnapshotState() (*core.SnapshotState, error)
}

// Checkpointer writes periodic snapshots. A snapshot is marked verified
// only once the log holds its sequence with the same chained hash, so
// recovery never starts from state the log cannot reproduce.
type Checkpointer struct {
	sm       *SnapshotManager
	source   StateSource
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	poll     time.Duration
	deadline time.Duration
}

func NewCheckpointer(sm *SnapshotManager, source StateSource, metrics *observability.Metrics) *Checkpointer {
	return &Checkpointer{
		sm:       sm,
		source:   source,
		metrics:  metrics,
		logger:   observability.NewLogger("snapshot"),
		now:      time.Now,
		poll:     50 * time.Millisecond,
		deadline: 10 * time.Second,
	}
}

func (c *Checkpointer) WithLogger(l zerolog.Logger) *Checkpointer {
	c.logger = l
	return c
}

// WithWait sets how often and how long Take waits for the log.
func (c *Checkpointer) WithWait(poll, deadline time.Duration) *Checkpointer {
	c.poll = poll
	c.deadline = deadline
	return c
}

// Take snapshots the controller and returns the snapshot's sequence, or -1
// when nothing has been emitted yet.
func (c *Checkpointer) Take(ctx context.Context) (int64, error) {
	st, err := c.source.CreateSnapshotState()
	if err != nil {
		return 0, fmt.Errorf("create snapshot: %w", err)
	}
	if st.Sequence < 0 {
		return -1, nil
	}

	size, err := c.sm.SaveSnapshot(ctx, SnapshotFromState(st, c.now()))
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", st.Sequence, err)
	}
	if err := c.awaitLog(ctx, st); err != nil {
		return 0, err
	}
	if err := c.sm.MarkVerified(ctx, st.Sequence); err != nil {
		return 0, fmt.Errorf("verify snapshot %d: %w", st.Sequence, err)
	}

	if c.metrics != nil {
		c.metrics.SnapshotTaken.Inc()
		c.metrics.SnapshotSizeBytes.Set(float64(size))
		c.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	c.logger.Info().Int64("sequence", st.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return st.Sequence, nil
}

func (c *Checkpointer) awaitLog(ctx context.Context, st *core.SnapshotState) error {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		h, err := c.sm.StateHashAt(ctx, st.Sequence)
		switch {
		case err == nil && h == st.StateHash:
			return nil
		case err == nil:
			return fmt.Errorf("snapshot %d: logged hash %x differs from %x", st.Sequence, h[:8], st.StateHash[:8])
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %d: %w", st.Sequence, ErrSnapshotAhead)
		case <-ticker.C:
		}
	}
}

// Run takes a snapshot every interval until ctx is cancelled.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Take(ctx); err != nil {
				c.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
