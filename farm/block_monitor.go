package farm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/metrics"
)

// ErrNoBlock is returned while the farm reports no block
var ErrNoBlock = errors.New("farm has no current block")

// Observation is the outcome of one BlockMonitor tick
type Observation struct {
	State   blockchain.BlockState
	Changed bool
	Stale   bool
	Reset   bool
	Elapsed time.Duration
}

// BlockMonitor tracks the farm block and resets farmers on transitions
type BlockMonitor struct {
	mu         sync.RWMutex
	client     blockchain.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	state      blockchain.BlockState
	staleBlock uint32
}

// NewBlockMonitor creates a new block monitor
func NewBlockMonitor(client blockchain.Client, logger *zap.Logger, m *metrics.Metrics, now func() time.Time) *BlockMonitor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockMonitor{
		client:  client,
		logger:  logger.Named("block"),
		metrics: m,
		now:     now,
	}
}

// State returns a copy of the current block state
func (m *BlockMonitor) State() blockchain.BlockState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Tick polls the farm index. A higher index, or a block older than the
// stale threshold, is a transition. A lower index never replaces the current
// block. Farmers are reset on an index change and once per stale block. The
// hash is only taken from fetched details.
func (m *BlockMonitor) Tick(ctx context.Context, registry *Registry) (Observation, error) {
	idx, err := m.client.CurrentBlock(ctx)
	if err != nil {
		return Observation{}, fmt.Errorf("current block: %w", err)
	}
	if idx.Block == 0 {
		return Observation{}, ErrNoBlock
	}

	now := m.now()
	current := m.State()
	stale := current.Elapsed(now) > blockchain.StaleAfter
	changed := idx.Block > current.Block

	var obs Observation
	if changed || stale {
		if changed {
			m.logger.Info("new block detected",
				zap.Uint32("block", idx.Block),
				zap.Uint32("previous", current.Block))
			current = blockchain.BlockState{Block: idx.Block}
			obs.Changed = true
		}

		m.mu.Lock()
		m.state = current
		reset := changed || m.staleBlock != current.Block
		if reset && !changed {
			m.staleBlock = current.Block
		}
		m.mu.Unlock()

		if reset {
			cause := "changed"
			if !changed {
				cause = "stale"
				m.logger.Warn("block is stale, retrying plant",
					zap.Uint32("block", current.Block),
					zap.Duration("elapsed", current.Elapsed(now)))
			}
			registry.ResetAll()
			m.logger.Debug("farmers ready", zap.Int("farmers", registry.Len()))
			m.metrics.Transition(cause, current.Block)
			obs.Reset = true
		}
	}

	if !current.HasDetails() {
		m.fetchDetails(ctx, current.Block)
	}

	obs.State = m.State()
	obs.Elapsed = obs.State.Elapsed(now)
	obs.Stale = obs.Elapsed > blockchain.StaleAfter
	return obs, nil
}

// fetchDetails loads the block details. Failures leave them absent for the
// next tick.
func (m *BlockMonitor) fetchDetails(ctx context.Context, block uint32) {
	details, err := m.client.BlockDetails(ctx, block)
	if err != nil {
		m.logger.Warn("block details unavailable",
			zap.Uint32("block", block),
			zap.String("error", blockchain.Describe(err)))
		return
	}
	if details == nil {
		m.logger.Debug("block details not yet published", zap.Uint32("block", block))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Block != block {
		return
	}
	m.state.Details = details
	if details.Entropy != "" {
		m.state.Hash = details.Entropy
	}
	m.logger.Info("block details",
		zap.Uint32("block", block),
		zap.Int64("timestamp", details.Timestamp),
		zap.Int64("staked", details.StakedTotal),
		zap.Uint32("zeros", details.ZeroThreshold))
}
