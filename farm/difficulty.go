package farm

import (
	"time"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/strategy"
)

// minKillDelay is the shortest kill deadline given to a re-attempt
const minKillDelay = 10 * time.Millisecond

// submitLead is how long before the minimum work time a new attempt may
// still be started.
const submitLead = 15 * time.Second

// Tuning resolves stake, difficulty, nonce and timing for an attempt. The
// strategy is consulted first, then the farmer account, then these defaults.
type Tuning struct {
	Strategy    strategy.Strategy
	Difficulty  int
	Nonce       uint64
	MinWorkTime time.Duration
	Continuous  bool
}

func (t Tuning) strategy() strategy.Strategy {
	if t.Strategy == nil {
		return strategy.None{}
	}
	return t.Strategy
}

// Stake returns the plant amount in stroops
func (t Tuning) Stake(acct Account, state blockchain.BlockState) int64 {
	if v, ok := t.strategy().Stake(acct.Address, state.Clone()); ok && v > 0 {
		return v
	}
	if acct.Stake > 0 {
		return acct.Stake
	}
	return 0
}

// MinWork returns the minimum time since block start before work is submitted
func (t Tuning) MinWork(acct Account, state blockchain.BlockState) time.Duration {
	if v, ok := t.strategy().MinWorkTime(acct.Address, state.Clone()); ok && v > 0 {
		return v
	}
	if acct.MinWorkTime > 0 {
		return acct.MinWorkTime
	}
	return t.MinWorkTime
}

// Next returns difficulty and nonce for the next attempt. A previous attempt
// for the block escalates both by one.
func (t Tuning) Next(acct Account, state blockchain.BlockState, prev *Work) (difficulty int, nonce uint64) {
	if prev != nil && prev.Difficulty > 0 {
		difficulty = prev.Difficulty + 1
	}
	if prev != nil && prev.Nonce > 0 {
		nonce = prev.Nonce + 1
	}

	if difficulty == 0 {
		if v, ok := t.strategy().Difficulty(acct.Address, state.Clone()); ok && v > 0 {
			difficulty = v
		} else if acct.Difficulty > 0 {
			difficulty = acct.Difficulty
		} else if t.Difficulty > 0 {
			difficulty = t.Difficulty
		} else {
			difficulty = blockchain.DefaultDifficulty
		}
	}
	if nonce == 0 {
		nonce = t.Nonce
	}
	return difficulty, nonce
}

// ShouldMine reports whether a new attempt may start
func (t Tuning) ShouldMine(minWork, elapsed time.Duration, prev *Work) bool {
	if prev == nil {
		return true
	}
	return t.Continuous && minWork-submitLead > elapsed
}

// KillAfter returns the kill deadline of a continuous re-attempt, or zero
// when the attempt runs to completion.
func (t Tuning) KillAfter(minWork, elapsed time.Duration, prev *Work) time.Duration {
	if !t.Continuous || prev == nil {
		return 0
	}
	d := minWork - elapsed
	if d < minKillDelay {
		d = minKillDelay
	}
	return d
}
