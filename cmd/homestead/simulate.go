package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/miner"
)

// checkEvery is how many hashes the simulated search runs between deadline checks
const checkEvery = 1024

// simSearcher hashes in process for at most mineTime and returns the best
// hash found. It stands in for the external executable in simulation mode.
type simSearcher struct {
	mineTime time.Duration
	session  *farm.Session
}

func newSimSearcher(mineTime time.Duration, session *farm.Session) *simSearcher {
	if mineTime <= 0 {
		mineTime = 2 * time.Second
	}
	return &simSearcher{mineTime: mineTime, session: session}
}

func (s *simSearcher) Run(ctx context.Context, job miner.Job) (miner.Outcome, error) {
	start := time.Now()
	stop := start.Add(s.mineTime)

	var (
		best   miner.Result
		zeros  = -1
		hashes uint64
		killed bool
	)
	for nonce := job.Nonce; ; nonce++ {
		if hashes%checkEvery == 0 {
			if ctx.Err() != nil {
				killed = true
				break
			}
			if time.Now().After(stop) {
				break
			}
		}
		sum, err := miner.Digest(job.Block, nonce, job.Hash, job.Account)
		if err != nil {
			return miner.Outcome{}, err
		}
		hashes++

		h := hex.EncodeToString(sum)
		if z := int(blockchain.ZeroCount(h)); z > zeros {
			zeros = z
			best = miner.Result{Hash: h, Nonce: nonce}
			if z >= job.Difficulty {
				break
			}
		}
	}

	elapsed := time.Since(start)
	if s.session != nil && elapsed > 0 {
		s.session.SetHashRate(fmt.Sprintf("%.0f H/s", float64(hashes)/elapsed.Seconds()))
	}
	if zeros < 0 {
		return miner.Outcome{Killed: killed, Elapsed: elapsed}, miner.ErrKilled
	}
	return miner.Outcome{Result: best, Killed: killed, Elapsed: elapsed}, nil
}

// advanceBlocks opens a new simulated block every period until ctx is done
func advanceBlocks(ctx context.Context, sim *blockchain.Sim, period time.Duration, logger *zap.Logger) error {
	if period <= 0 {
		period = blockchain.BlockPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			block := sim.Advance(now)
			logger.Debug("simulated block opened", zap.Uint32("block", block))
		}
	}
}
