package harvest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/metrics"
)

// countdownLog is the minimum spacing of the next-flush countdown log
const countdownLog = time.Minute

type batch struct {
	farmer   string
	requests []Request
}

// group splits the drained queue per farmer, keeping first-seen order
func group(reqs []Request) []batch {
	var out []batch
	index := make(map[string]int)
	for _, r := range reqs {
		i, ok := index[r.Farmer]
		if !ok {
			i = len(out)
			index[r.Farmer] = i
			out = append(out, batch{farmer: r.Farmer})
		}
		out[i].requests = append(out[i].requests, r)
	}
	return out
}

// flushTractor must be called with s.mu held
func (s *Scheduler) flushTractor(ctx context.Context, force bool) error {
	now := s.now()
	freq := s.cfg.Tractor.Frequency
	since := now.Sub(s.lastFlush)
	if !force && since < freq {
		if now.Sub(s.lastLog) >= countdownLog {
			s.logger.Info("tractor next harvest",
				zap.Duration("in", (freq - since).Truncate(time.Second)),
				zap.Int("queued", s.queue.Len()))
			s.lastLog = now
		}
		return nil
	}
	s.lastFlush = now

	batches := group(s.queue.Drain())
	s.metrics.Queue(0)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			// Put the untouched batches back for the next flush.
			for _, r := range b.requests {
				s.enqueue(r)
			}
			continue
		}
		s.tractor(ctx, b)
	}
	return ctx.Err()
}

func (s *Scheduler) tractor(ctx context.Context, b batch) {
	f, ok := s.registry.Get(b.farmer)
	if !ok {
		s.logger.Warn("tractor batch for unknown farmer dropped", zap.String("farmer", b.farmer))
		return
	}

	var ready []Request
	for _, r := range b.requests {
		pail, err := s.client.Pail(ctx, r.Farmer, r.Block)
		if err != nil {
			s.logger.Warn("pail unavailable, block kept for the next flush",
				zap.String("farmer", r.Farmer),
				zap.Uint32("block", r.Block),
				zap.String("error", blockchain.Describe(err)))
			s.enqueue(r)
			continue
		}
		if !pail.Ready() {
			s.metrics.Harvest(metrics.ModeTractor, metrics.ResultSkipped, 0)
			continue
		}
		ready = append(ready, r)
	}
	if len(ready) == 0 {
		return
	}

	blocks := make([]uint32, len(ready))
	for i, r := range ready {
		blocks[i] = r.Block
	}

	resp, err := s.client.Submit(ctx, blockchain.Invocation{
		Op:       blockchain.OpTractor,
		Farmer:   f.Address(),
		Blocks:   blocks,
		Contract: s.cfg.Tractor.Contract,
	})
	if err != nil {
		s.tractorFailed(f.Address(), ready, blocks, err)
		return
	}
	delete(s.tractorRetries, f.Address())
	s.recordTractor(ctx, f, blocks, resp)
}

// recordTractor accounts a submitted batch. Rewards that cannot be decoded
// are recorded as zero so the fee and blocks are still kept.
func (s *Scheduler) recordTractor(ctx context.Context, f *farm.Farmer, blocks []uint32, resp *blockchain.Response) {
	rewards, err := resp.Ints()
	if err != nil {
		s.logger.Warn("tractor rewards not decodable", zap.String("farmer", f.Address()), zap.Error(err))
		rewards = make([]int64, len(blocks))
	}
	total := f.RecordTractor(blocks, rewards, resp.FeeCharged)
	s.ledger.Record(Receipt{
		Farmer:  f.Address(),
		Mode:    metrics.ModeTractor,
		Blocks:  blocks,
		Rewards: rewards,
		Fee:     resp.FeeCharged,
		TxHash:  resp.TxHash,
		Time:    s.now(),
	})
	s.metrics.Harvest(metrics.ModeTractor, metrics.ResultSuccess, total)
	s.logger.Info("farmer harvested blocks",
		zap.String("farmer", f.Address()),
		zap.Any("blocks", blocks),
		zap.Float64("amount", total),
		zap.String("tx", resp.TxHash))
	s.refreshBalances(ctx, f)
}

// tractorFailed requeues the batch while the farmer has retries left and
// pulls the next flush forward to the retry interval.
func (s *Scheduler) tractorFailed(farmer string, ready []Request, blocks []uint32, err error) {
	s.metrics.Harvest(metrics.ModeTractor, metrics.ResultFailure, 0)

	left, ok := s.tractorRetries[farmer]
	if !ok {
		left = s.cfg.Tractor.Retries
	}
	s.logger.Error("farmer could not harvest blocks",
		zap.String("farmer", farmer),
		zap.Any("blocks", blocks),
		zap.String("phase", string(farm.PhaseHarvest)),
		zap.String("kind", blockchain.KindOf(err).String()),
		zap.String("error", blockchain.Describe(err)),
		zap.Int("retries", left))

	if left > 0 {
		s.tractorRetries[farmer] = left - 1
		now := s.now()
		for _, r := range ready {
			r.Attempts++
			r.At = now
			s.enqueue(r)
		}
		if next := now.Add(s.cfg.Tractor.RetryInterval); next.Before(s.lastFlush.Add(s.cfg.Tractor.Frequency)) {
			s.lastFlush = next.Add(-s.cfg.Tractor.Frequency)
		}
		return
	}

	delete(s.tractorRetries, farmer)
	for _, r := range ready {
		s.deadLetter(metrics.ModeTractor, farmer, r.Block, r.Attempts+1, err)
	}
}
