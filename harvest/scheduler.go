package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/farm"
	"github.com/alexandrut83/homestead/metrics"
)

const (
	// DefaultRetryInterval is the delay before a failed harvest is retried
	DefaultRetryInterval = 10 * time.Second

	// DefaultTick is how often due requests are processed
	DefaultTick = time.Second
)

// ErrNotReady is returned by HarvestNow when the pail cannot be harvested
var ErrNotReady = errors.New("pail is not ready for harvest")

// TractorConfig enables batched harvests through a tractor contract
type TractorConfig struct {
	Contract      string
	Frequency     time.Duration
	Retries       int
	RetryInterval time.Duration
}

// Config configures the scheduler
type Config struct {
	Retries       int
	RetryInterval time.Duration
	Tick          time.Duration
	Tractor       TractorConfig
	Now           func() time.Time
}

// Scheduler owns the harvest queue and submits due harvests independent of
// the farm poll loop.
type Scheduler struct {
	cfg      Config
	client   blockchain.Client
	registry *farm.Registry
	queue    *Queue
	dead     DeadLetters
	ledger   *Ledger
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error

	// mu serializes submissions and guards the tractor state
	mu             sync.Mutex
	lastFlush      time.Time
	lastLog        time.Time
	tractorRetries map[string]int
}

// NewScheduler creates a new scheduler. A nil dead letter store keeps
// abandoned harvests in memory.
func NewScheduler(cfg Config, client blockchain.Client, registry *farm.Registry, dead DeadLetters, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Tractor.RetryInterval <= 0 {
		cfg.Tractor.RetryInterval = DefaultRetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if dead == nil {
		dead = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:            cfg,
		client:         client,
		registry:       registry,
		queue:          NewQueue(),
		dead:           dead,
		ledger:         NewLedger(0),
		logger:         logger.Named("harvest"),
		metrics:        m,
		now:            cfg.Now,
		wait:           sleep,
		tractorRetries: make(map[string]int),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tractor reports whether batched harvests are enabled
func (s *Scheduler) Tractor() bool {
	return s.cfg.Tractor.Contract != ""
}

func (s *Scheduler) mode() string {
	if s.Tractor() {
		return metrics.ModeTractor
	}
	return metrics.ModeDirect
}

// Add queues a harvest of farmer at block due at the given time
func (s *Scheduler) Add(farmer string, block uint32, at time.Time) bool {
	ok := s.enqueue(Request{Farmer: farmer, Block: block, At: at, Retries: s.cfg.Retries})
	if ok {
		s.logger.Debug("harvest queued",
			zap.String("farmer", farmer),
			zap.Uint32("block", block),
			zap.Time("at", at))
	}
	return ok
}

func (s *Scheduler) enqueue(r Request) bool {
	ok := s.queue.Add(r)
	s.metrics.Queue(s.queue.Len())
	return ok
}

// Len returns the number of queued harvests
func (s *Scheduler) Len() int {
	return s.queue.Len()
}

// Pending returns a copy of the queued harvests
func (s *Scheduler) Pending() []Request {
	return s.queue.Items()
}

// Ledger returns the receipts of successful harvests
func (s *Scheduler) Ledger() *Ledger {
	return s.ledger
}

// DeadLetters returns the abandoned harvests
func (s *Scheduler) DeadLetters() ([]Letter, error) {
	return s.dead.List()
}

// Backfill queues every farmer for each block of the range, due now
func (s *Scheduler) Backfill(expr string, current uint32) (int, error) {
	r, err := ParseRange(expr)
	if err != nil {
		return 0, err
	}
	blocks := r.Blocks(current)
	now := s.now()
	var n int
	for _, f := range s.registry.All() {
		for _, b := range blocks {
			s.logger.Info("farmer checking block for harvest",
				zap.String("farmer", f.Address()),
				zap.Uint32("block", b))
			if s.Add(f.Address(), b, now) {
				n++
			}
		}
	}
	return n, nil
}

// Replay moves the dead letters back into the queue, due now
func (s *Scheduler) Replay() (int, error) {
	letters, err := s.dead.List()
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	now := s.now()
	var n int
	for _, l := range letters {
		if _, ok := s.registry.Get(l.Farmer); !ok {
			s.logger.Warn("dead letter for unknown farmer kept", zap.String("farmer", l.Farmer), zap.Uint32("block", l.Block))
			continue
		}
		if s.Add(l.Farmer, l.Block, now) {
			n++
		}
		if err := s.dead.Remove(l.Farmer, l.Block); err != nil {
			return n, fmt.Errorf("remove dead letter: %w", err)
		}
	}
	if n > 0 {
		s.logger.Info("dead letters replayed", zap.Int("requests", n))
	}
	return n, nil
}

// Run processes due harvests every tick until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("harvest scheduler started",
		zap.String("mode", s.mode()),
		zap.Duration("tick", s.cfg.Tick))

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("harvest scheduler stopped", zap.Int("queued", s.queue.Len()))
			return ctx.Err()
		case <-ticker.C:
			s.ProcessDue(ctx)
		}
	}
}

// ProcessDue harvests every request that is due. In tractor mode it runs a
// gated flush instead.
func (s *Scheduler) ProcessDue(ctx context.Context) {
	if s.Tractor() {
		if err := s.Flush(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Warn("tractor flush failed", zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ctx.Err() == nil {
		r, ok := s.queue.PopDue(s.now())
		if !ok {
			return
		}
		s.harvest(ctx, r)
	}
}

// Flush submits the queue. In direct mode it waits for each request queued
// when the flush started to fall due. In tractor mode the flush is gated by
// the tractor frequency unless force is set.
func (s *Scheduler) Flush(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Tractor() {
		return s.flushTractor(ctx, force)
	}

	deadline, ok := s.queue.Last()
	if !ok {
		return nil
	}
	for {
		next, ok := s.queue.Peek()
		if !ok || next.At.After(deadline) {
			return nil
		}
		if d := next.At.Sub(s.now()); d > 0 {
			if err := s.wait(ctx, d); err != nil {
				return err
			}
		}
		r, ok := s.queue.Pop()
		if !ok {
			return nil
		}
		s.harvest(ctx, r)
	}
}

// HarvestNow submits one harvest immediately, bypassing the queue and retries
func (s *Scheduler) HarvestNow(ctx context.Context, farmer string, block uint32) (Receipt, error) {
	f, ok := s.registry.Get(farmer)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", blockchain.ErrUnknownFarmer, farmer)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submit(ctx, f, block)
}

func (s *Scheduler) submit(ctx context.Context, f *farm.Farmer, block uint32) (Receipt, error) {
	pail, err := s.client.Pail(ctx, f.Address(), block)
	if err != nil {
		return Receipt{}, fmt.Errorf("pail: %w", err)
	}
	if !pail.Ready() {
		return Receipt{}, ErrNotReady
	}
	resp, err := s.client.Submit(ctx, blockchain.Invocation{
		Op:     blockchain.OpHarvest,
		Farmer: f.Address(),
		Block:  block,
	})
	if err != nil {
		return Receipt{}, err
	}
	reward, err := resp.Int()
	if err != nil {
		s.logger.Warn("harvest reward not decodable", zap.String("farmer", f.Address()), zap.Error(err))
	}

	f.RecordHarvest(block, reward, resp.FeeCharged)
	receipt := Receipt{
		Farmer:  f.Address(),
		Mode:    metrics.ModeDirect,
		Blocks:  []uint32{block},
		Rewards: []int64{reward},
		Fee:     resp.FeeCharged,
		TxHash:  resp.TxHash,
		Time:    s.now(),
	}
	s.ledger.Record(receipt)
	s.metrics.Harvest(metrics.ModeDirect, metrics.ResultSuccess, receipt.Total())
	s.logger.Info("farmer harvested block",
		zap.String("farmer", f.Address()),
		zap.Uint32("block", block),
		zap.Float64("amount", receipt.Total()),
		zap.String("tx", resp.TxHash))
	s.refreshBalances(ctx, f)
	return receipt, nil
}

func (s *Scheduler) harvest(ctx context.Context, r Request) {
	defer s.metrics.Queue(s.queue.Len())

	f, ok := s.registry.Get(r.Farmer)
	if !ok {
		s.logger.Warn("harvest for unknown farmer dropped", zap.String("farmer", r.Farmer), zap.Uint32("block", r.Block))
		return
	}
	_, err := s.submit(ctx, f, r.Block)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotReady):
		s.metrics.Harvest(metrics.ModeDirect, metrics.ResultSkipped, 0)
		s.logger.Debug("farmer has nothing to harvest",
			zap.String("farmer", r.Farmer),
			zap.Uint32("block", r.Block))
	default:
		s.retry(r, err)
	}
}

func (s *Scheduler) retry(r Request, err error) {
	s.metrics.Harvest(metrics.ModeDirect, metrics.ResultFailure, 0)
	r.Attempts++
	s.logger.Error("farmer could not harvest block",
		zap.String("farmer", r.Farmer),
		zap.Uint32("block", r.Block),
		zap.String("phase", string(farm.PhaseHarvest)),
		zap.String("kind", blockchain.KindOf(err).String()),
		zap.String("error", blockchain.Describe(err)),
		zap.Int("retries", r.Retries))

	if r.Retries > 0 {
		r.Retries--
		r.At = s.now().Add(s.cfg.RetryInterval)
		s.enqueue(r)
		return
	}
	s.deadLetter(metrics.ModeDirect, r.Farmer, r.Block, r.Attempts, err)
}

func (s *Scheduler) deadLetter(mode, farmer string, block uint32, attempts int, cause error) {
	s.metrics.DeadLetter(mode)
	l := Letter{
		Farmer:    farmer,
		Block:     block,
		Attempts:  attempts,
		LastError: blockchain.Describe(cause),
		Time:      s.now(),
		Mode:      mode,
	}
	if err := s.dead.Put(l); err != nil {
		s.logger.Error("dead letter not stored",
			zap.String("farmer", farmer),
			zap.Uint32("block", block),
			zap.Error(err))
		return
	}
	s.logger.Warn("harvest abandoned",
		zap.String("farmer", farmer),
		zap.Uint32("block", block),
		zap.Int("attempts", attempts),
		zap.String("mode", mode))
}

func (s *Scheduler) refreshBalances(ctx context.Context, f *farm.Farmer) {
	b, err := s.client.Balances(ctx, f.Address())
	if err != nil {
		s.logger.Debug("balances unavailable", zap.String("farmer", f.Address()), zap.Error(err))
		return
	}
	f.SetBalances(b)
}
