package farm

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/miner"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CurrentBlock(ctx context.Context) (blockchain.FarmIndex, error) {
	args := m.Called(ctx)
	return args.Get(0).(blockchain.FarmIndex), args.Error(1)
}

func (m *mockClient) BlockDetails(ctx context.Context, block uint32) (*blockchain.BlockDetails, error) {
	args := m.Called(ctx, block)
	d, _ := args.Get(0).(*blockchain.BlockDetails)
	return d, args.Error(1)
}

func (m *mockClient) Pail(ctx context.Context, farmer string, block uint32) (*blockchain.Pail, error) {
	args := m.Called(ctx, farmer, block)
	p, _ := args.Get(0).(*blockchain.Pail)
	return p, args.Error(1)
}

func (m *mockClient) Submit(ctx context.Context, inv blockchain.Invocation) (*blockchain.Response, error) {
	args := m.Called(ctx, inv)
	r, _ := args.Get(0).(*blockchain.Response)
	return r, args.Error(1)
}

func (m *mockClient) Balances(ctx context.Context, farmer string) (blockchain.Balances, error) {
	args := m.Called(ctx, farmer)
	b, _ := args.Get(0).(blockchain.Balances)
	return b, args.Error(1)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedSearcher returns queued outcomes and records jobs and deadlines
type scriptedSearcher struct {
	mu        sync.Mutex
	outcomes  []searchResult
	jobs      []miner.Job
	deadlines []time.Duration
}

type searchResult struct {
	out miner.Outcome
	err error
}

func (s *scriptedSearcher) push(out miner.Outcome, err error) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, searchResult{out, err})
	s.mu.Unlock()
}

func (s *scriptedSearcher) Run(ctx context.Context, job miner.Job) (miner.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	var d time.Duration
	if dl, ok := ctx.Deadline(); ok {
		d = time.Until(dl)
	}
	s.deadlines = append(s.deadlines, d)
	if len(s.outcomes) == 0 {
		return miner.Outcome{}, miner.ErrNoResult
	}
	r := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return r.out, r.err
}

func (s *scriptedSearcher) Jobs() []miner.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]miner.Job(nil), s.jobs...)
}

func u32(v uint32) *uint32 { return &v }

func ctx() context.Context { return context.Background() }
