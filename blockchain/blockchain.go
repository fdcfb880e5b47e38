package blockchain

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultReward is the harvest reward paid by the simulator when none is set
const DefaultReward int64 = 2 * Stroops

// DefaultFee is the fee charged by the simulator per transaction
const DefaultFee int64 = 100

type pailKey struct {
	farmer string
	block  uint32
}

// Sim is an in-memory farm contract. It follows the contract rejections the
// farm cares about and records every submission for inspection.
type Sim struct {
	mu       sync.Mutex
	now      func() time.Time
	block    uint32
	sequence uint32
	blocks   map[uint32]*BlockDetails
	pails    map[pailKey]*Pail
	rewards  map[pailKey]int64
	balances map[string]int64
	failNext map[Op][]error
	calls    map[Op][]Invocation
	fee      int64
}

// NewSim creates a simulator whose current block is start, opened at now
func NewSim(start uint32, now time.Time) *Sim {
	s := &Sim{
		now:      time.Now,
		sequence: 1000,
		blocks:   make(map[uint32]*BlockDetails),
		pails:    make(map[pailKey]*Pail),
		rewards:  make(map[pailKey]int64),
		balances: make(map[string]int64),
		failNext: make(map[Op][]error),
		calls:    make(map[Op][]Invocation),
		fee:      DefaultFee,
	}
	s.open(start, now)
	return s
}

// SetClock replaces the clock used to decide when a plant opens a new block
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Sim) open(block uint32, at time.Time) {
	entropy := make([]byte, 32)
	_, _ = rand.Read(entropy)
	s.block = block
	s.blocks[block] = &BlockDetails{
		Timestamp:     at.Unix(),
		ZeroThreshold: 0,
		Entropy:       base64.StdEncoding.EncodeToString(entropy),
	}
}

// Advance opens the next block at now and returns its index
func (s *Sim) Advance(now time.Time) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open(s.block+1, now)
	return s.block
}

// Block returns the current block index
func (s *Sim) Block() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block
}

// FailNext makes the next submission of op fail with err
func (s *Sim) FailNext(op Op, err error) {
	s.mu.Lock()
	s.failNext[op] = append(s.failNext[op], err)
	s.mu.Unlock()
}

// SetReward sets the reward paid for harvesting farmer at block
func (s *Sim) SetReward(farmer string, block uint32, stroops int64) {
	s.mu.Lock()
	s.rewards[pailKey{farmer, block}] = stroops
	s.mu.Unlock()
}

// SetPail overwrites the pail of farmer at block. A nil pail removes it.
func (s *Sim) SetPail(farmer string, block uint32, p *Pail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pailKey{farmer, block}
	if p == nil {
		delete(s.pails, key)
		return
	}
	cp := *p
	s.pails[key] = &cp
	if _, ok := s.blocks[block]; !ok {
		s.blocks[block] = &BlockDetails{Timestamp: s.now().Unix()}
	}
}

// Calls returns the submissions recorded for op in order
func (s *Sim) Calls(op Op) []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Invocation, len(s.calls[op]))
	copy(out, s.calls[op])
	return out
}

// CurrentBlock implements Client
func (s *Sim) CurrentBlock(ctx context.Context) (FarmIndex, error) {
	if err := ctx.Err(); err != nil {
		return FarmIndex{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return FarmIndex{Block: s.block}, nil
}

// BlockDetails implements Client
func (s *Sim) BlockDetails(ctx context.Context, block uint32) (*BlockDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.blocks[block]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// Pail implements Client
func (s *Sim) Pail(ctx context.Context, farmer string, block uint32) (*Pail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pails[pailKey{farmer, block}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Balances implements Client
func (s *Sim) Balances(ctx context.Context, farmer string) (Balances, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balances{
		AssetCode:  strconv.FormatFloat(ToUnits(s.balances[farmer]), 'f', 7, 64),
		NativeCode: "10000.0000000",
	}, nil
}

// Submit implements Client
func (s *Sim) Submit(ctx context.Context, inv Invocation) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[inv.Op] = append(s.calls[inv.Op], inv)
	if queued := s.failNext[inv.Op]; len(queued) > 0 {
		s.failNext[inv.Op] = queued[1:]
		return nil, queued[0]
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	s.sequence++
	var (
		ret interface{}
		err error
	)
	switch inv.Op {
	case OpPlant:
		err = s.plant(inv)
	case OpWork:
		ret, err = s.work(inv)
	case OpHarvest:
		ret, err = s.harvest(inv.Farmer, inv.Block)
	case OpTractor:
		rewards := make([]int64, 0, len(inv.Blocks))
		for _, b := range inv.Blocks {
			r, herr := s.harvest(inv.Farmer, b)
			if herr != nil {
				r = 0
			}
			rewards = append(rewards, r)
		}
		ret = rewards
	}
	if err != nil {
		if ce, ok := err.(*ContractError); ok {
			ce.Op = inv.Op
			ce.TxHash = s.txHash()
		}
		return nil, err
	}

	raw, _ := json.Marshal(ret)
	return &Response{
		Status:      StatusSuccess,
		TxHash:      s.txHash(),
		FeeCharged:  s.fee,
		ReturnValue: raw,
	}, nil
}

func (s *Sim) txHash() string {
	return strconv.FormatUint(uint64(s.block), 16) + "-" + strconv.FormatUint(uint64(s.sequence), 16)
}

func (s *Sim) plant(inv Invocation) error {
	// The first plant after the block period opens the next block.
	if d := s.blocks[s.block]; d != nil && s.now().Sub(time.Unix(d.Timestamp, 0)) >= BlockPeriod {
		s.open(s.block+1, s.now())
	}
	key := pailKey{inv.Farmer, s.block}
	if _, ok := s.pails[key]; ok {
		return &ContractError{Code: AlreadyHasPail}
	}
	seq := s.sequence
	s.pails[key] = &Pail{Sequence: &seq, Stake: inv.Amount}
	s.blocks[s.block].StakedTotal += inv.Amount
	return nil
}

func (s *Sim) work(inv Invocation) (int64, error) {
	p, ok := s.pails[pailKey{inv.Farmer, s.block}]
	if !ok {
		return 0, &ContractError{Code: PailNotFound}
	}
	zeros := ZeroCount(inv.Hash)
	if p.Zeros != nil && *p.Zeros >= zeros {
		return 0, &ContractError{Code: ZeroCountTooLow}
	}
	p.Zeros = &zeros
	return int64(s.sequence - *p.Sequence), nil
}

func (s *Sim) harvest(farmer string, block uint32) (int64, error) {
	if _, ok := s.blocks[block]; !ok {
		return 0, &ContractError{Code: BlockNotFound}
	}
	if block >= s.block {
		return 0, &ContractError{Code: HarvestNotReady}
	}
	key := pailKey{farmer, block}
	p, ok := s.pails[key]
	if !ok || !p.Ready() {
		return 0, &ContractError{Code: PailNotFound}
	}
	reward, ok := s.rewards[key]
	if !ok {
		reward = DefaultReward
	}
	delete(s.pails, key)
	s.balances[farmer] += reward
	return reward, nil
}

// ZeroCount returns the number of leading zero hex nibbles of a hash
func ZeroCount(hash string) uint32 {
	return uint32(len(hash) - len(strings.TrimLeft(hash, "0")))
}
