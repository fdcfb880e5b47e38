package farm

import (
	"sync"
	"time"

	"github.com/alexandrut83/homestead/blockchain"
)

// Status is the phase a farmer is in for the current block
type Status string

const (
	StatusPlanting Status = "PLANTING"
	StatusWorking  Status = "WORKING"
	StatusIdle     Status = "IDLE"
)

// Phase names an operation subject to backoff
type Phase string

const (
	PhasePlant   Phase = "plant"
	PhaseWork    Phase = "work"
	PhaseHarvest Phase = "harvest"
	PhaseStatus  Phase = "status"
	PhaseMine    Phase = "mine"
)

// Account is the static configuration of a farmer
type Account struct {
	Address     string
	Stake       int64
	Difficulty  int
	MinWorkTime time.Duration
	HarvestOnly bool
}

// Work is the current proof-of-work attempt of a farmer
type Work struct {
	Hash       string `json:"hash"`
	Nonce      uint64 `json:"nonce"`
	Difficulty int    `json:"difficulty"`
	Block      uint32 `json:"block"`
}

// Farmer is the per-account state. All methods are safe for concurrent use;
// the poll loop and the harvest scheduler both write to it.
type Farmer struct {
	mu        sync.Mutex
	account   Account
	status    Status
	work      *Work
	stats     Stats
	balances  blockchain.Balances
	backoff   map[Phase]time.Time
	lastError string
}

// NewFarmer creates a new farmer in PLANTING
func NewFarmer(acct Account) *Farmer {
	return &Farmer{
		account: acct,
		status:  StatusPlanting,
		backoff: make(map[Phase]time.Time),
	}
}

func (f *Farmer) Address() string {
	return f.account.Address
}

func (f *Farmer) Account() Account {
	return f.account
}

func (f *Farmer) HarvestOnly() bool {
	return f.account.HarvestOnly
}

// Reset prepares the farmer for a new block
func (f *Farmer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = StatusPlanting
	f.work = nil
}

func (f *Farmer) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Farmer) SetStatus(s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

// Work returns a copy of the current attempt, or nil
func (f *Farmer) Work() *Work {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.work == nil {
		return nil
	}
	w := *f.work
	return &w
}

func (f *Farmer) SetWork(w Work) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work = &w
}

func (f *Farmer) ClearWork() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work = nil
}

// Harvested reports whether the last recorded harvest was at block or later
func (f *Farmer) Harvested(block uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats.LastBlock >= block
}

// Backoff skips phase until the given time
func (f *Farmer) Backoff(phase Phase, until time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backoff[phase] = until
}

// BackedOff reports whether phase is still in backoff at now
func (f *Farmer) BackedOff(phase Phase, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Before(f.backoff[phase])
}

// Fail records the last error of a phase and backs the phase off
func (f *Farmer) Fail(phase Phase, err error, until time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastError = string(phase) + ": " + blockchain.Describe(err)
	if !until.IsZero() {
		f.backoff[phase] = until
	}
}

// RecordPlant accounts a successful plant of stake stroops
func (f *Farmer) RecordPlant(block uint32, stake, fee int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.addFee(fee)
	f.stats.Stakes.Observe(blockchain.ToUnits(stake))
	f.stats.StakeBlock = block
}

// RecordMined accounts a produced work result before submission
func (f *Farmer) RecordMined(block uint32, submitAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.WorkTime = submitAt
	f.stats.WorkBlock = block
}

// RecordWork accounts an accepted work submission
func (f *Farmer) RecordWork(gap int64, difficulty int, fee int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.addFee(fee)
	f.stats.Gaps.Observe(float64(gap))
	f.stats.Difficulties.Observe(float64(difficulty))
}

// RecordHarvest accounts a harvested block reward in stroops
func (f *Farmer) RecordHarvest(block uint32, reward, fee int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.addFee(fee)
	f.stats.Amounts.Observe(blockchain.ToUnits(reward))
	f.stats.LastBlock = block
}

// RecordTractor accounts a batched harvest. Zero rewards are not counted as
// harvests but the total still includes every entry.
func (f *Farmer) RecordTractor(blocks []uint32, rewards []int64, fee int64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.addFee(fee)
	var total float64
	for _, r := range rewards {
		if r > 0 {
			v := blockchain.ToUnits(r)
			total += v
			f.stats.Amounts.Observe(v)
		}
	}
	if len(blocks) > 0 {
		f.stats.LastBlock = blocks[len(blocks)-1]
	}
	return total
}

func (f *Farmer) SetBalances(b blockchain.Balances) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = b
}

// Stats returns a copy of the accumulated statistics
func (f *Farmer) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// FarmerSnapshot is the read-only projection of a farmer
type FarmerSnapshot struct {
	Address     string              `json:"address"`
	Status      Status              `json:"status"`
	HarvestOnly bool                `json:"harvestOnly"`
	Stake       int64               `json:"stake"`
	Difficulty  int                 `json:"difficulty"`
	MinWorkTime time.Duration       `json:"minWorkTime"`
	Work        *Work               `json:"work,omitempty"`
	Stats       Stats               `json:"stats"`
	Balances    blockchain.Balances `json:"balances,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
}

// Snapshot returns the projection of the farmer without its credentials
func (f *Farmer) Snapshot() FarmerSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := FarmerSnapshot{
		Address:     f.account.Address,
		Status:      f.status,
		HarvestOnly: f.account.HarvestOnly,
		Stake:       f.account.Stake,
		Difficulty:  f.account.Difficulty,
		MinWorkTime: f.account.MinWorkTime,
		Stats:       f.stats,
		LastError:   f.lastError,
	}
	if f.work != nil {
		w := *f.work
		s.Work = &w
	}
	if f.balances != nil {
		s.Balances = make(blockchain.Balances, len(f.balances))
		for k, v := range f.balances {
			s.Balances[k] = v
		}
	}
	return s
}
