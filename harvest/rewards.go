package harvest

import (
	"sync"
	"time"

	"github.com/alexandrut83/homestead/blockchain"
)

// defaultReceipts is how many receipts the ledger keeps
const defaultReceipts = 100

// Receipt is one successful harvest submission
type Receipt struct {
	Farmer  string    `json:"farmer"`
	Mode    string    `json:"mode"`
	Blocks  []uint32  `json:"blocks"`
	Rewards []int64   `json:"rewards"`
	Fee     int64     `json:"fee"`
	TxHash  string    `json:"tx_hash,omitempty"`
	Time    time.Time `json:"time"`
}

// Total returns the harvested amount in KALE units
func (r Receipt) Total() float64 {
	var sum int64
	for _, v := range r.Rewards {
		sum += v
	}
	return blockchain.ToUnits(sum)
}

// Ledger keeps the recent receipts and the harvested total per farmer
type Ledger struct {
	mu       sync.RWMutex
	limit    int
	receipts []Receipt
	totals   map[string]int64
}

// NewLedger creates a ledger holding up to limit receipts
func NewLedger(limit int) *Ledger {
	if limit <= 0 {
		limit = defaultReceipts
	}
	return &Ledger{limit: limit, totals: make(map[string]int64)}
}

// Record adds a receipt
func (l *Ledger) Record(r Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range r.Rewards {
		l.totals[r.Farmer] += v
	}
	l.receipts = append(l.receipts, r)
	if over := len(l.receipts) - l.limit; over > 0 {
		l.receipts = append([]Receipt(nil), l.receipts[over:]...)
	}
}

// Harvested returns the total harvested by farmer in stroops
func (l *Ledger) Harvested(farmer string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[farmer]
}

// Recent returns the kept receipts, newest last
func (l *Ledger) Recent() []Receipt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Receipt(nil), l.receipts...)
}
