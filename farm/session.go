package farm

import (
	"sync"
	"time"

	"github.com/alexandrut83/homestead/blockchain"
)

// Session is the process-wide runtime projection. Nothing in the farm reads
// it to make decisions.
type Session struct {
	mu       sync.RWMutex
	start    time.Time
	gpu      bool
	hashRate string
	relay    bool
	credits  int64
}

// NewSession creates a new session started at start
func NewSession(start time.Time, gpu, relay bool) *Session {
	return &Session{start: start, gpu: gpu, relay: relay}
}

func (s *Session) SetHashRate(rate string) {
	s.mu.Lock()
	s.hashRate = rate
	s.mu.Unlock()
}

func (s *Session) HashRate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashRate
}

// SetCredits records the relay credit balance in stroops
func (s *Session) SetCredits(stroops int64) {
	s.mu.Lock()
	s.credits = stroops
	s.mu.Unlock()
}

// SessionSnapshot is the read-only projection of a Session
type SessionSnapshot struct {
	Start    time.Time `json:"start"`
	Uptime   string    `json:"uptime"`
	GPU      bool      `json:"gpu"`
	HashRate string    `json:"hashRate"`
	Relay    bool      `json:"relay"`
	Credits  float64   `json:"credits"`
}

func (s *Session) Snapshot(now time.Time) SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		Start:    s.start,
		Uptime:   now.Sub(s.start).Truncate(time.Second).String(),
		GPU:      s.gpu,
		HashRate: s.hashRate,
		Relay:    s.relay,
		Credits:  blockchain.ToUnits(s.credits),
	}
}
