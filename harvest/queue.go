// Package harvest delivers harvest claims for finished blocks, either one
// block at a time or batched per farmer through a tractor contract.
package harvest

import (
	"sort"
	"sync"
	"time"
)

// Request is a queued harvest of one farmer at one block
type Request struct {
	Farmer  string    `json:"farmer"`
	Block   uint32    `json:"block"`
	At      time.Time `json:"at"`
	Retries int       `json:"retries"`
	// Attempts counts the failed submissions so far
	Attempts int `json:"attempts"`
}

type requestKey struct {
	farmer string
	block  uint32
}

func (r Request) key() requestKey {
	return requestKey{r.Farmer, r.Block}
}

// Queue is a time ordered set of requests. Requests with the same time keep
// their insertion order and a (farmer, block) pair is queued at most once.
type Queue struct {
	mu    sync.Mutex
	items []Request
	keys  map[requestKey]struct{}
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{keys: make(map[requestKey]struct{})}
}

// Add inserts r. It returns false when the pair is already queued.
func (q *Queue) Add(r Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := r.key()
	if _, ok := q.keys[k]; ok {
		return false
	}
	q.keys[k] = struct{}{}

	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].At.After(r.At)
	})
	q.items = append(q.items, Request{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
	return true
}

// Len returns the number of queued requests
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the earliest request without removing it
func (q *Queue) Peek() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Request{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the earliest request
func (q *Queue) Pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// PopDue removes and returns the earliest request if it is due at now
func (q *Queue) PopDue(now time.Time) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].At.After(now) {
		return Request{}, false
	}
	return q.pop()
}

func (q *Queue) pop() (Request, bool) {
	if len(q.items) == 0 {
		return Request{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	delete(q.keys, r.key())
	return r, true
}

// Drain removes and returns every request in order
func (q *Queue) Drain() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.keys = make(map[requestKey]struct{})
	return out
}

// Last returns the time of the latest queued request
func (q *Queue) Last() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[len(q.items)-1].At, true
}

// Items returns a copy of the queued requests in order
func (q *Queue) Items() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.items...)
}
