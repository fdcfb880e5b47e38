package farm

import (
	"fmt"
	"sync"
)

// Registry holds the farmers in configuration order
type Registry struct {
	mu      sync.RWMutex
	order   []*Farmer
	farmers map[string]*Farmer
}

// NewRegistry creates a registry holding one farmer per account
func NewRegistry(accounts ...Account) (*Registry, error) {
	r := &Registry{farmers: make(map[string]*Farmer)}
	for _, a := range accounts {
		if _, err := r.Add(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a new farmer
func (r *Registry) Add(acct Account) (*Farmer, error) {
	if acct.Address == "" {
		return nil, fmt.Errorf("farmer address is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.farmers[acct.Address]; exists {
		return nil, fmt.Errorf("duplicate farmer %s", acct.Address)
	}
	f := NewFarmer(acct)
	r.farmers[acct.Address] = f
	r.order = append(r.order, f)
	return f, nil
}

// Get returns the farmer with address
func (r *Registry) Get(address string) (*Farmer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.farmers[address]
	return f, ok
}

// All returns the farmers in stable order
func (r *Registry) All() []*Farmer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Farmer, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ResetAll moves every farmer back to PLANTING
func (r *Registry) ResetAll() {
	for _, f := range r.All() {
		f.Reset()
	}
}

// Snapshots returns the projection of every farmer in order
func (r *Registry) Snapshots() []FarmerSnapshot {
	farmers := r.All()
	out := make([]FarmerSnapshot, 0, len(farmers))
	for _, f := range farmers {
		out = append(out, f.Snapshot())
	}
	return out
}
