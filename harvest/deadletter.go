package harvest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketLetters = []byte("dead_letters")

// Letter is a harvest abandoned after its retries ran out
type Letter struct {
	Farmer    string    `json:"farmer"`
	Block     uint32    `json:"block"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Time      time.Time `json:"time"`
	Mode      string    `json:"mode"`
}

func letterKey(farmer string, block uint32) []byte {
	return []byte(fmt.Sprintf("%s/%010d", farmer, block))
}

// DeadLetters records abandoned harvests
type DeadLetters interface {
	Put(l Letter) error
	List() ([]Letter, error)
	Remove(farmer string, block uint32) error
}

// BoltStore is a bbolt backed DeadLetters
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenBoltStore opens (or creates) the dead letter database at path
func OpenBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dead letters: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLetters)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create dead letter bucket: %w", err)
	}
	s := &BoltStore{db: db, logger: logger.Named("deadletters")}
	if n, err := s.count(); err == nil && n > 0 {
		s.logger.Info("dead letters loaded", zap.Int("letters", n), zap.String("path", path))
	}
	return s, nil
}

func (s *BoltStore) count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketLetters).Stats().KeyN
		return nil
	})
	return n, err
}

// Put stores l, replacing an earlier letter for the same pair
func (s *BoltStore) Put(l Letter) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLetters).Put(letterKey(l.Farmer, l.Block), data)
	})
	if err != nil {
		return fmt.Errorf("persist dead letter: %w", err)
	}
	return nil
}

// List returns every stored letter ordered by farmer and block
func (s *BoltStore) List() ([]Letter, error) {
	var out []Letter
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLetters).ForEach(func(k, v []byte) error {
			var l Letter
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("decode dead letter %s: %w", k, err)
			}
			out = append(out, l)
			return nil
		})
	})
	return out, err
}

// Remove deletes the letter of a pair. Missing letters are not an error.
func (s *BoltStore) Remove(farmer string, block uint32) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLetters).Delete(letterKey(farmer, block))
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps dead letters in memory. It is used when no database path
// is configured.
type MemoryStore struct {
	mu      sync.Mutex
	letters map[requestKey]Letter
	order   []requestKey
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{letters: make(map[requestKey]Letter)}
}

func (s *MemoryStore) Put(l Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := requestKey{l.Farmer, l.Block}
	if _, ok := s.letters[k]; !ok {
		s.order = append(s.order, k)
	}
	s.letters[k] = l
	return nil
}

func (s *MemoryStore) List() ([]Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Letter, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.letters[k])
	}
	return out, nil
}

func (s *MemoryStore) Remove(farmer string, block uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := requestKey{farmer, block}
	if _, ok := s.letters[k]; !ok {
		return nil
	}
	delete(s.letters, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
