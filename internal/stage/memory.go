package stage

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/engramd/engram/internal/codec"
	"github.com/engramd/engram/internal/record"
)

// MemoryStore is the in-memory stage store backing the Working tier:
// small, fast, no durability.
type MemoryStore struct {
	cfg     Config
	codec   *codec.Codec
	mu      sync.Mutex
	entries map[string]*record.Record
	repairs atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg Config, c *codec.Codec) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg,
		codec:   c,
		entries: make(map[string]*record.Record),
	}
}

func (s *MemoryStore) Stage() record.Stage { return s.cfg.Stage }

// Put inserts or replaces a record. Inserting into a full store fails
// with record.ErrCapacityFull; replacing an existing ID never does.
func (s *MemoryStore) Put(r *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[r.ID]; !exists && s.cfg.Capacity > 0 && len(s.entries) >= s.cfg.Capacity {
		return fmt.Errorf("%s store at %d records: %w", s.cfg.Stage, s.cfg.Capacity, record.ErrCapacityFull)
	}
	s.entries[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of the record after redundancy verification.
func (s *MemoryStore) Get(id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, record.ErrNotFound)
	}

	repaired, err := s.codec.VerifyRepair(r.Payload, r.Tag)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", id, record.ErrCorrupted)
	}
	if wasRepaired(r.Payload, repaired) {
		// Correctable corruption: keep the repaired bytes.
		r.Payload = repaired
		s.repairs.Add(1)
		log.Printf("stage %s: repaired record %s in place", s.cfg.Stage, id)
	}
	return r.Clone(), nil
}

// Remove deletes and returns the record, or record.ErrNotFound.
func (s *MemoryStore) Remove(id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, record.ErrNotFound)
	}
	delete(s.entries, id)
	return r, nil
}

// Touch updates access metadata for a read event.
func (s *MemoryStore) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, record.ErrNotFound)
	}
	r.Touch()
	return nil
}

// EligibleForPromotion applies the stage thresholds to the record.
func (s *MemoryStore) EligibleForPromotion(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[id]
	if !ok {
		return false
	}
	return s.cfg.eligible(r)
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	n := len(s.entries)
	var stored, original int64
	for _, r := range s.entries {
		stored += int64(len(r.Payload))
		if r.Compressed {
			original += int64(r.OriginalLen)
		} else {
			original += int64(len(r.Payload))
		}
	}
	s.mu.Unlock()

	return Stats{
		Stage:         s.cfg.Stage,
		Len:           n,
		Capacity:      s.cfg.Capacity,
		Repairs:       s.repairs.Load(),
		PayloadBytes:  stored,
		OriginalBytes: original,
	}
}

// Mutate runs fn against the stored record without any verification or
// re-encoding. Maintenance uses it for weight decay; tests use it to
// inject bit errors.
func (s *MemoryStore) Mutate(id string, fn func(r *record.Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entries[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}
