package stage

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/engramd/engram/internal/codec"
	"github.com/engramd/engram/internal/record"
	"github.com/engramd/engram/internal/store"
)

// SQLiteStore is the durable stage store backing the Consolidated and
// Archive tiers. Both share one records table discriminated by the stage
// column; each SQLiteStore only sees rows for its own stage.
type SQLiteStore struct {
	cfg     Config
	codec   *codec.Codec
	db      *store.DB
	mu      sync.Mutex
	repairs atomic.Int64
}

// NewSQLiteStore creates a stage store over an open database.
func NewSQLiteStore(cfg Config, c *codec.Codec, db *store.DB) *SQLiteStore {
	return &SQLiteStore{cfg: cfg, codec: c, db: db}
}

func (s *SQLiteStore) Stage() record.Stage { return s.cfg.Stage }

// Put inserts a record row under this store's stage. The capacity check
// and insert run under the store mutex so the limit is never transiently
// exceeded by concurrent writers.
func (s *SQLiteStore) Put(r *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.db.GetRecord(r.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Stage == s.cfg.Stage {
		// Replace in place: delete and re-insert below.
		if _, err := s.db.DeleteRecord(r.ID); err != nil {
			return err
		}
	} else if s.cfg.Capacity > 0 {
		count, err := s.db.CountStage(s.cfg.Stage)
		if err != nil {
			return err
		}
		if count >= s.cfg.Capacity {
			return fmt.Errorf("%s store at %d records: %w", s.cfg.Stage, s.cfg.Capacity, record.ErrCapacityFull)
		}
	}

	cp := r.Clone()
	cp.Stage = s.cfg.Stage
	return s.db.InsertRecord(cp)
}

// Get returns the record after redundancy verification. Correctable
// corruption is repaired and written back; unrecoverable corruption
// returns record.ErrCorrupted.
func (s *SQLiteStore) Get(id string) (*record.Record, error) {
	r, err := s.getOwn(id)
	if err != nil {
		return nil, err
	}

	repaired, err := s.codec.VerifyRepair(r.Payload, r.Tag)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", id, record.ErrCorrupted)
	}
	if wasRepaired(r.Payload, repaired) {
		r.Payload = repaired
		if err := s.db.UpdateRecordPayload(id, repaired, r.Tag); err != nil {
			log.Printf("stage %s: write back repaired record %s: %v", s.cfg.Stage, id, err)
		}
		s.repairs.Add(1)
		log.Printf("stage %s: repaired record %s in place", s.cfg.Stage, id)
	}
	return r, nil
}

// Remove deletes and returns the record, or record.ErrNotFound. The
// removed record skips verification: moves carry the payload and tag
// together, so the destination's next Get still catches corruption.
func (s *SQLiteStore) Remove(id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getOwnLocked(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.DeleteRecord(id); err != nil {
		return nil, err
	}
	return r, nil
}

// Touch updates access metadata for a read event.
func (s *SQLiteStore) Touch(id string) error {
	if _, err := s.getOwn(id); err != nil {
		return err
	}
	return s.db.TouchRecord(id)
}

// EligibleForPromotion applies the stage thresholds to the record.
func (s *SQLiteStore) EligibleForPromotion(id string) bool {
	r, err := s.getOwn(id)
	if err != nil {
		return false
	}
	return s.cfg.eligible(r)
}

func (s *SQLiteStore) Len() int {
	count, err := s.db.CountStage(s.cfg.Stage)
	if err != nil {
		log.Printf("stage %s: count: %v", s.cfg.Stage, err)
		return 0
	}
	return count
}

func (s *SQLiteStore) IDs() []string {
	ids, err := s.db.StageIDs(s.cfg.Stage)
	if err != nil {
		log.Printf("stage %s: list ids: %v", s.cfg.Stage, err)
		return nil
	}
	return ids
}

func (s *SQLiteStore) Stats() Stats {
	stored, original, err := s.db.StageSizes(s.cfg.Stage)
	if err != nil {
		log.Printf("stage %s: sizes: %v", s.cfg.Stage, err)
	}
	return Stats{
		Stage:         s.cfg.Stage,
		Len:           s.Len(),
		Capacity:      s.cfg.Capacity,
		Repairs:       s.repairs.Load(),
		PayloadBytes:  stored,
		OriginalBytes: original,
	}
}

// Index returns (id, owner) pairs for rebuilding the cache index after
// a restart.
func (s *SQLiteStore) Index() ([]store.IndexEntry, error) {
	return s.db.StageIndex(s.cfg.Stage)
}

func (s *SQLiteStore) getOwn(id string) (*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOwnLocked(id)
}

// getOwnLocked fetches a record and filters out rows belonging to the
// other durable stage.
func (s *SQLiteStore) getOwnLocked(id string) (*record.Record, error) {
	r, err := s.db.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if r == nil || r.Stage != s.cfg.Stage {
		return nil, fmt.Errorf("%s: %w", id, record.ErrNotFound)
	}
	return r, nil
}
