// Package cache is the per-owner ("personality") layer above the stage
// stores. It owns the authoritative index of record locations, routes
// reads and writes to the right stage, and applies LRU eviction to each
// owner's Working-stage residency.
package cache

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/engramd/engram/internal/record"
	"github.com/engramd/engram/internal/stage"
)

// Config holds cache-level tunables.
type Config struct {
	// PartitionCapacity caps how many Working-stage records one owner may
	// hold in the cache at a time.
	PartitionCapacity int
}

// location pins a record to its owner and current stage. The cache and
// the stage stores must never disagree about where a record lives; all
// location changes go through the cache.
type location struct {
	owner string
	stage record.Stage
}

// Cache routes operations across the three stage stores.
type Cache struct {
	cfg    Config
	stores map[record.Stage]stage.Store

	mu         sync.RWMutex
	partitions map[string]*partition
	index      map[string]location

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	corruptions atomic.Int64

	// promote is invoked with a record ID when a read finds it
	// promotion-eligible. The read returns immediately; the controller
	// schedules the actual move.
	promote func(id string)

	// spill receives records evicted by cache pressure and reports the
	// stage they landed in, if any. Nil means evicted records are dropped.
	spill func(r *record.Record) (record.Stage, bool)

	// transform runs against the record copy entering a move's destination
	// stage, before the destination store sees it. An error aborts and
	// rolls back the move.
	transform func(r *record.Record, to record.Stage) error
}

// New creates a Cache over the three stage stores.
func New(cfg Config, working, consolidated, archive stage.Store) *Cache {
	return &Cache{
		cfg: cfg,
		stores: map[record.Stage]stage.Store{
			record.StageWorking:      working,
			record.StageConsolidated: consolidated,
			record.StageArchive:      archive,
		},
		partitions: make(map[string]*partition),
		index:      make(map[string]location),
	}
}

// OnPromotionEligible registers the controller's promotion signal.
func (c *Cache) OnPromotionEligible(fn func(id string)) { c.promote = fn }

// OnEvict registers the controller's eviction spill handler.
func (c *Cache) OnEvict(fn func(r *record.Record) (record.Stage, bool)) { c.spill = fn }

// OnMove registers the controller's stage-transition transform.
func (c *Cache) OnMove(fn func(r *record.Record, to record.Stage) error) { c.transform = fn }

// Write places a Working-stage record into the owner's partition,
// evicting least-recently-used Working records first when either the
// partition or the Working store is at capacity. The partition lock is
// held for the whole evict-then-insert sequence so capacity limits are
// never transiently exceeded.
func (c *Cache) Write(owner string, r *record.Record) error {
	if r.Stage != record.StageWorking {
		return fmt.Errorf("write of %s-stage record %s", r.Stage, r.ID)
	}

	p := c.partition(owner)
	p.mu.Lock()
	defer p.mu.Unlock()

	for c.cfg.PartitionCapacity > 0 && p.len() >= c.cfg.PartitionCapacity {
		if !c.evictOneLocked(p) {
			return fmt.Errorf("partition %q has no eviction candidate: %w", owner, record.ErrCapacityFull)
		}
	}

	working := c.stores[record.StageWorking]
	for {
		err := working.Put(r)
		if err == nil {
			break
		}
		if !isCapacityFull(err) {
			return err
		}
		if !c.evictOneLocked(p) {
			// The store is full of other owners' records; owner-local
			// eviction cannot help, so surface the pressure.
			return fmt.Errorf("working store full: %w", err)
		}
	}

	p.pushFront(r.ID)
	c.setLocation(r.ID, location{owner: owner, stage: record.StageWorking})
	return nil
}

// Read returns the record by owner and ID, wherever it lives. It updates
// access metadata, refreshes the LRU position for Working records, and
// signals the controller when the record crosses its stage's promotion
// threshold. A record failing redundancy verification beyond repair is
// removed from its stage and reported as record.ErrCorrupted.
func (c *Cache) Read(owner, id string) (*record.Record, error) {
	loc, ok := c.locate(id)
	if !ok || loc.owner != owner {
		c.misses.Add(1)
		return nil, fmt.Errorf("%s/%s: %w", owner, id, record.ErrNotFound)
	}

	st := c.stores[loc.stage]
	r, err := st.Get(id)
	if err != nil {
		if isCorrupted(err) {
			c.purgeCorrupted(owner, id, loc.stage)
			return nil, err
		}
		// Index said the record was here but the store disagrees; heal
		// the index and report a miss.
		log.Printf("cache: index out of sync for %s (stage %s): %v", id, loc.stage, err)
		c.dropLocation(owner, id, loc.stage)
		c.misses.Add(1)
		return nil, fmt.Errorf("%s/%s: %w", owner, id, record.ErrNotFound)
	}

	if err := st.Touch(id); err != nil {
		log.Printf("cache: touch %s: %v", id, err)
	}
	r.Touch()
	c.hits.Add(1)

	if loc.stage == record.StageWorking {
		p := c.partition(owner)
		p.mu.Lock()
		p.moveToFront(id)
		p.mu.Unlock()
	}

	if c.promote != nil && st.EligibleForPromotion(id) {
		c.promote(id)
	}
	return r, nil
}

// Remove takes the record out of its stage and the index, returning it.
// Used for explicit deletes and as the first leg of a stage move.
func (c *Cache) Remove(owner, id string) (*record.Record, error) {
	loc, ok := c.locate(id)
	if !ok || loc.owner != owner {
		return nil, fmt.Errorf("%s/%s: %w", owner, id, record.ErrNotFound)
	}

	r, err := c.stores[loc.stage].Remove(id)
	if err != nil {
		return nil, err
	}
	c.dropLocation(owner, id, loc.stage)
	return r, nil
}

// Evict drains the owner's Working-stage residency, least recently used
// first, and returns the evicted IDs in order. Re-invoking after new
// writes restarts the sequence.
func (c *Cache) Evict(owner string) []string {
	p := c.partition(owner)
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for {
		id, ok := p.tail()
		if !ok {
			return ids
		}
		if !c.evictOneLocked(p) {
			return ids
		}
		ids = append(ids, id)
	}
}

// Move relocates a record between stages as one logical operation:
// remove from the source store, insert into the destination, update the
// index; any failure rolls the record back into its source. The second
// of two concurrent move attempts observes the first's completed state
// and reports moved=false.
func (c *Cache) Move(id string, from, to record.Stage) (bool, error) {
	loc, ok := c.locate(id)
	if !ok {
		return false, fmt.Errorf("%s: %w", id, record.ErrNotFound)
	}
	if loc.stage != from {
		// Already moved; idempotent no-op.
		return false, nil
	}

	src, dst := c.stores[from], c.stores[to]
	r, err := src.Remove(id)
	if err != nil {
		return false, err
	}

	moved := r.Clone()
	moved.Stage = to
	if c.transform != nil {
		err = c.transform(moved, to)
	}
	if err == nil {
		err = dst.Put(moved)
	}
	if err != nil {
		// Roll back: the record must never be lost mid-move. A concurrent
		// same-owner eviction may have dropped the LRU entry while the
		// record was out of the source store, so residency is restored
		// alongside the record itself.
		if rbErr := src.Put(r); rbErr != nil {
			log.Printf("cache: rollback of %s into %s failed: %v", id, from, rbErr)
		} else if from == record.StageWorking {
			p := c.partition(loc.owner)
			p.mu.Lock()
			p.pushFront(id)
			p.mu.Unlock()
		}
		return false, fmt.Errorf("move %s %s->%s: %w", id, from, to, err)
	}

	if from == record.StageWorking {
		p := c.partition(loc.owner)
		p.mu.Lock()
		p.remove(id)
		p.mu.Unlock()
	}
	c.setLocation(id, location{owner: loc.owner, stage: to})
	return true, nil
}

// Locate reports the stage a record currently lives in.
func (c *Cache) Locate(id string) (string, record.Stage, bool) {
	loc, ok := c.locate(id)
	return loc.owner, loc.stage, ok
}

// Register records a location without touching the stores, used to
// rebuild the index from durable stages at startup.
func (c *Cache) Register(id, owner string, st record.Stage) {
	c.setLocation(id, location{owner: owner, stage: st})
}

// Reclaim destroys the owner's partition if it holds no records.
// Partitions holding records are never silently destroyed.
func (c *Cache) Reclaim(owner string) bool {
	c.mu.RLock()
	p, ok := c.partitions[owner]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	// Partition lock before index lock, like every other path.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.len() != 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partitions[owner] != p {
		return false
	}
	delete(c.partitions, owner)
	return true
}

// evictOneLocked evicts the partition's least-recently-used Working
// record. The caller holds p.mu. Returns false when the partition has no
// eviction candidate.
func (c *Cache) evictOneLocked(p *partition) bool {
	id, ok := p.tail()
	if !ok {
		return false
	}

	r, err := c.stores[record.StageWorking].Remove(id)
	if err != nil {
		// The record left the store out from under us, most likely a
		// stage move in flight. Drop only the stale LRU entry; the index
		// keeps tracking the record wherever it settles, and a Read heals
		// the entry if the record is genuinely gone.
		log.Printf("cache: evict %s: %v", id, err)
		p.remove(id)
		return true
	}

	p.remove(id)
	c.evictions.Add(1)

	if c.spill != nil {
		if st, ok := c.spill(r); ok {
			c.setLocation(id, location{owner: p.owner, stage: st})
			return true
		}
	}
	c.dropIndex(id)
	log.Printf("cache: evicted %s from working (owner %s)", id, p.owner)
	return true
}

// purgeCorrupted removes a record that failed verification beyond repair.
func (c *Cache) purgeCorrupted(owner, id string, st record.Stage) {
	if _, err := c.stores[st].Remove(id); err != nil {
		log.Printf("cache: purge corrupted %s from %s: %v", id, st, err)
	}
	c.dropLocation(owner, id, st)
	c.corruptions.Add(1)
	log.Printf("cache: purged corrupted record %s from %s (owner %s)", id, st, owner)
}

func (c *Cache) partition(owner string) *partition {
	c.mu.RLock()
	p, ok := c.partitions[owner]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.partitions[owner]; ok {
		return p
	}
	p = newPartition(owner)
	c.partitions[owner] = p
	return p
}

func (c *Cache) locate(id string) (location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.index[id]
	return loc, ok
}

func (c *Cache) setLocation(id string, loc location) {
	c.mu.Lock()
	c.index[id] = loc
	c.mu.Unlock()
}

// dropLocation removes the index entry and any partition residency.
// Never called while holding a partition lock; eviction paths that
// already hold one use dropIndex instead.
func (c *Cache) dropLocation(owner, id string, st record.Stage) {
	c.mu.Lock()
	delete(c.index, id)
	p := c.partitions[owner]
	c.mu.Unlock()

	if st == record.StageWorking && p != nil {
		p.mu.Lock()
		p.remove(id)
		p.mu.Unlock()
	}
}

// dropIndex removes only the index entry.
func (c *Cache) dropIndex(id string) {
	c.mu.Lock()
	delete(c.index, id)
	c.mu.Unlock()
}

func isCapacityFull(err error) bool { return errors.Is(err, record.ErrCapacityFull) }
func isCorrupted(err error) bool    { return errors.Is(err, record.ErrCorrupted) }
