package cache

import (
	"github.com/engramd/engram/internal/record"
	"github.com/engramd/engram/internal/stage"
)

// Stats is a read-only snapshot of cache and stage state, consumed by
// the metrics collector and the stats API.
type Stats struct {
	Hits        int64                        `json:"hits"`
	Misses      int64                        `json:"misses"`
	Evictions   int64                        `json:"evictions"`
	Corruptions int64                        `json:"corruptions"`
	Partitions  map[string]int               `json:"partitions"`
	Stages      map[record.Stage]stage.Stats `json:"stages"`
}

// Stats snapshots current counters, per-owner partition sizes, and
// per-stage store state.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Corruptions: c.corruptions.Load(),
		Partitions:  make(map[string]int),
		Stages:      make(map[record.Stage]stage.Stats, len(c.stores)),
	}

	c.mu.RLock()
	owners := make([]*partition, 0, len(c.partitions))
	for _, p := range c.partitions {
		owners = append(owners, p)
	}
	c.mu.RUnlock()

	for _, p := range owners {
		p.mu.Lock()
		s.Partitions[p.owner] = p.len()
		p.mu.Unlock()
	}

	for st, store := range c.stores {
		s.Stages[st] = store.Stats()
	}
	return s
}
