// Package metrics is a passive observer of pipeline events. The
// controller reports each operation; callers pull read-only snapshots.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/engramd/engram/internal/cache"
)

// Collector accumulates operation counts and latencies. All methods are
// safe for concurrent use.
type Collector struct {
	ingests    atomic.Int64
	reads      atomic.Int64
	deletes    atomic.Int64
	promotions atomic.Int64
	demotions  atomic.Int64
	expiries   atomic.Int64
	denied     atomic.Int64
	timeouts   atomic.Int64
	errors     atomic.Int64

	ingestNanos atomic.Int64
	readNanos   atomic.Int64
}

func New() *Collector {
	return &Collector{}
}

func (c *Collector) Ingest(d time.Duration) {
	c.ingests.Add(1)
	c.ingestNanos.Add(int64(d))
}

func (c *Collector) Read(d time.Duration) {
	c.reads.Add(1)
	c.readNanos.Add(int64(d))
}

func (c *Collector) Delete()         { c.deletes.Add(1) }
func (c *Collector) Promotion(n int) { c.promotions.Add(int64(n)) }
func (c *Collector) Demotion()       { c.demotions.Add(1) }
func (c *Collector) Expiry(n int)    { c.expiries.Add(int64(n)) }
func (c *Collector) AccessDenied()   { c.denied.Add(1) }
func (c *Collector) Timeout()        { c.timeouts.Add(1) }
func (c *Collector) Error()          { c.errors.Add(1) }

// Snapshot is a point-in-time view of the collector plus the cache's own
// counters and per-stage store stats.
type Snapshot struct {
	Ingests    int64 `json:"ingests"`
	Reads      int64 `json:"reads"`
	Deletes    int64 `json:"deletes"`
	Promotions int64 `json:"promotions"`
	Demotions  int64 `json:"demotions"`
	Expiries   int64 `json:"expiries"`
	Denied     int64 `json:"access_denied"`
	Timeouts   int64 `json:"timeouts"`
	Errors     int64 `json:"errors"`

	AvgIngest time.Duration `json:"avg_ingest_ns"`
	AvgRead   time.Duration `json:"avg_read_ns"`

	Cache cache.Stats `json:"cache"`
}

// HitRate returns cache hits as a fraction of lookups, zero when no
// lookups have happened.
func (s Snapshot) HitRate() float64 {
	total := s.Cache.Hits + s.Cache.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Cache.Hits) / float64(total)
}

// Snapshot folds the cache's stats into a read-only view.
func (c *Collector) Snapshot(cs cache.Stats) Snapshot {
	s := Snapshot{
		Ingests:    c.ingests.Load(),
		Reads:      c.reads.Load(),
		Deletes:    c.deletes.Load(),
		Promotions: c.promotions.Load(),
		Demotions:  c.demotions.Load(),
		Expiries:   c.expiries.Load(),
		Denied:     c.denied.Load(),
		Timeouts:   c.timeouts.Load(),
		Errors:     c.errors.Load(),
		Cache:      cs,
	}
	if s.Ingests > 0 {
		s.AvgIngest = time.Duration(c.ingestNanos.Load() / s.Ingests)
	}
	if s.Reads > 0 {
		s.AvgRead = time.Duration(c.readNanos.Load() / s.Reads)
	}
	return s
}
