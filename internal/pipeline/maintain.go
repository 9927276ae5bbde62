package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/engramd/engram/internal/record"
)

// Maintain runs one maintenance pass over the Working stage: weights
// decay for records not accessed since the previous pass, records below
// the floor weight or past the max age expire, and expiring records that
// are still heavy are consolidated instead of dropped. Returns the
// number of records expired and promoted.
func (c *Controller) Maintain(ctx context.Context) (expired, promoted int, err error) {
	c.maintMu.Lock()
	defer c.maintMu.Unlock()

	mc := c.cfg.Maintain
	since := c.lastMaintain
	decay := int(time.Since(since).Hours() * float64(mc.DecayRate))

	for _, id := range c.working.IDs() {
		if err := ctx.Err(); err != nil {
			return expired, promoted, err
		}

		var weight int
		var age time.Duration
		found := c.working.Mutate(id, func(r *record.Record) {
			// A read since the last pass resets decay for the interval,
			// the same way a retrieval refreshes relevance.
			if decay > 0 && !r.LastAccessedAt.After(since) {
				r.Weight -= decay
				if r.Weight < 0 {
					r.Weight = 0
				}
			}
			weight = r.Weight
			age = r.Age()
		})
		if !found {
			continue
		}

		expiring := weight <= mc.FloorWeight ||
			(mc.MaxAge > 0 && age >= mc.MaxAge.Std())
		if !expiring {
			continue
		}

		if mc.HeavyWeight > 0 && weight >= mc.HeavyWeight {
			if c.promoteForExpiry(ctx, id) {
				promoted++
			}
			continue
		}

		owner, _, ok := c.cache.Locate(id)
		if !ok {
			continue
		}
		if err := c.locks.acquire(ctx, id, lockWait); err != nil {
			c.observe(err)
			continue
		}
		if _, err := c.cache.Remove(owner, id); err == nil {
			expired++
		}
		c.locks.release(id)
	}

	c.lastMaintain = time.Now()
	if expired > 0 {
		c.metrics.Expiry(expired)
	}
	if promoted > 0 {
		c.metrics.Promotion(promoted)
	}
	if expired > 0 || promoted > 0 {
		log.Printf("maintain: expired %d, consolidated %d", expired, promoted)
	}
	return expired, promoted, nil
}

// promoteForExpiry consolidates a heavy record that would otherwise
// expire, regardless of its promotion thresholds.
func (c *Controller) promoteForExpiry(ctx context.Context, id string) bool {
	return c.promoteOne(ctx, id, record.StageWorking)
}

// StartMaintenance runs a pass now and then on the configured interval
// until Close. Mirrors the promotion worker's start/stop discipline.
func (c *Controller) StartMaintenance() {
	interval := c.cfg.Maintain.Interval.Std()
	if interval <= 0 {
		return
	}

	if _, _, err := c.Maintain(context.Background()); err != nil {
		log.Printf("maintain: %v", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, _, err := c.Maintain(context.Background()); err != nil {
					log.Printf("maintain: %v", err)
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}
