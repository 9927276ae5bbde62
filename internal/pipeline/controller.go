// Package pipeline orchestrates ingestion, reads, stage transitions, and
// expiry across the whole engine. The Controller is the only component
// external callers address directly; it is explicitly constructed and
// shut down with Close, never a package-level singleton.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/engramd/engram/internal/cache"
	"github.com/engramd/engram/internal/codec"
	"github.com/engramd/engram/internal/compress"
	"github.com/engramd/engram/internal/config"
	"github.com/engramd/engram/internal/envelope"
	"github.com/engramd/engram/internal/metrics"
	"github.com/engramd/engram/internal/record"
	"github.com/engramd/engram/internal/stage"
	"github.com/engramd/engram/internal/store"
)

const (
	// lockWait bounds how long any operation waits on a contended record.
	lockWait = 2 * time.Second

	// queueSize bounds the promotion-eligibility queue fed by reads.
	queueSize = 256

	defaultWeight = 100
)

// Controller wires the codec, envelope sealer, stage stores, and cache
// into one system context.
type Controller struct {
	cfg    config.Config
	codec  *codec.Codec
	sealer *envelope.Sealer
	db     *store.DB

	working      *stage.MemoryStore
	consolidated *stage.SQLiteStore
	archive      *stage.SQLiteStore
	cache        *cache.Cache

	locks   *keyedLock
	metrics *metrics.Collector

	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	maintMu      sync.Mutex
	lastMaintain time.Time

	closeOnce sync.Once
	ownsDB    bool
}

// Open builds a Controller over the configured database path, creating
// the file on first run.
func Open(cfg config.Config) (*Controller, error) {
	path := cfg.Database.Path
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}

	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := OpenWith(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

// OpenWith builds a Controller over an existing database handle, which
// the caller keeps ownership of. Tests use this with store.OpenMemory.
func OpenWith(cfg config.Config, db *store.DB) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cdc, err := codec.New(cfg.Codec.RedundancyRatio)
	if err != nil {
		return nil, err
	}

	var sealer *envelope.Sealer
	if key := cfg.MasterKey(); len(key) > 0 {
		sealer, err = envelope.NewSealer(key)
		if err != nil {
			return nil, err
		}
	}

	c := &Controller{
		cfg:          cfg,
		codec:        cdc,
		sealer:       sealer,
		db:           db,
		working:      stage.NewMemoryStore(stageConfig(record.StageWorking, cfg.Stages.Working), cdc),
		consolidated: stage.NewSQLiteStore(stageConfig(record.StageConsolidated, cfg.Stages.Consolidated), cdc, db),
		archive:      stage.NewSQLiteStore(stageConfig(record.StageArchive, cfg.Stages.Archive), cdc, db),
		locks:        newKeyedLock(),
		metrics:      metrics.New(),
		queue:        make(chan string, queueSize),
		stopCh:       make(chan struct{}),
		lastMaintain: time.Now(),
	}
	c.cache = cache.New(cache.Config{PartitionCapacity: cfg.Cache.PartitionCapacity},
		c.working, c.consolidated, c.archive)
	c.cache.OnEvict(c.spill)
	c.cache.OnPromotionEligible(c.enqueue)
	c.cache.OnMove(c.archiveTransform)

	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.promotionWorker()
	return c, nil
}

// rebuildIndex registers every persisted record's location with the
// cache so reads find them after a restart.
func (c *Controller) rebuildIndex() error {
	for _, st := range []*stage.SQLiteStore{c.consolidated, c.archive} {
		entries, err := st.Index()
		if err != nil {
			return fmt.Errorf("rebuild %s index: %w", st.Stage(), err)
		}
		for _, e := range entries {
			c.cache.Register(e.ID, e.Owner, st.Stage())
		}
		if len(entries) > 0 {
			log.Printf("pipeline: registered %d %s records", len(entries), st.Stage())
		}
	}
	return nil
}

func stageConfig(st record.Stage, sc config.StageConfig) stage.Config {
	return stage.Config{
		Stage:              st,
		Capacity:           sc.Capacity,
		PromoteAfterAccess: sc.PromoteAfterAccess,
		PromoteAfterAge:    sc.PromoteAfterAge.Std(),
		PromoteMinWeight:   sc.PromoteMinWeight,
	}
}

// IngestOptions alter how a record is ingested. Sensitive payloads are
// sealed into an envelope admitting the given credentials before any
// stage sees them.
type IngestOptions struct {
	Sensitive   bool
	Weight      int
	Credentials [][]byte
}

// Ingest creates a Working-stage record from the payload and returns its
// ID. Cancellation is honored before the record is committed; once the
// cache write begins it runs to completion.
func (c *Controller) Ingest(ctx context.Context, owner string, payload []byte, opts IngestOptions) (string, error) {
	start := time.Now()
	if owner == "" {
		return "", fmt.Errorf("empty owner")
	}

	body := payload
	if opts.Sensitive {
		if c.sealer == nil {
			return "", fmt.Errorf("sensitive ingest requires a master key")
		}
		wrapped, err := c.sealer.Wrap(payload, envelope.NewPolicy(opts.Credentials...))
		if err != nil {
			return "", fmt.Errorf("wrap: %w", err)
		}
		body = wrapped
	}

	weight := opts.Weight
	if weight <= 0 {
		weight = defaultWeight
	}
	r := record.New(owner, body, opts.Sensitive, weight)

	tag, err := c.codec.Encode(body)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	r.Tag = tag

	if err := c.locks.acquire(ctx, r.ID, lockWait); err != nil {
		return "", c.observe(err)
	}
	defer c.locks.release(r.ID)

	if err := c.cache.Write(owner, r); err != nil {
		return "", c.observe(err)
	}
	c.metrics.Ingest(time.Since(start))
	return r.ID, nil
}

// Read returns the record's payload. Redundancy verification runs inside
// the stage store before the envelope is even looked at; a sensitive
// payload is then unwrapped with the caller's credential.
func (c *Controller) Read(ctx context.Context, owner, id string, credential []byte) ([]byte, error) {
	start := time.Now()
	if err := c.locks.acquire(ctx, id, lockWait); err != nil {
		return nil, c.observe(err)
	}
	defer c.locks.release(id)

	r, err := c.cache.Read(owner, id)
	if err != nil {
		return nil, c.observe(err)
	}

	payload := r.Payload
	if r.Compressed {
		payload, err = compress.Decompress(r.Payload, r.OriginalLen)
		if err != nil {
			return nil, c.observe(fmt.Errorf("decompress %s: %w", id, err))
		}
	}
	if r.Sensitive {
		if c.sealer == nil {
			return nil, c.observe(fmt.Errorf("no master key: %w", record.ErrAccessDenied))
		}
		payload, err = c.sealer.Unwrap(payload, credential)
		if err != nil {
			return nil, c.observe(err)
		}
	}
	c.metrics.Read(time.Since(start))
	return payload, nil
}

// Delete removes the record from whichever stage holds it.
func (c *Controller) Delete(ctx context.Context, owner, id string) error {
	if err := c.locks.acquire(ctx, id, lockWait); err != nil {
		return c.observe(err)
	}
	defer c.locks.release(id)

	if _, err := c.cache.Remove(owner, id); err != nil {
		return c.observe(err)
	}
	c.metrics.Delete()
	return nil
}

// PromoteEligible scans Working then Consolidated for records past their
// stage's promotion threshold and moves them up. Idempotent: with no
// newly eligible records it moves nothing and returns zero.
func (c *Controller) PromoteEligible(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	moved := 0
	movedNow := make(map[string]bool)

	for _, id := range c.working.IDs() {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if !c.working.EligibleForPromotion(id) {
			continue
		}
		if c.promoteOne(ctx, id, record.StageWorking) {
			moved++
			movedNow[id] = true
		}
	}

	for _, id := range c.consolidated.IDs() {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		// A record promoted within this pass settles into its new stage
		// before being considered again.
		if movedNow[id] || !c.consolidated.EligibleForPromotion(id) {
			continue
		}
		if c.promoteOne(ctx, id, record.StageConsolidated) {
			moved++
		}
	}

	if moved > 0 {
		c.metrics.Promotion(moved)
		log.Printf("pipeline: promoted %d records", moved)
	}
	return moved, nil
}

// promoteOne moves a single record to the next stage under its keyed
// lock, re-checking eligibility once the lock is held. Returns true only
// when this call performed the move.
func (c *Controller) promoteOne(ctx context.Context, id string, from record.Stage) bool {
	next, ok := from.Next()
	if !ok {
		return false
	}
	if err := c.locks.acquire(ctx, id, lockWait); err != nil {
		c.observe(err)
		return false
	}
	defer c.locks.release(id)

	moved, err := c.cache.Move(id, from, next)
	if err != nil {
		if !errors.Is(err, record.ErrNotFound) {
			log.Printf("pipeline: promote %s: %v", id, err)
			c.observe(err)
		}
		return false
	}
	return moved
}

// Demote copies an Archive or Consolidated record back into Working as a
// new record with a fresh ID. The original keeps its stage; promotion
// history stays monotonic per record identity.
func (c *Controller) Demote(ctx context.Context, owner, id string) (string, error) {
	if err := c.locks.acquire(ctx, id, lockWait); err != nil {
		return "", c.observe(err)
	}
	r, err := c.cache.Read(owner, id)
	c.locks.release(id)
	if err != nil {
		return "", c.observe(err)
	}
	if r.Stage == record.StageWorking {
		return "", fmt.Errorf("record %s already in working", id)
	}

	payload, tag := r.Payload, r.Tag.Clone()
	if r.Compressed {
		// The Working copy lives uncompressed, so the tag is recomputed
		// over the restored bytes.
		payload, err = compress.Decompress(r.Payload, r.OriginalLen)
		if err != nil {
			return "", c.observe(fmt.Errorf("decompress %s: %w", id, err))
		}
		tag, err = c.codec.Encode(payload)
		if err != nil {
			return "", fmt.Errorf("encode: %w", err)
		}
	}

	nr := record.New(owner, payload, r.Sensitive, r.Weight)
	nr.Tag = tag

	if err := c.locks.acquire(ctx, nr.ID, lockWait); err != nil {
		return "", c.observe(err)
	}
	defer c.locks.release(nr.ID)
	if err := c.cache.Write(owner, nr); err != nil {
		return "", c.observe(err)
	}
	c.metrics.Demotion()
	return nr.ID, nil
}

// Ping verifies the database connection is alive.
func (c *Controller) Ping() error { return c.db.Ping() }

// DBPath returns the backing database path.
func (c *Controller) DBPath() string { return c.db.Path }

// Stats returns a read-only snapshot for the metrics consumer.
func (c *Controller) Stats() metrics.Snapshot {
	return c.metrics.Snapshot(c.cache.Stats())
}

// Close stops background work and, when the Controller opened the
// database itself, closes it.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		if c.ownsDB {
			err = c.db.Close()
		}
	})
	return err
}

// enqueue receives the cache's promotion-eligibility signal. The read
// path never blocks on promotion; a full queue just drops the hint and
// the next scan picks the record up.
func (c *Controller) enqueue(id string) {
	select {
	case c.queue <- id:
	default:
	}
}

// promotionWorker drains the eligibility queue, converging with explicit
// PromoteEligible calls on the same per-record move.
func (c *Controller) promotionWorker() {
	defer c.wg.Done()
	for {
		select {
		case id := <-c.queue:
			_, st, ok := c.cache.Locate(id)
			if !ok {
				continue
			}
			c.promoteOne(context.Background(), id, st)
		case <-c.stopCh:
			return
		}
	}
}

// archiveTransform runs on every stage move and compresses payloads
// entering the Archive stage, re-encoding the redundancy tag over the
// compressed bytes so verification keeps covering exactly what is
// stored. Payloads that would not shrink stay raw.
func (c *Controller) archiveTransform(r *record.Record, to record.Stage) error {
	if to != record.StageArchive || r.Compressed {
		return nil
	}
	packed, ok := compress.Compress(r.Payload)
	if !ok {
		return nil
	}
	tag, err := c.codec.Encode(packed)
	if err != nil {
		return fmt.Errorf("encode compressed %s: %w", r.ID, err)
	}
	r.OriginalLen = len(r.Payload)
	r.Payload = packed
	r.Tag = tag
	r.Compressed = true
	return nil
}

// spill handles records evicted by cache pressure: they are consolidated
// rather than lost, unless the Consolidated stage is itself full.
func (c *Controller) spill(r *record.Record) (record.Stage, bool) {
	cp := r.Clone()
	if err := c.consolidated.Put(cp); err != nil {
		log.Printf("pipeline: spill %s dropped: %v", r.ID, err)
		c.metrics.Error()
		return "", false
	}
	return record.StageConsolidated, true
}

// observe routes an operation error into the collector and passes it
// through unchanged.
func (c *Controller) observe(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, record.ErrTimeout):
		c.metrics.Timeout()
	case errors.Is(err, record.ErrAccessDenied):
		c.metrics.AccessDenied()
	case errors.Is(err, record.ErrNotFound):
		// Misses are already counted by the cache.
	default:
		c.metrics.Error()
	}
	return err
}
