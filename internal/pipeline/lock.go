package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/engramd/engram/internal/record"
)

// keyedLock serializes operations per record ID so two concurrent stage
// transitions for the same record resolve deterministically. Waits are
// bounded; a caller that cannot take the lock inside its budget gets
// record.ErrTimeout instead of blocking indefinitely.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

// acquire takes the per-ID lock, giving up when the context is cancelled
// or the wait budget expires. Every successful acquire must be paired
// with release.
func (k *keyedLock) acquire(ctx context.Context, id string, wait time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.unref(id)
		return ctx.Err()
	case <-timer.C:
		k.unref(id)
		return fmt.Errorf("record %s contended for %v: %w", id, wait, record.ErrTimeout)
	}
}

func (k *keyedLock) release(id string) {
	k.mu.Lock()
	e := k.locks[id]
	k.mu.Unlock()
	if e == nil {
		return
	}
	<-e.sem
	k.unref(id)
}

// unref drops one reference and removes the entry once nobody holds or
// waits on it, keeping the map from growing with dead IDs.
func (k *keyedLock) unref(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.locks[id]
	if e == nil {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
}
