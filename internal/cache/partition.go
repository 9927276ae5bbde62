package cache

import (
	"container/list"
	"sync"
)

// partition is one owner's Working-stage residency: an LRU order over
// the record IDs currently cached for that owner. Created lazily on the
// owner's first write. Consolidated and Archive records are indexed but
// never held here, so cache pressure can only ever evict Working records.
type partition struct {
	owner string
	mu    sync.Mutex

	// lru front = most recently used. elems maps id -> list element.
	lru   *list.List
	elems map[string]*list.Element
}

func newPartition(owner string) *partition {
	return &partition{
		owner: owner,
		lru:   list.New(),
		elems: make(map[string]*list.Element),
	}
}

// len returns the number of cached Working records. Caller holds mu.
func (p *partition) len() int { return p.lru.Len() }

// pushFront records id as most recently used. Caller holds mu.
func (p *partition) pushFront(id string) {
	if e, ok := p.elems[id]; ok {
		p.lru.MoveToFront(e)
		return
	}
	p.elems[id] = p.lru.PushFront(id)
}

// moveToFront refreshes id's recency. Caller holds mu.
func (p *partition) moveToFront(id string) {
	if e, ok := p.elems[id]; ok {
		p.lru.MoveToFront(e)
	}
}

// tail returns the least recently used id. Caller holds mu.
func (p *partition) tail() (string, bool) {
	e := p.lru.Back()
	if e == nil {
		return "", false
	}
	return e.Value.(string), true
}

// remove drops id from the order. Caller holds mu.
func (p *partition) remove(id string) {
	if e, ok := p.elems[id]; ok {
		p.lru.Remove(e)
		delete(p.elems, id)
	}
}
