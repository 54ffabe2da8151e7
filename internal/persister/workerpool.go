package persister

import (
	"sync"

	"github.com/edirooss/storedmap/internal/identitycache"
)

// workerPool is a dynamically adjustable semaphore bounding the number
// of concurrently in-flight save tasks (spec.md §4.5's "cached thread
// pool... size proportional to concurrency"): every save task acquires
// a slot before talking to the driver and releases it once its share
// of the write pipeline finishes.
//
// Ownership is keyed by the record's Holder rather than a manufactured
// task id: runSaveTask never dispatches twice concurrently for the
// same Holder (the dispatch loop holds at most one fire-heap entry per
// Holder at a time), so the Holder pointer is already a unique,
// meaningful owner — and it lets a stuck acquisition be reported back
// as the (category, key) it belongs to instead of an opaque number.
type workerPool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	maxCap     int64
	usage      int64
	acquiredBy map[*identitycache.Holder]struct{}
}

// newWorkerPool initializes the pool with a given capacity.
func newWorkerPool(max int64) *workerPool {
	p := &workerPool{
		maxCap:     max,
		acquiredBy: make(map[*identitycache.Holder]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire blocks until usage < maxCap and registers holder as the
// owner of the slot.
func (p *workerPool) acquire(holder *identitycache.Holder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, holds := p.acquiredBy[holder]; holds {
		panic("persister: workerPool holder already holds a slot")
	}

	for p.usage >= p.maxCap {
		p.cond.Wait()
	}

	p.usage++
	p.acquiredBy[holder] = struct{}{}
}

// release frees the slot owned by holder.
func (p *workerPool) release(holder *identitycache.Holder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, holds := p.acquiredBy[holder]; !holds {
		panic("persister: workerPool release for non-owner holder")
	}

	delete(p.acquiredBy, holder)
	p.usage--
	p.cond.Signal()
}

// current returns the number of active acquired slots, used by Stop's
// shutdown-timeout diagnostics to report how much of the pool is still
// busy.
func (p *workerPool) current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// listAcquired returns a snapshot of the Holders currently occupying a
// slot, letting a shutdown-timeout log line name exactly which
// (category, key) pairs are stuck rather than just a count.
func (p *workerPool) listAcquired() []*identitycache.Holder {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*identitycache.Holder, 0, len(p.acquiredBy))
	for h := range p.acquiredBy {
		out = append(out, h)
	}
	return out
}
