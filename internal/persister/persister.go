// Package persister implements the core's write-coordination engine:
// coalesced, leased, two-phase saves driven by a single dispatch loop
// (spec.md §4.5). It never imports the root package — Target abstracts
// away the record's payload so this package can be tested and reasoned
// about independently of storedmap's public types.
package persister

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/storedmap/internal/identitycache"
	"github.com/edirooss/storedmap/internal/lease"
)

// entry tracks one record's in-flight or pending save. At most one
// entry is ever registered per Holder across both inWork and
// inLongWork: inWork means "a save is scheduled or running"; inLongWork
// additionally means "the lease is currently held" (it outlives the
// primary write, covering the secondary write too).
type entry struct {
	holder *identitycache.Holder
	target Target

	// reschedule is set when a mutation arrives while this entry is
	// still in inWork (waiting to fire, or its primary write in
	// flight); the task, upon noticing it, installs a successor entry
	// instead of writing stale data.
	reschedule bool

	// needRemove is set by Remove when it finds this entry already
	// in flight: the running task must stop short of further driver
	// writes and let Remove itself drive the delete and lease release.
	needRemove bool

	// cancelSave is set by Cancel: the task must skip the secondary
	// write and release the lease without further driver writes.
	cancelSave bool

	// followup holds a single coalesced mutation that arrived after
	// the primary write had already completed (too late to fold into
	// reschedule): it runs immediately after this entry's secondary
	// write completes, reusing the same held lease.
	followup *entry

	// callbacks fire once this entry's save (or cancellation) settles.
	callbacks []func()

	// fireAt and heapIdx place this entry in the Persister's fire
	// heap while it is the holder's scheduled-but-not-yet-dispatched
	// work (see scheduleFire/fireHeap below). heapIdx is -1 whenever
	// the entry is not currently queued.
	fireAt  time.Time
	heapIdx int
}

// newEntry builds a work entry not currently queued in the fire heap.
func newEntry(holder *identitycache.Holder, target Target) *entry {
	return &entry{holder: holder, target: target, heapIdx: -1}
}

// Options configures a Persister. Zero values take the defaults noted.
type Options struct {
	LeaseTTL        time.Duration // default 100s
	CoalesceDelay   time.Duration // default 3s
	RescheduleDelay time.Duration // default 2s
	PoolSize        int64         // default 64

	// ErrorHandler receives driver errors surfaced outside any
	// caller's call stack (mid-save failures). May be nil.
	ErrorHandler func(category, key string, err error)
}

// Persister is the single dispatch loop coordinating every record's
// save pipeline for one Store. One Persister is shared by every
// Category of a Store, since the lease and worker pool are global
// resources.
type Persister struct {
	log *zap.Logger
	drv Driver

	ttl             time.Duration
	coalesceDelay   time.Duration
	rescheduleDelay time.Duration

	pool *workerPool

	mu         sync.Mutex
	inWork     map[*identitycache.Holder]*entry
	inLongWork map[*identitycache.Holder]*entry
	fire       fireHeap // pending entries ordered by fireAt, guarded by mu

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	drainWG sync.WaitGroup

	errHandler func(category, key string, err error)
}

// New builds a Persister and starts its dispatch loop.
func New(log *zap.Logger, drv Driver, opts Options) *Persister {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 100 * time.Second
	}
	if opts.CoalesceDelay <= 0 {
		opts.CoalesceDelay = 3 * time.Second
	}
	if opts.RescheduleDelay <= 0 {
		opts.RescheduleDelay = 2 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 64
	}

	p := &Persister{
		log:             log.Named("persister"),
		drv:             drv,
		ttl:             opts.LeaseTTL,
		coalesceDelay:   opts.CoalesceDelay,
		rescheduleDelay: opts.RescheduleDelay,
		pool:            newWorkerPool(opts.PoolSize),
		inWork:          make(map[*identitycache.Holder]*entry),
		inLongWork:      make(map[*identitycache.Holder]*entry),
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		errHandler:      opts.ErrorHandler,
	}
	go p.loop()
	return p
}

// Schedule registers a mutation against holder for eventual save,
// coalescing with any already-pending or in-flight save for the same
// holder (spec.md §4.5.1). callback, if non-nil, fires once this
// specific mutation's save settles.
func (p *Persister) Schedule(ctx context.Context, holder *identitycache.Holder, target Target, callback func()) error {
	holder.Mu.Lock()

	if folded := p.foldIntoExisting(holder, target, callback); folded {
		holder.Mu.Unlock()
		return nil
	}
	holder.Mu.Unlock()

	l := lease.New(p.drv, holder.Key, target.Index(), p.ttl)
	if err := l.Acquire(ctx); err != nil {
		return fmt.Errorf("persister: acquire lease: %w", err)
	}

	holder.Mu.Lock()
	defer holder.Mu.Unlock()

	// A concurrent Schedule may have won the race and created a work
	// entry while we were unlocked acquiring our own lease. The
	// driver's lease is the true arbiter of exclusivity here, so if
	// that happened, fold into it and give back the now-redundant
	// lease rather than holding two.
	if folded := p.foldIntoExisting(holder, target, callback); folded {
		_ = l.Release(ctx)
		return nil
	}

	e := newEntry(holder, target)
	if callback != nil {
		e.callbacks = append(e.callbacks, callback)
	}
	p.mu.Lock()
	p.inWork[holder] = e
	p.inLongWork[holder] = e
	p.mu.Unlock()

	p.scheduleFire(e, time.Now().Add(p.coalesceDelay))
	return nil
}

// foldIntoExisting must be called with holder.Mu held. It returns true
// if an existing entry absorbed this mutation.
func (p *Persister) foldIntoExisting(holder *identitycache.Holder, target Target, callback func()) bool {
	p.mu.Lock()
	e, hasWork := p.inWork[holder]
	longE, hasLong := p.inLongWork[holder]
	p.mu.Unlock()

	switch {
	case hasWork:
		e.reschedule = true
		if callback != nil {
			e.callbacks = append(e.callbacks, callback)
		}
		return true
	case hasLong:
		fu := newEntry(holder, target)
		if callback != nil {
			fu.callbacks = append(fu.callbacks, callback)
		}
		longE.followup = fu
		return true
	default:
		return false
	}
}

// Cancel aborts the secondary write of holder's in-flight save, if
// any, forcing it to release its lease without further driver writes
// (spec.md §4.5.1 cancel).
func (p *Persister) Cancel(holder *identitycache.Holder) {
	holder.Mu.Lock()
	defer holder.Mu.Unlock()

	p.mu.Lock()
	e, ok := p.inLongWork[holder]
	p.mu.Unlock()
	if ok {
		e.cancelSave = true
	}
}

// Remove drives an immediate, synchronous delete of (holder, target),
// coordinating with any in-flight save so the two never race on the
// driver (spec.md §4.4).
func (p *Persister) Remove(ctx context.Context, holder *identitycache.Holder, target Target) error {
	holder.Mu.Lock()

	p.mu.Lock()
	e, hasWork := p.inWork[holder]
	longE, hasLong := p.inLongWork[holder]
	p.mu.Unlock()

	reusingLease := hasWork || hasLong
	if hasWork {
		e.needRemove = true
	}
	if hasLong {
		longE.needRemove = true
	}
	if hasWork {
		// Only an inWork entry can still be sitting in the fire heap
		// awaiting its coalesce/reschedule timer; an inLongWork-only
		// entry already fired and was popped before its primary write
		// started.
		p.mu.Lock()
		if e.heapIdx >= 0 {
			heap.Remove(&p.fire, e.heapIdx)
		}
		p.mu.Unlock()
	}
	index := target.Index()
	holder.Mu.Unlock()

	var l *lease.Lease
	if !reusingLease {
		l = lease.New(p.drv, holder.Key, index, p.ttl)
		if err := l.Acquire(ctx); err != nil {
			return fmt.Errorf("persister: acquire lease for remove: %w", err)
		}
	}

	done := make(chan error, 1)
	p.drv.Remove(ctx, holder.Key, index, func(err error) { done <- err })
	err := <-done

	if uerr := p.drv.Unlock(ctx, holder.Key, index); uerr != nil {
		p.log.Warn("unlock after remove", zap.String("category", holder.Category), zap.String("key", holder.Key), zap.Error(uerr))
		if err == nil {
			err = fmt.Errorf("persister: unlock after remove: %w", uerr)
		}
	}

	holder.Mu.Lock()
	p.mu.Lock()
	delete(p.inWork, holder)
	delete(p.inLongWork, holder)
	p.mu.Unlock()
	holder.Cond.Broadcast()
	holder.Mu.Unlock()

	return err
}

// Stop drains all in-flight work (spin-waiting, per spec.md §4.5.3,
// until inLongWork is empty), then shuts down the dispatch loop and
// worker pool, waiting up to three minutes for outstanding goroutines.
func (p *Persister) Stop(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		empty := len(p.inLongWork) == 0
		p.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.drainWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(3 * time.Minute):
		fields := []zap.Field{zap.Int64("pool_in_use", p.pool.current())}
		if stuck := p.pool.listAcquired(); len(stuck) > 0 {
			keys := make([]string, 0, len(stuck))
			for _, h := range stuck {
				keys = append(keys, h.Category+"/"+h.Key)
			}
			fields = append(fields, zap.Strings("stuck_keys", keys))
		}
		p.log.Error("executor shutdown timed out", fields...)
		return fmt.Errorf("persister: executor shutdown timed out")
	}
}

// --- dispatch loop -----------------------------------------------------

// scheduleFire places e into the fire heap at the given time, dropping
// any stale queue slot it already held (a reschedule/followup reuses
// the same entry with a new fireAt rather than a new heap element).
func (p *Persister) scheduleFire(e *entry, at time.Time) {
	p.mu.Lock()
	e.fireAt = at
	if e.heapIdx >= 0 {
		heap.Fix(&p.fire, e.heapIdx)
	} else {
		heap.Push(&p.fire, e)
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) loop() {
	for {
		p.mu.Lock()
		var pending *entry
		var when time.Time
		ok := len(p.fire) > 0
		if ok {
			pending = p.fire[0]
			when = pending.fireAt
		}
		p.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			d := time.Until(when)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-p.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-p.wake:
			if timer != nil {
				timer.Stop()
			}

		case <-timerC:
			p.mu.Lock()
			var fired *entry
			if len(p.fire) > 0 && p.fire[0] == pending {
				fired = heap.Pop(&p.fire).(*entry)
			}
			p.mu.Unlock()
			if fired != nil {
				p.dispatch(fired.holder)
			}
		}
	}
}

func (p *Persister) dispatch(holder *identitycache.Holder) {
	p.drainWG.Add(1)
	go func() {
		defer p.drainWG.Done()
		p.pool.acquire(holder)
		defer p.pool.release(holder)
		p.runSaveTask(holder)
	}()
}

// runSaveTask executes steps 1-5 of spec.md §4.5.2 for holder's
// current work entry: check for a stale reschedule, snapshot the
// target, and hand off to the driver's async two-phase write. The
// remaining steps run in the onPrimaryDone/onReadyForSecondary/
// onSecondaryDone callbacks below, each of which re-enters holder's
// monitor independently (Go's Mutex is not reentrant, so the lock is
// never held across a Driver call).
func (p *Persister) runSaveTask(holder *identitycache.Holder) {
	holder.Mu.Lock()

	p.mu.Lock()
	e, ok := p.inWork[holder]
	p.mu.Unlock()
	if !ok {
		holder.Mu.Unlock()
		return
	}

	if e.needRemove {
		holder.Mu.Unlock()
		return
	}

	if e.reschedule {
		e.reschedule = false
		succ := p.buildSuccessor(e)
		p.installSuccessor(holder, succ)
		holder.Mu.Unlock()
		p.scheduleFire(succ, time.Now().Add(p.rescheduleDelay))
		return
	}

	snap, err := e.target.Snapshot()
	holder.Mu.Unlock()

	if err != nil {
		holder.Mu.Lock()
		p.failTask(holder, e, err)
		holder.Mu.Unlock()
		return
	}

	ctx := context.Background()
	index := e.target.Index()

	p.drv.Put(ctx, holder.Key, index, snap.Bytes,
		func(err error) { p.onPrimaryDone(holder, e, err) },
		func() { p.onReadyForSecondary(holder, e, snap) },
	)
}

func (p *Persister) buildSuccessor(e *entry) *entry {
	succ := newEntry(e.holder, e.target)
	succ.callbacks = e.callbacks
	succ.followup = e.followup
	return succ
}

func (p *Persister) installSuccessor(holder *identitycache.Holder, succ *entry) {
	p.mu.Lock()
	p.inWork[holder] = succ
	p.inLongWork[holder] = succ
	p.mu.Unlock()
}

func (p *Persister) onPrimaryDone(holder *identitycache.Holder, e *entry, err error) {
	holder.Mu.Lock()
	defer holder.Mu.Unlock()

	if err != nil {
		p.failTask(holder, e, err)
		return
	}

	if e.needRemove {
		return
	}

	if e.reschedule {
		e.reschedule = false
		succ := p.buildSuccessor(e)
		p.installSuccessor(holder, succ)
		p.scheduleFire(succ, time.Now().Add(p.rescheduleDelay))
		return
	}

	// The primary write is durable; the lease stays held (inLongWork)
	// until the secondary write settles too.
	p.mu.Lock()
	delete(p.inWork, holder)
	p.mu.Unlock()
}

func (p *Persister) onReadyForSecondary(holder *identitycache.Holder, e *entry, snap Snapshot) {
	holder.Mu.Lock()

	if e.needRemove {
		holder.Mu.Unlock()
		return
	}
	if e.cancelSave {
		p.releaseAndSettle(holder, e)
		holder.Mu.Unlock()
		return
	}

	index := e.target.Index()
	holder.Mu.Unlock()

	p.drv.PutSecondary(context.Background(), holder.Key, index, snap.Tree, snap.Locales, snap.SecondaryKey, snap.HasSecondaryKey, snap.SortBytes, snap.Tags,
		func(err error) { p.onSecondaryDone(holder, e, err) },
	)
}

func (p *Persister) onSecondaryDone(holder *identitycache.Holder, e *entry, err error) {
	holder.Mu.Lock()
	defer holder.Mu.Unlock()

	if err != nil {
		p.failTask(holder, e, err)
		return
	}

	if e.followup != nil {
		fu := e.followup
		e.followup = nil
		p.installSuccessor(holder, fu)
		p.scheduleFire(fu, time.Now())
		p.drainCallbacks(holder, e)
		return
	}

	p.releaseLease(context.Background(), holder, e.target.Index())
	p.mu.Lock()
	delete(p.inLongWork, holder)
	p.mu.Unlock()
	p.drainCallbacks(holder, e)
}

func (p *Persister) drainCallbacks(holder *identitycache.Holder, e *entry) {
	cbs := e.callbacks
	e.callbacks = nil
	holder.Cond.Broadcast()
	for _, cb := range cbs {
		cb()
	}
}

func (p *Persister) releaseAndSettle(holder *identitycache.Holder, e *entry) {
	p.releaseLease(context.Background(), holder, e.target.Index())
	p.mu.Lock()
	delete(p.inWork, holder)
	delete(p.inLongWork, holder)
	p.mu.Unlock()
	p.drainCallbacks(holder, e)
}

func (p *Persister) failTask(holder *identitycache.Holder, e *entry, err error) {
	p.releaseLease(context.Background(), holder, e.target.Index())
	p.mu.Lock()
	delete(p.inWork, holder)
	delete(p.inLongWork, holder)
	p.mu.Unlock()
	holder.Cond.Broadcast()
	p.reportError(holder, err)
}

func (p *Persister) releaseLease(ctx context.Context, holder *identitycache.Holder, index string) {
	if err := p.drv.Unlock(ctx, holder.Key, index); err != nil {
		p.log.Warn("unlock", zap.String("category", holder.Category), zap.String("key", holder.Key), zap.Error(err))
	}
}

func (p *Persister) reportError(holder *identitycache.Holder, err error) {
	p.log.Error("save task failed", zap.String("category", holder.Category), zap.String("key", holder.Key), zap.Error(err))
	if p.errHandler != nil {
		p.errHandler(holder.Category, holder.Key, err)
	}
}

// --- fire heap -----------------------------------------------------

// fireHeap is a min-heap of pending work entries ordered by fireAt,
// backing the dispatch loop's single wait-for-next-due-event timer
// (spec.md §4.5's "scheduled-task executor", one loop rather than one
// OS timer per in-flight record). Unlike a generic priority queue, it
// has no event-wrapper type of its own: an entry already carries every
// field the heap needs (fireAt, heapIdx) alongside the reschedule/
// needRemove/cancelSave/followup flags the dispatch loop inspects once
// the entry fires, so there is nothing left to duplicate in a second
// struct or a second holder-keyed lookup table. heapIdx is guarded by
// the same p.mu that guards inWork/inLongWork.
type fireHeap []*entry

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h fireHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *fireHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	e.heapIdx = -1
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
