// Package identitycache guarantees a single Holder (and hence a
// single monitor and a single weak-cached payload) per (category, key)
// pair within a process (spec.md §4.3).
package identitycache

import (
	"sync"
	"weak"
)

// Payload is the opaque in-memory record state the Holder weakly
// caches. The root storedmap package defines the concrete type; this
// package only needs to hold a weak reference to it.
type Payload = any

// Holder is the canonical identity object for a (category, key) pair.
// It owns the monitor (Mu/Cond) that serialises every operation
// touching the record, and a weak reference to the record's in-memory
// Payload.
//
// There is at most one live Holder per (category, key) per Cache; the
// Cache enforces this via a weak map entry, matching spec.md §4.3's
// invariant.
type Holder struct {
	Category string
	Key      string

	Mu   sync.Mutex
	Cond *sync.Cond

	// Removed marks this Holder's key as finality-removed (spec.md §7
	// "Remove finality"). It is guarded by Mu, the same monitor every
	// Record handle sharing this Holder already locks around mutation
	// and removal, so the flag is visible to every handle on the key,
	// not just the one that called Remove.
	Removed bool

	payloadMu sync.Mutex
	payload   weak.Pointer[Payload]
}

func newHolder(category, key string) *Holder {
	h := &Holder{Category: category, Key: key}
	h.Cond = sync.NewCond(&h.Mu)
	return h
}

// LoadPayload returns the weakly-cached payload, or (nil, false) if
// the weak slot is empty (never installed, or garbage collected).
func (h *Holder) LoadPayload() (*Payload, bool) {
	h.payloadMu.Lock()
	defer h.payloadMu.Unlock()
	p := h.payload.Value()
	return p, p != nil
}

// StorePayload installs p as the weakly-cached payload. The caller
// retains the strong reference (typically the Record handle); once
// all strong references are dropped, the payload becomes eligible for
// collection and LoadPayload will again report absent.
func (h *Holder) StorePayload(p *Payload) {
	h.payloadMu.Lock()
	defer h.payloadMu.Unlock()
	h.payload = weak.Make(p)
}

// Cache maps key -> weak Holder reference for a single category. At
// most one live Holder exists per key: lookups under contention return
// the same instance until every external reference is dropped and the
// entry is collected.
type Cache struct {
	mu      sync.Mutex
	holders map[string]weak.Pointer[Holder]
	category string
}

// New builds an empty Cache scoped to category (used only for Holder
// identity; the Cache itself performs no I/O).
func New(category string) *Cache {
	return &Cache{holders: make(map[string]weak.Pointer[Holder]), category: category}
}

// Lookup returns the live Holder for key, allocating one if none is
// currently cached (spec.md §4.3 "lookup(key)").
func (c *Cache) Lookup(key string) *Holder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wp, ok := c.holders[key]; ok {
		if h := wp.Value(); h != nil {
			return h
		}
	}

	h := newHolder(c.category, key)
	c.holders[key] = weak.Make(h)
	return h
}

// Evict removes the cached entry for key (spec.md §4.3 "evict(key)",
// called when a record is removed).
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.holders, key)
}

// Keys returns a snapshot of the keys currently cached, including
// entries whose Holder is still live but may not yet be reflected in
// the driver's index (spec.md §4.3 "keys()", used by enumeration to
// include not-yet-persisted records per spec.md §8 scenario 6).
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.holders))
	for k, wp := range c.holders {
		if wp.Value() != nil {
			out = append(out, k)
		}
	}
	return out
}
