package storedmap

import (
	"context"
	"fmt"

	"github.com/edirooss/storedmap/internal/identitycache"
	"github.com/edirooss/storedmap/internal/persister"
	"github.com/edirooss/storedmap/internal/sortkey"
	"github.com/edirooss/storedmap/pkg/jsonx"
)

// Record is the logical unit identified by (category, key); its state
// is a Payload (spec.md §3 "Record identifier (Holder)", "Payload").
// A Record is not safe for concurrent use by itself, but every
// operation on it serialises correctly against concurrent operations
// from other Record handles on the same (category, key) via the
// shared Holder monitor.
type Record struct {
	holder   *identitycache.Holder
	category *Category

	payload *payload
}

// Key returns the record's key within its category.
func (r *Record) Key() string { return r.holder.Key }

// loadOrCreate implements spec.md §4.4's "Load-or-create payload"
// under the Holder monitor.
func (r *Record) loadOrCreate(ctx context.Context) error {
	r.holder.Mu.Lock()
	defer r.holder.Mu.Unlock()

	if cached, ok := r.holder.LoadPayload(); ok {
		if p, ok := (*cached).(*payload); ok {
			r.payload = p
			return nil
		}
	}

	raw, err := r.category.store.driver.Get(ctx, r.holder.Key, r.category.internalIndex)
	if err != nil {
		return fmt.Errorf("storedmap: load record %q: %w", r.holder.Key, err)
	}

	p, err := decodePayload(raw)
	if err != nil {
		return err
	}
	r.payload = p

	var cell any = p
	r.holder.StorePayload(&cell)
	return nil
}

// Tree returns the record's mutable map tree. Mutations must go
// through Mutate (or one of the field setters below) so the persister
// is informed.
func (r *Record) Tree() *OrderedMap {
	r.holder.Mu.Lock()
	defer r.holder.Mu.Unlock()
	return r.payload.Tree
}

// SetSort sets the record's sort value (spec.md §4.1).
func (r *Record) SetSort(ctx context.Context, v SortValue) error {
	return r.mutate(ctx, func(p *payload) { p.SortValue = v })
}

// SetSecondaryKey sets the record's optional secondary key.
func (r *Record) SetSecondaryKey(ctx context.Context, key string) error {
	return r.mutate(ctx, func(p *payload) { p.SecondaryKey = jsonx.FieldOf(key) })
}

// ClearSecondaryKey removes the record's secondary key.
func (r *Record) ClearSecondaryKey(ctx context.Context) error {
	return r.mutate(ctx, func(p *payload) { p.SecondaryKey = jsonx.Field[string]{} })
}

// SetTags sets the record's tag list. An empty slice is represented on
// disk as the sentinel (spec.md §3) and read back as empty.
func (r *Record) SetTags(ctx context.Context, tags []string) error {
	cp := append([]string(nil), tags...)
	return r.mutate(ctx, func(p *payload) { p.Tags = cp })
}

// Mutate applies fn to the record's map tree and registers the
// mutation with the persister, coalescing with any already-pending
// save for this record.
func (r *Record) Mutate(ctx context.Context, fn func(tree *OrderedMap)) error {
	return r.mutate(ctx, func(p *payload) { fn(p.Tree) })
}

// mutate implements spec.md §4.4's field-mutator pattern: schedule a
// save, then apply fn to the in-memory payload. The removed-record
// race (spec.md §7, "Remove finality") is resolved against the shared
// Holder rather than this handle alone: Removed is set under Holder.Mu
// by whichever Record (this one or a sibling handle obtained from an
// earlier Category.Get on the same key) commits the removal first, so
// every handle sharing the Holder sees it and refuses to resurrect the
// key with a stale mutation.
func (r *Record) mutate(ctx context.Context, fn func(p *payload)) error {
	r.holder.Mu.Lock()
	if r.holder.Removed {
		r.holder.Mu.Unlock()
		return ErrRecordRemoved
	}
	r.holder.Mu.Unlock()

	if err := r.category.store.persister.Schedule(ctx, r.holder, &recordTarget{r}, nil); err != nil {
		return err
	}

	r.holder.Mu.Lock()
	defer r.holder.Mu.Unlock()
	if r.holder.Removed {
		return ErrRecordRemoved
	}
	fn(r.payload)
	return nil
}

// Remove deletes the record (spec.md §4.4 "Remove"): cancels any
// scheduled save, drives the delete on the driver (reusing an
// in-flight save's lease when one exists), evicts the Holder from the
// identity cache, and marks the shared Holder removed so every other
// live handle on this key also observes the finality.
func (r *Record) Remove(ctx context.Context) error {
	r.holder.Mu.Lock()
	if r.holder.Removed {
		r.holder.Mu.Unlock()
		return nil
	}
	r.holder.Removed = true
	r.holder.Mu.Unlock()

	r.category.cache.Evict(r.holder.Key)

	if err := r.category.store.persister.Remove(ctx, r.holder, &recordTarget{r}); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnexpectedInterruption, err)
		}
		return fmt.Errorf("storedmap: remove record %q: %w", r.holder.Key, err)
	}
	return nil
}

// recordTarget adapts a Record to persister.Target, snapshotting its
// current in-memory payload for the write pipeline.
type recordTarget struct {
	r *Record
}

func (t *recordTarget) Index() string { return t.r.category.internalIndex }

func (t *recordTarget) Snapshot() (persister.Snapshot, error) {
	t.r.holder.Mu.Lock()
	defer t.r.holder.Mu.Unlock()

	p := t.r.payload
	bytes, err := p.encode()
	if err != nil {
		return persister.Snapshot{}, fmt.Errorf("storedmap: encode record %q: %w", t.r.holder.Key, err)
	}

	limits := t.r.category.store.driver.Limits()
	sortBytes := sortkey.Encode(p.SortValue, limits.MaxSorterLen, t.r.category.collator)
	secondaryKey, hasSecondaryKey := p.SecondaryKey.Value()

	return persister.Snapshot{
		Bytes:           bytes,
		Tree:            p.Tree.Flatten(),
		Locales:         t.r.category.locales,
		SecondaryKey:    secondaryKey,
		HasSecondaryKey: hasSecondaryKey,
		SortBytes:       sortBytes,
		Tags:            readableTags(p.Tags),
	}, nil
}
