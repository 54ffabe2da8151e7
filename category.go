package storedmap

import (
	"context"
	"fmt"

	"github.com/edirooss/storedmap/internal/identitycache"
	"github.com/edirooss/storedmap/internal/sortkey"
)

// Category is a named group of records sharing a back-end index
// (spec.md §3 "Category"). Obtain one via Store.Category.
type Category struct {
	store *Store

	name          string
	internalIndex string
	locales       []string
	collator      *sortkey.Collator

	cache *identitycache.Cache
}

func newCategory(store *Store, name, internalIndex string, locales []string) *Category {
	return &Category{
		store:         store,
		name:          name,
		internalIndex: internalIndex,
		locales:       locales,
		collator:      sortkey.NewCollator(locales),
		cache:         identitycache.New(name),
	}
}

// Name returns the user-supplied category name.
func (c *Category) Name() string { return c.name }

// InternalIndex returns the derived, back-end-legal index name
// (spec.md §4.2).
func (c *Category) InternalIndex() string { return c.internalIndex }

// Get loads-or-creates the Record identified by key (spec.md §4.4
// "Load-or-create payload"). Reads bypass the persister; they load
// through the identity cache directly.
//
// A Holder already marked Removed (its key's prior Remove committed,
// but the cache entry has not yet been evicted) is never handed back:
// Get evicts it and looks up a fresh Holder instead, so every handle
// this method returns starts from a clean, live identity.
func (c *Category) Get(ctx context.Context, key string) (*Record, error) {
	for {
		holder := c.cache.Lookup(key)

		holder.Mu.Lock()
		removed := holder.Removed
		holder.Mu.Unlock()
		if removed {
			c.cache.Evict(key)
			continue
		}

		r := &Record{holder: holder, category: c}
		if err := r.loadOrCreate(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Keys enumerates keys in this category matching filter, unioning the
// driver's index with keys held only in the identity cache (spec.md
// §4.3 "keys()", §8 scenario 6: records mutated but not yet saved must
// still appear).
func (c *Category) Keys(ctx context.Context, filter ListFilter) ([]string, error) {
	it := c.store.driver.List(ctx, c.internalIndex, ListOptions{Filter: filter})
	defer it.Close()

	seen := make(map[string]struct{})
	var out []string
	for it.Next(ctx) {
		k := it.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("storedmap: list %q: %w", c.name, err)
	}

	for _, k := range c.cache.Keys() {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

// Count returns the number of records matching filter, including
// cached-but-unpersisted keys the driver does not yet index.
func (c *Category) Count(ctx context.Context, filter ListFilter) (int64, error) {
	n, err := c.store.driver.Count(ctx, c.internalIndex, filter)
	if err != nil {
		return 0, fmt.Errorf("storedmap: count %q: %w", c.name, err)
	}

	extra := int64(0)
	driverKeys, err := c.driverKeySet(ctx, filter)
	if err != nil {
		return 0, err
	}
	for _, k := range c.cache.Keys() {
		if _, ok := driverKeys[k]; !ok {
			extra++
		}
	}
	return n + extra, nil
}

func (c *Category) driverKeySet(ctx context.Context, filter ListFilter) (map[string]struct{}, error) {
	it := c.store.driver.List(ctx, c.internalIndex, ListOptions{Filter: filter})
	defer it.Close()

	out := make(map[string]struct{})
	for it.Next(ctx) {
		out[it.Key()] = struct{}{}
	}
	return out, it.Err()
}
