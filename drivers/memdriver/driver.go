// Package memdriver is an in-process reference implementation of
// storedmap.Driver, backed by plain Go maps under a mutex. It exists
// to make the core testable and runnable without an external back
// end; it is not meant for production persistence (state is lost on
// process exit).
package memdriver

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	storedmap "github.com/edirooss/storedmap"
)

type record struct {
	primary []byte

	tree            map[string]any
	secondaryKey    string
	hasSecondaryKey bool
	sortBytes       []byte
	tags            []string
}

type lockEntry struct {
	expiry time.Time
}

// Driver is the in-memory reference driver.
type Driver struct {
	mu sync.Mutex

	limits storedmap.Limits

	// index -> key -> record
	data map[string]map[string]*record

	// index -> key -> lockEntry
	locks map[string]map[string]*lockEntry
}

// New builds an empty Driver. limits, if zero-valued, gets reasonable
// defaults for a reference/test driver.
func New(limits storedmap.Limits) *Driver {
	if limits.MaxIndexNameLen <= 0 {
		limits.MaxIndexNameLen = 64
	}
	if limits.MaxKeyLen <= 0 {
		limits.MaxKeyLen = 256
	}
	if limits.MaxTagLen <= 0 {
		limits.MaxTagLen = 128
	}
	if limits.MaxSorterLen <= 0 {
		limits.MaxSorterLen = 24
	}
	return &Driver{
		limits: limits,
		data:   make(map[string]map[string]*record),
		locks:  make(map[string]map[string]*lockEntry),
	}
}

func (d *Driver) Limits() storedmap.Limits { return d.limits }

func (d *Driver) Get(ctx context.Context, key, index string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.data[index]
	if !ok {
		return nil, nil
	}
	rec, ok := idx[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), rec.primary...), nil
}

func (d *Driver) Put(ctx context.Context, key, index string, data []byte, onPrimaryDone func(error), onReadyForSecondary func()) {
	d.mu.Lock()
	idx, ok := d.data[index]
	if !ok {
		idx = make(map[string]*record)
		d.data[index] = idx
	}
	rec, ok := idx[key]
	if !ok {
		rec = &record{}
		idx[key] = rec
	}
	rec.primary = append([]byte(nil), data...)
	d.mu.Unlock()

	onPrimaryDone(nil)
	onReadyForSecondary()
}

func (d *Driver) PutSecondary(ctx context.Context, key, index string, tree map[string]any, locales []string, secondaryKey string, hasSecondaryKey bool, sortBytes []byte, tags []string, onDone func(error)) {
	d.mu.Lock()
	idx, ok := d.data[index]
	if !ok {
		idx = make(map[string]*record)
		d.data[index] = idx
	}
	rec, ok := idx[key]
	if !ok {
		rec = &record{}
		idx[key] = rec
	}
	rec.tree = tree
	rec.secondaryKey = secondaryKey
	rec.hasSecondaryKey = hasSecondaryKey
	rec.sortBytes = append([]byte(nil), sortBytes...)
	rec.tags = append([]string(nil), tags...)
	d.mu.Unlock()

	onDone(nil)
}

func (d *Driver) Remove(ctx context.Context, key, index string, onDone func(error)) {
	d.mu.Lock()
	if idx, ok := d.data[index]; ok {
		delete(idx, key)
	}
	d.mu.Unlock()
	onDone(nil)
}

func (d *Driver) Indices(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.data))
	for idx := range d.data {
		out = append(out, idx)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Driver) TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idxLocks, ok := d.locks[index]
	if !ok {
		idxLocks = make(map[string]*lockEntry)
		d.locks[index] = idxLocks
	}

	now := time.Now()
	if l, held := idxLocks[key]; held && now.Before(l.expiry) {
		wait := l.expiry.Sub(now).Milliseconds()
		if wait <= 0 {
			wait = 1
		}
		return wait, nil
	}

	idxLocks[key] = &lockEntry{expiry: now.Add(ttl)}
	return 0, nil
}

func (d *Driver) Unlock(ctx context.Context, key, index string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idxLocks, ok := d.locks[index]; ok {
		delete(idxLocks, key)
	}
	return nil
}

func (d *Driver) Close() error { return nil }

// List implements a straightforward in-memory scan honoring
// ListFilter's tag/sort-range/query fields and ListOptions pagination.
func (d *Driver) List(ctx context.Context, index string, opts storedmap.ListOptions) storedmap.KeyIterator {
	d.mu.Lock()
	idx := d.data[index]
	keys := matchingKeys(idx, opts.Filter)
	d.mu.Unlock()

	from := int(opts.From)
	if from < 0 {
		from = 0
	}
	if from > len(keys) {
		from = len(keys)
	}
	end := len(keys)
	if opts.Size > 0 && from+int(opts.Size) < end {
		end = from + int(opts.Size)
	}
	return &sliceIterator{keys: keys[from:end], pos: -1}
}

func (d *Driver) Count(ctx context.Context, index string, filter storedmap.ListFilter) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(matchingKeys(d.data[index], filter))), nil
}

func matchingKeys(idx map[string]*record, filter storedmap.ListFilter) []string {
	if idx == nil {
		return nil
	}

	var out []string
	for key, rec := range idx {
		if !matchesFilter(rec, filter) {
			continue
		}
		out = append(out, key)
	}

	if filter.SortFrom != nil || filter.SortTo != nil || filter.SortDescending {
		sort.Slice(out, func(i, j int) bool {
			si, sj := idx[out[i]].sortBytes, idx[out[j]].sortBytes
			if filter.SortDescending {
				return bytes.Compare(si, sj) > 0
			}
			return bytes.Compare(si, sj) < 0
		})
	} else {
		sort.Strings(out)
	}
	return out
}

func matchesFilter(rec *record, filter storedmap.ListFilter) bool {
	if filter.SortFrom != nil && bytes.Compare(rec.sortBytes, filter.SortFrom) < 0 {
		return false
	}
	if filter.SortTo != nil && bytes.Compare(rec.sortBytes, filter.SortTo) > 0 {
		return false
	}
	if len(filter.Tags) > 0 {
		matched := false
		for _, want := range filter.Tags {
			for _, got := range rec.tags {
				if want == got {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false
		}
	}
	if filter.Query != "" {
		if !strings.Contains(fmt.Sprint(rec.tree), filter.Query) && !strings.Contains(rec.secondaryKey, filter.Query) {
			return false
		}
	}
	return true
}

type sliceIterator struct {
	keys []string
	pos  int
	err  error
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	it.pos++
	return it.pos < len(it.keys)
}

func (it *sliceIterator) Key() string {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return ""
	}
	return it.keys[it.pos]
}

func (it *sliceIterator) Err() error  { return it.err }
func (it *sliceIterator) Close() error { return nil }
