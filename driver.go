package storedmap

import (
	"context"
	"time"
)

// Limits reports the driver's back-end constraints. The core consults
// these when deriving internal index names (internal/nametranslate)
// and when encoding sort keys (internal/sortkey).
type Limits struct {
	MaxIndexNameLen int // longest legal index (category) name
	MaxKeyLen       int // longest legal record key
	MaxTagLen       int // longest legal tag string
	MaxSorterLen    int // fixed width of an encoded sort-key byte string
}

// ListFilter narrows an enumeration or count. Any combination of
// fields may be set; a zero-value filter matches everything.
type ListFilter struct {
	// Query is passed through to the driver verbatim; the core does
	// not interpret or validate it.
	Query string

	// SortFrom/SortTo bound an inclusive byte-wise range over encoded
	// sort-key bytes (see internal/sortkey). A nil bound is open.
	SortFrom, SortTo []byte
	// SortDescending reverses iteration order within the range.
	SortDescending bool

	// Tags, if non-empty, matches records carrying any of the listed
	// tags (logical OR).
	Tags []string
}

// ListOptions paginates an enumeration.
type ListOptions struct {
	Filter ListFilter
	From   int64 // offset, 0-based
	Size   int64 // 0 means driver-default page size
}

// KeyIterator is a lazy, finite sequence of record keys. Callers must
// call Close once done, even after exhausting Next, to release any
// driver-side cursor.
type KeyIterator interface {
	// Next advances the iterator. It returns false at end of sequence
	// or on error; callers must then inspect Err.
	Next(ctx context.Context) bool
	// Key returns the key at the current position. Valid only after a
	// true return from Next.
	Key() string
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases driver-side resources. Idempotent.
	Close() error
}

// Driver is the capability interface the core coordinates. The core
// never blocks on Driver calls inside a record's monitor (see
// internal/identitycache); all write-side calls are asynchronous and
// report completion via callback.
//
// Implementations must invoke every callback exactly once, and must
// invoke onPrimaryDone before onReadyForSecondary (they may coincide).
// Two reference implementations ship under drivers/memdriver (in
// process, for tests) and drivers/redisdriver (Redis-backed).
type Driver interface {
	// Limits reports this driver's back-end constraints.
	Limits() Limits

	// Get reads the primary blob for (key, index). Returns
	// (nil, nil) if absent — not an error.
	Get(ctx context.Context, key, index string) ([]byte, error)

	// Put writes the primary blob for (key, index). onPrimaryDone
	// fires once the blob is durably accepted; onReadyForSecondary
	// fires once the driver is ready to accept the paired secondary
	// write (which may be the same instant).
	Put(ctx context.Context, key, index string, data []byte, onPrimaryDone func(err error), onReadyForSecondary func())

	// PutSecondary indexes the record's searchable projection: the
	// decoded map tree (for text query), the category's locales (for
	// collation), the optional secondary key, the encoded sort-key
	// bytes, and the tag set.
	PutSecondary(ctx context.Context, key, index string, tree map[string]any, locales []string, secondaryKey string, hasSecondaryKey bool, sortBytes []byte, tags []string, onDone func(err error))

	// Remove deletes both the primary blob and the secondary entry
	// for (key, index).
	Remove(ctx context.Context, key, index string, onDone func(err error))

	// List returns a lazy enumeration of keys in index matching opts.
	List(ctx context.Context, index string, opts ListOptions) KeyIterator

	// Count returns the number of keys in index matching filter.
	Count(ctx context.Context, index string, filter ListFilter) (int64, error)

	// Indices enumerates the internal index names known to the
	// driver (used by the name translator's inverse lookup and by
	// diagnostics; not required to be exhaustive across eventually-
	// consistent back ends).
	Indices(ctx context.Context) ([]string, error)

	// TryLock attempts to acquire the advisory lease on (key, index)
	// for ttl. A return value <= 0 means the lease was acquired. A
	// positive return value is a wait hint in milliseconds: another
	// client holds the lease and the caller should retry no sooner
	// than that many milliseconds from now.
	TryLock(ctx context.Context, key, index string, ttl time.Duration) (waitHintMs int64, err error)

	// Unlock releases a lease previously acquired by this process via
	// TryLock. Unlocking a lease already expired or held by another
	// process must be a silent no-op.
	Unlock(ctx context.Context, key, index string) error

	// Close releases driver-held resources (connections, pools).
	Close() error
}
