package persister

import (
	"context"
	"time"
)

// Driver is the slice of the core's Driver capability interface the
// persister needs for the write pipeline: lease, primary write,
// secondary write, remove. Its method set is a structural subset of
// the root package's Driver interface, so any storedmap.Driver value
// satisfies this interface without an adapter.
type Driver interface {
	Put(ctx context.Context, key, index string, data []byte, onPrimaryDone func(err error), onReadyForSecondary func())
	PutSecondary(ctx context.Context, key, index string, tree map[string]any, locales []string, secondaryKey string, hasSecondaryKey bool, sortBytes []byte, tags []string, onDone func(err error))
	Remove(ctx context.Context, key, index string, onDone func(err error))
	TryLock(ctx context.Context, key, index string, ttl time.Duration) (waitHintMs int64, err error)
	Unlock(ctx context.Context, key, index string) error
}

// Snapshot is the serialised view of a record ready to hand to the
// driver: the primary blob bytes plus the inputs PutSecondary needs.
type Snapshot struct {
	Bytes           []byte
	Tree            map[string]any
	Locales         []string
	SecondaryKey    string
	HasSecondaryKey bool
	SortBytes       []byte
	Tags            []string
}

// Target is the record-side hook the persister calls back into. It
// is supplied fresh by the caller on every Schedule/Remove call so
// Snapshot always reflects the record's current in-memory state at
// fire time, per spec.md §4.5.1's "mutations made by the caller after
// return will be picked up by the task when it runs."
type Target interface {
	// Snapshot serialises the record's current in-memory state.
	Snapshot() (Snapshot, error)
	// Index is the record's internal (category) index name.
	Index() string
}
