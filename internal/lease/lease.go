// Package lease implements the bounded-retry acquisition loop used
// against the driver's advisory, timed, cross-process lock (spec.md
// §5 "Suspension points" / §6 "Leases").
package lease

import (
	"context"
	"time"
)

// Locker is the subset of Driver the lease acquisition loop needs.
type Locker interface {
	TryLock(ctx context.Context, key, index string, ttl time.Duration) (waitHintMs int64, err error)
	Unlock(ctx context.Context, key, index string) error
}

// Lease is a convenience wrapper around a (key, index) lock pair on a
// Locker, implementing the bounded backoff spec.md §5 describes:
// "Waiters back off by timed wait ... min(hint, 2s), floor 5ms."
type Lease struct {
	locker Locker
	key    string
	index  string
	ttl    time.Duration
}

// New builds a Lease for (key, index) with the given TTL. Acquire may
// be called repeatedly; each call runs its own bounded retry loop.
func New(locker Locker, key, index string, ttl time.Duration) *Lease {
	return &Lease{locker: locker, key: key, index: index, ttl: ttl}
}

const (
	maxBackoff = 2 * time.Second
	minBackoff = 5 * time.Millisecond
)

// Acquire blocks until the lease is held or ctx is done. It retries
// TryLock using the driver's wait hint, clamped to [minBackoff,
// maxBackoff].
func (l *Lease) Acquire(ctx context.Context) error {
	for {
		wait, err := l.locker.TryLock(ctx, l.key, l.index, l.ttl)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		d := time.Duration(wait) * time.Millisecond
		if d > maxBackoff {
			d = maxBackoff
		}
		if d < minBackoff {
			d = minBackoff
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Release releases a previously acquired lease. Releasing a lease
// this process never held (e.g. it already expired) must be a silent
// no-op; Driver implementations are required to honor that.
func (l *Lease) Release(ctx context.Context) error {
	return l.locker.Unlock(ctx, l.key, l.index)
}
