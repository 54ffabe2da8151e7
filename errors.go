package storedmap

import "errors"

var (
	// ErrConfiguration is returned by GetStore when it cannot build a
	// Store from its arguments: a nil Driver, or a Driver reporting a
	// non-positive MaxIndexNameLen.
	ErrConfiguration = errors.New("storedmap: configuration failure")

	// ErrUnexpectedInterruption marks a waiter that was interrupted in a
	// way the library has no recovery story for. The library never
	// cancels its own blocking waits via goroutine interruption; seeing
	// this means the caller's context was canceled mid-wait.
	ErrUnexpectedInterruption = errors.New("storedmap: unexpected interruption")

	// ErrRecordRemoved is returned by mutators called on a Record whose
	// key has already had a removal committed against the shared
	// Holder (spec.md §7 "Remove finality") — by this handle, or by
	// another live handle on the same key. The mutation is rejected
	// outright: it is never applied to the in-memory payload and never
	// reaches the driver.
	ErrRecordRemoved = errors.New("storedmap: record removed")

	// ErrStoreClosed is returned by Store.Category once Store.Close has
	// been called. Category and Record methods do not check for a
	// closed Store.
	ErrStoreClosed = errors.New("storedmap: store is closed")
)
