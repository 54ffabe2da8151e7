// Package storedmap implements a persistent, driver-backed associative
// container keyed by string identifiers.
//
// A Store groups records into named Categories. Each record is an
// (ordered map tree, sort key, secondary key, tag set) tuple addressed
// by a string key. Reads are served through a weak-reference identity
// cache (package internal/identitycache); writes are coalesced and
// leased through a per-record persister (package internal/persister)
// so that at most one write per record is ever in flight, and no other
// client holding the same Driver backend may mutate the record
// concurrently.
//
// The package does not implement a storage backend itself. Callers
// supply a Driver (see driver.go); two reference implementations ship
// under drivers/memdriver and drivers/redisdriver.
package storedmap
