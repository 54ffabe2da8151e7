package identitycache

import "testing"

func TestLookupReturnsSameHolderWhileReferenced(t *testing.T) {
	c := New("widgets")
	h1 := c.Lookup("a")
	h2 := c.Lookup("a")
	if h1 != h2 {
		t.Fatalf("Lookup returned distinct Holders for the same key while both are referenced")
	}
	if h1.Category != "widgets" || h1.Key != "a" {
		t.Fatalf("Holder identity fields wrong: %+v", h1)
	}
}

func TestLookupDistinctKeysGetDistinctHolders(t *testing.T) {
	c := New("widgets")
	a := c.Lookup("a")
	b := c.Lookup("b")
	if a == b {
		t.Fatalf("distinct keys got the same Holder")
	}
}

func TestEvictRemovesCacheEntry(t *testing.T) {
	c := New("widgets")
	h1 := c.Lookup("a")
	c.Evict("a")
	h2 := c.Lookup("a")
	if h1 == h2 {
		t.Fatalf("Lookup after Evict returned the pre-eviction Holder")
	}
}

func TestStoreAndLoadPayload(t *testing.T) {
	c := New("widgets")
	h := c.Lookup("a")

	if _, ok := h.LoadPayload(); ok {
		t.Fatalf("LoadPayload reported present before any Store")
	}

	var cell Payload = "payload-value"
	h.StorePayload(&cell)

	got, ok := h.LoadPayload()
	if !ok {
		t.Fatalf("LoadPayload reported absent right after Store")
	}
	if *got != "payload-value" {
		t.Fatalf("LoadPayload returned %v, want %q", *got, "payload-value")
	}
}

func TestKeysReflectsLiveHolders(t *testing.T) {
	c := New("widgets")
	c.Lookup("a")
	c.Lookup("b")

	keys := c.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys returned %v, want 2 entries", keys)
	}
}
