package storedmap

import (
	"encoding/json"
	"testing"
)

func TestOrderedMapPreservesInsertionOrder(t *testing.T) {
	m := NewOrderedMap()
	m.Set("z", 1)
	m.Set("a", 2)
	m.Set("m", 3)

	got := m.Keys()
	want := []string{"z", "a", "m"}
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestOrderedMapSetNestedPath(t *testing.T) {
	m := NewOrderedMap()
	m.Set("a/b/c", "leaf")

	v, ok := m.Get("a/b/c")
	if !ok || v != "leaf" {
		t.Fatalf("Get(a/b/c) = (%v, %v), want (leaf, true)", v, ok)
	}
}

func TestOrderedMapDelete(t *testing.T) {
	m := NewOrderedMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Delete("a")

	if _, ok := m.Get("a"); ok {
		t.Fatalf("Get(a) reported present after Delete")
	}
	if got := m.Keys(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Keys() = %v, want [b]", got)
	}
}

func TestOrderedMapJSONRoundTripPreservesOrder(t *testing.T) {
	m := NewOrderedMap()
	m.Set("z", float64(1))
	m.Set("a", "two")
	m.Set("nested", nil)
	m.Set("nested/x", float64(3))

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out OrderedMap
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	gotKeys := out.Keys()
	wantKeys := []string{"z", "a", "nested"}
	if len(gotKeys) != len(wantKeys) {
		t.Fatalf("round-tripped Keys() = %v, want %v", gotKeys, wantKeys)
	}
	for i := range wantKeys {
		if gotKeys[i] != wantKeys[i] {
			t.Fatalf("round-tripped Keys() = %v, want %v", gotKeys, wantKeys)
		}
	}

	v, ok := out.Get("nested/x")
	if !ok || v != float64(3) {
		t.Fatalf("round-tripped Get(nested/x) = (%v, %v), want (3, true)", v, ok)
	}
}

func TestPayloadEncodeDecodeSubstitutesTagsSentinel(t *testing.T) {
	p := newPayload()
	p.Tags = nil

	raw, err := p.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decodePayload(raw)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if len(got.Tags) != 0 {
		t.Fatalf("decoded Tags = %v, want empty slice", got.Tags)
	}
}

func TestPayloadEncodeDecodePreservesTags(t *testing.T) {
	p := newPayload()
	p.Tags = []string{"x", "y"}

	raw, err := p.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decodePayload(raw)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "x" || got.Tags[1] != "y" {
		t.Fatalf("decoded Tags = %v, want [x y]", got.Tags)
	}
}

func TestDecodePayloadEmptyInputYieldsFreshPayload(t *testing.T) {
	p, err := decodePayload(nil)
	if err != nil {
		t.Fatalf("decodePayload(nil): %v", err)
	}
	if p.Tree == nil {
		t.Fatalf("fresh payload has nil Tree")
	}
	if len(p.Tags) != 0 {
		t.Fatalf("fresh payload Tags = %v, want empty", p.Tags)
	}
}
