package jsonx

import (
	"encoding/json"
	"testing"
)

type fieldHolder struct {
	Name Field[string] `json:"name"`
}

func TestFieldAbsentWhenKeyMissing(t *testing.T) {
	var h fieldHolder
	if err := json.Unmarshal([]byte(`{}`), &h); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if h.Name.IsSet() {
		t.Fatalf("Name reported set when the key was absent")
	}
	if _, ok := h.Name.Value(); ok {
		t.Fatalf("Value reported present when the key was absent")
	}
}

func TestFieldNullIsDistinctFromAbsent(t *testing.T) {
	var h fieldHolder
	if err := json.Unmarshal([]byte(`{"name":null}`), &h); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !h.Name.IsSet() {
		t.Fatalf("Name reported unset for an explicit null")
	}
	if !h.Name.IsNull() {
		t.Fatalf("Name reported non-null for an explicit null")
	}
	if _, ok := h.Name.Value(); ok {
		t.Fatalf("Value reported present for a null field")
	}
}

func TestFieldValuePresent(t *testing.T) {
	var h fieldHolder
	if err := json.Unmarshal([]byte(`{"name":"widget"}`), &h); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	v, ok := h.Name.Value()
	if !ok || v != "widget" {
		t.Fatalf("Value() = (%q, %v), want (%q, true)", v, ok, "widget")
	}
}

func TestFieldOfMarshalsValue(t *testing.T) {
	b, err := json.Marshal(fieldHolder{Name: FieldOf("widget")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"name":"widget"}` {
		t.Fatalf("Marshal = %s", b)
	}
}

func TestZeroFieldMarshalsNull(t *testing.T) {
	b, err := json.Marshal(fieldHolder{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"name":null}` {
		t.Fatalf("Marshal = %s", b)
	}
}
