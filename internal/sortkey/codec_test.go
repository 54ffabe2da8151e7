package sortkey

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeNullIsEmpty(t *testing.T) {
	if got := Encode(Value{}, 24, NewCollator(nil)); got != nil {
		t.Fatalf("null value: got %v, want nil", got)
	}
}

func TestEncodeNumberPreservesOrder(t *testing.T) {
	const width = 16
	values := []float64{-1000, -1, -0.5, 0, 0.5, 1, 1000}
	var prev []byte
	for _, v := range values {
		b := Encode(NumberOf(v), width, NewCollator(nil))
		if len(b) != width {
			t.Fatalf("NumberOf(%v): got width %d, want %d", v, len(b), width)
		}
		if prev != nil && bytes.Compare(prev, b) >= 0 {
			t.Fatalf("NumberOf(%v) did not sort after previous value", v)
		}
		prev = b
	}
}

func TestEncodeNumberClampsToFixedWidth(t *testing.T) {
	const width = 8
	hi := Encode(NumberOf(1e300), width, NewCollator(nil))
	lo := Encode(NumberOf(-1e300), width, NewCollator(nil))
	mid := Encode(NumberOf(0), width, NewCollator(nil))

	if bytes.Compare(lo, mid) >= 0 || bytes.Compare(mid, hi) >= 0 {
		t.Fatalf("clamped extremes did not preserve order: lo=%x mid=%x hi=%x", lo, mid, hi)
	}

	// Saturating: values beyond the representable range collapse to the
	// same clamped bound rather than wrapping or overflowing.
	hi2 := Encode(NumberOf(1e301), width, NewCollator(nil))
	if !bytes.Equal(hi, hi2) {
		t.Fatalf("expected saturation at the upper bound, got %x != %x", hi, hi2)
	}
}

func TestEncodeTimestampPreservesOrder(t *testing.T) {
	t1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	b1 := Encode(TimestampOf(t1), 40, NewCollator(nil))
	b2 := Encode(TimestampOf(t2), 40, NewCollator(nil))
	if bytes.Compare(b1, b2) >= 0 {
		t.Fatalf("earlier timestamp did not sort before later one")
	}
}

func TestEncodeTextUsesCollatorAndCapsLength(t *testing.T) {
	c := NewCollator([]string{"en"})
	b := Encode(TextOf("hello world, this runs well past the cap"), 4, c)
	if len(b) > 4 {
		t.Fatalf("text encoding exceeded maxSorterLen: got %d bytes", len(b))
	}
}

func TestEncodeOpaqueIsEqualityOnly(t *testing.T) {
	a := Encode(OpaqueOf("x"), 16, NewCollator(nil))
	b := Encode(OpaqueOf("x"), 16, NewCollator(nil))
	c := Encode(OpaqueOf("y"), 16, NewCollator(nil))
	if !bytes.Equal(a, b) {
		t.Fatalf("identical opaque values encoded differently")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("distinct opaque values encoded identically")
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []Value{
		{},
		TextOf("abc"),
		TimestampOf(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		NumberOf(3.5),
	}
	for _, v := range cases {
		b, err := v.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%+v): %v", v, err)
		}
		var got Value
		if err := got.UnmarshalJSON(b); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", b, err)
		}
		if got.Kind != v.Kind {
			t.Fatalf("round trip kind mismatch: got %v, want %v", got.Kind, v.Kind)
		}
	}
}
