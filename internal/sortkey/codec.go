package sortkey

import (
	"math/big"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Collator wraps a golang.org/x/text/collate.Collator scoped to a
// category's ordered locale list (spec.md §4.2 "Collator is
// category-scoped"). The zero value is not usable; build one with
// NewCollator.
type Collator struct {
	c *collate.Collator
}

// NewCollator builds a Collator for the given ordered BCP-47 locale
// tags. An empty or entirely-unparseable list falls back to
// language.Und, matching the "default collation" a driver would use
// when no locale is configured.
func NewCollator(locales []string) *Collator {
	tag := language.Und
	for _, l := range locales {
		if t, err := language.Parse(l); err == nil {
			tag = t
			break
		}
	}
	return &Collator{c: collate.New(tag)}
}

// Key returns the collation key bytes for s, per this Collator's
// locale.
func (c *Collator) Key(s string) []byte {
	var buf collate.Buffer
	return c.c.KeyFromString(&buf, s)
}

// Encode produces a byte string of at most maxSorterLen bytes that
// compares byte-wise in the user-intended order, per spec.md §4.1.
// Numbers are always exactly maxSorterLen bytes; text, timestamp and
// opaque encodings are cut to maxSorterLen when longer.
//
// A zero-value (KindNull) Value encodes to an empty byte slice (no
// index entry), matching "Null → empty sentinel".
func Encode(v Value, maxSorterLen int, collator *Collator) []byte {
	switch v.Kind {
	case KindNull:
		return nil
	case KindText:
		return capLen(collator.Key(v.Text), maxSorterLen)
	case KindTimestamp:
		return capLen([]byte(v.Time.UTC().Format(timestampLayout)), maxSorterLen)
	case KindNumber:
		return encodeNumber(v.Number, maxSorterLen)
	case KindOpaque:
		return capLen(opaqueBytes(v.Opaque), maxSorterLen)
	default:
		return nil
	}
}

// timestampLayout is RFC 3339 in UTC with a fixed nine-digit fraction,
// so every encoded timestamp has the same width and byte order matches
// chronological order (RFC3339Nano drops trailing zeros, which would
// sort "00.5Z" before "00Z").
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func capLen(b []byte, maxLen int) []byte {
	if maxLen <= 0 || len(b) <= maxLen {
		return b
	}
	return b[:maxLen]
}

func opaqueBytes(v any) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return nil
	}
}

// bigBound returns the saturation bound BIG = 0x7F FF .. FF of length
// L-1 bytes, per spec.md §4.1 step 1.
func bigBound(l int) *big.Int {
	if l <= 1 {
		return big.NewInt(0)
	}
	bs := make([]byte, l-1)
	bs[0] = 0x7F
	for i := 1; i < len(bs); i++ {
		bs[i] = 0xFF
	}
	return new(big.Int).SetBytes(bs)
}

// encodeNumber implements spec.md §4.1's numeric encoding:
//
//  1. BIG = 0x7F FF..FF, L-1 bytes.
//  2. v = n shifted right by floor(digits(BIG)/2) decimal places,
//     truncated to an integer.
//  3. Clamp v to [-BIG, BIG].
//  4. v += BIG, yielding [0, 2*BIG].
//  5. Right-align the byte form of v in a zero-initialised L-byte
//     buffer.
//
// The half-digit shift reserves the lower half of the decimal range
// for fractional precision (spec.md's "Open question": the split is
// implementation-defined but fixed per store so keys stay mutually
// comparable — this module fixes it at construction time).
func encodeNumber(n float64, l int) []byte {
	if l <= 0 {
		return nil
	}
	big_ := bigBound(l)
	digits := len(big_.String())
	shift := digits / 2

	scale := new(big.Float).SetFloat64(n)
	pow := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shift)), nil))
	scale.Mul(scale, pow)

	vInt, _ := scale.Int(nil)

	negBig := new(big.Int).Neg(big_)
	if vInt.Cmp(big_) > 0 {
		vInt = new(big.Int).Set(big_)
	}
	if vInt.Cmp(negBig) < 0 {
		vInt = new(big.Int).Set(negBig)
	}

	vInt.Add(vInt, big_)

	out := make([]byte, l)
	src := vInt.Bytes()
	copy(out[l-len(src):], src)
	return out
}
