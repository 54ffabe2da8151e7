// Package sortkey implements the SortKey codec (spec.md §4.1): it
// encodes heterogeneous sort values as fixed-width byte strings that
// compare byte-wise in the user-intended order.
package sortkey

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the four sortable value shapes spec.md §4.1
// defines encodings for, plus Null.
type Kind uint8

const (
	KindNull Kind = iota
	KindText
	KindTimestamp
	KindNumber
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindTimestamp:
		return "timestamp"
	case KindNumber:
		return "number"
	case KindOpaque:
		return "opaque"
	default:
		return "null"
	}
}

// Value is the sort value a record may carry. Exactly one of the
// typed fields is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Text   string
	Time   time.Time
	Number float64
	Opaque any
}

// TextOf builds a text-kind Value, collated per the owning category's
// locales at encode time.
func TextOf(s string) Value { return Value{Kind: KindText, Text: s} }

// TimestampOf builds a timestamp-kind Value.
func TimestampOf(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t.UTC()} }

// NumberOf builds a number-kind Value.
func NumberOf(n float64) Value { return Value{Kind: KindNumber, Number: n} }

// OpaqueOf builds an opaque-kind Value: equality/existence only,
// never range-comparable (spec.md §4.1, "Other serialisable").
func OpaqueOf(v any) Value { return Value{Kind: KindOpaque, Opaque: v} }

type wire struct {
	Kind   string `json:"kind"`
	Text   string `json:"text,omitempty"`
	Time   string `json:"time,omitempty"`
	Number float64 `json:"number,omitempty"`
	Opaque any    `json:"opaque,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wire{Kind: v.Kind.String()}
	switch v.Kind {
	case KindText:
		w.Text = v.Text
	case KindTimestamp:
		w.Time = v.Time.Format(time.RFC3339Nano)
	case KindNumber:
		w.Number = v.Number
	case KindOpaque:
		w.Opaque = v.Opaque
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "text":
		*v = Value{Kind: KindText, Text: w.Text}
	case "timestamp":
		t, err := time.Parse(time.RFC3339Nano, w.Time)
		if err != nil {
			return fmt.Errorf("sortkey: parse timestamp: %w", err)
		}
		*v = Value{Kind: KindTimestamp, Time: t}
	case "number":
		*v = Value{Kind: KindNumber, Number: w.Number}
	case "opaque":
		*v = Value{Kind: KindOpaque, Opaque: w.Opaque}
	default:
		*v = Value{Kind: KindNull}
	}
	return nil
}
