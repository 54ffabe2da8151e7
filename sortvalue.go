package storedmap

import (
	"time"

	"github.com/edirooss/storedmap/internal/sortkey"
)

// SortValue is the typed value a record's sort key is derived from
// (spec.md §4.1). The underlying encoder lives in internal/sortkey so
// it can also be consumed by the category/store layer without this
// package importing back into it; SortValue is a direct alias so
// callers only ever see the public storedmap name.
type SortValue = sortkey.Value

// SortNull is the zero SortValue: no sort key is encoded for the
// record (it sorts first or last depending on driver convention).
var SortNull = sortkey.Value{}

// SortText builds a SortValue sorted by collated text comparison
// within the record's category locale.
func SortText(s string) SortValue { return sortkey.TextOf(s) }

// SortTimestamp builds a SortValue sorted chronologically.
func SortTimestamp(t time.Time) SortValue { return sortkey.TimestampOf(t) }

// SortNumber builds a SortValue sorted numerically.
func SortNumber(n float64) SortValue { return sortkey.NumberOf(n) }

// SortOpaque builds a SortValue from an arbitrary driver-specific
// value, passed through to the configured encoder uninterpreted.
func SortOpaque(v any) SortValue { return sortkey.OpaqueOf(v) }
