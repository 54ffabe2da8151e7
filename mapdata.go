package storedmap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edirooss/storedmap/pkg/jsonx"
)

// Value is the type of a scalar, a nested *OrderedMap, or a []Value,
// as stored in a record's map tree.
type Value = any

// OrderedMap is an insertion-ordered string-keyed map. It is the
// in-memory shape of the "ordered nested object tree" the spec
// describes: values are scalars, *OrderedMap, or []Value.
//
// OrderedMap is not safe for concurrent use; mutation is always done
// under the owning Record's Holder monitor (internal/identitycache).
type OrderedMap struct {
	keys []string
	vals map[string]Value
}

// NewOrderedMap returns an empty, ready-to-use OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{vals: make(map[string]Value)}
}

// Keys returns the map's keys in insertion order. Callers must not
// mutate the returned slice.
func (m *OrderedMap) Keys() []string { return m.keys }

// Get returns the value at path ("/"-separated for nested maps) and
// whether it was present.
func (m *OrderedMap) Get(path string) (Value, bool) {
	cur := m
	parts := strings.Split(path, "/")
	for i, p := range parts {
		v, ok := cur.vals[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(*OrderedMap)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Set stores v at path, creating intermediate *OrderedMap nodes as
// needed. It overwrites any existing scalar found along the path.
func (m *OrderedMap) Set(path string, v Value) {
	cur := m
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if i == len(parts)-1 {
			cur.put(p, v)
			return
		}
		next, ok := cur.vals[p].(*OrderedMap)
		if !ok {
			next = NewOrderedMap()
			cur.put(p, next)
		}
		cur = next
	}
}

// Delete removes the value at path, if present.
func (m *OrderedMap) Delete(path string) {
	cur := m
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if i == len(parts)-1 {
			cur.remove(p)
			return
		}
		next, ok := cur.vals[p].(*OrderedMap)
		if !ok {
			return
		}
		cur = next
	}
}

func (m *OrderedMap) put(key string, v Value) {
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

func (m *OrderedMap) remove(key string) {
	if _, exists := m.vals[key]; !exists {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Flatten converts the OrderedMap tree into a plain map[string]any
// tree (order lost, lists preserved), the shape Driver.PutSecondary
// expects for text indexing.
func (m *OrderedMap) Flatten() map[string]any {
	out := make(map[string]any, len(m.keys))
	for _, k := range m.keys {
		out[k] = flattenValue(m.vals[k])
	}
	return out
}

func flattenValue(v Value) any {
	switch t := v.(type) {
	case *OrderedMap:
		return t.Flatten()
	case []Value:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = flattenValue(e)
		}
		return out
	default:
		return t
	}
}

// MarshalJSON preserves key order by emitting an object literal
// directly rather than delegating to encoding/json's map handling
// (which sorts keys).
func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := marshalValue(m.vals[k])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func marshalValue(v Value) ([]byte, error) {
	switch t := v.(type) {
	case *OrderedMap:
		return t.MarshalJSON()
	case []Value:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			eb, err := marshalValue(e)
			if err != nil {
				return nil, err
			}
			b.Write(eb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(t)
	}
}

// UnmarshalJSON rebuilds an OrderedMap from a JSON object, preserving
// source key order via json.Decoder's token stream.
func (m *OrderedMap) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("storedmap: expected JSON object")
	}
	*m = *NewOrderedMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		v, err := unmarshalValue(raw)
		if err != nil {
			return err
		}
		m.put(key, v)
	}
	_, err = dec.Token() // closing '}'
	return err
}

func unmarshalValue(raw json.RawMessage) (Value, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		sub := NewOrderedMap()
		if err := sub.UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		return sub, nil
	case '[':
		var rawList []json.RawMessage
		if err := json.Unmarshal(raw, &rawList); err != nil {
			return nil, err
		}
		out := make([]Value, len(rawList))
		for i, r := range rawList {
			v, err := unmarshalValue(r)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// tagsSentinel is substituted for an empty tag list on persist and
// substituted back to an empty slice on read, per spec.md §3: "the
// tag list is either [SENTINEL] or a non-empty user list (never
// empty)".
const tagsSentinel = "\x00storedmap:no-tags\x00"

// payload is the serialisable tuple backing a record: MapData in the
// spec's terms.
type payload struct {
	Tree         *OrderedMap      `json:"tree"`
	SortValue    SortValue        `json:"sort"`
	SecondaryKey jsonx.Field[string] `json:"secondary_key"`
	Tags         []string         `json:"tags"`
}

func newPayload() *payload {
	return &payload{Tree: NewOrderedMap(), Tags: []string{tagsSentinel}}
}

// encode serialises the payload to bytes for the primary blob store.
func (p *payload) encode() ([]byte, error) {
	tags := p.Tags
	if len(tags) == 0 {
		tags = []string{tagsSentinel}
	}
	cp := *p
	cp.Tags = tags
	return json.Marshal(&cp)
}

// decodePayload deserialises a primary blob. A nil/empty input yields
// a fresh empty payload, matching "else construct an empty Payload"
// in spec.md §4.4.
func decodePayload(b []byte) (*payload, error) {
	if len(b) == 0 {
		p := newPayload()
		p.Tags = readableTags(p.Tags)
		return p, nil
	}
	p := newPayload()
	if err := json.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("storedmap: decode payload: %w", err)
	}
	if p.Tree == nil {
		p.Tree = NewOrderedMap()
	}
	p.Tags = readableTags(p.Tags)
	return p, nil
}

// readableTags substitutes the sentinel back to an empty slice, per
// spec.md §3's Payload invariant.
func readableTags(tags []string) []string {
	if len(tags) == 1 && tags[0] == tagsSentinel {
		return []string{}
	}
	return tags
}
