// Package venue holds the scraped record model and the completeness and
// duplicate checks applied to every extracted venue.
package venue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Record is an ordered mapping from field name to value. Keys keep the order
// in which they were first set, which is also the order they were decoded
// from the extraction payload.
type Record struct {
	keys   []string
	values map[string]any
}

// NewRecord builds a Record from alternating key/value pairs.
func NewRecord(pairs ...any) Record {
	var r Record
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		r.Set(key, pairs[i+1])
	}
	return r
}

// Set stores value under key. New keys are appended; existing keys keep their position.
func (r *Record) Set(key string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Delete removes key and reports whether it was present.
func (r *Record) Delete(key string) bool {
	if _, ok := r.values[key]; !ok {
		return false
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns a copy of the field names in order.
func (r Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Clone returns a deep copy of the field list and a shallow copy of the values.
func (r Record) Clone() Record {
	out := Record{keys: append([]string(nil), r.keys...)}
	if r.values != nil {
		out.values = make(map[string]any, len(r.values))
		for k, v := range r.values {
			out.values[k] = v
		}
	}
	return out
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.keys)
}

// Text renders the value under key as a flat string. Missing and null values
// render as "".
func (r Record) Text(key string) string {
	v, ok := r.values[key]
	if !ok {
		return ""
	}
	return FormatValue(v)
}

// String implements fmt.Stringer using the JSON form.
func (r Record) String() string {
	data, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid record: %v>", err)
	}
	return string(data)
}

// FormatValue flattens a decoded JSON value for tabular output.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// MarshalJSON writes the fields as a JSON object in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(r.values[key])
		if err != nil {
			return nil, fmt.Errorf("marshal value for %q: %w", key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the key order of the payload.
// Numbers are kept as json.Number so they round-trip without float drift.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read record start: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record must be a JSON object, got %v", tok)
	}
	r.keys = nil
	r.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read record key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected record key %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode value for %q: %w", key, err)
		}
		r.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read record end: %w", err)
	}
	return nil
}

// ErrNoRecords is returned by DecodeRecords when the payload holds no JSON document.
var ErrNoRecords = errors.New("no records in payload")

// DecodeRecords parses an extraction payload into records. It accepts a JSON
// array of objects, a single object, or a wrapper object whose only field is
// the array, optionally wrapped in a markdown code fence.
func DecodeRecords(payload []byte) ([]Record, error) {
	data := bytes.TrimSpace(stripCodeFence(payload))
	if len(data) == 0 {
		return nil, ErrNoRecords
	}
	switch data[0] {
	case '[':
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode record list: %w", err)
		}
		return records, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("decode record object: %w", err)
		}
		if len(wrapper) == 1 {
			for _, inner := range wrapper {
				if trimmed := bytes.TrimSpace(inner); len(trimmed) > 0 && trimmed[0] == '[' {
					return DecodeRecords(trimmed)
				}
			}
		}
		var single Record
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("decode record object: %w", err)
		}
		return []Record{single}, nil
	default:
		return nil, fmt.Errorf("unexpected payload start %q", data[0])
	}
}

func stripCodeFence(payload []byte) []byte {
	text := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(text, "```") {
		return payload
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return []byte(text)
}
