// Package jsonx holds JSON types that tolerate the encodings produced by
// Redis Lua scripts. cjson cannot tell an empty array from an empty object,
// and it writes every number as a double.
package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	emptyObject = []byte("{}")
	emptyArray  = []byte("[]")
	null        = []byte("null")
)

// List is a slice that decodes from [], {} or null.
type List[T any] []T

// UnmarshalJSON implements json.Unmarshaler.
func (l *List[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, emptyObject) || bytes.Equal(trimmed, null) {
		*l = nil
		return nil
	}
	var out []T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return fmt.Errorf("jsonx: list: %w", err)
	}
	*l = out
	return nil
}

// MarshalJSON always writes an array, never null.
func (l List[T]) MarshalJSON() ([]byte, error) {
	if len(l) == 0 {
		return emptyArray, nil
	}
	return json.Marshal([]T(l))
}

// Map is a string-keyed map that decodes from {}, [] or null.
type Map[V any] map[string]V

// UnmarshalJSON implements json.Unmarshaler.
func (m *Map[V]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, emptyArray) || bytes.Equal(trimmed, null) {
		*m = nil
		return nil
	}
	var out map[string]V
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return fmt.Errorf("jsonx: map: %w", err)
	}
	*m = out
	return nil
}

// MarshalJSON always writes an object, never null.
func (m Map[V]) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return emptyObject, nil
	}
	return json.Marshal(map[string]V(m))
}

// Millis is a Unix timestamp in milliseconds. Zero means unset.
type Millis int64

// FromTime converts t to Millis. The zero time maps to 0.
func FromTime(t time.Time) Millis {
	if t.IsZero() {
		return 0
	}
	return Millis(t.UnixMilli())
}

// Time returns the timestamp as UTC time, or the zero time when unset.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (m Millis) IsZero() bool { return m == 0 }

// UnmarshalJSON accepts integers, floats in any notation, quoted numbers
// and null.
func (m *Millis) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = Millis(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jsonx: millis %q: %w", s, err)
	}
	*m = Millis(math.Round(f))
	return nil
}
