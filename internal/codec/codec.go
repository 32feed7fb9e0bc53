// Package codec provides the value-to-bytes capability the store consumes.
//
// Encoding is deliberately deterministic: JSON with sorted map keys and HTML
// escaping disabled, so that byte comparison of two encodings of equal values
// is meaningful and snapshot rows diff cleanly.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// JSON is the default codec. It is stateless and safe for concurrent use.
type JSON struct{}

// Encode serializes a value to JSON bytes.
// HTML escaping is disabled so encodings are stable across contexts.
func (JSON) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	// Encoder adds a trailing newline, remove it
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode deserializes JSON bytes into the value pointed to by out.
func (JSON) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}

// Name identifies the codec in diagnostics.
func (JSON) Name() string { return "json" }

// TypeIdent derives a stable identifier for a Go type, used to name the
// snapshot table for a state type. The identifier is the type's name in
// snake_case, restricted to [a-z0-9_]. Pointer indirection is stripped.
//
// Anonymous types (maps, slices, structs without a name) fall back to "state".
// Callers that need a different table name override it in configuration.
func TypeIdent(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		return "state"
	}
	// Strip generic instantiation brackets: "Wrapper[int]" -> "Wrapper"
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}

	var b strings.Builder
	prevLower := false
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLower(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			b.WriteByte('_')
			prevLower = false
		}
	}
	ident := b.String()
	if ident == "" {
		return "state"
	}
	return ident
}
