// Package canonicalize produces a deterministic byte-level serialization of
// structured values so that logically equal values always hash the same way.
//
// Keys are sorted lexicographically, there is no insignificant whitespace,
// and HTML escaping is disabled. Go numeric values are emitted in the
// shortest form encoding/json produces for them; a json.Number is emitted
// with its text unchanged, so json.Number("1.50") and json.Number("1.5")
// do not canonicalize to the same bytes. time.Time values reached through
// map[string]interface{} and []interface{} nesting are rendered in a single
// fixed UTC textual form (RFC3339Nano); see Canonical for the rest. It is
// used wherever the gateway needs a hash or a
// fingerprint: the anti-replay gate's fingerprint, the hash-chain engine's
// payload, and audit-event snapshots.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// timeFormat is the single fixed UTC textual form for timestamps in
// canonical output.
const timeFormat = time.RFC3339Nano

// Canonical returns the canonical byte representation of v.
//
// v is first marshaled with the standard library (so struct tags and
// nested types are respected), then decoded into a generic tree and
// re-serialized under the canonical rules. time.Time values at the top
// level or nested in map[string]interface{} and []interface{} are rendered
// in UTC using timeFormat; a time.Time inside a struct or a typed map or
// slice goes through encoding/json's own time encoding, which keeps its
// zone offset.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(normalizeTimes(v))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase-hex SHA-256 digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase-hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeTimes walks v through map[string]interface{} and []interface{}
// and rewrites each time.Time (or *time.Time) it reaches into its
// fixed-format string, so the generic-decode pass below never has to guess
// at a canonical timestamp representation. Everything else, structs
// included, passes through unchanged; json.Marshal handles tags, omitempty,
// etc.
func normalizeTimes(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(timeFormat)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(timeFormat)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeTimes(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeTimes(val)
		}
		return out
	default:
		return v
	}
}

// writeCanonical writes v's canonical serialization into buf.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		// json.Number retains the source text verbatim, which for values
		// produced by encoding/json is the shortest round-tripping
		// representation; a json.Number supplied by the caller keeps its
		// own text.
		buf.WriteString(t.String())
		return nil
	case string:
		return writeCanonicalString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		// Any identifier-like scalar (e.g. a bare Go string type alias)
		// that slipped through UseNumber/decode falls back to the
		// standard encoder with HTML escaping disabled.
		var tmp bytes.Buffer
		enc := json.NewEncoder(&tmp)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("canonicalize: unsupported value %T: %w", v, err)
		}
		buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
		return nil
	}
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonicalize: failed to encode string: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}
