// Package canon produces the canonical JSON serialisation and the SHA-256
// digests that every approval and execution record is bound to.
//
// The canonical form is byte-exact: object keys sorted lexicographically at
// every depth, no insignificant whitespace, UTF-8, numbers in their shortest
// round-trip form, booleans and null lowercase. Two callers that feed equal
// JSON trees must receive identical bytes, so the encoder is pinned here
// rather than delegated to a library whose output could drift between
// versions.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Canonicalize serialises any JSON-representable value into canonical bytes.
func Canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalString is Canonicalize returning a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashText returns the lowercase hex SHA-256 of the UTF-8 bytes of s.
func HashText(s string) string {
	return HashBytes([]byte(s))
}

// HashJSON canonicalises v and hashes the resulting bytes.
func HashJSON(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Equal reports whether two values are the same JSON tree under
// canonical comparison.
func Equal(a, b any) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// normalize round-trips v through encoding/json so that structs, typed maps
// and numeric types all collapse to the generic tree the encoder understands.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: value is not JSON-representable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("canon: reparse failed: %w", err)
	}
	return out, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case float64:
		buf.WriteString(formatNumber(val))
	case string:
		encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
	return nil
}

// formatNumber emits the shortest decimal that round-trips to the same
// float64. Integral values within the exactly-representable range print
// without a fractional part or exponent.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// encodeString writes a JSON string without HTML escaping.
func encodeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encode never fails for a plain string.
	_ = enc.Encode(s)
	b := tmp.Bytes()
	// Encoder appends a newline.
	buf.Write(bytes.TrimRight(b, "\n"))
}
