// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of restore artifacts,
// plus the timestamp and offset normalizers the plan hash depends on.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON returns the byte-for-byte deterministic JSON form of v:
// keys sorted lexicographically, no insignificant whitespace, RFC 8785
// number formatting (no trailing zeros on integer-valued numbers), no HTML
// escaping, null-valued object keys dropped, arrays preserved in input order.
// Callers pre-sort arrays where order must not matter.
func CanonicalJSON(v interface{}) (string, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return "", fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	stripped, err := marshalStripped(stripNulls(generic))
	if err != nil {
		return "", err
	}

	// Final pass through RFC 8785 for number and string formatting.
	canonical, err := jcs.Transform(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return string(canonical), nil
}

// HashValue returns the SHA-256 hex digest of the canonical JSON of v. This
// is the universal content hash of the service.
func HashValue(v interface{}) (string, error) {
	s, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex([]byte(s)), nil
}

// SHA256Hex computes the lowercase hex SHA-256 of raw bytes.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// stripNulls removes null-valued keys from objects, recursively. Array
// elements are kept even when null so positions stay stable.
func stripNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = stripNulls(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			if elem == nil {
				out[i] = nil
				continue
			}
			out[i] = stripNulls(elem)
		}
		return out
	default:
		return v
	}
}

// marshalStripped renders the generic value with sorted keys, preserved
// json.Number literals, and HTML escaping disabled.
func marshalStripped(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalStripped(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
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
			kb, err := marshalStripped(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalStripped(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
