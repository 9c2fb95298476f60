// Package hashing provides the engine's content-addressing primitives:
// a deterministic ("canonical") JSON encoder and blake3-backed hashing
// helpers used for block hash chaining and cache keys.
package hashing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Sum256 is the raw 32-byte blake3 digest of b.
func Sum256(b []byte) [32]byte {
	return blake3.Sum256(b)
}

// Hex returns the lowercase hex encoding of a digest.
func Hex(sum [32]byte) string {
	return fmt.Sprintf("%x", sum[:])
}

// Hasher is an incremental blake3 hash accumulator. Block variants use it
// to fold their type, name, and canonicalized config into a single inner
// hash without allocating an intermediate byte slice per field.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// WriteString folds s into the running hash.
func (h *Hasher) WriteString(s string) {
	h.h.Write([]byte(s))
}

// WriteBytes folds b into the running hash.
func (h *Hasher) WriteBytes(b []byte) {
	h.h.Write(b)
}

// WriteJSON canonicalizes v (sorted object keys, stable number/string
// formatting) and folds the result into the running hash. Canonicalization
// is load-bearing: two configs that are semantically equal but differ in
// key order or whitespace must hash identically.
func (h *Hasher) WriteJSON(v interface{}) error {
	b, err := Canonicalize(v)
	if err != nil {
		return err
	}
	h.h.Write(b)
	return nil
}

// Sum returns the current 32-byte digest without resetting the hasher.
func (h *Hasher) Sum() [32]byte {
	var out [32]byte
	copy(out[:], h.h.Sum(nil))
	return out
}

// SumHex returns the current digest as lowercase hex.
func (h *Hasher) SumHex() string {
	return Hex(h.Sum())
}

// ChainHash computes hash = blake3(prevHash || innerHash), the per-block
// chaining rule that makes every block's hash depend on everything that
// came before it in the app.
func ChainHash(prevHash, innerHash [32]byte) [32]byte {
	h := blake3.New()
	h.Write(prevHash[:])
	h.Write(innerHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CanonicalHash canonicalizes v and returns its blake3 hex digest. Used
// directly as the cache key for request kinds that have no CacheKeyString
// rendering of their own.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := Sum256(b)
	return Hex(sum), nil
}

// Canonicalize produces a deterministic JSON encoding of v: object keys
// sorted lexicographically, no insignificant whitespace, numbers preserved
// in their original textual form. Any value JSON-marshalable by the
// standard library can be passed in, including already-decoded
// map[string]interface{}/[]interface{} trees.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeCanonicalString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
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
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported value type %T", v)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonicalize: marshal string: %w", err)
	}
	buf.Write(b)
	return nil
}
