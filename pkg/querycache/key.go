package querycache

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"
)

// Key is an immutable, structured identifier for a query. It is built from an
// ordered sequence of parts (e.g. NewKey("user", 42)); two keys are equal iff
// their parts hash pairwise equal. Each part is hashed independently so that
// groups of related queries sharing a leading part can be invalidated together
// (see InvalidatePrefix).
type Key struct {
	hashes []uint64
	id     string
	repr   string
}

// Part type tags, mixed into each part's hash so that, for example, the string
// "42" and the integer 42 produce distinct keys.
const (
	tagString  = 0x01
	tagInt     = 0x02
	tagUint    = 0x03
	tagBool    = 0x04
	tagFloat   = 0x05
	tagDefault = 0x06
)

// NewKey builds a Key from an ordered sequence of parts. Strings, booleans,
// all integer widths and float64 hash by value; anything else hashes by its
// fmt representation.
func NewKey(parts ...any) Key {
	hashes := make([]uint64, 0, len(parts))
	reprs := make([]string, 0, len(parts))
	for _, part := range parts {
		hashes = append(hashes, hashPart(part))
		reprs = append(reprs, fmt.Sprintf("%v", part))
	}

	var id strings.Builder
	for _, h := range hashes {
		fmt.Fprintf(&id, "%016x:", h)
	}

	return Key{
		hashes: hashes,
		id:     id.String(),
		repr:   strings.Join(reprs, "/"),
	}
}

func hashPart(part any) uint64 {
	h := fnv.New64a()
	switch v := part.(type) {
	case string:
		writeTagged(h, tagString, []byte(v))
	case bool:
		b := byte(0)
		if v {
			b = 1
		}
		writeTagged(h, tagBool, []byte{b})
	case int:
		writeTagged(h, tagInt, intBytes(uint64(v)))
	case int8:
		writeTagged(h, tagInt, intBytes(uint64(v)))
	case int16:
		writeTagged(h, tagInt, intBytes(uint64(v)))
	case int32:
		writeTagged(h, tagInt, intBytes(uint64(v)))
	case int64:
		writeTagged(h, tagInt, intBytes(uint64(v)))
	case uint:
		writeTagged(h, tagUint, intBytes(uint64(v)))
	case uint8:
		writeTagged(h, tagUint, intBytes(uint64(v)))
	case uint16:
		writeTagged(h, tagUint, intBytes(uint64(v)))
	case uint32:
		writeTagged(h, tagUint, intBytes(uint64(v)))
	case uint64:
		writeTagged(h, tagUint, intBytes(v))
	case float64:
		writeTagged(h, tagFloat, []byte(fmt.Sprintf("%g", v)))
	default:
		writeTagged(h, tagDefault, []byte(fmt.Sprintf("%T:%v", v, v)))
	}
	return h.Sum64()
}

func writeTagged(h io.Writer, tag byte, payload []byte) {
	_, _ = h.Write([]byte{tag})
	_, _ = h.Write(payload)
}

func intBytes(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// ID returns the canonical identifier used for map lookups. Two keys have the
// same ID iff they were built from pairwise-equal parts.
func (k Key) ID() string {
	return k.id
}

// Len returns the number of parts the key was built from.
func (k Key) Len() int {
	return len(k.hashes)
}

// Equal reports whether two keys identify the same query.
func (k Key) Equal(other Key) bool {
	return k.id == other.id
}

// HasPrefix reports whether the leading parts of k match every part of
// prefix. A zero-part prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.hashes) > len(k.hashes) {
		return false
	}
	for i, h := range prefix.hashes {
		if k.hashes[i] != h {
			return false
		}
	}
	return true
}

// String returns a human-readable form of the key for logging. It is not a
// stable identifier; use ID for that.
func (k Key) String() string {
	return k.repr
}

// shardHash folds the part hashes into a single value used to pick a store
// shard. Mixing all parts keeps keys that share a prefix from piling onto one
// shard.
func (k Key) shardHash() uint64 {
	var combined uint64 = 1469598103934665603 // FNV-64a offset basis
	for _, h := range k.hashes {
		combined ^= h
		combined *= 1099511628211 // FNV-64 prime
	}
	return combined
}
